package telnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/worldrelay/internal/config"
	"github.com/cory-johannsen/worldrelay/internal/textutil"
	"github.com/cory-johannsen/worldrelay/internal/world"
)

// eventBuffer bounds how far the reader may run ahead of the consumer.
const eventBuffer = 64

// Dialer opens telnet world sessions.
type Dialer struct {
	cfg      config.WorldConfig
	patterns *Patterns
	logger   *zap.Logger
}

var _ world.Dialer = (*Dialer)(nil)

// NewDialer compiles cfg.Patterns and returns a Dialer.
//
// Precondition: cfg must be validated; logger must not be nil.
func NewDialer(cfg config.WorldConfig, logger *zap.Logger) (*Dialer, error) {
	p, err := CompilePatterns(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	return &Dialer{cfg: cfg, patterns: p, logger: logger}, nil
}

// Dial connects, then logs in in the background. Spawn is reported as an
// event once the world greets the session.
func (d *Dialer) Dial(ctx context.Context) (world.Session, error) {
	nd := net.Dialer{Timeout: d.cfg.DialTimeout}
	raw, err := nd.DialContext(ctx, "tcp", d.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("dialing world %s: %w", d.cfg.Addr(), err)
	}
	s := &Session{
		conn:     NewConn(raw, d.cfg.WriteTimeout),
		patterns: d.patterns,
		username: d.cfg.Username,
		password: d.cfg.Password,
		events:   make(chan world.Event, eventBuffer),
		done:     make(chan struct{}),
		logger:   d.logger.With(zap.String("world", d.cfg.Addr())),
	}
	go s.readLoop()
	return s, nil
}

// Session is one telnet world connection.
type Session struct {
	conn     *Conn
	patterns *Patterns
	username string
	password string
	events   chan world.Event
	done     chan struct{}
	logger   *zap.Logger

	mu        sync.Mutex
	spawned   bool
	closeOnce sync.Once
}

var _ world.Session = (*Session)(nil)

func (s *Session) Events() <-chan world.Event { return s.events }

func (s *Session) Identity() string { return s.username }

// SendCommand writes text as one line.
func (s *Session) SendCommand(ctx context.Context, text string) error {
	select {
	case <-s.done:
		return world.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := s.conn.WriteLine(text); err != nil {
		return fmt.Errorf("sending command: %w", err)
	}
	return nil
}

// Close terminates the connection. Safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) emit(ev world.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) isSpawned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

func (s *Session) readLoop() {
	defer close(s.events)
	reason := "connection closed"
	for {
		raw, prompt, err := s.conn.ReadLine(!s.isSpawned())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				reason = err.Error()
			}
			break
		}
		line := textutil.StripFormatting(raw)
		if line == "" {
			continue
		}
		if !s.handleLine(line, prompt) {
			break
		}
	}
	s.emitEnd(reason)
}

// emitEnd delivers the final event even when the session was closed.
func (s *Session) emitEnd(reason string) {
	select {
	case s.events <- world.Event{Kind: world.EventEnd, Reason: reason}:
	case <-time.After(time.Second):
		s.logger.Debug("end event dropped; consumer detached")
	}
}

// handleLine reports false when the session must stop reading.
func (s *Session) handleLine(line string, prompt bool) bool {
	if !s.isSpawned() {
		switch {
		case s.patterns.PasswordPrompt.MatchString(line):
			return s.reply(s.password)
		case s.patterns.LoginPrompt.MatchString(line):
			return s.reply(s.username)
		case s.patterns.Spawn.MatchString(line):
			s.mu.Lock()
			s.spawned = true
			s.mu.Unlock()
			return s.emit(world.Event{Kind: world.EventSpawn})
		case prompt:
			return true
		}
	}

	ev := s.patterns.Classify(line)
	if ev.Kind == world.EventKicked {
		s.emit(ev)
		return false
	}
	if !s.isSpawned() && ev.Kind == world.EventMessage {
		return true
	}
	return s.emit(ev)
}

func (s *Session) reply(text string) bool {
	if err := s.conn.WriteLine(text); err != nil {
		s.emit(world.Event{Kind: world.EventError, Err: fmt.Errorf("login: %w", err)})
		return false
	}
	return true
}

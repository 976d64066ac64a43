// Package gateway connects to a world through a websocket JSON event gateway.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldrelay/internal/config"
	"github.com/cory-johannsen/worldrelay/internal/world"
)

const eventBuffer = 64

// Frame is the gateway wire format in both directions.
type Frame struct {
	Type     string `json:"type"`
	Sender   string `json:"sender,omitempty"`
	Text     string `json:"text,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Frame types.
const (
	FrameLogin   = "login"
	FrameCommand = "command"
	FrameSpawn   = "spawn"
	FrameChat    = "chat"
	FrameWhisper = "whisper"
	FrameMessage = "message"
	FrameKicked  = "kicked"
	FrameEnd     = "end"
)

var frameKinds = map[string]world.EventKind{
	FrameSpawn:   world.EventSpawn,
	FrameChat:    world.EventChat,
	FrameWhisper: world.EventWhisper,
	FrameMessage: world.EventMessage,
	FrameKicked:  world.EventKicked,
	FrameEnd:     world.EventEnd,
}

// Dialer opens gateway world sessions.
type Dialer struct {
	cfg    config.WorldConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

var _ world.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer for cfg.GatewayURL.
//
// Precondition: cfg must be validated; logger must not be nil.
func NewDialer(cfg config.WorldConfig, logger *zap.Logger) *Dialer {
	return &Dialer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
		logger: logger,
	}
}

// Dial connects and sends the login frame.
func (d *Dialer) Dial(ctx context.Context) (world.Session, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.cfg.GatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway %s: %w", d.cfg.GatewayURL, err)
	}
	s := &Session{
		conn:         conn,
		identity:     d.cfg.Username,
		writeTimeout: d.cfg.WriteTimeout,
		events:       make(chan world.Event, eventBuffer),
		done:         make(chan struct{}),
		logger:       d.logger.With(zap.String("gateway", d.cfg.GatewayURL)),
	}
	if err := s.write(Frame{Type: FrameLogin, Username: d.cfg.Username, Password: d.cfg.Password}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gateway login: %w", err)
	}
	go s.readLoop()
	return s, nil
}

// Session is one gateway connection.
type Session struct {
	conn         *websocket.Conn
	identity     string
	writeTimeout time.Duration
	events       chan world.Event
	done         chan struct{}
	logger       *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ world.Session = (*Session)(nil)

func (s *Session) Events() <-chan world.Event { return s.events }

func (s *Session) Identity() string { return s.identity }

// SendCommand sends a command frame.
func (s *Session) SendCommand(ctx context.Context, text string) error {
	select {
	case <-s.done:
		return world.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return s.write(Frame{Type: FrameCommand, Text: text})
}

func (s *Session) write(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(f)
}

// Close sends a close frame and closes the connection. Safe to call
// multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Session) readLoop() {
	defer close(s.events)
	reason := "connection closed"
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Text != "" {
				reason = ce.Text
			}
			break
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Debug("ignoring malformed gateway frame", zap.Error(err))
			continue
		}
		kind, ok := frameKinds[f.Type]
		if !ok {
			s.logger.Debug("ignoring unknown gateway frame", zap.String("type", f.Type))
			continue
		}
		if kind == world.EventEnd {
			if f.Reason != "" {
				reason = f.Reason
			}
			break
		}
		select {
		case s.events <- world.Event{Kind: kind, Sender: f.Sender, Text: f.Text, Reason: f.Reason}:
		case <-s.done:
			return
		}
	}
	select {
	case s.events <- world.Event{Kind: world.EventEnd, Reason: reason}:
	case <-time.After(time.Second):
	}
}

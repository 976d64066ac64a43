// Package connection owns the single live world session and keeps it alive
// across disconnects, kicks and manual pauses.
package connection

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldrelay/internal/config"
	"github.com/cory-johannsen/worldrelay/internal/world"
)

// ErrOffline is returned when no connected world session exists.
var ErrOffline = errors.New("world session offline")

// State is the lifecycle state of the world connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Ended
	ReconnectScheduled
	Paused
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	case ReconnectScheduled:
		return "reconnect_scheduled"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of the connection for display.
type Status struct {
	State    State
	Identity string
	// ReconnectAt is the scheduled reconnect time; zero when none is pending.
	ReconnectAt time.Time
	Backoff     time.Duration
	Paused      bool
	// ResumeAt is the automatic resume time of a timed pause; zero otherwise.
	ResumeAt   time.Time
	LastReason string
	// ConnectedAt is when the current session spawned; zero when offline.
	ConnectedAt time.Time
}

// Options tunes reconnect policy.
type Options struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	RestartDelay time.Duration
	// WindowStart and WindowEnd are minutes past midnight in Location.
	WindowStart int
	WindowEnd   int
	Location    *time.Location
	// Throttle matches kick reasons that double the backoff.
	Throttle *regexp.Regexp
	// GenericKickReason is the kick reason that pauses permanently.
	GenericKickReason string
	// Guard, when set, runs the session pump and timer callbacks so that a
	// panic in them is reported instead of crashing the process.
	Guard func(where string, fn func())
}

// OptionsFromConfig converts validated reconnect configuration.
//
// Precondition: cfg must have passed config.Validate.
func OptionsFromConfig(cfg config.ReconnectConfig) (Options, error) {
	start, err := config.ParseClock(cfg.RestartWindowStart)
	if err != nil {
		return Options{}, err
	}
	end, err := config.ParseClock(cfg.RestartWindowEnd)
	if err != nil {
		return Options{}, err
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return Options{}, fmt.Errorf("loading timezone: %w", err)
	}
	throttle, err := regexp.Compile(cfg.ThrottlePattern)
	if err != nil {
		return Options{}, fmt.Errorf("compiling throttle pattern: %w", err)
	}
	return Options{
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		RestartDelay:      cfg.RestartDelay,
		WindowStart:       start,
		WindowEnd:         end,
		Location:          loc,
		Throttle:          throttle,
		GenericKickReason: cfg.GenericKickReason,
	}, nil
}

// InRestartWindow reports whether t falls inside [WindowStart, WindowEnd)
// in the configured location. A window whose end precedes its start wraps
// past midnight.
func (o Options) InRestartWindow(t time.Time) bool {
	local := t.In(o.Location)
	m := local.Hour()*60 + local.Minute()
	if o.WindowStart <= o.WindowEnd {
		return m >= o.WindowStart && m < o.WindowEnd
	}
	return m >= o.WindowStart || m < o.WindowEnd
}

// NextBackoff doubles cur, capped at MaxDelay.
func (o Options) NextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > o.MaxDelay || next <= 0 {
		return o.MaxDelay
	}
	return next
}

// EventHandler receives chat, whisper and system events of the live session.
type EventHandler func(ctx context.Context, ev world.Event)

// SpawnHook runs after a session spawns.
type SpawnHook func(ctx context.Context, s world.Session)

// Manager owns the live world session. Dependents must re-resolve the
// session through Current or SendCommand on every use.
// All methods are safe for concurrent use.
type Manager struct {
	clock  clockwork.Clock
	dialer world.Dialer
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	ctx         context.Context
	state       State
	session     world.Session
	identity    string
	gen         uint64
	cancelPump  context.CancelFunc
	backoff     time.Duration
	paused      bool
	stopped     bool
	lastReason  string
	reasonSet   bool
	connectedAt time.Time

	reconnectTimer clockwork.Timer
	reconnectID    uint64
	reconnectAt    time.Time
	resumeTimer    clockwork.Timer
	resumeID       uint64
	resumeAt       time.Time

	handler   EventHandler
	hooks     []SpawnHook
	listeners []func(Status)
}

// NewManager creates a Disconnected Manager.
//
// Precondition: clock, dialer and logger must not be nil; opts must come
// from OptionsFromConfig or be equivalently complete.
func NewManager(clock clockwork.Clock, dialer world.Dialer, opts Options, logger *zap.Logger) *Manager {
	return &Manager{
		clock:   clock,
		dialer:  dialer,
		opts:    opts,
		logger:  logger,
		ctx:     context.Background(),
		backoff: opts.BaseDelay,
	}
}

// SetHandler installs the receiver of chat, whisper and message events.
func (m *Manager) SetHandler(h EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// OnSpawn registers a hook run after every successful spawn.
func (m *Manager) OnSpawn(h SpawnHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// OnStatus registers a listener notified after every state transition.
// Listeners run outside the Manager's lock.
func (m *Manager) OnStatus(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start detaches and closes any prior session, then dials a new one. A dial
// failure is logged and routed into the reconnect decision. Start does
// nothing while paused or after Stop.
//
// Postcondition: At most one session is live; the previous session's events
// are no longer delivered.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.paused || m.stopped {
		m.mu.Unlock()
		return
	}
	m.ctx = context.WithoutCancel(ctx)
	old := m.detachLocked()
	m.stopReconnectLocked()
	m.state = Connecting
	m.lastReason, m.reasonSet = "", false
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.notify()

	s, err := m.dialer.Dial(ctx)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if s != nil {
			_ = s.Close()
		}
		return
	}
	if err != nil {
		m.logger.Warn("world dial failed", zap.Error(err))
		m.state = Ended
		m.lastReason, m.reasonSet = err.Error(), true
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.notify()
		return
	}
	m.session = s
	m.identity = s.Identity()
	pumpCtx, cancel := context.WithCancel(m.ctx)
	m.cancelPump = cancel
	m.mu.Unlock()

	m.logger.Info("world session dialled", zap.String("identity", s.Identity()), zap.Uint64("generation", gen))
	go m.guarded("world pump", func() { m.pump(pumpCtx, gen, s) })()
}

func (m *Manager) guarded(where string, fn func()) func() {
	if m.opts.Guard == nil {
		return fn
	}
	return func() { m.opts.Guard(where, fn) }
}

// detachLocked bumps the generation so that events of the current session
// are ignored, and returns the session for closing.
func (m *Manager) detachLocked() world.Session {
	m.gen++
	if m.cancelPump != nil {
		m.cancelPump()
		m.cancelPump = nil
	}
	old := m.session
	m.session = nil
	m.connectedAt = time.Time{}
	return old
}

func (m *Manager) pump(ctx context.Context, gen uint64, s world.Session) {
	events := s.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.onEnd(gen, s, "session closed")
				return
			}
			switch ev.Kind {
			case world.EventSpawn:
				m.onSpawn(ctx, gen, s)
			case world.EventKicked:
				m.onKicked(gen, ev.Reason)
			case world.EventEnd:
				m.onEnd(gen, s, ev.Reason)
				return
			case world.EventError:
				m.logger.Warn("world session error", zap.Error(ev.Err))
			default:
				m.mu.Lock()
				h := m.handler
				current := gen == m.gen
				m.mu.Unlock()
				if h != nil && current {
					h(ctx, ev)
				}
			}
		}
	}
}

func (m *Manager) onSpawn(ctx context.Context, gen uint64, s world.Session) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.stopReconnectLocked()
	m.state = Connected
	m.connectedAt = m.clock.Now()
	hooks := append([]SpawnHook(nil), m.hooks...)
	m.mu.Unlock()

	m.logger.Info("world session spawned", zap.String("identity", s.Identity()))
	m.notify()
	for _, h := range hooks {
		h(ctx, s)
	}
}

func (m *Manager) onKicked(gen uint64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.lastReason, m.reasonSet = reason, true
	if m.opts.Throttle != nil && m.opts.Throttle.MatchString(reason) {
		m.backoff = m.opts.NextBackoff(m.backoff)
		m.logger.Warn("kicked for throttling", zap.String("reason", reason), zap.Duration("backoff", m.backoff))
	}
	if m.opts.GenericKickReason != "" && strings.TrimSpace(reason) == strings.TrimSpace(m.opts.GenericKickReason) {
		m.paused = true
		m.stopResumeLocked()
		m.logger.Warn("generic kick received; reconnection paused", zap.String("reason", reason))
	}
}

func (m *Manager) onEnd(gen uint64, s world.Session, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.cancelPump != nil {
		m.cancelPump()
		m.cancelPump = nil
	}
	m.session = nil
	m.connectedAt = time.Time{}
	if !m.reasonSet {
		m.lastReason, m.reasonSet = reason, true
	}
	m.state = Ended
	switch {
	case m.stopped:
		m.state = Disconnected
	case m.paused:
		m.state = Paused
	default:
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	m.logger.Info("world session ended", zap.String("reason", reason))
	_ = s.Close()
	m.notify()
}

// ReconnectDelay returns the delay the next reconnect would use at now.
func (m *Manager) ReconnectDelay(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectDelayLocked(now)
}

func (m *Manager) reconnectDelayLocked(now time.Time) time.Duration {
	if m.opts.Location != nil && m.opts.InRestartWindow(now) {
		return m.opts.RestartDelay
	}
	return m.backoff
}

func (m *Manager) scheduleReconnectLocked() {
	m.stopReconnectLocked()
	now := m.clock.Now()
	delay := m.reconnectDelayLocked(now)
	m.reconnectID++
	id := m.reconnectID
	m.state = ReconnectScheduled
	m.reconnectAt = now.Add(delay)
	m.reconnectTimer = m.clock.AfterFunc(delay, m.guarded("reconnect timer", func() {
		m.mu.Lock()
		fire := id == m.reconnectID && !m.paused && !m.stopped
		ctx := m.ctx
		m.mu.Unlock()
		if fire {
			m.Start(ctx)
		}
	}))
	m.logger.Info("reconnect scheduled", zap.Duration("delay", delay))
}

func (m *Manager) stopReconnectLocked() {
	m.reconnectID++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectAt = time.Time{}
}

func (m *Manager) stopResumeLocked() {
	m.resumeID++
	if m.resumeTimer != nil {
		m.resumeTimer.Stop()
		m.resumeTimer = nil
	}
	m.resumeAt = time.Time{}
}

// Pause terminates the live session and stops reconnecting. When d > 0 the
// connection resumes automatically after d.
func (m *Manager) Pause(d time.Duration) {
	m.mu.Lock()
	m.paused = true
	m.stopReconnectLocked()
	m.stopResumeLocked()
	if d > 0 {
		m.resumeID++
		id := m.resumeID
		m.resumeAt = m.clock.Now().Add(d)
		m.resumeTimer = m.clock.AfterFunc(d, m.guarded("resume timer", func() {
			m.mu.Lock()
			fire := id == m.resumeID && m.paused && !m.stopped
			ctx := m.ctx
			m.mu.Unlock()
			if fire {
				m.Resume(ctx)
			}
		}))
	}
	old := m.detachLocked()
	m.state = Paused
	m.lastReason, m.reasonSet = "manual pause", true
	m.mu.Unlock()

	m.logger.Info("world connection paused", zap.Duration("duration", d))
	if old != nil {
		_ = old.Close()
	}
	m.notify()
}

// Resume clears the pause, resets the backoff and starts a new session.
func (m *Manager) Resume(ctx context.Context) {
	m.mu.Lock()
	m.paused = false
	m.stopResumeLocked()
	m.backoff = m.opts.BaseDelay
	m.mu.Unlock()

	m.logger.Info("world connection resumed")
	m.Start(ctx)
}

// Stop detaches the live session and cancels every timer. The Manager does
// not reconnect afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.stopReconnectLocked()
	m.stopResumeLocked()
	old := m.detachLocked()
	m.state = Disconnected
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	m.notify()
}

// Current returns the connected session, or nil while offline.
func (m *Manager) Current() world.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return nil
	}
	return m.session
}

// Identity returns the world identity of the most recent session.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// SendCommand sends text through the current session.
//
// Postcondition: Returns ErrOffline when no session is connected.
func (m *Manager) SendCommand(ctx context.Context, text string) error {
	s := m.Current()
	if s == nil {
		return ErrOffline
	}
	return s.SendCommand(ctx, text)
}

// Status returns a snapshot of the connection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:       m.state,
		Identity:    m.identity,
		ReconnectAt: m.reconnectAt,
		Backoff:     m.backoff,
		Paused:      m.paused,
		ResumeAt:    m.resumeAt,
		LastReason:  m.lastReason,
		ConnectedAt: m.connectedAt,
	}
}

func (m *Manager) notify() {
	m.mu.Lock()
	st := m.statusLocked()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

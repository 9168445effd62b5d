// Package stream owns the lifecycle of a streaming market-data transport:
// dialing, subscribing, heartbeats and bounded reconnects with backoff.
//
// A Manager is a state machine driven by a single goroutine. Every input
// (caller commands, dial completions, inbound frames, timer expiries) is an
// event on one channel, so transitions never race with each other.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Conn is an open transport. ReadMessage is only called from one goroutine
// and WriteMessage only from the manager loop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a new transport.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Options configures a Manager.
type Options struct {
	Dialer Dialer
	// Subscribe is written once after every successful dial.
	Subscribe []byte
	// Heartbeat is written every HeartbeatInterval while connected. An empty
	// payload or non-positive interval disables heartbeats.
	Heartbeat         []byte
	HeartbeatInterval time.Duration

	MaxReconnectAttempts int
	Backoff              Backoff
	Scheduler            Scheduler

	// OnStatus and OnMessage run on the manager goroutine and must not call
	// back into the Manager synchronously.
	OnStatus  func(domain.ConnectionStatus)
	OnMessage func([]byte)

	Logger *slog.Logger
}

type eventKind int

const (
	evConnect eventKind = iota
	evReconnect
	evDialed
	evMessage
	evDropped
	evRetry
	evHeartbeat
	evClose
)

type event struct {
	kind eventKind
	gen  uint64
	conn Conn
	data []byte
	err  error
}

// Manager drives one logical stream subscription.
type Manager struct {
	opts   Options
	logger *slog.Logger

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	statusMu sync.RWMutex
	status   domain.ConnectionStatus

	// Owned by the loop goroutine.
	gen        uint64
	conn       Conn
	attempts   int
	retry      Timer
	beat       Timer
	cancelDial context.CancelFunc
}

// NewManager validates opts and starts the manager goroutine in the idle
// state. Call Close to release it.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("stream: %w: dialer is required", domain.ErrInvalidConfiguration)
	}
	if opts.MaxReconnectAttempts < 0 {
		return nil, fmt.Errorf("stream: %w: max reconnect attempts must be >= 0", domain.ErrInvalidConfiguration)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = SystemScheduler
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		opts:   opts,
		logger: logger.With(slog.String("component", "stream")),
		events: make(chan event, 64),
		done:   make(chan struct{}),
		status: domain.StatusIdle,
	}
	go m.loop()
	return m, nil
}

// Status returns the current lifecycle state.
func (m *Manager) Status() domain.ConnectionStatus {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// Connect starts the open sequence from idle. It is a no-op in any other
// non-terminal state.
func (m *Manager) Connect() error {
	return m.post(event{kind: evConnect})
}

// Reconnect drops any current transport, resets the attempt counter and opens
// a fresh one. It is the only way out of the error state.
func (m *Manager) Reconnect() error {
	return m.post(event{kind: evReconnect})
}

// Close cancels pending timers, closes the transport and enters the closed
// state. It blocks until the manager goroutine exits and is safe to call more
// than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		_ = m.post(event{kind: evClose})
	})
	<-m.done
	return nil
}

// Done is closed once the manager has shut down.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) post(ev event) error {
	select {
	case <-m.done:
		return fmt.Errorf("stream: %w", domain.ErrClosed)
	default:
	}
	select {
	case m.events <- ev:
		return nil
	case <-m.done:
		return fmt.Errorf("stream: %w", domain.ErrClosed)
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for ev := range m.events {
		if m.handle(ev) {
			return
		}
	}
}

// handle applies one event and reports whether the loop should exit.
func (m *Manager) handle(ev event) bool {
	switch ev.kind {
	case evConnect:
		if m.Status() == domain.StatusIdle {
			m.attempts = 0
			m.open()
		}

	case evReconnect:
		m.teardown()
		m.attempts = 0
		m.open()

	case evDialed:
		m.onDialed(ev)

	case evMessage:
		if ev.gen == m.gen && m.opts.OnMessage != nil {
			m.opts.OnMessage(ev.data)
		}

	case evDropped:
		if ev.gen != m.gen || m.conn == nil {
			return false
		}
		m.logger.Warn("stream dropped", slog.String("error", ev.err.Error()))
		m.teardown()
		m.setStatus(domain.StatusDisconnected)
		m.scheduleReconnect()

	case evRetry:
		if ev.gen != m.gen {
			return false
		}
		m.retry = nil
		m.open()

	case evHeartbeat:
		if ev.gen != m.gen || m.conn == nil {
			return false
		}
		if err := m.conn.WriteMessage(m.opts.Heartbeat); err != nil {
			// The read side reports the drop and drives recovery.
			m.logger.Debug("heartbeat skipped", slog.String("error", err.Error()))
		}
		m.scheduleHeartbeat()

	case evClose:
		m.teardown()
		m.setStatus(domain.StatusClosed)
		return true
	}
	return false
}

// open bumps the generation and dials asynchronously.
func (m *Manager) open() {
	m.gen++
	gen := m.gen
	m.setStatus(domain.StatusConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	go func() {
		conn, err := m.opts.Dialer.Dial(ctx)
		if perr := m.post(event{kind: evDialed, gen: gen, conn: conn, err: err}); perr != nil && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) onDialed(ev event) {
	if ev.gen != m.gen {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	m.stopDial()

	if ev.err != nil {
		m.logger.Warn("stream dial failed",
			slog.Int("attempt", m.attempts),
			slog.String("error", ev.err.Error()),
		)
		m.scheduleReconnect()
		return
	}

	if len(m.opts.Subscribe) > 0 {
		if err := ev.conn.WriteMessage(m.opts.Subscribe); err != nil {
			_ = ev.conn.Close()
			m.logger.Warn("stream subscribe failed", slog.String("error", err.Error()))
			m.scheduleReconnect()
			return
		}
	}

	m.conn = ev.conn
	m.attempts = 0
	m.setStatus(domain.StatusConnected)
	m.scheduleHeartbeat()
	go m.readLoop(ev.gen, ev.conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			_ = m.post(event{kind: evDropped, gen: gen, err: err})
			return
		}
		if m.post(event{kind: evMessage, gen: gen, data: data}) != nil {
			return
		}
	}
}

// scheduleReconnect enters reconnecting with a pending retry, or error once
// the attempt budget is spent.
func (m *Manager) scheduleReconnect() {
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.logger.Error("stream reconnect attempts exhausted", slog.Int("attempts", m.attempts))
		m.setStatus(domain.StatusError)
		return
	}
	delay := m.opts.Backoff.Delay(m.attempts)
	m.attempts++
	m.setStatus(domain.StatusReconnecting)
	m.logger.Info("stream reconnect scheduled",
		slog.Int("attempt", m.attempts),
		slog.Duration("delay", delay),
	)

	gen := m.gen
	m.retry = m.opts.Scheduler.AfterFunc(delay, func() {
		_ = m.post(event{kind: evRetry, gen: gen})
	})
}

func (m *Manager) scheduleHeartbeat() {
	if m.opts.HeartbeatInterval <= 0 || len(m.opts.Heartbeat) == 0 {
		return
	}
	gen := m.gen
	m.beat = m.opts.Scheduler.AfterFunc(m.opts.HeartbeatInterval, func() {
		_ = m.post(event{kind: evHeartbeat, gen: gen})
	})
}

// teardown invalidates in-flight events and releases timers and transport.
func (m *Manager) teardown() {
	m.gen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.beat != nil {
		m.beat.Stop()
		m.beat = nil
	}
	m.stopDial()
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("stream close", slog.String("error", err.Error()))
		}
		m.conn = nil
	}
}

func (m *Manager) stopDial() {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
}

func (m *Manager) setStatus(s domain.ConnectionStatus) {
	m.statusMu.Lock()
	if m.status == s {
		m.statusMu.Unlock()
		return
	}
	prev := m.status
	m.status = s
	m.statusMu.Unlock()

	m.logger.Debug("status changed", slog.String("from", string(prev)), slog.String("to", string(s)))
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(s)
	}
}

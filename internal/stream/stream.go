// Package stream owns the long-lived live-feed connection: dialing, keepalive,
// dead-peer detection and reconnect after abnormal close.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bakhe8/icgl/internal/metrics"
)

// State is the connection lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

var (
	// ErrClosed is returned once the manager has been torn down.
	ErrClosed = errors.New("stream: manager closed")
	// ErrNotConnected is returned by Send while no connection is open.
	ErrNotConnected = errors.New("stream: not connected")
)

var pingFrame = []byte(`{"type":"ping"}`)

// Conn is one established connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens connections to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Options configure a Manager.
type Options struct {
	Dialer            Dialer
	Handler           func(frame []byte)
	OnStateChange     func(State)
	ReconnectDelay    time.Duration
	KeepaliveInterval time.Duration
	// PongTimeout forces a reconnect when nothing has been received for this
	// long. Zero disables the check.
	PongTimeout time.Duration
	Logger      *log.Logger
}

// Manager maintains at most one open connection at a time.
type Manager struct {
	dialer         Dialer
	handler        func([]byte)
	onState        func(State)
	reconnectDelay time.Duration
	keepalive      time.Duration
	pongTimeout    time.Duration
	logger         *log.Logger

	mu      sync.Mutex
	state   State
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	conn    Conn

	writeMu sync.Mutex
}

// New creates a manager in the closed state.
func New(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Manager{
		dialer:         opts.Dialer,
		handler:        opts.Handler,
		onState:        opts.OnStateChange,
		reconnectDelay: opts.ReconnectDelay,
		keepalive:      opts.KeepaliveInterval,
		pongTimeout:    opts.PongTimeout,
		logger:         opts.Logger,
		state:          StateClosed,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts maintaining a connection to endpoint. Calling it again while
// connecting or open is a no-op.
func (m *Manager) Connect(ctx context.Context, endpoint string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.started = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(runCtx, endpoint)
	return nil
}

// Send writes a frame on the open connection. Non-[]byte frames are JSON encoded.
func (m *Manager) Send(ctx context.Context, frame interface{}) error {
	var data []byte
	switch f := frame.(type) {
	case []byte:
		data = f
	case string:
		data = []byte(f)
	default:
		encoded, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		data = encoded
	}

	m.mu.Lock()
	conn, closed := m.conn, m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return m.write(ctx, conn, data)
}

// Close tears the connection down and cancels any pending reconnect. No
// further attempts are made.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.setState(StateClosed)
}

func (m *Manager) run(ctx context.Context, endpoint string) {
	defer close(m.done)

	attempt := 0
	for {
		attempt++
		m.setState(StateConnecting)
		conn, err := m.dialer.Dial(ctx, endpoint)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Printf("stream: dial %s failed (attempt %d): %v", endpoint, attempt, err)
			}
		} else {
			attempt = 0
			m.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			m.setState(StateClosed)
			return
		}

		// One reconnect per closed connection; the next dial waits for the delay.
		metrics.ObserveReconnect()
		m.setState(StateConnecting)
		timer := time.NewTimer(m.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(StateClosed)
			return
		case <-timer.C:
		}
	}
}

// serve pumps frames until the connection ends, and returns only after the
// connection and its keepalive have fully stopped.
func (m *Manager) serve(ctx context.Context, conn Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.setState(StateOpen)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.keepaliveLoop(connCtx, cancel, conn, &lastSeen)
	}()

	for {
		frame, err := conn.Read(connCtx)
		if err != nil {
			if connCtx.Err() == nil {
				m.logger.Printf("stream: connection lost: %v", err)
			}
			break
		}
		lastSeen.Store(time.Now().UnixNano())
		m.dispatch(frame)
	}

	cancel()
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	if err := conn.Close(); err != nil && ctx.Err() == nil {
		m.logger.Printf("stream: close: %v", err)
	}
	wg.Wait()
	m.setState(StateClosed)
}

func (m *Manager) keepaliveLoop(ctx context.Context, cancel context.CancelFunc, conn Conn, lastSeen *atomic.Int64) {
	ticker := time.NewTicker(m.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.pongTimeout > 0 {
				idle := time.Since(time.Unix(0, lastSeen.Load()))
				if idle > m.pongTimeout {
					m.logger.Printf("stream: no frames for %s, forcing reconnect", idle.Round(time.Millisecond))
					cancel()
					return
				}
			}
			if err := m.write(ctx, conn, pingFrame); err != nil {
				if ctx.Err() == nil {
					m.logger.Printf("stream: keepalive failed: %v", err)
				}
				cancel()
				return
			}
		}
	}
}

func (m *Manager) write(ctx context.Context, conn Conn, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.Write(ctx, frame)
}

// dispatch hands a frame to the handler; a panicking handler must not end the loop.
func (m *Manager) dispatch(frame []byte) {
	if m.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("stream: frame handler panic: %v", r)
		}
	}()
	m.handler(frame)
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	metrics.SetConnectionState(string(state))
	if m.onState != nil {
		m.onState(state)
	}
}

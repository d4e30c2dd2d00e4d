// Package link owns the serial connection to the door controller: opening it
// with retry, byte level reads and writes with timeouts, and reconnection after
// a fault.
//
// State machine:
//
//	Disconnected -> Connecting -> Connected -> Faulted -> Connecting -> ...
//
// Connecting retries forever with a fixed backoff. Any I/O error or timeout
// moves the link to Faulted; the owner then calls Reconnect, which closes the
// dead port and connects again. Nothing is retried within a faulted session.
package link

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults
const (
	DefaultBackoff = 5 * time.Second
	DefaultTimeout = 3 * time.Second
)

// State of the link
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Faulted
)

var stateNames = map[State]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Connected:    "connected",
	Faulted:      "faulted",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Port is an open serial device
type Port interface {
	io.ReadWriteCloser
	// ResetInput discards bytes received but not yet read.
	ResetInput() error
	// Drain blocks until written bytes have been transmitted.
	Drain() error
}

// Opener opens the device once. It is called again on every retry.
type Opener func() (Port, error)

// Option configures a Manager
type Option func(*Manager)

// WithBackoff sets the delay between connection attempts.
func WithBackoff(d time.Duration) Option {
	return func(m *Manager) { m.backoff = d }
}

// WithTimeout sets the read and write timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithLogger logs through log with component=link.
func WithLogger(log *logrus.Logger) Option {
	return func(m *Manager) { m.log = log.WithField("component", "link") }
}

// WithStateHandler registers h to be called on every state change. It is
// called synchronously from the goroutine that caused the change.
func WithStateHandler(h func(State)) Option {
	return func(m *Manager) { m.onState = h }
}

// Manager is the link to one device
type Manager struct {
	open    Opener
	backoff time.Duration
	timeout time.Duration
	log     *logrus.Entry
	onState func(State)

	state   atomic.Int32
	mutex   sync.Mutex
	session *session
}

// New returns a disconnected link.
func New(open Opener, opts ...Option) *Manager {
	m := &Manager{
		open:    open,
		backoff: DefaultBackoff,
		timeout: DefaultTimeout,
		log:     logrus.StandardLogger().WithField("component", "link"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State may be called from any goroutine.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old == s {
		return
	}
	m.log.Debugf("%v -> %v", old, s)
	if m.onState != nil {
		m.onState(s)
	}
}

// Connect opens the device, retrying every backoff until it succeeds or ctx
// is done. Input received before the connection is discarded.
func (m *Manager) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			m.setState(Disconnected)
			return err
		}
		m.setState(Connecting)
		m.log.Info("attempting serial connection")
		port, err := m.open()
		if err == nil {
			if err = port.ResetInput(); err != nil {
				_ = port.Close()
			}
		}
		if err == nil {
			m.mutex.Lock()
			m.session = newSession(port, m.timeout)
			m.mutex.Unlock()
			m.setState(Connected)
			m.log.Infof("serial connected after %d attempt(s)", attempt)
			return nil
		}
		m.log.Warnf("serial connection failed: %v. Retrying in %v", err, m.backoff)
		select {
		case <-ctx.Done():
		case <-time.After(m.backoff):
		}
	}
}

// Reconnect closes the current session and connects again.
func (m *Manager) Reconnect(ctx context.Context) error {
	if err := m.closeSession(); err != nil {
		m.log.Debugf("closing faulted port: %v", err)
	}
	return m.Connect(ctx)
}

// Close closes the port. Safe to call when already closed.
func (m *Manager) Close() error {
	err := m.closeSession()
	m.setState(Disconnected)
	return err
}

func (m *Manager) closeSession() error {
	m.mutex.Lock()
	s := m.session
	m.session = nil
	m.mutex.Unlock()
	if s == nil {
		return nil
	}
	m.log.Info("closing serial connection")
	return s.close()
}

func (m *Manager) current(op string) (*session, error) {
	m.mutex.Lock()
	s := m.session
	m.mutex.Unlock()
	if s == nil {
		return nil, m.fault(op, ErrNotConnected)
	}
	return s, nil
}

func (m *Manager) fault(op string, err error) error {
	if m.State() != Faulted {
		m.log.Warnf("serial %s failed: %v", op, err)
		m.setState(Faulted)
	}
	return &Error{Op: op, Err: err}
}

// Buffered returns how many bytes can be read without waiting.
func (m *Manager) Buffered() (int, error) {
	s, err := m.current("read")
	if err != nil {
		return 0, err
	}
	n, err := s.buffered()
	if err != nil {
		return 0, m.fault("read", err)
	}
	return n, nil
}

// ReadByte waits at most the timeout for one byte.
func (m *Manager) ReadByte() (byte, error) {
	b, err := m.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadExact waits at most the timeout for exactly n bytes.
func (m *Manager) ReadExact(n int) ([]byte, error) {
	s, err := m.current("read")
	if err != nil {
		return nil, err
	}
	b, err := s.read(n)
	if err != nil {
		return nil, m.fault("read", err)
	}
	return b, nil
}

// WriteFrame writes b and waits until it has been transmitted.
func (m *Manager) WriteFrame(b []byte) error {
	s, err := m.current("write")
	if err != nil {
		return err
	}
	if err := s.write(b); err != nil {
		return m.fault("write", err)
	}
	return nil
}

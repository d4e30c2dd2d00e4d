// Package pump runs the single loop that moves bytes between the serial link
// and the rest of the bridge, and the timer that keeps telemetry fresh.
package pump

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kylehofer/garage-door/frame"
	"github.com/kylehofer/garage-door/link"
	"github.com/kylehofer/garage-door/queue"
	"github.com/kylehofer/garage-door/telemetry"
)

// Defaults
const (
	DefaultIdle         = 10 * time.Millisecond
	DefaultPollInterval = 15 * time.Second
)

// Link is the part of *link.Manager the pump drives
type Link interface {
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	State() link.State
	Buffered() (int, error)
	ReadByte() (byte, error)
	ReadExact(n int) ([]byte, error)
	WriteFrame(b []byte) error
}

// Dispatcher decodes the payload following a tag byte
type Dispatcher interface {
	Dispatch(tag byte, r telemetry.PayloadReader) (bool, error)
}

// Stats counts what went through the pump
type Stats struct {
	Frames     uint64
	Discarded  uint64
	Written    uint64
	Reconnects uint64
}

// Option configures a Pump
type Option func(*Pump)

// WithIdle sets the sleep between iterations.
func WithIdle(d time.Duration) Option {
	return func(p *Pump) { p.idle = d }
}

// WithLogger logs through log with component=pump.
func WithLogger(log *logrus.Logger) Option {
	return func(p *Pump) { p.log = log.WithField("component", "pump") }
}

// Pump owns the link for the lifetime of Run
type Pump struct {
	link       Link
	queue      *queue.Queue
	dispatcher Dispatcher
	idle       time.Duration
	log        *logrus.Entry

	frames     atomic.Uint64
	discarded  atomic.Uint64
	written    atomic.Uint64
	reconnects atomic.Uint64
}

// New returns a pump that reads frames from l into d and writes commands
// taken from q. It does nothing until Run.
func New(l Link, q *queue.Queue, d Dispatcher, opts ...Option) *Pump {
	p := &Pump{
		link:       l,
		queue:      q,
		dispatcher: d,
		idle:       DefaultIdle,
		log:        logrus.StandardLogger().WithField("component", "pump"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run connects the link and loops until ctx is done. Each iteration reads
// every frame already received, then writes every queued command, then
// sleeps. A link error closes the port and connects again; the frame or
// command in flight is lost.
func (p *Pump) Run(ctx context.Context) error {
	if err := p.link.Connect(ctx); err != nil {
		return nilIfDone(ctx, err)
	}
	for {
		err := p.readAvailable()
		if err == nil {
			err = p.writeQueued()
		}
		if err != nil {
			p.log.Warnf("link fault: %v", err)
			p.reconnects.Add(1)
			if err := p.link.Reconnect(ctx); err != nil {
				return nilIfDone(ctx, err)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.queue.Ready():
		case <-time.After(p.idle):
		}
	}
}

func nilIfDone(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readAvailable consumes frames while bytes are buffered. Bytes that are not
// a known tag are dropped one at a time until a known tag lines up again.
func (p *Pump) readAvailable() error {
	for {
		n, err := p.link.Buffered()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		tag, err := p.link.ReadByte()
		if err != nil {
			return err
		}
		known, err := p.dispatcher.Dispatch(tag, p.link)
		if err != nil {
			return err
		}
		if known {
			p.frames.Add(1)
		} else {
			p.discarded.Add(1)
		}
	}
}

func (p *Pump) writeQueued() error {
	for {
		c, ok := p.queue.TryDequeue()
		if !ok {
			return nil
		}
		b := frame.Encode(c)
		p.log.Debugf("writing %v: %s", c, frame.Dump(b))
		if err := p.link.WriteFrame(b); err != nil {
			return err
		}
		p.written.Add(1)
	}
}

// Stats may be called from any goroutine.
func (p *Pump) Stats() Stats {
	return Stats{
		Frames:     p.frames.Load(),
		Discarded:  p.discarded.Load(),
		Written:    p.written.Load(),
		Reconnects: p.reconnects.Load(),
	}
}

// StateReader reports the link state
type StateReader interface {
	State() link.State
}

// Poller enqueues a Poll every interval while the link is connected, so
// telemetry keeps flowing without bus commands.
type Poller struct {
	interval time.Duration
	queue    *queue.Queue
	link     StateReader
	log      *logrus.Entry
}

// NewPoller returns a poller for q that checks l before every tick. A
// non-positive interval means DefaultPollInterval.
func NewPoller(interval time.Duration, q *queue.Queue, l StateReader, log *logrus.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		interval: interval,
		queue:    q,
		link:     l,
		log:      log.WithField("component", "poller"),
	}
}

// Run blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s := p.link.State(); s != link.Connected {
				p.log.Debugf("skipping poll, link %v", s)
				continue
			}
			p.queue.Enqueue(frame.Poll{})
		}
	}
}

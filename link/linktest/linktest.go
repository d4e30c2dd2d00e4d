// Package linktest provides an in-memory serial device for tests.
package linktest

import (
	"errors"
	"io"
	"sync"

	"github.com/kylehofer/garage-door/link"
)

// Port is the bridge end of an in-memory serial line
type Port struct {
	in      chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	mutex    sync.Mutex
	written  [][]byte
	writeErr error
	resets   int
	onWrite  func([]byte)
}

// NewPort returns an open port.
func NewPort() *Port {
	return &Port{
		in:      make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// Send queues bytes as if the device transmitted them.
func (p *Port) Send(b ...byte) {
	p.in <- append([]byte(nil), b...)
}

// Fail makes the pending or next Read return err.
func (p *Port) Fail(err error) {
	p.readErr <- err
}

// FailWrites makes every Write return err; nil restores them.
func (p *Port) FailWrites(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.writeErr = err
}

// OnWrite registers f to see every successful write, after it is recorded.
func (p *Port) OnWrite(f func([]byte)) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.onWrite = f
}

// Written returns a copy of every successful write.
func (p *Port) Written() [][]byte {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([][]byte(nil), p.written...)
}

// Resets counts ResetInput calls.
func (p *Port) Resets() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.resets
}

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Read implements link.Port. Bytes sent before a Fail are read before the
// error.
func (p *Port) Read(b []byte) (int, error) {
	select {
	case c := <-p.in:
		return copy(b, c), nil
	default:
	}
	select {
	case c := <-p.in:
		return copy(b, c), nil
	case err := <-p.readErr:
		return 0, err
	case <-p.closed:
		return 0, io.ErrClosedPipe
	}
}

// Write implements link.Port.
func (p *Port) Write(b []byte) (int, error) {
	p.mutex.Lock()
	if p.writeErr != nil {
		err := p.writeErr
		p.mutex.Unlock()
		return 0, err
	}
	c := append([]byte(nil), b...)
	p.written = append(p.written, c)
	f := p.onWrite
	p.mutex.Unlock()
	if f != nil {
		f(c)
	}
	return len(b), nil
}

// Close implements link.Port.
func (p *Port) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// ResetInput implements link.Port.
func (p *Port) ResetInput() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.resets++
	return nil
}

// Drain implements link.Port.
func (p *Port) Drain() error { return nil }

// ErrUnplugged is what Device.Open returns while failing
var ErrUnplugged = errors.New("open /dev/ttyACM0: no such file or directory")

// Device hands out a new Port per successful Open
type Device struct {
	mutex    sync.Mutex
	fail     int
	attempts int
	ports    []*Port
	setup    func(*Port)
}

// NewDevice returns a device whose first fail opens are refused.
func NewDevice(fail int) *Device {
	return &Device{fail: fail}
}

// Setup runs f on every new port before it is returned.
func (d *Device) Setup(f func(*Port)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.setup = f
}

// Unplug makes the next n opens fail.
func (d *Device) Unplug(n int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.fail = n
}

// Open is a link.Opener.
func (d *Device) Open() (link.Port, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.attempts++
	if d.fail > 0 {
		d.fail--
		return nil, ErrUnplugged
	}
	p := NewPort()
	if d.setup != nil {
		d.setup(p)
	}
	d.ports = append(d.ports, p)
	return p, nil
}

// Attempts counts Open calls.
func (d *Device) Attempts() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.attempts
}

// Ports returns every port opened so far.
func (d *Device) Ports() []*Port {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]*Port(nil), d.ports...)
}

// Last returns the most recently opened port, nil if none.
func (d *Device) Last() *Port {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if len(d.ports) == 0 {
		return nil
	}
	return d.ports[len(d.ports)-1]
}

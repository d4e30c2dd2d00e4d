// Package serialport opens the door controller's serial device with one of
// two drivers and adapts it to link.Port.
//
// Line settings are fixed by the firmware: 8 data bits, no parity, 1 stop bit.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"

	"github.com/kylehofer/garage-door/link"
)

// Drivers
const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"
)

// Config ...
type Config struct {
	Device  string
	Baud    int
	Timeout time.Duration
	Driver  string
}

// Opener returns a link.Opener for cfg.
func Opener(cfg Config, log *logrus.Logger) (link.Opener, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial device is required")
	}
	entry := log.WithField("component", "serial")
	switch cfg.Driver {
	case DriverTarm, "":
		return func() (link.Port, error) {
			entry.Debugf("opening %s at %d baud with tarm/serial", cfg.Device, cfg.Baud)
			return openTarm(cfg)
		}, nil
	case DriverBugst:
		return func() (link.Port, error) {
			entry.Debugf("opening %s at %d baud with go.bug.st/serial", cfg.Device, cfg.Baud)
			return openBugst(cfg)
		}, nil
	}
	return nil, fmt.Errorf("unknown serial driver %q", cfg.Driver)
}

// tarmConn is the part of *tarm.Port the adapter uses
type tarmConn interface {
	io.ReadWriteCloser
	Flush() error
}

type tarmPort struct {
	tarmConn
}

func openTarm(cfg Config) (link.Port, error) {
	c := &tarm.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.Timeout,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
	}
	port, err := tarm.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("serial.OpenPort(%v): %w", cfg.Device, err)
	}
	return tarmPort{port}, nil
}

// Read reports the EOF tarm returns on a read timeout as an empty read.
func (p tarmPort) Read(b []byte) (int, error) {
	n, err := p.tarmConn.Read(b)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

// ResetInput implements link.Port. tarm's Flush discards both directions,
// which is fine right after opening.
func (p tarmPort) ResetInput() error { return p.Flush() }

// Drain implements link.Port. tarm writes straight to the file descriptor.
func (p tarmPort) Drain() error { return nil }

type bugstPort struct {
	bugst.Port
}

func openBugst(cfg Config) (link.Port, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	port, err := bugst.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("serial.Open(%v): %w", cfg.Device, err)
	}
	if cfg.Timeout > 0 {
		if err := port.SetReadTimeout(cfg.Timeout); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("set read timeout on %v: %w", cfg.Device, err)
		}
	}
	return bugstPort{port}, nil
}

// ResetInput implements link.Port.
func (p bugstPort) ResetInput() error { return p.ResetInputBuffer() }

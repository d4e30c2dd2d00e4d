package link

import (
	"fmt"
	"sync"
	"time"
)

const readBufSize = 256

// session is one open port. A reader goroutine moves received bytes into
// chunks so the pump can ask what is buffered without blocking.
type session struct {
	port    Port
	timeout time.Duration

	chunks chan []byte
	errc   chan error
	done   chan struct{}
	once   sync.Once

	// owned by the pump goroutine
	pending []byte
	err     error
}

func newSession(port Port, timeout time.Duration) *session {
	s := &session{
		port:    port,
		timeout: timeout,
		chunks:  make(chan []byte, 64),
		errc:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *session) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.errc <- err:
			default:
			}
			return
		}
	}
}

// drain moves every chunk already received into pending.
func (s *session) drain() {
	for {
		select {
		case c := <-s.chunks:
			s.pending = append(s.pending, c...)
		default:
			return
		}
	}
}

// buffered returns the bytes readable without waiting. The reader error is
// reported only once the bytes received before it are consumed.
func (s *session) buffered() (int, error) {
	s.drain()
	if len(s.pending) > 0 {
		return len(s.pending), nil
	}
	if s.err != nil {
		return 0, s.err
	}
	select {
	case err := <-s.errc:
		s.drain()
		if len(s.pending) > 0 {
			s.err = err
			return len(s.pending), nil
		}
		s.err = err
		return 0, err
	case <-s.done:
		return 0, ErrClosed
	default:
		return 0, nil
	}
}

// await blocks until n bytes are pending or the timeout expires.
func (s *session) await(n int) error {
	s.drain()
	if len(s.pending) >= n {
		return nil
	}
	if s.err != nil {
		return s.err
	}
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for len(s.pending) < n {
		select {
		case c := <-s.chunks:
			s.pending = append(s.pending, c...)
		case err := <-s.errc:
			s.drain()
			s.err = err
			if len(s.pending) < n {
				return err
			}
		case <-s.done:
			return ErrClosed
		case <-timer.C:
			return fmt.Errorf("%w waiting for %d bytes, got %d", ErrTimeout, n, len(s.pending))
		}
	}
	return nil
}

func (s *session) read(n int) ([]byte, error) {
	if err := s.await(n); err != nil {
		return nil, err
	}
	ret := make([]byte, n)
	copy(ret, s.pending)
	s.pending = s.pending[n:]
	return ret, nil
}

// write sends b and drains the output within the timeout.
func (s *session) write(b []byte) error {
	result := make(chan error, 1)
	go func() {
		if _, err := s.port.Write(b); err != nil {
			result <- err
			return
		}
		result <- s.port.Drain()
	}()
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-s.done:
		return ErrClosed
	case <-timer.C:
		return fmt.Errorf("%w writing %d bytes", ErrTimeout, len(b))
	}
}

// close is safe to call more than once; it unblocks the reader.
func (s *session) close() (err error) {
	s.once.Do(func() {
		close(s.done)
		err = s.port.Close()
	})
	return err
}

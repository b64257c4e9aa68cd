package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// serialSlice is the blocking budget handed to the serial driver per read
// call. Logical deadlines are emulated by repeating these short reads.
const serialSlice = 100 * time.Millisecond

// Port abstracts the opened device for tests.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// SerialConn adapts a serial port to Conn. The driver offers only a fixed
// per-call ReadTimeout, so SetReadDeadline is emulated: Read repeats short
// driver reads until data arrives or the deadline passes. Timeout slices
// surface from the driver as zero-byte reads or transient io.EOF.
type SerialConn struct {
	port     Port
	name     string
	deadline atomic.Int64 // unix nanos, 0 = none
}

// OpenSerial opens the device with the slice timeout preconfigured.
func OpenSerial(name string, baud int) (*SerialConn, error) {
	p, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: serialSlice})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	return &SerialConn{port: p, name: name}, nil
}

// NewSerialConn wraps an already opened port; tests pass in-memory ports.
func NewSerialConn(p Port, name string) *SerialConn {
	return &SerialConn{port: p, name: name}
}

// Name reports the device path for logging.
func (s *SerialConn) Name() string { return s.name }

func (s *SerialConn) Read(p []byte) (int, error) {
	for {
		if dl := s.deadline.Load(); dl != 0 && time.Now().UnixNano() >= dl {
			return 0, os.ErrDeadlineExceeded
		}
		n, err := s.port.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
	}
}

func (s *SerialConn) Write(p []byte) (int, error) { return s.port.Write(p) }

func (s *SerialConn) Close() error { return s.port.Close() }

// SetReadDeadline arms the emulated deadline; the zero time disarms it.
func (s *SerialConn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		s.deadline.Store(0)
		return nil
	}
	s.deadline.Store(t.UnixNano())
	return nil
}

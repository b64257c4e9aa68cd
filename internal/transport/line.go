package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Conn is the connection surface the session engine needs. net.Conn
// satisfies it directly; serial ports are wrapped by SerialConn, which
// emulates read deadlines on top of the driver timeout.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Compile-time interface assertions.
var (
	_ Conn = (net.Conn)(nil)
	_ Conn = (*SerialConn)(nil)
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrTransport   = errors.New("transport: i/o")
	ErrTimeout     = errors.New("transport: timeout")
	ErrClosed      = errors.New("transport: closed")
	ErrLineTooLong = errors.New("transport: line too long")
)

// maxLineLen caps command lines against runaway peers. B2F dialog lines are
// well under a hundred bytes.
const maxLineLen = 4096

// Line provides the B2F wire discipline over a Conn: CR-terminated command
// lines interleaved with raw binary reads on the same byte stream. Not safe
// for concurrent use; a session owns its Line.
type Line struct {
	conn Conn
	one  [1]byte
}

func NewLine(c Conn) *Line { return &Line{conn: c} }

// Send writes p fully or fails with ErrTransport.
func (l *Line) Send(p []byte) error {
	for len(p) > 0 {
		n, err := l.conn.Write(p)
		if err != nil {
			return fmt.Errorf("%w: write: %v", ErrTransport, err)
		}
		p = p[n:]
	}
	return nil
}

// SendLine writes s terminated by a single CR.
func (l *Line) SendLine(s string) error {
	return l.Send(append([]byte(s), '\r'))
}

// ReadLine reads a CR-terminated line one byte at a time and returns it
// without the CR. Reading byte-wise is deliberate: bytes past the CR belong
// to binary frames and must stay on the wire. A leading LF left over from a
// CRLF pair is skipped. Idleness past timeout yields ErrTimeout.
func (l *Line) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var line []byte
	for {
		if err := l.conn.SetReadDeadline(deadline); err != nil {
			return "", fmt.Errorf("%w: deadline: %v", ErrTransport, err)
		}
		n, err := l.conn.Read(l.one[:])
		if n == 1 {
			switch b := l.one[0]; {
			case b == '\r':
				return string(line), nil
			case b == '\n' && len(line) == 0:
				continue
			default:
				line = append(line, b)
				if len(line) > maxLineLen {
					return "", fmt.Errorf("%w (%d bytes)", ErrLineTooLong, len(line))
				}
			}
			continue
		}
		if err == nil {
			continue
		}
		return "", classify(err)
	}
}

// ReadFull reads exactly n bytes. The deadline re-arms whenever progress is
// made, so timeout bounds idleness rather than total transfer time.
func (l *Line) ReadFull(n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("%w: deadline: %v", ErrTransport, err)
		}
		m, err := l.conn.Read(buf[got:])
		got += m
		if err != nil {
			if got == n {
				break
			}
			return nil, classify(err)
		}
	}
	return buf, nil
}

// ReadChunk performs one read bounded by idle. Batch receivers accumulate
// chunks and re-parse until their queue drains; ErrTimeout marks the peer
// going quiet.
func (l *Line) ReadChunk(buf []byte, idle time.Duration) (int, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
		return 0, fmt.Errorf("%w: deadline: %v", ErrTransport, err)
	}
	n, err := l.conn.Read(buf)
	if err != nil && n == 0 {
		return 0, classify(err)
	}
	return n, nil
}

func classify(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

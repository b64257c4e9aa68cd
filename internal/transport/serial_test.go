package transport

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"
)

// scriptPort plays back canned read slices the way a serial driver with a
// short ReadTimeout does: empty slices stand for timeout ticks (0, io.EOF).
type scriptPort struct {
	chunks [][]byte
	idx    int
	closed bool
}

func (p *scriptPort) Read(b []byte) (int, error) {
	if p.idx >= len(p.chunks) {
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	c := p.chunks[p.idx]
	if len(c) == 0 {
		p.idx++
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	n := copy(b, c)
	if n == len(c) {
		p.idx++
	} else {
		p.chunks[p.idx] = c[n:]
	}
	return n, nil
}

func (p *scriptPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *scriptPort) Close() error                { p.closed = true; return nil }

func TestSerialConnReadAcrossDriverTicks(t *testing.T) {
	port := &scriptPort{chunks: [][]byte{nil, nil, []byte("AB")}}
	sc := NewSerialConn(port, "test")
	_ = sc.SetReadDeadline(time.Now().Add(time.Second))

	buf := make([]byte, 4)
	n, err := sc.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "AB" {
		t.Fatalf("Read = %q, want %q", buf[:n], "AB")
	}
}

func TestSerialConnDeadlineExpired(t *testing.T) {
	sc := NewSerialConn(&scriptPort{}, "test")
	_ = sc.SetReadDeadline(time.Now().Add(-time.Second))

	if _, err := sc.Read(make([]byte, 1)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Read err = %v, want os.ErrDeadlineExceeded", err)
	}
}

func TestSerialConnDeadlineTimesOut(t *testing.T) {
	sc := NewSerialConn(&scriptPort{}, "test")
	_ = sc.SetReadDeadline(time.Now().Add(20 * time.Millisecond))

	start := time.Now()
	_, err := sc.Read(make([]byte, 1))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Read err = %v, want os.ErrDeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Read blocked %v past a 20ms deadline", elapsed)
	}
}

func TestLineOverSerialConn(t *testing.T) {
	port := &scriptPort{chunks: [][]byte{[]byte("LOG"), nil, []byte("IN\rjunk")}}
	line := NewLine(NewSerialConn(port, "test"))

	got, err := line.ReadLine(time.Second)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if got != "LOGIN" {
		t.Fatalf("ReadLine = %q, want %q", got, "LOGIN")
	}
}

func TestSerialConnTimeoutClassifiesAsTransportTimeout(t *testing.T) {
	line := NewLine(NewSerialConn(&scriptPort{}, "test"))
	if _, err := line.ReadLine(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadLine err = %v, want ErrTimeout", err)
	}
}

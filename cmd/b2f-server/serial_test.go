package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshbridge/go-winlink-server/internal/mailbox"
	"github.com/meshbridge/go-winlink-server/internal/metrics"
	"github.com/meshbridge/go-winlink-server/internal/transport"
	"github.com/meshbridge/go-winlink-server/internal/users"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUsers(t *testing.T, blob string) *users.Directory {
	t.Helper()
	p := filepath.Join(t.TempDir(), "users.json")
	if err := os.WriteFile(p, []byte(blob), 0o600); err != nil {
		t.Fatalf("write users: %v", err)
	}
	d, err := users.Load(p)
	if err != nil {
		t.Fatalf("load users: %v", err)
	}
	return d
}

func testStore(t *testing.T) *mailbox.Store {
	t.Helper()
	st, err := mailbox.New(t.TempDir(), mailbox.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("mailbox: %v", err)
	}
	return st
}

// scriptPort plays canned bytes to reads and records writes. Exhausted
// reads behave like serial driver timeout ticks.
type scriptPort struct {
	mu     sync.Mutex
	script []byte
	pos    int
	wrote  bytes.Buffer
	closed bool
}

func (p *scriptPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	if p.pos >= len(p.script) {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	b[0] = p.script[p.pos]
	p.pos++
	p.mu.Unlock()
	return 1, nil
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wrote.Write(b)
	return len(b), nil
}

func (p *scriptPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *scriptPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.String()
}

func TestSerialListenerDialog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := &scriptPort{script: []byte("W6XYZ\rsecret\rFF\r")}
	prevOpen := openSerialConn
	openSerialConn = func(dev string, baud int) (transport.Conn, error) {
		return transport.NewSerialConn(port, dev), nil
	}
	defer func() { openSerialConn = prevOpen }()

	before := metrics.Snap()
	cfg := &appConfig{
		serialDev:     "fake0",
		serialBaud:    9600,
		interactiveTO: 250 * time.Millisecond,
		receiveIdle:   100 * time.Millisecond,
	}
	var wg sync.WaitGroup
	startSerialListener(ctx, cfg, testUsers(t, `{"W6XYZ":"secret"}`), testStore(t), testLogger(), &wg)

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(port.Written(), "FQ\r") {
		if time.Now().After(deadline) {
			t.Fatalf("no FQ before deadline; wrote %q", port.Written())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	wrote := port.Written()
	for _, want := range []string{
		"Callsign :\r",
		";FW:",
		"Password :\r",
		"[AREDN_BRIDGE-1.0-B2F$]\r",
		";PQ: 00000001\r",
		"CMS>\r",
		"FQ\r",
	} {
		if !strings.Contains(wrote, want) {
			t.Fatalf("missing %q in serial output %q", want, wrote)
		}
	}
	after := metrics.Snap()
	if got := after.Sessions - before.Sessions; got != 1 {
		t.Fatalf("expected exactly one counted session, got %d", got)
	}
}

func TestSerialOpenBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prevOpen := openSerialConn
	openSerialConn = func(dev string, baud int) (transport.Conn, error) {
		return nil, errors.New("no such device")
	}
	defer func() { openSerialConn = prevOpen }()

	var mu sync.Mutex
	var seen []time.Duration
	prevSleep := sleepFn
	sleepFn = func(_ context.Context, d time.Duration) {
		mu.Lock()
		if len(seen) < 6 { // capture first few entries
			seen = append(seen, d)
			if len(seen) == 6 {
				cancel()
			}
		}
		mu.Unlock()
	}
	defer func() { sleepFn = prevSleep }()

	cfg := &appConfig{serialDev: "fake0", serialBaud: 9600, interactiveTO: time.Second, receiveIdle: time.Second}
	var wg sync.WaitGroup
	startSerialListener(ctx, cfg, testUsers(t, "{}"), testStore(t), testLogger(), &wg)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 {
		t.Fatalf("expected at least 3 backoff samples, got %d", len(seen))
	}
	// Validate non-decreasing, starts at min, and never exceeds max.
	var prev time.Duration
	for i, d := range seen {
		if d < prev {
			t.Fatalf("backoff decreased at %d: prev=%v cur=%v", i, prev, d)
		}
		if d > serialBackoffMax {
			t.Fatalf("backoff exceeded max at %d: %v > %v", i, d, serialBackoffMax)
		}
		prev = d
	}
	if seen[0] != serialBackoffMin {
		t.Fatalf("expected first backoff %v got %v", serialBackoffMin, seen[0])
	}
}

// failPort errors every read so the running session dies immediately.
type failPort struct{}

func (failPort) Read(b []byte) (int, error)  { return 0, errors.New("read fault") }
func (failPort) Write(b []byte) (int, error) { return len(b), nil }
func (failPort) Close() error                { return nil }

func TestSerialSessionFailureReopens(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opens atomic.Int32
	prevOpen := openSerialConn
	openSerialConn = func(dev string, baud int) (transport.Conn, error) {
		if opens.Add(1) >= 3 {
			cancel()
		}
		return transport.NewSerialConn(failPort{}, dev), nil
	}
	defer func() { openSerialConn = prevOpen }()
	prevSleep := sleepFn
	sleepFn = func(context.Context, time.Duration) {}
	defer func() { sleepFn = prevSleep }()

	cfg := &appConfig{serialDev: "fake0", serialBaud: 9600, interactiveTO: 100 * time.Millisecond, receiveIdle: 100 * time.Millisecond}
	var wg sync.WaitGroup
	startSerialListener(ctx, cfg, testUsers(t, "{}"), testStore(t), testLogger(), &wg)
	wg.Wait()

	if n := opens.Load(); n < 2 {
		t.Fatalf("expected the device to be reopened after a session fault, opens=%d", n)
	}
}

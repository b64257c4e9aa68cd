package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshbridge/go-winlink-server/internal/mailbox"
	"github.com/meshbridge/go-winlink-server/internal/metrics"
	"github.com/meshbridge/go-winlink-server/internal/session"
	"github.com/meshbridge/go-winlink-server/internal/transport"
	"github.com/meshbridge/go-winlink-server/internal/users"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = sleepCtx

// openSerialConn is a hook for tests (overridden in unit tests).
var openSerialConn = func(dev string, baud int) (transport.Conn, error) {
	return transport.OpenSerial(dev, baud)
}

const (
	serialBackoffMin = 1 * time.Second
	serialBackoffMax = 10 * time.Second
)

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// startSerialListener answers B2F dialogs on a directly attached line, one
// session after another, reopening the device with backoff when it fails.
// No-op when no device is configured.
func startSerialListener(ctx context.Context, cfg *appConfig, dir *users.Directory, store *mailbox.Store, l *slog.Logger, wg *sync.WaitGroup) {
	if cfg.serialDev == "" {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_listener_end")
		backoff := serialBackoffMin
		var seq uint64
		for ctx.Err() == nil {
			conn, err := openSerialConn(cfg.serialDev, cfg.serialBaud)
			if err != nil {
				metrics.IncError(metrics.ErrSerialOpen)
				l.Warn("serial_open_error", "device", cfg.serialDev, "error", err, "backoff", backoff)
				sleepFn(ctx, backoff)
				backoff *= 2
				if backoff > serialBackoffMax {
					backoff = serialBackoffMax
				}
				continue
			}
			backoff = serialBackoffMin
			l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.serialBaud)
			err = serveSerial(ctx, conn, cfg, dir, store, l, &seq)
			_ = conn.Close()
			if err != nil && ctx.Err() == nil {
				sleepFn(ctx, backoff)
			}
		}
	}()
}

// serveSerial runs dialogs back to back on one opened port until the port
// fails or the context ends. A watchdog closes the port on shutdown so a
// blocked read cannot stall exit.
func serveSerial(ctx context.Context, conn transport.Conn, cfg *appConfig, dir *users.Directory, store *mailbox.Store, l *slog.Logger, seq *uint64) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	for ctx.Err() == nil {
		*seq++
		sl := l.With("conn_id", fmt.Sprintf("serial-%d", *seq), "device", cfg.serialDev)
		sess := session.New(conn, dir, store,
			session.WithLogger(sl),
			session.WithInteractiveTimeout(cfg.interactiveTO),
			session.WithReceiveIdle(cfg.receiveIdle),
		)
		err := sess.Run(ctx)
		// Idle prompt cycles with no peer do not count as sessions.
		if sess.Callsign() != "" {
			metrics.IncSession()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.IncError(metrics.ErrSerialRead)
			sl.Warn("serial_session_error", "error", err)
			return err
		}
		sl.Debug("serial dialog ended", "callsign", sess.Callsign(), "messages", sess.Messages())
	}
	return nil
}

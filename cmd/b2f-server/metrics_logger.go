package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meshbridge/go-winlink-server/internal/mailbox"
	"github.com/meshbridge/go-winlink-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, store *mailbox.Store, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if free, err := store.Free(); err == nil {
					metrics.SetMailboxFree(free)
				}
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"sessions", snap.Sessions,
					"active", snap.Active,
					"rejected", snap.Rejected,
					"login_failures", snap.LoginFailures,
					"proposals", snap.Proposals,
					"messages", snap.Messages,
					"message_bytes", snap.MessageBytes,
					"store_errors", snap.StoreErrors,
					"protocol_errors", snap.ProtocolErrors,
					"errors", snap.Errors,
					"mailbox_free", snap.MailboxFree,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}

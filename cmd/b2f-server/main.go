package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/meshbridge/go-winlink-server/internal/mailbox"
	"github.com/meshbridge/go-winlink-server/internal/metrics"
	"github.com/meshbridge/go-winlink-server/internal/server"
	"github.com/meshbridge/go-winlink-server/internal/users"
)

// Helper implementations moved to dedicated files: version.go, config.go, logger.go, mdns.go, metrics_logger.go, serial.go.

const shutdownGrace = 5 * time.Second

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("b2f-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.debug)

	dir, err := users.Load(cfg.usersPath)
	if err != nil {
		l.Error("users_load_error", "path", cfg.usersPath, "error", err)
		os.Exit(2)
	}
	if dir.Count() == 0 {
		l.Warn("users_file_empty", "path", cfg.usersPath)
	} else {
		l.Info("users_loaded", "path", cfg.usersPath, "count", dir.Count())
	}
	store, err := mailbox.New(cfg.mailboxDir, mailbox.WithKeepRaw(cfg.keepRaw), mailbox.WithLogger(l))
	if err != nil {
		l.Error("mailbox_init_error", "dir", cfg.mailboxDir, "error", err)
		os.Exit(2)
	}
	if free, ferr := store.Free(); ferr == nil {
		metrics.SetMailboxFree(free)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, store, l, &wg)
	startSerialListener(ctx, cfg, dir, store, l, &wg)

	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr()),
		server.WithUsers(dir),
		server.WithStore(store),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithInteractiveTimeout(cfg.interactiveTO),
		server.WithReceiveIdle(cfg.receiveIdle),
	)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-serveErr:
		l.Error("tcp_listen_error", "error", err)
		os.Exit(2)
	}

	// Advertise once the listener is bound.
	if cfg.mdnsEnable {
		// Extract port from bound address (host:port or :port)
		addr := srv.Addr()
		var portNum int
		if _, p, err := net.SplitHostPort(addr); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		if portNum == 0 { // fallback attempt if format unexpected
			lastColon := strings.LastIndex(addr, ":")
			if lastColon >= 0 {
				if pn, perr := strconv.Atoi(addr[lastColon+1:]); perr == nil {
					portNum = pn
				}
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
			defer cleanupMDNS()
		}
	}

	// Ready when server listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case err := <-serveErr:
		if err != nil {
			l.Error("tcp_server_error", "error", err)
		}
	}
	cancel()
	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		l.Warn("shutdown_incomplete", "error", err)
	}
	wg.Wait()
}

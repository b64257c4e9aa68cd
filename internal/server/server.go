package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshbridge/go-winlink-server/internal/b2"
	"github.com/meshbridge/go-winlink-server/internal/logging"
	"github.com/meshbridge/go-winlink-server/internal/mailbox"
	"github.com/meshbridge/go-winlink-server/internal/metrics"
	"github.com/meshbridge/go-winlink-server/internal/registry"
	"github.com/meshbridge/go-winlink-server/internal/session"
	"github.com/meshbridge/go-winlink-server/internal/users"
)

// Server owns the TCP listener and coordinates session lifecycle.
type Server struct {
	mu   sync.RWMutex
	addr string

	users *users.Directory
	store *mailbox.Store
	codec b2.Decompressor

	interactiveTimeout time.Duration
	receiveIdle        time.Duration
	maxClients         int
	readyOnce          sync.Once
	readyCh            chan struct{}
	lastErrMu          sync.Mutex
	lastErr            error
	errCh              chan error
	listener           net.Listener
	registry           *registry.Registry
	wg                 sync.WaitGroup
	logger             *slog.Logger
	nextConnID         uint64
	totalAccepted      atomic.Uint64
	totalRejected      atomic.Uint64
	totalSessions      atomic.Uint64
	totalMessages      atomic.Uint64
	totalErrors        atomic.Uint64
}

const (
	defaultInteractiveTimeout = 120 * time.Second
	defaultReceiveIdle        = 5 * time.Second
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		interactiveTimeout: defaultInteractiveTimeout,
		receiveIdle:        defaultReceiveIdle,
		readyCh:            make(chan struct{}),
		errCh:              make(chan error, 1),
		registry:           registry.New(),
		logger:             logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption      { return func(s *Server) { s.addr = a } }
func WithUsers(d *users.Directory) ServerOption { return func(s *Server) { s.users = d } }
func WithStore(st *mailbox.Store) ServerOption  { return func(s *Server) { s.store = st } }

func WithDecompressor(d b2.Decompressor) ServerOption {
	return func(s *Server) { s.codec = d }
}

func WithInteractiveTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.interactiveTimeout = d
		}
	}
}

func WithReceiveIdle(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.receiveIdle = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

// Sessions reports the number of live client sessions.
func (s *Server) Sessions() int { return s.registry.Count() }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve accepts TCP clients and runs one B2F session per connection.
func (s *Server) Serve(ctx context.Context) error {
	if s.users == nil || s.store == nil {
		wrap := fmt.Errorf("%w: users directory and mailbox store are required", ErrListen)
		s.setError(wrap)
		return wrap
	}
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	if s.readyCh != nil {
		s.readyOnce.Do(func() { close(s.readyCh) })
	}
	s.logger.Info("tcp_listen", "addr", s.Addr())
	s.logger.Info("ready")
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, enforces the client cap and spawns
// the session goroutine. Returns nil on success; a wrapped error on fatal
// listener errors.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if s.maxClients > 0 && s.registry.Count() >= s.maxClients {
		metrics.IncRejected()
		s.totalRejected.Add(1)
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = conn.Write([]byte(";NAK: Busy\r"))
		_ = conn.Close()
		return nil
	}
	metrics.IncSession()
	s.registry.Add(connID, conn)
	connLogger.Info("client_connected")
	s.startSession(ctx, conn, connID, connLogger)
	return nil
}

// startSession runs the B2F dialog for one connection in its own goroutine.
func (s *Server) startSession(ctx context.Context, conn net.Conn, connID uint64, connLogger *slog.Logger) {
	sess := session.New(conn, s.users, s.store,
		session.WithLogger(connLogger),
		session.WithDecompressor(s.codec),
		session.WithInteractiveTimeout(s.interactiveTimeout),
		session.WithReceiveIdle(s.receiveIdle),
	)
	s.totalSessions.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.registry.Remove(connID)
			_ = conn.Close()
		}()
		err := sess.Run(ctx)
		s.totalMessages.Add(sess.Messages())
		if err != nil && !errors.Is(err, context.Canceled) {
			wrap := fmt.Errorf("%w: %v", ErrSession, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.totalErrors.Add(1)
			s.setError(wrap)
			connLogger.Warn("session_failed", "error", wrap)
			return
		}
		connLogger.Info("client_disconnected", "callsign", sess.Callsign(), "messages", sess.Messages())
	}()
}

// Shutdown gracefully closes all resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.registry.CloseAll()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "rejected", s.totalRejected.Load(), "sessions", s.totalSessions.Load(), "messages", s.totalMessages.Load(), "errors", s.totalErrors.Load())
		return nil
	}
}

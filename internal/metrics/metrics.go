package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/meshbridge/go-winlink-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_total",
		Help: "Total client sessions accepted on any transport.",
	})
	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_rejected_total",
		Help: "Total connection attempts refused (e.g., max-clients).",
	})
	LoginFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "login_failures_total",
		Help: "Total failed callsign/password checks.",
	})
	ProposalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proposals_total",
		Help: "Total FC proposals accepted into session queues.",
	})
	MessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_total",
		Help: "Total B2 messages received, validated and decoded.",
	})
	MessageBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "message_bytes_total",
		Help: "Total compressed message bytes received inside B2 frames.",
	})
	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_errors_total",
		Help: "Total mailbox artifact write failures (sessions continue).",
	})
	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protocol_errors_total",
		Help: "Protocol violations that ended a session, by kind.",
	}, []string{"kind"})
	UnknownCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unknown_commands_total",
		Help: "Total command lines the dispatcher did not recognize.",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Current number of live client sessions.",
	})
	MailboxFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailbox_free_bytes",
		Help: "Available bytes on the mailbox filesystem.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPAccept  = "tcp_accept"
	ErrTCPRead    = "tcp_read"
	ErrTCPWrite   = "tcp_write"
	ErrAuth       = "auth"
	ErrStore      = "store"
	ErrSerialOpen = "serial_open"
	ErrSerialRead = "serial_read"
)

// Protocol error kind label values.
const (
	KindFormat     = "format"
	KindChecksum   = "checksum"
	KindSize       = "size_mismatch"
	KindDecompress = "decompress"
	KindTimeout    = "timeout"
	KindProposal   = "proposal"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSessions  uint64
	localRejected  uint64
	localLoginFail uint64
	localProposals uint64
	localMessages  uint64
	localMsgBytes  uint64
	localStoreErrs uint64
	localProtoErrs uint64
	localUnknown   uint64
	localErrors    uint64
	localActive    uint64
	localFreeBytes uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Sessions       uint64
	Rejected       uint64
	LoginFailures  uint64
	Proposals      uint64
	Messages       uint64
	MessageBytes   uint64
	StoreErrors    uint64
	ProtocolErrors uint64 // sum across kinds
	Unknown        uint64
	Errors         uint64 // sum across error labels
	Active         uint64
	MailboxFree    uint64
}

func Snap() Snapshot {
	return Snapshot{
		Sessions:       atomic.LoadUint64(&localSessions),
		Rejected:       atomic.LoadUint64(&localRejected),
		LoginFailures:  atomic.LoadUint64(&localLoginFail),
		Proposals:      atomic.LoadUint64(&localProposals),
		Messages:       atomic.LoadUint64(&localMessages),
		MessageBytes:   atomic.LoadUint64(&localMsgBytes),
		StoreErrors:    atomic.LoadUint64(&localStoreErrs),
		ProtocolErrors: atomic.LoadUint64(&localProtoErrs),
		Unknown:        atomic.LoadUint64(&localUnknown),
		Errors:         atomic.LoadUint64(&localErrors),
		Active:         atomic.LoadUint64(&localActive),
		MailboxFree:    atomic.LoadUint64(&localFreeBytes),
	}
}

// Wrapper helpers to keep call sites simple.
func IncSession() {
	SessionsTotal.Inc()
	atomic.AddUint64(&localSessions, 1)
}

func IncRejected() {
	SessionsRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func IncLoginFail() {
	LoginFailures.Inc()
	atomic.AddUint64(&localLoginFail, 1)
}

func IncProposal() {
	ProposalsTotal.Inc()
	atomic.AddUint64(&localProposals, 1)
}

func IncMessage() {
	MessagesTotal.Inc()
	atomic.AddUint64(&localMessages, 1)
}

// AddMessageBytes records the compressed size of an accepted message.
func AddMessageBytes(n int) {
	if n <= 0 {
		return
	}
	MessageBytes.Add(float64(n))
	atomic.AddUint64(&localMsgBytes, uint64(n))
}

func IncStoreError() {
	StoreErrors.Inc()
	atomic.AddUint64(&localStoreErrs, 1)
}

func IncProtoError(kind string) {
	ProtocolErrors.WithLabelValues(kind).Inc()
	atomic.AddUint64(&localProtoErrs, 1)
}

func IncUnknownCommand() {
	UnknownCommands.Inc()
	atomic.AddUint64(&localUnknown, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func SetActiveSessions(n int) {
	ActiveSessions.Set(float64(n))
	atomic.StoreUint64(&localActive, uint64(n))
}

// SetMailboxFree records the available bytes on the mailbox filesystem.
func SetMailboxFree(n uint64) {
	MailboxFreeBytes.Set(float64(n))
	atomic.StoreUint64(&localFreeBytes, n)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register label series so the first increment does not pay the
	// registration cost.
	for _, lbl := range []string{
		ErrTCPAccept, ErrTCPRead, ErrTCPWrite,
		ErrAuth, ErrStore, ErrSerialOpen, ErrSerialRead,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, kind := range []string{
		KindFormat, KindChecksum, KindSize,
		KindDecompress, KindTimeout, KindProposal,
	} {
		ProtocolErrors.WithLabelValues(kind).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }

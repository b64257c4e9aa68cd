// Package registry tracks live sessions so the server can cap concurrency
// and close every connection on shutdown.
package registry

import (
	"io"
	"sync"

	"github.com/meshbridge/go-winlink-server/internal/logging"
	"github.com/meshbridge/go-winlink-server/internal/metrics"
)

type Registry struct {
	mu    sync.RWMutex
	conns map[uint64]io.Closer
}

func New() *Registry { return &Registry{conns: make(map[uint64]io.Closer)} }

// Add registers a live session under its connection id.
func (r *Registry) Add(id uint64, c io.Closer) {
	r.mu.Lock()
	prev := len(r.conns)
	r.conns[id] = c
	cur := len(r.conns)
	r.mu.Unlock()
	metrics.SetActiveSessions(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("sessions_first_connected")
	}
}

// Remove unregisters a session and updates the gauge; safe to call multiple times.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	_, existed := r.conns[id]
	if existed {
		delete(r.conns, id)
	}
	cur := len(r.conns)
	r.mu.Unlock()
	metrics.SetActiveSessions(cur)
	if existed && cur == 0 {
		logging.L().Info("sessions_last_disconnected")
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int { r.mu.RLock(); n := len(r.conns); r.mu.RUnlock(); return n }

// CloseAll closes every registered connection, unblocking any session
// still parked in a read.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]io.Closer, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

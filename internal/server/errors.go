package server

import (
	"errors"

	"github.com/meshbridge/go-winlink-server/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen  = errors.New("listen")
	ErrAccept  = errors.New("accept")
	ErrSession = errors.New("session")
	ErrContext = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrSession):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPAccept
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}

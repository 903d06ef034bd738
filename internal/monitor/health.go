package monitor

import (
	"sync"
	"time"

	"github.com/emribilemir/atlas-ois-tracker/internal/portal"
)

// ErrorInfo describes the most recent failed cycle.
type ErrorInfo struct {
	Kind    portal.ErrorKind `json:"kind"`
	Message string           `json:"message"`
	At      time.Time        `json:"at"`
}

// cycleHealth tracks consecutive cycle failures. Cycles write it while
// Status() reads it from transport goroutines, so fields sit behind mu.
type cycleHealth struct {
	mu          sync.Mutex
	failures    int
	lastErr     *ErrorInfo
	lastSuccess time.Time
	alerted     bool // a degraded alert was sent for the current streak
}

func newCycleHealth() *cycleHealth {
	return &cycleHealth{}
}

// recordFailure counts a failure and reports whether the streak just reached
// threshold. Each streak crosses at most once.
func (h *cycleHealth) recordFailure(kind portal.ErrorKind, err error, at time.Time, threshold int) (failures int, crossed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = &ErrorInfo{Kind: kind, Message: err.Error(), At: at}
	if threshold > 0 && h.failures >= threshold && !h.alerted {
		h.alerted = true
		crossed = true
	}
	return h.failures, crossed
}

// recordSuccess resets the streak and reports whether a degraded alert had
// been sent for it.
func (h *cycleHealth) recordSuccess(at time.Time) (recovered bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	recovered = h.alerted
	h.failures = 0
	h.alerted = false
	h.lastSuccess = at
	return recovered
}

func (h *cycleHealth) snapshot() (failures int, lastErr *ErrorInfo, lastSuccess time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastErr != nil {
		e := *h.lastErr
		lastErr = &e
	}
	return h.failures, lastErr, h.lastSuccess
}

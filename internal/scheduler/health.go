package scheduler

import (
	"sync"
	"time"

	"github.com/hamed0406/devopsguardian/internal/metrics"
)

// SystemHealth tracks the process's own condition, separate from any
// transaction's alert status. A permanent result-store failure degrades it
// until the next successful write.
type SystemHealth struct {
	mu            sync.RWMutex
	degraded      bool
	since         time.Time
	lastError     string
	storeFailures int64
}

type HealthSnapshot struct {
	Status        string    `json:"status"` // ok | degraded
	Since         time.Time `json:"since,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	StoreFailures int64     `json:"store_failures"`
}

func (h *SystemHealth) MarkStoreFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storeFailures++
	h.lastError = err.Error()
	if !h.degraded {
		h.degraded = true
		h.since = time.Now().UTC()
	}
	metrics.SetSystemHealthy(false)
}

func (h *SystemHealth) MarkStoreOK() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.degraded {
		h.degraded = false
		h.since = time.Now().UTC()
		metrics.SetSystemHealthy(true)
	}
}

func (h *SystemHealth) Degraded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.degraded
}

func (h *SystemHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := HealthSnapshot{Status: "ok", Since: h.since, LastError: h.lastError, StoreFailures: h.storeFailures}
	if h.degraded {
		s.Status = "degraded"
	}
	return s
}

package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state for /healthz and
// /readyz. Readiness can additionally depend on named probes (postgres,
// nats, leader lease) registered at startup.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu     sync.RWMutex
	probes map[string]func() error
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		probes:    make(map[string]func() error),
	}
}

// AddProbe registers a readiness dependency. A non-nil error marks the
// service not ready.
func (h *HealthChecker) AddProbe(name string, probe func() error) {
	h.mu.Lock()
	h.probes[name] = probe
	h.mu.Unlock()
}

func (h *HealthChecker) failingProbes() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	failing := make(map[string]string)
	for name, probe := range h.probes {
		if err := probe(); err != nil {
			failing[name] = err.Error()
		}
	}
	return failing
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether recovery finished and every probe passes.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failingProbes()) == 0
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once replay is done and all probes
// pass, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	failing := h.failingProbes()
	if h.ready.Load() && len(failing) == 0 {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "not_ready",
			"failing": failing,
		})
	}
}

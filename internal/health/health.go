// Package health provides liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pinger is a dependency whose reachability gates readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// Ping implements Pinger
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// HealthCheck probes its dependencies concurrently
type HealthCheck struct {
	deps    map[string]Pinger
	timeout time.Duration
	logger  *zap.Logger
	onCheck func(ready bool)

	mu        sync.RWMutex
	ready     bool
	lastCheck time.Time
}

// NewHealthCheck creates a HealthCheck over the named dependencies.
// onCheck, if non-nil, receives the outcome of every probe.
func NewHealthCheck(deps map[string]Pinger, timeout time.Duration, logger *zap.Logger, onCheck func(bool)) *HealthCheck {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthCheck{deps: deps, timeout: timeout, logger: logger, onCheck: onCheck}
}

// Check pings every dependency and returns the per-dependency status.
// The returned error is the first failure.
func (hc *HealthCheck) Check(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	var mu sync.Mutex
	checks := make(map[string]string, len(hc.deps))

	g, gctx := errgroup.WithContext(ctx)
	for name, dep := range hc.deps {
		name, dep := name, dep
		g.Go(func() error {
			err := dep.Ping(gctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[name] = "unhealthy"
				return fmt.Errorf("%s: %w", name, err)
			}
			checks[name] = "healthy"
			return nil
		})
	}
	err := g.Wait()

	hc.mu.Lock()
	hc.ready = err == nil
	hc.lastCheck = time.Now()
	hc.mu.Unlock()
	if hc.onCheck != nil {
		hc.onCheck(err == nil)
	}
	if err != nil {
		hc.logger.Warn("health check failed", zap.Error(err))
	}
	return checks, err
}

// Run probes dependencies every interval until ctx is done
func (hc *HealthCheck) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = hc.Check(ctx)
		}
	}
}

// LivenessHandler handles GET /health requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests with a fresh probe.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks, err := hc.Check(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{
			Status: "not_ready",
			Checks: checks,
			Error:  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: checks})
}

// IsReady returns the outcome of the last probe.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

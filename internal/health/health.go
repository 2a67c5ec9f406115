// Package health runs named readiness checks for the service's
// dependencies and serves them on the health endpoints.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status is the result of one check.
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latencyNs"`
}

// Checker reports an error when its subsystem is unhealthy.
type Checker func(ctx context.Context) error

// Registry holds named checkers. Checks run concurrently, each bounded by
// the registry timeout.
type Registry struct {
	mu       sync.RWMutex
	checkers []named
	timeout  time.Duration
}

type named struct {
	name  string
	check Checker
}

// NewRegistry creates a registry whose checks time out after timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, named{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker and reports whether all passed. Statuses are
// in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := append([]named(nil), r.checkers...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			start := time.Now()
			err := nc.check(cctx)
			statuses[i] = Status{Name: nc.name, Healthy: err == nil, Latency: time.Since(start)}
			if err != nil {
				statuses[i].Detail = err.Error()
			}
		}()
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

// Live always answers 200 while the process serves requests.
func Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready answers 200 when every check passes and 503 otherwise.
func (r *Registry) Ready(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())
	code, status := http.StatusOK, "ok"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses})
}

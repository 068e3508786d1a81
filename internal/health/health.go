package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/authtrail/internal/metrics"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck represents a health check function
type HealthCheck func(ctx context.Context) ComponentHealth

// Checker runs the registered component checks and reports the result to
// the health gauge
type Checker struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	lastStatus map[string]ComponentHealth
	timeout    time.Duration
	metrics    *metrics.Collector
}

// NewChecker creates a new health checker. collector may be nil.
func NewChecker(timeout time.Duration, collector *metrics.Collector) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Checker{
		components: make(map[string]HealthCheck),
		lastStatus: make(map[string]ComponentHealth),
		timeout:    timeout,
		metrics:    collector,
	}
}

// Register registers a health check for a component
func (c *Checker) Register(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = check
}

// Unregister removes a health check
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
	delete(c.lastStatus, name)
}

// Check runs all health checks concurrently
func (c *Checker) Check(ctx context.Context) map[string]ComponentHealth {
	c.mu.RLock()
	components := make(map[string]HealthCheck, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}
	c.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]ComponentHealth, len(components))
	)

	for name, check := range components {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()
			result := c.run(ctx, name, check)

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, check)
	}

	wg.Wait()
	return results
}

// CheckComponent runs a single component's health check
func (c *Checker) CheckComponent(ctx context.Context, name string) (ComponentHealth, bool) {
	c.mu.RLock()
	check, exists := c.components[name]
	c.mu.RUnlock()

	if !exists {
		return ComponentHealth{}, false
	}

	return c.run(ctx, name, check), true
}

func (c *Checker) run(ctx context.Context, name string, check HealthCheck) ComponentHealth {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := check(checkCtx)
	result.LastChecked = time.Now()

	c.mu.Lock()
	c.lastStatus[name] = result
	c.mu.Unlock()

	c.metrics.SetHealth(name, result.Status != StatusUnhealthy)

	return result
}

// GetLastStatus returns the last known status of all components
func (c *Checker) GetLastStatus() map[string]ComponentHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := make(map[string]ComponentHealth, len(c.lastStatus))
	for k, v := range c.lastStatus {
		status[k] = v
	}
	return status
}

// OverallStatus runs all checks and returns the worst status
func (c *Checker) OverallStatus(ctx context.Context) Status {
	return aggregate(c.Check(ctx))
}

func aggregate(results map[string]ComponentHealth) Status {
	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// HealthResponse represents the HTTP response for health checks
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HTTPHandler returns a handler reporting every component. Degraded still
// answers 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.Check(r.Context())
		overall := aggregate(results)

		response := HealthResponse{
			Status:     overall,
			Components: results,
			Timestamp:  time.Now(),
		}

		writeJSON(w, statusCode(overall), response)
	}
}

// LivenessHandler returns a simple liveness probe handler
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler returns a readiness probe handler
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.OverallStatus(r.Context())

		writeJSON(w, statusCode(status), map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
		})
	}
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

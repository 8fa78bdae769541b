package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"conversation-engine/backend/pkg/logger"
)

// Status represents the health status of a component
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Component represents a system component that can be health-checked
type Component struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Critical    bool      `json:"critical"`
	Description string    `json:"description,omitempty"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Check represents a health check function
type Check func(ctx context.Context) (Status, string, error)

type registered struct {
	check    Check
	critical bool
}

// Checker manages health checks for the system
type Checker struct {
	checks      map[string]registered
	components  map[string]*Component
	checkPeriod time.Duration
	timeout     time.Duration
	mutex       sync.RWMutex
	log         *logger.Logger
	listeners   []func(map[string]*Component, bool)
}

// NewChecker creates a new health checker
func NewChecker(log *logger.Logger, checkPeriod time.Duration) *Checker {
	if checkPeriod <= 0 {
		checkPeriod = 15 * time.Second
	}
	return &Checker{
		checks:      make(map[string]registered),
		components:  make(map[string]*Component),
		checkPeriod: checkPeriod,
		timeout:     5 * time.Second,
		log:         log,
	}
}

// RegisterCheck registers a new health check. A critical component that is
// down makes the whole system unhealthy.
func (c *Checker) RegisterCheck(name string, critical bool, check Check) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.checks[name] = registered{check: check, critical: critical}
	c.components[name] = &Component{
		Name:        name,
		Status:      StatusDown,
		Critical:    critical,
		Description: "Not checked yet",
	}
}

// RegisterPingCheck registers a check that is up when ping succeeds.
func (c *Checker) RegisterPingCheck(name string, critical bool, ping func(ctx context.Context) error) {
	c.RegisterCheck(name, critical, func(ctx context.Context) (Status, string, error) {
		if err := ping(ctx); err != nil {
			return StatusDown, name + " unreachable", err
		}
		return StatusUp, name + " reachable", nil
	})
}

// OnChange is called after every round of checks with the new snapshot.
func (c *Checker) OnChange(fn func(components map[string]*Component, healthy bool)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.listeners = append(c.listeners, fn)
}

// RunChecks executes all registered health checks. Checks run without the
// lock held so a slow dependency does not block readers.
func (c *Checker) RunChecks(ctx context.Context) {
	c.mutex.RLock()
	checks := make(map[string]registered, len(c.checks))
	for name, r := range c.checks {
		checks[name] = r
	}
	c.mutex.RUnlock()

	results := make(map[string]*Component, len(checks))
	for name, r := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		status, description, err := r.check(checkCtx)
		cancel()

		comp := &Component{
			Name:        name,
			Status:      status,
			Critical:    r.critical,
			Description: description,
			LastChecked: time.Now(),
		}
		if err != nil {
			comp.Error = err.Error()
			c.log.Error("health check failed", "component", name, "status", string(status), "error", err.Error())
		}
		results[name] = comp
	}

	c.mutex.Lock()
	for name, comp := range results {
		c.components[name] = comp
	}
	listeners := append([]func(map[string]*Component, bool){}, c.listeners...)
	c.mutex.Unlock()

	snapshot, healthy := c.GetStatus(), c.IsSystemHealthy()
	for _, fn := range listeners {
		fn(snapshot, healthy)
	}
}

// Start runs checks immediately and then periodically until ctx is done.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		c.RunChecks(ctx)

		ticker := time.NewTicker(c.checkPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunChecks(ctx)
			}
		}
	}()
}

// GetStatus returns a copy of the current component states
func (c *Checker) GetStatus() map[string]*Component {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	result := make(map[string]*Component, len(c.components))
	for k, v := range c.components {
		componentCopy := *v
		result[k] = &componentCopy
	}
	return result
}

// IsSystemHealthy returns true if all critical components are up
func (c *Checker) IsSystemHealthy() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	for _, component := range c.components {
		if component.Critical && component.Status == StatusDown {
			return false
		}
	}
	return true
}

// HTTPHandler returns an HTTP handler for health checks
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if !c.IsSystemHealthy() {
			status = "unavailable"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		response := map[string]interface{}{
			"status":     status,
			"timestamp":  time.Now(),
			"components": c.GetStatus(),
		}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			c.log.Error("failed to encode health check response", "error", err.Error())
		}
	}
}

// RegisterAPICheck registers a non-critical check against a dependency's
// health endpoint
func (c *Checker) RegisterAPICheck(name, endpoint string, client *http.Client) {
	if client == nil {
		client = http.DefaultClient
	}

	c.RegisterCheck(fmt.Sprintf("api-%s", name), false, func(ctx context.Context) (Status, string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return StatusDown, "invalid endpoint", err
		}

		start := time.Now()
		resp, err := client.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			return StatusDown, "API request failed", err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return StatusDegraded, fmt.Sprintf("API returned status %d", resp.StatusCode),
				fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return StatusUp, fmt.Sprintf("API is responding (latency: %s)", elapsed), nil
	})
}

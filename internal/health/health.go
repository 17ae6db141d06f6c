// Package health runs self-diagnostics over the local security state:
// encryption round-trip, store reachability, failsafe integrity, and
// profile storage. Checks are registered by name and evaluated on
// demand; there is no background prober and no network surface.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status represents the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ns"`
}

// CheckFunc evaluates one component. A nil error is healthy.
type CheckFunc func(ctx context.Context) error

// Report aggregates all check results.
type Report struct {
	Status  Status        `json:"status"`
	Checks  []CheckResult `json:"checks"`
	RunAt   time.Time     `json:"run_at"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Failed returns the number of unhealthy checks.
func (r *Report) Failed() int {
	var n int
	for _, c := range r.Checks {
		if c.Status != StatusHealthy {
			n++
		}
	}
	return n
}

// Checker holds the registered checks.
type Checker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces a named check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Run evaluates every registered check in name order and aggregates:
// any failing check makes the overall report unhealthy.
func (c *Checker) Run(ctx context.Context) *Report {
	c.mu.Lock()
	names := make([]string, 0, len(c.checks))
	fns := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		names = append(names, name)
		fns[name] = fn
	}
	c.mu.Unlock()
	sort.Strings(names)

	start := time.Now()
	report := &Report{Status: StatusHealthy, RunAt: start}
	for _, name := range names {
		t0 := time.Now()
		err := fns[name](ctx)
		res := CheckResult{
			Name:        name,
			Status:      StatusHealthy,
			LastChecked: t0,
			Duration:    time.Since(t0),
		}
		if err != nil {
			res.Status = StatusUnhealthy
			res.Message = err.Error()
			report.Status = StatusUnhealthy
		}
		report.Checks = append(report.Checks, res)
	}
	report.Elapsed = time.Since(start)
	return report
}

// Package health provides liveness checks for the coordination layer's
// broker resources.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult captures one check execution.
type CheckResult struct {
	Name      string
	Status    Status
	Message   string
	Error     string
	Timestamp time.Time
	Duration  time.Duration
	Details   map[string]interface{}
}

// Checker is a single named health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Registry runs a set of checkers.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, checker)
}

// RunAll executes every registered checker and returns their results.
func (r *Registry) RunAll(ctx context.Context) []CheckResult {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	results := make([]CheckResult, 0, len(checkers))
	for _, checker := range checkers {
		results = append(results, checker.Check(ctx))
	}
	return results
}

// Overall reduces a result set to the worst observed status.
func Overall(results []CheckResult) Status {
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

// Package health runs the dependency checks behind GET /health.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the outcome of one named check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker checks one dependency. The registry fills in Name and LatencyMS.
type Checker func(ctx context.Context) Status

// Registry holds the checks for the running process. Checks registered
// as optional are reported but never mark the process unhealthy.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

type entry struct {
	name     string
	check    Checker
	optional bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a check that must pass for the process to be healthy.
func (r *Registry) Register(name string, check Checker) {
	r.add(entry{name: name, check: check})
}

// RegisterOptional adds a check that is reported but not required.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(entry{name: name, check: check, optional: true})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently and returns the results in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			start := time.Now()
			st := e.check(ctx)
			st.Name = e.name
			st.LatencyMS = time.Since(start).Milliseconds()
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for i, st := range statuses {
		if !st.Healthy && !entries[i].optional {
			healthy = false
		}
	}
	return healthy, statuses
}

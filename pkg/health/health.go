// Package health collects the liveness and readiness checks of a printq process.
package health

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/srediag/printq/api"
)

// Check reports a problem as a non-nil error.
type Check func() error

// Registry holds named checks. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	liveness  map[string]Check
	readiness map[string]Check
}

func NewRegistry() *Registry {
	return &Registry{
		liveness:  map[string]Check{},
		readiness: map[string]Check{},
	}
}

// AddLiveness registers a check that fails when the process should be restarted.
func (r *Registry) AddLiveness(name string, c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveness[name] = c
}

// AddReadiness registers a check that fails while the process cannot do work.
// Liveness checks count as readiness checks too.
func (r *Registry) AddReadiness(name string, c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readiness[name] = c
}

// AddChecker registers c as a liveness check.
func (r *Registry) AddChecker(name string, c api.Checker) {
	r.AddLiveness(name, c.Check)
}

// Liveness returns a copy of the liveness checks.
func (r *Registry) Liveness() map[string]Check {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyChecks(r.liveness)
}

// Readiness returns a copy of the readiness checks, liveness ones excluded.
func (r *Registry) Readiness() map[string]Check {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyChecks(r.readiness)
}

func copyChecks(m map[string]Check) map[string]Check {
	res := make(map[string]Check, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}

// Live runs the liveness checks and joins their failures.
func (r *Registry) Live() error {
	return run(r.Liveness())
}

// Ready runs all checks and joins their failures.
func (r *Registry) Ready() error {
	return errors.Join(r.Live(), run(r.Readiness()))
}

func run(checks map[string]Check) error {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := checks[name](); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Package startup brings up external dependencies in dependency order, retrying the whole graph
// with Fibonacci backoff until every dependency has started.
package startup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
)

type Dependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Status int

const (
	StatusPending Status = iota
	StatusStarted
	StatusStopped
	StatusFailed
)

// Func adapts plain functions to a Dependency. Nil StopFn is a no-op.
type Func struct {
	Name    string
	Needs   []string
	StartFn func(ctx context.Context) error
	StopFn  func(ctx context.Context) error
}

func (f Func) GetName() string     { return f.Name }
func (f Func) DependsOn() []string { return f.Needs }

func (f Func) Start(ctx context.Context) error {
	if f.StartFn == nil {
		return nil
	}
	return f.StartFn(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.StopFn == nil {
		return nil
	}
	return f.StopFn(ctx)
}

type Startup struct {
	logger       ectologger.Logger
	dependencies map[string]Dependency
	order        []string
	statuses     map[string]Status
	maxAttempts  int
	// unit scales the Fibonacci wait between attempts.
	unit time.Duration
}

func NewStartup(logger ectologger.Logger, maxAttempts int) *Startup {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Startup{
		logger:       logger,
		dependencies: map[string]Dependency{},
		statuses:     map[string]Status{},
		maxAttempts:  maxAttempts,
		unit:         time.Second,
	}
}

func (s *Startup) AddDependency(dependency Dependency) {
	if _, ok := s.dependencies[dependency.GetName()]; !ok {
		s.order = append(s.order, dependency.GetName())
	}
	s.dependencies[dependency.GetName()] = dependency
}

func (s *Startup) Status(name string) Status {
	return s.statuses[name]
}

func (s *Startup) Start(ctx context.Context) error {
	var lastErr error
	a, b := 1, 1

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.logger.WithField("attempt", attempt).Infof("Beginning startup attempt %d", attempt)

		lastErr = nil
		for _, name := range s.order {
			if err := s.startDependency(ctx, name, map[string]bool{}); err != nil {
				s.logger.WithError(err).Errorf("Startup dependency '%s' attempt %d failed", name, attempt)
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}

		if attempt == s.maxAttempts {
			break
		}

		wait := time.Duration(a) * s.unit
		s.logger.Infof("Retrying in %s (attempt %d/%d)", wait, attempt, s.maxAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		a, b = b, a+b
	}

	return fmt.Errorf("startup failed after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *Startup) startDependency(ctx context.Context, name string, visiting map[string]bool) error {
	if s.statuses[name] == StatusStarted {
		return nil
	}
	dependency, ok := s.dependencies[name]
	if !ok {
		return fmt.Errorf("unknown startup dependency '%s'", name)
	}
	if visiting[name] {
		return fmt.Errorf("startup dependency cycle at '%s'", name)
	}
	visiting[name] = true

	for _, dep := range dependency.DependsOn() {
		if err := s.startDependency(ctx, dep, visiting); err != nil {
			return err
		}
	}

	log := s.logger.WithField("dependency", name)
	log.Infof("Starting dependency '%s'", name)
	s.statuses[name] = StatusPending
	if err := dependency.Start(ctx); err != nil {
		s.statuses[name] = StatusFailed
		return err
	}
	s.statuses[name] = StatusStarted
	return nil
}

// Stop stops started dependencies, dependents before the dependencies they need.
func (s *Startup) Stop(ctx context.Context) error {
	var firstErr error
	for _, name := range s.stopOrder() {
		if s.statuses[name] != StatusStarted {
			continue
		}
		log := s.logger.WithField("dependency", name)
		log.Infof("Stopping dependency '%s'", name)
		if err := s.dependencies[name].Stop(ctx); err != nil {
			log.WithError(err).Errorf("Failed to stop dependency '%s'", name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.statuses[name] = StatusStopped
	}
	return firstErr
}

// stopOrder is the reverse of a topological start order.
func (s *Startup) stopOrder() []string {
	depth := map[string]int{}
	var visit func(name string, seen map[string]bool) int
	visit = func(name string, seen map[string]bool) int {
		if d, ok := depth[name]; ok {
			return d
		}
		dep, ok := s.dependencies[name]
		if !ok || seen[name] {
			return 0
		}
		seen[name] = true
		d := 0
		for _, n := range dep.DependsOn() {
			if v := visit(n, seen) + 1; v > d {
				d = v
			}
		}
		depth[name] = d
		return d
	}

	names := append([]string(nil), s.order...)
	for _, n := range names {
		visit(n, map[string]bool{})
	}
	sort.SliceStable(names, func(i, j int) bool {
		return depth[names[i]] > depth[names[j]]
	})
	return names
}

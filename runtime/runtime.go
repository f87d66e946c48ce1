// Package runtime runs a set of long-lived components with a shared
// shutdown protocol: signal, drain, exit.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"
)

// DefaultDrainTimeout bounds shutdown when no drain deadline is set.
const DefaultDrainTimeout = 30 * time.Second

// Component is anything with the Start/Stop lifecycle. Start must not
// block; Stop drains in-flight work within the timeout.
type Component interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Funcs adapts two closures to a Component.
type Funcs struct {
	StartFunc func(ctx context.Context) error
	StopFunc  func(timeout time.Duration) error
}

func (f Funcs) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f Funcs) Stop(timeout time.Duration) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(timeout)
}

type named struct {
	name      string
	component Component
}

// Runner starts components in registration order and stops them in
// reverse on shutdown.
type Runner struct {
	components []named
	drain      time.Duration
	logger     *slog.Logger
}

// NewRunner creates a runner with the given drain deadline.
func NewRunner(drain time.Duration, logger *slog.Logger) *Runner {
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{drain: drain, logger: logger}
}

// Add registers a component under a name used in logs.
func (r *Runner) Add(name string, c Component) {
	r.components = append(r.components, named{name: name, component: c})
}

// Run starts every component, then blocks until the context is
// cancelled or SIGINT/SIGTERM arrives, then stops them in reverse
// order. A start failure unwinds the components already started.
func (r *Runner) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := 0
	for _, c := range r.components {
		if err := c.component.Start(ctx); err != nil {
			r.stopAll(started)
			return fmt.Errorf("start %s: %w", c.name, err)
		}
		r.logger.Info("Component started", "component", c.name)
		started++
	}

	<-ctx.Done()
	r.logger.Info("Shutdown signal received, draining", "timeout", r.drain)
	return r.stopAll(started)
}

// stopAll stops the first n components in reverse order, collecting
// every stop error.
func (r *Runner) stopAll(n int) error {
	var errs []error
	for i := n - 1; i >= 0; i-- {
		c := r.components[i]
		if err := c.component.Stop(r.drain); err != nil {
			r.logger.Error("Component stop failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", c.name, err))
			continue
		}
		r.logger.Info("Component stopped", "component", c.name)
	}
	return errors.Join(errs...)
}

// Package defers models the deferred-action contract this library consumes
// from its surrounding job framework: register a function to run once when
// the current unit of work concludes by any means, including abnormal
// termination. Frameworks with their own finalization hooks implement
// Deferrer directly; Registry is a concrete implementation for standalone
// use (tests, the CLI).
package defers

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// Deferrer registers a callback to run at-most-once when the enclosing unit
// of work ends.
type Deferrer interface {
	Defer(f func())
}

// DeferrerFunc adapts a plain function to the Deferrer interface.
type DeferrerFunc func(f func())

func (d DeferrerFunc) Defer(f func()) { d(f) }

// Registry collects deferred functions and runs them once, in LIFO order, on
// Drain. A function registered after the registry has drained runs
// immediately, since the scope it was meant to outlive has already ended.
type Registry struct {
	mu      sync.Mutex
	funcs   []func()
	drained bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Defer(f func()) {
	r.mu.Lock()
	if r.drained {
		r.mu.Unlock()
		log.Debug("Deferred function registered after drain, running immediately")
		runDeferred(f)
		return
	}
	r.funcs = append(r.funcs, f)
	r.mu.Unlock()
}

// Drain runs every registered function exactly once, newest first. Safe to
// call more than once and from a signal-driven teardown path while the main
// invocation may still be in flight.
func (r *Registry) Drain() {
	r.mu.Lock()
	funcs := r.funcs
	r.funcs = nil
	r.drained = true
	r.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		runDeferred(funcs[i])
	}
}

func runDeferred(f func()) {
	defer func() {
		if p := recover(); p != nil {
			log.WithFields(log.Fields{"panic": p}).Error("Deferred function panicked")
		}
	}()
	f()
}

// DrainOnSignal drains the registry when SIGINT or SIGTERM arrives, then
// re-raises the signal with the default disposition so the process still dies
// with the conventional exit status. Returns a stop function for callers that
// finish normally first.
func (r *Registry) DrainOnSignal() (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			log.WithFields(log.Fields{"signal": sig}).Info("Draining deferred actions on signal")
			r.Drain()
			signal.Stop(sigCh)
			if s, ok := sig.(syscall.Signal); ok {
				syscall.Kill(os.Getpid(), s)
			} else {
				os.Exit(1)
			}
		case <-done:
			signal.Stop(sigCh)
		}
	}()
	return func() { close(done) }
}

// Package stats provides a minimal set of instrument interfaces backed by
// go-metrics, so that callers pulling this in as a library aren't exposed to
// the go-metrics types directly. A StatsReceiver can be passed down a call
// tree and scoped at each level; the nil-safe no-op receiver is the default
// for callers that don't care.
package stats

import (
	"strings"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

type StatsReceiver interface {
	// Scope returns a receiver whose instrument names are prefixed by scope.
	Scope(scope string) StatsReceiver
	Counter(name string) Counter
	Latency(name string) Latency
}

type Counter interface {
	Inc(i int64)
	Count() int64
}

type Latency interface {
	// Time starts a measurement; call Stop on the result to record it.
	Time() StopWatch
}

type StopWatch interface {
	Stop()
}

// DefaultStatsReceiver returns a receiver over a fresh go-metrics registry.
func DefaultStatsReceiver() StatsReceiver {
	return &metricsReceiver{registry: metrics.NewRegistry()}
}

// NilStatsReceiver returns a receiver that records nothing.
func NilStatsReceiver() StatsReceiver {
	return nilReceiver{}
}

type metricsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (r *metricsReceiver) Scope(scope string) StatsReceiver {
	return &metricsReceiver{registry: r.registry, scope: append(append([]string{}, r.scope...), scope)}
}

func (r *metricsReceiver) scoped(name string) string {
	return strings.Join(append(append([]string{}, r.scope...), name), "/")
}

func (r *metricsReceiver) Counter(name string) Counter {
	return metrics.GetOrRegisterCounter(r.scoped(name), r.registry)
}

func (r *metricsReceiver) Latency(name string) Latency {
	return &timerLatency{t: metrics.GetOrRegisterTimer(r.scoped(name), r.registry)}
}

type timerLatency struct {
	t metrics.Timer
}

func (l *timerLatency) Time() StopWatch {
	return &timerStopWatch{t: l.t, start: time.Now()}
}

type timerStopWatch struct {
	t     metrics.Timer
	start time.Time
}

func (w *timerStopWatch) Stop() {
	w.t.UpdateSince(w.start)
}

type nilReceiver struct{}

func (nilReceiver) Scope(string) StatsReceiver { return nilReceiver{} }
func (nilReceiver) Counter(string) Counter     { return nilCounter{} }
func (nilReceiver) Latency(string) Latency     { return nilLatency{} }

type nilCounter struct{}

func (nilCounter) Inc(int64)    {}
func (nilCounter) Count() int64 { return 0 }

type nilLatency struct{}

func (nilLatency) Time() StopWatch { return nilStopWatch{} }

type nilStopWatch struct{}

func (nilStopWatch) Stop() {}

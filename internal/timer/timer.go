// Package timer implements a per-rank TimerRegistry: scoped timers,
// per-name accumulation, and formatted reporting, plus a Prometheus
// histogram export via client_golang.
package timer

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InvariantViolation is raised when a Handle is reused while already timing.
type InvariantViolation struct {
	Name string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("timer: handle %q reused while already timing", e.Name)
}

// Handle is a scoped acquisition of one named timer. Stop must be called on
// every exit path; callers of Registry.Timer wire this up with defer.
type Handle struct {
	registry *Registry
	name     string
	start    time.Time
	stopped  bool
}

// Stop records now-start into the registry's sample list for this handle's
// name and releases the in-flight guard. Safe to call multiple times; only
// the first call records a sample.
func (h *Handle) Stop() {
	if h.stopped {
		return
	}
	h.stopped = true
	elapsed := time.Since(h.start)
	h.registry.record(h.name, elapsed)
}

type stats struct {
	samples []time.Duration
}

// Registry is the per-rank timer registry. Thread-safety: single-threaded
// per rank, matching the rest of the bridge's SPMD model; the mutex here
// guards against accidental concurrent use rather than designing for it.
type Registry struct {
	mu       sync.Mutex
	byName   map[string]*stats
	active   map[string]bool
	hist     *prometheus.HistogramVec
	registry prometheus.Registerer
}

// New builds an empty Registry. reg may be nil, in which case Prometheus
// export is skipped (used by tests that do not wire a collector).
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		byName:   make(map[string]*stats),
		active:   make(map[string]bool),
		registry: reg,
	}
	if reg != nil {
		r.hist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "braidnet",
			Subsystem: "timer",
			Name:      "duration_seconds",
			Help:      "Duration of named scoped timers in the layer-parallel bridge.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"})
		reg.MustRegister(r.hist)
	}
	return r
}

// Timer starts a scoped timer for name and returns its Handle. Callers are
// expected to `defer h.Stop()` immediately, the same acquire-then-defer
// shape as every other guarded resource in this codebase.
func (r *Registry) Timer(name string) (*Handle, error) {
	r.mu.Lock()
	if r.active[name] {
		r.mu.Unlock()
		return nil, &InvariantViolation{Name: name}
	}
	r.active[name] = true
	r.mu.Unlock()

	return &Handle{registry: r, name: name, start: time.Now()}, nil
}

// MustTimer is Timer but panics on InvariantViolation, for call sites that
// treat reuse as a programmer error rather than a recoverable condition.
func (r *Registry) MustTimer(name string) *Handle {
	h, err := r.Timer(name)
	if err != nil {
		panic(err)
	}
	return h
}

func (r *Registry) record(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, name)
	s, ok := r.byName[name]
	if !ok {
		s = &stats{}
		r.byName[name] = s
	}
	s.samples = append(s.samples, d)

	if r.hist != nil {
		r.hist.WithLabelValues(name).Observe(d.Seconds())
	}
}

// GetTimers returns the set of names that have recorded at least one
// sample, sorted for deterministic iteration.
func (r *Registry) GetTimers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary is the {count, sum, mean, min, max} tuple GetResultString formats
// per name.
type Summary struct {
	Count int
	Sum   time.Duration
	Mean  time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (r *Registry) summary(name string) Summary {
	s := r.byName[name]
	if s == nil || len(s.samples) == 0 {
		return Summary{}
	}
	sum := time.Duration(0)
	min := s.samples[0]
	max := s.samples[0]
	for _, d := range s.samples {
		sum += d
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	mean := time.Duration(float64(sum) / math.Max(1, float64(len(s.samples))))
	return Summary{Count: len(s.samples), Sum: sum, Mean: mean, Min: min, Max: max}
}

// GetResultString formats every recorded timer's Summary, one line per
// name, in sorted name order.
func (r *Registry) GetResultString() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		s := r.summary(name)
		fmt.Fprintf(&b, "%s: count=%d sum=%s mean=%s min=%s max=%s\n",
			name, s.Count, s.Sum, s.Mean, s.Min, s.Max)
	}
	return b.String()
}

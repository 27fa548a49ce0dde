package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/pulseloop/coach/internal/logging"
)

// Sink receives operational metrics. The core only emits; an observability
// adapter consumes.
type Sink interface {
	Incr(name string, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
}

// Registry is an in-process Sink that keeps counters and gauges for
// inspection. Good enough for tests and the default daemon wiring.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
	}
}

func (r *Registry) Incr(name string, tags map[string]string) {
	key := metricKey(name, tags)
	r.mu.Lock()
	r.counters[key]++
	r.mu.Unlock()
	logging.Debug("metrics", "incr %s", key)
}

func (r *Registry) Gauge(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	r.gauges[metricKey(name, tags)] = value
	r.mu.Unlock()
}

// Counter returns the current value of a counter (0 if never incremented).
func (r *Registry) Counter(name string, tags map[string]string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[metricKey(name, tags)]
}

// Snapshot returns a copy of all counters.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

func metricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(tags[k])
	}
	return b.String()
}

// Nop is a Sink that discards everything.
type Nop struct{}

func (Nop) Incr(string, map[string]string)           {}
func (Nop) Gauge(string, float64, map[string]string) {}

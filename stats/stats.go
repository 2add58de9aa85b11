// Package stats is the dedicated counter collector referenced throughout
// spec.md (vote_cached, late_block, election_difficulty_update,
// requests_unknown, ...). It replaces ad-hoc package-level counters with a
// single mutable object of explicit lifetime, threaded in wherever a
// component needs to record an observable stat.
package stats

import "sync"

// Collector accumulates named counters. It is safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	counts map[string]uint64
}

// New returns an empty Collector.
func New() *Collector {
	return &Collector{counts: make(map[string]uint64)}
}

// Inc increments the named counter by one.
func (c *Collector) Inc(name string) { c.Add(name, 1) }

// Add increments the named counter by delta.
func (c *Collector) Add(name string, delta uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name] += delta
}

// Get returns the current value of the named counter.
func (c *Collector) Get(name string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// Snapshot returns a copy of all counters, for diagnostics/tests.
func (c *Collector) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

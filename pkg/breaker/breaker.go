// Package breaker tracks backend service failures across all call
// sessions. Counts accumulate per service and expire after a fixed
// window, so failure storms trip the breaker while sparse failures
// age out — a leaky bucket rather than a hard-tripped breaker.
package breaker

import (
	"sync"
	"time"
)

// Well-known service names used throughout the pipeline.
const (
	ServiceASR    = "asr"
	ServiceLLM    = "llm"
	ServiceTTS    = "tts"
	ServiceSystem = "system"
)

// DefaultWindow is how long a service's failure count survives
// without being reset.
const DefaultWindow = time.Hour

// Tracker records service failures and reports the running count.
// Implementations must be safe for concurrent use: every session's
// pipeline records against the same shared tracker.
type Tracker interface {
	// Record increments the failure count for a service and returns
	// the post-increment count.
	Record(service string) int

	// Count returns the current failure count for a service.
	Count(service string) int

	// Reset clears the failure count for a service.
	Reset(service string)
}

type entry struct {
	count   int
	started time.Time
}

// Memory is an in-process Tracker with time-window expiry.
// The original deployment kept these counters in Redis with a TTL;
// the in-memory form preserves the same key and expiry shape.
type Memory struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*entry
	now     func() time.Time
}

// NewMemory creates a tracker whose counts expire after window.
// A zero window uses DefaultWindow.
func NewMemory(window time.Duration) *Memory {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Memory{
		window:  window,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Record increments the failure count for a service, starting a fresh
// window if the previous one expired.
func (m *Memory) Record(service string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[service]
	if e == nil || m.now().Sub(e.started) >= m.window {
		e = &entry{started: m.now()}
		m.entries[service] = e
	}
	e.count++
	return e.count
}

// Count returns the current failure count for a service.
func (m *Memory) Count(service string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[service]
	if e == nil || m.now().Sub(e.started) >= m.window {
		return 0
	}
	return e.count
}

// Reset clears the failure count for a service.
func (m *Memory) Reset(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, service)
}

// Snapshot returns the current non-expired counts per service.
func (m *Memory) Snapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int, len(m.entries))
	for service, e := range m.entries {
		if m.now().Sub(e.started) < m.window {
			counts[service] = e.count
		}
	}
	return counts
}

// Verify Memory implements Tracker at compile time.
var _ Tracker = (*Memory)(nil)

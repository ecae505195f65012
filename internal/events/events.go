// Package events carries lifecycle and cache events out of the compile core.
//
// Publishers must be cheap and must not block the caller for long; the core
// publishes while holding per-key locks.
package events

import (
	"sync"
	"time"
)

// Event names.
const (
	PluginLoaded     = "plugin_loaded"
	PluginLoadFailed = "plugin_load_failed"
	PluginUnloaded   = "plugin_unloaded"
	CacheHit         = "cache_hit"
	CacheMiss        = "cache_miss"
	CacheStale       = "cache_stale"
	CacheWriteFailed = "cache_write_failed"
	CompileDone      = "compile_done"
	CompileFailed    = "compile_failed"
)

// Event is one occurrence in the core. Key is the printable cache key when
// the event concerns one; Fields carries event-specific values.
type Event struct {
	Name   string         `json:"name"`
	Device string         `json:"device,omitempty"`
	Key    string         `json:"key,omitempty"`
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Publisher receives events. Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// Noop drops events.
type Noop struct{}

func (Noop) Publish(Event) {}

// Memory stores events in-memory for tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (p *Memory) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *Memory) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Named returns the recorded events with the given name.
func (p *Memory) Named(name string) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans an event out to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}

// Stamp fills in Time if it is unset.
func Stamp(e Event) Event {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	return e
}

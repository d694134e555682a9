// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package breaker

import (
	"sort"
	"sync"

	"github.com/tomtom215/switchyard/internal/events"
)

// Registry hands out one Breaker per call-site name, created lazily from the
// defaults plus any per-name override.
type Registry struct {
	mu        sync.Mutex
	defaults  Settings
	overrides map[string]Settings
	breakers  map[string]*Breaker
}

// NewRegistry creates a registry. observer is attached to every breaker that
// does not set its own.
func NewRegistry(defaults Settings, observer events.Observer) *Registry {
	if defaults.Observer == nil {
		defaults.Observer = observer
	}
	return &Registry{
		defaults:  defaults,
		overrides: make(map[string]Settings),
		breakers:  make(map[string]*Breaker),
	}
}

// Configure sets the settings used when the breaker called name is first
// created. Zero fields fall back to the registry defaults. It has no effect on
// a breaker that already exists.
func (r *Registry) Configure(name string, s Settings) {
	r.mu.Lock()
	r.overrides[name] = s
	r.mu.Unlock()
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	s := r.defaults
	if o, ok := r.overrides[name]; ok {
		s = merge(s, o)
	}
	s.Name = name

	b := New(s)
	r.breakers[name] = b
	return b
}

// Snapshots returns a snapshot of every breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Open returns the names of breakers currently OPEN.
func (r *Registry) Open() []string {
	var names []string
	for _, s := range r.Snapshots() {
		if s.State == StateOpen.String() {
			names = append(names, s.Name)
		}
	}
	return names
}

func merge(base, o Settings) Settings {
	if o.ThresholdPct > 0 {
		base.ThresholdPct = o.ThresholdPct
	}
	if o.WindowSize > 0 {
		base.WindowSize = o.WindowSize
	}
	if o.OpenDuration > 0 {
		base.OpenDuration = o.OpenDuration
	}
	if o.CallTimeout != 0 {
		base.CallTimeout = o.CallTimeout
	}
	if o.IsFailure != nil {
		base.IsFailure = o.IsFailure
	}
	if o.Observer != nil {
		base.Observer = o.Observer
	}
	return base
}

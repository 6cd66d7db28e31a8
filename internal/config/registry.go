package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/rtcbridge/pkg/rtc"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// EngineConstructor builds an [rtc.Factory] from the engine section.
type EngineConstructor func(EngineConfig) (rtc.Factory, error)

// Registry maps engine names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineConstructor
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]EngineConstructor),
	}
}

// RegisterEngine registers an engine constructor under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEngine(name string, ctor EngineConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = ctor
}

// Engines returns the registered engine names in no particular order.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}

// CreateEngine builds an engine factory using the constructor registered
// under entry.Name. Returns [ErrNotRegistered] if no constructor has been
// registered for that name.
func (r *Registry) CreateEngine(entry EngineConfig) (rtc.Factory, error) {
	r.mu.RLock()
	ctor, ok := r.engines[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrNotRegistered, entry.Name)
	}
	return ctor(entry)
}

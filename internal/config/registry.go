package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// ErrProviderNotRegistered means a config entry names a backend that no
// factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TTSFactory builds a synthesis backend from its config entry.
type TTSFactory func(ProviderEntry) (tts.Provider, error)

// Registry resolves provider names from the config file to factories. The
// binary registers its built-in backends at startup; tests register mocks.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]TTSFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]TTSFactory{}}
}

// RegisterTTS binds name to factory, replacing any earlier binding.
func (r *Registry) RegisterTTS(name string, factory TTSFactory) {
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
}

// CreateTTS runs the factory bound to entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	if entry.Name == "" {
		return nil, errors.New("config: provider entry has no name")
	}
	r.mu.RLock()
	factory := r.factories[entry.Name]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: tts %q (known: %v)", ErrProviderNotRegistered, entry.Name, r.TTSNames())
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create tts %q: %w", entry.Name, err)
	}
	return p, nil
}

// TTSNames lists the registered backend names in sorted order.
func (r *Registry) TTSNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

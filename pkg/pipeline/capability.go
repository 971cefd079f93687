package pipeline

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
)

// Capability executes one skill. The plane treats it as an opaque,
// time-bounded call; it never retries and never inspects skill internals.
type Capability interface {
	Invoke(ctx context.Context, env *contracts.Envelope) (any, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, env *contracts.Envelope) (any, error)

func (f CapabilityFunc) Invoke(ctx context.Context, env *contracts.Envelope) (any, error) {
	return f(ctx, env)
}

// CapabilityResolver maps a routed skill id to its executor.
type CapabilityResolver interface {
	Resolve(skillID string) (Capability, bool)
}

// CapabilitySet is a concurrency-safe CapabilityResolver backed by a map.
type CapabilitySet struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewCapabilitySet creates an empty set.
func NewCapabilitySet() *CapabilitySet {
	return &CapabilitySet{caps: make(map[string]Capability)}
}

// Bind attaches an executor to a skill id, replacing any previous one.
func (s *CapabilitySet) Bind(skillID string, cap Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[skillID] = cap
}

func (s *CapabilitySet) Resolve(skillID string) (Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caps[skillID]
	return c, ok
}

package invoker

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/maestro/pkg/schema"
)

// Registry routes invocations to the invoker bound to each agent_ref.
// Unbound refs go to the fallback invoker when one is set.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]Invoker
	fallback Invoker
}

// NewRegistry creates a Registry. fallback may be nil.
func NewRegistry(fallback Invoker) *Registry {
	return &Registry{
		agents:   make(map[string]Invoker),
		fallback: fallback,
	}
}

// Register binds an invoker to an agent_ref. Returns error on duplicate ref.
func (r *Registry) Register(ref string, inv Invoker) error {
	if inv == nil {
		return schema.NewError(schema.ErrCodeValidation, "invoker is nil")
	}
	if ref == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent_ref is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[ref]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", ref)
	}
	r.agents[ref] = inv
	return nil
}

// Resolve returns the invoker for ref.
func (r *Registry) Resolve(ref string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if inv, ok := r.agents[ref]; ok {
		return inv, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not registered", ref)
}

// Has reports whether ref resolves to an invoker.
func (r *Registry) Has(ref string) bool {
	_, err := r.Resolve(ref)
	return err == nil
}

// Refs lists the explicitly registered agent refs, sorted.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.agents))
	for ref := range r.agents {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Invoke dispatches to the invoker bound to req.Step.AgentRef.
func (r *Registry) Invoke(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error) {
	inv, err := r.Resolve(req.Step.AgentRef)
	if err != nil {
		return nil, &Error{Kind: schema.ErrorKindFatal, Provider: "registry", Message: err.Error(), Cause: err}
	}
	return inv.Invoke(ctx, req, onChunk)
}

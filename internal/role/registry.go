package role

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered indicates a role inside the closed set that has no
// backend bound to it yet.
var ErrNotRegistered = errors.New("role not registered")

// Backend executes one delegated task for a role. The context carries the
// delegation deadline; implementations must honor cancellation.
type Backend interface {
	Execute(ctx context.Context, r Role, description, payload string) (output string, tokensUsed int, err error)
}

// Binding pairs a backend with the effective policy for one role.
type Binding struct {
	Role    Role
	Backend Backend
	Policy  Policy
}

// Registry is the startup-time registration table binding each role to a
// backend and policy. Lookups after startup are read-only and safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	defaults Policy
	bindings map[Role]Binding
}

// NewRegistry creates an empty registry. defaults seeds the policy for
// every role; Register overlays per-role overrides.
func NewRegistry(defaults Policy) *Registry {
	return &Registry{
		defaults: defaults,
		bindings: make(map[Role]Binding, len(all)),
	}
}

// Register binds a backend to a role. The override policy is merged over
// the registry defaults; zero-valued override fields inherit defaults.
// Registering a role outside the closed set or a nil backend fails, as
// does rebinding an already-registered role.
func (reg *Registry) Register(r Role, backend Backend, override Policy) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, r)
	}
	if backend == nil {
		return fmt.Errorf("register %s: nil backend", r)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.bindings[r]; exists {
		return fmt.Errorf("register %s: already registered", r)
	}
	reg.bindings[r] = Binding{
		Role:    r,
		Backend: backend,
		Policy:  reg.defaults.Merge(override),
	}
	return nil
}

// Binding returns the backend and effective policy for a role.
func (reg *Registry) Binding(r Role) (Binding, error) {
	if !r.Valid() {
		return Binding{}, fmt.Errorf("%w: %q", ErrUnknownRole, r)
	}

	reg.mu.RLock()
	defer reg.mu.RUnlock()

	b, ok := reg.bindings[r]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrNotRegistered, r)
	}
	return b, nil
}

// PolicyFor returns the effective policy for a role.
func (reg *Registry) PolicyFor(r Role) (Policy, error) {
	b, err := reg.Binding(r)
	if err != nil {
		return Policy{}, err
	}
	return b.Policy, nil
}

// Roles returns the registered roles in lexical order.
func (reg *Registry) Roles() []Role {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]Role, 0, len(reg.bindings))
	for r := range reg.bindings {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

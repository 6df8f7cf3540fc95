// Package action defines the boundary between the engine and the systems
// that perform side effects. Actions are looked up by api.ActionName in a
// Registry; every call returns an api.Result instead of raising an error,
// so retry eligibility is always explicit.
package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/steward/pkg/api"
)

// Request is what an action receives for one invocation.
type Request struct {
	InvocationID string

	// IdempotencyKey is stable across redeliveries of the same invocation.
	IdempotencyKey string

	// ExecutionID is empty for maintenance invocations.
	ExecutionID string
	Step        int

	Action  api.ActionName
	Input   map[string]any
	Attempt int
}

// RequestFor builds the Request for a claimed invocation.
func RequestFor(inv *api.ActionInvocation) Request {
	return Request{
		InvocationID:   inv.ID,
		IdempotencyKey: inv.IdempotencyKey(),
		ExecutionID:    inv.ExecutionID,
		Step:           inv.Step,
		Action:         inv.Action,
		Input:          inv.Input,
		Attempt:        inv.Attempt,
	}
}

// Handler performs one action.
type Handler interface {
	Execute(ctx context.Context, req Request) api.Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) api.Result

func (f HandlerFunc) Execute(ctx context.Context, req Request) api.Result { return f(ctx, req) }

// ErrDuplicateHandler is returned when a name is registered twice.
var ErrDuplicateHandler = errors.New("action already registered")

// Registry maps action names to handlers. Only names from the closed
// api.ActionName set can be registered.
type Registry struct {
	mu       sync.RWMutex
	handlers map[api.ActionName]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[api.ActionName]Handler)}
}

// Register binds h to name.
func (r *Registry) Register(name api.ActionName, h Handler) error {
	if !name.Known() {
		return fmt.Errorf("register %q: %w", name, api.ErrUnknownAction)
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateHandler)
	}
	r.handlers[name] = h
	return nil
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(name api.ActionName, fn func(ctx context.Context, req Request) api.Result) error {
	return r.Register(name, HandlerFunc(fn))
}

// Lookup returns the handler bound to name.
func (r *Registry) Lookup(name api.ActionName) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []api.ActionName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]api.ActionName, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute runs the handler for req.Action. An unregistered name is a
// permanent failure: retrying cannot make a handler appear.
func (r *Registry) Execute(ctx context.Context, req Request) api.Result {
	h, ok := r.Lookup(req.Action)
	if !ok {
		return api.PermanentFailure(fmt.Sprintf("no handler registered for action %q", req.Action))
	}
	return h.Execute(ctx, req)
}

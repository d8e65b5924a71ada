package intercept

import (
	"context"
	"errors"
	"fmt"
)

// Handler is a side effect run for every intercepted message. Handle runs on
// the caller's path and must return quickly; slow work belongs on a
// [Submitter].
type Handler interface {
	Name() string
	Handle(ctx context.Context, rec Record, msg Message) error
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, rec Record, msg Message) error

type namedHandler struct {
	name string
	fn   HandlerFunc
}

func (h namedHandler) Name() string { return h.name }
func (h namedHandler) Handle(ctx context.Context, rec Record, msg Message) error {
	return h.fn(ctx, rec, msg)
}

// NamedHandler returns a [Handler] called name that runs fn.
func NamedHandler(name string, fn HandlerFunc) Handler {
	return namedHandler{name: name, fn: fn}
}

// Registration declares one optional handler: it is constructed by New only
// when Enabled is true.
type Registration struct {
	Name    string
	Enabled bool
	New     func() (Handler, error)
}

// Registry is the ordered, read-only list of handlers built at startup.
type Registry struct {
	handlers []Handler
}

// NewRegistry returns a registry of handlers in the given order.
func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: handlers}
}

// BuildRegistry evaluates regs once, in order, constructing every enabled
// handler. Construction errors are joined.
func BuildRegistry(regs []Registration) (*Registry, error) {
	var (
		handlers []Handler
		errs     []error
	)
	for _, reg := range regs {
		if !reg.Enabled {
			continue
		}
		h, err := reg.New()
		if err != nil {
			errs = append(errs, fmt.Errorf("intercept: handler %s: %w", reg.Name, err))
			continue
		}
		handlers = append(handlers, h)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return NewRegistry(handlers...), nil
}

// Handlers returns the registered handlers in order.
func (r *Registry) Handlers() []Handler {
	if r == nil {
		return nil
	}
	return r.handlers
}

// Names returns the handler names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Handlers()))
	for _, h := range r.Handlers() {
		names = append(names, h.Name())
	}
	return names
}

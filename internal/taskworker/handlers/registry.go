package handlers

import (
	"context"
	"errors"
	"fmt"

	"swallowtail/internal/taskqueue/events"
	"swallowtail/internal/taskqueue/kinds"
)

// Handler executes the body of one task kind. The context is cancelled when
// the soft time limit is reached or the task is cancelled; handlers are
// expected to observe it and return promptly.
type Handler interface {
	Handle(ctx context.Context, payload events.TaskDispatchPayload) (result string, err error)
}

// ErrPermanent marks failures that a retry cannot fix (malformed params,
// unknown kind). The runner reports them as non-retryable.
var ErrPermanent = errors.New("permanent task failure")

// Permanent wraps err so it is classified as non-retryable.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err is a non-retryable failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Registry maps task kind to its handler. The mapping is supplied
// explicitly at construction; nothing registers itself from init().
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from an explicit kind -> handler mapping.
func NewRegistry(mapping map[string]Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(mapping))}
	for kind, h := range mapping {
		r.handlers[kind] = h
	}
	return r
}

// Get resolves the handler for a kind.
func (r *Registry) Get(kind string) (Handler, error) {
	h, exists := r.handlers[kind]
	if !exists {
		return nil, fmt.Errorf("no handler registered for kind: %s", kind)
	}
	return h, nil
}

// Builtin returns the handler mapping for the kinds this service ships with.
func Builtin() map[string]Handler {
	return map[string]Handler{
		kinds.KindEcho:   &EchoHandler{},
		kinds.KindScript: &ScriptHandler{},
	}
}

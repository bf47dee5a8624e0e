// Package handler holds the per-kind consumer callback for inbound Event and
// Stream envelopes.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPanic wraps a panic raised by a registered callback.
var ErrPanic = errors.New("handler panicked")

// Func consumes one decoded payload of kind T.
type Func[T any] func(ctx context.Context, msg T) error

// Registry holds at most one callback. Set replaces it for every envelope
// dispatched afterwards; nothing already dispatched is replayed.
//
// The zero value is ready to use.
type Registry[T any] struct {
	mu sync.RWMutex
	fn Func[T]
}

func (r *Registry[T]) Set(fn Func[T]) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

func (r *Registry[T]) Clear() {
	r.Set(nil)
}

func (r *Registry[T]) Registered() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fn != nil
}

// Dispatch invokes the current callback with msg. handled is false when no
// callback is registered, in which case msg is dropped. A panic inside the
// callback is returned as an error wrapping ErrPanic.
func (r *Registry[T]) Dispatch(ctx context.Context, msg T) (handled bool, err error) {
	r.mu.RLock()
	fn := r.fn
	r.mu.RUnlock()
	if fn == nil {
		return false, nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	return true, fn(ctx, msg)
}

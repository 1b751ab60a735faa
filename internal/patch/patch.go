// Package patch owns the lifecycle of a wrapped global surface.
//
// A Controller captures the currently-installed value of one patchable
// surface (a function variable, a method table), installs a wrapped
// version, and can restore the exact captured original later. Enable and
// Disable are idempotent, so naive callers cannot stack wrapper layers or
// clobber the stored original.
package patch

import "sync"

// Controller manages one patched surface of type T.
//
// The surface itself is reached through the get/set pair supplied at
// construction; the Controller never holds more than the single original
// value captured at the most recent Enable.
type Controller[T any] struct {
	mu       sync.Mutex
	enabled  bool
	original T

	get  func() T
	set  func(T)
	wrap func(original T) T
}

// New creates a Controller for a surface accessed via get/set.
// wrap receives the captured original and returns the value to install.
func New[T any](get func() T, set func(T), wrap func(original T) T) *Controller[T] {
	return &Controller[T]{get: get, set: set, wrap: wrap}
}

// Enable captures the current surface value as the original and installs
// the wrapped version. Calling Enable while already enabled is a no-op,
// which guarantees a single wrapper layer and keeps the stored original
// pointing at the pre-patch value.
func (c *Controller[T]) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	c.original = c.get()
	c.set(c.wrap(c.original))
	c.enabled = true
}

// Disable reinstalls the original captured at the most recent Enable.
// Calling Disable while not enabled is a no-op.
func (c *Controller[T]) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.set(c.original)
	var zero T
	c.original = zero
	c.enabled = false
}

// Enabled reports whether the wrapped version is currently installed.
func (c *Controller[T]) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

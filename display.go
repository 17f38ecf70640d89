//go:build linux
// +build linux

package luneffi

import "sync"

// DisplayBehavior customizes how cells of a named type render and compare.
// Both hooks are optional; a nil hook falls back to the default rendering.
type DisplayBehavior struct {
	// Show renders a cell of the attached type for diagnostics and REPL
	// output. It must not mutate the cell.
	Show func(c *Cell) string

	// Eq compares two cells of the attached type. When nil, cells compare
	// by identity (same address, same type).
	Eq func(a, b *Cell) bool
}

// displayHooks is keyed by the descriptor itself, so behaviors attached in
// one session never bleed into another session's types of the same name.
var displayHooks sync.Map // *Type -> *DisplayBehavior

// AttachDisplayBehavior associates rendering hooks with a registered type
// name. Attaching again replaces the previous behavior; the last attachment
// wins. A nil behavior detaches.
func (r *Registry) AttachDisplayBehavior(name string, b *DisplayBehavior) error {
	r.mu.Lock()
	t, ok := r.types[name]
	r.mu.Unlock()
	if !ok {
		return &TypeMismatchError{Expected: "registered type", Actual: name}
	}
	if b == nil {
		displayHooks.Delete(t)
		return nil
	}
	displayHooks.Store(t, b)
	return nil
}

// displayFor returns the behavior attached to a descriptor, or nil.
func displayFor(t *Type) *DisplayBehavior {
	if v, ok := displayHooks.Load(t); ok {
		return v.(*DisplayBehavior)
	}
	return nil
}

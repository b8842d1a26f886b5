// Package metrics turns raw device replies into typed metric samples. It holds
// the transform registry used to coerce reply fields into numbers and the
// extractor that walks a reply according to the definition table.
package metrics

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ─────────────────────────────────────────────────────────────────────────────
// TransformRegistry: name → numeric coercion function
// ─────────────────────────────────────────────────────────────────────────────

// TransformFunc converts one raw reply value into a metric value. Composite
// transforms receive the whole sub-record as a map[string]any.
type TransformFunc func(raw any) (float64, error)

// ErrUnknownTransform is returned by Lookup for an unregistered name.
var ErrUnknownTransform = errors.New("unknown transform")

// TransformRegistry maps transform names to functions. It is safe for
// concurrent reads after construction.
type TransformRegistry struct {
	mu  sync.RWMutex
	fns map[string]TransformFunc
}

// NewTransformRegistry creates an empty registry.
func NewTransformRegistry() *TransformRegistry {
	return &TransformRegistry{fns: make(map[string]TransformFunc)}
}

// DefaultTransforms returns a registry populated with the built-in transforms.
func DefaultTransforms() *TransformRegistry {
	r := NewTransformRegistry()
	for name, fn := range builtins {
		r.fns[name] = fn
	}
	return r
}

// Register adds or replaces a transform.
func (r *TransformRegistry) Register(name string, fn TransformFunc) error {
	if name == "" {
		return fmt.Errorf("register transform: empty name")
	}
	if fn == nil {
		return fmt.Errorf("register transform %q: nil function", name)
	}
	r.mu.Lock()
	r.fns[name] = fn
	r.mu.Unlock()
	return nil
}

// Lookup returns the named transform or an error wrapping ErrUnknownTransform.
func (r *TransformRegistry) Lookup(name string) (TransformFunc, error) {
	r.mu.RLock()
	fn, ok := r.fns[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTransform, name)
	}
	return fn, nil
}

// Names returns the registered names in sorted order.
func (r *TransformRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for n := range r.fns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

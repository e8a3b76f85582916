package behavior

import (
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
)

// Registry maps behavior tags to implementations.
type Registry struct {
	mu        sync.RWMutex
	behaviors map[string]Behavior
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{behaviors: make(map[string]Behavior)}
}

// NewDefaultRegistry creates a registry holding every built-in behavior.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Simple{})
	r.Register(AssignUsers{})
	r.Register(Publish{})
	r.Register(Unpublish{})
	r.Register(NewNotify())
	r.Register(SetProperty{})
	r.Register(Cancel{})
	r.Register(Wait{})
	return r
}

// Register adds b under its name. It panics if the name is taken, since
// that is a wiring mistake made at startup.
func (r *Registry) Register(b Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.behaviors[b.Name()]; exists {
		panic(fmt.Sprintf("behavior %q is already registered", b.Name()))
	}
	r.behaviors[b.Name()] = b
}

// Lookup returns the behavior registered under name.
func (r *Registry) Lookup(name string) (Behavior, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.behaviors[name]
	return b, ok
}

// Names returns the registered tags in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.behaviors))
	for n := range r.behaviors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Description is the public view of a behavior.
type Description struct {
	Name   string             `json:"name"`
	Fields *jsonschema.Schema `json:"fields"`
}

// Describe lists every behavior with its params schema.
func (r *Registry) Describe() []Description {
	names := r.Names()
	out := make([]Description, 0, len(names))
	for _, n := range names {
		b, _ := r.Lookup(n)
		out = append(out, Description{Name: n, Fields: b.Fields()})
	}
	return out
}

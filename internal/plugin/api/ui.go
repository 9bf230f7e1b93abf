package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/warden/internal/plugin/capability"
	"github.com/dshills/warden/internal/plugin/manifest"
)

// UI registry errors.
var (
	ErrElementExists   = errors.New("api: ui element owned by another plugin")
	ErrElementNotFound = errors.New("api: ui element not found")
)

// Element describes a UI element contributed by a plugin. Rendering is
// up to the embedding host.
type Element struct {
	ID    string
	Owner manifest.IdentityHash
	Title string
	Kind  string
}

// Activator runs when the host activates an element.
type Activator func(ctx context.Context) error

type uiEntry struct {
	Element
	handle   capability.Handle
	activate Activator
}

// UIRegistry holds UI elements registered by plugins.
type UIRegistry struct {
	graph *capability.Graph

	mu    sync.RWMutex
	elems map[string]*uiEntry
}

// NewUIRegistry creates an empty registry.
func NewUIRegistry(graph *capability.Graph) *UIRegistry {
	return &UIRegistry{graph: graph, elems: make(map[string]*uiEntry)}
}

// Register adds or replaces an element. An ID held by another plugin is
// refused.
func (r *UIRegistry) Register(h capability.Handle, el Element, activate Activator) error {
	if err := r.graph.Guard(h); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.elems[el.ID]; ok && cur.Owner != el.Owner {
		return fmt.Errorf("%w: %s", ErrElementExists, el.ID)
	}
	r.elems[el.ID] = &uiEntry{Element: el, handle: h, activate: activate}
	return nil
}

// Unregister removes one of owner's elements.
func (r *UIRegistry) Unregister(owner manifest.IdentityHash, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.elems[id]
	if !ok || cur.Owner != owner {
		return false
	}
	delete(r.elems, id)
	return true
}

// dropCapability removes the elements registered through h.
func (r *UIRegistry) dropCapability(h capability.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.elems {
		if e.handle == h {
			delete(r.elems, id)
		}
	}
}

// Elements returns the registered elements sorted by ID. A non-empty owner
// filters to that plugin.
func (r *UIRegistry) Elements(owner manifest.IdentityHash) []Element {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Element, 0, len(r.elems))
	for _, e := range r.elems {
		if owner == "" || e.Owner == owner {
			out = append(out, e.Element)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Activate runs an element's activator. Elements whose capability is
// disabled are removed and report the disabled error.
func (r *UIRegistry) Activate(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.elems[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrElementNotFound, id)
	}
	if err := r.graph.Guard(e.handle); err != nil {
		r.dropCapability(e.handle)
		return err
	}
	if e.activate == nil {
		return nil
	}
	return e.activate(ctx)
}

// uiCapability is the value of a ui capability.
type uiCapability struct {
	registry *UIRegistry
	handle   capability.Handle
}

func (c *uiCapability) Release() {
	c.registry.dropCapability(c.handle)
}

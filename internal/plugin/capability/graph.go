// Package capability tracks the ownership and lifetime of capability objects
// handed to plugins.
//
// Capabilities live in an arena and are addressed by Handle. Each record has
// one owning plugin, an optional parent, and children; relationships are
// stored as handles, so there are no reference cycles. Disabling a record
// disables its whole subtree, permanently.
package capability

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dshills/warden/internal/plugin/manifest"
)

// Capability errors.
var (
	// ErrDisabled is returned for any use of a disabled capability.
	ErrDisabled = errors.New("capability: disabled")

	// ErrCrossPlugin is returned when a plugin tries to derive from another plugin's capability.
	ErrCrossPlugin = errors.New("capability: owned by another plugin")

	// ErrInvalidHandle is returned for handles the graph never issued.
	ErrInvalidHandle = errors.New("capability: invalid handle")
)

// DisabledError identifies the disabled capability.
type DisabledError struct {
	Handle Handle
	Kind   Kind
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("%v: %s #%d", ErrDisabled, e.Kind, e.Handle)
}

func (e *DisabledError) Unwrap() error {
	return ErrDisabled
}

// OwnershipError reports a cross-plugin derivation attempt.
type OwnershipError struct {
	Caller manifest.IdentityHash
	Owner  manifest.IdentityHash
	Parent Handle
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%v: caller %s, parent #%d owner %s", ErrCrossPlugin, e.Caller.Short(), e.Parent, e.Owner.Short())
}

func (e *OwnershipError) Unwrap() error {
	return ErrCrossPlugin
}

// Handle addresses a capability record. The zero Handle is never issued.
type Handle uint32

// Kind tags what a capability grants. It is fixed when the record is created.
type Kind string

// Capability kinds issued by the host.
const (
	KindRoot     Kind = "root"
	KindEvents   Kind = "events"
	KindStore    Kind = "store"
	KindUI       Kind = "ui"
	KindPipeline Kind = "pipeline"
)

// Releaser is implemented by capability values that hold host resources.
type Releaser interface {
	Release()
}

// Factory builds the value of a new child capability. It runs before the
// child is published; an error aborts the creation.
type Factory func(h Handle) (any, error)

type record struct {
	owner    manifest.IdentityHash
	parent   Handle
	children []Handle
	kind     Kind
	value    any
	disabled atomic.Bool
	use      sync.RWMutex // held for reading while Use runs
}

// Graph is the arena of capability records.
type Graph struct {
	mu      sync.RWMutex
	records []*record // index 0 unused
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{records: make([]*record, 1)}
}

// NewRoot issues a root capability owned by a plugin.
func (g *Graph) NewRoot(owner manifest.IdentityHash, value any) Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.add(&record{owner: owner, kind: KindRoot, value: value})
}

// add appends a record. Called with mu held.
func (g *Graph) add(r *record) Handle {
	g.records = append(g.records, r)
	return Handle(len(g.records) - 1)
}

func (g *Graph) get(h Handle) (*record, error) {
	if h == 0 || int(h) >= len(g.records) {
		return nil, fmt.Errorf("%w: #%d", ErrInvalidHandle, h)
	}
	return g.records[h], nil
}

// CreateChild derives a capability of the given kind from parent on behalf
// of caller. The child inherits the parent's owner. factory runs under the
// graph lock and must not call back into the graph.
func (g *Graph) CreateChild(caller manifest.IdentityHash, parent Handle, kind Kind, factory Factory) (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, err := g.get(parent)
	if err != nil {
		return 0, err
	}
	if p.disabled.Load() {
		return 0, &DisabledError{Handle: parent, Kind: p.kind}
	}
	if p.owner != caller {
		return 0, &OwnershipError{Caller: caller, Owner: p.owner, Parent: parent}
	}

	h := Handle(len(g.records))
	var value any
	if factory != nil {
		if value, err = factory(h); err != nil {
			return 0, fmt.Errorf("capability: create %s: %w", kind, err)
		}
	}
	g.add(&record{owner: p.owner, parent: parent, kind: kind, value: value})
	p.children = append(p.children, h)
	return h, nil
}

// Guard fails with a DisabledError once the capability is disabled.
func (g *Graph) Guard(h Handle) error {
	g.mu.RLock()
	r, err := g.get(h)
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	if r.disabled.Load() {
		return &DisabledError{Handle: h, Kind: r.kind}
	}
	return nil
}

// Use runs fn after a successful guard. A cascade over h does not return
// until fn has finished, so fn never observes its capability being disabled
// mid-operation. Only h is held: slow work in fn does not delay operations on
// other records. fn must not call back into the graph.
func (g *Graph) Use(h Handle, fn func(value any) error) error {
	g.mu.RLock()
	r, err := g.get(h)
	if err != nil {
		g.mu.RUnlock()
		return err
	}
	r.use.RLock()
	g.mu.RUnlock()
	defer r.use.RUnlock()
	if r.disabled.Load() {
		return &DisabledError{Handle: h, Kind: r.kind}
	}
	return fn(r.value)
}

// Value returns the capability's value after guarding it.
func (g *Graph) Value(h Handle) (any, error) {
	var out any
	err := g.Use(h, func(v any) error {
		out = v
		return nil
	})
	return out, err
}

// DisableCascade disables h and every descendant. It waits for Use calls in
// flight on those records, then runs the Release hooks of newly disabled
// records exactly once, after the graph lock is released. Disabling an
// already disabled record is a no-op.
func (g *Graph) DisableCascade(h Handle) error {
	g.mu.Lock()
	root, err := g.get(h)
	if err != nil {
		g.mu.Unlock()
		return err
	}

	// A disabled record's subtree is already disabled: children cannot be
	// added under a disabled parent, and cascades hold the write lock.
	var (
		release  []Releaser
		disabled []*record
	)
	stack := []*record{root}
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if r.disabled.Swap(true) {
			continue
		}
		disabled = append(disabled, r)
		for _, c := range r.children {
			stack = append(stack, g.records[c])
		}
		if rel, ok := r.value.(Releaser); ok {
			release = append(release, rel)
		}
	}
	g.mu.Unlock()

	for _, r := range disabled {
		r.use.Lock()
		r.use.Unlock() //nolint:staticcheck // drains in-flight Use calls
	}
	for _, rel := range release {
		rel.Release()
	}
	return nil
}

// Disabled reports whether h is disabled. Invalid handles report true.
func (g *Graph) Disabled(h Handle) bool {
	return g.Guard(h) != nil
}

// Owner returns the owning plugin of h.
func (g *Graph) Owner(h Handle) (manifest.IdentityHash, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, err := g.get(h)
	if err != nil {
		return "", err
	}
	return r.owner, nil
}

// Kind returns the kind of h.
func (g *Graph) Kind(h Handle) (Kind, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, err := g.get(h)
	if err != nil {
		return "", err
	}
	return r.kind, nil
}

// Parent returns the parent of h, or 0 for roots.
func (g *Graph) Parent(h Handle) (Handle, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, err := g.get(h)
	if err != nil {
		return 0, err
	}
	return r.parent, nil
}

// Children returns a copy of h's direct children.
func (g *Graph) Children(h Handle) ([]Handle, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, err := g.get(h)
	if err != nil {
		return nil, err
	}
	out := make([]Handle, len(r.children))
	copy(out, r.children)
	return out, nil
}

// Len returns the number of records ever issued.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records) - 1
}

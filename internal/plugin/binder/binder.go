// Package binder associates plugin instances with their loader-owned context.
//
// A PluginContext is found through three tiers, first hit wins:
//
//  1. the instance token the host issued for the plugin instance,
//  2. the plugin's code loader, when it implements ContextHolder,
//  3. the construction value carried on the context.Context passed into
//     the entry point call, which exists only for the duration of that call.
//
// Tokens carry the epoch of their identity. Unbinding an identity bumps the
// epoch, so stale tokens stop resolving without any cleanup pass.
package binder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dshills/warden/internal/plugin/capability"
	"github.com/dshills/warden/internal/plugin/manifest"
)

// Binder errors.
var (
	// ErrUnbound means no tier knows the plugin; this is a host bug.
	ErrUnbound = errors.New("binder: plugin context accessed before binding")

	// ErrRevoked means the context was found but its root capability is disabled.
	ErrRevoked = errors.New("binder: plugin context revoked")
)

// ContextError names the plugin a lookup was for.
type ContextError struct {
	Identity manifest.IdentityHash
	Err      error
}

func (e *ContextError) Error() string {
	if e.Identity == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (plugin %s)", e.Err, e.Identity.Short())
}

func (e *ContextError) Unwrap() error {
	return e.Err
}

// PluginContext is the service handle a plugin reaches the host through.
type PluginContext struct {
	Identity   manifest.IdentityHash
	Descriptor manifest.Descriptor
	Graph      *capability.Graph
	Logger     *slog.Logger

	root     atomic.Uint32
	elevated atomic.Bool
}

// NewPluginContext creates a context rooted at root.
func NewPluginContext(d manifest.Descriptor, graph *capability.Graph, root capability.Handle, logger *slog.Logger) *PluginContext {
	pc := &PluginContext{
		Identity:   d.Identity(),
		Descriptor: d,
		Graph:      graph,
		Logger:     logger,
	}
	pc.root.Store(uint32(root))
	return pc
}

// Root returns the current root capability.
func (pc *PluginContext) Root() capability.Handle {
	return capability.Handle(pc.root.Load())
}

// Reroot replaces the root capability, used when a disabled plugin is
// enabled again.
func (pc *PluginContext) Reroot(h capability.Handle) {
	pc.root.Store(uint32(h))
}

// Elevated reports whether the plugin holds elevated trust.
func (pc *PluginContext) Elevated() bool {
	return pc.elevated.Load()
}

// SetElevated records the plugin's trust level.
func (pc *PluginContext) SetElevated(v bool) {
	pc.elevated.Store(v)
}

// Revoked reports whether the root capability is disabled.
func (pc *PluginContext) Revoked() bool {
	return pc.Graph.Disabled(pc.Root())
}

// ContextHolder is implemented by loaders that know their owning context.
type ContextHolder interface {
	PluginContext() *PluginContext
}

// InstanceToken identifies one plugin instance. It is a plain value and can
// cross any boundary the host needs it to.
type InstanceToken struct {
	Identity manifest.IdentityHash
	Serial   uint64
	Epoch    uint64
}

// IsZero reports whether the token was never issued.
func (t InstanceToken) IsZero() bool {
	return t.Serial == 0
}

// String renders the token for logs and Lua.
func (t InstanceToken) String() string {
	return fmt.Sprintf("%s/%d@%d", t.Identity.Short(), t.Serial, t.Epoch)
}

type binding struct {
	epoch     uint64
	instances map[uint64]*PluginContext
}

// Binder is the tier 1 registry plus the resolution strategy.
type Binder struct {
	mu      sync.RWMutex
	entries map[manifest.IdentityHash]*binding
	serial  atomic.Uint64
}

// New returns an empty binder.
func New() *Binder {
	return &Binder{entries: make(map[manifest.IdentityHash]*binding)}
}

// Issue returns a fresh token for an identity at its current epoch.
func (b *Binder) Issue(identity manifest.IdentityHash) InstanceToken {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(identity)
	return InstanceToken{Identity: identity, Serial: b.serial.Add(1), Epoch: e.epoch}
}

// Bind associates a token with a context. Tokens from an older epoch are
// refused with ErrRevoked.
func (b *Binder) Bind(token InstanceToken, pc *PluginContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(token.Identity)
	if token.IsZero() || token.Epoch != e.epoch {
		return &ContextError{Identity: token.Identity, Err: ErrRevoked}
	}
	e.instances[token.Serial] = pc
	return nil
}

// Unbind forgets every instance of an identity and advances its epoch.
func (b *Binder) Unbind(identity manifest.IdentityHash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(identity)
	e.epoch++
	e.instances = make(map[uint64]*PluginContext)
}

// Epoch returns the current epoch of an identity.
func (b *Binder) Epoch(identity manifest.IdentityHash) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.entries[identity]; ok {
		return e.epoch
	}
	return 0
}

// entry returns the binding for identity. Called with mu held for writing.
func (b *Binder) entry(identity manifest.IdentityHash) *binding {
	e, ok := b.entries[identity]
	if !ok {
		e = &binding{instances: make(map[uint64]*PluginContext)}
		b.entries[identity] = e
	}
	return e
}

func (b *Binder) lookup(token InstanceToken) (*PluginContext, bool) {
	if token.IsZero() {
		return nil, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[token.Identity]
	if !ok || e.epoch != token.Epoch {
		return nil, false
	}
	pc, ok := e.instances[token.Serial]
	return pc, ok
}

// Resolve finds the context for a plugin instance. token may be zero while
// the instance is still being constructed; owner is the plugin's loader.
func (b *Binder) Resolve(ctx context.Context, token InstanceToken, owner any) (*PluginContext, error) {
	pc, ok := b.lookup(token)
	if !ok {
		if holder, isHolder := owner.(ContextHolder); isHolder {
			pc = holder.PluginContext()
			ok = pc != nil
		}
	}
	if !ok {
		pc, ok = Construction(ctx)
	}
	if !ok {
		return nil, &ContextError{Identity: token.Identity, Err: ErrUnbound}
	}
	if pc.Revoked() {
		return nil, &ContextError{Identity: pc.Identity, Err: ErrRevoked}
	}
	return pc, nil
}

type constructionKey struct{}

// Construct runs fn with a context carrying pc as the construction value.
// The value is only reachable through the context handed to fn, so it
// cannot outlive the call.
func Construct(ctx context.Context, pc *PluginContext, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, constructionKey{}, pc))
}

// Construction returns the construction value carried by ctx.
func Construction(ctx context.Context) (*PluginContext, bool) {
	if ctx == nil {
		return nil, false
	}
	pc, ok := ctx.Value(constructionKey{}).(*PluginContext)
	return pc, ok && pc != nil
}

// Package pipeline runs end-user scripts submitted by plugins.
//
// Scripts are user-authored, not signed plugin code, so they are always
// gated with the full deny-list, whatever the submitting plugin's trust.
// Each run gets a fresh strict sandbox; the script sees its argument as the
// global input and returns one value.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	glua "github.com/yuin/gopher-lua"

	"github.com/dshills/warden/internal/metrics"
	"github.com/dshills/warden/internal/plugin/gate"
	"github.com/dshills/warden/internal/plugin/lua"
	"github.com/dshills/warden/internal/plugin/manifest"
	"github.com/dshills/warden/internal/plugin/security"
)

// ErrScriptNotFound is returned when running an unknown script.
var ErrScriptNotFound = errors.New("pipeline: script not found")

// Script is a compiled, gated end-user script.
type Script struct {
	Owner manifest.IdentityHash
	Name  string
	proto *glua.FunctionProto
}

type scriptKey struct {
	owner manifest.IdentityHash
	name  string
}

// Engine compiles and runs scripts.
type Engine struct {
	gate    *gate.Gate
	limits  security.Limits
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	scripts map[scriptKey]*Script
}

// Option configures an Engine.
type Option func(*Engine)

// WithDenyList replaces the deny-list scripts are checked against.
func WithDenyList(refs ...string) Option {
	return func(e *Engine) {
		e.gate = gate.New(gate.NewDenyList(refs...))
	}
}

// WithLimits sets the per-run limits.
func WithLimits(l security.Limits) Option {
	return func(e *Engine) {
		e.limits = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics records gate rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an engine with the default deny-list and strict limits.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		gate:    gate.New(gate.NewDenyList(security.DefaultDenyReferences...)),
		limits:  security.StrictLimits(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		scripts: make(map[scriptKey]*Script),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Define compiles and gates a script, replacing any script of the same
// name from the same owner.
func (e *Engine) Define(owner manifest.IdentityHash, name string, src []byte) (*Script, error) {
	proto, err := gate.Compile(name, src)
	if err != nil {
		return nil, err
	}
	if err := e.gate.Check(name, proto); err != nil {
		var rej *gate.RejectionError
		if errors.As(err, &rej) {
			e.metrics.GateRejected(rej.Reference)
		}
		e.logger.Warn("script rejected", "script", name, "owner", owner.Short(), "error", err)
		return nil, err
	}

	s := &Script{Owner: owner, Name: name, proto: proto}
	e.mu.Lock()
	e.scripts[scriptKey{owner, name}] = s
	e.mu.Unlock()
	return s, nil
}

// Run executes a script with input and returns its result.
func (e *Engine) Run(ctx context.Context, owner manifest.IdentityHash, name string, input any) (any, error) {
	e.mu.RLock()
	s, ok := e.scripts[scriptKey{owner, name}]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, name)
	}

	state := lua.NewState(
		lua.WithLimits(e.limits),
		lua.WithName(name),
		lua.WithLogger(e.logger.With("script", name)),
	)
	defer state.Close()

	if err := state.Do(func(L *glua.LState) error {
		L.SetGlobal("input", lua.ToLua(L, input))
		return nil
	}); err != nil {
		return nil, err
	}

	results, err := state.Run(ctx, s.proto)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return lua.ToGo(results[0]), nil
}

// Remove deletes one script.
func (e *Engine) Remove(owner manifest.IdentityHash, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := scriptKey{owner, name}
	_, ok := e.scripts[key]
	delete(e.scripts, key)
	return ok
}

// RemoveOwner deletes every script of an owner and returns how many.
func (e *Engine) RemoveOwner(owner manifest.IdentityHash) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for key := range e.scripts {
		if key.owner == owner {
			delete(e.scripts, key)
			n++
		}
	}
	return n
}

// Names returns the owner's script names, sorted.
func (e *Engine) Names(owner manifest.IdentityHash) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var names []string
	for key := range e.scripts {
		if key.owner == owner {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names
}

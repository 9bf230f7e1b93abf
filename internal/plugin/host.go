package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/warden/internal/plugin/api"
	"github.com/dshills/warden/internal/plugin/archive"
	"github.com/dshills/warden/internal/plugin/binder"
	"github.com/dshills/warden/internal/plugin/capability"
	"github.com/dshills/warden/internal/plugin/gate"
	"github.com/dshills/warden/internal/plugin/loader"
	plua "github.com/dshills/warden/internal/plugin/lua"
	"github.com/dshills/warden/internal/plugin/manifest"
	"github.com/dshills/warden/internal/plugin/security"
	"github.com/dshills/warden/internal/plugin/trust"
)

// Host manages a single plugin's Lua state and lifecycle.
type Host struct {
	mu sync.RWMutex

	// Identity
	archive    *archive.Archive
	descriptor manifest.Descriptor
	identity   manifest.IdentityHash

	rt     *Runtime
	logger *slog.Logger

	// Runtime objects, set by Load
	state    *plua.State
	loader   *loader.CodeLoader
	module   *api.Module
	pc       *binder.PluginContext
	instance lua.LValue
	report   *trust.Report

	pluginState State
	err         error
}

// NewHost creates a host for an opened archive.
func NewHost(a *archive.Archive, rt *Runtime) (*Host, error) {
	d, err := a.Descriptor()
	if err != nil {
		return nil, err
	}
	return &Host{
		archive:     a,
		descriptor:  d,
		identity:    d.Identity(),
		rt:          rt,
		logger:      rt.logger().With("plugin", d.Name, "identity", d.Identity().Short()),
		pluginState: StateUnloaded,
	}, nil
}

// Name returns the plugin name.
func (h *Host) Name() string {
	return h.descriptor.Name
}

// Path returns the archive location.
func (h *Host) Path() string {
	return h.archive.Path()
}

// Descriptor returns the parsed manifest.
func (h *Host) Descriptor() manifest.Descriptor {
	return h.descriptor
}

// Identity returns the plugin's identity hash.
func (h *Host) Identity() manifest.IdentityHash {
	return h.identity
}

// State returns the current plugin state.
func (h *Host) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pluginState
}

// Error returns the last lifecycle error.
func (h *Host) Error() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Elevated reports whether the plugin was granted elevated trust.
func (h *Host) Elevated() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pc != nil && h.pc.Elevated()
}

// Verdict returns the signature verdict computed at load.
func (h *Host) Verdict() trust.Verdict {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.report.Verdict()
}

// Context returns the plugin context, nil before Load.
func (h *Host) Context() *binder.PluginContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pc
}

// Token returns the instance token, zero before Load.
func (h *Host) Token() binder.InstanceToken {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.module == nil {
		return binder.InstanceToken{}
	}
	return h.module.Token()
}

// Instance returns the plugin instance table, nil before Load.
func (h *Host) Instance() lua.LValue {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.instance
}

func (h *Host) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return h.rt.tracer().Start(ctx, "plugin."+op, trace.WithAttributes(
		attribute.String("plugin.name", h.descriptor.Name),
		attribute.String("plugin.identity", string(h.identity)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Load checks compatibility and trust, builds the plugin's isolated
// runtime, and constructs its instance from the entry point.
func (h *Host) Load(ctx context.Context) (err error) {
	ctx, span := h.span(ctx, "load")
	defer func() { endSpan(span, err) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pluginState != StateUnloaded {
		return fmt.Errorf("%w: load from %s", ErrInvalidTransition, h.pluginState)
	}

	if err := h.descriptor.API.Compatible(h.rt.Services.APIVersion); err != nil {
		return h.fail(err)
	}

	if h.rt.Verifier != nil {
		h.report = h.rt.Verifier.Verify(ctx, h.archive)
		h.logger.Debug("signature checked", "verdict", h.report.Verdict())
	}
	span.SetAttributes(attribute.String("plugin.verdict", h.report.Verdict().String()))

	elevated := h.elevate(ctx)
	span.SetAttributes(attribute.Bool("plugin.elevated", elevated))

	if err := h.build(ctx, elevated); err != nil {
		h.release()
		return h.fail(err)
	}

	h.pluginState = StateLoaded
	h.err = nil
	h.logger.Info("plugin loaded", "entry", h.descriptor.EntryPoint, "elevated", elevated)
	return nil
}

// elevate asks for elevated trust when the manifest requests it. Any
// failure to obtain it leaves the plugin unelevated.
func (h *Host) elevate(ctx context.Context) bool {
	if !h.descriptor.RequestsSuperAccess {
		return false
	}
	if h.rt.Elevator == nil {
		h.logger.Warn("elevation requested but no broker is configured")
		return false
	}

	var sig *trust.Signature
	if h.report != nil {
		sig = h.report.Signature
	} else if doc, ok := h.archive.Signature(); ok {
		sig, _ = trust.ParseSignature(doc)
	}

	granted, err := h.rt.Elevator.Elevate(ctx, h.archive.Path(), sig, h.descriptor.SuperAccessReason)
	switch {
	case err != nil:
		h.logger.Warn("elevation unavailable, continuing without it", "error", err, "category", Categorize(err))
		return false
	case !granted:
		h.logger.Info("elevation denied, continuing without it")
		return false
	}
	h.logger.Info("elevation granted")
	return true
}

// build creates the state, loader, module, and instance. Called with mu held.
func (h *Host) build(ctx context.Context, elevated bool) error {
	svc := h.rt.Services
	graph := svc.Graph

	h.state = plua.NewState(
		plua.WithLimits(security.For(elevated)),
		plua.WithElevated(elevated),
		plua.WithLogger(h.logger),
		plua.WithName(h.descriptor.Name),
	)

	h.pc = binder.NewPluginContext(h.descriptor, graph, graph.NewRoot(h.identity, nil), h.logger)
	h.pc.SetElevated(elevated)

	var mod *api.Module
	opts := []loader.Option{
		loader.WithShared(h.rt.Shared...),
		loader.WithHostModules(h.rt.HostModules),
		loader.WithModule(api.ModuleName, func(L *lua.LState) int { return mod.Open(L) }),
		loader.WithElevated(elevated),
		loader.WithOwner(h.pc),
		loader.WithLogger(h.logger),
		loader.WithMetrics(h.rt.Metrics),
	}
	if len(h.rt.Allow) > 0 {
		opts = append(opts, loader.WithAllow(h.rt.Allow...))
	}
	if len(h.rt.DenyPackages) > 0 {
		opts = append(opts, loader.WithDenyPackages(h.rt.DenyPackages...))
	}
	if len(h.rt.DenyReferences) > 0 {
		opts = append(opts, loader.WithGate(gate.New(gate.NewDenyList(h.rt.DenyReferences...))))
	}
	if h.rt.Strict {
		opts = append(opts, loader.WithStrict(h.report))
	}
	h.loader = loader.New(h.archive, opts...)
	mod = api.NewModule(svc, h.state, h.loader)
	h.module = mod

	if err := h.state.Do(func(L *lua.LState) error {
		h.loader.Install(L)
		return nil
	}); err != nil {
		return err
	}

	unit, err := h.loader.LoadStrict(h.descriptor.EntryPoint)
	if err != nil {
		return err
	}
	if unit.Proto == nil {
		return fmt.Errorf("%w: entry point %s is a host module", ErrNoInstance, unit.Name)
	}

	err = binder.Construct(ctx, h.pc, func(ctx context.Context) error {
		out, err := h.state.Run(ctx, unit.Proto)
		if err != nil {
			return err
		}
		if len(out) == 0 || out[0].Type() != lua.LTTable {
			return fmt.Errorf("%w: %s", ErrNoInstance, unit.Name)
		}
		h.instance = out[0]
		return nil
	})
	if err != nil {
		return err
	}

	token := svc.Binder.Issue(h.identity)
	if err := svc.Binder.Bind(token, h.pc); err != nil {
		return err
	}
	mod.SetToken(token)
	return nil
}

// Enable calls the instance's enable method. A plugin that was disabled
// gets a fresh root capability first.
func (h *Host) Enable(ctx context.Context) (err error) {
	ctx, span := h.span(ctx, "enable")
	defer func() { endSpan(span, err) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.pluginState {
	case StateEnabled:
		return nil
	case StateLoaded, StateDisabled:
	default:
		return fmt.Errorf("%w: enable from %s", ErrInvalidTransition, h.pluginState)
	}

	if h.pc.Revoked() {
		h.pc.Reroot(h.pc.Graph.NewRoot(h.identity, nil))
		h.logger.Debug("issued fresh root capability", "root", h.pc.Root())
	}

	if _, _, err := h.state.CallMethod(ctx, h.instance, "enable"); err != nil {
		h.err = err
		return err
	}
	h.pluginState = StateEnabled
	h.err = nil
	h.logger.Info("plugin enabled")
	return nil
}

// Disable calls the instance's disable method, then revokes every
// capability under the plugin's root. The revocation happens even when
// the method fails.
func (h *Host) Disable(ctx context.Context) (err error) {
	ctx, span := h.span(ctx, "disable")
	defer func() { endSpan(span, err) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.pluginState {
	case StateLoaded, StateEnabled:
	default:
		return nil
	}

	var callErr error
	if h.pluginState == StateEnabled {
		_, _, callErr = h.state.CallMethod(ctx, h.instance, "disable")
		if callErr != nil {
			h.logger.Warn("disable method failed", "error", callErr)
		}
	}
	if err := h.pc.Graph.DisableCascade(h.pc.Root()); err != nil && !errors.Is(err, capability.ErrInvalidHandle) {
		callErr = errors.Join(callErr, err)
	}

	h.pluginState = StateDisabled
	h.err = callErr
	h.logger.Info("plugin disabled")
	return callErr
}

// Kill releases every resource the plugin holds. It is safe to call in any
// state and more than once.
func (h *Host) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pluginState == StateKilled {
		return
	}
	h.release()
	h.pluginState = StateKilled
	h.logger.Info("plugin killed")
}

// release tears down runtime objects. Called with mu held.
func (h *Host) release() {
	svc := h.rt.Services
	if h.pc != nil {
		_ = svc.Graph.DisableCascade(h.pc.Root())
	}
	svc.Binder.Unbind(h.identity)
	if svc.Events != nil {
		svc.Events.Retire(h.identity)
	}
	if svc.Pipeline != nil {
		svc.Pipeline.RemoveOwner(h.identity)
	}
	if h.state != nil {
		_ = h.state.Close()
	}
	h.instance = nil
}

// fail records a load failure. The host is left killed. Called with mu held.
func (h *Host) fail(err error) error {
	h.pluginState = StateKilled
	h.err = err
	h.logger.Warn("plugin load failed", "error", err, "category", Categorize(err))
	return err
}

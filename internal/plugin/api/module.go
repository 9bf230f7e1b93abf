package api

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/warden/internal/pipeline"
	"github.com/dshills/warden/internal/plugin/binder"
	"github.com/dshills/warden/internal/plugin/capability"
	pluginlua "github.com/dshills/warden/internal/plugin/lua"
	"github.com/dshills/warden/internal/store"
)

// ModuleName is the name plugins require.
const ModuleName = "warden"

// Services are the host services behind the warden module. Nil services
// make the matching capability kind unavailable.
type Services struct {
	Graph      *capability.Graph
	Binder     *binder.Binder
	Events     *EventBus
	UI         *UIRegistry
	Pipeline   *pipeline.Engine
	Store      store.Store
	APIVersion string
}

// Module is one plugin's warden module.
type Module struct {
	svc   *Services
	state *pluginlua.State
	owner any

	mu       sync.Mutex
	token    binder.InstanceToken
	root     capability.Handle
	children map[capability.Kind]capability.Handle
}

// NewModule creates the module for a plugin. state runs the plugin's event
// and UI callbacks; owner is the plugin's code loader.
func NewModule(svc *Services, state *pluginlua.State, owner any) *Module {
	return &Module{
		svc:      svc,
		state:    state,
		owner:    owner,
		children: make(map[capability.Kind]capability.Handle),
	}
}

// SetToken records the instance token issued for the plugin.
func (m *Module) SetToken(t binder.InstanceToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = t
}

// Token returns the instance token, zero before the instance exists.
func (m *Module) Token() binder.InstanceToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Open builds the module table. It is registered with the plugin's loader.
func (m *Module) Open(L *lua.LState) int {
	registerTypes(L, m)

	mod := L.NewTable()
	L.SetField(mod, "context", L.NewFunction(m.contextInfo))
	L.SetField(mod, "log", L.NewFunction(m.log))
	L.SetField(mod, "capability", L.NewFunction(m.derive))
	for _, kind := range m.kinds() {
		L.SetField(mod, string(kind), newRef(L, &capRef{kind: kind, dynamic: true}))
	}
	L.Push(mod)
	return 1
}

// kinds returns the capability kinds backed by a service.
func (m *Module) kinds() []capability.Kind {
	var kinds []capability.Kind
	if m.svc.Events != nil {
		kinds = append(kinds, capability.KindEvents)
	}
	if m.svc.Store != nil {
		kinds = append(kinds, capability.KindStore)
	}
	if m.svc.UI != nil {
		kinds = append(kinds, capability.KindUI)
	}
	if m.svc.Pipeline != nil {
		kinds = append(kinds, capability.KindPipeline)
	}
	return kinds
}

// resolve finds the calling plugin's context or raises.
func (m *Module) resolve(L *lua.LState) *binder.PluginContext {
	pc, err := m.svc.Binder.Resolve(L.Context(), m.Token(), m.owner)
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	return pc
}

// callContext returns the context of the running call.
func callContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// child returns the default capability of kind under the current root,
// creating it on first use after each (re)root.
func (m *Module) child(pc *binder.PluginContext, kind capability.Kind) (capability.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	root := pc.Root()
	if m.root != root {
		m.root = root
		m.children = make(map[capability.Kind]capability.Handle)
	}
	if h, ok := m.children[kind]; ok {
		return h, nil
	}
	h, err := m.create(pc, kind)
	if err != nil {
		return 0, err
	}
	m.children[kind] = h
	return h, nil
}

// create derives a new capability of kind from the plugin's root.
func (m *Module) create(pc *binder.PluginContext, kind capability.Kind) (capability.Handle, error) {
	return m.svc.Graph.CreateChild(pc.Identity, pc.Root(), kind, func(h capability.Handle) (any, error) {
		switch kind {
		case capability.KindEvents:
			return &eventsCapability{bus: m.svc.Events, handle: h}, nil
		case capability.KindUI:
			return &uiCapability{registry: m.svc.UI, handle: h}, nil
		case capability.KindPipeline:
			return newPipelineCapability(m.svc.Pipeline, pc.Identity), nil
		case capability.KindStore:
			return m.svc.Store, nil
		default:
			return nil, fmt.Errorf("api: unknown capability kind %q", kind)
		}
	})
}

// check validates the receiver of a capability method and returns the
// calling plugin and the live handle. It raises on any failure.
func (m *Module) check(L *lua.LState, kind capability.Kind) (*binder.PluginContext, capability.Handle) {
	ref := checkRef(L, 1)
	if ref.kind != kind {
		L.ArgError(1, fmt.Sprintf("%s capability expected, got %s", kind, ref.kind))
	}
	pc := m.resolve(L)

	h := ref.handle
	if ref.dynamic {
		var err error
		if h, err = m.child(pc, kind); err != nil {
			L.RaiseError("%s", err.Error())
		}
	}
	if err := m.svc.Graph.Guard(h); err != nil {
		L.RaiseError("%s", err.Error())
	}
	owner, err := m.svc.Graph.Owner(h)
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	if owner != pc.Identity {
		L.RaiseError("%s", (&capability.OwnershipError{Caller: pc.Identity, Owner: owner, Parent: h}).Error())
	}
	return pc, h
}

// contextInfo implements warden.context().
func (m *Module) contextInfo(L *lua.LState) int {
	pc := m.resolve(L)
	d := pc.Descriptor
	t := L.NewTable()
	t.RawSetString("name", lua.LString(d.Name))
	t.RawSetString("version", lua.LString(d.Version))
	t.RawSetString("author", lua.LString(d.Author))
	t.RawSetString("identity", lua.LString(pc.Identity))
	t.RawSetString("elevated", lua.LBool(pc.Elevated()))
	t.RawSetString("api_version", lua.LString(m.svc.APIVersion))
	t.RawSetString("instance", lua.LString(m.Token().String()))
	L.Push(t)
	return 1
}

// log implements warden.log(level, msg).
func (m *Module) log(L *lua.LState) int {
	pc := m.resolve(L)
	level := L.CheckString(1)
	msg := L.CheckString(2)
	logger := pc.Logger.With("source", "plugin")
	switch level {
	case "debug":
		logger.Debug(msg)
	case "info":
		logger.Info(msg)
	case "warn":
		logger.Warn(msg)
	case "error":
		logger.Error(msg)
	default:
		L.ArgError(1, "level must be debug, info, warn, or error")
	}
	return 0
}

// derive implements warden.capability(kind).
func (m *Module) derive(L *lua.LState) int {
	kind := capability.Kind(L.CheckString(1))
	supported := false
	for _, k := range m.kinds() {
		supported = supported || k == kind
	}
	if !supported {
		L.ArgError(1, fmt.Sprintf("unknown capability kind %q", kind))
	}
	pc := m.resolve(L)
	h, err := m.create(pc, kind)
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	L.Push(newRef(L, &capRef{kind: kind, handle: h}))
	return 1
}

// invoke runs fn in the plugin's state with the given arguments.
func (m *Module) invoke(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) error {
	_, err := m.state.Call(ctx, fn, args...)
	return err
}

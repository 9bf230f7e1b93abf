package api

import (
	"context"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/warden/internal/pipeline"
	"github.com/dshills/warden/internal/plugin/capability"
	pluginlua "github.com/dshills/warden/internal/plugin/lua"
	"github.com/dshills/warden/internal/plugin/manifest"
)

// capRef is the userdata behind a capability object. Dynamic refs follow
// the plugin's default child of their kind.
type capRef struct {
	kind    capability.Kind
	handle  capability.Handle
	dynamic bool
}

func typeName(kind capability.Kind) string {
	return "warden." + string(kind)
}

func newRef(L *lua.LState, ref *capRef) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = ref
	L.SetMetatable(ud, L.GetTypeMetatable(typeName(ref.kind)))
	return ud
}

func checkRef(L *lua.LState, n int) *capRef {
	ud := L.CheckUserData(n)
	ref, ok := ud.Value.(*capRef)
	if !ok {
		L.ArgError(n, "capability expected")
	}
	return ref
}

// registerTypes installs one metatable per capability kind.
func registerTypes(L *lua.LState, m *Module) {
	methods := map[capability.Kind]map[string]lua.LGFunction{
		capability.KindEvents: {
			"on":  m.eventsOn,
			"off": m.eventsOff,
		},
		capability.KindStore: {
			"get":    m.storeGet,
			"set":    m.storeSet,
			"delete": m.storeDelete,
			"keys":   m.storeKeys,
		},
		capability.KindUI: {
			"register":   m.uiRegister,
			"unregister": m.uiUnregister,
			"list":       m.uiList,
		},
		capability.KindPipeline: {
			"submit": m.pipelineSubmit,
			"run":    m.pipelineRun,
			"remove": m.pipelineRemove,
		},
	}
	for kind, fns := range methods {
		mt := L.NewTypeMetatable(typeName(kind))
		index := L.SetFuncs(L.NewTable(), fns)
		L.SetFuncs(index, map[string]lua.LGFunction{
			"kind":   refKind,
			"valid":  m.refValid,
			"revoke": m.refRevoke,
		})
		L.SetField(mt, "__index", index)
	}
}

func refKind(L *lua.LState) int {
	L.Push(lua.LString(checkRef(L, 1).kind))
	return 1
}

// refValid reports whether the capability can still be used.
func (m *Module) refValid(L *lua.LState) int {
	ref := checkRef(L, 1)
	h := ref.handle
	if ref.dynamic {
		pc := m.resolve(L)
		var err error
		if h, err = m.child(pc, ref.kind); err != nil {
			L.Push(lua.LFalse)
			return 1
		}
	}
	L.Push(lua.LBool(!m.svc.Graph.Disabled(h)))
	return 1
}

// refRevoke disables a derived capability and everything derived from it.
func (m *Module) refRevoke(L *lua.LState) int {
	ref := checkRef(L, 1)
	if ref.dynamic {
		L.RaiseError("default %s capability cannot be revoked", ref.kind)
	}
	pc, h := m.check(L, ref.kind)
	if err := m.svc.Graph.DisableCascade(h); err != nil {
		L.RaiseError("%s", err.Error())
	}
	pc.Logger.Debug("capability revoked", "kind", ref.kind, "handle", h)
	return 0
}

func (m *Module) eventsOn(L *lua.LState) int {
	pc, h := m.check(L, capability.KindEvents)
	name := L.CheckString(2)
	fn := L.CheckFunction(3)

	listener := func(ctx context.Context, ev Event) error {
		_, err := m.state.CallBuild(ctx, fn, func(L *lua.LState) []lua.LValue {
			payload := L.CreateTable(0, 2)
			payload.RawSetString("name", lua.LString(ev.Name))
			payload.RawSetString("data", pluginlua.ToLua(L, ev.Data))
			return []lua.LValue{payload}
		})
		return err
	}
	id, err := m.svc.Events.Subscribe(pc.Identity, h, name, listener)
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	L.Push(lua.LNumber(id))
	return 1
}

func (m *Module) eventsOff(L *lua.LState) int {
	pc, _ := m.check(L, capability.KindEvents)
	id := uint64(L.CheckInt64(2))
	L.Push(lua.LBool(m.svc.Events.Unsubscribe(pc.Identity, id)))
	return 1
}

func (m *Module) storeGet(L *lua.LState) int {
	pc, h := m.check(L, capability.KindStore)
	key := L.CheckString(2)
	var (
		v  any
		ok bool
	)
	err := m.svc.Graph.Use(h, func(any) error {
		var err error
		v, ok, err = m.svc.Store.Get(callContext(L), pc.Identity, key)
		return err
	})
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(pluginlua.ToLua(L, v))
	return 1
}

func (m *Module) storeSet(L *lua.LState) int {
	pc, h := m.check(L, capability.KindStore)
	key := L.CheckString(2)
	value := pluginlua.ToGo(L.CheckAny(3))
	err := m.svc.Graph.Use(h, func(any) error {
		return m.svc.Store.Set(callContext(L), pc.Identity, key, value)
	})
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (m *Module) storeDelete(L *lua.LState) int {
	pc, h := m.check(L, capability.KindStore)
	key := L.CheckString(2)
	err := m.svc.Graph.Use(h, func(any) error {
		return m.svc.Store.Delete(callContext(L), pc.Identity, key)
	})
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (m *Module) storeKeys(L *lua.LState) int {
	pc, h := m.check(L, capability.KindStore)
	var keys []string
	err := m.svc.Graph.Use(h, func(any) error {
		var err error
		keys, err = m.svc.Store.Keys(callContext(L), pc.Identity)
		return err
	})
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	L.Push(pluginlua.ToLua(L, keys))
	return 1
}

func (m *Module) uiRegister(L *lua.LState) int {
	pc, h := m.check(L, capability.KindUI)
	id := L.CheckString(2)
	opts := L.OptTable(3, L.NewTable())

	el := Element{
		ID:    id,
		Owner: pc.Identity,
		Title: lua.LVAsString(opts.RawGetString("title")),
		Kind:  lua.LVAsString(opts.RawGetString("kind")),
	}
	if el.Title == "" {
		el.Title = id
	}
	var activate Activator
	if fn, ok := opts.RawGetString("on_activate").(*lua.LFunction); ok {
		activate = func(ctx context.Context) error {
			return m.invoke(ctx, fn, lua.LString(id))
		}
	}
	if err := m.svc.UI.Register(h, el, activate); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (m *Module) uiUnregister(L *lua.LState) int {
	pc, _ := m.check(L, capability.KindUI)
	L.Push(lua.LBool(m.svc.UI.Unregister(pc.Identity, L.CheckString(2))))
	return 1
}

func (m *Module) uiList(L *lua.LState) int {
	pc, _ := m.check(L, capability.KindUI)
	elems := m.svc.UI.Elements(pc.Identity)
	t := L.CreateTable(len(elems), 0)
	for i, el := range elems {
		t.RawSetInt(i+1, lua.LString(el.ID))
	}
	L.Push(t)
	return 1
}

func (m *Module) pipelineSubmit(L *lua.LState) int {
	pc, h := m.check(L, capability.KindPipeline)
	name := L.CheckString(2)
	src := L.CheckString(3)
	err := m.svc.Graph.Use(h, func(v any) error {
		return v.(*pipelineCapability).submit(name, []byte(src))
	})
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	pc.Logger.Debug("pipeline script submitted", "script", name)
	return 0
}

func (m *Module) pipelineRun(L *lua.LState) int {
	pc, h := m.check(L, capability.KindPipeline)
	name := L.CheckString(2)
	input := pluginlua.ToGo(L.Get(3))
	var out any
	err := m.svc.Graph.Use(h, func(any) error {
		var err error
		out, err = m.svc.Pipeline.Run(callContext(L), pc.Identity, name, input)
		return err
	})
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	L.Push(pluginlua.ToLua(L, out))
	return 1
}

func (m *Module) pipelineRemove(L *lua.LState) int {
	_, h := m.check(L, capability.KindPipeline)
	name := L.CheckString(2)
	var removed bool
	err := m.svc.Graph.Use(h, func(v any) error {
		removed = v.(*pipelineCapability).remove(name)
		return nil
	})
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	L.Push(lua.LBool(removed))
	return 1
}

// pipelineCapability tracks the scripts submitted through one capability.
type pipelineCapability struct {
	engine *pipeline.Engine
	owner  manifest.IdentityHash

	mu    sync.Mutex
	names map[string]struct{}
}

func newPipelineCapability(engine *pipeline.Engine, owner manifest.IdentityHash) *pipelineCapability {
	return &pipelineCapability{engine: engine, owner: owner, names: make(map[string]struct{})}
}

func (c *pipelineCapability) submit(name string, src []byte) error {
	if _, err := c.engine.Define(c.owner, name, src); err != nil {
		return err
	}
	c.mu.Lock()
	c.names[name] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *pipelineCapability) remove(name string) bool {
	c.mu.Lock()
	delete(c.names, name)
	c.mu.Unlock()
	return c.engine.Remove(c.owner, name)
}

func (c *pipelineCapability) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.names {
		c.engine.Remove(c.owner, name)
	}
	c.names = make(map[string]struct{})
}

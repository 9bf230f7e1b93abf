package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/warden/internal/pipeline"
	"github.com/dshills/warden/internal/plugin/binder"
	"github.com/dshills/warden/internal/plugin/capability"
	"github.com/dshills/warden/internal/plugin/gate"
	"github.com/dshills/warden/internal/plugin/loader"
	pluginlua "github.com/dshills/warden/internal/plugin/lua"
	"github.com/dshills/warden/internal/plugin/manifest"
	"github.com/dshills/warden/internal/store"
)

type fixture struct {
	svc    *Services
	pc     *binder.PluginContext
	state  *pluginlua.State
	module *Module
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	graph := capability.NewGraph()
	d := manifest.Descriptor{Name: "Foo", Version: "1.0.0", Author: "Bar", EntryPoint: "Foo"}
	pc := binder.NewPluginContext(d, graph, graph.NewRoot(d.Identity(), nil), slog.New(slog.NewTextHandler(io.Discard, nil)))

	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	svc := &Services{
		Graph:      graph,
		Binder:     binder.New(),
		Events:     NewEventBus(graph),
		UI:         NewUIRegistry(graph),
		Pipeline:   pipeline.NewEngine(),
		Store:      st,
		APIVersion: "1.0.0",
	}

	state := pluginlua.NewState()
	t.Cleanup(func() { state.Close() })

	var mod *Module
	l := loader.New(nil,
		loader.WithOwner(pc),
		loader.WithModule(ModuleName, func(L *lua.LState) int { return mod.Open(L) }),
	)
	mod = NewModule(svc, state, l)
	if err := state.Do(func(L *lua.LState) error {
		l.Install(L)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: svc, pc: pc, state: state, module: mod}
}

func (f *fixture) run(t *testing.T, src string) ([]lua.LValue, error) {
	t.Helper()
	proto, err := gate.Compile("test", []byte(src))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return f.state.Run(context.Background(), proto)
}

func (f *fixture) mustRun(t *testing.T, src string) []lua.LValue {
	t.Helper()
	out, err := f.run(t, src)
	if err != nil {
		t.Fatalf("run(%q) error = %v", src, err)
	}
	return out
}

func (f *fixture) global(t *testing.T, name string) lua.LValue {
	t.Helper()
	var v lua.LValue
	if err := f.state.Do(func(L *lua.LState) error {
		v = L.GetGlobal(name)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return v
}

// expectValues compares a chunk's return values.
func expectValues(t *testing.T, got []lua.LValue, want ...lua.LValue) {
	t.Helper()
	if len(got) < len(want) {
		t.Fatalf("got %d values, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("value %d = %v, want %v", i, got[i], w)
		}
	}
}

// expectError fails unless err is non-nil and mentions substr.
func expectError(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error containing %q", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Errorf("error %q does not contain %q", err, substr)
	}
}


func TestContextInfo(t *testing.T) {
	f := newFixture(t)
	out := f.mustRun(t, `
		local info = require("warden").context()
		return info.name, info.author, info.elevated, info.api_version
	`)
	expectValues(t, out, lua.LString("Foo"), lua.LString("Bar"), lua.LFalse, lua.LString("1.0.0"))
}

func TestStoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	out := f.mustRun(t, `
		local store = require("warden").store
		store:set("count", 41)
		store:set("names", {"a", "b"})
		local keys = store:keys()
		return store:get("count") + 1, #keys, store:get("missing")
	`)
	expectValues(t, out, lua.LNumber(42), lua.LNumber(2), lua.LNil)

	v, ok, err := f.svc.Store.Get(context.Background(), f.pc.Identity, "names")
	if err != nil || !ok {
		t.Fatalf("Get(names) = %v, %v, %v", v, ok, err)
	}
	if want := []any{"a", "b"}; !reflect.DeepEqual(v, want) {
		t.Errorf("stored names = %#v, want %#v", v, want)
	}
}

func TestDisabledRootBlocksEveryCapability(t *testing.T) {
	f := newFixture(t)
	f.mustRun(t, `warden = require("warden"); warden.store:set("k", 1)`)

	if err := f.svc.Graph.DisableCascade(f.pc.Root()); err != nil {
		t.Fatal(err)
	}

	for _, src := range []string{
		`warden.store:get("k")`,
		`warden.events:on("x", function() end)`,
		`warden.ui:register("el")`,
		`warden.pipeline:submit("s", "return 1")`,
		`warden.context()`,
	} {
		t.Run(src, func(t *testing.T) {
			_, err := f.run(t, src)
			expectError(t, err, binder.ErrRevoked.Error())
		})
	}
}

func TestRerootRestoresDefaultCapabilities(t *testing.T) {
	f := newFixture(t)
	f.mustRun(t, `warden = require("warden"); warden.store:set("k", 1)`)

	if err := f.svc.Graph.DisableCascade(f.pc.Root()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.run(t, `return warden.store:get("k")`); err == nil {
		t.Fatal("store usable after the root was disabled")
	}

	f.pc.Reroot(f.svc.Graph.NewRoot(f.pc.Identity, nil))
	out := f.mustRun(t, `return warden.store:get("k"), warden.store:valid()`)
	expectValues(t, out, lua.LNumber(1), lua.LTrue)
}

func TestDerivedCapabilityRevoke(t *testing.T) {
	f := newFixture(t)
	out := f.mustRun(t, `
		local warden = require("warden")
		local c = warden.capability("store")
		c:set("k", "v")
		c:revoke()
		local ok = pcall(function() c:get("k") end)
		return c:valid(), ok, warden.store:valid(), warden.store:get("k"), c:kind()
	`)
	expectValues(t, out, lua.LFalse, lua.LFalse, lua.LTrue, lua.LString("v"), lua.LString("store"))

	if _, err := f.run(t, `require("warden").store:revoke()`); err == nil {
		t.Error("default store capability was revocable")
	}
	if _, err := f.run(t, `require("warden").capability("nope")`); err == nil {
		t.Error("unknown capability kind accepted")
	}
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	f.mustRun(t, `
		local warden = require("warden")
		received = {}
		sub = warden.events:on("plugin.enabled", function(ev)
			received[#received + 1] = ev.name .. ":" .. ev.data.plugin
		end)
		warden.events:on("*", function(ev) last = ev.name end)
	`)

	ctx := context.Background()
	if err := f.svc.Events.Emit(ctx, Event{Name: EventPluginEnabled, Data: map[string]any{"plugin": "Foo"}}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Events.Emit(ctx, Event{Name: EventPluginDisabled, Data: map[string]any{"plugin": "Foo"}}); err != nil {
		t.Fatal(err)
	}

	out := f.mustRun(t, `return #received, received[1], last`)
	expectValues(t, out, lua.LNumber(1), lua.LString("plugin.enabled:Foo"), lua.LString(EventPluginDisabled))

	out = f.mustRun(t, `return require("warden").events:off(sub)`)
	expectValues(t, out, lua.LTrue)
	if n := f.svc.Events.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestEventListenersDroppedOnDisable(t *testing.T) {
	f := newFixture(t)
	f.mustRun(t, `
		calls = 0
		require("warden").events:on("tick", function() calls = calls + 1 end)
	`)
	if n := f.svc.Events.Len(); n != 1 {
		t.Fatalf("Len() = %d, want 1", n)
	}

	if err := f.svc.Graph.DisableCascade(f.pc.Root()); err != nil {
		t.Fatal(err)
	}
	if n := f.svc.Events.Len(); n != 0 {
		t.Errorf("Len() after disable = %d, want 0", n)
	}

	if err := f.svc.Events.Emit(context.Background(), Event{Name: "tick"}); err != nil {
		t.Fatal(err)
	}
	if got := f.global(t, "calls"); got != lua.LNumber(0) {
		t.Errorf("calls = %v, want 0", got)
	}
}

func TestEventListenerError(t *testing.T) {
	f := newFixture(t)
	f.mustRun(t, `require("warden").events:on("boom", function() error("listener failed") end)`)

	err := f.svc.Events.Emit(context.Background(), Event{Name: "boom"})
	expectError(t, err, "listener failed")
}

func TestEventBusRetire(t *testing.T) {
	graph := capability.NewGraph()
	owner := manifest.NewIdentityHash("Foo", "Bar")
	h := graph.NewRoot(owner, nil)
	bus := NewEventBus(graph)

	calls := 0
	_, err := bus.Subscribe(owner, h, "x", func(context.Context, Event) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Emit(context.Background(), Event{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	bus.Retire(owner)
	if err := bus.Emit(context.Background(), Event{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("retired listener ran: calls = %d", calls)
	}
	if n := bus.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}

	if _, err := bus.Subscribe(owner, h, "", nil); err == nil {
		t.Error("Subscribe() accepted an empty event name")
	}
	if bus.Unsubscribe(owner, 999) {
		t.Error("Unsubscribe() of an unknown id reported success")
	}
}

func TestEventBusRecoversListenerPanic(t *testing.T) {
	graph := capability.NewGraph()
	owner := manifest.NewIdentityHash("Foo", "Bar")
	bus := NewEventBus(graph)
	_, err := bus.Subscribe(owner, graph.NewRoot(owner, nil), "x", func(context.Context, Event) error {
		panic("boom")
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Emit(context.Background(), Event{Name: "x"}); err == nil {
		t.Error("Emit() swallowed a listener panic")
	}
}

func TestUI(t *testing.T) {
	f := newFixture(t)
	f.mustRun(t, `
		local ui = require("warden").ui
		ui:register("hello", { title = "Hello", kind = "button", on_activate = function(id) activated = id end })
		ui:register("plain")
	`)

	elems := f.svc.UI.Elements("")
	if len(elems) != 2 {
		t.Fatalf("Elements() = %v, want 2 elements", elems)
	}
	want := Element{ID: "hello", Owner: f.pc.Identity, Title: "Hello", Kind: "button"}
	if !reflect.DeepEqual(elems[0], want) {
		t.Errorf("Elements()[0] = %+v, want %+v", elems[0], want)
	}
	if elems[1].Title != "plain" {
		t.Errorf("default title = %q, want plain", elems[1].Title)
	}

	ctx := context.Background()
	if err := f.svc.UI.Activate(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if got := f.global(t, "activated"); got != lua.LString("hello") {
		t.Errorf("activated = %v, want hello", got)
	}
	if err := f.svc.UI.Activate(ctx, "plain"); err != nil {
		t.Errorf("Activate(plain) error = %v", err)
	}
	if err := f.svc.UI.Activate(ctx, "nope"); !errors.Is(err, ErrElementNotFound) {
		t.Errorf("Activate(nope) error = %v, want ErrElementNotFound", err)
	}

	out := f.mustRun(t, `local ui = require("warden").ui; return ui:unregister("plain"), #ui:list()`)
	expectValues(t, out, lua.LTrue, lua.LNumber(1))

	if err := f.svc.Graph.DisableCascade(f.pc.Root()); err != nil {
		t.Fatal(err)
	}
	if elems := f.svc.UI.Elements(""); len(elems) != 0 {
		t.Errorf("Elements() after disable = %v", elems)
	}
}

func TestUIRegistryOwnership(t *testing.T) {
	graph := capability.NewGraph()
	a := manifest.NewIdentityHash("A", "x")
	b := manifest.NewIdentityHash("B", "x")
	r := NewUIRegistry(graph)

	if err := r.Register(graph.NewRoot(a, nil), Element{ID: "el", Owner: a}, nil); err != nil {
		t.Fatal(err)
	}
	err := r.Register(graph.NewRoot(b, nil), Element{ID: "el", Owner: b}, nil)
	if !errors.Is(err, ErrElementExists) {
		t.Errorf("Register() duplicate error = %v, want ErrElementExists", err)
	}
	if r.Unregister(b, "el") {
		t.Error("another plugin unregistered the element")
	}
	if !r.Unregister(a, "el") {
		t.Error("owner could not unregister the element")
	}
}

func TestUIActivateDisabled(t *testing.T) {
	graph := capability.NewGraph()
	owner := manifest.NewIdentityHash("A", "x")
	h := graph.NewRoot(owner, nil)
	r := NewUIRegistry(graph)
	err := r.Register(h, Element{ID: "el", Owner: owner}, func(context.Context) error {
		return errors.New("should not run")
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := graph.DisableCascade(h); err != nil {
		t.Fatal(err)
	}
	if err := r.Activate(context.Background(), "el"); !errors.Is(err, capability.ErrDisabled) {
		t.Errorf("Activate() error = %v, want capability.ErrDisabled", err)
	}
	if elems := r.Elements(owner); len(elems) != 0 {
		t.Errorf("Elements() = %v, want none", elems)
	}
}

func TestPipeline(t *testing.T) {
	f := newFixture(t)
	out := f.mustRun(t, `
		local p = require("warden").pipeline
		p:submit("double", "return input * 2")
		return p:run("double", 21)
	`)
	expectValues(t, out, lua.LNumber(42))

	_, err := f.run(t, `require("warden").pipeline:submit("evil", "os.execute('id')")`)
	expectError(t, err, gate.ErrRejected.Error())

	if names := f.svc.Pipeline.Names(f.pc.Identity); !reflect.DeepEqual(names, []string{"double"}) {
		t.Errorf("Names() = %v, want [double]", names)
	}
	if err := f.svc.Graph.DisableCascade(f.pc.Root()); err != nil {
		t.Fatal(err)
	}
	if names := f.svc.Pipeline.Names(f.pc.Identity); len(names) != 0 {
		t.Errorf("Names() after disable = %v", names)
	}
}

func TestLog(t *testing.T) {
	f := newFixture(t)
	f.mustRun(t, `require("warden").log("info", "hello")`)

	if _, err := f.run(t, `require("warden").log("loud", "hello")`); err == nil {
		t.Error("log accepted an unknown level")
	}
}

func TestUnboundModuleRaises(t *testing.T) {
	graph := capability.NewGraph()
	state := pluginlua.NewState()
	defer state.Close()

	mod := NewModule(&Services{Graph: graph, Binder: binder.New()}, state, nil)
	l := loader.New(nil, loader.WithModule(ModuleName, mod.Open))
	if err := state.Do(func(L *lua.LState) error {
		l.Install(L)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	proto, err := gate.Compile("test", []byte(`require("warden").context()`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = state.Run(context.Background(), proto)
	expectError(t, err, binder.ErrUnbound.Error())
}

// Package lua hosts plugin code on gopher-lua.
//
// # State
//
// A State owns one LState per plugin. Only the base, table, string, and math
// libraries are opened. Plugins holding elevated trust also get os, io, and
// debug. Every call runs under a context with the plugin's call timeout:
//
//	state := lua.NewState(lua.WithLimits(security.StrictLimits()))
//	defer state.Close()
//
//	results, err := state.Run(ctx, proto)
//
// gopher-lua's LState is not goroutine-safe. State serializes callers with a
// mutex, and Lua functions registered by the host run while that mutex is
// held, so they must not call back into the same State.
//
// # Sandbox
//
// The sandbox removes the chunk loading functions (dofile, loadfile, load,
// loadstring) and replaces print with a logger-backed version. require is
// supplied by the plugin's code loader.
//
// # Bridge
//
// ToGo and ToLua convert between Lua values and JSON-shaped Go values:
//
//	v := lua.ToGo(L.Get(1))           // map[string]any, []any, string, ...
//	L.Push(lua.ToLua(L, storedValue))
package lua

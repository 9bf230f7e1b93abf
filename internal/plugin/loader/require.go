package loader

import (
	lua "github.com/yuin/gopher-lua"
)

// Install replaces require in L with one that resolves through the loader.
// Module values are memoized per state, as package.loaded would.
func (l *CodeLoader) Install(L *lua.LState) {
	loaded := make(map[string]lua.LValue)
	loading := make(map[string]bool)

	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if v, ok := loaded[name]; ok {
			L.Push(v)
			return 1
		}
		if loading[name] {
			L.RaiseError("loop while requiring %q", name)
			return 0
		}

		u, err := l.Resolve(name)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}

		loading[name] = true
		defer delete(loading, name)
		v := open(L, u)
		loaded[name] = v
		L.Push(v)
		return 1
	}))
}

// open runs a unit's chunk or opener and returns the module value.
func open(L *lua.LState, u *Unit) lua.LValue {
	var fn *lua.LFunction
	if u.Proto != nil {
		fn = L.NewFunctionFromProto(u.Proto)
	} else {
		fn = L.NewFunction(u.Open)
	}
	top := L.GetTop()
	L.Push(fn)
	L.Push(lua.LString(u.Name))
	L.Call(1, 1)
	v := L.Get(-1)
	L.SetTop(top)
	if v == lua.LNil {
		return lua.LTrue
	}
	return v
}

package lua

import (
	"log/slog"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// chunkLoaders compile code at run time and bypass the code loader and gate.
var chunkLoaders = []string{"dofile", "loadfile", "load", "loadstring"}

// installSandbox strips chunk loaders and routes print to the logger.
func installSandbox(L *lua.LState, logger *slog.Logger) {
	for _, name := range chunkLoaders {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("module %q is not available", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		logger.Info(strings.Join(parts, "\t"), "source", "print")
		return 0
	}))
}

package loader

import (
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// HostModules is the host runtime's own module registry. It is shared by
// every plugin; a plugin reaches it only through its loader's allow-list.
type HostModules struct {
	mu   sync.RWMutex
	mods map[string]lua.LGFunction
}

// NewHostModules returns an empty registry.
func NewHostModules() *HostModules {
	return &HostModules{mods: make(map[string]lua.LGFunction)}
}

// StandardModules returns a registry exposing the Lua standard libraries
// as requirable modules.
func StandardModules() *HostModules {
	h := NewHostModules()
	for _, name := range []string{lua.StringLibName, lua.TabLibName, lua.MathLibName} {
		h.Register(name, globalModule(name))
	}
	h.Register(lua.OsLibName, lua.OpenOs)
	h.Register(lua.IoLibName, lua.OpenIo)
	h.Register(lua.DebugLibName, lua.OpenDebug)
	return h
}

// globalModule returns an opener for a library that is already a global.
func globalModule(name string) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(L.GetGlobal(name))
		return 1
	}
}

// Register adds or replaces a module. The opener must push the module
// value and return 1.
func (h *HostModules) Register(name string, open lua.LGFunction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mods[name] = open
}

// Lookup returns a module opener.
func (h *HostModules) Lookup(name string) (lua.LGFunction, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	open, ok := h.mods[name]
	return open, ok
}

// Names returns the registered module names in order.
func (h *HostModules) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.mods))
	for name := range h.mods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

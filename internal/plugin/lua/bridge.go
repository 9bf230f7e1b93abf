package lua

import (
	"math"
	"sort"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// maxDepth bounds table nesting during conversion.
const maxDepth = 32

// ToGo converts a Lua value to a JSON-shaped Go value. Functions, userdata,
// threads, and cycles convert to nil.
func ToGo(lv lua.LValue) any {
	return toGo(lv, make(map[*lua.LTable]bool), 0)
}

func toGo(lv lua.LValue, visiting map[*lua.LTable]bool, depth int) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visiting[v] || depth >= maxDepth {
			return nil
		}
		visiting[v] = true
		defer delete(visiting, v)
		return tableToGo(v, visiting, depth+1)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, visiting map[*lua.LTable]bool, depth int) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = toGo(t.RawGetInt(i), visiting, depth)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = strconv.FormatFloat(float64(kv), 'f', -1, 64)
		default:
			return
		}
		m[key] = toGo(v, visiting, depth)
	})
	return m
}

// ToLua converts a JSON-shaped Go value to a Lua value.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for i, item := range val {
			t.RawSetInt(i+1, ToLua(L, item))
		}
		return t
	case []string:
		t := L.CreateTable(len(val), 0)
		for i, item := range val {
			t.RawSetInt(i+1, lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, ToLua(L, val[k]))
		}
		return t
	case map[string]string:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, lua.LString(item))
		}
		return t
	case lua.LValue:
		return val
	default:
		return lua.LNil
	}
}

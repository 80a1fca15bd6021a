package lua

import (
	"math"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// exportValue turns a Lua result into the JSON-shaped values the engine
// reports: float64 numbers, []any for sequences, map[string]any for other
// tables. Functions, userdata and back-references to an enclosing table
// export as nil.
func exportValue(lv lua.LValue) any {
	e := exporter{open: make(map[*lua.LTable]struct{})}
	return e.value(lv)
}

type exporter struct {
	// open holds the tables currently being exported.
	open map[*lua.LTable]struct{}
}

func (e exporter) value(lv lua.LValue) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return exportNumber(float64(v))
	case *lua.LTable:
		if _, ok := e.open[v]; ok {
			return nil
		}
		e.open[v] = struct{}{}
		defer delete(e.open, v)
		if n, ok := sequenceLen(v); ok {
			return e.sequence(v, n)
		}
		return e.object(v)
	}
	return nil
}

// exportNumber spells non-finite numbers the way JavaScript prints them.
func exportNumber(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

// sequenceLen reports whether t's keys are exactly 1..n for some n > 0.
func sequenceLen(t *lua.LTable) (int, bool) {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	if n == 0 {
		return 0, false
	}
	for i := 1; i <= n; i++ {
		if t.RawGetInt(i) == lua.LNil {
			return 0, false
		}
	}
	return n, true
}

func (e exporter) sequence(t *lua.LTable, n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = e.value(t.RawGetInt(i + 1))
	}
	return out
}

func (e exporter) object(t *lua.LTable) map[string]any {
	out := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		out[objectKey(k)] = e.value(v)
	})
	return out
}

func objectKey(k lua.LValue) string {
	switch kv := k.(type) {
	case lua.LString:
		return string(kv)
	case lua.LNumber:
		return strconv.FormatFloat(float64(kv), 'g', -1, 64)
	}
	return k.String()
}

// importValue builds the Lua form of a context value. Types with no Lua
// counterpart become nil.
func importValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for i, item := range val {
			t.RawSetInt(i+1, importValue(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, importValue(L, item))
		}
		return t
	case map[string]string:
		t := L.CreateTable(0, len(val))
		for k, s := range val {
			t.RawSetString(k, lua.LString(s))
		}
		return t
	}
	return lua.LNil
}

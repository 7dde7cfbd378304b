package storage

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// openCJSON registers a cjson table (encode, decode, null) compatible with the
// module the store exposes to scripts.
func openCJSON(L *lua.LState) *lua.LUserData {
	null := L.NewUserData()
	mod := L.NewTable()
	L.SetField(mod, "null", null)
	L.SetField(mod, "decode", L.NewFunction(func(L *lua.LState) int {
		var v any
		if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
			L.RaiseError("cjson.decode: %v", err)
			return 0
		}
		L.Push(goToLua(L, null, v))
		return 1
	}))
	L.SetField(mod, "encode", L.NewFunction(func(L *lua.LState) int {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(luaToGo(L.CheckAny(1))); err != nil {
			L.RaiseError("cjson.encode: %v", err)
			return 0
		}
		L.Push(lua.LString(bytes.TrimRight(buf.Bytes(), "\n")))
		return 1
	}))
	L.SetGlobal("cjson", mod)
	return null
}

// goToLua converts a decoded JSON value. JSON null becomes the null sentinel
// so arrays keep their length.
func goToLua(L *lua.LState, null *lua.LUserData, val any) lua.LValue {
	switch v := val.(type) {
	case nil:
		return null
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []any:
		tbl := L.NewTable()
		for i, item := range v {
			L.RawSetInt(tbl, i+1, goToLua(L, null, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range v {
			L.SetField(tbl, k, goToLua(L, null, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// luaToGo converts a Lua value for encoding. A table whose keys are all
// positive integers is an array, holes become null; an empty table is an
// object; any other table is an object with numeric keys rendered as text.
func luaToGo(val lua.LValue) any {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return json.Number(formatNumber(v))
	case lua.LString:
		return string(v)
	case *lua.LUserData:
		// cjson.null, or foreign userdata which has no JSON form
		return nil
	case *lua.LTable:
		maxN := 0
		isArray := true
		v.ForEach(func(key, _ lua.LValue) {
			n, ok := key.(lua.LNumber)
			if !ok || float64(n) < 1 || float64(n) != math.Floor(float64(n)) {
				isArray = false
				return
			}
			if int(n) > maxN {
				maxN = int(n)
			}
		})

		if isArray && maxN > 0 {
			arr := make([]any, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = luaToGo(v.RawGetInt(i))
			}
			return arr
		}

		m := make(map[string]any)
		v.ForEach(func(key, value lua.LValue) {
			switch k := key.(type) {
			case lua.LString:
				m[string(k)] = luaToGo(value)
			case lua.LNumber:
				m[formatNumber(k)] = luaToGo(value)
			}
		})
		return m
	default:
		return nil
	}
}

// formatNumber renders a number with 14 significant digits, as cjson does.
func formatNumber(n lua.LNumber) string {
	return strconv.FormatFloat(float64(n), 'g', 14, 64)
}

package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// registerModules exposes the matchmaking.* helpers to scripts:
//
//	matchmaking.log(msg)            logs msg at info level
//	matchmaking.contains(t, value)  reports whether array t holds value
func registerModules(L *lua.LState, logger *zap.Logger) {
	mod := L.NewTable()
	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		logger.Info("admission script", zap.String("message", L.CheckString(1)))
		return 0
	}))
	L.SetField(mod, "contains", L.NewFunction(func(L *lua.LState) int {
		t := L.CheckTable(1)
		want := L.CheckAny(2)
		found := false
		t.ForEach(func(_, v lua.LValue) {
			if v == want || (v.Type() == want.Type() && v.String() == want.String()) {
				found = true
			}
		})
		L.Push(lua.LBool(found))
		return 1
	}))
	L.SetGlobal("matchmaking", mod)
}

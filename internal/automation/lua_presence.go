//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerPresenceModule registers the `presence` global table in a Lua state.
func registerPresenceModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return presenceOn(L, vm)
	}))
	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		return presenceState(L, e)
	}))
	mod.RawSetString("last_change", L.NewFunction(func(L *lua.LState) int {
		return presenceLastChange(L, e)
	}))
	mod.RawSetString("condense", L.NewFunction(func(L *lua.LState) int {
		return presenceCondense(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return presenceAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))

	L.SetGlobal("presence", mod)
}

// presence.on(type, [filter], callback)
//
// type is an event name ("occupied", "vacant", "condensed", "tick_error",
// "settings_changed") or "*". filter may carry {queue="detect"}.
func presenceOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("queue"); v != lua.LNil {
			h.queue = v.String()
		}
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// presence.state(): "occupied" or "vacant"
func presenceState(L *lua.LState, e *Engine) int {
	L.Push(lua.LString(e.presence.Status().State.String()))
	return 1
}

// presence.last_change(): unix seconds of the last transition, or nil
func presenceLastChange(L *lua.LState, e *Engine) int {
	st := e.presence.Status()
	if st.LastChange == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(float64(st.LastChange.UnixMilli()) / 1000))
	return 1
}

// presence.condense(queue): returns pops, or nil and an error message
func presenceCondense(L *lua.LState, e *Engine) int {
	name := L.CheckString(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pops, err := e.presence.Condense(ctx, name)
	if err != nil {
		e.logger.Warn("script condense failed", "queue", name, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(pops))
	return 1
}

// presence.after(seconds, callback): delayed execution on the VM goroutine
func presenceAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

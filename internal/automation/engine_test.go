//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pir-go-home/internal/occupancy"
	"pir-go-home/internal/presence"

	lua "github.com/yuin/gopher-lua"
)

type fakePresence struct {
	events *presence.EventBus
	mu     sync.Mutex
	status presence.Status
	calls  []string
	err    error
}

func newFakePresence() *fakePresence {
	return &fakePresence{events: presence.NewEventBus(testLogger())}
}

func (f *fakePresence) Events() *presence.EventBus { return f.events }

func (f *fakePresence) Status() presence.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakePresence) Condense(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.err != nil {
		return 0, f.err
	}
	return 3, nil
}

func (f *fakePresence) condenseCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newEngineWithPresence(t *testing.T) (*Engine, *fakePresence, *Manager) {
	t.Helper()
	fp := newFakePresence()
	mgr, err := NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(fp, mgr, testLogger(), SystemConfig{}, TelegramConfig{}), fp, mgr
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool true", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"uint32", uint32(100000), lua.LTNumber},
		{"time", time.Unix(1700000000, 0), lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestGoToLuaMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	v := goToLua(L, map[string]interface{}{"queue": "detect", "pops": 2})
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}
	if s, ok := tbl.RawGetString("queue").(lua.LString); !ok || string(s) != "detect" {
		t.Errorf("map[queue] = %v", tbl.RawGetString("queue"))
	}
	if n, ok := tbl.RawGetString("pops").(lua.LNumber); !ok || float64(n) != 2 {
		t.Errorf("map[pops] = %v", tbl.RawGetString("pops"))
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler luaEventHandler
		evType  string
		evData  interface{}
		want    bool
	}{
		{"exact type", luaEventHandler{eventType: "occupied"}, "occupied", map[string]interface{}{}, true},
		{"wrong type", luaEventHandler{eventType: "occupied"}, "vacant", map[string]interface{}{}, false},
		{"wildcard", luaEventHandler{eventType: "*"}, "tick_error", nil, true},
		{"queue match", luaEventHandler{eventType: "condensed", queue: "remove"}, "condensed",
			map[string]interface{}{"queue": "remove"}, true},
		{"queue mismatch", luaEventHandler{eventType: "condensed", queue: "remove"}, "condensed",
			map[string]interface{}{"queue": "detect"}, false},
		{"queue filter without data", luaEventHandler{eventType: "condensed", queue: "remove"}, "condensed",
			"raw", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchesHandler(tt.handler, presence.Event{Type: tt.evType, Data: tt.evData})
			if got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPresenceModuleState(t *testing.T) {
	e, fp, _ := newEngineWithPresence(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fp.status = presence.Status{State: occupancy.Occupied, Occupied: true, LastChange: &at}

	L := lua.NewState()
	defer L.Close()
	registerPresenceModule(L, &scriptVM{ctx: context.Background()}, e)

	if err := L.DoString(`_s = presence.state(); _t = presence.last_change()`); err != nil {
		t.Fatal(err)
	}
	if s := L.GetGlobal("_s"); s.String() != "occupied" {
		t.Errorf("state = %v", s)
	}
	if n, ok := L.GetGlobal("_t").(lua.LNumber); !ok || int64(n) != at.Unix() {
		t.Errorf("last_change = %v", L.GetGlobal("_t"))
	}
}

func TestPresenceModuleCondense(t *testing.T) {
	e, fp, _ := newEngineWithPresence(t)

	L := lua.NewState()
	defer L.Close()
	registerPresenceModule(L, &scriptVM{ctx: context.Background()}, e)

	if err := L.DoString(`_n = presence.condense("detect")`); err != nil {
		t.Fatal(err)
	}
	if n, ok := L.GetGlobal("_n").(lua.LNumber); !ok || n != 3 {
		t.Errorf("pops = %v", L.GetGlobal("_n"))
	}

	fp.err = errors.New("bus busy")
	if err := L.DoString(`_n, _err = presence.condense("remove")`); err != nil {
		t.Fatal(err)
	}
	if L.GetGlobal("_n") != lua.LNil || L.GetGlobal("_err").String() != "bus busy" {
		t.Errorf("got %v, %v", L.GetGlobal("_n"), L.GetGlobal("_err"))
	}
	if calls := fp.condenseCalls(); len(calls) != 2 || calls[1] != "remove" {
		t.Errorf("calls = %v", calls)
	}
}

func TestPresenceOnHandlerLimit(t *testing.T) {
	e, _, _ := newEngineWithPresence(t)
	L := lua.NewState()
	defer L.Close()
	vm := &scriptVM{ctx: context.Background()}
	registerPresenceModule(L, vm, e)

	err := L.DoString(`for i = 1, 101 do presence.on("occupied", function() end) end`)
	if err == nil {
		t.Fatal("expected handler limit error")
	}
	if len(vm.handlers) != maxHandlersPerScript {
		t.Errorf("handlers = %d", len(vm.handlers))
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	e, fp, _ := newEngineWithPresence(t)
	fp.status = presence.Status{State: occupancy.Vacant}

	res := e.RunLuaCode(`
presence.log("loaded")
presence.on("vacant", function(event)
    presence.log("state=" .. event.state)
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 || res.Logs[0] != "loaded" || res.Logs[1] != "state=vacant" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e, _, _ := newEngineWithPresence(t)
	for _, code := range []string{`os.exit(1)`, `io.write("x")`, `require("socket")`} {
		if res := e.RunLuaCode(code); res.OK {
			t.Errorf("%s: sandbox escape succeeded", code)
		}
	}
}

func TestRunLuaCodeSyntaxError(t *testing.T) {
	e, _, _ := newEngineWithPresence(t)
	res := e.RunLuaCode(`presence.on(`)
	if res.OK || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestScriptReceivesEvents(t *testing.T) {
	e, fp, mgr := newEngineWithPresence(t)

	_, err := mgr.Save(&Script{
		Meta: ScriptMeta{Name: "Condense on vacancy", Enabled: true},
		LuaCode: `
presence.on("vacant", function(event)
    presence.condense("remove")
end)
presence.on("condensed", {queue="detect"}, function(event)
    presence.condense("detect")
end)
`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "Disabled"}, LuaCode: `presence.condense("detect")`}); err != nil {
		t.Fatal(err)
	}

	e.Start()
	defer e.Stop()
	if e.Running() != 1 {
		t.Fatalf("running = %d, want 1", e.Running())
	}

	fp.events.Emit(presence.Event{Type: presence.EventOccupied, Data: map[string]interface{}{"occupied": true}})
	fp.events.Emit(presence.Event{Type: presence.EventCondensed, Data: map[string]interface{}{"queue": "remove"}})
	fp.events.Emit(presence.Event{Type: presence.EventVacant, Data: map[string]interface{}{"occupied": false}})

	deadline := time.Now().Add(2 * time.Second)
	for len(fp.condenseCalls()) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("handler did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if calls := fp.condenseCalls(); len(calls) != 1 || calls[0] != "remove" {
		t.Errorf("calls = %v", calls)
	}
}

func TestReloadAndStopScript(t *testing.T) {
	e, _, mgr := newEngineWithPresence(t)
	s, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "r", Enabled: true}, LuaCode: `presence.log("hi")`})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if e.Running() != 1 {
		t.Errorf("running = %d", e.Running())
	}

	if _, err := mgr.SetEnabled(s.ID, false); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if e.Running() != 0 {
		t.Errorf("disabled script still running")
	}

	if err := e.ReloadScript("missing"); err == nil {
		t.Error("expected error for missing script")
	}
	e.StopScript(s.ID)
}

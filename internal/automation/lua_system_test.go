//go:build !no_automation

package automation

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine() *Engine {
	return &Engine{
		logger:      testLogger(),
		systemCfg:   SystemConfig{},
		telegramCfg: TelegramConfig{},
	}
}

func TestSystemDatetimeReturnsNumber(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	registerSystemModule(L, e)

	numberComponents := []string{"hour", "minute", "second", "weekday", "day", "month", "year", "timestamp"}
	for _, comp := range numberComponents {
		L.SetGlobal("_comp", lua.LString(comp))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q) error: %v", comp, err)
		}
		result := L.GetGlobal("_result")
		if result.Type() != lua.LTNumber {
			t.Errorf("system.datetime(%q) type = %v, want LTNumber", comp, result.Type())
		}
	}
}

func TestSystemDatetimeReturnsString(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	registerSystemModule(L, e)

	stringComponents := []string{"time_str", "date_str"}
	for _, comp := range stringComponents {
		L.SetGlobal("_comp", lua.LString(comp))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q) error: %v", comp, err)
		}
		result := L.GetGlobal("_result")
		if result.Type() != lua.LTString {
			t.Errorf("system.datetime(%q) type = %v, want LTString", comp, result.Type())
		}
	}
}

func TestSystemDatetimeFixedClock(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	e.now = func() time.Time { return time.Date(2025, 3, 1, 7, 5, 9, 0, time.Local) }
	registerSystemModule(L, e)

	if err := L.DoString(`_r = system.datetime("hour") .. "|" .. system.datetime("time_str") .. "|" .. system.datetime("date_str")`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("_r").String(); got != "7|07:05:09|2025-03-01" {
		t.Errorf("datetime = %q", got)
	}
	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("unknown component accepted")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		now      string
		from, to string
		want     bool
	}{
		{"14:00", "8", "22", true},
		{"22:00", "8", "22", false},
		{"07:59", "8", "22", false},
		{"23:10", "22", "6", true},
		{"03:00", "22", "6", true},
		{"06:00", "22", "6", false},
		{"12:00", "22", "6", false},
		{"22:29", `"22:30"`, `"06:15"`, false},
		{"22:30", `"22:30"`, `"06:15"`, true},
		{"06:14", `"22:30"`, `"06:15"`, true},
		{"23:59", "20", "24", true},
	}
	for _, tt := range tests {
		t.Run(tt.now+"_"+tt.from+"-"+tt.to, func(t *testing.T) {
			clock, err := time.ParseInLocation("15:04", tt.now, time.Local)
			if err != nil {
				t.Fatal(err)
			}
			L := lua.NewState()
			defer L.Close()
			e := newTestEngine()
			e.now = func() time.Time { return clock }
			registerSystemModule(L, e)

			if err := L.DoString(`_r = system.time_between(` + tt.from + `, ` + tt.to + `)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_r") == lua.LTrue; got != tt.want {
				t.Errorf("time_between(%s, %s) at %s = %v, want %v", tt.from, tt.to, tt.now, got, tt.want)
			}
		})
	}
}

func TestSystemTimeBetweenBadArgs(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, newTestEngine())

	for _, code := range []string{
		`system.time_between("7pm", 8)`,
		`system.time_between(25, 8)`,
		`system.time_between({}, 8)`,
	} {
		if err := L.DoString(code); err == nil {
			t.Errorf("%s: expected error", code)
		}
	}
}

func TestSystemExecBlockedWhenAllowlistEmpty(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	e.logger = testLogger()
	registerSystemModule(L, e)

	if err := L.DoString(`_result = system.exec("ls")`); err != nil {
		t.Fatal(err)
	}
	result := L.GetGlobal("_result")
	if s, ok := result.(lua.LString); !ok || string(s) != "" {
		t.Errorf("exec with empty allowlist returned %q, want empty string", result)
	}
}

func TestSystemExecBlockedNotInAllowlist(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	e.logger = testLogger()
	e.systemCfg.ExecAllowlist = []string{"/usr/bin/echo"}
	registerSystemModule(L, e)

	if err := L.DoString(`_result = system.exec("/usr/bin/ls")`); err != nil {
		t.Fatal(err)
	}
	result := L.GetGlobal("_result")
	if s, ok := result.(lua.LString); !ok || string(s) != "" {
		t.Errorf("exec with non-allowlisted cmd returned %q, want empty string", result)
	}
}

func TestSystemExecAllowed(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	e.logger = testLogger()
	e.systemCfg.ExecAllowlist = []string{"/bin/echo"}
	e.systemCfg.ExecTimeout = 5 * time.Second
	registerSystemModule(L, e)

	if err := L.DoString(`_result = system.exec("/bin/echo hello")`); err != nil {
		t.Fatal(err)
	}
	result := L.GetGlobal("_result")
	s, ok := result.(lua.LString)
	if !ok {
		t.Fatalf("exec returned type %v, want LTString", result.Type())
	}
	if string(s) != "hello\n" {
		t.Errorf("exec returned %q, want %q", string(s), "hello\n")
	}
}

func TestTelegramSendNoConfig(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	e.logger = testLogger()
	registerTelegramModule(L, e)

	// Should not panic with empty config
	if err := L.DoString(`telegram.send("test")`); err != nil {
		t.Fatal(err)
	}
}

func TestSystemExecTruncatesOutput(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	e.systemCfg.ExecAllowlist = []string{"/usr/bin/head"}
	registerSystemModule(L, e)

	if err := L.DoString(`_result = system.exec("/usr/bin/head -c 70000 /dev/zero")`); err != nil {
		t.Fatal(err)
	}
	s, ok := L.GetGlobal("_result").(lua.LString)
	if !ok {
		t.Fatal("expected string result")
	}
	if len(s) != execOutputLimit {
		t.Errorf("len = %d, want %d", len(s), execOutputLimit)
	}
}

func TestTelegramSendPostsToEveryChat(t *testing.T) {
	var mu sync.Mutex
	got := map[string]string{}
	done := make(chan struct{}, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		mu.Lock()
		got[body["chat_id"]] = body["text"]
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		done <- struct{}{}
	}))
	defer srv.Close()

	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	e.httpClient = srv.Client()
	e.telegramCfg = TelegramConfig{BotToken: "TOKEN", ChatIDs: []string{"1", "2"}, APIBase: srv.URL}
	registerTelegramModule(L, e)

	if err := L.DoString(`telegram.send("hall \"occupied\"")`); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("telegram request not sent")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got["1"] != `hall "occupied"` || got["2"] != `hall "occupied"` {
		t.Errorf("got = %v", got)
	}
}

//go:build !no_automation

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// SystemConfig holds configuration for the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // allowed command paths
	ExecTimeout   time.Duration // timeout for exec commands
}

// TelegramConfig holds configuration for the telegram Lua module.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	// APIBase overrides https://api.telegram.org.
	APIBase string
}

const defaultTelegramAPI = "https://api.telegram.org"

// execOutputLimit caps what system.exec returns to a script.
const execOutputLimit = 64 << 10

// registerSystemModule installs the `system` table: clock helpers, logging
// and allowlisted command execution.
func registerSystemModule(L *lua.LState, e *Engine) {
	L.SetGlobal("system", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"datetime":     func(L *lua.LState) int { return systemDatetime(L, e) },
		"time_between": func(L *lua.LState) int { return systemTimeBetween(L, e) },
		"log":          func(L *lua.LState) int { return systemLog(L, e) },
		"exec":         func(L *lua.LState) int { return systemExec(L, e) },
	}))
}

func registerTelegramModule(L *lua.LState, e *Engine) {
	L.SetGlobal("telegram", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"send": func(L *lua.LState) int { return telegramSend(L, e) },
	}))
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

var datetimeComponents = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.TimeOnly)) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.DateOnly)) },
}

// system.datetime(component)
func systemDatetime(L *lua.LState, e *Engine) int {
	name := L.CheckString(1)
	get, ok := datetimeComponents[name]
	if !ok {
		L.ArgError(1, "unknown component: "+name)
		return 0
	}
	L.Push(get(e.clock()))
	return 1
}

// system.time_between(from, to) is true when the local time of day lies in
// [from, to). Bounds are hours (22) or "HH:MM" strings ("22:30"); from > to
// wraps past midnight.
func systemTimeBetween(L *lua.LState, e *Engine) int {
	from := checkMinuteOfDay(L, 1)
	to := checkMinuteOfDay(L, 2)
	now := e.clock()
	m := now.Hour()*60 + now.Minute()

	in := m >= from && m < to
	if from > to {
		in = m >= from || m < to
	}
	L.Push(lua.LBool(in))
	return 1
}

func checkMinuteOfDay(L *lua.LState, n int) int {
	switch v := L.CheckAny(n).(type) {
	case lua.LNumber:
		h := int(v)
		if h < 0 || h > 24 {
			L.ArgError(n, "hour out of range")
		}
		return h * 60
	case lua.LString:
		t, err := time.Parse("15:04", string(v))
		if err != nil {
			L.ArgError(n, "want HH:MM, got "+string(v))
		}
		return t.Hour()*60 + t.Minute()
	default:
		L.ArgError(n, "want hour number or \"HH:MM\" string")
		return 0
	}
}

var scriptLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// system.log(level, msg). Unknown levels log at info.
func systemLog(L *lua.LState, e *Engine) int {
	level, ok := scriptLogLevels[L.CheckString(1)]
	if !ok {
		level = slog.LevelInfo
	}
	e.logger.Log(context.Background(), level, "script log", "msg", L.CheckString(2))
	return 0
}

// cappedBuffer keeps the first limit bytes written and discards the rest
// without failing the writer, so a chatty command still exits normally.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		c.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

// system.exec(cmd) runs an allowlisted absolute path and returns its stdout,
// capped at execOutputLimit. Blocked or failed commands return "".
func systemExec(L *lua.LState, e *Engine) int {
	argv := strings.Fields(L.CheckString(1))
	if len(argv) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	bin := argv[0]

	switch {
	case !filepath.IsAbs(bin):
		e.logger.Warn("exec blocked: not an absolute path", "cmd", bin)
		L.Push(lua.LString(""))
		return 1
	case !slices.Contains(e.systemCfg.ExecAllowlist, bin):
		e.logger.Warn("exec blocked: not in allowlist", "cmd", bin)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := &cappedBuffer{limit: execOutputLimit}
	cmd := exec.CommandContext(ctx, bin, argv[1:]...)
	cmd.Stdout = out
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("exec timeout", "cmd", bin, "timeout", timeout)
		} else {
			e.logger.Warn("exec failed", "cmd", bin, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}
	e.logger.Debug("exec", "cmd", bin, "bytes", out.buf.Len())
	L.Push(lua.LString(out.buf.String()))
	return 1
}

// telegram.send(msg): send message to all configured chat IDs, fire-and-forget
func telegramSend(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)

	if e.telegramCfg.BotToken == "" {
		e.logger.Warn("telegram.send: bot_token not configured")
		return 0
	}
	if len(e.telegramCfg.ChatIDs) == 0 {
		e.logger.Warn("telegram.send: no chat_ids configured")
		return 0
	}

	base := e.telegramCfg.APIBase
	if base == "" {
		base = defaultTelegramAPI
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(base, "/"), e.telegramCfg.BotToken)

	for _, chatID := range e.telegramCfg.ChatIDs {
		go e.postTelegram(url, chatID, msg)
	}
	return 0
}

func (e *Engine) postTelegram(url, chatID, msg string) {
	body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": msg})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("telegram request create", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		e.logger.Error("telegram send", "err", err, "chat_id", chatID)
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("telegram send non-200", "status", resp.StatusCode, "chat_id", chatID)
	}
}

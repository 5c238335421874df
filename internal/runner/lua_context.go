package runner

import (
	"context"
	"fmt"
	"math"
	"time"

	lua "github.com/yuin/gopher-lua"

	"launcher-ate/internal/hardware"
)

const (
	readableType = "ate.readable"
	setableType  = "ate.setable"

	defaultSuccessMessage = "Test succeeded"
	defaultFailMessage    = "Test failed"
)

// verdict is what ctx.fail and ctx.success record before unwinding.
type verdict struct {
	passed  bool
	message string
}

// stepRun is the per-invocation state behind one ctx table.
type stepRun struct {
	ctx     context.Context
	verdict *verdict
}

// signal records the first verdict and unwinds the script. A script that
// catches the unwind with pcall cannot replace the verdict.
func (run *stepRun) signal(L *lua.LState, passed bool, message string) {
	if run.verdict == nil {
		run.verdict = &verdict{passed: passed, message: message}
	}
	ud := L.NewUserData()
	ud.Value = run.verdict
	L.Error(ud, 0)
}

// call binds a fresh ctx table into fn's state and runs it. It returns the
// recorded verdict if the script signalled one, otherwise the error raised
// by the script (nil if it returned normally).
func (ec *ExecContext) call(ctx context.Context, L *lua.LState, fn *lua.LFunction) (*verdict, error) {
	run := &stepRun{ctx: ctx}
	tbl := ec.bind(L, run)

	err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, tbl)
	ec.readScratch(tbl)

	if run.verdict != nil {
		return run.verdict, nil
	}
	return nil, err
}

// bind builds the ctx table handed to a script's entry point. Everything
// lives in the table; nothing is written into the script's globals.
func (ec *ExecContext) bind(L *lua.LState, run *stepRun) *lua.LTable {
	registerHardwareTypes(L)
	tbl := L.NewTable()

	for _, name := range hardware.ReadableNames {
		ud := L.NewUserData()
		ud.Value = ec.Registry.Readable(name)
		L.SetMetatable(ud, L.GetTypeMetatable(readableType))
		tbl.RawSetString(name, ud)
	}
	for _, name := range hardware.SetableNames {
		ud := L.NewUserData()
		ud.Value = ec.Registry.Setable(name)
		L.SetMetatable(ud, L.GetTypeMetatable(setableType))
		tbl.RawSetString(name, ud)
	}

	tbl.RawSetString("fail", L.NewFunction(func(L *lua.LState) int {
		msg := L.OptString(1, defaultFailMessage)
		ec.logger.Info("script signalled fail", "msg", msg)
		run.signal(L, false, msg)
		return 0
	}))
	tbl.RawSetString("success", L.NewFunction(func(L *lua.LState) int {
		msg := L.OptString(1, defaultSuccessMessage)
		ec.logger.Info("script signalled success", "msg", msg)
		run.signal(L, true, msg)
		return 0
	}))
	tbl.RawSetString("operator_action", L.NewFunction(func(L *lua.LState) int {
		reply, err := ec.OperatorAction(run.ctx, L.CheckString(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(lua.LString(reply))
		return 1
	}))
	tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		ec.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))
	tbl.RawSetString("sleep", L.NewFunction(func(L *lua.LState) int {
		time.Sleep(seconds(float64(L.CheckNumber(1))))
		return 0
	}))
	tbl.RawSetString("iperf", L.NewFunction(func(L *lua.LState) int {
		return ec.luaIperf(L, run)
	}))
	tbl.RawSetString("config", ec.scratchTable(L))
	return tbl
}

func registerHardwareTypes(L *lua.LState) {
	if mt, ok := L.GetTypeMetatable(readableType).(*lua.LTable); ok && mt != nil {
		return
	}

	rmt := L.NewTypeMetatable(readableType)
	L.SetField(rmt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"name":        func(L *lua.LState) int { L.Push(lua.LString(checkReadable(L).Name())); return 1 },
		"value":       readableValue,
		"stable":      readableStable,
		"change_time": readableChangeTime,
	}))

	smt := L.NewTypeMetatable(setableType)
	L.SetField(smt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"name":    func(L *lua.LState) int { L.Push(lua.LString(checkSetable(L).Name())); return 1 },
		"set":     setableSet,
		"set_pwm": setableSetPWM,
	}))
}

func checkReadable(L *lua.LState) *hardware.Readable {
	ud := L.CheckUserData(1)
	if r, ok := ud.Value.(*hardware.Readable); ok {
		return r
	}
	L.ArgError(1, "readable expected")
	return nil
}

func checkSetable(L *lua.LState) *hardware.Setable {
	ud := L.CheckUserData(1)
	if s, ok := ud.Value.(*hardware.Setable); ok {
		return s
	}
	L.ArgError(1, "setable expected")
	return nil
}

// readable:value()
func readableValue(L *lua.LState) int {
	L.Push(goToLua(L, checkReadable(L).Value()))
	return 1
}

// readable:stable(window_s [, tolerance])
func readableStable(L *lua.LState) int {
	r := checkReadable(L)
	window := seconds(float64(L.CheckNumber(2)))
	tolerance := float64(L.OptNumber(3, 0))
	ok, err := r.Stable(window, 0, tolerance)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(lua.LBool(ok))
	return 1
}

// readable:change_time(timeout_s) -> seconds | nil, err
func readableChangeTime(L *lua.LState) int {
	r := checkReadable(L)
	d, err := r.TimeToChange(seconds(float64(L.CheckNumber(2))), 0)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(d.Seconds()))
	return 1
}

// setable:set(value)
func setableSet(L *lua.LState) int {
	s := checkSetable(L)
	if err := s.Set(luaToGo(L.Get(2))); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// setable:set_pwm(duty)
func setableSetPWM(L *lua.LState) int {
	s := checkSetable(L)
	if err := s.SetPWM(float64(L.CheckNumber(2))); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// scratchTable exposes Scratch as ctx.config. Durations are in seconds.
func (ec *ExecContext) scratchTable(L *lua.LState) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("protocol_timeout", lua.LNumber(ec.Scratch.ProtocolTimeout.Seconds()))
	t.RawSetString("operator_timeout", lua.LNumber(ec.Scratch.OperatorTimeout.Seconds()))
	limits := L.NewTable()
	for k, v := range ec.Scratch.ProtocolLimits {
		limits.RawSetString(k, lua.LNumber(v))
	}
	t.RawSetString("protocol_limits", limits)
	return t
}

// readScratch copies edits a script made to ctx.config back into Scratch.
func (ec *ExecContext) readScratch(tbl *lua.LTable) {
	cfg, ok := tbl.RawGetString("config").(*lua.LTable)
	if !ok {
		return
	}
	if n, ok := cfg.RawGetString("protocol_timeout").(lua.LNumber); ok && n >= 0 {
		ec.Scratch.ProtocolTimeout = seconds(float64(n))
	}
	if n, ok := cfg.RawGetString("operator_timeout").(lua.LNumber); ok && n >= 0 {
		ec.Scratch.OperatorTimeout = seconds(float64(n))
	}
	if limits, ok := cfg.RawGetString("protocol_limits").(*lua.LTable); ok {
		m := make(map[string]float64)
		limits.ForEach(func(k, v lua.LValue) {
			if n, ok := v.(lua.LNumber); ok {
				m[k.String()] = float64(n)
			}
		})
		ec.Scratch.ProtocolLimits = m
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a scalar Lua value to Go. Tables and functions become
// their string form.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	default:
		return v.String()
	}
}

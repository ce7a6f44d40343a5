package rules

import (
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"switchgrid/internal/store"
	"switchgrid/internal/telemetry"
)

// scriptVM is one running Lua VM. gopher-lua states are not safe for
// concurrent use, so all access is serialized through mu.
type scriptVM struct {
	id    string
	state *lua.LState

	mu       sync.Mutex
	readings []*lua.LFunction
	alerts   []*lua.LFunction
}

// Engine loads rule scripts and dispatches pipeline events to their
// registered hooks. Hook errors are logged per-script and never disturb the
// pipeline.
type Engine struct {
	bus    *telemetry.EventBus
	logger *slog.Logger

	mu    sync.Mutex
	vms   []*scriptVM
	unsub func()
}

// NewEngine creates a rules engine over the given event bus.
func NewEngine(bus *telemetry.EventBus, logger *slog.Logger) *Engine {
	return &Engine{
		bus:    bus,
		logger: logger.With("component", "rules"),
	}
}

// Start loads every script from dir, runs its top level (which registers
// hooks via hub.on_reading / hub.on_alert), and subscribes to the bus. A
// script that fails to load is skipped with an error log.
func (e *Engine) Start(dir string) error {
	scripts, err := LoadDir(dir)
	if err != nil {
		return err
	}

	for _, s := range scripts {
		vm, err := e.startScript(s)
		if err != nil {
			e.logger.Error("load script", "id", s.ID, "err", err)
			continue
		}
		e.mu.Lock()
		e.vms = append(e.vms, vm)
		e.mu.Unlock()
	}

	e.unsub = e.bus.OnAll(e.dispatch)
	e.logger.Info("rules engine started", "scripts", len(e.vms))
	return nil
}

// Stop unsubscribes from the bus and closes every VM.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, vm := range e.vms {
		vm.mu.Lock()
		vm.state.Close()
		vm.mu.Unlock()
	}
	e.vms = nil
	e.logger.Info("rules engine stopped")
}

func (e *Engine) startScript(s *Script) (*scriptVM, error) {
	L := lua.NewState()

	// Sandbox: rules have no business touching the host.
	for _, g := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(g, lua.LNil)
	}

	vm := &scriptVM{id: s.ID, state: L}
	e.registerHubModule(L, vm)

	if err := L.DoString(s.Source); err != nil {
		L.Close()
		return nil, fmt.Errorf("run script %s: %w", s.ID, err)
	}
	return vm, nil
}

// registerHubModule installs the "hub" table: on_reading, on_alert, log.
func (e *Engine) registerHubModule(L *lua.LState, vm *scriptVM) {
	mod := L.NewTable()

	mod.RawSetString("on_reading", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		vm.mu.Lock()
		vm.readings = append(vm.readings, fn)
		vm.mu.Unlock()
		return 0
	}))

	mod.RawSetString("on_alert", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		vm.mu.Lock()
		vm.alerts = append(vm.alerts, fn)
		vm.mu.Unlock()
		return 0
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		e.logger.Info("script log", "id", vm.id, "msg", msg)
		return 0
	}))

	L.SetGlobal("hub", mod)
}

func (e *Engine) dispatch(event telemetry.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, len(e.vms))
	copy(vms, e.vms)
	e.mu.Unlock()

	for _, vm := range vms {
		switch event.Type {
		case telemetry.EventReadingCommitted:
			if r, ok := event.Data.(*telemetry.CommittedReading); ok {
				e.callHooks(vm, func(vm *scriptVM) []*lua.LFunction { return vm.readings },
					func(L *lua.LState) *lua.LTable { return readingTable(L, r) })
			}
		case telemetry.EventAlertRaised:
			if a, ok := event.Data.(*store.AlertEntry); ok {
				e.callHooks(vm, func(vm *scriptVM) []*lua.LFunction { return vm.alerts },
					func(L *lua.LState) *lua.LTable { return alertTable(L, a) })
			}
		}
	}
}

// callHooks runs the selected hooks with the built argument, all under the
// VM lock: gopher-lua states tolerate no concurrent access, table
// construction included.
func (e *Engine) callHooks(vm *scriptVM, hooks func(*scriptVM) []*lua.LFunction, build func(*lua.LState) *lua.LTable) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	fns := hooks(vm)
	if len(fns) == 0 {
		return
	}
	arg := build(vm.state)
	for _, fn := range fns {
		err := vm.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, arg)
		if err != nil {
			e.logger.Warn("script hook error", "id", vm.id, "err", err)
		}
	}
}

func readingTable(L *lua.LState, r *telemetry.CommittedReading) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("owner", lua.LString(r.OwnerID))
	t.RawSetString("address", lua.LString(r.Address))
	t.RawSetString("voltage", lua.LNumber(r.Voltage))
	t.RawSetString("current", lua.LNumber(r.Current))
	t.RawSetString("power_factor", lua.LNumber(r.PowerFactor))
	t.RawSetString("active_power", lua.LNumber(r.ActivePower))
	t.RawSetString("reactive_power", lua.LNumber(r.ReactivePow))
	t.RawSetString("apparent_power", lua.LNumber(r.ApparentPow))
	t.RawSetString("frequency", lua.LNumber(r.Frequency))
	t.RawSetString("health_status", lua.LString(r.HealthStatus))
	return t
}

func alertTable(L *lua.LState, a *store.AlertEntry) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("owner", lua.LString(a.OwnerID))
	t.RawSetString("address", lua.LString(a.Address))
	t.RawSetString("switch_name", lua.LString(a.SwitchName))
	t.RawSetString("message", lua.LString(a.Message))
	t.RawSetString("health_status", lua.LString(a.HealthStatus))
	t.RawSetString("broker_url", lua.LString(a.BrokerURL))
	return t
}

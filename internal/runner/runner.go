// Package runner sequences bench scripts through the setup, test, reset and
// teardown lifecycle and turns each run into an Outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"launcher-ate/internal/events"
	"launcher-ate/internal/script"
)

var (
	// ErrMissingEntryPoint is reported when a script defines no run function.
	ErrMissingEntryPoint = errors.New("missing entry point")
	// ErrNoVerdict is reported for tests that finish without success or fail
	// when Config.RequireVerdict is set.
	ErrNoVerdict = errors.New("finished without success or fail")
)

// State is the orchestrator's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateRunningSetup
	StateRunningTest
	StateRunningReset
	StateRunningTeardown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunningSetup:
		return "running_setup"
	case StateRunningTest:
		return "running_test"
	case StateRunningReset:
		return "running_reset"
	case StateRunningTeardown:
		return "running_teardown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config names the lifecycle actions and sets the verdict policy.
type Config struct {
	SetupAction    string
	ResetAction    string
	TeardownAction string
	// RequireVerdict fails tests whose entry point returns without calling
	// success or fail. Actions always pass on normal return.
	RequireVerdict bool
}

func (c Config) withDefaults() Config {
	if c.SetupAction == "" {
		c.SetupAction = "setup"
	}
	if c.ResetAction == "" {
		c.ResetAction = "reset"
	}
	if c.TeardownAction == "" {
		c.TeardownAction = "teardown"
	}
	return c
}

// Runner runs campaigns one script at a time.
type Runner struct {
	loader *script.Loader
	suite  *script.Suite
	exec   *ExecContext
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	running bool
}

// New creates a runner. bus may be nil.
func New(loader *script.Loader, suite *script.Suite, exec *ExecContext, bus *events.Bus, cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		loader: loader,
		suite:  suite,
		exec:   exec,
		bus:    bus,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "runner"),
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	r.mu.Unlock()
	if changed {
		r.bus.Emit(events.StateChanged, events.Fields{"state": s.String()})
	}
}

// RunAll runs setup, every test in discovery order with reset after each,
// then teardown. Actions that are absent are skipped. Cancelling ctx stops
// the campaign between steps; the partial result is returned with ctx's
// error.
func (r *Runner) RunAll(ctx context.Context) (*CampaignResult, error) {
	res, err := r.begin("all")
	if err != nil {
		return nil, err
	}
	defer r.end(res)

	if r.suite.HasAction(r.cfg.SetupAction) {
		r.runStep(ctx, StateRunningSetup, r.suite.ActionsDir, r.cfg.SetupAction, KindAction)
	}
	for _, name := range r.suite.Tests {
		if err := ctx.Err(); err != nil {
			return r.abort(res, err)
		}
		res.add(r.runStep(ctx, StateRunningTest, r.suite.TestsDir, name, KindTest))

		if r.suite.HasAction(r.cfg.ResetAction) {
			if err := ctx.Err(); err != nil {
				return r.abort(res, err)
			}
			r.runStep(ctx, StateRunningReset, r.suite.ActionsDir, r.cfg.ResetAction, KindAction)
		}
	}
	if r.suite.HasAction(r.cfg.TeardownAction) {
		if err := ctx.Err(); err != nil {
			return r.abort(res, err)
		}
		r.runStep(ctx, StateRunningTeardown, r.suite.ActionsDir, r.cfg.TeardownAction, KindAction)
	}
	return res, nil
}

// RunSingle runs setup and then the named test. No reset or teardown runs.
func (r *Runner) RunSingle(ctx context.Context, name string) (*CampaignResult, error) {
	name = strings.TrimSuffix(name, script.Ext)
	res, err := r.begin("single")
	if err != nil {
		return nil, err
	}
	defer r.end(res)

	if r.suite.HasAction(r.cfg.SetupAction) {
		r.runStep(ctx, StateRunningSetup, r.suite.ActionsDir, r.cfg.SetupAction, KindAction)
	}
	if err := ctx.Err(); err != nil {
		return r.abort(res, err)
	}
	res.add(r.runStep(ctx, StateRunningTest, r.suite.TestsDir, name, KindTest))
	return res, nil
}

func (r *Runner) begin(mode string) (*CampaignResult, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, errors.New("campaign already running")
	}
	r.running = true
	r.mu.Unlock()

	res := newCampaignResult(uuid.New().String(), mode)
	r.logger.Info("campaign started", "id", res.ID, "mode", mode, "tests", len(r.suite.Tests))
	r.bus.Emit(events.CampaignStarted, events.Fields{
		"id":    res.ID,
		"mode":  mode,
		"tests": r.suite.Tests,
	})
	return res, nil
}

func (r *Runner) end(res *CampaignResult) {
	res.Finished = time.Now()
	r.setState(StateIdle)

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.logger.Info("campaign finished", "id", res.ID, "tests", res.Len(), "failed", res.Failed(),
		"aborted", res.Aborted, "duration", res.Duration())
	r.bus.Emit(events.CampaignFinished, events.Fields{
		"id":       res.ID,
		"mode":     res.Mode,
		"passed":   res.Passed(),
		"failed":   res.Failed(),
		"tests":    res.Len(),
		"aborted":  res.Aborted,
		"duration": res.Duration().Seconds(),
	})
}

func (r *Runner) abort(res *CampaignResult, err error) (*CampaignResult, error) {
	res.Aborted = true
	r.logger.Warn("campaign aborted", "id", res.ID, "err", err)
	return res, fmt.Errorf("campaign %s aborted: %w", res.ID, err)
}

// runStep loads, runs and unloads one script. It always returns an Outcome;
// failures local to the script never escape.
func (r *Runner) runStep(ctx context.Context, state State, dir, name string, kind Kind) (out Outcome) {
	r.setState(state)
	start := time.Now()
	r.logger.Info("step started", "name", name, "kind", kind)
	r.bus.Emit(events.StepStarted, events.Fields{"name": name, "kind": string(kind)})

	defer func() {
		out.Name, out.Kind = name, kind
		out.Elapsed = time.Since(start)
		r.logger.Info("step finished", "name", name, "kind", kind, "passed", out.Passed,
			"msg", out.Message, "elapsed", fmt.Sprintf("%.2fs", out.ElapsedSeconds()))
		r.bus.Emit(events.StepFinished, events.Fields{
			"name":    name,
			"kind":    string(kind),
			"passed":  out.Passed,
			"message": out.Message,
			"elapsed": out.ElapsedSeconds(),
		})
	}()

	s, err := r.loader.Load(dir, name)
	if err != nil {
		r.logger.Error("load script", "name", name, "err", err)
		return Outcome{Passed: false, Message: err.Error()}
	}
	defer r.loader.Unload(s.Name)

	return r.invoke(ctx, s, kind)
}

func (r *Runner) invoke(ctx context.Context, s *script.Script, kind Kind) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("script panic", "name", s.Name, "panic", p, "stack", string(debug.Stack()))
			out = Outcome{Passed: false, Message: fmt.Sprintf("panic: %v", p)}
		}
	}()

	fn, ok := s.Entry()
	if !ok {
		r.logger.Warn("script has no entry point", "name", s.Name, "entry", script.EntryPoint)
		return Outcome{Passed: false, Message: ErrMissingEntryPoint.Error()}
	}

	v, err := r.exec.call(ctx, s.L, fn)
	switch {
	case v != nil:
		return Outcome{Passed: v.passed, Message: v.message}
	case err != nil:
		msg, trace := describe(err)
		r.logger.Error("script error", "name", s.Name, "err", msg, "trace", trace)
		return Outcome{Passed: false, Message: msg}
	case kind == KindTest && r.cfg.RequireVerdict:
		return Outcome{Passed: false, Message: ErrNoVerdict.Error()}
	default:
		return Outcome{Passed: true, Message: "completed"}
	}
}

// describe splits a Lua error into its message and stack trace.
func describe(err error) (msg, trace string) {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String(), apiErr.StackTrace
	}
	return err.Error(), ""
}

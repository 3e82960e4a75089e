package automation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rustyeddy/homehub/service"
)

// errRunStopped is returned internally by a ConditionStep whose guard
// failed, or a StopStep with Error=false: it halts the run without
// being surfaced to the caller as a failure.
var errRunStopped = errors.New("automation: run stopped")

// StopError wraps errRunStopped for a StopStep invoked with Error=true,
// so callers can distinguish a deliberate failing stop from a
// successful early exit.
type StopError struct {
	Reason string
}

func (e *StopError) Error() string { return "automation: " + e.Reason }
func (e *StopError) Unwrap() error { return errRunStopped }

// RunContext carries the state threaded through one rule run: the
// trigger that started it, accumulated variables, and the engine
// dependencies steps need (service dispatch, templates, state reads).
type RunContext struct {
	engine  *Engine
	ruleID  string
	trigger TriggerContext
	vars    map[string]any
}

// templateVars exposes this run's bindings the way the evaluator
// expects them (spec §4.5: `trigger`, `this`, `now`, plus the scoped
// `variables` flattened in at top level).
func (rc *RunContext) templateVars() templateVars {
	tv := templateVars{
		"trigger": rc.trigger,
		"this":    rc.ruleID,
		"now":     time.Now(),
	}
	for k, v := range rc.vars {
		tv[k] = v
	}
	return tv
}

// templateVars adapts a RunContext into template.Vars without the
// automation package importing template's Vars type directly into its
// public surface (keeps RunContext decoupled from the evaluator's
// concrete map shape).
type templateVars map[string]any

// Step is one action in a rule's ordered sequence (spec §4.4). Run
// blocks until the step completes, its suspension point observes ctx
// cancellation, or an error occurs. Cancellation surfaces as
// ctx.Err().
type Step interface {
	Run(ctx context.Context, rc *RunContext) error
}

// ServiceStep invokes a service through the dispatcher.
type ServiceStep struct {
	Domain  string
	Service string
	Target  service.Target
	Data    map[string]any
}

func (s ServiceStep) Run(ctx context.Context, rc *RunContext) error {
	return rc.engine.services.Call(ctx, s.Domain, s.Service, s.Target, s.Data)
}

// DelayStep suspends the run for Duration, honoring cancellation.
type DelayStep struct {
	Duration time.Duration
}

func (s DelayStep) Run(ctx context.Context, rc *RunContext) error {
	t := time.NewTimer(s.Duration)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTemplateStep suspends until Expr evaluates truthy or Timeout
// elapses (spec §5: "every wait_template has a mandatory timeout,
// default 5 minutes"). Polling interval is fixed and small since the
// evaluator is cheap and side-effect free.
type WaitTemplateStep struct {
	Expr    string
	Timeout time.Duration
}

// DefaultWaitTemplateTimeout is applied when a WaitTemplateStep omits
// Timeout.
const DefaultWaitTemplateTimeout = 5 * time.Minute

const waitTemplatePollInterval = 100 * time.Millisecond

func (s WaitTemplateStep) Run(ctx context.Context, rc *RunContext) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultWaitTemplateTimeout
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitTemplatePollInterval)
	defer ticker.Stop()

	for {
		ok, err := rc.engine.templates.EvaluateBool(ctx, s.Expr, templateVarsAsMap(rc.templateVars()))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ChooseBranch pairs a guard with the steps to run when it holds.
type ChooseBranch struct {
	Conditions []Condition
	Steps      []Step
}

// ChooseStep runs the first branch whose conditions all hold, or
// Default if none do.
type ChooseStep struct {
	Branches []ChooseBranch
	Default  []Step
}

func (s ChooseStep) Run(ctx context.Context, rc *RunContext) error {
	for _, b := range s.Branches {
		ok, err := evaluateAll(ctx, b.Conditions, rc)
		if err != nil {
			return err
		}
		if ok {
			return runSteps(ctx, b.Steps, rc)
		}
	}
	return runSteps(ctx, s.Default, rc)
}

// RepeatStep loops its Steps either Count times or while While holds,
// whichever is supplied (Count takes precedence if both are set).
type RepeatStep struct {
	Count int
	While Condition
	Steps []Step
}

func (s RepeatStep) Run(ctx context.Context, rc *RunContext) error {
	if s.Count > 0 {
		for i := 0; i < s.Count; i++ {
			if err := runSteps(ctx, s.Steps, rc); err != nil {
				return err
			}
		}
		return nil
	}
	for s.While != nil {
		ok, err := s.While.Evaluate(ctx, rc)
		if err != nil || !ok {
			return err
		}
		if err := runSteps(ctx, s.Steps, rc); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// VariablesStep merges Vars into the run's variable bindings.
type VariablesStep struct {
	Vars map[string]any
}

func (s VariablesStep) Run(ctx context.Context, rc *RunContext) error {
	if rc.vars == nil {
		rc.vars = map[string]any{}
	}
	for k, v := range s.Vars {
		rc.vars[k] = v
	}
	return nil
}

// ConditionStep is an inline guard: if any condition fails, the run
// stops without error (spec §4.4: "failure stops the run without
// error").
type ConditionStep struct {
	Conditions []Condition
}

func (s ConditionStep) Run(ctx context.Context, rc *RunContext) error {
	ok, err := evaluateAll(ctx, s.Conditions, rc)
	if err != nil {
		return err
	}
	if !ok {
		return errRunStopped
	}
	return nil
}

// ParallelStep runs each branch concurrently and waits for every
// branch to return; if ctx was cancelled meanwhile it then returns
// ctx.Err(). [EXPANSION]:
// grounded on the teacher's rules.Runner.Run fan-out/fan-in
// (sync.WaitGroup + error channel), generalized from "one goroutine
// per top-level rule" to "one goroutine per branch of one step".
type ParallelStep struct {
	Branches [][]Step
}

func (s ParallelStep) Run(ctx context.Context, rc *RunContext) error {
	errCh := make(chan error, len(s.Branches))
	var wg sync.WaitGroup

	for _, branch := range s.Branches {
		wg.Add(1)
		go func(steps []Step) {
			defer wg.Done()
			// Each branch gets its own variable scope copy so
			// concurrent branches don't race on rc.vars.
			branchRC := &RunContext{engine: rc.engine, ruleID: rc.ruleID, trigger: rc.trigger, vars: copyVars(rc.vars)}
			if err := runSteps(ctx, steps, branchRC); err != nil {
				errCh <- err
			}
		}(branch)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		<-done
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// StopStep halts the run immediately. [EXPANSION]: a common upstream
// action type whose absence would make YAML fixtures drawn from the
// real ecosystem fail to load.
type StopStep struct {
	Reason string
	Error  bool
}

func (s StopStep) Run(ctx context.Context, rc *RunContext) error {
	if s.Error {
		return &StopError{Reason: s.Reason}
	}
	return errRunStopped
}

func runSteps(ctx context.Context, steps []Step, rc *RunContext) error {
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := step.Run(ctx, rc); err != nil {
			var stopErr *StopError
			if errors.Is(err, errRunStopped) && !errors.As(err, &stopErr) {
				return nil
			}
			return err
		}
	}
	return nil
}

func copyVars(v map[string]any) map[string]any {
	cp := make(map[string]any, len(v))
	for k, val := range v {
		cp[k] = val
	}
	return cp
}

func templateVarsAsMap(tv templateVars) map[string]any {
	return map[string]any(tv)
}

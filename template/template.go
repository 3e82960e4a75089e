// Package template implements the sandboxed expression/template
// evaluator (spec §4.5): a read-only engine over entity state
// snapshots, with `states`, `state_attr`, `is_state`, `is_state_attr`,
// `now`, and small collection helpers, bounded by a per-call opcode
// budget.
//
// No direct teacher equivalent exists in rustyeddy-otto; the pattern —
// a restricted evaluation environment built from a general expression
// library plus host functions — is grounded on R3E-Network/service_layer's
// use of github.com/PaesslerAG/gval (pulled in there indirectly via
// jsonpath). gval's base/arithmetic/text extensions give arithmetic,
// comparison and string formatting for free; everything state-aware is
// added here as host functions.
package template

import (
	"context"
	"fmt"
	"time"

	"github.com/PaesslerAG/gval"

	"github.com/rustyeddy/homehub/internal/errs"
	"github.com/rustyeddy/homehub/state"
)

// DefaultOpBudget is the default per-call ceiling on host-function
// invocations (spec §4.5: "an opcode counter... checked against a
// ceiling, default 10,000").
const DefaultOpBudget = 10_000

// Evaluator evaluates gval expressions against a read-only view of a
// state.Store. It never mutates state and never performs I/O.
type Evaluator struct {
	states   *state.Store
	opBudget int
}

// New creates an Evaluator reading from states, with the default
// opcode budget.
func New(states *state.Store) *Evaluator {
	return &Evaluator{states: states, opBudget: DefaultOpBudget}
}

// WithOpBudget returns a copy of e with a different per-call opcode
// ceiling.
func (e *Evaluator) WithOpBudget(n int) *Evaluator {
	cp := *e
	cp.opBudget = n
	return &cp
}

// budget is a per-Evaluate-call counter. Every exposed host function
// increments it and fails once the ceiling is crossed, rather than
// letting gval itself run unbounded.
type budget struct {
	remaining int
}

func (b *budget) tick() error {
	if b.remaining <= 0 {
		return errs.New(errs.BudgetExceeded, "template evaluation exceeded opcode budget")
	}
	b.remaining--
	return nil
}

// Vars are the rule-scoped bindings exposed to a template in addition
// to the host functions: `trigger`, `this`, and any automation
// `variables`.
type Vars map[string]any

// Evaluate compiles and runs expr against the current state store and
// the supplied variable bindings. It returns errs.Validation for a
// malformed expression and errs.BudgetExceeded if the opcode ceiling is
// exceeded mid-evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, expr string, vars Vars) (any, error) {
	b := &budget{remaining: e.opBudget}
	lang := e.language(b)

	params := map[string]any{}
	for k, v := range vars {
		params[k] = v
	}

	val, err := lang.Evaluate(expr, params)
	if err != nil {
		if errs.Is(err, errs.BudgetExceeded) {
			return nil, err
		}
		return nil, errs.Wrap(errs.Validation, err, "template evaluation failed")
	}
	return val, nil
}

// EvaluateBool is a convenience wrapper for condition-style templates
// (spec §4.4 condition steps), coercing the result to a bool.
func (e *Evaluator) EvaluateBool(ctx context.Context, expr string, vars Vars) (bool, error) {
	v, err := e.Evaluate(ctx, expr, vars)
	if err != nil {
		return false, err
	}
	switch tv := v.(type) {
	case bool:
		return tv, nil
	case nil:
		return false, nil
	default:
		return false, errs.New(errs.Validation, "template result %v is not a boolean", v)
	}
}

func (e *Evaluator) language(b *budget) gval.Language {
	return gval.NewLanguage(
		gval.Base(),
		gval.Arithmetic(),
		gval.Text(),
		gval.PropositionalLogic(),

		gval.Function("states", e.hostStates(b)),
		gval.Function("state_attr", e.hostStateAttr(b)),
		gval.Function("is_state", e.hostIsState(b)),
		gval.Function("is_state_attr", e.hostIsStateAttr(b)),
		gval.Function("now", e.hostNow(b)),
		gval.Function("min", e.hostMin(b)),
		gval.Function("max", e.hostMax(b)),
		gval.Function("count", e.hostCount(b)),
	)
}

func (e *Evaluator) hostStates(b *budget) func(string) (any, error) {
	return func(entityID string) (any, error) {
		if err := b.tick(); err != nil {
			return nil, err
		}
		ent, ok := e.states.Get(entityID)
		if !ok {
			return "unknown", nil
		}
		return ent.State, nil
	}
}

func (e *Evaluator) hostStateAttr(b *budget) func(string, string) (any, error) {
	return func(entityID, attr string) (any, error) {
		if err := b.tick(); err != nil {
			return nil, err
		}
		ent, ok := e.states.Get(entityID)
		if !ok {
			return nil, nil
		}
		return ent.Attributes[attr], nil
	}
}

func (e *Evaluator) hostIsState(b *budget) func(string, string) (any, error) {
	return func(entityID, want string) (any, error) {
		if err := b.tick(); err != nil {
			return nil, err
		}
		ent, ok := e.states.Get(entityID)
		if !ok {
			return false, nil
		}
		return ent.State == want, nil
	}
}

func (e *Evaluator) hostIsStateAttr(b *budget) func(string, string, any) (any, error) {
	return func(entityID, attr string, want any) (any, error) {
		if err := b.tick(); err != nil {
			return nil, err
		}
		ent, ok := e.states.Get(entityID)
		if !ok {
			return false, nil
		}
		return fmt.Sprintf("%v", ent.Attributes[attr]) == fmt.Sprintf("%v", want), nil
	}
}

func (e *Evaluator) hostNow(b *budget) func() (any, error) {
	return func() (any, error) {
		if err := b.tick(); err != nil {
			return nil, err
		}
		return time.Now().UTC(), nil
	}
}

func (e *Evaluator) hostMin(b *budget) func(...float64) (any, error) {
	return func(vs ...float64) (any, error) {
		if err := b.tick(); err != nil {
			return nil, err
		}
		if len(vs) == 0 {
			return nil, errs.New(errs.Validation, "min() requires at least one argument")
		}
		m := vs[0]
		for _, v := range vs[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	}
}

func (e *Evaluator) hostMax(b *budget) func(...float64) (any, error) {
	return func(vs ...float64) (any, error) {
		if err := b.tick(); err != nil {
			return nil, err
		}
		if len(vs) == 0 {
			return nil, errs.New(errs.Validation, "max() requires at least one argument")
		}
		m := vs[0]
		for _, v := range vs[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	}
}

func (e *Evaluator) hostCount(b *budget) func(...any) (any, error) {
	return func(vs ...any) (any, error) {
		if err := b.tick(); err != nil {
			return nil, err
		}
		n := 0
		for _, v := range vs {
			if tv, ok := v.(bool); ok && tv {
				n++
			}
		}
		return n, nil
	}
}

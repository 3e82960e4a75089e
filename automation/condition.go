package automation

import (
	"context"
	"time"
)

// Condition is a tagged record gating action execution (spec §4.4).
type Condition interface {
	Evaluate(ctx context.Context, rc *RunContext) (bool, error)
}

// StateCondition requires EntityID to currently equal State.
type StateCondition struct {
	EntityID string
	State    string
}

func (c StateCondition) Evaluate(ctx context.Context, rc *RunContext) (bool, error) {
	ent, ok := rc.engine.states.Get(c.EntityID)
	if !ok {
		return false, nil
	}
	return ent.State == c.State, nil
}

// TemplateCondition requires Expr to evaluate truthy against the
// current state snapshot and the run's variables.
type TemplateCondition struct {
	Expr string
}

func (c TemplateCondition) Evaluate(ctx context.Context, rc *RunContext) (bool, error) {
	return rc.engine.templates.EvaluateBool(ctx, c.Expr, templateVarsAsMap(rc.templateVars()))
}

// TimeCondition requires the current local wall-clock time to fall
// within [After, Before) (HH:MM:SS); an empty bound is unconstrained.
// When both are set and Before < After, the window wraps midnight
// (e.g. After=22:00:00, Before=06:00:00 holds from 22:00 through 06:00).
type TimeCondition struct {
	After  string
	Before string
}

func (c TimeCondition) Evaluate(ctx context.Context, rc *RunContext) (bool, error) {
	cur := time.Now().Format("15:04:05")

	if c.After != "" && c.Before != "" && c.Before < c.After {
		return cur >= c.After || cur < c.Before, nil
	}
	if c.After != "" && cur < c.After {
		return false, nil
	}
	if c.Before != "" && cur >= c.Before {
		return false, nil
	}
	return true, nil
}

// AndCondition requires every sub-condition to hold.
type AndCondition struct {
	Conditions []Condition
}

func (c AndCondition) Evaluate(ctx context.Context, rc *RunContext) (bool, error) {
	for _, sub := range c.Conditions {
		ok, err := sub.Evaluate(ctx, rc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrCondition requires at least one sub-condition to hold.
type OrCondition struct {
	Conditions []Condition
}

func (c OrCondition) Evaluate(ctx context.Context, rc *RunContext) (bool, error) {
	for _, sub := range c.Conditions {
		ok, err := sub.Evaluate(ctx, rc)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// NotCondition negates a single sub-condition.
type NotCondition struct {
	Condition Condition
}

func (c NotCondition) Evaluate(ctx context.Context, rc *RunContext) (bool, error) {
	ok, err := c.Condition.Evaluate(ctx, rc)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func evaluateAll(ctx context.Context, conds []Condition, rc *RunContext) (bool, error) {
	for _, c := range conds {
		ok, err := c.Evaluate(ctx, rc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

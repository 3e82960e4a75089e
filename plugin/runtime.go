package plugin

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/rustyeddy/homehub/internal/errs"
	"github.com/rustyeddy/homehub/service"
	"github.com/rustyeddy/homehub/state"
)

// opsPerMillisecond approximates goja's execution rate so an operation
// budget (spec §4.12: "instruction or fuel budget... default 1,000,000
// units") can be enforced through rt.Interrupt, which goja's dispatch
// loop polls between VM instructions. goja does not expose a raw
// instruction counter in its public API, so the budget is translated
// into a wall-clock watchdog deadline rather than a true per-op count;
// see DESIGN.md.
const opsPerMillisecond = 50_000

type fuelExceeded struct{}

// newRuntime builds a fresh goja VM with the host-call surface bound
// in, and evaluates p's source to register its lifecycle functions.
// A fresh VM per invocation means plugins cannot retain references to
// host objects across calls (spec §4.12).
func (h *Host) newRuntime(ctx context.Context, p *Plugin) (*goja.Runtime, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := rt.Set("log", h.hostLog(p)); err != nil {
		return nil, err
	}
	if err := rt.Set("get_state", h.hostGetState()); err != nil {
		return nil, err
	}
	if err := rt.Set("set_state", h.hostSetState()); err != nil {
		return nil, err
	}
	if err := rt.Set("call_service", h.hostCallService(ctx)); err != nil {
		return nil, err
	}
	if err := rt.Set("http_get", h.hostHTTPGet(ctx)); err != nil {
		return nil, err
	}
	if err := rt.Set("http_post", h.hostHTTPPost(ctx)); err != nil {
		return nil, err
	}

	if _, err := rt.RunScript(p.Name+".js", p.Source); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "plugin %s: load failed", p.Name)
	}
	return rt, nil
}

// invoke calls the zero-or-more-argument hook fn on p, metering fuel
// and translating goja faults into errs.Kind values. A missing hook
// returns errs.NotFound so callers can treat it as "skip" (spec §4.12:
// "plugins missing a callback skip that event").
func (h *Host) invoke(ctx context.Context, p *Plugin, hook string, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rt, err := h.newRuntime(ctx, p)
	if err != nil {
		p.degraded = true
		return err
	}

	fnVal := rt.Get(hook)
	if fnVal == nil || goja.IsUndefined(fnVal) {
		return errs.New(errs.NotFound, "plugin %s: no %s hook", p.Name, hook)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return errs.New(errs.NotFound, "plugin %s: %s is not a function", p.Name, hook)
	}

	budget := h.opBudget
	if budget <= 0 {
		budget = DefaultOpBudget
	}
	deadline := time.Duration(budget) * time.Millisecond / opsPerMillisecond
	if deadline <= 0 {
		deadline = time.Millisecond
	}

	timer := time.AfterFunc(deadline, func() { rt.Interrupt(fuelExceeded{}) })
	defer timer.Stop()

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = rt.ToValue(a)
	}

	_, callErr := fn(goja.Undefined(), jsArgs...)
	if callErr != nil {
		p.degraded = true
		if _, ok := callErr.(*goja.InterruptedError); ok {
			return errs.New(errs.BudgetExceeded, "plugin %s: %s exceeded fuel budget", p.Name, hook)
		}
		return errs.Wrap(errs.Runtime, callErr, "plugin %s: %s failed", p.Name, hook)
	}
	p.degraded = false
	return nil
}

func (h *Host) invokeOnStateChanged(ctx context.Context, p *Plugin, sc *state.StateChange) error {
	var oldState, newState string
	if sc.OldState != nil {
		oldState = sc.OldState.State
	}
	if sc.NewState != nil {
		newState = sc.NewState.State
	}
	return h.invoke(ctx, p, "on_state_changed", sc.EntityID, oldState, newState)
}

// hostLog exposes log(level, message) to plugins (spec §4.12: "log at
// four levels").
func (h *Host) hostLog(p *Plugin) func(level, msg string) {
	return func(level, msg string) {
		args := []any{"plugin", p.Name}
		switch strings.ToLower(level) {
		case "debug":
			h.log.Debug(msg, args...)
		case "warn", "warning":
			h.log.Warn(msg, args...)
		case "error":
			h.log.Error(msg, args...)
		default:
			h.log.Info(msg, args...)
		}
	}
}

func (h *Host) hostGetState() func(entityID string) map[string]any {
	return func(entityID string) map[string]any {
		ent, ok := h.states.Get(entityID)
		if !ok {
			return nil
		}
		return map[string]any{
			"entity_id":  ent.ID,
			"state":      ent.State,
			"attributes": ent.Attributes,
		}
	}
}

func (h *Host) hostSetState() func(entityID, newState string, attrs map[string]any) {
	return func(entityID, newState string, attrs map[string]any) {
		h.states.Set(entityID, newState, attrs)
	}
}

func (h *Host) hostCallService(ctx context.Context) func(domain, svc string, target map[string]any, data map[string]any) error {
	return func(domain, svc string, target map[string]any, data map[string]any) error {
		t := decodePluginTarget(target)
		return h.services.Call(ctx, domain, svc, t, data)
	}
}

func decodePluginTarget(m map[string]any) service.Target {
	var t service.Target
	if v, ok := m["entity_id"].(string); ok {
		t.EntityID = v
	}
	if v, ok := m["area_id"].(string); ok {
		t.AreaID = v
	}
	if v, ok := m["label_id"].(string); ok {
		t.LabelID = v
	}
	if v, ok := m["all"].(bool); ok {
		t.All = v
	}
	if v, ok := m["entity_ids"].([]any); ok {
		for _, e := range v {
			if s, ok := e.(string); ok {
				t.EntityIDs = append(t.EntityIDs, s)
			}
		}
	}
	return t
}

// hostHTTPGet and hostHTTPPost expose bounded outbound HTTP to plugins
// (spec §4.12/§5: "a per-call timeout"). The per-invocation ctx already
// carries the 30s dispatch ceiling; h.httpClient additionally caps each
// call at DefaultHTTPTimeout.
func (h *Host) hostHTTPGet(ctx context.Context) func(url string) (map[string]any, error) {
	return func(url string) (map[string]any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		return h.doHTTP(req)
	}
}

func (h *Host) hostHTTPPost(ctx context.Context) func(url, body string) (map[string]any, error) {
	return func(url, body string) (map[string]any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return h.doHTTP(req)
	}
}

func (h *Host) doHTTP(req *http.Request) (map[string]any, error) {
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}

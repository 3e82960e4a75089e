package automation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rustyeddy/homehub/bus"
	"github.com/rustyeddy/homehub/internal/errs"
	"github.com/rustyeddy/homehub/service"
	"github.com/rustyeddy/homehub/state"
	"github.com/rustyeddy/homehub/template"
)

// MQTT is the slice of messenger.Messenger an MQTTTrigger needs:
// subscribe to a topic and later tear the subscription down. Kept as
// a narrow local interface (rather than importing messenger directly)
// so the engine's trigger wiring stays testable without a broker.
type MQTT interface {
	Sub(topic string, handler func(topic string, payload []byte)) error
	Unsub(topics ...string)
}

// Engine loads a set of Rules and runs them: it wires each rule's
// triggers onto the state/event bus, the scheduler, and (optionally)
// MQTT, arbitrates concurrent runs per the rule's Mode, and evaluates
// conditions/actions through RunContext.
//
// Grounded on the teacher's rules.Runner (one goroutine per rule,
// context-driven cancellation, error reporting) generalized from "one
// fixed rule set wired at startup" to "Load/Reload an arbitrary rule
// set at runtime" and from hardware-trigger-only to
// state/time/sun/mqtt/event triggers.
type Engine struct {
	states    *state.Store
	services  *service.Registry
	templates *template.Evaluator
	bus       *bus.Bus
	mqtt      MQTT
	log       *slog.Logger

	sched *scheduler

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	rules     map[string]*runningRule
	debounce  map[debounceKey]context.CancelFunc
}

// debounceKey identifies one StateTrigger's pending "for" timer.
type debounceKey struct {
	ruleID   string
	trigIdx  int
	entityID string
}

// runningRule is the live state for one loaded Rule: its definition,
// observable stats, and the concurrency bookkeeping Mode arbitration
// needs.
type runningRule struct {
	rule  Rule
	stats Stats

	statsMu sync.Mutex

	sub *bus.Subscription // state/event triggers, nil if the rule has none

	modeMu sync.Mutex
	active int                // running instance count
	cancel context.CancelFunc // most recent run's cancel, for ModeRestart
	queue  chan struct{}      // depth-bounded slot semaphore, for ModeQueued
	tail   chan struct{}      // closed when the newest queued run finishes, for ModeQueued
}

// New creates an Engine. loc is the observer location used for sun
// triggers; the zero Location computes sunrise/sunset at (0,0), which
// is harmless for rule sets with no SunTrigger.
func New(states *state.Store, services *service.Registry, templates *template.Evaluator, b *bus.Bus, mqtt MQTT, log *slog.Logger, loc Location) *Engine {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		states:    states,
		services:  services,
		templates: templates,
		bus:       b,
		mqtt:      mqtt,
		log:       log,
		sched:     newScheduler(loc),
		runCtx:    ctx,
		runCancel: cancel,
		rules:     make(map[string]*runningRule),
		debounce:  make(map[debounceKey]context.CancelFunc),
	}
}

// Start begins the scheduler. Bus listeners for state/event triggers
// are started per rule by Load, so Load may be called before or after
// Start.
func (e *Engine) Start() {
	e.sched.Start()
}

// Stop cancels every in-flight run, tears down every trigger, and
// waits (bounded by ctx) for running actions to return.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	ruleIDs := make([]string, 0, len(e.rules))
	for id := range e.rules {
		ruleIDs = append(ruleIDs, id)
	}
	e.mu.Unlock()

	for _, id := range ruleIDs {
		e.unloadRule(id)
	}
	e.sched.Stop()
	e.runCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Load replaces the entire loaded rule set with rules: every
// previously loaded rule is unloaded first (its triggers torn down and
// a running restart-mode run cancelled), then each new rule is loaded.
// e.mu is taken per rule rather than across the whole swap, so the
// replacement is not atomic with respect to triggers firing meanwhile.
func (e *Engine) Load(rules []Rule) error {
	e.mu.Lock()
	existing := make([]string, 0, len(e.rules))
	for id := range e.rules {
		existing = append(existing, id)
	}
	e.mu.Unlock()

	for _, id := range existing {
		e.unloadRule(id)
	}

	for _, r := range rules {
		if err := e.loadRule(r); err != nil {
			return err
		}
	}
	return nil
}

// Reload is Load under another name, kept distinct because callers
// (config file watchers, the REST reload endpoint) reach for the verb
// that matches their intent; behavior is identical.
func (e *Engine) Reload(rules []Rule) error { return e.Load(rules) }

func (e *Engine) loadRule(r Rule) error {
	if r.Mode == "" {
		r.Mode = ModeSingle
	}
	rr := &runningRule{rule: r}
	if r.Mode == ModeQueued {
		depth := r.QueueDepth
		if depth <= 0 {
			depth = DefaultQueueDepth
		}
		rr.queue = make(chan struct{}, depth)
	}

	needsBusSub := false
	for _, trig := range r.Triggers {
		switch t := trig.(type) {
		case StateTrigger, EventTrigger:
			needsBusSub = true
		case MQTTTrigger:
			if e.mqtt == nil {
				continue
			}
			topic := t.Topic
			payload := t.Payload
			if err := e.mqtt.Sub(topic, func(gotTopic string, body []byte) {
				if payload != "" && string(body) != payload {
					return
				}
				e.dispatch(rr, TriggerContext{
					Kind:    "mqtt",
					Topic:   gotTopic,
					Payload: string(body),
					FiredAt: time.Now(),
				})
			}); err != nil {
				e.log.Warn("automation: mqtt trigger subscribe failed", "rule", r.ID, "topic", topic, "error", err)
			}
		case TimeTrigger:
			if err := e.sched.addTime(r.ID, t, func() {
				e.dispatch(rr, TriggerContext{Kind: "time", FiredAt: time.Now()})
			}); err != nil {
				e.log.Warn("automation: time trigger schedule failed", "rule", r.ID, "error", err)
			}
		case SunTrigger:
			e.sched.addSun(r.ID, t, func() {
				e.dispatch(rr, TriggerContext{Kind: "sun", FiredAt: time.Now()})
			})
		}
	}

	if needsBusSub && e.bus != nil {
		rr.sub = e.bus.Subscribe()
		e.wg.Add(1)
		go e.watchBus(rr)
	}

	e.mu.Lock()
	e.rules[r.ID] = rr
	e.mu.Unlock()
	return nil
}

func (e *Engine) unloadRule(ruleID string) {
	e.mu.Lock()
	rr, ok := e.rules[ruleID]
	delete(e.rules, ruleID)
	e.mu.Unlock()
	if !ok {
		return
	}

	if rr.sub != nil {
		rr.sub.Unsubscribe()
	}
	e.sched.removeRule(ruleID)

	if e.mqtt != nil {
		topics := make([]string, 0)
		for _, trig := range rr.rule.Triggers {
			if t, ok := trig.(MQTTTrigger); ok {
				topics = append(topics, t.Topic)
			}
		}
		if len(topics) > 0 {
			e.mqtt.Unsub(topics...)
		}
	}

	rr.modeMu.Lock()
	if rr.cancel != nil {
		rr.cancel()
	}
	rr.modeMu.Unlock()
}

// watchBus reads rr's bus subscription for the lifetime of the rule,
// matching each event against the rule's StateTrigger/EventTrigger set.
func (e *Engine) watchBus(rr *runningRule) {
	defer e.wg.Done()
	for {
		select {
		case ev, ok := <-rr.sub.C():
			if !ok {
				return
			}
			e.matchAndDispatch(rr, ev)
		case <-e.runCtx.Done():
			return
		}
	}
}

func (e *Engine) matchAndDispatch(rr *runningRule, ev bus.Event) {
	switch v := ev.(type) {
	case *state.StateChange:
		e.matchStateChange(rr, v)
	case Event:
		e.matchEvent(rr, v)
	}
}

func (e *Engine) matchStateChange(rr *runningRule, sc *state.StateChange) {
	oldState := ""
	if sc.OldState != nil {
		oldState = sc.OldState.State
	}
	for idx, trig := range rr.rule.Triggers {
		t, ok := trig.(StateTrigger)
		if !ok || t.EntityID != sc.EntityID {
			continue
		}
		if (t.From != "" && oldState != t.From) || (t.To != "" && sc.NewState.State != t.To) {
			// A state change that leaves the matched set cancels a
			// pending "for" timer.
			if t.For > 0 && oldState != sc.NewState.State {
				key := debounceKey{ruleID: rr.rule.ID, trigIdx: idx, entityID: t.EntityID}
				e.mu.Lock()
				if cancel, ok := e.debounce[key]; ok {
					cancel()
					delete(e.debounce, key)
				}
				e.mu.Unlock()
			}
			continue
		}

		tc := TriggerContext{
			Kind:      "state",
			EntityID:  sc.EntityID,
			FromState: oldState,
			ToState:   sc.NewState.State,
			FiredAt:   sc.FiredAt,
		}

		if t.For <= 0 {
			e.dispatch(rr, tc)
			continue
		}
		e.armDebounce(rr, idx, t, tc)
	}
}

// armDebounce restarts a StateTrigger's "for" timer: the new state
// must persist at least For before the trigger fires, and a further
// state change for the same entity before then cancels it.
func (e *Engine) armDebounce(rr *runningRule, idx int, t StateTrigger, tc TriggerContext) {
	key := debounceKey{ruleID: rr.rule.ID, trigIdx: idx, entityID: t.EntityID}

	e.mu.Lock()
	if cancel, ok := e.debounce[key]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(e.runCtx)
	e.debounce[key] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(t.For)
		defer timer.Stop()
		select {
		case <-timer.C:
			e.mu.Lock()
			delete(e.debounce, key)
			e.mu.Unlock()
			e.dispatch(rr, tc)
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) matchEvent(rr *runningRule, ev Event) {
	for _, trig := range rr.rule.Triggers {
		t, ok := trig.(EventTrigger)
		if !ok || t.EventType != ev.Type {
			continue
		}
		e.dispatch(rr, TriggerContext{
			Kind:      "event",
			EntityID:  ev.EntityID,
			EventType: ev.Type,
			FiredAt:   ev.FiredAt,
		})
	}
}

// dispatch arbitrates a trigger firing against rr.rule.Mode (spec
// §4.4) and, if the mode admits a new run, starts one.
func (e *Engine) dispatch(rr *runningRule, tc TriggerContext) {
	if !rr.rule.Enabled {
		return
	}

	switch rr.rule.Mode {
	case ModeRestart:
		rr.modeMu.Lock()
		if rr.cancel != nil {
			rr.cancel()
		}
		ctx, cancel := context.WithCancel(e.runCtx)
		rr.cancel = cancel
		rr.modeMu.Unlock()
		e.startRun(ctx, rr, tc, cancel)

	case ModeQueued:
		select {
		case rr.queue <- struct{}{}:
			// Each queued run waits for the one admitted before it, so
			// runs execute one at a time in arrival order.
			done := make(chan struct{})
			rr.modeMu.Lock()
			prev := rr.tail
			rr.tail = done
			rr.modeMu.Unlock()
			ctx, cancel := context.WithCancel(e.runCtx)
			e.wg.Add(1)
			go func() {
				defer func() { <-rr.queue }()
				defer close(done)
				if prev != nil {
					<-prev
				}
				e.runOnce(ctx, rr, tc, cancel)
			}()
		default:
			rr.statsMu.Lock()
			rr.stats.Drops++
			rr.statsMu.Unlock()
			e.log.Warn("automation: trigger dropped", "rule", rr.rule.ID, "mode", string(rr.rule.Mode))
		}

	case ModeParallel:
		cap := rr.rule.ParallelCap
		if cap <= 0 {
			cap = DefaultParallelCap
		}
		rr.modeMu.Lock()
		if rr.active >= cap {
			rr.modeMu.Unlock()
			rr.statsMu.Lock()
			rr.stats.Drops++
			rr.statsMu.Unlock()
			e.log.Warn("automation: trigger dropped", "rule", rr.rule.ID, "mode", string(rr.rule.Mode))
			return
		}
		rr.active++
		rr.modeMu.Unlock()
		ctx, cancel := context.WithCancel(e.runCtx)
		e.wg.Add(1)
		go func() {
			defer func() {
				rr.modeMu.Lock()
				rr.active--
				rr.modeMu.Unlock()
			}()
			e.runOnce(ctx, rr, tc, cancel)
		}()

	default: // ModeSingle
		rr.modeMu.Lock()
		if rr.active > 0 {
			rr.modeMu.Unlock()
			rr.statsMu.Lock()
			rr.stats.Overruns++
			rr.statsMu.Unlock()
			e.log.Warn("automation: trigger overrun", "rule", rr.rule.ID, "mode", string(rr.rule.Mode))
			return
		}
		rr.active = 1
		rr.modeMu.Unlock()
		ctx, cancel := context.WithCancel(e.runCtx)
		e.startRun(ctx, rr, tc, cancel)
	}
}

// startRun is the ModeSingle/ModeRestart path: at most one
// concurrently-tracked run, cleared back to idle when it finishes.
func (e *Engine) startRun(ctx context.Context, rr *runningRule, tc TriggerContext, cancel context.CancelFunc) {
	e.wg.Add(1)
	go func() {
		defer func() {
			rr.modeMu.Lock()
			rr.active = 0
			rr.modeMu.Unlock()
		}()
		e.runOnce(ctx, rr, tc, cancel)
	}()
}

func (e *Engine) runOnce(ctx context.Context, rr *runningRule, tc TriggerContext, cancel context.CancelFunc) {
	defer e.wg.Done()
	defer cancel()

	rc := &RunContext{engine: e, ruleID: rr.rule.ID, trigger: tc, vars: map[string]any{}}

	ok, err := evaluateAll(ctx, rr.rule.Conditions, rc)
	if err != nil {
		e.log.Warn("automation: condition evaluation failed", "rule", rr.rule.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	runErr := runSteps(ctx, rr.rule.Actions, rc)

	rr.statsMu.Lock()
	rr.stats.RunCount++
	if runErr == nil {
		now := tc.FiredAt
		if now.IsZero() {
			now = time.Now()
		}
		rr.stats.LastTriggered = &now
	}
	rr.statsMu.Unlock()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		var stopErr *StopError
		if errors.As(runErr, &stopErr) {
			e.log.Info("automation: run stopped", "rule", rr.rule.ID, "reason", stopErr.Reason)
			return
		}
		e.log.Warn("automation: run failed", "rule", rr.rule.ID, "error", runErr)
	}
}

// Stats returns the observable counters for a loaded rule.
func (e *Engine) Stats(ruleID string) (Stats, bool) {
	e.mu.Lock()
	rr, ok := e.rules[ruleID]
	e.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	rr.statsMu.Lock()
	defer rr.statsMu.Unlock()
	return rr.stats, true
}

// Rules returns every currently loaded rule's definition.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, rr := range e.rules {
		out = append(out, rr.rule)
	}
	return out
}

// Fire publishes ev on the bus for any loaded rule's EventTrigger to
// observe (spec: a generic "fire event" action/REST endpoint).
func (e *Engine) Fire(ev Event) {
	if ev.FiredAt.IsZero() {
		ev.FiredAt = time.Now()
	}
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// TriggerManually runs ruleID's actions immediately, as if a matching
// trigger had fired, subject to the rule's normal Mode arbitration
// (spec §4.3: the "automation.trigger" built-in service).
func (e *Engine) TriggerManually(ruleID string) error {
	e.mu.Lock()
	rr, ok := e.rules[ruleID]
	e.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "unknown automation %q", ruleID)
	}
	e.dispatch(rr, TriggerContext{Kind: "manual", FiredAt: time.Now()})
	return nil
}

// SetEnabled flips ruleID's Enabled flag (spec §4.3: the
// "automation.turn_on"/"automation.turn_off" built-in services). A
// disabled rule's triggers stay wired but dispatch is a no-op, matching
// the teacher's "leave the subscription live, gate the effect" idiom
// used elsewhere for Mode arbitration.
func (e *Engine) SetEnabled(ruleID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rr, ok := e.rules[ruleID]
	if !ok {
		return errs.New(errs.NotFound, "unknown automation %q", ruleID)
	}
	rr.rule.Enabled = enabled
	return nil
}

package wsapi

import (
	"context"
	"time"

	"github.com/rustyeddy/homehub/automation"
	"github.com/rustyeddy/homehub/bus"
	"github.com/rustyeddy/homehub/service"
	"github.com/rustyeddy/homehub/state"
	"github.com/rustyeddy/homehub/template"
)

// serviceCallTimeout bounds every call_service command (spec §5:
// "every external HTTP call ... has a declared timeout <= 30s"; the
// same ceiling is applied here since a handler may itself make one).
const serviceCallTimeout = 30 * time.Second

const renderTemplateTimeout = 10 * time.Second

func (c *client) handle(f frame) {
	switch f.Type {
	case "subscribe_events":
		c.subscribeEvents(f)
	case "unsubscribe_events":
		c.unsubscribeEvents(f)
	case "get_states":
		c.getStates(f)
	case "call_service":
		c.callService(f)
	case "get_services":
		c.getServices(f)
	case "ping":
		c.result(f.ID, true, map[string]string{"type": "pong"}, nil)
	case "subscribe_trigger":
		c.subscribeTrigger(f)
	case "render_template":
		c.renderTemplate(f)
	case "fire_event":
		c.fireEvent(f)
	default:
		c.result(f.ID, false, nil, &frameError{Code: "unknown_command", Message: "unrecognized command type " + f.Type})
	}
}

// subscribeEvents opens a standing subscription keyed by the
// command's id (spec §8 invariant 7: subscribe_events produces a
// result plus zero or more event frames until unsubscribed). EventType
// filters to one kind when set; empty means every event.
func (c *client) subscribeEvents(f frame) {
	sub := c.hub.bus.Subscribe()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.subs[f.ID] = sub
	c.mu.Unlock()

	go c.pumpEvents(f.ID, f.EventType, sub)
	c.result(f.ID, true, nil, nil)
}

func (c *client) pumpEvents(subID int64, filter string, sub *bus.Subscription) {
	for ev := range sub.C() {
		if filter != "" && eventType(ev) != filter {
			continue
		}
		c.event(subID, ev)
	}
}

func (c *client) unsubscribeEvents(f frame) {
	c.mu.Lock()
	sub, ok := c.subs[f.Subscription]
	delete(c.subs, f.Subscription)
	cancel, hasTrigger := c.triggers[f.Subscription]
	delete(c.triggers, f.Subscription)
	c.mu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
	if hasTrigger {
		cancel()
	}
	c.result(f.ID, true, nil, nil)
}

func (c *client) getStates(f frame) {
	c.result(f.ID, true, c.hub.states.Snapshot(), nil)
}

func (c *client) getServices(f frame) {
	c.result(f.ID, true, c.hub.services.List(), nil)
}

func (c *client) callService(f frame) {
	ctx, cancel := context.WithTimeout(context.Background(), serviceCallTimeout)
	defer cancel()

	target := decodeTarget(f.Target)
	if err := c.hub.services.Call(ctx, f.Domain, f.Service, target, f.ServiceData); err != nil {
		c.result(f.ID, false, nil, toFrameError(err))
		return
	}
	c.result(f.ID, true, nil, nil)
}

func decodeTarget(m map[string]any) service.Target {
	var t service.Target
	if m == nil {
		return t
	}
	if all, ok := m["all"].(bool); ok {
		t.All = all
	}
	switch eid := m["entity_id"].(type) {
	case string:
		t.EntityID = eid
	case []any:
		for _, v := range eid {
			if s, ok := v.(string); ok {
				t.EntityIDs = append(t.EntityIDs, s)
			}
		}
	}
	if area, ok := m["area_id"].(string); ok {
		t.AreaID = area
	}
	if label, ok := m["label_id"].(string); ok {
		t.LabelID = label
	}
	return t
}

func (c *client) renderTemplate(f frame) {
	ctx, cancel := context.WithTimeout(context.Background(), renderTemplateTimeout)
	defer cancel()

	val, err := c.hub.templates.Evaluate(ctx, f.Template, template.Vars{})
	if err != nil {
		c.result(f.ID, false, nil, toFrameError(err))
		return
	}
	c.result(f.ID, true, map[string]any{"result": val}, nil)
}

func (c *client) fireEvent(f frame) {
	if f.EventType == "" {
		c.result(f.ID, false, nil, &frameError{Code: "invalid_format", Message: "event_type is required"})
		return
	}
	c.hub.automation.Fire(automation.Event{Type: f.EventType, Data: f.EventData})
	c.result(f.ID, true, nil, nil)
}

// subscribeTrigger supports the single "state" trigger platform over
// the websocket API (spec §4.9: optional, implemented rather than
// rejected since C2/C4 already carry everything it needs). Other
// platforms are reported as unsupported rather than silently ignored.
func (c *client) subscribeTrigger(f frame) {
	platform, _ := f.Trigger["platform"].(string)
	if platform != "state" {
		c.result(f.ID, false, nil, &frameError{Code: "not_supported", Message: "subscribe_trigger only supports platform: state"})
		return
	}
	entityID, _ := f.Trigger["entity_id"].(string)
	from, _ := f.Trigger["from"].(string)
	to, _ := f.Trigger["to"].(string)

	sub := c.hub.bus.Subscribe()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.subs[f.ID] = sub
	c.mu.Unlock()

	go func() {
		for ev := range sub.C() {
			sc, ok := ev.(*state.StateChange)
			if !ok {
				continue
			}
			if entityID != "" && sc.EntityID != entityID {
				continue
			}
			if from != "" && (sc.OldState == nil || sc.OldState.State != from) {
				continue
			}
			if to != "" && sc.NewState.State != to {
				continue
			}
			c.event(f.ID, map[string]any{"variables": map[string]any{"trigger": sc}})
		}
	}()
	c.result(f.ID, true, nil, nil)
}

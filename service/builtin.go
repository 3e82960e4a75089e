package service

import (
	"context"
	"fmt"

	"github.com/rustyeddy/homehub/state"
)

// toggleFamily lists the domains that get turn_on/turn_off/toggle
// registered automatically by RegisterBuiltins (spec §4.3: "the
// boolean-toggle family across light/switch/lock/cover/fan").
var toggleFamily = map[string][3]string{
	"light":  {"on", "off", ""},
	"switch": {"on", "off", ""},
	"lock":   {"locked", "unlocked", ""},
	"cover":  {"open", "closed", ""},
	"fan":    {"on", "off", ""},
}

// RegisterBuiltins installs the built-in handler set: turn_on,
// turn_off and toggle for light/switch/lock/cover/fan,
// input_boolean.turn_on/turn_off, input_number.set_value,
// input_select.select_option and input_text.set_value. It registers no
// automation services (trigger, enable, disable) and no reload
// services.
//
// Scene activation (scene.turn_on) is registered by the scene package
// itself against this Registry, to avoid a service -> scene import
// cycle (scene already depends on service to issue its batched calls).
func (r *Registry) RegisterBuiltins(states *state.Store) {
	for domain, onOff := range toggleFamily {
		onState, offState := onOff[0], onOff[1]
		d := domain

		r.Register(d, "turn_on", onOffHandler(states, onState))
		r.Register(d, "turn_off", onOffHandler(states, offState))
		r.Register(d, "toggle", func(ctx context.Context, call Call) error {
			for _, id := range call.Target {
				cur, ok := states.Get(id)
				next := onState
				if ok && cur.State == onState {
					next = offState
				}
				states.Set(id, next, cur.Attributes)
			}
			return nil
		})
	}

	r.Register("input_boolean", "turn_on", onOffHandler(states, "on"))
	r.Register("input_boolean", "turn_off", onOffHandler(states, "off"))
	r.Register("input_number", "set_value", setValueHandler(states, "value"))
	r.Register("input_select", "select_option", setValueHandler(states, "option"))
	r.Register("input_text", "set_value", setValueHandler(states, "value"))
}

func onOffHandler(states *state.Store, target string) Handler {
	return func(ctx context.Context, call Call) error {
		for _, id := range call.Target {
			cur, ok := states.Get(id)
			var attrs map[string]any
			if ok {
				attrs = cur.Attributes
			}
			if v, ok := call.Data["attributes"].(map[string]any); ok {
				merged := map[string]any{}
				for k, av := range attrs {
					merged[k] = av
				}
				for k, av := range v {
					merged[k] = av
				}
				attrs = merged
			}
			states.Set(id, target, attrs)
		}
		return nil
	}
}

func setValueHandler(states *state.Store, dataKey string) Handler {
	return func(ctx context.Context, call Call) error {
		v, ok := call.Data[dataKey]
		if !ok {
			return fmt.Errorf("missing %q in service data", dataKey)
		}
		newState := fmt.Sprintf("%v", v)
		for _, id := range call.Target {
			cur, _ := states.Get(id)
			states.Set(id, newState, cur.Attributes)
		}
		return nil
	}
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/homehub/automation"
	"github.com/rustyeddy/homehub/service"
)

// rulesDoc mirrors the top-level shape of automations.yaml: a mapping
// whose "automations" key holds the list of automations.
type rulesDoc struct {
	Automations []yamlRule `yaml:"automations"`
}

type yamlRule struct {
	ID          string           `yaml:"id"`
	Alias       string           `yaml:"alias"`
	Description string           `yaml:"description"`
	Mode        string           `yaml:"mode"`
	Enabled     *bool            `yaml:"enabled"`
	QueueDepth  int              `yaml:"queue_depth"`
	ParallelCap int              `yaml:"parallel_cap"`
	Trigger     []map[string]any `yaml:"trigger"`
	Condition   []map[string]any `yaml:"condition"`
	Action      []map[string]any `yaml:"action"`
}

// LoadAutomations reads and parses path (normally Config.AutomationsPath)
// into Engine-ready rules. A missing file yields an empty, non-error
// result so a fresh CONFIG_DIR boots with no automations configured.
func LoadAutomations(path string) ([]automation.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseAutomations(data)
}

// ParseAutomations parses an automations.yaml document's bytes.
func ParseAutomations(data []byte) ([]automation.Rule, error) {
	var doc rulesDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse automations.yaml: %w", err)
	}

	rules := make([]automation.Rule, 0, len(doc.Automations))
	for _, yr := range doc.Automations {
		r := automation.Rule{
			ID:          yr.ID,
			Alias:       yr.Alias,
			Description: yr.Description,
			Mode:        automation.Mode(yr.Mode),
			QueueDepth:  yr.QueueDepth,
			ParallelCap: yr.ParallelCap,
			Enabled:     true,
		}
		if yr.Mode == "" {
			r.Mode = automation.ModeSingle
		}
		if yr.Enabled != nil {
			r.Enabled = *yr.Enabled
		}

		for _, t := range yr.Trigger {
			trig, err := parseTrigger(t)
			if err != nil {
				return nil, fmt.Errorf("config: rule %q: %w", yr.ID, err)
			}
			r.Triggers = append(r.Triggers, trig)
		}
		for _, c := range yr.Condition {
			cond, err := parseCondition(c)
			if err != nil {
				return nil, fmt.Errorf("config: rule %q: %w", yr.ID, err)
			}
			r.Conditions = append(r.Conditions, cond)
		}
		for _, a := range yr.Action {
			step, err := parseStep(a)
			if err != nil {
				return nil, fmt.Errorf("config: rule %q: %w", yr.ID, err)
			}
			r.Actions = append(r.Actions, step)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func parseTrigger(m map[string]any) (automation.Trigger, error) {
	platform, _ := m["platform"].(string)
	switch platform {
	case "state":
		return automation.StateTrigger{
			EntityID: str(m["entity_id"]),
			From:     str(m["from"]),
			To:       str(m["to"]),
			For:      duration(m["for"]),
		}, nil
	case "time":
		return automation.TimeTrigger{
			At:       str(m["at"]),
			EntityID: str(m["entity_id"]),
		}, nil
	case "sun":
		return automation.SunTrigger{
			Event:  automation.SunEvent(str(m["event"])),
			Offset: duration(m["offset"]),
		}, nil
	case "mqtt":
		return automation.MQTTTrigger{
			Topic:   str(m["topic"]),
			Payload: str(m["payload"]),
		}, nil
	case "event":
		return automation.EventTrigger{EventType: str(m["event_type"])}, nil
	default:
		return nil, fmt.Errorf("unknown trigger platform %q", platform)
	}
}

func parseCondition(m map[string]any) (automation.Condition, error) {
	kind, _ := m["condition"].(string)
	switch kind {
	case "state":
		return automation.StateCondition{
			EntityID: str(m["entity_id"]),
			State:    str(m["state"]),
		}, nil
	case "template":
		return automation.TemplateCondition{Expr: str(m["value_template"])}, nil
	case "time":
		return automation.TimeCondition{
			After:  str(m["after"]),
			Before: str(m["before"]),
		}, nil
	case "and":
		subs, err := parseConditionList(m["conditions"])
		if err != nil {
			return nil, err
		}
		return automation.AndCondition{Conditions: subs}, nil
	case "or":
		subs, err := parseConditionList(m["conditions"])
		if err != nil {
			return nil, err
		}
		return automation.OrCondition{Conditions: subs}, nil
	case "not":
		subs, err := parseConditionList(m["conditions"])
		if err != nil {
			return nil, err
		}
		if len(subs) != 1 {
			return nil, fmt.Errorf("not condition requires exactly one sub-condition, got %d", len(subs))
		}
		return automation.NotCondition{Condition: subs[0]}, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", kind)
	}
}

func parseConditionList(v any) ([]automation.Condition, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of conditions")
	}
	out := make([]automation.Condition, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("malformed condition entry")
		}
		c, err := parseCondition(m)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseStep(m map[string]any) (automation.Step, error) {
	switch {
	case m["service"] != nil:
		return parseServiceStep(m)
	case m["delay"] != nil:
		return automation.DelayStep{Duration: duration(m["delay"])}, nil
	case m["wait_template"] != nil:
		return automation.WaitTemplateStep{
			Expr:    str(m["wait_template"]),
			Timeout: duration(m["timeout"]),
		}, nil
	case m["variables"] != nil:
		vars, _ := m["variables"].(map[string]any)
		return automation.VariablesStep{Vars: vars}, nil
	case m["condition"] != nil:
		cond, err := parseCondition(m)
		if err != nil {
			return nil, err
		}
		return automation.ConditionStep{Conditions: []automation.Condition{cond}}, nil
	case m["choose"] != nil:
		return parseChooseStep(m)
	case m["repeat"] != nil:
		return parseRepeatStep(m)
	case m["parallel"] != nil:
		return parseParallelStep(m)
	case m["stop"] != nil:
		errBool, _ := m["error"].(bool)
		return automation.StopStep{Reason: str(m["stop"]), Error: errBool}, nil
	default:
		return nil, fmt.Errorf("unrecognized action step %v", m)
	}
}

func parseServiceStep(m map[string]any) (automation.Step, error) {
	full := str(m["service"])
	domain, svc, ok := splitDomainService(full)
	if !ok {
		return nil, fmt.Errorf("malformed service %q, want domain.service", full)
	}
	data, _ := m["data"].(map[string]any)
	return automation.ServiceStep{
		Domain:  domain,
		Service: svc,
		Target:  parseTarget(m["target"]),
		Data:    data,
	}, nil
}

func splitDomainService(s string) (domain, svc string, ok bool) {
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

func parseTarget(v any) service.Target {
	m, ok := v.(map[string]any)
	if !ok {
		return service.Target{}
	}
	var t service.Target
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

func parseChooseStep(m map[string]any) (automation.Step, error) {
	branchesRaw, ok := m["choose"].([]any)
	if !ok {
		return nil, fmt.Errorf("choose requires a list of branches")
	}
	branches := make([]automation.ChooseBranch, 0, len(branchesRaw))
	for _, br := range branchesRaw {
		bm, ok := br.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("malformed choose branch")
		}
		var conds []automation.Condition
		if bm["conditions"] != nil {
			var err error
			conds, err = parseConditionList(bm["conditions"])
			if err != nil {
				return nil, err
			}
		}
		steps, err := parseStepList(bm["sequence"])
		if err != nil {
			return nil, err
		}
		branches = append(branches, automation.ChooseBranch{Conditions: conds, Steps: steps})
	}
	var def []automation.Step
	if m["default"] != nil {
		var err error
		def, err = parseStepList(m["default"])
		if err != nil {
			return nil, err
		}
	}
	return automation.ChooseStep{Branches: branches, Default: def}, nil
}

func parseStepList(v any) ([]automation.Step, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of steps")
	}
	out := make([]automation.Step, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("malformed step entry")
		}
		s, err := parseStep(m)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func parseRepeatStep(m map[string]any) (automation.Step, error) {
	rm, ok := m["repeat"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("repeat requires a mapping")
	}
	steps, err := parseStepList(rm["sequence"])
	if err != nil {
		return nil, err
	}
	step := automation.RepeatStep{Steps: steps}
	if countRaw, ok := rm["count"]; ok {
		step.Count = intOf(countRaw)
	}
	if whileRaw, ok := rm["while"].([]any); ok && len(whileRaw) > 0 {
		conds, err := parseConditionList(whileRaw)
		if err != nil {
			return nil, err
		}
		step.While = automation.AndCondition{Conditions: conds}
	}
	return step, nil
}

func parseParallelStep(m map[string]any) (automation.Step, error) {
	raw, ok := m["parallel"].([]any)
	if !ok {
		return nil, fmt.Errorf("parallel requires a list of branches")
	}
	branches := make([][]automation.Step, 0, len(raw))
	for _, br := range raw {
		var steps []automation.Step
		var err error
		switch v := br.(type) {
		case map[string]any:
			if seq, ok := v["sequence"].([]any); ok {
				steps, err = parseStepList(seq)
			} else {
				var s automation.Step
				s, err = parseStep(v)
				if err == nil {
					steps = []automation.Step{s}
				}
			}
		case []any:
			steps, err = parseStepList(v)
		default:
			err = fmt.Errorf("malformed parallel branch")
		}
		if err != nil {
			return nil, err
		}
		branches = append(branches, steps)
	}
	return automation.ParallelStep{Branches: branches}, nil
}

func str(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	default:
		return fmt.Sprintf("%v", tv)
	}
}

func intOf(v any) int {
	switch tv := v.(type) {
	case int:
		return tv
	case int64:
		return int(tv)
	case float64:
		return int(tv)
	default:
		return 0
	}
}

// duration accepts a Go duration string ("5s"), an HH:MM:SS clock
// string, a bare integer/float (seconds), or an
// {hours,minutes,seconds} mapping - the handful of shapes real
// automations.yaml fixtures use for delay/for/timeout/offset fields.
func duration(v any) time.Duration {
	switch tv := v.(type) {
	case nil:
		return 0
	case int:
		return time.Duration(tv) * time.Second
	case int64:
		return time.Duration(tv) * time.Second
	case float64:
		return time.Duration(tv * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(tv); err == nil {
			return d
		}
		if t, err := time.Parse("15:04:05", tv); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second
		}
		return 0
	case map[string]any:
		var d time.Duration
		if h, ok := tv["hours"]; ok {
			d += time.Duration(intOf(h)) * time.Hour
		}
		if m, ok := tv["minutes"]; ok {
			d += time.Duration(intOf(m)) * time.Minute
		}
		if s, ok := tv["seconds"]; ok {
			d += time.Duration(intOf(s)) * time.Second
		}
		return d
	default:
		return 0
	}
}

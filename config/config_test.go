package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/homehub/auth"
	"github.com/rustyeddy/homehub/automation"
	"github.com/rustyeddy/homehub/registry"
)

// TestParseAutomationsS1 parses the spec §8 S1 scenario's rule shape
// (a state trigger gated by a state condition, firing a service call)
// and checks it decodes to the expected automation.Rule.
func TestParseAutomationsS1(t *testing.T) {
	t.Parallel()
	doc := []byte(`
automations:
  - id: door_alarm
    alias: Trigger alarm on front door
    mode: single
    trigger:
      - platform: state
        entity_id: binary_sensor.front_door
        to: "on"
    condition:
      - condition: state
        entity_id: alarm_control_panel.home
        state: armed_away
    action:
      - service: alarm_control_panel.trigger
        target:
          entity_id: alarm_control_panel.home
`)
	rules, err := ParseAutomations(doc)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	r := rules[0]
	assert.Equal(t, "door_alarm", r.ID)
	assert.Equal(t, automation.ModeSingle, r.Mode)
	assert.True(t, r.Enabled)

	require.Len(t, r.Triggers, 1)
	st, ok := r.Triggers[0].(automation.StateTrigger)
	require.True(t, ok)
	assert.Equal(t, "binary_sensor.front_door", st.EntityID)
	assert.Equal(t, "on", st.To)

	require.Len(t, r.Conditions, 1)
	cond, ok := r.Conditions[0].(automation.StateCondition)
	require.True(t, ok)
	assert.Equal(t, "alarm_control_panel.home", cond.EntityID)
	assert.Equal(t, "armed_away", cond.State)

	require.Len(t, r.Actions, 1)
	step, ok := r.Actions[0].(automation.ServiceStep)
	require.True(t, ok)
	assert.Equal(t, "alarm_control_panel", step.Domain)
	assert.Equal(t, "trigger", step.Service)
	assert.Equal(t, "alarm_control_panel.home", step.Target.EntityID)
}

// TestParseAutomationsS2RestartMode parses the spec §8 S2 scenario's
// restart-mode rule with a delay step followed by a service call.
func TestParseAutomationsS2RestartMode(t *testing.T) {
	t.Parallel()
	doc := []byte(`
automations:
  - id: hall_light
    mode: restart
    trigger:
      - platform: state
        entity_id: sensor.motion
    action:
      - delay: "5s"
      - service: light.turn_on
        target:
          entity_id: light.hall
`)
	rules, err := ParseAutomations(doc)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	r := rules[0]
	assert.Equal(t, automation.ModeRestart, r.Mode)
	require.Len(t, r.Actions, 2)

	delay, ok := r.Actions[0].(automation.DelayStep)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, delay.Duration)

	step, ok := r.Actions[1].(automation.ServiceStep)
	require.True(t, ok)
	assert.Equal(t, "light", step.Domain)
	assert.Equal(t, "turn_on", step.Service)
}

func TestParseAutomationsUnknownTriggerPlatform(t *testing.T) {
	t.Parallel()
	doc := []byte(`
automations:
  - id: bad
    trigger:
      - platform: nonsense
    action: []
`)
	_, err := ParseAutomations(doc)
	require.Error(t, err)
}

func TestLoadAutomationsMissingFileIsEmptyNotError(t *testing.T) {
	t.Parallel()
	rules, err := LoadAutomations(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRegistriesRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	areasPath := filepath.Join(dir, "areas.json")
	devicesPath := filepath.Join(dir, "devices.json")
	labelsPath := filepath.Join(dir, "labels.json")

	regs := registry.New()
	regs.AddArea(registry.Area{ID: "living_room", Name: "Living Room"})
	regs.AddDevice(registry.Device{ID: "dev1", Name: "Hue Bridge", AreaID: "living_room"})
	regs.AssignEntityDevice("light.lamp", "dev1")
	regs.AddLabel(registry.Label{ID: "important", Name: "Important"})
	require.NoError(t, regs.LabelEntity("light.lamp", "important"))

	require.NoError(t, SaveRegistries(areasPath, devicesPath, labelsPath, regs))

	restored := registry.New()
	require.NoError(t, LoadRegistries(areasPath, devicesPath, labelsPath, restored))

	area, ok := restored.AreaOfEntity("light.lamp")
	require.True(t, ok)
	assert.Equal(t, "living_room", area)

	labels := restored.LabelsOfEntity("light.lamp")
	assert.Contains(t, labels, "important")
}

func TestAccountsRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	usersPath := filepath.Join(dir, "users.json")
	tokensPath := filepath.Join(dir, "auth_tokens.json")

	svc := auth.New(nil)
	require.NoError(t, svc.CreateUser("alice", "hunter222222", true))
	tok, err := svc.IssueToken("alice")
	require.NoError(t, err)

	require.NoError(t, SaveUsers(usersPath, svc))
	require.NoError(t, SaveTokens(tokensPath, svc))

	restored := auth.New(nil)
	require.NoError(t, LoadUsers(usersPath, restored))
	require.NoError(t, LoadTokens(tokensPath, restored))

	assert.True(t, restored.Authenticate("alice", "hunter222222"))
	username, ok := restored.VerifyToken(tok)
	require.True(t, ok)
	assert.Equal(t, "alice", username)
}

package automation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/homehub/bus"
	"github.com/rustyeddy/homehub/registry"
	"github.com/rustyeddy/homehub/service"
	"github.com/rustyeddy/homehub/state"
	"github.com/rustyeddy/homehub/template"
)

// newTestEngine wires a real state store/bus/service registry (no
// MQTT, no sun/time scheduling needed by these tests) the way
// hub.New does, minus the components these tests don't exercise.
func newTestEngine(t *testing.T) (*Engine, *state.Store, *service.Registry) {
	t.Helper()
	b := bus.New(64)
	st := state.New(b)
	regs := registry.New()
	svc := service.New(regs, st)
	tpl := template.New(st)
	e := New(st, svc, tpl, b, nil, nil, Location{})
	e.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e, st, svc
}

// TestS1StateTriggerConditionGate reproduces spec §8 scenario S1: a
// state trigger gated by a condition must call the service exactly
// once, and must not re-fire once the guarding condition no longer
// holds.
func TestS1StateTriggerConditionGate(t *testing.T) {
	t.Parallel()
	e, st, svc := newTestEngine(t)

	var calls int32
	svc.Register("alarm_control_panel", "trigger", func(ctx context.Context, call service.Call) error {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, []string{"alarm_control_panel.home"}, call.Target)
		return nil
	})

	st.Set("alarm_control_panel.home", "disarmed", nil)
	st.Set("binary_sensor.front_door", "off", nil)

	require.NoError(t, e.Load([]Rule{{
		ID:      "door_alarm",
		Mode:    ModeSingle,
		Enabled: true,
		Triggers: []Trigger{
			StateTrigger{EntityID: "binary_sensor.front_door", To: "on"},
		},
		Conditions: []Condition{
			StateCondition{EntityID: "alarm_control_panel.home", State: "armed_away"},
		},
		Actions: []Step{
			ServiceStep{Domain: "alarm_control_panel", Service: "trigger", Target: service.Target{EntityID: "alarm_control_panel.home"}},
		},
	}}))

	// door -> off: no matching To transition.
	st.Set("binary_sensor.front_door", "off", nil)
	waitForCalls(t, &calls, 0)

	st.Set("alarm_control_panel.home", "armed_away", nil)
	st.Set("binary_sensor.front_door", "on", nil)
	waitForCalls(t, &calls, 1)

	// disarm, then re-trigger the door: condition now fails, no call.
	st.Set("alarm_control_panel.home", "disarmed", nil)
	st.Set("binary_sensor.front_door", "off", nil)
	st.Set("binary_sensor.front_door", "on", nil)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

// TestModeSingleDropsOverlappingTrigger covers testable property 3: at
// most one instance of a `single` rule runs at a time, and overlapping
// triggers are counted as overruns.
func TestModeSingleDropsOverlappingTrigger(t *testing.T) {
	t.Parallel()
	e, st, svc := newTestEngine(t)

	release := make(chan struct{})
	var running int32
	svc.Register("test", "slow", func(ctx context.Context, call service.Call) error {
		atomic.AddInt32(&running, 1)
		<-release
		return nil
	})

	require.NoError(t, e.Load([]Rule{{
		ID:       "single_rule",
		Mode:     ModeSingle,
		Enabled:  true,
		Triggers: []Trigger{StateTrigger{EntityID: "sensor.x"}},
		Actions:  []Step{ServiceStep{Domain: "test", Service: "slow", Target: service.Target{EntityID: "sensor.x"}}},
	}}))

	st.Set("sensor.x", "1", nil)
	waitUntil(t, func() bool { return atomic.LoadInt32(&running) == 1 })

	// Second trigger while the first run is in flight: dropped.
	st.Set("sensor.x", "2", nil)
	time.Sleep(100 * time.Millisecond)

	close(release)
	time.Sleep(100 * time.Millisecond)

	stats, ok := e.Stats("single_rule")
	require.True(t, ok)
	assert.EqualValues(t, 1, stats.RunCount)
	assert.EqualValues(t, 1, stats.Overruns)
}

// TestS2RestartModeSupplantsRun reproduces spec §8 scenario S2: a
// second trigger in `restart` mode cancels the in-flight run's delay
// before it completes, and exactly one service call is ultimately
// issued.
func TestS2RestartModeSupplantsRun(t *testing.T) {
	t.Parallel()
	e, st, svc := newTestEngine(t)

	var calls int32
	svc.Register("light", "turn_on", func(ctx context.Context, call service.Call) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, e.Load([]Rule{{
		ID:       "restart_rule",
		Mode:     ModeRestart,
		Enabled:  true,
		Triggers: []Trigger{StateTrigger{EntityID: "sensor.motion"}},
		Actions: []Step{
			DelayStep{Duration: 300 * time.Millisecond},
			ServiceStep{Domain: "light", Service: "turn_on", Target: service.Target{EntityID: "light.hall"}},
		},
	}}))

	st.Set("sensor.motion", "1", nil)
	time.Sleep(50 * time.Millisecond)
	st.Set("sensor.motion", "2", nil) // supplants the first run before its delay elapses

	time.Sleep(500 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

// TestModeQueuedOrdersRuns covers testable property 4: queued mode
// runs one instance at a time, in trigger-arrival order.
func TestModeQueuedOrdersRuns(t *testing.T) {
	t.Parallel()
	e, st, svc := newTestEngine(t)

	var mu sync.Mutex
	var order []int
	svc.Register("test", "record", func(ctx context.Context, call service.Call) error {
		n := call.Data["n"].(int)
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return nil
	})

	require.NoError(t, e.Load([]Rule{{
		ID:         "queued_rule",
		Mode:       ModeQueued,
		QueueDepth: 10,
		Enabled:    true,
		Triggers:   []Trigger{StateTrigger{EntityID: "sensor.q"}},
		Actions: []Step{
			serviceCallWithData{domain: "test", service: "record"},
		},
	}}))

	for i := 1; i <= 3; i++ {
		st.Set("sensor.q", itoa(i), nil)
	}

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

// serviceCallWithData is a tiny Step that threads the trigger's ToState
// (parsed back to int) into the service call's Data, used only to
// observe queued-mode ordering deterministically.
type serviceCallWithData struct {
	domain, service string
}

func (s serviceCallWithData) Run(ctx context.Context, rc *RunContext) error {
	n := atoi(rc.trigger.ToState)
	return rc.engine.services.Call(ctx, s.domain, s.service, service.Target{EntityID: "sensor.q"}, map[string]any{"n": n})
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	out := []byte{}
	for n > 0 {
		out = append([]byte{digits[n%10]}, out...)
		n /= 10
	}
	return string(out)
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			continue
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func waitForCalls(t *testing.T, counter *int32, want int32) {
	t.Helper()
	waitUntil(t, func() bool { return atomic.LoadInt32(counter) == want })
	assert.EqualValues(t, want, atomic.LoadInt32(counter))
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}

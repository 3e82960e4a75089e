package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/homehub/bus"
)

func TestSetPublishesChangeAndGetReflectsIt(t *testing.T) {
	t.Parallel()
	b := bus.New(4)
	s := New(b)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	change, changed := s.Set("light.kitchen", "on", map[string]any{"brightness": 200})
	require.True(t, changed)
	require.NotNil(t, change)
	assert.Nil(t, change.OldState)
	assert.Equal(t, "on", change.NewState.State)

	select {
	case ev := <-sub.C():
		sc := ev.(*StateChange)
		assert.Equal(t, "light.kitchen", sc.EntityID)
		// Invariant 2: a subscriber that Gets on receipt of the event
		// never observes a value older than the event.
		got, ok := s.Get("light.kitchen")
		require.True(t, ok)
		assert.Equal(t, sc.NewState.State, got.State)
		assert.Equal(t, sc.NewState.Attributes, got.Attributes)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for StateChange")
	}
}

func TestNoOpWriteEmitsNoEvent(t *testing.T) {
	t.Parallel()
	b := bus.New(4)
	s := New(b)

	_, changed := s.Set("switch.fan", "on", map[string]any{"speed": 3})
	require.True(t, changed)

	sub := b.Subscribe()
	defer sub.Unsubscribe()

	// Invariant 1: an identical write is a no-op and publishes nothing.
	change, changed := s.Set("switch.fan", "on", map[string]any{"speed": 3})
	assert.False(t, changed)
	assert.Nil(t, change)

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event published for no-op write: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	got, ok := s.Get("switch.fan")
	require.True(t, ok)
	before := got.LastChanged
	beforeUpdated := got.LastUpdated

	// A second identical write still must not advance timestamps.
	_, changed = s.Set("switch.fan", "on", map[string]any{"speed": 3})
	assert.False(t, changed)
	got, ok = s.Get("switch.fan")
	require.True(t, ok)
	assert.Equal(t, before, got.LastChanged)
	assert.Equal(t, beforeUpdated, got.LastUpdated)
}

func TestAttributeOnlyChangeUpdatesButKeepsLastChanged(t *testing.T) {
	t.Parallel()
	s := New(bus.New(4))

	_, changed := s.Set("sensor.temp", "21.0", map[string]any{"unit": "C"})
	require.True(t, changed)
	first, _ := s.Get("sensor.temp")

	time.Sleep(5 * time.Millisecond)
	change, changed := s.Set("sensor.temp", "21.0", map[string]any{"unit": "F"})
	require.True(t, changed)
	require.NotNil(t, change)

	got, _ := s.Get("sensor.temp")
	assert.Equal(t, first.LastChanged, got.LastChanged)
	assert.True(t, got.LastUpdated.After(first.LastUpdated))
}

func TestGetUnknownEntity(t *testing.T) {
	t.Parallel()
	s := New(bus.New(4))
	_, ok := s.Get("light.nonexistent")
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s := New(bus.New(4))
	s.Set("light.hall", "on", nil)

	assert.True(t, s.Remove("light.hall"))
	_, ok := s.Get("light.hall")
	assert.False(t, ok)
	assert.False(t, s.Remove("light.hall"))
}

func TestSnapshotIsConsistentPerEntity(t *testing.T) {
	t.Parallel()
	s := New(bus.New(4))
	s.Set("light.a", "on", map[string]any{"brightness": 10})
	s.Set("light.b", "off", nil)

	snap := s.Snapshot()
	assert.Len(t, snap, 2)

	byID := map[string]Entity{}
	for _, e := range snap {
		byID[e.ID] = e
	}
	assert.Equal(t, "on", byID["light.a"].State)
	assert.Equal(t, "off", byID["light.b"].State)
}

func TestSnapshotDuringConcurrentWrites(t *testing.T) {
	t.Parallel()
	s := New(bus.New(64))
	stop := make(chan struct{})
	go func() {
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
				s.Set("counter.x", "running", map[string]any{"n": i})
				i++
			}
		}
	}()

	for i := 0; i < 20; i++ {
		snap := s.Snapshot()
		for _, e := range snap {
			assert.Equal(t, "counter.x", e.ID)
		}
	}
	close(stop)
}

func TestValidEntityID(t *testing.T) {
	t.Parallel()
	assert.True(t, ValidEntityID("light.kitchen"))
	assert.True(t, ValidEntityID("binary_sensor.front_door"))
	assert.False(t, ValidEntityID("Light.Kitchen"))
	assert.False(t, ValidEntityID("light"))
	assert.False(t, ValidEntityID("light.kit-chen"))
}

func TestSubscribeRoundTripsThroughContextClose(t *testing.T) {
	t.Parallel()
	b := bus.New(4)
	s := New(b)
	sub := s.Subscribe()

	s.Set("light.a", "on", nil)

	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	b.Close(ctx)

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestMarshalAttr(t *testing.T) {
	t.Parallel()
	attrs := map[string]any{"brightness": float64(128), "name": "kitchen"}

	b, ok := MarshalAttr[int](attrs, "brightness")
	assert.True(t, ok)
	assert.Equal(t, 128, b)

	name, ok := MarshalAttr[string](attrs, "name")
	assert.True(t, ok)
	assert.Equal(t, "kitchen", name)

	_, ok = MarshalAttr[string](attrs, "missing")
	assert.False(t, ok)
}

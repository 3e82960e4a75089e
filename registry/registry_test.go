package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAreaOfEntityViaDirectAssignment(t *testing.T) {
	t.Parallel()
	r := New()
	r.AddArea(Area{ID: "kitchen", Name: "Kitchen"})
	r.AssignEntityArea("light.kitchen_main", "kitchen")

	area, ok := r.AreaOfEntity("light.kitchen_main")
	require.True(t, ok)
	assert.Equal(t, "kitchen", area)
}

func TestAreaOfEntityViaOwningDevice(t *testing.T) {
	t.Parallel()
	r := New()
	r.AddArea(Area{ID: "hall", Name: "Hallway"})
	r.AddDevice(Device{ID: "dev1", Name: "Hub", AreaID: "hall"})
	r.AssignEntityDevice("sensor.hall_motion", "dev1")

	area, ok := r.AreaOfEntity("sensor.hall_motion")
	require.True(t, ok)
	assert.Equal(t, "hall", area)
}

func TestDirectAreaAssignmentOverridesDevice(t *testing.T) {
	t.Parallel()
	r := New()
	r.AddDevice(Device{ID: "dev1", AreaID: "hall"})
	r.AssignEntityDevice("sensor.x", "dev1")
	r.AssignEntityArea("sensor.x", "garage")

	area, ok := r.AreaOfEntity("sensor.x")
	require.True(t, ok)
	assert.Equal(t, "garage", area)
}

func TestEntitiesInArea(t *testing.T) {
	t.Parallel()
	r := New()
	r.AddDevice(Device{ID: "dev1", AreaID: "kitchen"})
	r.AssignEntityDevice("light.a", "dev1")
	r.AssignEntityDevice("light.b", "dev1")
	r.AssignEntityArea("light.c", "kitchen")
	r.AssignEntityArea("light.d", "garage")

	got := r.EntitiesInArea("kitchen")
	assert.ElementsMatch(t, []string{"light.a", "light.b", "light.c"}, got)
}

func TestLabelEntityRequiresRegisteredLabel(t *testing.T) {
	t.Parallel()
	r := New()
	err := r.LabelEntity("light.a", "important")
	assert.Error(t, err)

	r.AddLabel(Label{ID: "important", Name: "Important"})
	err = r.LabelEntity("light.a", "important")
	assert.NoError(t, err)

	assert.Equal(t, []string{"light.a"}, r.EntitiesWithLabel("important"))
	assert.Equal(t, []string{"important"}, r.LabelsOfEntity("light.a"))
}

func TestUnlabelEntity(t *testing.T) {
	t.Parallel()
	r := New()
	r.AddLabel(Label{ID: "important", Name: "Important"})
	require.NoError(t, r.LabelEntity("light.a", "important"))

	r.UnlabelEntity("light.a", "important")
	assert.Empty(t, r.EntitiesWithLabel("important"))
	assert.Empty(t, r.LabelsOfEntity("light.a"))
}

func TestLabelManyToMany(t *testing.T) {
	t.Parallel()
	r := New()
	r.AddLabel(Label{ID: "security", Name: "Security"})
	r.AddLabel(Label{ID: "critical", Name: "Critical"})
	require.NoError(t, r.LabelEntity("lock.front_door", "security"))
	require.NoError(t, r.LabelEntity("lock.front_door", "critical"))
	require.NoError(t, r.LabelEntity("sensor.smoke", "critical"))

	assert.ElementsMatch(t, []string{"security", "critical"}, r.LabelsOfEntity("lock.front_door"))
	assert.ElementsMatch(t, []string{"lock.front_door", "sensor.smoke"}, r.EntitiesWithLabel("critical"))
}

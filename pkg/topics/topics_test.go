package topics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetreg/pkg/models"
)

func TestBuildTopicFlatShape(t *testing.T) {
	topic, err := BuildTopic("gw-01", "agent-7", "temperature", "gpio4")
	require.NoError(t, err)
	assert.Equal(t, "root/gw-01/agent/agent-7/temperature/gpio4/state", topic)
}

func TestBuildCommandTopic(t *testing.T) {
	topic, err := BuildCommandTopic("gw-01", "agent-7", "identity", "gpio0")
	require.NoError(t, err)
	assert.Equal(t, "root/gw-01/agent/agent-7/identity/gpio0/command", topic)
}

func TestBuildNestedTopicShape(t *testing.T) {
	topic, err := BuildNestedTopic("gw-01", "zone-a", "agent-7", "gpio4", "temperature")
	require.NoError(t, err)
	assert.Equal(t, "root/gw-01/group/zone-a/agent/agent-7/subgroup/gpio4/temperature/state", topic)
}

func TestBuildTopicRejectsInvalidIdentifiers(t *testing.T) {
	cases := []struct {
		name        string
		coordinator string
		agent       string
		category    string
		subID       string
	}{
		{"empty coordinator", "", "a1", "temp", "s1"},
		{"empty agent", "c1", "", "temp", "s1"},
		{"path separator", "c1", "a/1", "temp", "s1"},
		{"space", "c1", "a 1", "temp", "s1"},
		{"non-ascii", "c1", "a\xc3\xa9", "temp", "s1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildTopic(tc.coordinator, tc.agent, tc.category, tc.subID)
			require.Error(t, err)
			assert.Equal(t, models.CodeInvalidIdentifier, models.CodeOf(err))
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	want := Tuple{CoordinatorID: "gw-01", AgentID: "agent-7", Category: "temperature", SubID: "gpio4"}

	topic, err := BuildTopic(want.CoordinatorID, want.AgentID, want.Category, want.SubID)
	require.NoError(t, err)

	got, err := Parse(topic)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFlatAndNestedShapesParseIdentically(t *testing.T) {
	flat, err := BuildTopic("gw-01", "agent-7", "temperature", "gpio4")
	require.NoError(t, err)

	nested, err := BuildNestedTopic("gw-01", "zone-a", "agent-7", "gpio4", "temperature")
	require.NoError(t, err)

	flatTuple, err := Parse(flat)
	require.NoError(t, err)

	nestedTuple, err := Parse(nested)
	require.NoError(t, err)

	assert.Equal(t, flatTuple, nestedTuple)
}

func TestParseLegacyShape(t *testing.T) {
	got, err := Parse("root/gw-01/agent/agent-7/temperature_data")
	require.NoError(t, err)
	assert.Equal(t, Tuple{CoordinatorID: "gw-01", AgentID: "agent-7", Category: "temperature"}, got)
}

func TestParseForeignTopicIsNotAnError(t *testing.T) {
	for _, topic := range []string{
		"homeassistant/sensor/kitchen/state",
		"other/gw-01/agent/agent-7/temperature/gpio4/state",
		"",
	} {
		_, err := Parse(topic)
		assert.ErrorIs(t, err, ErrNotRegistryTopic, "topic %q", topic)
	}
}

func TestParseMalformedRegistryTopic(t *testing.T) {
	for _, topic := range []string{
		"root/gw-01/agent/agent-7",
		"root/gw-01/agent/agent-7/temperature",
		"root/gw-01/agent/agent-7/temperature/gpio4/state/extra",
		"root/gw-01/group/zone-a/agent/agent-7/temperature/state",
	} {
		_, err := Parse(topic)
		require.Error(t, err, "topic %q", topic)
		assert.False(t, errors.Is(err, ErrNotRegistryTopic), "topic %q", topic)
		assert.Equal(t, models.CodeInvalidIdentifier, models.CodeOf(err), "topic %q", topic)
	}
}

func TestParseCommandSuffix(t *testing.T) {
	got, err := Parse("root/gw-01/agent/agent-7/identity/gpio0/command")
	require.NoError(t, err)
	assert.Equal(t, "agent-7", got.AgentID)
}

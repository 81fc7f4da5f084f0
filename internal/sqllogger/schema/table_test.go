package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidIdentifier(t *testing.T) {
	for _, name := range []string{"metrics", "_raw", "Sensor_2", "telemetry.readings"} {
		assert.True(t, ValidIdentifier(name), name)
	}
	for _, name := range []string{"", "2fast", "a-b", "a.b.c", "metrics;", "a b", "\"quoted\""} {
		assert.False(t, ValidIdentifier(name), name)
	}
}

func TestTableResolver(t *testing.T) {
	fixed, err := NewFixedTable("readings")
	require.NoError(t, err)
	name, ok := fixed.Fixed()
	assert.True(t, ok)
	assert.Equal(t, "readings", name)

	_, err = NewFixedTable("bad name")
	assert.Error(t, err)

	dynamic, err := NewTableFromPath("$.meta.kind")
	require.NoError(t, err)
	_, ok = dynamic.Fixed()
	assert.False(t, ok)

	name, err = dynamic.Resolve(mustDecode(t, `{"meta":{"kind":"alarms"}}`))
	require.NoError(t, err)
	assert.Equal(t, "alarms", name)

	_, err = dynamic.Resolve(mustDecode(t, `{"meta":{"kind":null}}`))
	assert.Error(t, err)
}

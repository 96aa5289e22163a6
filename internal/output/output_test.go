package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var testReadings = []sensor.Reading{
	{ID: "04h", Name: "Inlet Temp", Value: 21, Unit: "degrees C", Status: "ok"},
	{ID: "0Eh", Name: "Temp", Value: 54.5, Unit: "degrees C", Status: "ok"},
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "table": FormatTable, "JSON": FormatJSON, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseFormat("xml")
	assert.True(t, errors.HasCode(err, errors.ErrInvalidOutput))
}

func TestReadingsTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatTable).Readings("temperatures", "Temperature Sensors", testReadings))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Temperature Sensors", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "ID"))
	assert.Contains(t, lines[2], "Inlet Temp")
	assert.Contains(t, lines[2], "21")
	assert.Contains(t, lines[3], "54.50")
}

func TestReadingsTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatTable).Readings("fans", "Fans", nil))
	assert.Contains(t, buf.String(), "no sensors found")
}

func TestReadingsJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatJSON).Readings("temperatures", "", testReadings))

	var got map[string][]sensor.Reading
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, testReadings, got["temperatures"])
}

func TestReadingsYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatYAML).Readings("fans", "", nil))

	var got map[string][]sensor.Reading
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.NotNil(t, got["fans"])
	assert.Empty(t, got["fans"])
}

func TestMessage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatJSON).Message("Fan speed set to 40%", map[string]any{"speed": 40}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "success", got["status"])
	assert.InDelta(t, 40.0, got["speed"], 1e-9)

	buf.Reset()
	require.NoError(t, New(&buf, FormatTable).Message("Connected", map[string]any{"transport": "ipmitool", "host": "localhost"}))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Connected\n"))
	assert.Less(t, strings.Index(out, "host"), strings.Index(out, "transport"))
}

func TestError(t *testing.T) {
	err := errors.New().WithMessage(errors.ErrHardware, "failed to set fan speed")

	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatYAML).Error(err))

	var got map[string]string
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "error", got["status"])
	assert.Equal(t, string(errors.ErrHardware), got["code"])
	assert.Equal(t, "failed to set fan speed", got["message"])

	buf.Reset()
	require.NoError(t, New(&buf, FormatTable).Error(fmt.Errorf("boom")))
	assert.Equal(t, "Error: boom\n", buf.String())
}

func TestEvent(t *testing.T) {
	ev := map[string]any{"temperature": 66.0, "fan_speed": 48}

	var buf bytes.Buffer
	require.NoError(t, New(&buf, FormatJSON).Event(ev, "ignored"))
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))

	buf.Reset()
	require.NoError(t, New(&buf, FormatTable).Event(ev, "[12:00:00] 66.0"))
	assert.Equal(t, "[12:00:00] 66.0\n", buf.String())

	buf.Reset()
	require.NoError(t, New(&buf, FormatYAML).Event(ev, ""))
	assert.True(t, strings.HasPrefix(buf.String(), "---\n"))
}

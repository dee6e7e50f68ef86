package capability

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLibrary = `{
	"ACME": [
		{
			"modelNames": ["Widget-1", "Widget-1b"],
			"endpointId": [1, 2],
			"properties": ["Status"]
		},
		{
			"modelNames": ["Widget-1"],
			"endpointId": 3,
			"description": "acme widget",
			"options": {"temperatureOffset": -1.5},
			"polls": ["Refresh"],
			"pollInterval": 30
		}
	],
	"IKEA of Sweden": [
		{
			"modelNames": ["TRADFRI bulb E27 W opal 1000lm"],
			"actions": ["Status", "Level"],
			"properties": ["Status", "Level"],
			"reportings": ["Status", "Level"]
		}
	]
}`

func TestParseLibrary(t *testing.T) {
	lib, err := ParseLibrary([]byte(testLibrary))
	require.NoError(t, err)
	require.Len(t, lib["ACME"], 2)

	first := lib["ACME"][0]
	assert.Equal(t, []uint8{1, 2}, first.Endpoints())
	assert.True(t, first.EndpointID.Multiple)
	assert.Nil(t, first.Description)

	second := lib["ACME"][1]
	assert.Equal(t, []uint8{3}, second.Endpoints())
	assert.False(t, second.EndpointID.Multiple)
	require.NotNil(t, second.Description)
	assert.Equal(t, "acme widget", *second.Description)
	assert.Equal(t, -1.5, second.Options["temperatureOffset"])
	assert.Equal(t, 30, second.PollInterval)

	ikea := lib["IKEA of Sweden"][0]
	assert.Equal(t, []uint8{1}, ikea.Endpoints(), "endpointId defaults to 1")
	assert.Equal(t, []string{"Status", "Level"}, ikea.Actions)
}

func TestParseLibraryInvalid(t *testing.T) {
	_, err := ParseLibrary([]byte(`{"ACME": [{"modelNames": ["x"], "endpointId": "one"}]}`))
	assert.Error(t, err)

	_, err = ParseLibrary([]byte(`[`))
	assert.Error(t, err)

	_, err = ParseLibrary([]byte(`{"ACME": [{"modelNames": ["x"], "endpointId": []}]}`))
	assert.ErrorContains(t, err, "endpointId list is empty")
}

func TestLibraryMatch(t *testing.T) {
	lib, err := ParseLibrary([]byte(testLibrary))
	require.NoError(t, err)

	entries, err := lib.Match("ACME", "Widget-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2, "both entries list Widget-1")

	entries, err = lib.Match("ACME", "Widget-1b")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = lib.Match("ACME", "Gadget")
	assert.True(t, errors.Is(err, ErrNoMatch))

	_, err = lib.Match("Globex", "Widget-1")
	assert.True(t, errors.Is(err, ErrUnknownManufacturer))
}

func TestLoadLibrary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.json")
	require.NoError(t, os.WriteFile(path, []byte(testLibrary), 0644))

	lib, err := LoadLibrary(path)
	require.NoError(t, err)
	assert.Len(t, lib, 2)

	_, err = LoadLibrary(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestEndpointIDsMarshal(t *testing.T) {
	data, err := json.Marshal(EndpointIDs{IDs: []uint8{1, 2}, Multiple: true})
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(data))

	data, err = json.Marshal(EndpointIDs{IDs: []uint8{5}})
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(data))
}

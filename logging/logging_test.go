package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Setenv(EnvLevel, "")
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))

	t.Setenv(EnvLevel, "warn")
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("debug"))
}

func TestNewJSON(t *testing.T) {
	t.Setenv(EnvLevel, "")
	var buf bytes.Buffer
	logger := New(Config{App: "tchanneld", Level: "info", Format: "json", Out: &buf})

	logger.Debug().Msg("hidden")
	logger.Info().Uint32("id", 7).Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "tchanneld", entry["app"])
	assert.EqualValues(t, 7, entry["id"])
}

package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdgate/internal/config"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LoggingConfig{Level: "warn"}, &buf)

	log.Info().Msg("hidden")
	log.Warn().Str("rule_id", "r1").Msg("visible")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "r1", entry["rule_id"])
	assert.Equal(t, "cmdgate", entry["service"])
}

func TestNewWithWriterUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LoggingConfig{Level: "chatty"}, &buf)
	log.Debug().Msg("debug")
	assert.Empty(t, buf.String())
	log.Info().Msg("info")
	assert.Contains(t, buf.String(), "info")
}

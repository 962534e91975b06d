package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer

	l, err := New(Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	cl := Component(l, "dnsmasq")
	cl.Info().Str("file", "/etc/hosts").Msg("Wrote edited file")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "dnsmasq", entry["component"])
	assert.Equal(t, "/etc/hosts", entry["file"])
	assert.Equal(t, "Wrote edited file", entry["message"])
}

func TestNew_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer

	l, err := New(Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	l.Debug().Msg("hidden")
	l.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	l.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer

	l, err := New(Config{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)

	l.Info().Msg("Started")
	assert.Contains(t, buf.String(), "Started")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud", Format: "json"}, nil)
	assert.Error(t, err)
}

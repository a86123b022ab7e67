package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"", zerolog.InfoLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}

func TestUseConsole(t *testing.T) {
	assert.True(t, useConsole(Config{Output: "stdout", Format: "auto"}))
	assert.False(t, useConsole(Config{Output: "stdout", Format: "json"}))
	assert.False(t, useConsole(Config{Output: "/var/log/djbox.log"}))
	assert.True(t, useConsole(Config{Output: "/var/log/djbox.log", Format: "console"}))
}

func TestNew_JSONFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, zerolog.WarnLevel, false)

	l.Info().Msg("dropped")
	l.Warn().Msg("playback: kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "playback: kept", line["message"])
	assert.Equal(t, "warn", line["level"])
}

func TestInit_FileOutput(t *testing.T) {
	prev := zlog.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		zlog.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "logs", "server.log")
	closer, err := Init(Config{Output: path, Level: "info"})
	require.NoError(t, err)

	zlog.Info().Msg("server: started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"server: started"`)
}

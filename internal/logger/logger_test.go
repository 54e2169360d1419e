package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true, Output: "stderr"})
		require.NoError(t, err)
		defer l.Close()

		assert.Equal(t, zerolog.InfoLevel, l.Zerolog().GetLevel())
		assert.Nil(t, l.redactor)
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "loud", Console: true})
		require.NoError(t, err)
		defer l.Close()

		assert.Equal(t, zerolog.InfoLevel, l.Zerolog().GetLevel())
	})

	t.Run("file output is json and redacted", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "sandbridge.log")

		l, err := New(Config{Level: "debug", File: path, Redaction: true})
		require.NoError(t, err)

		l.Component("router").Debug().
			Str("authorization", "Bearer abc.def").
			Str("password", "hunter2").
			Msg("Forwarding request")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "abc.def")
		assert.NotContains(t, string(data), "hunter2")

		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
		assert.Equal(t, "router", entry["component"])
		assert.Equal(t, "debug", entry["level"])
		assert.Equal(t, "Bearer [REDACTED]", entry["authorization"])
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "stdout", cfg.Output)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Empty(t, cfg.File)
}

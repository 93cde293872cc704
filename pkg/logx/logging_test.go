package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"))
	assert.False(t, Nop().IsZero())
}

func TestWithKeepsFieldsAndOrder(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("plugin", "heartbeat"))
	l.Warn("tick failed", Err(errors.New("boom")), Int("n", 3), String("plugin", "override"))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "tick failed", m["message"])
	assert.Equal(t, "boom", m["err"])
	assert.Equal(t, float64(3), m["n"])
	assert.Equal(t, "override", m["plugin"])
	assert.Equal(t, "warn", m["level"])
	assert.True(t, strings.HasPrefix(m["caller"].(string), "logging_test.go:"))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in, zerolog.InfoLevel), tt.in)
	}
}

func TestServiceApplySwapsLevel(t *testing.T) {
	var buf bytes.Buffer
	svc, log := NewWithWriter(Config{Level: "warn"}, &buf)
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))

	svc.Apply(Config{Level: "debug"})
	log.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Equal(t, "debug", svc.Config().Level)
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path, MaxSizeMB: 1}})
	log.Info("persisted", String("k", "v"))
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"message":"persisted"`)
}

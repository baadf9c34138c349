package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSONOutputFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "warn", Format: "json", Output: &buf})
	require.NoError(t, err)
	defer closer()

	logger.Info("hidden")
	logger.Warn("sink connect failed", "target", "localhost:8000/live")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "sink connect failed", rec["msg"])
	assert.Equal(t, "localhost:8000/live", rec["target"])
}

func TestFileIsWrittenToo(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "netsource.log")
	logger, closer, err := New(Options{Level: "info", File: path, Output: &buf})
	require.NoError(t, err)

	logger.Info("streaming", "state", "connected")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=streaming")
	assert.Contains(t, buf.String(), "state=connected")
}

func TestUnknownFormat(t *testing.T) {
	_, _, err := New(Options{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

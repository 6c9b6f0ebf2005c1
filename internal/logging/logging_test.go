package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "JSON format to stdout",
			config: Config{Level: "info", Format: "json", Output: "stdout"},
		},
		{
			name:   "Console format to stderr",
			config: Config{Level: "debug", Format: "console", Output: "stderr"},
		},
		{
			name:   "Invalid log level defaults to info",
			config: Config{Level: "invalid", Format: "json", Output: "stdout"},
		},
		{
			name:   "File output",
			config: Config{Level: "info", Format: "json", Output: filepath.Join(t.TempDir(), "app.log")},
		},
		{
			name:    "Unwritable file output",
			config:  Config{Level: "info", Output: filepath.Join(t.TempDir(), "missing", "app.log")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.DebugLevel)

	logger.WithRunID("run-1").WithVideoID("clip").WithStage("extract").Info("started")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "run-1", lines[0]["run_id"])
	assert.Equal(t, "clip", lines[0]["video_id"])
	assert.Equal(t, "extract", lines[0]["stage"])
	assert.Equal(t, "started", lines[0]["message"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.WarnLevel)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.ErrorWithErr("failed", errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestLogStageEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.InfoLevel)

	logger.LogStageEvent("run-1", "export", "completed", map[string]interface{}{"frames": 3})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "completed", lines[0]["event"])
	assert.Equal(t, float64(3), lines[0]["frames"])
}

func TestLogFrameProgress(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, zerolog.DebugLevel).LogFrameProgress("extract", 5, 10, 30)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, float64(30), lines[0]["progress"])
	assert.Equal(t, float64(10), lines[0]["total_frames"])
}

func TestLogStorageOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.InfoLevel)

	logger.LogStorageOperation("upload", "outputs", "clip.mp4", 1048576, 2*time.Second, nil)
	logger.LogStorageOperation("upload", "outputs", "clip.mp4", 0, time.Second, errors.New("denied"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "error", lines[1]["level"])
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()
	assert.NotPanics(t, func() {
		logger.WithRunID("x").Info("dropped")
		logger.WithStage("export").LogStorageOperation("upload", "outputs", "clip.mp4", 1, time.Millisecond, nil)
	})
}

func BenchmarkLogWithFields(b *testing.B) {
	logger := New(&bytes.Buffer{}, zerolog.InfoLevel)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.WithFields(map[string]interface{}{
			"key1": "value1",
			"key2": 123,
		}).Info("benchmark message")
	}
}

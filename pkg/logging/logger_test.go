// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCaptureLogger returns a logger writing to a temp file plus a
// function reading everything logged so far.
func newCaptureLogger(t *testing.T, format Format, version string) (Logger, func() string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "log.out")
	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	logger := NewLogger(&Config{
		Level:   slog.LevelDebug,
		Format:  format,
		Output:  f,
		Version: version,
	})

	read := func() string {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return string(data)
	}
	return logger, read
}

// decodeLastLine decodes the last JSON log record written.
func decodeLastLine(t *testing.T, out string) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &record))
	return record
}

func TestNewLogger_ServiceAndVersionAttributes(t *testing.T) {
	logger, read := newCaptureLogger(t, FormatJSON, "0.3.0")

	logger.Info("workflow opened", "path", "/scratch/wk1")

	record := decodeLastLine(t, read())
	assert.Equal(t, "flowengine", record["service"])
	assert.Equal(t, "0.3.0", record["version"])
	assert.Equal(t, "workflow opened", record["msg"])
	assert.Equal(t, "/scratch/wk1", record["path"])
}

func TestNewLogger_TextFormat(t *testing.T) {
	logger, read := newCaptureLogger(t, FormatText, "dev")

	logger.Warn("scheduler slow", "scheduler", "slurm")

	out := read()
	assert.Contains(t, out, "service=flowengine")
	assert.Contains(t, out, "scheduler=slurm")
	assert.Contains(t, out, "level=WARN")
}

func TestNewLogger_NilConfigUsesDefaults(t *testing.T) {
	assert.NotPanics(t, func() {
		logger := NewLogger(nil)
		logger.Debug("suppressed at default level")
	})
}

func TestNewLogger_TimeFormatRFC3339(t *testing.T) {
	logger, read := newCaptureLogger(t, FormatJSON, "dev")

	logger.Info("stamp check")

	record := decodeLastLine(t, read())
	stamp, ok := record["time"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, stamp)
	assert.NoError(t, err)
}

func TestWith_AddsPersistentFields(t *testing.T) {
	logger, read := newCaptureLogger(t, FormatJSON, "dev")

	child := logger.With("task_insert_id", 3)
	child.Info("element set extended")

	record := decodeLastLine(t, read())
	assert.EqualValues(t, 3, record["task_insert_id"])
}

func TestWithContext_ExtractsEngineValues(t *testing.T) {
	logger, read := newCaptureLogger(t, FormatJSON, "dev")

	ctx := ContextWithWorkflow(context.Background(), "/scratch/wk1")
	ctx = ContextWithJobscript(ctx, 0, 2)
	ctx = ContextWithRun(ctx, 41)

	logger.WithContext(ctx).Info("run started")

	record := decodeLastLine(t, read())
	assert.Equal(t, "/scratch/wk1", record["workflow"])
	assert.EqualValues(t, 0, record["sub_idx"])
	assert.EqualValues(t, 2, record["js_idx"])
	assert.EqualValues(t, 41, record["run_id"])
}

func TestWithContext_EmptyContextIsPassThrough(t *testing.T) {
	logger, read := newCaptureLogger(t, FormatJSON, "dev")

	same := logger.WithContext(context.Background())
	assert.Equal(t, logger, same)

	same.Info("no context values")
	record := decodeLastLine(t, read())
	_, hasWorkflow := record["workflow"]
	assert.False(t, hasWorkflow)
}

func TestLogStoreOp_OperationAndCaller(t *testing.T) {
	logger, read := newCaptureLogger(t, FormatJSON, "dev")

	LogStoreOp(logger, "commit_pending", "categories", 4).Info("committed")

	record := decodeLastLine(t, read())
	assert.Equal(t, "commit_pending", record["operation"])
	assert.EqualValues(t, 4, record["categories"])
	caller, ok := record["caller"].(string)
	require.True(t, ok)
	assert.Contains(t, caller, "logger_test.go:")
}

func TestLogSubmit_Fields(t *testing.T) {
	logger, read := newCaptureLogger(t, FormatJSON, "dev")

	LogSubmit(logger, "slurm", 1, "is_array", true).Info("submitting")

	record := decodeLastLine(t, read())
	assert.Equal(t, "slurm", record["scheduler"])
	assert.EqualValues(t, 1, record["js_idx"])
	assert.Equal(t, true, record["is_array"])
	assert.NotNil(t, record["timestamp"])
}

func TestLogDuration(t *testing.T) {
	logger, read := newCaptureLogger(t, FormatJSON, "dev")

	start := time.Now().Add(-50 * time.Millisecond)
	LogDuration(logger, start, "submit")

	record := decodeLastLine(t, read())
	assert.Equal(t, "operation completed", record["msg"])
	assert.Equal(t, "submit", record["operation"])
	assert.GreaterOrEqual(t, record["duration_ms"].(float64), float64(50))
}

func TestLogError(t *testing.T) {
	logger, read := newCaptureLogger(t, FormatJSON, "dev")

	pathErr := &os.PathError{Op: "rename", Path: "/wk/metadata.json", Err: os.ErrPermission}
	LogError(logger, pathErr, "commit_pending", "sub_idx", 0)

	record := decodeLastLine(t, read())
	assert.Equal(t, "operation failed", record["msg"])
	assert.Equal(t, "commit_pending", record["operation"])
	assert.Equal(t, "PathError", record["error_type"])
	assert.EqualValues(t, 0, record["sub_idx"])

	// nil errors log nothing:
	before := read()
	LogError(logger, nil, "noop")
	assert.Equal(t, before, read())
}

func TestSanitizeLogValue_StripsInjection(t *testing.T) {
	out := sanitizeLogValue("line1\nINJECTED level=ERROR\r\tend")
	assert.Equal(t, "line1 INJECTED level=ERROR  end", out)

	// control characters dropped entirely:
	out = sanitizeLogValue("a\x00b\x1bc")
	assert.Equal(t, "abc", out)

	// non-strings pass through:
	assert.Equal(t, 42, sanitizeLogValue(42))
}

func TestLogStoreOp_SanitizesFields(t *testing.T) {
	logger, read := newCaptureLogger(t, FormatJSON, "dev")

	LogStoreOp(logger, "add_parameter_data", "value", "x\ny").Info("added")

	record := decodeLastLine(t, read())
	assert.Equal(t, "x y", record["value"])
}

func TestNoOpLogger(t *testing.T) {
	logger := NoOpLogger{}
	assert.NotPanics(t, func() {
		logger.Debug("d")
		logger.Info("i")
		logger.Warn("w")
		logger.Error("e")
		logger.With("k", "v").Info("chained")
		logger.WithContext(context.Background()).Info("ctx")
	})
}

func TestSetDefaultLogger(t *testing.T) {
	previous := DefaultLogger
	defer SetDefaultLogger(previous)

	SetDefaultLogger(NoOpLogger{})
	assert.Equal(t, NoOpLogger{}, DefaultLogger)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, slog.LevelInfo, cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, os.Stdout, cfg.Output)
	assert.Equal(t, "unknown", cfg.Version)
}

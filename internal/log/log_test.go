package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"scan-orchestrator/internal/log"
)

func TestContextAttrsReachBothOutputs(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := log.NewWithWriters(&stderr, &file, slog.LevelInfo)

	ctx := log.ContextAttrs(t.Context(), slog.String("worker_id", "w1"))
	ctx = log.ContextAttrs(ctx, slog.String("job_id", "j1"))
	logger.With("component", "worker").InfoContext(ctx, "job started")
	logger.DebugContext(ctx, "hidden")

	require.Contains(t, stderr.String(), "job_id=j1")
	require.Contains(t, stderr.String(), "worker_id=w1")
	require.NotContains(t, stderr.String(), "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &rec))
	require.Equal(t, "job started", rec["msg"])
	require.Equal(t, "j1", rec["job_id"])
	require.Equal(t, "worker", rec["component"])
}

func TestContextAttrsDoNotLeakBetweenChildren(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := log.NewWithWriters(&stderr, &file, slog.LevelInfo)

	parent := log.ContextAttrs(t.Context(), slog.String("worker_id", "w1"))
	a := log.ContextAttrs(parent, slog.String("job_id", "a"))
	_ = log.ContextAttrs(parent, slog.String("job_id", "b"))
	logger.InfoContext(a, "x")

	require.Contains(t, stderr.String(), "job_id=a")
	require.NotContains(t, stderr.String(), "job_id=b")
}

func TestParseLevel(t *testing.T) {
	level, err := log.ParseLevel("debug")
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)

	level, err = log.ParseLevel("WARN")
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, level)

	_, err = log.ParseLevel("loud")
	require.Error(t, err)
}

package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readRecords parses every JSONL record in the debug log under dir.
func readRecords(t *testing.T, dir string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	require.NoError(t, err)

	var records []map[string]any
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		var r map[string]any
		if err := json.Unmarshal(data[start:i], &r); err == nil {
			records = append(records, r)
		}
		start = i + 1
	}
	return records
}

func initTestLogging(t *testing.T, cfg Config) string {
	t.Helper()
	Shutdown()
	dir := t.TempDir()
	cfg.Debug = true
	cfg.LogDir = dir
	Init(cfg)
	t.Cleanup(Shutdown)
	return dir
}

func TestInitWritesJSONL(t *testing.T) {
	dir := initTestLogging(t, Config{})

	Logger().Info("test_message", "key", "value")

	records := readRecords(t, dir)
	require.Len(t, records, 1)
	assert.Equal(t, "test_message", records[0]["msg"])
	assert.Equal(t, "value", records[0]["key"])
}

func TestInitNonDebugDiscards(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	require.NotNil(t, Logger())
	Logger().Info("this goes nowhere")
}

func TestForComponentBeforeInit(t *testing.T) {
	Shutdown()
	// Created before Init, the way package-level loggers are.
	ptyLog := ForComponent(CompPTY)

	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	ptyLog.Info("session_spawned", slog.String("session_id", "t1"))

	records := readRecords(t, dir)
	require.Len(t, records, 1)
	assert.Equal(t, CompPTY, records[0]["component"])
	assert.Equal(t, "t1", records[0]["session_id"])
}

func TestForComponentWithAttrs(t *testing.T) {
	dir := initTestLogging(t, Config{})

	ForComponent(CompEvents).With(slog.String("type", "agent:output")).Warn("payload_invalid")

	records := readRecords(t, dir)
	require.Len(t, records, 1)
	assert.Equal(t, CompEvents, records[0]["component"])
	assert.Equal(t, "agent:output", records[0]["type"])
	assert.Equal(t, "WARN", records[0]["level"])
}

func TestLevelFiltering(t *testing.T) {
	dir := initTestLogging(t, Config{Level: "warn"})

	Logger().Info("should_be_filtered")
	Logger().Warn("should_appear")

	records := readRecords(t, dir)
	require.Len(t, records, 1)
	assert.Equal(t, "should_appear", records[0]["msg"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestTextFormat(t *testing.T) {
	dir := initTestLogging(t, Config{Format: "text"})

	Logger().Info("text_format_test")

	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	require.NoError(t, err)
	var record map[string]any
	assert.Error(t, json.Unmarshal(data, &record), "text format should not be JSON")
	assert.Contains(t, string(data), "msg=text_format_test")
}

func TestDumpRingBuffer(t *testing.T) {
	dir := initTestLogging(t, Config{RingBufferSize: 1024})

	Logger().Info("ring_test_message")

	dumpPath := filepath.Join(dir, "crash-dump.jsonl")
	require.NoError(t, DumpRingBuffer(dumpPath))

	data, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ring_test_message")
}

func TestNewSampler(t *testing.T) {
	s := NewSampler(10)
	calls := 0
	for range 25 {
		s.Do(func() { calls++ })
	}
	// First call plus every tenth after it: 1, 10, 20.
	assert.Equal(t, 3, calls)

	every := NewSampler(0)
	calls = 0
	for range 5 {
		every.Do(func() { calls++ })
	}
	assert.Equal(t, 5, calls)
}

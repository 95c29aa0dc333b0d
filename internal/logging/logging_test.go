package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedDay = time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC)

func TestFileName(t *testing.T) {
	assert.Equal(t, "knockdoor_20240309.log", FileName(fixedDay))
}

func TestNewWritesConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	log, closeFn, err := New(Options{Level: "info", Dir: dir, Console: &console, Now: func() time.Time { return fixedDay }})
	require.NoError(t, err)

	log.Info("check finished", zap.String("service", "ssh"))
	log.Debug("hidden")
	require.NoError(t, closeFn())

	assert.Contains(t, console.String(), "check finished")
	assert.NotContains(t, console.String(), "hidden")

	data, err := os.ReadFile(filepath.Join(dir, "knockdoor_20240309.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "check finished", entry["msg"])
	assert.Equal(t, "ssh", entry["service"])
	assert.Equal(t, "info", entry["level"])
}

func TestNewAppends(t *testing.T) {
	dir := t.TempDir()
	now := func() time.Time { return fixedDay }

	for i := 0; i < 2; i++ {
		log, closeFn, err := New(Options{Dir: dir, Now: now})
		require.NoError(t, err)
		log.Info("run")
		require.NoError(t, closeFn())
	}

	lines, err := Tail(filepath.Join(dir, FileName(fixedDay)), 10)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestNewBadLevel(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestNewNoSinks(t *testing.T) {
	log, closeFn, err := New(Options{})
	require.NoError(t, err)
	log.Info("discarded")
	assert.NoError(t, closeFn())
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"knockdoor_20240101.log", "knockdoor_20240301.log", "other.txt", "knockdoor_x.tmp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}

	files, err := Files(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "knockdoor_20240301.log"),
		filepath.Join(dir, "knockdoor_20240101.log"),
	}, files)

	files, err = Files(filepath.Join(dir, "missing"))
	assert.NoError(t, err)
	assert.Empty(t, files)
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o600))

	lines, err := Tail(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, lines)

	lines, err = Tail(path, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, lines)

	_, err = Tail(filepath.Join(t.TempDir(), "none.log"), 2)
	assert.Error(t, err)
}

func TestConsoleLevelSeparate(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	log, closeFn, err := New(Options{Level: "debug", ConsoleLevel: "warn", Dir: dir, Console: &console, Now: func() time.Time { return fixedDay }})
	require.NoError(t, err)
	log.Debug("probe attempt")
	log.Warn("knock not sent")
	require.NoError(t, closeFn())

	assert.NotContains(t, console.String(), "probe attempt")
	assert.Contains(t, console.String(), "knock not sent")

	lines, err := Tail(filepath.Join(dir, FileName(fixedDay)), 10)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

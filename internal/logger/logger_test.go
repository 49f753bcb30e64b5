package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToFile(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	path := filepath.Join(t.TempDir(), "logs", "ardutrial.log")
	require.NoError(t, Init(Config{File: path, Level: "info"}))

	Log.Info("trial finished", slog.Bool("passed", true))
	Log.Debug("dropped at info level")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "trial finished", rec["msg"])
	require.Equal(t, true, rec["passed"])
}

func TestInitWithoutOutputsIsSilent(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	require.NoError(t, Init(Config{}))
	require.False(t, Log.Enabled(context.Background(), slog.LevelError))
}

func TestParseLevel(t *testing.T) {
	testCases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range testCases {
		require.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestOr(t *testing.T) {
	l := slog.Default()
	require.Same(t, l, Or(l))
	require.Same(t, Log, Or(nil))
}

func TestWithTagsTrial(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	path := filepath.Join(t.TempDir(), "trial.log")
	require.NoError(t, Init(Config{File: path, Level: "debug"}))
	With("takeoff-1").Info("launched")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"trial":"takeoff-1"`)
}

package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesTaggedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	log, err := New(Config{Level: "info", Format: "json", OutputFile: path}, "node-1")
	require.NoError(t, err)

	log.Debug("dropped")
	log.Info("kept")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "versiondb", entry["service"])
	require.Equal(t, "node-1", entry["node_id"])
	require.Equal(t, "INFO", entry["level"])
}

func TestLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"}, "")
	require.Error(t, err)
}

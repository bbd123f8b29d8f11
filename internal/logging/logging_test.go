package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iota.log")

	logger, err := New("warn", "json", []string{path})
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
	assert.Contains(t, entry, "timestamp")
}

func TestNewConsole(t *testing.T) {
	logger, err := New("DEBUG", "console", []string{filepath.Join(t.TempDir(), "out")})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", "json", nil)
	assert.Error(t, err)

	_, err = New("info", "xml", nil)
	assert.Error(t, err)
}

package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldbell/pricecaster/relayer/internal/config"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("relayer", config.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Debug("cycle done", "submitted", 3)
	require.Contains(t, buf.String(), `"service":"relayer"`)
	require.Contains(t, buf.String(), `"submitted":3`)
}

func TestNewWithWriterLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("relayer", config.LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, _, err := New("relayer", config.LogConfig{Level: "loud"})
	require.Error(t, err)
	_, _, err = New("relayer", config.LogConfig{Format: "xml"})
	require.Error(t, err)
	_, _, err = New("relayer", config.LogConfig{Output: "syslog"})
	require.Error(t, err)
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relayer.log")
	logger, closeFn, err := New("relayer", config.LogConfig{Output: "file", FilePath: path})
	require.NoError(t, err)

	logger.Info("written to file")
	require.NoError(t, closeFn())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(body), "written to file")
}

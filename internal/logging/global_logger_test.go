package logging

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected log.Level
	}{
		{"debug", "debug", log.DebugLevel},
		{"verbose alias", "Verbose", log.DebugLevel},
		{"info", "INFO", log.InfoLevel},
		{"warn", "warn", log.WarnLevel},
		{"warning alias", "Warning", log.WarnLevel},
		{"error", "error", log.ErrorLevel},
		{"quiet", "quiet", log.FatalLevel},
		{"silent", "SILENT", log.FatalLevel},
		{"padded", "  debug ", log.DebugLevel},
		{"unknown falls back to info", "trace-everything", log.InfoLevel},
		{"empty falls back to info", "", log.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log.SetLevel(log.PanicLevel)
			SetLogLevel(tt.input)
			assert.Equal(t, tt.expected, log.GetLevel())
		})
	}
}

func TestConfigureLogOutput_WritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(CloseLogOutput)

	require.NoError(t, ConfigureLogOutput(dir, 0, 0))
	log.SetLevel(log.InfoLevel)
	log.Info("log file smoke line")
	CloseLogOutput()

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "log file smoke line")
}

func TestConfigureLogOutput_EmptyDirUsesStderr(t *testing.T) {
	t.Cleanup(CloseLogOutput)
	require.NoError(t, ConfigureLogOutput("", 5, 1))
	assert.Equal(t, os.Stderr, log.StandardLogger().Out)
}

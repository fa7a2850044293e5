// Package logging configures the process-wide logrus logger, the Gin request
// middleware and the in-memory ring buffer that keeps recent daemon output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the rotating log file created inside the configured log directory.
const LogFileName = "monerodctl.log"

var (
	setupOnce  sync.Once
	outputMu   sync.Mutex
	fileWriter *lumberjack.Logger
)

// SetupBaseLogger installs the text formatter and the ring buffer hook on the
// standard logrus logger. It is safe to call more than once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
		log.SetOutput(os.Stderr)
		log.AddHook(GlobalBuffer)
	})
}

// SetLogLevel maps a user supplied level name onto logrus.
// "verbose" is an alias for debug; "quiet" and "silent" only let fatal messages through.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// ConfigureLogOutput sends logs to stderr and, when dir is non-empty, also to a
// size-rotated file under dir. maxSizeMB and maxBackups fall back to 10 and 3.
func ConfigureLogOutput(dir string, maxSizeMB, maxBackups int) error {
	outputMu.Lock()
	defer outputMu.Unlock()

	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}

	if strings.TrimSpace(dir) == "" {
		log.SetOutput(os.Stderr)
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	fileWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, LogFileName),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, fileWriter))
	return nil
}

// CloseLogOutput flushes and closes the rotating file writer, if any.
func CloseLogOutput() {
	outputMu.Lock()
	defer outputMu.Unlock()
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	log.SetOutput(os.Stderr)
}

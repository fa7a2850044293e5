package logging

import (
	"bytes"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize is the default capacity of the ring buffer.
const DefaultBufferSize = 1000

// SourceDaemon tags entries captured from the supervised monerod's stdout/stderr.
const SourceDaemon = "monerod"

// LogEntry is a single line held by a RingBuffer.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// RingBuffer is a fixed-capacity, thread-safe store of the most recent log
// entries. It doubles as a logrus.Hook.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	next     int
	count    int
	capacity int
}

// NewRingBuffer creates a buffer holding up to capacity entries.
// Non-positive capacities use DefaultBufferSize.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// Levels implements logrus.Hook.
func (rb *RingBuffer) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements logrus.Hook.
func (rb *RingBuffer) Fire(entry *log.Entry) error {
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	source := ""
	if entry.Caller != nil {
		source = filepath.Base(entry.Caller.File) + ":" + strconv.Itoa(entry.Caller.Line)
	}
	rb.Write(LogEntry{
		Timestamp: entry.Time,
		Level:     level,
		Message:   entry.Message,
		Source:    source,
		Fields:    copyFields(entry.Data),
	})
	return nil
}

// Write appends entry, evicting the oldest one when the buffer is full.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.next] = entry
	rb.next = (rb.next + 1) % rb.capacity
	if rb.count < rb.capacity {
		rb.count++
	}
}

// GetEntries returns a copy of all entries, oldest first.
func (rb *RingBuffer) GetEntries() []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]LogEntry, 0, rb.count)
	start := (rb.next - rb.count + rb.capacity) % rb.capacity
	for i := 0; i < rb.count; i++ {
		e := rb.entries[(start+i)%rb.capacity]
		e.Fields = copyFields(e.Fields)
		result = append(result, e)
	}
	return result
}

// GetRecentEntries returns the n most recent entries, oldest first.
// n <= 0 returns everything.
func (rb *RingBuffer) GetRecentEntries(n int) []LogEntry {
	entries := rb.GetEntries()
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// GetRecentBySource is GetRecentEntries restricted to entries with the given source.
func (rb *RingBuffer) GetRecentBySource(source string, n int) []LogEntry {
	all := rb.GetEntries()
	filtered := all[:0]
	for _, e := range all {
		if e.Source == source {
			filtered = append(filtered, e)
		}
	}
	if n <= 0 || n >= len(filtered) {
		return filtered
	}
	return filtered[len(filtered)-n:]
}

// Len returns the number of stored entries.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Cap returns the buffer capacity.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}

// Clear drops every stored entry.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.next = 0
	rb.count = 0
	for i := range rb.entries {
		rb.entries[i] = LogEntry{}
	}
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// LineWriter is an io.Writer that splits a byte stream into lines and stores
// each complete line in a RingBuffer under a fixed source and level.
type LineWriter struct {
	buf    *RingBuffer
	source string
	level  string

	mu      sync.Mutex
	pending []byte
}

// NewLineWriter returns a LineWriter appending to buf.
func NewLineWriter(buf *RingBuffer, source, level string) *LineWriter {
	return &LineWriter{buf: buf, source: source, level: level}
}

// Write implements io.Writer. Partial trailing lines are held until the next newline or Flush.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.pending[:idx])
		w.pending = w.pending[idx+1:]
	}
	return len(p), nil
}

// Flush stores any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	w.buf.Write(LogEntry{
		Timestamp: time.Now(),
		Level:     w.level,
		Message:   string(line),
		Source:    w.source,
	})
}

// GlobalBuffer receives every logrus entry once SetupBaseLogger has run.
var GlobalBuffer = NewRingBuffer(DefaultBufferSize)

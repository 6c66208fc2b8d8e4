// Package logging writes structured JSONL events for the session service.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log
type Category string

const (
	CategorySession     Category = "session"
	CategoryCapture     Category = "capture"
	CategoryReplay      Category = "replay"
	CategoryOracle      Category = "oracle"
	CategoryDriver      Category = "driver"
	CategoryStream      Category = "stream"
	CategoryConvergence Category = "convergence"
	CategoryStore       Category = "store"
	CategoryServer      Category = "server"
)

// Event represents a structured log event
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger writes structured events to an events file, duplicating errors into
// a separate errors file. A nil Logger discards everything.
type Logger struct {
	mu        sync.Mutex
	eventFile *os.File
	errorFile *os.File
	minLevel  Level
}

// NewLogger creates a logger writing under baseDir.
func NewLogger(baseDir string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	eventFile, err := os.OpenFile(
		filepath.Join(baseDir, "events.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		eventFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	return &Logger{
		eventFile: eventFile,
		errorFile: errorFile,
		minLevel:  LevelInfo,
	}, nil
}

// SetMinLevel sets the minimum level written to disk.
func (l *Logger) SetMinLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

var levelOrder = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

func (l *Logger) write(level Level, category Category, eventType, sessionID string, details map[string]any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if levelOrder[level] < levelOrder[l.minLevel] {
		return
	}
	ev := Event{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Category:  category,
		EventType: eventType,
		SessionID: sessionID,
		Details:   details,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if l.eventFile != nil {
		l.eventFile.Write(data)
	}
	if level == LevelError && l.errorFile != nil {
		l.errorFile.Write(data)
	}
}

// Debug logs a debug event.
func (l *Logger) Debug(category Category, eventType, sessionID string, details map[string]any) {
	l.write(LevelDebug, category, eventType, sessionID, details)
}

// Info logs an informational event.
func (l *Logger) Info(category Category, eventType, sessionID string, details map[string]any) {
	l.write(LevelInfo, category, eventType, sessionID, details)
}

// Warn logs a warning.
func (l *Logger) Warn(category Category, eventType, sessionID string, details map[string]any) {
	l.write(LevelWarn, category, eventType, sessionID, details)
}

// Error logs an error event.
func (l *Logger) Error(category Category, eventType, sessionID string, details map[string]any) {
	l.write(LevelError, category, eventType, sessionID, details)
}

// Close flushes and closes the underlying files.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range []*os.File{l.eventFile, l.errorFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.eventFile = nil
	l.errorFile = nil
	return firstErr
}

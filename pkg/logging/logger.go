package logging

import (
	"encoding/json"
	"fmt"
	"io"
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

// ParseLevel maps a config string onto a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s)
	default:
		return LevelInfo
	}
}

// Category represents the subsystem generating the log
type Category string

const (
	CategoryGateway   Category = "gateway"
	CategorySession   Category = "session"
	CategoryRelay     Category = "relay"
	CategoryAssistant Category = "assistant"
	CategoryStorage   Category = "storage"
	CategoryBus       Category = "bus"
	CategoryConfig    Category = "config"
)

// Event represents a structured log event
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	Level        Level          `json:"level"`
	Category     Category       `json:"category"`
	EventType    string         `json:"type"`
	ProjectID    string         `json:"project_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Identity     string         `json:"identity,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// Logger writes structured JSONL events to a server log, mirroring errors
// into a dedicated error log.
type Logger struct {
	serverFile io.WriteCloser
	errorFile  io.WriteCloser
	mu         sync.Mutex
	minLevel   Level
}

// NewLogger creates a structured logger writing under baseDir.
func NewLogger(baseDir string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	serverFile, err := os.OpenFile(
		filepath.Join(baseDir, "server.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open server log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		serverFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	return &Logger{
		serverFile: serverFile,
		errorFile:  errorFile,
		minLevel:   LevelInfo,
	}, nil
}

// NewWriterLogger creates a logger that writes all events to w. Used by tests
// and for stderr logging when no log directory is configured.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{
		serverFile: nopCloser{w},
		minLevel:   LevelInfo,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{serverFile: nopCloser{io.Discard}, minLevel: LevelError}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes an event to appropriate destinations
func (l *Logger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !l.shouldLog(event.Level) {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.serverFile != nil {
		if _, err := l.serverFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to server log: %w", err)
		}
	}

	if event.Level == LevelError && l.errorFile != nil {
		if _, err := l.errorFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to error log: %w", err)
		}
	}

	return nil
}

// shouldLog checks if event should be logged based on level
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.minLevel]
}

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelDebug,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelInfo,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelWarn,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelError,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Close closes all log files
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.serverFile != nil {
		if err := l.serverFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.errorFile != nil {
		if err := l.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/servo-link/mqttservo/internal/actuator"
)

// Result codes written to the Code field.
const (
	CodeSuccess     = "SUCCESS"
	CodeUnknownPin  = "UNKNOWN_PIN"
	CodeCalibration = "INVALID_CALIBRATION"
	CodeCancelled   = "CANCELLED"
	CodeError       = "ERROR"
)

// FileName is the audit file created inside the configured directory.
const FileName = "actuation.jsonl"

// Entry represents a single audit log entry.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Device    string    `json:"device,omitempty"`
	Marker    int64     `json:"lastSeen"`
	Channel   string    `json:"channel"`
	Pin       int       `json:"pin"`
	Angle     float64   `json:"angle"`
	Pulse     int       `json:"pulse"`
	Outcome   string    `json:"outcome"`
	Code      string    `json:"code"`
}

// Config holds audit file settings.
type Config struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger appends entries to a rotating JSONL file.
type Logger struct {
	mu       sync.Mutex
	device   string
	filePath string
	out      *lumberjack.Logger
}

// NewLogger creates a new audit logger writing to cfg.Dir.
func NewLogger(cfg Config, device string) (*Logger, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	filePath := filepath.Join(cfg.Dir, FileName)
	return &Logger{
		device:   device,
		filePath: filePath,
		out: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		},
	}, nil
}

// LogActuation records one pulse write. A nil err is logged as success.
func (l *Logger) LogActuation(ctx context.Context, entry Entry, err error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Device == "" {
		entry.Device = l.device
	}
	entry.Code = CodeFromError(err)
	if entry.Outcome == "" {
		entry.Outcome = "written"
		if err != nil {
			entry.Outcome = "failed"
		}
	}

	l.writeEntry(entry)
}

// CodeFromError maps an actuation error to its audit code.
func CodeFromError(err error) string {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, actuator.ErrUnknownPin):
		return CodeUnknownPin
	case errors.Is(err, actuator.ErrInvalidCalibration), errors.Is(err, actuator.ErrDegenerateCalibration):
		return CodeCalibration
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodeError
	}
}

func (l *Logger) writeEntry(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	jsonData, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal audit entry: %v\n", err)
		return
	}

	if _, err := l.out.Write(append(jsonData, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write audit entry: %v\n", err)
	}
}

// FilePath returns the path to the active audit file.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Rotate moves the active file aside and starts a new one.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.out.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	return nil
}

// Close closes the audit file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// Copyright 2025 James Ross

// Package auditlog writes a rotating, append-only JSON-line trail of
// operator-triggered mutations (dead-letter purges, reconciliation repairs)
// for later review.
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is one operator action.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail,omitempty"`
}

// Logger appends entries to a size-rotated file. A nil *Logger is valid and
// silently drops entries, so callers can wire it unconditionally even when
// auditing is disabled.
type Logger struct {
	mu   sync.Mutex
	file *lumberjack.Logger
}

// New opens (creating parent directories as needed) a rotating audit log at
// path. maxSizeMB and maxBackups follow lumberjack's own units.
func New(path string, maxSizeMB, maxBackups int) (*Logger, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("auditlog: create dir: %w", err)
	}
	return &Logger{file: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}}, nil
}

// Log appends one entry, stamping Timestamp if the caller left it zero.
func (l *Logger) Log(e Entry) error {
	if l == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("auditlog: marshal entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.file.Write(append(body, '\n'))
	return err
}

// Close flushes and closes the underlying rotated file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}

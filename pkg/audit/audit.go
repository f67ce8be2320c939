// Package audit records engine-level audit events (job created, cancelled,
// deleted, retention sweeps). The engine emits events; long-term audit
// storage is owned elsewhere.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Entry is a single audit event.
type Entry struct {
	Time         time.Time      `json:"time"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`        // job.create, job.cancel, job.delete, retention.sweep
	ResourceType string         `json:"resource_type"` // job, artifact
	ResourceID   string         `json:"resource_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
//
// Implementations must be safe for concurrent use and must not block the
// caller beyond local I/O.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// FileLogger appends audit entries to a JSONL file, one JSON object per
// line, guarded by a file lock for concurrent appends.
type FileLogger struct {
	path string
}

// NewFileLogger creates a JSONL audit logger writing to path.
func NewFileLogger(path string) (*FileLogger, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &FileLogger{path: path}, nil
}

// Log appends one entry.
func (l *FileLogger) Log(ctx context.Context, entry Entry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	lock := flock.New(l.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire audit log lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// NopLogger discards all entries. Used when auditing is disabled.
type NopLogger struct{}

// Log discards the entry.
func (NopLogger) Log(ctx context.Context, entry Entry) error { return nil }

// Package artifact provides durable storage for job outputs (export files,
// backup archives) and their size metadata.
//
// Artifacts are owned exclusively by the job that created them; the
// orchestrator is the only caller that deletes them, either with the job
// record or during the retention sweep.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when no artifact exists for a ref.
	ErrNotFound = errors.New("artifact: not found")
)

// IsNotFound reports whether err indicates a missing artifact.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Info describes a stored artifact.
type Info struct {
	Ref       string    `json:"ref"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the artifact storage abstraction.
//
// Thread-safety: all methods must be safe for concurrent use. Put must be
// atomic: a ref either resolves to the complete content or does not exist;
// readers never observe a partial write.
type Store interface {
	// Put stores the content read from r under ref and returns the byte
	// count written. Refs are unique per job run; overwriting is an error.
	Put(ctx context.Context, ref string, r io.Reader) (int64, error)

	// Open returns a reader over the artifact's content. The caller closes
	// the returned reader.
	//
	// Returns ErrNotFound if no artifact exists for ref.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)

	// Size returns the artifact's byte count.
	//
	// Returns ErrNotFound if no artifact exists for ref.
	Size(ctx context.Context, ref string) (int64, error)

	// Delete removes the artifact.
	//
	// Returns ErrNotFound if no artifact exists for ref.
	Delete(ctx context.Context, ref string) error

	// List enumerates stored artifacts. Used by the retention sweep to
	// reconcile orphans.
	List(ctx context.Context) ([]Info, error)
}

// ValidateRef rejects refs that could escape the store's root.
func ValidateRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("artifact ref is required")
	}
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("artifact ref %q contains disallowed character %q", ref, r)
		}
	}
	if ref[0] == '.' {
		return fmt.Errorf("artifact ref %q must not start with a dot", ref)
	}
	return nil
}

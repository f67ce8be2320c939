package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements Store on the local filesystem.
//
// Storage layout:
//
//	{root}/
//	  {ref}
//	  .tmp/            staging area for in-progress writes
//
// Atomicity: Put streams into the staging area and renames into place, so a
// ref is either fully present or absent. Refs are unique per job run, which
// is why no cross-process lock is needed here (unlike the record store,
// where concurrent writers mutate the same file).
type LocalStore struct {
	root string
}

// NewLocalStore creates a file-based artifact store rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact store root is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact store root: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

// Put stores content under ref via staging file and rename.
func (s *LocalStore) Put(ctx context.Context, ref string, r io.Reader) (int64, error) {
	if err := ValidateRef(ref); err != nil {
		return 0, err
	}

	finalPath := s.path(ref)
	if _, err := os.Stat(finalPath); err == nil {
		return 0, fmt.Errorf("artifact %q already exists", ref)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, ".tmp"), ref+".*")
	if err != nil {
		return 0, fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("write artifact %q: %w", ref, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("commit artifact %q: %w", ref, err)
	}

	return n, nil
}

// Open returns a reader over the artifact content.
func (s *LocalStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %q: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("open artifact %q: %w", ref, err)
	}
	return f, nil
}

// Size returns the artifact byte count.
func (s *LocalStore) Size(ctx context.Context, ref string) (int64, error) {
	if err := ValidateRef(ref); err != nil {
		return 0, err
	}

	info, err := os.Stat(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("artifact %q: %w", ref, ErrNotFound)
		}
		return 0, fmt.Errorf("stat artifact %q: %w", ref, err)
	}
	return info.Size(), nil
}

// Delete removes the artifact.
func (s *LocalStore) Delete(ctx context.Context, ref string) error {
	if err := ValidateRef(ref); err != nil {
		return err
	}

	err := os.Remove(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("artifact %q: %w", ref, ErrNotFound)
		}
		return fmt.Errorf("delete artifact %q: %w", ref, err)
	}
	return nil
}

// List enumerates stored artifacts.
func (s *LocalStore) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read artifact store root: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Ref:       entry.Name(),
			SizeBytes: fi.Size(),
			CreatedAt: fi.ModTime(),
		})
	}
	return infos, nil
}

func (s *LocalStore) path(ref string) string {
	return filepath.Join(s.root, ref)
}

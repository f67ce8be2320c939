// Package backup implements the backup task body: it archives the
// platform's database and uploaded files into a tar.gz (optionally
// age-encrypted) and stores it as the job's artifact.
//
// Scopes: "database" captures the database directory, "files" the upload
// tree, "full" both, and "incremental" both restricted to files modified
// since the last completed backup.
package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gradeworks/gradeworks/pkg/artifact"
	"github.com/gradeworks/gradeworks/pkg/jobs"
)

// Config locates the data a backup captures and the key that protects it.
type Config struct {
	// DatabaseDir holds the platform's database files.
	DatabaseDir string `koanf:"database_dir"`

	// FilesDir holds uploaded files (submissions, attachments).
	FilesDir string `koanf:"files_dir"`

	// AgeRecipient is the X25519 public key encrypting jobs ask for.
	// Required only when a job sets the encrypt flag.
	AgeRecipient string `koanf:"age_recipient"`
}

// Task archives backups. It implements jobs.Task for the backup kind.
type Task struct {
	cfg         Config
	artifacts   artifact.Store
	lastSuccess func(ctx context.Context) (time.Time, bool)
	logger      zerolog.Logger
}

// NewTask creates the backup task body.
func NewTask(cfg Config, artifacts artifact.Store) *Task {
	return &Task{
		cfg:       cfg,
		artifacts: artifacts,
		logger:    log.With().Str("component", "backup-task").Logger(),
	}
}

// WithLastSuccess attaches the incremental watermark: a function returning
// the start time of the most recent completed backup. Without it,
// incremental backups degrade to full ones.
func (t *Task) WithLastSuccess(fn func(ctx context.Context) (time.Time, bool)) *Task {
	t.lastSuccess = fn
	return t
}

// Kind returns the job kind this task serves.
func (t *Task) Kind() jobs.JobKind {
	return jobs.KindBackup
}

// Run executes one backup job: enumerate, archive, store.
func (t *Task) Run(ctx context.Context, job *jobs.Job, sink jobs.ProgressSink) (*jobs.ArtifactRef, error) {
	params := job.Params.Backup
	if params == nil {
		return nil, jobs.NewPermanentError("missing_params", "backup job has no backup parameters", nil)
	}

	var recipient *age.X25519Recipient
	if params.Encrypt {
		if t.cfg.AgeRecipient == "" {
			return nil, jobs.NewPermanentError("no_recipient", "encryption requested but no age recipient is configured", nil)
		}
		var err error
		recipient, err = age.ParseX25519Recipient(t.cfg.AgeRecipient)
		if err != nil {
			return nil, jobs.NewPermanentError("bad_recipient", "configured age recipient is invalid", err)
		}
	}

	var since time.Time
	if params.Scope == jobs.ScopeIncremental && t.lastSuccess != nil {
		if ts, ok := t.lastSuccess(ctx); ok {
			since = ts
		}
	}

	roots, err := t.scopeRoots(params.Scope)
	if err != nil {
		return nil, err
	}

	files, err := enumerate(ctx, roots, since)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, jobs.NewTransientError("enumerate", "failed to enumerate backup files", err)
	}
	sink.Report(10, fmt.Sprintf("found %d files", len(files)))

	var buf bytes.Buffer
	if err := t.archive(ctx, &buf, files, recipient, sink); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ext := "tar.gz"
	if params.Encrypt {
		ext += ".age"
	}
	ref := fmt.Sprintf("backup-%s-%s.%s", params.Scope, job.ID, ext)

	size, err := t.artifacts.Put(ctx, ref, &buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, jobs.NewTransientError("artifact_write", "failed to store backup artifact", err)
	}

	t.logger.Debug().Str("job_id", job.ID).Str("ref", ref).Int64("size", size).Int("files", len(files)).Msg("backup stored")
	return &jobs.ArtifactRef{Ref: ref, SizeBytes: size}, nil
}

// scopeRoots maps a backup scope to the directory trees it captures. Each
// root carries a prefix so database and file entries stay separated in the
// archive.
func (t *Task) scopeRoots(scope jobs.BackupScope) ([]rootDir, error) {
	database := rootDir{Prefix: "database", Path: t.cfg.DatabaseDir}
	uploads := rootDir{Prefix: "files", Path: t.cfg.FilesDir}

	switch scope {
	case jobs.ScopeDatabase:
		return []rootDir{database}, nil
	case jobs.ScopeFiles:
		return []rootDir{uploads}, nil
	case jobs.ScopeFull, jobs.ScopeIncremental:
		return []rootDir{database, uploads}, nil
	default:
		return nil, jobs.NewPermanentError("bad_scope", fmt.Sprintf("unsupported backup scope %q", scope), nil)
	}
}

type rootDir struct {
	Prefix string
	Path   string
}

type fileEntry struct {
	ArchivePath string
	AbsPath     string
	Info        os.FileInfo
}

// enumerate walks the scope roots, collecting regular files modified after
// since (zero since matches everything). Missing roots are tolerated: a
// fresh install with no uploads still backs up cleanly.
func enumerate(ctx context.Context, roots []rootDir, since time.Time) ([]fileEntry, error) {
	var files []fileEntry

	for _, root := range roots {
		if root.Path == "" {
			continue
		}
		if _, err := os.Stat(root.Path); os.IsNotExist(err) {
			continue
		}

		err := filepath.Walk(root.Path, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			if !since.IsZero() && !info.ModTime().After(since) {
				return nil
			}

			rel, err := filepath.Rel(root.Path, path)
			if err != nil {
				return err
			}
			files = append(files, fileEntry{
				ArchivePath: filepath.ToSlash(filepath.Join(root.Prefix, rel)),
				AbsPath:     path,
				Info:        info,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return files, nil
}

// archive writes files as tar -> gzip -> (optional) age into w, with a
// cancellation checkpoint and progress report per file.
func (t *Task) archive(ctx context.Context, w io.Writer, files []fileEntry, recipient *age.X25519Recipient, sink jobs.ProgressSink) error {
	var out io.Writer = w

	var encWriter io.WriteCloser
	if recipient != nil {
		var err error
		encWriter, err = age.Encrypt(w, recipient)
		if err != nil {
			return jobs.NewPermanentError("encrypt_init", "failed to initialize encryption", err)
		}
		out = encWriter
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for i, entry := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := t.addFile(tw, entry); err != nil {
			return jobs.NewTransientError("archive_write", fmt.Sprintf("failed to archive %s", entry.ArchivePath), err)
		}

		if len(files) > 0 {
			// 10-90 spans the archive phase; store takes the rest.
			sink.Report(10+(i+1)*80/len(files), entry.ArchivePath)
		}
	}

	if err := tw.Close(); err != nil {
		return jobs.NewTransientError("archive_close", "failed to finalize archive", err)
	}
	if err := gz.Close(); err != nil {
		return jobs.NewTransientError("archive_close", "failed to finalize compression", err)
	}
	if encWriter != nil {
		if err := encWriter.Close(); err != nil {
			return jobs.NewTransientError("archive_close", "failed to finalize encryption", err)
		}
	}

	return nil
}

func (t *Task) addFile(tw *tar.Writer, entry fileEntry) error {
	header, err := tar.FileInfoHeader(entry.Info, "")
	if err != nil {
		return err
	}
	header.Name = entry.ArchivePath

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(entry.AbsPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(tw, f); err != nil {
		return err
	}
	return nil
}

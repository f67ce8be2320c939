package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gradeworks/gradeworks/pkg/artifact"
	"github.com/gradeworks/gradeworks/pkg/jobs"
)

// dataset is one data type's filtered records, ready for rendering.
type dataset struct {
	Name    string
	Columns []string
	Rows    [][]string
}

// Task renders exports. It implements jobs.Task for the export kind.
type Task struct {
	source    Source
	artifacts artifact.Store
	logger    zerolog.Logger
}

// NewTask creates the export task body over a data source and artifact
// store.
func NewTask(source Source, artifacts artifact.Store) *Task {
	return &Task{
		source:    source,
		artifacts: artifacts,
		logger:    log.With().Str("component", "export-task").Logger(),
	}
}

// Kind returns the job kind this task serves.
func (t *Task) Kind() jobs.JobKind {
	return jobs.KindExport
}

// Run executes one export job: collect, render, store.
//
// Cancellation checkpoints sit before each data type and before the final
// store phase. Failures reaching the artifact store are transient (retried
// by the harness); unknown data types and rendering failures are permanent.
func (t *Task) Run(ctx context.Context, job *jobs.Job, sink jobs.ProgressSink) (*jobs.ArtifactRef, error) {
	params := job.Params.Export
	if params == nil {
		return nil, jobs.NewPermanentError("missing_params", "export job has no export parameters", nil)
	}

	datasets := make([]dataset, 0, len(params.DataTypes))
	for i, dataType := range params.DataTypes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ds, err := t.collect(ctx, dataType, params)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, ds)

		sink.Report((i+1)*80/len(params.DataTypes), fmt.Sprintf("collected %s (%d records)", dataType, len(ds.Rows)))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	ext, err := render(&buf, datasets, params)
	if err != nil {
		return nil, jobs.NewPermanentError("render_failed", "failed to render export", err)
	}
	sink.Report(90, "rendered "+string(params.Format))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ref := fmt.Sprintf("export-%s.%s", job.ID, ext)
	size, err := t.artifacts.Put(ctx, ref, &buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, jobs.NewTransientError("artifact_write", "failed to store export artifact", err)
	}

	t.logger.Debug().Str("job_id", job.ID).Str("ref", ref).Int64("size", size).Msg("export stored")
	return &jobs.ArtifactRef{Ref: ref, SizeBytes: size}, nil
}

// collect reads one data type and applies range and field filters.
func (t *Task) collect(ctx context.Context, dataType string, params *jobs.ExportParams) (dataset, error) {
	columns, err := t.source.Columns(dataType)
	if err != nil {
		return dataset{}, classifySourceError(dataType, err)
	}

	records, err := t.source.Records(ctx, dataType)
	if err != nil {
		return dataset{}, classifySourceError(dataType, err)
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		if !rec.At.IsZero() && !params.Range.Contains(rec.At) {
			continue
		}
		if !matchesFilters(rec, params.Filters) {
			continue
		}

		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = rec.Fields[col]
		}
		rows = append(rows, row)
	}

	return dataset{Name: dataType, Columns: columns, Rows: rows}, nil
}

func matchesFilters(rec Record, filters map[string]string) bool {
	for field, want := range filters {
		if rec.Fields[field] != want {
			return false
		}
	}
	return true
}

func classifySourceError(dataType string, err error) error {
	if errors.Is(err, ErrUnknownDataType) {
		return jobs.NewPermanentError("unknown_data_type", fmt.Sprintf("data type %q is not exportable", dataType), err)
	}
	return jobs.NewTransientError("source_read", fmt.Sprintf("failed to read %s records", dataType), err)
}

// render writes the datasets in the requested format, applying gzip when
// the compress flag is set (xlsx is already deflate-compressed and is left
// alone). Returns the file extension for the artifact ref.
func render(buf *bytes.Buffer, datasets []dataset, params *jobs.ExportParams) (string, error) {
	var w io.Writer = buf
	ext := string(params.Format)

	var gz *gzip.Writer
	if params.Compress && params.Format != jobs.FormatXLSX {
		gz = gzip.NewWriter(buf)
		w = gz
		ext += ".gz"
	}

	var err error
	switch params.Format {
	case jobs.FormatCSV:
		err = writeCSV(w, datasets)
	case jobs.FormatJSON:
		err = writeJSON(w, datasets)
	case jobs.FormatXLSX:
		err = writeXLSX(w, datasets)
	default:
		err = fmt.Errorf("unsupported format %q", params.Format)
	}
	if err != nil {
		return "", err
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return "", fmt.Errorf("close gzip stream: %w", err)
		}
	}

	if params.Format == jobs.FormatCSV && len(datasets) > 1 {
		// Multi-type CSV exports are bundled as a zip; writeCSV decided that.
		ext = "zip"
		if params.Compress {
			ext = "zip.gz"
		}
	}

	return ext, nil
}

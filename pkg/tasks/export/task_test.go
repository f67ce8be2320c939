package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/gradeworks/gradeworks/pkg/artifact"
	"github.com/gradeworks/gradeworks/pkg/jobs"
)

type nopSink struct{}

func (nopSink) Report(progress int, hint string) {}

// recordingSink captures reported progress values.
type recordingSink struct {
	values []int
}

func (s *recordingSink) Report(progress int, hint string) {
	s.values = append(s.values, progress)
}

func writeJSONL(t *testing.T, dir, dataType string, lines ...string) {
	t.Helper()
	path := filepath.Join(dir, dataType+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func newExportFixture(t *testing.T) (*Task, *artifact.LocalStore, string) {
	t.Helper()
	dataDir := t.TempDir()
	source, err := NewJSONLSource(dataDir)
	require.NoError(t, err)
	artifacts, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return NewTask(source, artifacts), artifacts, dataDir
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func exportJob(id string, params jobs.ExportParams) *jobs.Job {
	return &jobs.Job{
		ID:     id,
		Kind:   jobs.KindExport,
		Status: jobs.StatusRunning,
		Params: jobs.Params{Export: &params},
	}
}

func readArtifact(t *testing.T, store *artifact.LocalStore, ref string) []byte {
	t.Helper()
	r, err := store.Open(context.Background(), ref)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestJSONLSource(t *testing.T) {
	dir := t.TempDir()
	writeJSONL(t, dir, "users",
		`{"id": 1, "name": "ada", "active": true, "created_at": "2026-01-10T12:00:00Z"}`,
		`{"id": 2, "name": "grace", "active": false}`,
	)

	source, err := NewJSONLSource(dir)
	require.NoError(t, err)

	cols, err := source.Columns("users")
	require.NoError(t, err)
	require.Equal(t, []string{"active", "created_at", "id", "name"}, cols)

	records, err := source.Records(context.Background(), "users")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "1", records[0].Fields["id"])
	require.Equal(t, "true", records[0].Fields["active"])
	require.False(t, records[0].At.IsZero())
	require.True(t, records[1].At.IsZero())

	_, err = source.Records(context.Background(), "payments")
	require.ErrorIs(t, err, ErrUnknownDataType)
}

func TestExport_CSV(t *testing.T) {
	task, artifacts, dataDir := newExportFixture(t)
	writeJSONL(t, dataDir, "users",
		`{"id": 1, "name": "ada"}`,
		`{"id": 2, "name": "grace"}`,
	)

	ref, err := task.Run(context.Background(), exportJob("j1", jobs.ExportParams{
		DataTypes: []string{"users"},
		Format:    jobs.FormatCSV,
	}), nopSink{})
	require.NoError(t, err)
	require.Equal(t, "export-j1.csv", ref.Ref)
	require.Greater(t, ref.SizeBytes, int64(0))

	content := string(readArtifact(t, artifacts, ref.Ref))
	require.Equal(t, "id,name\n1,ada\n2,grace\n", content)
}

func TestExport_MultiTypeCSVIsZipped(t *testing.T) {
	task, artifacts, dataDir := newExportFixture(t)
	writeJSONL(t, dataDir, "users", `{"id": 1}`)
	writeJSONL(t, dataDir, "grades", `{"score": 95}`)

	ref, err := task.Run(context.Background(), exportJob("j2", jobs.ExportParams{
		DataTypes: []string{"users", "grades"},
		Format:    jobs.FormatCSV,
	}), nopSink{})
	require.NoError(t, err)
	require.Equal(t, "export-j2.zip", ref.Ref)

	data := readArtifact(t, artifacts, ref.Ref)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.ElementsMatch(t, []string{"users.csv", "grades.csv"}, names)
}

func TestExport_JSON(t *testing.T) {
	task, artifacts, dataDir := newExportFixture(t)
	writeJSONL(t, dataDir, "grades",
		`{"student": "ada", "score": 95}`,
		`{"student": "grace", "score": 88}`,
	)

	ref, err := task.Run(context.Background(), exportJob("j3", jobs.ExportParams{
		DataTypes: []string{"grades"},
		Format:    jobs.FormatJSON,
	}), nopSink{})
	require.NoError(t, err)
	require.Equal(t, "export-j3.json", ref.Ref)

	var doc map[string][]map[string]string
	require.NoError(t, json.Unmarshal(readArtifact(t, artifacts, ref.Ref), &doc))
	require.Len(t, doc["grades"], 2)
	require.Equal(t, "ada", doc["grades"][0]["student"])
	require.Equal(t, "95", doc["grades"][0]["score"])
}

func TestExport_XLSX(t *testing.T) {
	task, artifacts, dataDir := newExportFixture(t)
	writeJSONL(t, dataDir, "users", `{"id": 1, "name": "ada <admin>"}`)

	ref, err := task.Run(context.Background(), exportJob("j4", jobs.ExportParams{
		DataTypes: []string{"users"},
		Format:    jobs.FormatXLSX,
	}), nopSink{})
	require.NoError(t, err)
	require.Equal(t, "export-j4.xlsx", ref.Ref)

	data := readArtifact(t, artifacts, ref.Ref)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	parts := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		parts[f.Name] = string(content)
	}

	require.Contains(t, parts, "[Content_Types].xml")
	require.Contains(t, parts, "xl/workbook.xml")
	require.Contains(t, parts, "xl/worksheets/sheet1.xml")
	require.Contains(t, parts["xl/workbook.xml"], `name="users"`)
	// Header row plus data row, XML-escaped.
	require.Contains(t, parts["xl/worksheets/sheet1.xml"], "ada &lt;admin&gt;")
}

func TestExport_Compressed(t *testing.T) {
	task, artifacts, dataDir := newExportFixture(t)
	writeJSONL(t, dataDir, "users", `{"id": 1, "name": "ada"}`)

	ref, err := task.Run(context.Background(), exportJob("j5", jobs.ExportParams{
		DataTypes: []string{"users"},
		Format:    jobs.FormatCSV,
		Compress:  true,
	}), nopSink{})
	require.NoError(t, err)
	require.Equal(t, "export-j5.csv.gz", ref.Ref)

	gz, err := gzip.NewReader(bytes.NewReader(readArtifact(t, artifacts, ref.Ref)))
	require.NoError(t, err)
	content, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Equal(t, "id,name\n1,ada\n", string(content))
}

func TestExport_RangeAndFieldFilters(t *testing.T) {
	task, artifacts, dataDir := newExportFixture(t)
	writeJSONL(t, dataDir, "submissions",
		`{"id": 1, "status": "graded", "created_at": "2026-01-05T00:00:00Z"}`,
		`{"id": 2, "status": "graded", "created_at": "2026-03-05T00:00:00Z"}`,
		`{"id": 3, "status": "pending", "created_at": "2026-01-06T00:00:00Z"}`,
	)

	from := mustTime(t, "2026-01-01T00:00:00Z")
	to := mustTime(t, "2026-02-01T00:00:00Z")

	ref, err := task.Run(context.Background(), exportJob("j6", jobs.ExportParams{
		DataTypes: []string{"submissions"},
		Format:    jobs.FormatCSV,
		Range:     jobs.DateRange{From: from, To: to},
		Filters:   map[string]string{"status": "graded"},
	}), nopSink{})
	require.NoError(t, err)

	content := string(readArtifact(t, artifacts, ref.Ref))
	lines := strings.Split(strings.TrimSpace(content), "\n")
	// Header plus exactly the record inside the range with matching status.
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], "1")
	require.NotContains(t, content, "pending")
}

func TestExport_UnknownDataTypeIsPermanent(t *testing.T) {
	task, _, _ := newExportFixture(t)

	_, err := task.Run(context.Background(), exportJob("j7", jobs.ExportParams{
		DataTypes: []string{"nope"},
		Format:    jobs.FormatCSV,
	}), nopSink{})
	require.Error(t, err)

	var te *jobs.TaskError
	require.ErrorAs(t, err, &te)
	require.Equal(t, jobs.ErrorPermanent, te.Class)
	require.Equal(t, "unknown_data_type", te.Code)
}

func TestExport_ReportsProgressCheckpoints(t *testing.T) {
	task, _, dataDir := newExportFixture(t)
	writeJSONL(t, dataDir, "users", `{"id": 1}`)
	writeJSONL(t, dataDir, "grades", `{"score": 1}`)

	sink := &recordingSink{}
	_, err := task.Run(context.Background(), exportJob("j8", jobs.ExportParams{
		DataTypes: []string{"users", "grades"},
		Format:    jobs.FormatJSON,
	}), sink)
	require.NoError(t, err)

	// One checkpoint per data type plus the render checkpoint.
	require.Equal(t, []int{40, 80, 90}, sink.values)
}

func TestExport_CancelledBeforeCollect(t *testing.T) {
	task, _, dataDir := newExportFixture(t)
	writeJSONL(t, dataDir, "users", `{"id": 1}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := task.Run(ctx, exportJob("j9", jobs.ExportParams{
		DataTypes: []string{"users"},
		Format:    jobs.FormatCSV,
	}), nopSink{})
	require.ErrorIs(t, err, context.Canceled)

	var te *jobs.TaskError
	require.False(t, errors.As(err, &te), "cancellation must not be classified as a task failure")
}

// Package export implements the export task body: it reads records from a
// data source, renders them to CSV, JSON or XLSX, optionally compresses the
// result, and stores it as the job's artifact.
//
// The engine does not own business entities; exports read through the
// Source interface, which the application wires to its persistence layer.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrUnknownDataType is returned by a Source for data types it does not
// serve. The task treats it as a permanent failure.
var ErrUnknownDataType = errors.New("export: unknown data type")

// Record is one exportable row.
type Record struct {
	// At is the record's timestamp, used for date-range filtering. Zero
	// means the record matches any range.
	At time.Time

	// Fields holds the column values.
	Fields map[string]string
}

// Source supplies exportable records per data type.
//
// Implementations must be safe for concurrent use; several export jobs may
// read simultaneously.
type Source interface {
	// Columns returns the ordered column names for a data type.
	//
	// Returns ErrUnknownDataType for unserved types.
	Columns(dataType string) ([]string, error)

	// Records returns all records of a data type. Range and field filtering
	// is applied by the task.
	Records(ctx context.Context, dataType string) ([]Record, error)
}

// JSONLSource reads records from JSONL files, one file per data type:
//
//	{root}/
//	  users.jsonl
//	  submissions.jsonl
//	  ...
//
// Each line is a flat JSON object; values are stringified. A "created_at"
// field in RFC 3339 form, when present, becomes the record timestamp.
type JSONLSource struct {
	root string
}

// NewJSONLSource creates a source over the given directory.
func NewJSONLSource(root string) (*JSONLSource, error) {
	if root == "" {
		return nil, fmt.Errorf("export source root is required")
	}
	return &JSONLSource{root: root}, nil
}

// Columns returns the sorted union of keys across the data type's records.
func (s *JSONLSource) Columns(dataType string) ([]string, error) {
	records, err := s.Records(context.Background(), dataType)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r.Fields {
			seen[k] = struct{}{}
		}
	}

	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols, nil
}

// Records reads and parses the data type's JSONL file.
func (s *JSONLSource) Records(ctx context.Context, dataType string) ([]Record, error) {
	path := filepath.Join(s.root, dataType+".jsonl")

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDataType, dataType)
		}
		return nil, fmt.Errorf("open data file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, fmt.Errorf("parse %s record: %w", dataType, err)
		}

		rec := Record{Fields: make(map[string]string, len(raw))}
		for k, v := range raw {
			rec.Fields[k] = stringify(v)
		}
		if ts, ok := raw["created_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				rec.At = t
			}
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read data file %s: %w", path, err)
	}

	return records, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers; keep integers unadorned.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

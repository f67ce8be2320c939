package export

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
)

// writeCSV renders datasets as CSV. A single data type yields a plain CSV
// stream; multiple data types are bundled into a zip archive with one
// {name}.csv entry each, since a flat CSV cannot carry heterogeneous
// schemas.
func writeCSV(w io.Writer, datasets []dataset) error {
	if len(datasets) == 1 {
		return writeOneCSV(w, datasets[0])
	}

	zw := zip.NewWriter(w)
	for _, ds := range datasets {
		entry, err := zw.Create(ds.Name + ".csv")
		if err != nil {
			return fmt.Errorf("create zip entry %s: %w", ds.Name, err)
		}
		if err := writeOneCSV(entry, ds); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip archive: %w", err)
	}
	return nil
}

func writeOneCSV(w io.Writer, ds dataset) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ds.Columns); err != nil {
		return fmt.Errorf("write %s header: %w", ds.Name, err)
	}
	for _, row := range ds.Rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write %s row: %w", ds.Name, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush %s csv: %w", ds.Name, err)
	}
	return nil
}

// writeJSON renders datasets as one JSON document keyed by data type, each
// value an array of field objects.
func writeJSON(w io.Writer, datasets []dataset) error {
	doc := make(map[string][]map[string]string, len(datasets))
	for _, ds := range datasets {
		rows := make([]map[string]string, 0, len(ds.Rows))
		for _, row := range ds.Rows {
			obj := make(map[string]string, len(ds.Columns))
			for i, col := range ds.Columns {
				obj[col] = row[i]
			}
			rows = append(rows, obj)
		}
		doc[ds.Name] = rows
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode json export: %w", err)
	}
	return nil
}

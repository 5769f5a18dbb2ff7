package render

import (
	"bytes"
	"encoding/csv"

	"reportd/internal/report/dataset"
)

func renderCSV(snap dataset.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(snap.Columns); err != nil {
		return nil, err
	}
	rec := make([]string, len(snap.Columns))
	for _, row := range snap.Rows {
		for i, v := range row {
			rec[i] = formatValue(v)
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

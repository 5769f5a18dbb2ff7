// Package render turns a dataset snapshot into a delivery artifact.
//
// Tabular is CSV with a header row. Document is a PDF with a title, the
// generation time, a summary table and the data table.
package render

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"reportd/internal/report"
	"reportd/internal/report/dataset"
)

// Renderer is safe for concurrent use.
type Renderer struct{}

func New() *Renderer { return &Renderer{} }

// Render produces the artifact bytes for format. Any failure is a
// report.ErrRenderError.
func (r *Renderer) Render(snap dataset.Snapshot, format report.Format, generatedAt time.Time) ([]byte, error) {
	if err := checkShape(snap); err != nil {
		return nil, report.RenderError(err)
	}
	var (
		b   []byte
		err error
	)
	switch format {
	case report.FormatTabular:
		b, err = renderCSV(snap)
	case report.FormatDocument:
		b, err = renderPDF(snap, generatedAt)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, report.RenderError(err)
	}
	return b, nil
}

func checkShape(snap dataset.Snapshot) error {
	if len(snap.Columns) == 0 {
		return fmt.Errorf("dataset %q has no columns", snap.Name)
	}
	for i, row := range snap.Rows {
		if len(row) != len(snap.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(snap.Columns))
		}
	}
	return nil
}

// formatValue renders one cell.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// columnStats holds the summary of one numeric column.
type columnStats struct {
	Name           string
	Mean, Min, Max float64
}

// numericStats returns stats for every column whose non-null values are all
// numbers. Columns with no values at all are skipped.
func numericStats(snap dataset.Snapshot) []columnStats {
	var out []columnStats
	for c, name := range snap.Columns {
		var (
			n       int
			sum     float64
			lo, hi  = math.Inf(1), math.Inf(-1)
			numeric = true
		)
		for _, row := range snap.Rows {
			if row[c] == nil {
				continue
			}
			f, ok := toFloat(row[c])
			if !ok {
				numeric = false
				break
			}
			n++
			sum += f
			lo = math.Min(lo, f)
			hi = math.Max(hi, f)
		}
		if !numeric || n == 0 {
			continue
		}
		out = append(out, columnStats{Name: name, Mean: sum / float64(n), Min: lo, Max: hi})
	}
	return out
}

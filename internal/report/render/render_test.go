package render

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"reportd/internal/report"
	"reportd/internal/report/dataset"
)

func sample() dataset.Snapshot {
	return dataset.Snapshot{
		Name:    "sales",
		Columns: []string{"region", "amount", "units"},
		Rows: [][]any{
			{"north", 10.5, int64(3)},
			{"south, east", 20.25, int64(7)},
			{"west", nil, int64(2)},
		},
	}
}

func TestRenderCSV(t *testing.T) {
	t.Parallel()
	b, err := New().Render(sample(), report.FormatTabular, time.Now())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "region,amount,units\nnorth,10.5,3\n\"south, east\",20.25,7\nwest,,2\n"
	if string(b) != want {
		t.Fatalf("csv mismatch:\n got %q\nwant %q", string(b), want)
	}
}

func TestRenderPDF(t *testing.T) {
	t.Parallel()
	b, err := New().Render(sample(), report.FormatDocument, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.HasPrefix(b, []byte("%PDF-")) {
		t.Fatalf("not a pdf: %q", b[:min(len(b), 16)])
	}
}

func TestNumericStats(t *testing.T) {
	t.Parallel()
	stats := numericStats(sample())
	if len(stats) != 2 {
		t.Fatalf("stats=%+v, want amount and units", stats)
	}
	amount := stats[0]
	if amount.Name != "amount" || amount.Min != 10.5 || amount.Max != 20.25 || amount.Mean != 15.375 {
		t.Fatalf("amount=%+v", amount)
	}
	units := stats[1]
	if units.Name != "units" || units.Mean != 4 {
		t.Fatalf("units=%+v", units)
	}
}

func TestRenderErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		snap   dataset.Snapshot
		format report.Format
		msg    string
	}{
		{
			name:   "ragged row",
			snap:   dataset.Snapshot{Name: "x", Columns: []string{"a", "b"}, Rows: [][]any{{1}}},
			format: report.FormatTabular,
			msg:    "row 0",
		},
		{
			name:   "no columns",
			snap:   dataset.Snapshot{Name: "x"},
			format: report.FormatDocument,
			msg:    "no columns",
		},
		{
			name:   "unknown format",
			snap:   sample(),
			format: report.Format("xlsx"),
			msg:    "unsupported",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New().Render(tt.snap, tt.format, time.Now())
			if !errors.Is(err, report.ErrRenderError) {
				t.Fatalf("err=%v, want RenderError", err)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Fatalf("err=%v, want %q", err, tt.msg)
			}
		})
	}
}

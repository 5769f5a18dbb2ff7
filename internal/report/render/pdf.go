package render

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"

	"reportd/internal/report/dataset"
)

const (
	pdfMargin   = 10.0
	pdfRowH     = 6.0
	pdfFontSize = 8.0
)

func renderPDF(snap dataset.Snapshot, generatedAt time.Time) ([]byte, error) {
	orientation := "P"
	if len(snap.Columns) > 6 {
		orientation = "L"
	}
	pdf := fpdf.New(orientation, "mm", "A4", "")
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfMargin)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pageW, _ := pdf.GetPageSize()
	usable := pageW - 2*pdfMargin

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(usable, 10, tr("Report: "+snap.Name), "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(usable, 6, "Generated on: "+generatedAt.Format("2006-01-02 15:04:05"), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	// Summary.
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(usable, 8, "Summary", "", 1, "L", false, 0, "")
	summary := [][2]string{
		{"Total Rows", strconv.Itoa(len(snap.Rows))},
		{"Total Columns", strconv.Itoa(len(snap.Columns))},
	}
	for _, st := range numericStats(snap) {
		summary = append(summary,
			[2]string{st.Name + " (Mean)", fmt.Sprintf("%.2f", st.Mean)},
			[2]string{st.Name + " (Min)", fmt.Sprintf("%.2f", st.Min)},
			[2]string{st.Name + " (Max)", fmt.Sprintf("%.2f", st.Max)},
		)
	}
	pdf.SetFont("Helvetica", "B", pdfFontSize+1)
	pdf.SetFillColor(220, 220, 220)
	pdf.CellFormat(usable/2, pdfRowH, "Metric", "1", 0, "L", true, 0, "")
	pdf.CellFormat(usable/2, pdfRowH, "Value", "1", 1, "L", true, 0, "")
	pdf.SetFont("Helvetica", "", pdfFontSize+1)
	for _, kv := range summary {
		pdf.CellFormat(usable/2, pdfRowH, fit(pdf, tr(kv[0]), usable/2), "1", 0, "L", false, 0, "")
		pdf.CellFormat(usable/2, pdfRowH, kv[1], "1", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	// Data.
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(usable, 8, "Data", "", 1, "L", false, 0, "")
	colW := usable / float64(len(snap.Columns))
	header := func() {
		pdf.SetFont("Helvetica", "B", pdfFontSize)
		for _, c := range snap.Columns {
			pdf.CellFormat(colW, pdfRowH, fit(pdf, tr(c), colW), "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Helvetica", "", pdfFontSize)
	}
	header()
	_, pageH := pdf.GetPageSize()
	for _, row := range snap.Rows {
		if pdf.GetY()+pdfRowH > pageH-pdfMargin {
			pdf.AddPage()
			header()
		}
		for _, v := range row {
			pdf.CellFormat(colW, pdfRowH, fit(pdf, tr(formatValue(v)), colW), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fit truncates s so it fits a cell of width w with a small padding. s is
// already translated to the font's single-byte encoding.
func fit(pdf *fpdf.Fpdf, s string, w float64) string {
	limit := w - 2
	if pdf.GetStringWidth(s) <= limit {
		return s
	}
	for len(s) > 0 && pdf.GetStringWidth(s+"...") > limit {
		s = s[:len(s)-1]
	}
	return s + "..."
}

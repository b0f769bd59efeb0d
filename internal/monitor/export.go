package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/pkg/log"
)

const (
	DefaultExportLimit = 500
	exportSheet        = "Jobs"
)

var exportHeaders = []string{
	"ID",
	"Type",
	"Status",
	"Created By",
	"Attempts",
	"Created At",
	"Updated At",
	"Duration (s)",
	"Error",
}

// Export writes the newest jobs, optionally filtered, as an XLSX workbook.
func (p *Probe) Export(ctx context.Context, f jobs.Filter) ([]byte, error) {
	start := time.Now()
	f.NewestFirst = true
	if f.Limit <= 0 {
		f.Limit = DefaultExportLimit
	}
	list, err := p.queue.List(ctx, f)
	if err != nil {
		return nil, err
	}

	file := excelize.NewFile()
	defer file.Close()
	if err := file.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, err
	}

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = file.SetCellValue(exportSheet, cell, h)
	}
	for i, j := range list {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = file.SetCellValue(exportSheet, cell, v)
		}
		write(1, j.ID)
		write(2, string(j.Type))
		write(3, string(j.Status))
		write(4, j.CreatedBy)
		write(5, j.Attempts)
		write(6, j.CreatedAt.UTC().Format(time.RFC3339))
		write(7, j.UpdatedAt.UTC().Format(time.RFC3339))
		if j.Status.Terminal() {
			write(8, int(j.UpdatedAt.Sub(j.CreatedAt).Seconds()))
		}
		write(9, j.ErrorMessage())
	}

	_ = file.SetColWidth(exportSheet, "A", "A", 8)
	_ = file.SetColWidth(exportSheet, "B", "D", 20)
	_ = file.SetColWidth(exportSheet, "F", "G", 22)
	_ = file.SetColWidth(exportSheet, "I", "I", 60)

	buf, err := file.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	log.WithFields(log.Fields{
		"rows":       len(list),
		"elapsed_ms": time.Since(start).Milliseconds(),
	}).Info("Exported jobs workbook")
	return buf.Bytes(), nil
}

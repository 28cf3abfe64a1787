package recipients

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	domain "bulkmail/internal/domain/recipient"
)

// Supported upload extensions.
const (
	ExtXLSX = ".xlsx"
	ExtCSV  = ".csv"
)

// utf8BOM is written by spreadsheet tools that export CSV.
const utf8BOM = "\ufeff"

// ErrUnsupportedFormat is returned for uploads that are neither .xlsx nor .csv.
var ErrUnsupportedFormat = fmt.Errorf("%w: unsupported file type", domain.ErrMalformedFile)

// Load extracts recipient addresses from the first column of an uploaded table.
// The format is chosen from the filename extension.
// PRE: r is positioned at the start of the upload
// POST: Returns ordered, deduplicated addresses; parse failures match recipient.ErrMalformedFile
func Load(ctx context.Context, filename string, r io.Reader) ([]domain.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		cells []string
		err   error
	)
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ExtXLSX:
		cells, err = firstColumnXLSX(r)
	case ExtCSV:
		cells, err = firstColumnCSV(r)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		slog.Warn("recipient_event", "event", "load_failed", "filename", filename, "error", err)
		return nil, err
	}

	addrs := domain.Collect(dropHeader(cells))
	slog.Info("recipient_event", "event", "loaded", "filename", filename, "rows", len(cells), "recipients", len(addrs))
	return addrs, nil
}

// dropHeader skips the first non-empty cell when it does not look like an address.
func dropHeader(cells []string) []string {
	for i, c := range cells {
		v := strings.TrimSpace(c)
		if v == "" {
			continue
		}
		if domain.LooksLikeAddress(v) {
			return cells
		}
		return cells[i+1:]
	}
	return cells
}

// firstColumnXLSX reads column A of the first worksheet.
func firstColumnXLSX(r io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedFile, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return []string{}, nil
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedFile, err)
	}
	cells := make([]string, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			cells = append(cells, "")
			continue
		}
		cells = append(cells, row[0])
	}
	return cells, nil
}

// firstColumnCSV reads the first field of each record. Ragged rows are allowed.
func firstColumnCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var cells []string
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedFile, err)
		}
		if len(record) == 0 {
			cells = append(cells, "")
			continue
		}
		field := record[0]
		if len(cells) == 0 {
			field = strings.TrimPrefix(field, utf8BOM)
		}
		cells = append(cells, field)
	}
	return cells, nil
}

// Package tabular provides a small ordered-column data frame used to
// collect per-file annotation rows and decoded statistics records, and
// to write them out as a spreadsheet.
package tabular

import (
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/marchshares/cell-engine-ext/pkg/errors"
)

// Frame is a table with a stable column order. Cells hold arbitrary
// values; missing cells are nil.
type Frame struct {
	columns []string
	index   map[string]int
	rows    [][]interface{}
}

// New creates an empty frame with the given initial columns.
func New(columns ...string) *Frame {
	f := &Frame{
		index: make(map[string]int, len(columns)),
	}
	for _, c := range columns {
		f.AddColumn(c)
	}
	return f
}

// FromRecords builds a frame from a list of records. Columns are the
// union of all record keys in sorted order, so frames decoded from JSON
// responses come out deterministic.
func FromRecords(records []map[string]interface{}) *Frame {
	keys := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			keys[k] = struct{}{}
		}
	}

	columns := make([]string, 0, len(keys))
	for k := range keys {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	f := New(columns...)
	for _, rec := range records {
		f.AppendRow(rec)
	}
	return f
}

// AddColumn appends a column if it does not exist and returns its index.
func (f *Frame) AddColumn(name string) int {
	if i, ok := f.index[name]; ok {
		return i
	}
	i := len(f.columns)
	f.columns = append(f.columns, name)
	f.index[name] = i
	for r := range f.rows {
		f.rows[r] = append(f.rows[r], nil)
	}
	return i
}

// AppendRow adds a row from a map of column values. Values for unknown
// columns create new columns in sorted key order; absent columns are nil.
func (f *Frame) AppendRow(values map[string]interface{}) {
	var extra []string
	for k := range values {
		if _, ok := f.index[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		f.AddColumn(k)
	}

	row := make([]interface{}, len(f.columns))
	for k, v := range values {
		row[f.index[k]] = v
	}
	f.rows = append(f.rows, row)
}

// Columns returns the column names in order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.columns))
	copy(out, f.columns)
	return out
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.rows)
}

// Cell returns the value at the given row and column. The second return
// is false when the row or column does not exist.
func (f *Frame) Cell(row int, column string) (interface{}, bool) {
	if row < 0 || row >= len(f.rows) {
		return nil, false
	}
	i, ok := f.index[column]
	if !ok {
		return nil, false
	}
	return f.rows[row][i], true
}

// Records returns the frame as a list of maps. Nil cells are omitted.
func (f *Frame) Records() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(f.rows))
	for _, row := range f.rows {
		rec := make(map[string]interface{}, len(f.columns))
		for i, c := range f.columns {
			if row[i] != nil {
				rec[c] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out
}

// WriteXLSX writes the frame to an XLSX workbook with a header row on
// the default sheet.
func (f *Frame) WriteXLSX(path string) error {
	book := excelize.NewFile()
	defer func() { _ = book.Close() }()

	sheet := book.GetSheetName(0)

	header := make([]interface{}, len(f.columns))
	for i, c := range f.columns {
		header[i] = c
	}
	if err := book.SetSheetRow(sheet, "A1", &header); err != nil {
		return errors.Wrap(errors.ErrCodeSpreadsheetWrite, "failed to write header row", err)
	}

	for r, row := range f.rows {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return errors.Wrap(errors.ErrCodeSpreadsheetWrite, "failed to compute cell name", err)
		}
		values := make([]interface{}, len(row))
		copy(values, row)
		if err := book.SetSheetRow(sheet, cell, &values); err != nil {
			return errors.Wrap(errors.ErrCodeSpreadsheetWrite, "failed to write data row", err)
		}
	}

	if err := book.SaveAs(path); err != nil {
		return errors.Wrap(errors.ErrCodeSpreadsheetWrite, "failed to save workbook", err).
			WithContext("path", path)
	}
	return nil
}

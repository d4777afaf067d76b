// Package rawrows loads statement files into the raw row shape the template
// resolver consumes. It stands in for the extraction layer when imports are
// driven from the CLI: CSV and XLSX exports are read directly, PDFs arrive
// pre-extracted from the upstream document service.
package rawrows

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/clearledger/importer/internal/model"
)

// Options controls table interpretation.
type Options struct {
	// NoHeader disables header detection; rows carry positional cells only.
	NoHeader bool
	// Sheet selects an XLSX sheet by name; empty means the first sheet.
	Sheet string
}

// Load reads a statement file, dispatching on extension.
func Load(path string, opts Options) ([]model.RawRow, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(path, opts)
	case ".xlsx":
		return LoadXLSX(path, opts)
	}
	return nil, eris.Errorf("rawrows: unsupported file type %q", filepath.Ext(path))
}

// LoadCSV reads a CSV export into raw rows.
func LoadCSV(path string, opts Options) ([]model.RawRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rawrows: open %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // statement exports mix metadata and table widths
	table, err := r.ReadAll()
	if err != nil {
		return nil, eris.Wrapf(err, "rawrows: read csv %s", path)
	}
	return fromTable(table, opts), nil
}

// LoadXLSX reads an XLSX workbook sheet into raw rows.
func LoadXLSX(path string, opts Options) ([]model.RawRow, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rawrows: open xlsx %s", path)
	}

	var sheet *xlsx.Sheet
	if opts.Sheet != "" {
		s, ok := f.Sheet[opts.Sheet]
		if !ok {
			return nil, eris.Errorf("rawrows: sheet %q not found in %s", opts.Sheet, path)
		}
		sheet = s
	} else {
		if len(f.Sheets) == 0 {
			return nil, eris.Errorf("rawrows: no sheets in %s", path)
		}
		sheet = f.Sheets[0]
	}

	var table [][]string
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.String()
		}
		table = append(table, cells)
	}
	return fromTable(table, opts), nil
}

// fromTable applies the statement-export convention: a leading block of
// two-cell rows is key/value header metadata ("Beginning Balance,1000.00"),
// the first wider row is the column header, everything after is data.
func fromTable(table [][]string, opts Options) []model.RawRow {
	var out []model.RawRow

	if opts.NoHeader {
		for _, cells := range table {
			out = append(out, model.RawRow{Cells: cells})
		}
		return out
	}

	var header []string
	for _, cells := range table {
		if allBlank(cells) {
			continue
		}

		if header == nil {
			if len(cells) == 2 {
				out = append(out, model.RawRow{
					Cells:  cells,
					Fields: map[string]string{strings.TrimSpace(cells[0]): cells[1]},
				})
				continue
			}
			header = make([]string, len(cells))
			for i, h := range cells {
				header[i] = strings.TrimSpace(h)
			}
			continue
		}

		fields := make(map[string]string, len(header))
		for i, v := range cells {
			if i < len(header) && header[i] != "" {
				fields[header[i]] = v
			}
		}
		out = append(out, model.RawRow{Cells: cells, Fields: fields})
	}
	return out
}

func allBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Table is a numeric CSV split into features and target.
type Table struct {
	Columns []string
	X       Rows[[]float64]
	Y       Rows[float64]
}

// ReadCSV parses a numeric CSV with a header row. The column named target
// becomes Y; every other column, in file order, becomes a feature.
func ReadCSV(r io.Reader, target string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv: missing header row")
		}
		return nil, fmt.Errorf("csv: reading header: %w", err)
	}
	targetCol := -1
	var columns []string
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == target {
			targetCol = i
			continue
		}
		columns = append(columns, h)
	}
	if targetCol < 0 {
		return nil, fmt.Errorf("csv: target column %q not found", target)
	}

	t := &Table{Columns: columns}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv: line %d: %w", line, err)
		}
		row := make([]float64, 0, len(rec)-1)
		for i, cell := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, fmt.Errorf("csv: line %d column %q: %w", line, header[i], err)
			}
			if i == targetCol {
				t.Y = append(t.Y, v)
				continue
			}
			row = append(row, v)
		}
		t.X = append(t.X, row)
	}
	if len(t.Y) == 0 {
		return nil, errors.New("csv: no data rows")
	}
	return t, nil
}

// LoadCSV opens path and parses it with ReadCSV.
func LoadCSV(path, target string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}
	defer f.Close()
	return ReadCSV(f, target)
}

package dataset

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
)

// ErrConfig marks problems with the input file that make the client unable to start.
var ErrConfig = errors.New("dataset configuration error")

// Table is a CSV file split into numeric feature rows and a target column.
type Table struct {
	FeatureNames []string
	Features     [][]float64
	Labels       []float64
}

func (t *Table) NumRows() int {
	return len(t.Labels)
}

// Load reads a headered CSV file. Every column except labelColumn is a feature.
func Load(path string, labelColumn string) (*Table, error) {
	records, err := common.ReadCsvFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	return FromRecords(records, labelColumn)
}

func FromRecords(records [][]string, labelColumn string) (*Table, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrConfig)
	}

	header := records[0]
	labelIndex := -1
	featureNames := []string{}
	seen := make(map[string]bool, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate column %q in header %v", ErrConfig, name, header)
		}
		seen[name] = true
		if name == labelColumn {
			labelIndex = i
			continue
		}
		featureNames = append(featureNames, name)
	}
	if labelIndex == -1 {
		return nil, fmt.Errorf("%w: column %q not found in header %v", ErrConfig, labelColumn, header)
	}
	if len(featureNames) == 0 {
		return nil, fmt.Errorf("%w: no feature columns besides %q", ErrConfig, labelColumn)
	}

	rows := records[1:]
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no data rows", ErrConfig)
	}

	table := &Table{
		FeatureNames: featureNames,
		Features:     make([][]float64, 0, len(rows)),
		Labels:       make([]float64, 0, len(rows)),
	}

	for r, record := range rows {
		line := r + 2
		if len(record) != len(header) {
			return nil, fmt.Errorf("%w: line %d has %d fields, header has %d", ErrConfig, line, len(record), len(header))
		}

		features := make([]float64, 0, len(featureNames))
		for i, cell := range record {
			value, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %q: %q is not numeric", ErrConfig, line, header[i], cell)
			}
			if i == labelIndex {
				if math.IsNaN(value) || value < 0 || value > 1 {
					return nil, fmt.Errorf("%w: line %d: label %v outside [0, 1]", ErrConfig, line, value)
				}
				table.Labels = append(table.Labels, value)
				continue
			}
			features = append(features, value)
		}
		table.Features = append(table.Features, features)
	}

	return table, nil
}

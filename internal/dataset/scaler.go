package dataset

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// StandardScaler removes the mean and scales each feature to unit variance.
type StandardScaler struct {
	Mean  []float64
	Scale []float64
}

// Fit learns per-column statistics. An empty x leaves the scaler as identity
// over numFeatures columns.
func (s *StandardScaler) Fit(x *mat.Dense, numFeatures int) {
	s.Mean = make([]float64, numFeatures)
	s.Scale = make([]float64, numFeatures)
	for j := range s.Scale {
		s.Scale[j] = 1
	}
	if x == nil {
		return
	}

	rows, _ := x.Dims()
	column := make([]float64, rows)
	for j := 0; j < numFeatures; j++ {
		mat.Col(column, j, x)
		mean, std := stat.PopMeanStdDev(column, nil)
		s.Mean[j] = mean
		if std > 0 {
			s.Scale[j] = std
		}
	}
}

func (s *StandardScaler) Transform(x *mat.Dense) *mat.Dense {
	if x == nil {
		return nil
	}
	var out mat.Dense
	out.Apply(func(_, j int, v float64) float64 {
		return (v - s.Mean[j]) / s.Scale[j]
	}, x)
	return &out
}

func (s *StandardScaler) FitTransform(x *mat.Dense, numFeatures int) *mat.Dense {
	s.Fit(x, numFeatures)
	return s.Transform(x)
}

package dataset

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type Options struct {
	LabelColumn string
	TestSize    float64
	Seed        uint64
}

// Dataset is the client's private data: split once, standardized with
// statistics from the training subset only.
type Dataset struct {
	FeatureNames []string
	XTrain       *mat.Dense
	YTrain       []float64
	XTest        *mat.Dense
	YTest        []float64
	Scaler       *StandardScaler
}

func Prepare(path string, opts Options) (*Dataset, error) {
	table, err := Load(path, opts.LabelColumn)
	if err != nil {
		return nil, err
	}
	return FromTable(table, opts)
}

func FromTable(table *Table, opts Options) (*Dataset, error) {
	split, err := SplitTable(table, opts.TestSize, opts.Seed)
	if err != nil {
		return nil, err
	}

	numFeatures := len(table.FeatureNames)
	scaler := &StandardScaler{}

	return &Dataset{
		FeatureNames: table.FeatureNames,
		XTrain:       scaler.FitTransform(split.TrainX, numFeatures),
		YTrain:       split.TrainY,
		XTest:        scaler.Transform(split.TestX),
		YTest:        split.TestY,
		Scaler:       scaler,
	}, nil
}

func (d *Dataset) NumFeatures() int {
	return len(d.FeatureNames)
}

func (d *Dataset) NumTrain() int {
	return len(d.YTrain)
}

func (d *Dataset) NumTest() int {
	return len(d.YTest)
}

// PositiveFraction is the share of label-1 rows in the training subset.
func (d *Dataset) PositiveFraction() float64 {
	if len(d.YTrain) == 0 {
		return 0
	}
	return floats.Sum(d.YTrain) / float64(len(d.YTrain))
}

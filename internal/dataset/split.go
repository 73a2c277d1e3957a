package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Split is a train/test partition of a table. Matrices are nil when the
// corresponding subset is empty.
type Split struct {
	TrainX *mat.Dense
	TrainY []float64
	TestX  *mat.Dense
	TestY  []float64
}

// TestCount returns how many of n rows go to the test subset.
func TestCount(n int, testSize float64) int {
	return int(math.Ceil(testSize * float64(n)))
}

// SplitTable shuffles row indices with a seeded permutation and takes the
// first ceil(testSize*n) rows as the test subset.
func SplitTable(table *Table, testSize float64, seed uint64) (*Split, error) {
	if testSize <= 0 || testSize >= 1 {
		return nil, fmt.Errorf("%w: test size %v must be in (0, 1)", ErrConfig, testSize)
	}

	n := table.NumRows()
	numTest := TestCount(n, testSize)

	rng := rand.New(rand.NewPCG(seed, seed))
	permutation := rng.Perm(n)

	testIdx := permutation[:numTest]
	trainIdx := permutation[numTest:]

	numFeatures := len(table.FeatureNames)
	split := &Split{
		TrainX: gatherRows(table.Features, trainIdx, numFeatures),
		TrainY: gatherLabels(table.Labels, trainIdx),
		TestX:  gatherRows(table.Features, testIdx, numFeatures),
		TestY:  gatherLabels(table.Labels, testIdx),
	}

	return split, nil
}

func gatherRows(features [][]float64, indices []int, numFeatures int) *mat.Dense {
	if len(indices) == 0 {
		return nil
	}
	data := make([]float64, 0, len(indices)*numFeatures)
	for _, idx := range indices {
		data = append(data, features[idx]...)
	}
	return mat.NewDense(len(indices), numFeatures, data)
}

func gatherLabels(labels []float64, indices []int) []float64 {
	out := make([]float64, len(indices))
	for i, idx := range indices {
		out[i] = labels[idx]
	}
	return out
}

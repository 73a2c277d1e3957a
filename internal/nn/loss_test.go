package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBinaryCrossEntropy(t *testing.T) {
	assert.InDelta(t, math.Ln2, BinaryCrossEntropy([]float64{0.5, 0.5}, []float64{0, 1}), 1e-12)
	assert.InDelta(t, 0, BinaryCrossEntropy([]float64{1, 0}, []float64{1, 0}), 1e-6)
	assert.False(t, math.IsInf(BinaryCrossEntropy([]float64{0}, []float64{1}), 0))
	assert.Equal(t, 0.0, BinaryCrossEntropy(nil, nil))
}

func TestBinaryAccuracyThreshold(t *testing.T) {
	probabilities := []float64{0.2, 0.6, 0.8, 0.5}
	labels := []float64{0, 1, 1, 1}

	assert.Equal(t, 0.75, BinaryAccuracy(probabilities, labels, 0.5))
	assert.Equal(t, 0.5, BinaryAccuracy(probabilities, labels, 0.7))
	assert.Equal(t, 1.0, BinaryAccuracy(probabilities, labels, 0.4))
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	adam := NewAdam(0.01)
	params := [][]float64{{1, 1}}
	grads := [][]float64{{2, -3}}

	adam.Step(params, grads)

	assert.InDelta(t, 0.99, params[0][0], 1e-6)
	assert.InDelta(t, 1.01, params[0][1], 1e-6)
	assert.Equal(t, 1, adam.Steps())
}

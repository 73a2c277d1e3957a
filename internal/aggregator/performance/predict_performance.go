package performance

import (
	"fmt"
	"math"
)

const LogarithmicRegression_PredictionType = "log-reg"

// PerformancePrediction extrapolates accuracy and loss over global rounds.
// Round i of the history is x = i+1+offset.
type PerformancePrediction struct {
	regressionFunctionAccuracies Regression
	regressionFunctionLosses     Regression
}

func NewPerformancePrediction(accuracies []float64, losses []float64, predictionType string, offset int) (*PerformancePrediction, error) {
	if predictionType != LogarithmicRegression_PredictionType {
		return nil, fmt.Errorf("unknown prediction type: %s", predictionType)
	}

	accXs, accYs := prepareXAndY(accuracies, offset)
	lossXs, lossYs := prepareXAndY(losses, offset)

	accuracyRegression, err := NewLogarithmicRegression(accXs, accYs)
	if err != nil {
		return nil, fmt.Errorf("accuracy regression: %w", err)
	}
	lossRegression, err := NewLogarithmicRegression(lossXs, lossYs)
	if err != nil {
		return nil, fmt.Errorf("loss regression: %w", err)
	}

	return &PerformancePrediction{
		regressionFunctionAccuracies: accuracyRegression,
		regressionFunctionLosses:     lossRegression,
	}, nil
}

func (pp *PerformancePrediction) PredictAccuracy(round int32) float64 {
	return pp.regressionFunctionAccuracies.PredictY(float64(round))
}

// PredictRoundForAccuracy returns -1 when the curve never reaches accuracy.
func (pp *PerformancePrediction) PredictRoundForAccuracy(accuracy float64) int32 {
	return toRound(pp.regressionFunctionAccuracies.PredictX(accuracy))
}

func (pp *PerformancePrediction) PredictLoss(round int32) float64 {
	return pp.regressionFunctionLosses.PredictY(float64(round))
}

func (pp *PerformancePrediction) PredictRoundForLoss(loss float64) int32 {
	return toRound(pp.regressionFunctionLosses.PredictX(loss))
}

func (pp *PerformancePrediction) PrintPrediction() string {
	return pp.regressionFunctionAccuracies.PrintFunction()
}

func toRound(x float64) int32 {
	if math.IsNaN(x) || math.IsInf(x, 0) || x > math.MaxInt32 {
		return -1
	}
	return int32(math.Ceil(x))
}

func prepareXAndY(values []float64, offset int) ([]float64, []float64) {
	xs := make([]float64, len(values))
	ys := make([]float64, len(values))

	for i, value := range values {
		xs[i] = float64(i + 1 + offset)
		ys[i] = value
	}

	return xs, ys
}

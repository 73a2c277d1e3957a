package flclient

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/dataset"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticTable builds rows with numFeatures gaussian features where the
// label depends on the first two features.
func syntheticTable(rows, numFeatures int) *dataset.Table {
	rng := rand.New(rand.NewPCG(3, 3))
	table := &dataset.Table{}
	for j := 0; j < numFeatures; j++ {
		table.FeatureNames = append(table.FeatureNames, fmt.Sprintf("f%d", j))
	}
	for i := 0; i < rows; i++ {
		features := make([]float64, numFeatures)
		for j := range features {
			features[j] = 5*rng.NormFloat64() + 3
		}
		label := 0.0
		if features[0]+features[1] > 6 {
			label = 1
		}
		table.Features = append(table.Features, features)
		table.Labels = append(table.Labels, label)
	}
	return table
}

func newTestClient(t *testing.T, rows, numFeatures int) *CsvClient {
	t.Helper()

	data, err := dataset.FromTable(syntheticTable(rows, numFeatures), dataset.Options{
		LabelColumn: common.DEFAULT_LABEL_COLUMN,
		TestSize:    common.DEFAULT_TEST_SIZE,
		Seed:        common.DEFAULT_SPLIT_SEED,
	})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Network.Seed = 17
	client, err := NewCsvClient(hclog.NewNullLogger(), data, opts)
	require.NoError(t, err)
	return client
}

func TestGetParametersIsStable(t *testing.T) {
	client := newTestClient(t, 100, 4)
	ctx := context.Background()

	first, err := client.GetParameters(ctx, model.Config{})
	require.NoError(t, err)
	second, err := client.GetParameters(ctx, model.Config{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first, 6)
	assert.Equal(t, []int{4, 128}, first[0].Shape)
}

func TestFitUpdatesParameters(t *testing.T) {
	client := newTestClient(t, 200, 4)
	ctx := context.Background()

	initial, err := client.GetParameters(ctx, nil)
	require.NoError(t, err)

	res, err := client.Fit(ctx, initial, model.Config{})
	require.NoError(t, err)

	assert.True(t, res.Status.OK())
	assert.Equal(t, int64(160), res.NumExamples)
	assert.NotEqual(t, initial, res.Parameters)
	assert.Contains(t, res.Metrics, common.METRIC_TRAIN_LOSS)
	assert.Contains(t, res.Metrics, common.METRIC_POSITIVE_FRACTION)

	after, err := client.GetParameters(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, res.Parameters, after)
}

func TestFitHonorsRoundConfig(t *testing.T) {
	client := newTestClient(t, 100, 3)
	ctx := context.Background()
	params, _ := client.GetParameters(ctx, nil)

	_, err := client.Fit(ctx, params, model.Config{
		common.CONFIG_LOCAL_EPOCHS: float64(1),
		common.CONFIG_BATCH_SIZE:   float64(16),
		"unrecognized":             "ignored",
	})
	require.NoError(t, err)

	epochs, batchSize, err := client.roundSettings(model.Config{
		common.CONFIG_LOCAL_EPOCHS: float64(1),
		common.CONFIG_BATCH_SIZE:   float64(16),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, epochs)
	assert.Equal(t, 16, batchSize)

	epochs, batchSize, err = client.roundSettings(model.Config{})
	require.NoError(t, err)
	assert.Equal(t, common.DEFAULT_LOCAL_EPOCHS, epochs)
	assert.Equal(t, common.DEFAULT_BATCH_SIZE, batchSize)
}

func TestFitRejectsBadRoundConfig(t *testing.T) {
	client := newTestClient(t, 50, 3)
	ctx := context.Background()
	params, _ := client.GetParameters(ctx, nil)

	for name, config := range map[string]model.Config{
		"zero epochs":       {common.CONFIG_LOCAL_EPOCHS: 0},
		"fractional epochs": {common.CONFIG_LOCAL_EPOCHS: 1.5},
		"string batch size": {common.CONFIG_BATCH_SIZE: "64"},
		"unbounded epochs":  {common.CONFIG_LOCAL_EPOCHS: 1e15},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := client.Fit(ctx, params, config)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestMalformedParameters(t *testing.T) {
	client := newTestClient(t, 50, 3)
	ctx := context.Background()
	params, _ := client.GetParameters(ctx, nil)

	_, err := client.Fit(ctx, params[:2], nil)
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = client.Evaluate(ctx, params[:2], nil)
	assert.ErrorIs(t, err, ErrProtocol)

	poisoned := params.Clone()
	poisoned[4].Values[0] = math.Inf(1)
	_, err = client.Fit(ctx, poisoned, nil)
	assert.ErrorIs(t, err, ErrNumerical)

	unchanged, _ := client.GetParameters(ctx, nil)
	assert.Equal(t, params, unchanged)
}

func TestEvaluateExampleCountIndependentOfParameters(t *testing.T) {
	client := newTestClient(t, 120, 3)
	ctx := context.Background()

	params, _ := client.GetParameters(ctx, nil)
	res, err := client.Evaluate(ctx, params, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(24), res.NumExamples)

	shifted := params.Clone()
	for i := range shifted {
		for k := range shifted[i].Values {
			shifted[i].Values[k] += 0.01
		}
	}
	res, err = client.Evaluate(ctx, shifted, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(24), res.NumExamples)
}

func TestFitThenEvaluate(t *testing.T) {
	client := newTestClient(t, 1000, 10)
	ctx := context.Background()

	params, err := client.GetParameters(ctx, nil)
	require.NoError(t, err)

	fitRes, err := client.Fit(ctx, params, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(800), fitRes.NumExamples)

	evalRes, err := client.Evaluate(ctx, fitRes.Parameters, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(200), evalRes.NumExamples)
	assert.False(t, math.IsNaN(evalRes.Loss) || math.IsInf(evalRes.Loss, 0))
	assert.GreaterOrEqual(t, evalRes.Loss, 0.0)

	accuracy := evalRes.Metrics[common.METRIC_ACCURACY]
	assert.GreaterOrEqual(t, accuracy, 0.0)
	assert.LessOrEqual(t, accuracy, 1.0)
}

func TestFitWithoutTrainingExamples(t *testing.T) {
	client := newTestClient(t, 1, 3)
	ctx := context.Background()

	params, _ := client.GetParameters(ctx, nil)
	res, err := client.Fit(ctx, params, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.NumExamples)
	assert.Equal(t, params, res.Parameters)
}

func TestOperationsRespectCancelledContext(t *testing.T) {
	client := newTestClient(t, 20, 2)
	params, _ := client.GetParameters(context.Background(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Fit(ctx, params, nil)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = client.Evaluate(ctx, params, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

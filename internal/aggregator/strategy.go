package aggregator

import (
	"errors"
	"fmt"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
	"gonum.org/v1/gonum/floats"
)

var ErrNotEnoughResults = errors.New("not enough results")

type FitResult struct {
	ClientId string
	Res      model.FitRes
}

type EvaluateResult struct {
	ClientId string
	Res      model.EvaluateRes
}

// FedAvg averages client parameters weighted by the number of training
// examples each client reports.
type FedAvg struct {
	FractionFit        float64
	FractionEvaluate   float64
	MinFitClients      int
	MinEvaluateClients int
	LocalEpochs        int
	BatchSize          int
}

func NewFedAvg(config *model.FlAggregator) *FedAvg {
	return &FedAvg{
		FractionFit:        config.FractionFit,
		FractionEvaluate:   config.FractionEvaluate,
		MinFitClients:      int(config.MinFitClients),
		MinEvaluateClients: int(config.MinEvaluateClients),
		LocalEpochs:        int(config.LocalEpochs),
		BatchSize:          int(config.BatchSize),
	}
}

func (s *FedAvg) NumFitClients(available int) int {
	return sampleSize(available, s.FractionFit, s.MinFitClients)
}

func (s *FedAvg) NumEvaluateClients(available int) int {
	return sampleSize(available, s.FractionEvaluate, s.MinEvaluateClients)
}

func (s *FedAvg) FitConfig() model.Config {
	return model.Config{
		common.CONFIG_LOCAL_EPOCHS: s.LocalEpochs,
		common.CONFIG_BATCH_SIZE:   s.BatchSize,
	}
}

func (s *FedAvg) EvaluateConfig() model.Config {
	return model.Config{}
}

func (s *FedAvg) AggregateFit(results []FitResult) (model.Parameters, error) {
	if len(results) == 0 || len(results) < s.MinFitClients {
		return nil, fmt.Errorf("%w: %d fit results, need %d", ErrNotEnoughResults, len(results), max(s.MinFitClients, 1))
	}

	reference := results[0].Res.Parameters
	weights := make([]float64, len(results))
	var total float64
	for i, result := range results {
		if err := sameLayout(reference, result.Res.Parameters); err != nil {
			return nil, fmt.Errorf("client %s: %w", result.ClientId, err)
		}
		weights[i] = float64(result.Res.NumExamples)
		total += weights[i]
	}

	// Clients without training examples all weigh the same.
	if total == 0 {
		for i := range weights {
			weights[i] = 1
		}
		total = float64(len(weights))
	}

	aggregated := make(model.Parameters, len(reference))
	for t, tensor := range reference {
		values := make([]float64, len(tensor.Values))
		for i, result := range results {
			floats.AddScaled(values, weights[i]/total, result.Res.Parameters[t].Values)
		}
		aggregated[t] = model.Tensor{Shape: append([]int(nil), tensor.Shape...), Values: values}
	}

	return aggregated, nil
}

// AggregateEvaluate returns the loss and accuracy averaged by test-set size.
func (s *FedAvg) AggregateEvaluate(results []EvaluateResult) (float64, float64, error) {
	if len(results) == 0 || len(results) < s.MinEvaluateClients {
		return 0, 0, fmt.Errorf("%w: %d evaluate results, need %d", ErrNotEnoughResults, len(results), max(s.MinEvaluateClients, 1))
	}

	losses := make([]float64, len(results))
	accuracies := make([]float64, len(results))
	weights := make([]float64, len(results))
	for i, result := range results {
		losses[i] = result.Res.Loss
		accuracies[i] = result.Res.Metrics[common.METRIC_ACCURACY]
		weights[i] = float64(result.Res.NumExamples)
	}

	return common.CalculateWeightedAverage(losses, weights), common.CalculateWeightedAverage(accuracies, weights), nil
}

func sampleSize(available int, fraction float64, minimum int) int {
	n := max(int(float64(available)*fraction), minimum)
	return min(n, available)
}

func sameLayout(reference, parameters model.Parameters) error {
	if len(parameters) != len(reference) {
		return fmt.Errorf("got %d tensors, want %d", len(parameters), len(reference))
	}
	for i := range reference {
		if err := parameters[i].Validate(); err != nil {
			return fmt.Errorf("tensor %d: %w", i, err)
		}
		if !parameters[i].SameShape(reference[i]) {
			return fmt.Errorf("tensor %d has shape %v, want %v", i, parameters[i].Shape, reference[i].Shape)
		}
	}
	return nil
}

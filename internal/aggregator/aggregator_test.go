package aggregator

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/aggregator/performance"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProxy struct {
	id       string
	value    float64
	examples int64
	positive float64
	accuracy float64
	loss     float64
	fitErr   error

	mu            sync.Mutex
	fitCalls      int
	lastFitConfig model.Config
	lastEvaluated model.Parameters
	reconnected   bool
}

func (p *fakeProxy) Id() string { return p.id }
func (p *fakeProxy) Address() string { return "fake://" + p.id }

func (p *fakeProxy) GetParameters(ctx context.Context, ins model.GetParametersIns) (model.GetParametersRes, error) {
	return model.GetParametersRes{Parameters: model.Parameters{model.NewTensor([]int{2}, []float64{0, 0})}}, nil
}

func (p *fakeProxy) Fit(ctx context.Context, ins model.FitIns) (model.FitRes, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fitCalls++
	p.lastFitConfig = ins.Config
	if p.fitErr != nil {
		return model.FitRes{Status: model.Status{Code: model.StatusFitFailed, Message: p.fitErr.Error()}}, nil
	}
	return model.FitRes{
		Parameters:  model.Parameters{model.NewTensor([]int{2}, []float64{p.value, p.value})},
		NumExamples: p.examples,
		Metrics:     model.Metrics{common.METRIC_POSITIVE_FRACTION: p.positive},
	}, nil
}

func (p *fakeProxy) Evaluate(ctx context.Context, ins model.EvaluateIns) (model.EvaluateRes, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastEvaluated = ins.Parameters
	return model.EvaluateRes{
		Loss:        p.loss,
		NumExamples: p.examples / 4,
		Metrics:     model.Metrics{common.METRIC_ACCURACY: p.accuracy},
	}, nil
}

func (p *fakeProxy) Reconnect(ctx context.Context, ins model.ReconnectIns) (model.DisconnectRes, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnected = true
	return model.DisconnectRes{Reason: "RECONNECT"}, nil
}

func fitResult(id string, examples int64, values ...float64) FitResult {
	return FitResult{
		ClientId: id,
		Res: model.FitRes{
			Parameters:  model.Parameters{model.NewTensor([]int{len(values)}, values)},
			NumExamples: examples,
		},
	}
}

func testConfig(t *testing.T) *model.FlAggregator {
	return &model.FlAggregator{
		Id:                 "run-test",
		Address:            "bufnet",
		Rounds:             3,
		LocalEpochs:        2,
		BatchSize:          16,
		FractionFit:        1,
		FractionEvaluate:   1,
		MinFitClients:      2,
		MinEvaluateClients: 2,
		MinAvailable:       2,
		RoundTimeout:       5 * time.Second,
		ResultsDirectory:   t.TempDir(),
	}
}

func TestFedAvgWeightedMean(t *testing.T) {
	strategy := &FedAvg{MinFitClients: 2}

	aggregated, err := strategy.AggregateFit([]FitResult{
		fitResult("a", 10, 1, 2),
		fitResult("b", 30, 5, 6),
	})
	require.NoError(t, err)

	require.Len(t, aggregated, 1)
	assert.Equal(t, []int{2}, aggregated[0].Shape)
	assert.InDeltaSlice(t, []float64{4, 5}, aggregated[0].Values, 1e-12)
}

func TestFedAvgWithoutExamplesUsesPlainMean(t *testing.T) {
	strategy := &FedAvg{}

	aggregated, err := strategy.AggregateFit([]FitResult{
		fitResult("a", 0, 1),
		fitResult("b", 0, 3),
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2}, aggregated[0].Values, 1e-12)
}

func TestFedAvgRejectsMismatchedShapes(t *testing.T) {
	strategy := &FedAvg{}

	_, err := strategy.AggregateFit([]FitResult{
		fitResult("a", 1, 1, 2),
		fitResult("b", 1, 1, 2, 3),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client b")
}

func TestFedAvgNotEnoughResults(t *testing.T) {
	strategy := &FedAvg{MinFitClients: 2, MinEvaluateClients: 2}

	_, err := strategy.AggregateFit([]FitResult{fitResult("a", 1, 1)})
	assert.ErrorIs(t, err, ErrNotEnoughResults)

	_, err = (&FedAvg{}).AggregateFit(nil)
	assert.ErrorIs(t, err, ErrNotEnoughResults)

	_, _, err = strategy.AggregateEvaluate([]EvaluateResult{{ClientId: "a"}})
	assert.ErrorIs(t, err, ErrNotEnoughResults)
}

func TestAggregateEvaluateWeightsByExamples(t *testing.T) {
	strategy := &FedAvg{}

	loss, accuracy, err := strategy.AggregateEvaluate([]EvaluateResult{
		{ClientId: "a", Res: model.EvaluateRes{Loss: 1, NumExamples: 1, Metrics: model.Metrics{common.METRIC_ACCURACY: 0.5}}},
		{ClientId: "b", Res: model.EvaluateRes{Loss: 0.2, NumExamples: 3, Metrics: model.Metrics{common.METRIC_ACCURACY: 0.9}}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, loss, 1e-12)
	assert.InDelta(t, 0.8, accuracy, 1e-12)
}

func TestSampleSize(t *testing.T) {
	strategy := &FedAvg{FractionFit: 0.5, MinFitClients: 2, FractionEvaluate: 1, MinEvaluateClients: 1}

	assert.Equal(t, 5, strategy.NumFitClients(10))
	assert.Equal(t, 2, strategy.NumFitClients(3))
	assert.Equal(t, 1, strategy.NumFitClients(1))
	assert.Equal(t, 4, strategy.NumEvaluateClients(4))
}

func TestFitConfigCarriesRoundSettings(t *testing.T) {
	strategy := NewFedAvg(&model.FlAggregator{LocalEpochs: 3, BatchSize: 64})

	config := strategy.FitConfig()
	assert.Equal(t, 3, config[common.CONFIG_LOCAL_EPOCHS])
	assert.Equal(t, 64, config[common.CONFIG_BATCH_SIZE])
}

func TestClientManagerRegistration(t *testing.T) {
	manager := NewClientManager(hclog.NewNullLogger(), nil, nil)
	a := &fakeProxy{id: "a"}

	require.NoError(t, manager.Register(a))
	assert.Error(t, manager.Register(&fakeProxy{id: "a"}))
	require.NoError(t, manager.Register(&fakeProxy{id: "b"}))
	assert.Equal(t, 2, manager.Num())

	// Only the registered proxy can remove its id.
	manager.Unregister(&fakeProxy{id: "a"})
	assert.Equal(t, 2, manager.Num())

	manager.Unregister(a)
	require.Len(t, manager.All(), 1)
	assert.Equal(t, "b", manager.All()[0].Id())
}

func TestClientManagerWaitFor(t *testing.T) {
	manager := NewClientManager(hclog.NewNullLogger(), nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- manager.WaitFor(context.Background(), 2)
	}()

	require.NoError(t, manager.Register(&fakeProxy{id: "a"}))
	select {
	case <-done:
		t.Fatal("WaitFor returned with one client")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, manager.Register(&fakeProxy{id: "b"}))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not return")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, manager.WaitFor(ctx, 3), context.Canceled)
}

func TestClientManagerSample(t *testing.T) {
	manager := NewClientManager(hclog.NewNullLogger(), nil, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, manager.Register(&fakeProxy{id: id}))
	}
	rng := rand.New(rand.NewPCG(1, 2))

	sample := manager.Sample(3, rng)
	require.Len(t, sample, 3)
	seen := map[string]bool{}
	for _, client := range sample {
		seen[client.Id()] = true
	}
	assert.Len(t, seen, 3)

	assert.Len(t, manager.Sample(10, rng), 4)
}

func TestClientManagerPublishesStateChanges(t *testing.T) {
	eventBus := events.NewEventBus()
	stateChanges := make(chan events.Event, 2)
	eventBus.Subscribe(common.CLIENT_STATE_CHANGE_EVENT_TYPE, stateChanges)
	manager := NewClientManager(hclog.NewNullLogger(), eventBus, nil)
	client := &fakeProxy{id: "a"}

	require.NoError(t, manager.Register(client))
	manager.Unregister(client)

	joined := (<-stateChanges).Data.(events.ClientStateChangeEvent)
	left := (<-stateChanges).Data.(events.ClientStateChangeEvent)
	assert.Equal(t, common.CLIENT_JOINED, joined.State)
	assert.Equal(t, common.CLIENT_LEFT, left.State)
	assert.Equal(t, "a", left.ClientId)
}

func TestHasConverged(t *testing.T) {
	assert.Nil(t, movingAverage([]float64{1, 2}, 3))
	assert.InDeltaSlice(t, []float64{2, 3}, movingAverage([]float64{1, 2, 3, 4}, 3), 1e-12)

	improving := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}
	assert.False(t, hasConverged(improving, 0.01, 5, 3))

	flat := []float64{0.5, 0.7, 0.8, 0.8, 0.8, 0.8, 0.8, 0.8, 0.8, 0.8, 0.8}
	assert.True(t, hasConverged(flat, 0.01, 5, 3))

	assert.False(t, hasConverged(flat[:6], 0.01, 5, 3))
}

func TestPredictRounds(t *testing.T) {
	accuracies := make([]float64, 6)
	losses := make([]float64, 6)
	for i := range accuracies {
		x := float64(i + 1)
		accuracies[i] = 0.5 + 0.1*math.Log(x+1)
		losses[i] = 0.8 - 0.15*math.Log(x+1)
	}
	pp, err := performance.NewPerformancePrediction(accuracies, losses, performance.LogarithmicRegression_PredictionType, 0)
	require.NoError(t, err)

	prediction := predictRounds(pp, 6, 0, 0)
	assert.InDelta(t, 0.5+0.1*math.Log(8), prediction.accuracy, 1e-9)
	assert.InDelta(t, 0.8-0.15*math.Log(8), prediction.loss, 1e-9)
	assert.Equal(t, int32(-1), prediction.roundForAccuracy)
	assert.Equal(t, int32(-1), prediction.roundForLoss)

	target := pp.PredictAccuracy(12) - 1e-9
	targetLoss := pp.PredictLoss(15) + 1e-9
	prediction = predictRounds(pp, 6, target, targetLoss)
	assert.Equal(t, int32(12), prediction.roundForAccuracy)
	assert.Equal(t, int32(15), prediction.roundForLoss)

	progress := newFlProgress()
	progress.setPrediction(prediction.accuracy, prediction.loss)
	snapshot := progress.snapshot()
	assert.Equal(t, prediction.accuracy, snapshot.PredictedAccuracy)
	assert.Equal(t, prediction.loss, snapshot.PredictedLoss)
}

func TestDatasetBasedScores(t *testing.T) {
	clients := []*model.FlClient{
		{Id: "a", NumExamples: 100, DataDistribution: binaryDistribution(0.5)},
		{Id: "b", NumExamples: 100, DataDistribution: binaryDistribution(0.5)},
		{Id: "c", NumExamples: 200, DataDistribution: binaryDistribution(0.95)},
	}

	require.NoError(t, calculateDatasetBasedScores(clients))

	assert.InDelta(t, 0.25, clients[0].ClientUtility.DatasetSizeScore, 1e-6)
	assert.InDelta(t, 0.5, clients[2].ClientUtility.DatasetSizeScore, 1e-6)
	assert.Greater(t, clients[2].ClientUtility.DataDistributionScore, clients[0].ClientUtility.DataDistributionScore)
	assert.InDelta(t, clients[0].ClientUtility.DataDistributionScore, clients[1].ClientUtility.DataDistributionScore, 1e-9)
}

func TestKlDivergence(t *testing.T) {
	kl, err := klDivergence([]float64{0.5, 0.5}, []float64{0.5, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0, kl, 1e-12)

	_, err = klDivergence([]float64{1}, []float64{0.5, 0.5})
	assert.Error(t, err)
}

func TestWriteResultsToFile(t *testing.T) {
	fileName, err := getResultsFileName(filepath.Join(t.TempDir(), "results"), "run-1")
	require.NoError(t, err)

	require.NoError(t, writeResultsToFile(fileName, 1, 0.75, 0.5, 2))
	require.NoError(t, writeResultsToFile(fileName, 2, 0.8, 0.4, 2))

	content, err := os.ReadFile(fileName)
	require.NoError(t, err)
	assert.Equal(t, "1,0.7500,0.5000,2\n2,0.8000,0.4000,2\n", string(content))
}

func TestServerRun(t *testing.T) {
	config := testConfig(t)
	eventBus := events.NewEventBus()
	roundsFinished := make(chan events.Event, 8)
	flFinished := make(chan events.Event, 1)
	eventBus.Subscribe(common.ROUND_FINISHED_EVENT_TYPE, roundsFinished)
	eventBus.Subscribe(common.FL_FINISHED_EVENT_TYPE, flFinished)

	manager := NewClientManager(hclog.NewNullLogger(), eventBus, nil)
	a := &fakeProxy{id: "a", value: 1, examples: 40, positive: 0.5, accuracy: 0.6, loss: 0.7}
	b := &fakeProxy{id: "b", value: 3, examples: 120, positive: 0.2, accuracy: 0.8, loss: 0.5}
	require.NoError(t, manager.Register(a))
	require.NoError(t, manager.Register(b))

	server, err := NewServer(hclog.NewNullLogger(), config, manager, eventBus, nil)
	require.NoError(t, err)
	require.NoError(t, server.Run(context.Background()))

	assert.Equal(t, 3, a.fitCalls)
	assert.Equal(t, 2, a.lastFitConfig[common.CONFIG_LOCAL_EPOCHS])
	assert.Equal(t, 16, a.lastFitConfig[common.CONFIG_BATCH_SIZE])
	assert.InDeltaSlice(t, []float64{2.5, 2.5}, a.lastEvaluated[0].Values, 1e-12)
	assert.True(t, a.reconnected)
	assert.True(t, b.reconnected)

	require.Len(t, roundsFinished, 3)
	last := events.RoundFinishedEvent{}
	for i := 0; i < 3; i++ {
		last = (<-roundsFinished).Data.(events.RoundFinishedEvent)
	}
	assert.Equal(t, int32(3), last.Round)
	assert.Equal(t, 2, last.NumClients)
	assert.InDelta(t, 0.75, last.Accuracy, 1e-12)
	assert.InDelta(t, 0.55, last.Loss, 1e-12)

	finished := (<-flFinished).Data.(events.FlFinishedEvent)
	assert.Equal(t, int32(0), finished.ExitCode)
	assert.Equal(t, "run-test", finished.RunId)

	status := server.Status()
	assert.True(t, status.Finished)
	assert.Equal(t, int32(3), status.GlobalRound)
	assert.Len(t, status.Accuracies, 3)
	assert.Equal(t, 2, status.ConnectedClients)

	files, err := filepath.Glob(filepath.Join(config.ResultsDirectory, "results_*_run-test.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	content, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(content)), "\n"), 3)
}

func TestServerRunFailsWithoutEnoughFitResults(t *testing.T) {
	eventBus := events.NewEventBus()
	flFinished := make(chan events.Event, 1)
	eventBus.Subscribe(common.FL_FINISHED_EVENT_TYPE, flFinished)

	manager := NewClientManager(hclog.NewNullLogger(), nil, nil)
	require.NoError(t, manager.Register(&fakeProxy{id: "a", value: 1, examples: 10}))
	require.NoError(t, manager.Register(&fakeProxy{id: "b", fitErr: errors.New("numerical error")}))

	server, err := NewServer(hclog.NewNullLogger(), testConfig(t), manager, eventBus, nil)
	require.NoError(t, err)

	err = server.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotEnoughResults)

	finished := (<-flFinished).Data.(events.FlFinishedEvent)
	assert.Equal(t, int32(1), finished.ExitCode)
	assert.Contains(t, finished.ExitMessage, "round 1")
}

func TestServerStop(t *testing.T) {
	manager := NewClientManager(hclog.NewNullLogger(), nil, nil)
	server, err := NewServer(hclog.NewNullLogger(), testConfig(t), manager, nil, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- server.Run(context.Background())
	}()

	var runErr error
	require.Eventually(t, func() bool {
		server.Stop()
		select {
		case runErr = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, IsCancelled(runErr))
	assert.True(t, server.Status().Finished)
}

func TestNewServerValidatesConfig(t *testing.T) {
	manager := NewClientManager(hclog.NewNullLogger(), nil, nil)

	for name, mutate := range map[string]func(*model.FlAggregator){
		"no rounds":             func(c *model.FlAggregator) { c.Rounds = 0 },
		"fraction fit":          func(c *model.FlAggregator) { c.FractionFit = 1.5 },
		"fraction evaluate":     func(c *model.FlAggregator) { c.FractionEvaluate = 0 },
		"min available":         func(c *model.FlAggregator) { c.MinAvailable = 0 },
		"min fit above minimum": func(c *model.FlAggregator) { c.MinFitClients = 3 },
		"batch size":            func(c *model.FlAggregator) { c.BatchSize = 0 },
		"target accuracy":       func(c *model.FlAggregator) { c.TargetAccuracy = 1.2 },
		"target loss":           func(c *model.FlAggregator) { c.TargetLoss = -0.1 },
	} {
		t.Run(name, func(t *testing.T) {
			config := testConfig(t)
			mutate(config)
			_, err := NewServer(hclog.NewNullLogger(), config, manager, nil, nil)
			assert.Error(t, err)
		})
	}
}

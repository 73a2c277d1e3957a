package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/aggregator/performance"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/metrics"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
)

// Server runs a fixed number of FedAvg rounds over the connected clients.
type Server struct {
	runId           string
	config          *model.FlAggregator
	manager         *ClientManager
	strategy        *FedAvg
	eventBus        *events.EventBus
	logger          hclog.Logger
	metrics         *metrics.ServerMetrics
	progress        *FlProgress
	clients         map[string]*model.FlClient
	rng             *rand.Rand
	resultsFileName string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewServer(logger hclog.Logger, config *model.FlAggregator, manager *ClientManager, eventBus *events.EventBus,
	serverMetrics *metrics.ServerMetrics) (*Server, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	runId := config.Id
	if runId == "" {
		runId = uuid.New().String()
	}

	return &Server{
		runId:    runId,
		config:   config,
		manager:  manager,
		strategy: NewFedAvg(config),
		eventBus: eventBus,
		logger:   logger,
		metrics:  serverMetrics,
		progress: newFlProgress(),
		clients:  map[string]*model.FlClient{},
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}, nil
}

func validateConfig(config *model.FlAggregator) error {
	switch {
	case config.Rounds < 1:
		return fmt.Errorf("global rounds must be positive, got %d", config.Rounds)
	case config.FractionFit <= 0 || config.FractionFit > 1:
		return fmt.Errorf("fraction fit must be in (0, 1], got %g", config.FractionFit)
	case config.FractionEvaluate <= 0 || config.FractionEvaluate > 1:
		return fmt.Errorf("fraction evaluate must be in (0, 1], got %g", config.FractionEvaluate)
	case config.MinAvailable < 1:
		return fmt.Errorf("min available clients must be positive, got %d", config.MinAvailable)
	case config.MinFitClients > config.MinAvailable || config.MinEvaluateClients > config.MinAvailable:
		return fmt.Errorf("min fit/evaluate clients cannot exceed min available clients (%d)", config.MinAvailable)
	case config.LocalEpochs < 1 || config.BatchSize < 1:
		return fmt.Errorf("local epochs and batch size must be positive")
	case config.TargetAccuracy < 0 || config.TargetAccuracy > 1:
		return fmt.Errorf("target accuracy must be in [0, 1], got %g", config.TargetAccuracy)
	case config.TargetLoss < 0:
		return fmt.Errorf("target loss cannot be negative, got %g", config.TargetLoss)
	}
	return nil
}

func (s *Server) RunId() string {
	return s.runId
}

func (s *Server) Status() ProgressSnapshot {
	snapshot := s.progress.snapshot()
	snapshot.RunId = s.runId
	snapshot.ConnectedClients = s.manager.Num()
	return snapshot
}

// Stop cancels a running Run. It is a no-op before Run starts.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Run blocks until all rounds are done, a round fails, or ctx is cancelled.
// Connected clients are asked to disconnect in every case.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	resultsFileName, err := getResultsFileName(s.config.ResultsDirectory, s.runId)
	if err != nil {
		return s.finish(err)
	}
	s.resultsFileName = resultsFileName

	notifier := cron.New()
	if _, err := notifier.AddFunc(common.PROGRESS_NOTIFIER_SCHEDULE, s.logProgress); err != nil {
		return s.finish(fmt.Errorf("scheduling progress notifier: %w", err))
	}
	notifier.Start()
	defer notifier.Stop()

	s.logger.Info(fmt.Sprintf("Run %s waiting for %d clients on %s", s.runId, s.config.MinAvailable, s.config.Address))
	if err := s.manager.WaitFor(ctx, int(s.config.MinAvailable)); err != nil {
		return s.finish(err)
	}

	parameters, err := s.initialParameters(ctx)
	if err != nil {
		return s.finish(err)
	}

	for round := int32(1); round <= s.config.Rounds; round++ {
		parameters, err = s.runRound(ctx, round, parameters)
		if err != nil {
			return s.finish(fmt.Errorf("round %d: %w", round, err))
		}
	}

	return s.finish(nil)
}

func (s *Server) finish(err error) error {
	s.disconnectAll()
	s.progress.finish()

	event := events.FlFinishedEvent{RunId: s.runId, ExitMessage: "completed all global rounds"}
	if err != nil {
		s.logger.Error("FL run failed", "run", s.runId, "error", err)
		event.ExitCode = 1
		event.ExitMessage = err.Error()
	} else {
		s.logger.Info(fmt.Sprintf("FL run %s finished after %d rounds", s.runId, s.config.Rounds))
	}

	s.publish(common.FL_FINISHED_EVENT_TYPE, event)
	return err
}

func (s *Server) initialParameters(ctx context.Context) (model.Parameters, error) {
	ins := model.GetParametersIns{Config: model.Config{}}
	for _, client := range s.manager.Sample(s.manager.Num(), s.rng) {
		requestCtx, cancel := s.requestContext(ctx)
		res, err := client.GetParameters(requestCtx, ins)
		cancel()
		if err == nil && !res.Status.OK() {
			err = fmt.Errorf("%s: %s", res.Status.Code, res.Status.Message)
		}
		if err != nil {
			s.logger.Warn("Client could not provide initial parameters", "client", client.Id(), "error", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		s.logger.Info(fmt.Sprintf("Initial parameters from client %s: %d tensors, %d values", client.Id(),
			len(res.Parameters), res.Parameters.NumValues()))
		return res.Parameters, nil
	}

	return nil, fmt.Errorf("%w: no client provided initial parameters", ErrNotEnoughResults)
}

func (s *Server) runRound(ctx context.Context, round int32, parameters model.Parameters) (model.Parameters, error) {
	started := time.Now()
	s.progress.startRound(round)
	s.logger.Info(fmt.Sprintf("Started global round %d", round))

	fitClients := s.manager.Sample(s.strategy.NumFitClients(s.manager.Num()), s.rng)
	fitResults, fitFailures := s.fit(ctx, fitClients, parameters)
	s.metrics.ResultFailures("fit", fitFailures)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	aggregated, err := s.strategy.AggregateFit(fitResults)
	if err != nil {
		return nil, err
	}
	s.updateClientUtility(fitResults)

	evaluateClients := s.manager.Sample(s.strategy.NumEvaluateClients(s.manager.Num()), s.rng)
	evaluateResults, evaluateFailures := s.evaluate(ctx, evaluateClients, aggregated)
	s.metrics.ResultFailures("evaluate", evaluateFailures)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	loss, accuracy, err := s.strategy.AggregateEvaluate(evaluateResults)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("Global round %d has no evaluation", round), "error", err)
		return aggregated, nil
	}

	s.logger.Info(fmt.Sprintf("Finished global round %d", round))
	s.logger.Info(fmt.Sprintf("Latest accuracy: %.4f", accuracy))
	s.logger.Info(fmt.Sprintf("Latest loss: %.4f", loss))

	if s.progress.record(accuracy, loss) {
		s.logger.Info("Accuracy has converged!")
	}
	s.logPrediction(round)

	if err := writeResultsToFile(s.resultsFileName, round, accuracy, loss, len(fitResults)); err != nil {
		s.logger.Error("Error while writing results", "error", err)
	}

	s.metrics.RoundFinished(started, loss, accuracy)
	s.publish(common.ROUND_FINISHED_EVENT_TYPE, events.RoundFinishedEvent{
		RunId:       s.runId,
		Round:       round,
		Loss:        loss,
		Accuracy:    accuracy,
		NumClients:  len(fitResults),
		NumFailures: fitFailures + evaluateFailures,
	})

	return aggregated, nil
}

func (s *Server) fit(ctx context.Context, clients []IClientProxy, parameters model.Parameters) ([]FitResult, int) {
	roundCtx, cancel := s.requestContext(ctx)
	defer cancel()

	ins := model.FitIns{Parameters: parameters, Config: s.strategy.FitConfig()}
	results := make([]FitResult, len(clients))
	errs := make([]error, len(clients))

	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := client.Fit(roundCtx, ins)
			if err == nil && !res.Status.OK() {
				err = fmt.Errorf("%s: %s", res.Status.Code, res.Status.Message)
			}
			results[i] = FitResult{ClientId: client.Id(), Res: res}
			errs[i] = err
		}()
	}
	wg.Wait()

	succeeded := make([]FitResult, 0, len(results))
	for i, result := range results {
		if errs[i] != nil {
			s.logger.Warn("Dropping fit result", "client", result.ClientId, "error", errs[i])
			continue
		}
		succeeded = append(succeeded, result)
	}

	return succeeded, len(results) - len(succeeded)
}

func (s *Server) evaluate(ctx context.Context, clients []IClientProxy, parameters model.Parameters) ([]EvaluateResult, int) {
	roundCtx, cancel := s.requestContext(ctx)
	defer cancel()

	ins := model.EvaluateIns{Parameters: parameters, Config: s.strategy.EvaluateConfig()}
	results := make([]EvaluateResult, len(clients))
	errs := make([]error, len(clients))

	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := client.Evaluate(roundCtx, ins)
			if err == nil && !res.Status.OK() {
				err = fmt.Errorf("%s: %s", res.Status.Code, res.Status.Message)
			}
			results[i] = EvaluateResult{ClientId: client.Id(), Res: res}
			errs[i] = err
		}()
	}
	wg.Wait()

	succeeded := make([]EvaluateResult, 0, len(results))
	for i, result := range results {
		if errs[i] != nil {
			s.logger.Warn("Dropping evaluate result", "client", result.ClientId, "error", errs[i])
			continue
		}
		succeeded = append(succeeded, result)
	}

	return succeeded, len(results) - len(succeeded)
}

func (s *Server) updateClientUtility(results []FitResult) {
	for _, result := range results {
		client, ok := s.clients[result.ClientId]
		if !ok {
			client = &model.FlClient{Id: result.ClientId}
			s.clients[result.ClientId] = client
		}
		client.NumExamples = result.Res.NumExamples
		if fraction, ok := result.Res.Metrics[common.METRIC_POSITIVE_FRACTION]; ok {
			client.DataDistribution = binaryDistribution(fraction)
		}
	}

	clients := make([]*model.FlClient, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	if err := calculateDatasetBasedScores(clients); err != nil {
		s.logger.Error("Error while scoring clients", "error", err)
		return
	}

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ClientUtility.DataDistributionScore < clients[j].ClientUtility.DataDistributionScore
	})

	clientsSortedPrint := fmt.Sprintln("Clients sorted by data distribution score ascending ::")
	for _, c := range clients {
		clientsSortedPrint += fmt.Sprintf("\t%s: examples=%d distr=%v size=%.3f kld=%.5f\n", c.Id, c.NumExamples,
			c.DataDistribution, c.ClientUtility.DatasetSizeScore, c.ClientUtility.DataDistributionScore)
	}
	s.logger.Debug(clientsSortedPrint)
}

func (s *Server) logPrediction(round int32) {
	accuracies, losses := s.progress.history()
	if len(accuracies) < 2 {
		return
	}

	pp, err := performance.NewPerformancePrediction(accuracies, losses, performance.LogarithmicRegression_PredictionType, 0)
	if err != nil {
		s.logger.Debug("No performance prediction", "error", err)
		return
	}

	prediction := predictRounds(pp, round, s.config.TargetAccuracy, s.config.TargetLoss)
	s.progress.setPrediction(prediction.accuracy, prediction.loss)
	s.logger.Info(fmt.Sprintf("Accuracy curve %s, predicted for round %d: accuracy %.4f, loss %.4f", pp.PrintPrediction(),
		round+1, prediction.accuracy, prediction.loss))

	if s.config.TargetAccuracy > 0 {
		s.logger.Info(fmt.Sprintf("Target accuracy %.4f predicted at round %d", s.config.TargetAccuracy,
			prediction.roundForAccuracy))
	}
	if s.config.TargetLoss > 0 {
		s.logger.Info(fmt.Sprintf("Target loss %.4f predicted at round %d", s.config.TargetLoss, prediction.roundForLoss))
	}
}

type roundPrediction struct {
	accuracy         float64
	loss             float64
	roundForAccuracy int32
	roundForLoss     int32
}

// predictRounds extrapolates the curves one round past round. Target rounds
// are -1 when no target is set or the curve never reaches it.
func predictRounds(pp *performance.PerformancePrediction, round int32, targetAccuracy float64,
	targetLoss float64) roundPrediction {
	prediction := roundPrediction{
		accuracy:         pp.PredictAccuracy(round + 1),
		loss:             pp.PredictLoss(round + 1),
		roundForAccuracy: -1,
		roundForLoss:     -1,
	}
	if targetAccuracy > 0 {
		prediction.roundForAccuracy = pp.PredictRoundForAccuracy(targetAccuracy)
	}
	if targetLoss > 0 {
		prediction.roundForLoss = pp.PredictRoundForLoss(targetLoss)
	}
	return prediction
}

func (s *Server) logProgress() {
	snapshot := s.Status()
	s.logger.Info(fmt.Sprintf("Run %s: round %d of %d, %d clients connected, converged=%t", snapshot.RunId,
		snapshot.GlobalRound, s.config.Rounds, snapshot.ConnectedClients, snapshot.AccuracyHasConverged))
}

func (s *Server) disconnectAll() {
	ctx, cancel := context.WithTimeout(context.Background(), common.DISCONNECT_TIMEOUT)
	defer cancel()

	var wg sync.WaitGroup
	for _, client := range s.manager.All() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Reconnect(ctx, model.ReconnectIns{}); err != nil {
				s.logger.Debug("Disconnect failed", "client", client.Id(), "error", err)
			}
		}()
	}
	wg.Wait()
}

func (s *Server) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.RoundTimeout > 0 {
		return context.WithTimeout(ctx, s.config.RoundTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Server) publish(eventType string, data any) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(events.Event{Type: eventType, Timestamp: time.Now(), Data: data})
}

// IsCancelled reports whether err ended a run through Stop or ctx.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

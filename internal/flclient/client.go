package flclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/dataset"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/metrics"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/nn"
	"github.com/hashicorp/go-hclog"
)

var (
	// ErrProtocol is returned when the aggregator sends parameters or round
	// settings the client cannot use.
	ErrProtocol = errors.New("protocol error")
	// ErrNumerical is returned when parameters or the training loss are not finite.
	ErrNumerical = errors.New("numerical error")
)

// IFlClient is the contract a federated participant fulfils towards the aggregator.
type IFlClient interface {
	GetParameters(ctx context.Context, config model.Config) (model.Parameters, error)
	Fit(ctx context.Context, parameters model.Parameters, config model.Config) (model.FitRes, error)
	Evaluate(ctx context.Context, parameters model.Parameters, config model.Config) (model.EvaluateRes, error)
}

type Options struct {
	Epochs    int
	BatchSize int
	Network   nn.Options
	Metrics   *metrics.ClientMetrics
}

func DefaultOptions() Options {
	return Options{
		Epochs:    common.DEFAULT_LOCAL_EPOCHS,
		BatchSize: common.DEFAULT_BATCH_SIZE,
		Network:   nn.DefaultOptions(),
	}
}

// CsvClient trains the local network on a CSV dataset. Operations are
// serialized; the dataset is never modified.
type CsvClient struct {
	mu        sync.Mutex
	logger    hclog.Logger
	network   *nn.Network
	data      *dataset.Dataset
	epochs    int
	batchSize int
	metrics   *metrics.ClientMetrics
}

var _ IFlClient = (*CsvClient)(nil)

func NewCsvClient(logger hclog.Logger, data *dataset.Dataset, opts Options) (*CsvClient, error) {
	if opts.Epochs <= 0 || opts.BatchSize <= 0 {
		return nil, fmt.Errorf("epochs (%d) and batch size (%d) must be positive", opts.Epochs, opts.BatchSize)
	}

	network, err := nn.NewNetwork(data.NumFeatures(), opts.Network)
	if err != nil {
		return nil, err
	}

	opts.Metrics.SetExamples(data.NumTrain(), data.NumTest())

	return &CsvClient{
		logger:    logger,
		network:   network,
		data:      data,
		epochs:    opts.Epochs,
		batchSize: opts.BatchSize,
		metrics:   opts.Metrics,
	}, nil
}

func (c *CsvClient) GetParameters(ctx context.Context, config model.Config) (model.Parameters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.network.Weights(), nil
}

func (c *CsvClient) Fit(ctx context.Context, parameters model.Parameters, config model.Config) (res model.FitRes, err error) {
	started := time.Now()
	defer func() { c.metrics.Observe("fit", started, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return model.FitRes{}, err
	}

	epochs, batchSize, err := c.roundSettings(config)
	if err != nil {
		return model.FitRes{}, err
	}

	if err := c.setWeights(parameters); err != nil {
		return model.FitRes{}, err
	}

	history, err := c.network.Fit(c.data.XTrain, c.data.YTrain, epochs, batchSize)
	if err != nil {
		return model.FitRes{}, classify(err)
	}

	c.logger.Info(fmt.Sprintf("Fit finished: %d examples, %d epochs, batch size %d, %d steps, loss %.4f",
		c.data.NumTrain(), epochs, batchSize, history.Steps, history.LastLoss()))
	c.metrics.SetLoss("fit", history.LastLoss())

	return model.FitRes{
		Status:      model.Status{Code: model.StatusOK},
		Parameters:  c.network.Weights(),
		NumExamples: int64(c.data.NumTrain()),
		Metrics: model.Metrics{
			common.METRIC_TRAIN_LOSS:        history.LastLoss(),
			common.METRIC_POSITIVE_FRACTION: c.data.PositiveFraction(),
		},
	}, nil
}

func (c *CsvClient) Evaluate(ctx context.Context, parameters model.Parameters, config model.Config) (res model.EvaluateRes, err error) {
	started := time.Now()
	defer func() { c.metrics.Observe("evaluate", started, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return model.EvaluateRes{}, err
	}

	if err := c.setWeights(parameters); err != nil {
		return model.EvaluateRes{}, err
	}

	loss, accuracy, err := c.network.Evaluate(c.data.XTest, c.data.YTest)
	if err != nil {
		return model.EvaluateRes{}, classify(err)
	}

	c.logger.Info(fmt.Sprintf("Evaluate finished: %d examples, loss %.4f, accuracy %.4f", c.data.NumTest(), loss, accuracy))
	c.metrics.SetLoss("evaluate", loss)
	c.metrics.SetAccuracy(accuracy)

	return model.EvaluateRes{
		Status:      model.Status{Code: model.StatusOK},
		Loss:        loss,
		NumExamples: int64(c.data.NumTest()),
		Metrics: model.Metrics{
			common.METRIC_ACCURACY: accuracy,
		},
	}, nil
}

func (c *CsvClient) setWeights(parameters model.Parameters) error {
	if err := c.network.SetWeights(parameters); err != nil {
		return classify(err)
	}
	return nil
}

// roundSettings applies the recognized keys of the round config on top of
// the client defaults.
func (c *CsvClient) roundSettings(config model.Config) (int, int, error) {
	epochs, batchSize := c.epochs, c.batchSize

	for key, target := range map[string]*int{
		common.CONFIG_LOCAL_EPOCHS: &epochs,
		common.CONFIG_BATCH_SIZE:   &batchSize,
	} {
		value, found, err := config.Int(key)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if !found {
			continue
		}
		if value <= 0 {
			return 0, 0, fmt.Errorf("%w: config key %q must be positive, got %d", ErrProtocol, key, value)
		}
		*target = value
	}

	return epochs, batchSize, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, nn.ErrShapeMismatch):
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	case errors.Is(err, nn.ErrNonFinite):
		return fmt.Errorf("%w: %v", ErrNumerical, err)
	default:
		return err
	}
}

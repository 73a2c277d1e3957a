package config

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
	"github.com/hashicorp/go-hclog"
)

// ClientConfig is everything the client reads from its command line.
type ClientConfig struct {
	CsvPath        string
	ServerAddress  string
	LabelColumn    string
	TestSize       float64
	SplitSeed      uint64
	ModelSeed      uint64
	Epochs         int
	BatchSize      int
	Threshold      float64
	LogLevel       string
	MetricsAddress string
}

func ParseClientFlags(name string, args []string, output io.Writer) (*ClientConfig, error) {
	cfg := &ClientConfig{}

	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(output)
	flags.StringVar(&cfg.CsvPath, "csv", "", "path to the local CSV dataset (required)")
	flags.StringVar(&cfg.ServerAddress, "server", common.DEFAULT_SERVER_ADDRESS, "aggregation server address")
	flags.StringVar(&cfg.LabelColumn, "label", common.DEFAULT_LABEL_COLUMN, "name of the binary label column")
	flags.Float64Var(&cfg.TestSize, "test-size", common.DEFAULT_TEST_SIZE, "fraction of rows held out for evaluation")
	flags.Uint64Var(&cfg.SplitSeed, "seed", common.DEFAULT_SPLIT_SEED, "seed of the train/test split")
	flags.Uint64Var(&cfg.ModelSeed, "model-seed", 0, "seed of weight initialization and shuffling (0 picks one)")
	flags.IntVar(&cfg.Epochs, "epochs", common.DEFAULT_LOCAL_EPOCHS, "local epochs per fit unless the round config overrides it")
	flags.IntVar(&cfg.BatchSize, "batch-size", common.DEFAULT_BATCH_SIZE, "mini-batch size unless the round config overrides it")
	flags.Float64Var(&cfg.Threshold, "threshold", common.DEFAULT_ACCURACY_THRESHOLD, "probability above which a prediction is class 1")
	flags.StringVar(&cfg.LogLevel, "log-level", "INFO", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flags.StringVar(&cfg.MetricsAddress, "metrics-addr", "", "serve Prometheus metrics on this address when set")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", flags.Args())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *ClientConfig) Validate() error {
	var errs []error
	if cfg.CsvPath == "" {
		errs = append(errs, errors.New("--csv is required"))
	}
	if cfg.ServerAddress == "" {
		errs = append(errs, errors.New("--server cannot be empty"))
	}
	if cfg.LabelColumn == "" {
		errs = append(errs, errors.New("--label cannot be empty"))
	}
	if cfg.TestSize <= 0 || cfg.TestSize >= 1 {
		errs = append(errs, fmt.Errorf("--test-size must be in (0, 1), got %g", cfg.TestSize))
	}
	if cfg.Epochs < 1 {
		errs = append(errs, fmt.Errorf("--epochs must be positive, got %d", cfg.Epochs))
	}
	if cfg.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("--batch-size must be positive, got %d", cfg.BatchSize))
	}
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("--threshold must be in (0, 1), got %g", cfg.Threshold))
	}
	if hclog.LevelFromString(cfg.LogLevel) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("unknown --log-level %q", cfg.LogLevel))
	}
	return errors.Join(errs...)
}

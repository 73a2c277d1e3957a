package config

import (
	"fmt"
	"os"
	"time"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
	"gopkg.in/yaml.v3"
)

// ServerConfig has the shape of the global aggregator YAML file.
type ServerConfig struct {
	Server   ServerSection   `yaml:"server"`
	Strategy StrategySection `yaml:"strategy"`
}

type ServerSection struct {
	Address          string        `yaml:"address"`
	HttpAddress      string        `yaml:"http_address"`
	GlobalRounds     int32         `yaml:"global_rounds"`
	RoundTimeout     time.Duration `yaml:"round_timeout"`
	ResultsDirectory string        `yaml:"results_directory"`
	LogLevel         string        `yaml:"log_level"`
}

type StrategySection struct {
	FractionFit         float64 `yaml:"fraction_fit"`
	FractionEvaluate    float64 `yaml:"fraction_evaluate"`
	MinFitClients       int32   `yaml:"min_fit_clients"`
	MinEvaluateClients  int32   `yaml:"min_evaluate_clients"`
	MinAvailableClients int32   `yaml:"min_available_clients"`
	LocalEpochs         int32   `yaml:"local_epochs"`
	BatchSize           int32   `yaml:"batch_size"`
	TargetAccuracy      float64 `yaml:"target_accuracy"`
	TargetLoss          float64 `yaml:"target_loss"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Address:          common.GLOBAL_AGGREGATOR_ADDRESS,
			HttpAddress:      common.GLOBAL_AGGREGATOR_HTTP_ADDRESS,
			GlobalRounds:     common.GLOBAL_AGGREGATOR_ROUNDS,
			RoundTimeout:     common.GLOBAL_AGGREGATOR_ROUND_TIMEOUT,
			ResultsDirectory: common.RESULTS_DIRECTORY,
			LogLevel:         "DEBUG",
		},
		Strategy: StrategySection{
			FractionFit:         1.0,
			FractionEvaluate:    1.0,
			MinFitClients:       common.GLOBAL_AGGREGATOR_MIN_CLIENTS,
			MinEvaluateClients:  common.GLOBAL_AGGREGATOR_MIN_CLIENTS,
			MinAvailableClients: common.GLOBAL_AGGREGATOR_MIN_CLIENTS,
			LocalEpochs:         common.DEFAULT_LOCAL_EPOCHS,
			BatchSize:           common.DEFAULT_BATCH_SIZE,
		},
	}
}

// LoadServerConfig reads path over the defaults. An empty path returns the
// defaults unchanged.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	if err := ParseServerConfig(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

func ParseServerConfig(data []byte, cfg *ServerConfig) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing server config: %w", err)
	}
	return nil
}

// ToFlAggregator converts the file into the settings of one aggregation run.
func (cfg *ServerConfig) ToFlAggregator(runId string) *model.FlAggregator {
	return &model.FlAggregator{
		Id:                 runId,
		Address:            cfg.Server.Address,
		Rounds:             cfg.Server.GlobalRounds,
		LocalEpochs:        cfg.Strategy.LocalEpochs,
		BatchSize:          cfg.Strategy.BatchSize,
		FractionFit:        cfg.Strategy.FractionFit,
		FractionEvaluate:   cfg.Strategy.FractionEvaluate,
		MinFitClients:      cfg.Strategy.MinFitClients,
		MinEvaluateClients: cfg.Strategy.MinEvaluateClients,
		MinAvailable:       cfg.Strategy.MinAvailableClients,
		RoundTimeout:       cfg.Server.RoundTimeout,
		ResultsDirectory:   cfg.Server.ResultsDirectory,
		TargetAccuracy:     cfg.Strategy.TargetAccuracy,
		TargetLoss:         cfg.Strategy.TargetLoss,
	}
}

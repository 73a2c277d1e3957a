package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/dataset"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/flclient"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/metrics"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/server"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run returns the process exit code: 0 when the aggregator ends the session
// or the client is interrupted, 1 on any configuration or session failure.
func run(args []string, stderr io.Writer) int {
	cfg, err := config.ParseClientFlags("fl-client", args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "fl-client",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: stderr,
	})

	data, err := dataset.Prepare(cfg.CsvPath, dataset.Options{
		LabelColumn: cfg.LabelColumn,
		TestSize:    cfg.TestSize,
		Seed:        cfg.SplitSeed,
	})
	if err != nil {
		logger.Error("Error while loading dataset", "path", cfg.CsvPath, "error", err)
		return 1
	}
	logger.Info(fmt.Sprintf("Loaded %s: %d features, %d train rows, %d test rows", cfg.CsvPath, data.NumFeatures(),
		data.NumTrain(), data.NumTest()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	clientMetrics := metrics.NewClientMetrics(registry)
	if cfg.MetricsAddress != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := server.StartHttpServer(ctx, logger.Named("metrics"), cfg.MetricsAddress, router); err != nil {
				logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	modelSeed := cfg.ModelSeed
	if modelSeed == 0 {
		modelSeed = uint64(time.Now().UnixNano())
	}

	opts := flclient.DefaultOptions()
	opts.Epochs = cfg.Epochs
	opts.BatchSize = cfg.BatchSize
	opts.Network.Threshold = cfg.Threshold
	opts.Network.Seed = modelSeed
	opts.Metrics = clientMetrics

	client, err := flclient.NewCsvClient(logger.Named("client"), data, opts)
	if err != nil {
		logger.Error("Error while building model", "error", err)
		return 1
	}

	err = transport.StartClient(ctx, logger.Named("transport"), cfg.ServerAddress, client, transport.ClientOptions{
		ClientId: uuid.New().String(),
	})
	if err != nil {
		logger.Error("Session with aggregator failed", "server", cfg.ServerAddress, "error", err)
		return 1
	}

	logger.Info("Client finished")
	return 0
}

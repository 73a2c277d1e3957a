package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/aggregator"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/config"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/metrics"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/server"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/transport"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "", "global aggregator YAML config")
	httpAddress := flag.String("http", "", "status API address (overrides server.http_address)")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *httpAddress != "" {
		cfg.Server.HttpAddress = *httpAddress
	}

	_ = os.Mkdir("log", 0777)
	logFile, err := os.OpenFile("log/run.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := logFile.Close(); err != nil {
			panic(err)
		}
	}()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "fl-server",
		Level:  hclog.LevelFromString(cfg.Server.LogLevel),
		Output: io.MultiWriter(os.Stdout, logFile),
	})

	if err := serve(logger, cfg); err != nil {
		logger.Error("Aggregation server failed", "error", err)
		os.Exit(1)
	}
}

func serve(logger hclog.Logger, cfg *config.ServerConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	serverMetrics := metrics.NewServerMetrics(registry)

	eventBus := events.NewEventBus()
	startEventLogger(logger, eventBus)

	manager := aggregator.NewClientManager(logger.Named("clients"), eventBus, serverMetrics)
	flServer, err := aggregator.NewServer(logger.Named("aggregator"), cfg.ToFlAggregator(uuid.New().String()), manager,
		eventBus, serverMetrics)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Address, err)
	}
	grpcServer := transport.NewGrpcServer(logger.Named("transport"), manager)
	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("gRPC server stopped", "error", err)
		}
	}()
	defer grpcServer.Stop()

	httpCtx, stopHttp := context.WithCancel(ctx)
	defer stopHttp()
	router := server.NewRouter(server.NewHandler(logger.Named("http"), flServer), registry)
	go func() {
		if err := server.StartHttpServer(httpCtx, logger.Named("http"), cfg.Server.HttpAddress, router); err != nil {
			logger.Error("HTTP server stopped", "error", err)
		}
	}()

	logger.Info(fmt.Sprintf("Starting FL run %s with %d global rounds", flServer.RunId(), cfg.Server.GlobalRounds))
	if err := flServer.Run(ctx); err != nil && !aggregator.IsCancelled(err) {
		return err
	}

	return nil
}

func startEventLogger(logger hclog.Logger, eventBus *events.EventBus) {
	roundFinishedChan := make(chan events.Event)
	flFinishedChan := make(chan events.Event)
	clientStateChan := make(chan events.Event)
	eventBus.Subscribe(common.ROUND_FINISHED_EVENT_TYPE, roundFinishedChan)
	eventBus.Subscribe(common.FL_FINISHED_EVENT_TYPE, flFinishedChan)
	eventBus.Subscribe(common.CLIENT_STATE_CHANGE_EVENT_TYPE, clientStateChan)

	go logEvents(logger, roundFinishedChan, flFinishedChan, clientStateChan)
}

func logEvents(logger hclog.Logger, roundFinishedChan, flFinishedChan, clientStateChan <-chan events.Event) {
	for {
		select {
		case event := <-roundFinishedChan:
			if roundFinished, ok := event.Data.(events.RoundFinishedEvent); ok {
				logger.Debug("Round finished", "round", roundFinished.Round, "clients", roundFinished.NumClients,
					"failures", roundFinished.NumFailures)
			}
		case event := <-flFinishedChan:
			if flFinished, ok := event.Data.(events.FlFinishedEvent); ok {
				logger.Info(fmt.Sprintf("FL finished! Exit message: %s", flFinished.ExitMessage))
			}
		case event := <-clientStateChan:
			if stateChange, ok := event.Data.(events.ClientStateChangeEvent); ok {
				logger.Debug("Client state changed", "client", stateChange.ClientId, "state", stateChange.State)
			}
		}
	}
}

package server

import (
	"fmt"
	"net/http"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/aggregator"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// IFlRun is the part of an aggregation run the HTTP API exposes.
type IFlRun interface {
	RunId() string
	Status() aggregator.ProgressSnapshot
	Stop()
}

type Handler struct {
	logger hclog.Logger
	run    IFlRun
}

func NewHandler(logger hclog.Logger, run IFlRun) *Handler {
	return &Handler{
		logger: logger,
		run:    run,
	}
}

// NewRouter wires the status API and the metrics of gatherer.
func NewRouter(handler *Handler, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/fl/status", handler.Status).Methods(http.MethodGet)
	router.HandleFunc("/fl/stop/{runId}", handler.StopFl).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

func (handler *Handler) Status(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	if err := toJSON(handler.run.Status(), rw); err != nil {
		handler.logger.Error("error writing status", "error", err)
	}
}

func (handler *Handler) StopFl(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	runId := getURLParameter(r, "runId")

	if runId != handler.run.RunId() {
		rw.WriteHeader(http.StatusNotFound)
		toJSON(ErrorResponse{Message: "no run with the given ID"}, rw)
		return
	}

	handler.logger.Info(fmt.Sprintf("Stopping FL with run ID: %s", runId))
	handler.run.Stop()

	rw.WriteHeader(http.StatusOK)
	toJSON(StopResponse{RunId: runId, Stopped: true}, rw)
}

func getURLParameter(r *http.Request, parameter string) string {
	vars := mux.Vars(r)
	id := vars[parameter]
	return id
}

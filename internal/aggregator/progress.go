package aggregator

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/common"
)

type FlProgress struct {
	mu                   sync.RWMutex
	globalRound          int32
	accuracies           []float64
	losses               []float64
	accuracyHasConverged bool
	predictedAccuracy    float64
	predictedLoss        float64
	finished             bool
}

// ProgressSnapshot is the JSON view of a run served by the status endpoint.
type ProgressSnapshot struct {
	RunId                string    `json:"runId"`
	GlobalRound          int32     `json:"globalRound"`
	Accuracies           []float64 `json:"accuracies"`
	Losses               []float64 `json:"losses"`
	AccuracyHasConverged bool      `json:"accuracyHasConverged"`
	PredictedAccuracy    float64   `json:"predictedAccuracy"`
	PredictedLoss        float64   `json:"predictedLoss"`
	ConnectedClients     int       `json:"connectedClients"`
	Finished             bool      `json:"finished"`
}

func newFlProgress() *FlProgress {
	return &FlProgress{
		accuracies: []float64{},
		losses:     []float64{},
	}
}

func (p *FlProgress) startRound(round int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.globalRound = round
}

// record appends the aggregated evaluation of a round and reports whether the
// accuracy has converged.
func (p *FlProgress) record(accuracy float64, loss float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.accuracies = append(p.accuracies, accuracy)
	p.losses = append(p.losses, loss)
	p.accuracyHasConverged = hasConverged(p.accuracies, common.CONVERGENCE_THRESHOLD,
		common.CONVERGENCE_PATIENCE, common.CONVERGENCE_WINDOW)

	return p.accuracyHasConverged
}

func (p *FlProgress) history() ([]float64, []float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]float64(nil), p.accuracies...), append([]float64(nil), p.losses...)
}

func (p *FlProgress) setPrediction(accuracy float64, loss float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.predictedAccuracy = accuracy
	p.predictedLoss = loss
}

func (p *FlProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
}

func (p *FlProgress) snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return ProgressSnapshot{
		GlobalRound:          p.globalRound,
		Accuracies:           append([]float64{}, p.accuracies...),
		Losses:               append([]float64{}, p.losses...),
		AccuracyHasConverged: p.accuracyHasConverged,
		PredictedAccuracy:    p.predictedAccuracy,
		PredictedLoss:        p.predictedLoss,
		Finished:             p.finished,
	}
}

func movingAverage(values []float64, windowSize int) []float64 {
	if len(values) < windowSize {
		return nil
	}
	averages := make([]float64, len(values)-windowSize+1)
	for i := 0; i <= len(values)-windowSize; i++ {
		sum := 0.0
		for j := i; j < i+windowSize; j++ {
			sum += values[j]
		}
		averages[i] = sum / float64(windowSize)
	}
	return averages
}

// hasConverged is true once the moving average changed by at most threshold
// over each of the last patience steps.
func hasConverged(accuracies []float64, threshold float64, patience int, windowSize int) bool {
	averages := movingAverage(accuracies, windowSize)
	if len(averages) < patience+1 {
		return false
	}

	for i := len(averages) - patience; i < len(averages); i++ {
		if math.Abs(averages[i]-averages[i-1]) > threshold {
			return false
		}
	}
	return true
}

func getResultsFileName(directory string, runId string) (string, error) {
	if err := os.MkdirAll(directory, 0777); err != nil {
		return "", fmt.Errorf("creating results directory: %w", err)
	}
	name := fmt.Sprintf("results_%s_%s.csv", time.Now().Format("2006-01-02_15-04"), runId)
	return filepath.Join(directory, name), nil
}

func writeResultsToFile(fileName string, round int32, accuracy float64, loss float64, numClients int) error {
	file, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening results file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	record := []string{fmt.Sprintf("%d", round), fmt.Sprintf("%.4f", accuracy), fmt.Sprintf("%.4f", loss),
		fmt.Sprintf("%d", numClients)}
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("writing results record: %w", err)
	}
	writer.Flush()

	return writer.Error()
}

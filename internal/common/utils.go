package common

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/events"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
)

func ReadCsvFile(filePath string) ([][]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filePath, err)
	}

	return records, nil
}

func GetClientStateChangeEvent(client *model.FlClient, state string) events.Event {
	return events.Event{
		Type:      CLIENT_STATE_CHANGE_EVENT_TYPE,
		Timestamp: time.Now(),
		Data: events.ClientStateChangeEvent{
			ClientId: client.Id,
			Address:  client.Address,
			State:    state,
		},
	}
}

// CalculateWeightedAverage returns sum(values*weights)/sum(weights), or 0 when
// the weights add up to zero.
func CalculateWeightedAverage(values []float64, weights []float64) float64 {
	var sum, total float64
	for i, value := range values {
		sum += value * weights[i]
		total += weights[i]
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

package aggregator

import (
	"fmt"
	"math"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
)

// Binary labels: index 0 is the negative class, index 1 the positive one.
const numClasses = 2

func binaryDistribution(positiveFraction float64) []float64 {
	return []float64{1 - positiveFraction, positiveFraction}
}

// calculateDatasetBasedScores scores every client by its share of the
// training examples and by how much the overall label distribution shifts
// without it.
func calculateDatasetBasedScores(clients []*model.FlClient) error {
	var totalDatasetSize int64
	for _, client := range clients {
		totalDatasetSize += client.NumExamples
	}

	overallDistribution := getOverallDataDistribution(clients, "")
	for _, client := range clients {
		overallDistributionWithoutClient := getOverallDataDistribution(clients, client.Id)
		divergence, err := klDivergence(overallDistribution, overallDistributionWithoutClient)
		if err != nil {
			return fmt.Errorf("client %s: %w", client.Id, err)
		}

		var datasetSizeScore float32
		if totalDatasetSize > 0 {
			datasetSizeScore = float32(client.NumExamples) / float32(totalDatasetSize)
		}

		client.ClientUtility = model.ClientUtility{
			DatasetSizeScore:      datasetSizeScore,
			DataDistributionScore: float32(divergence),
		}
	}

	return nil
}

func getOverallDataDistribution(clients []*model.FlClient, skipClientId string) []float64 {
	samplesPerClass := make([]float64, numClasses)
	totalSamples := 0.0
	for _, client := range clients {
		if skipClientId != "" && client.Id == skipClientId {
			continue
		}
		for class, fraction := range client.DataDistribution {
			if class >= numClasses {
				break
			}
			samples := fraction * float64(client.NumExamples)
			samplesPerClass[class] += samples
			totalSamples += samples
		}
	}

	overallDistribution := make([]float64, numClasses)
	for i, samples := range samplesPerClass {
		percentage := 0.0
		if totalSamples > 0 {
			percentage = samples / totalSamples
		}
		if percentage == 0.0 {
			percentage = 0.0001
		}
		overallDistribution[i] = percentage
	}

	return overallDistribution
}

func klDivergence(p, q []float64) (float64, error) {
	if len(p) != len(q) {
		return 0, fmt.Errorf("distributions have %d and %d classes", len(p), len(q))
	}

	klDiv := 0.0
	for i := 0; i < len(p); i++ {
		if q[i] == 0 || p[i] == 0 {
			continue
		}
		klDiv += p[i] * math.Log(p[i]/q[i])
	}
	return klDiv, nil
}

package nn

import "math"

const probabilityEpsilon = 1e-7

// BinaryCrossEntropy returns the mean loss over the batch with probabilities
// clipped away from 0 and 1.
func BinaryCrossEntropy(probabilities []float64, labels []float64) float64 {
	if len(labels) == 0 {
		return 0
	}

	sum := 0.0
	for i, p := range probabilities {
		p = math.Min(math.Max(p, probabilityEpsilon), 1-probabilityEpsilon)
		y := labels[i]
		sum += -(y*math.Log(p) + (1-y)*math.Log(1-p))
	}
	return sum / float64(len(labels))
}

// BinaryAccuracy counts predictions above threshold as class 1.
func BinaryAccuracy(probabilities []float64, labels []float64, threshold float64) float64 {
	if len(labels) == 0 {
		return 0
	}

	correct := 0
	for i, p := range probabilities {
		predicted := 0.0
		if p > threshold {
			predicted = 1
		}
		if predicted == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

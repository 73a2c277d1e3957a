package model

import "time"

// FlClient describes a connected client as seen by the aggregator.
type FlClient struct {
	Id               string
	Address          string
	NumExamples      int64
	DataDistribution []float64 // class index -> fraction of training samples
	ClientUtility    ClientUtility
}

type ClientUtility struct {
	DatasetSizeScore      float32
	DataDistributionScore float32
}

// FlAggregator holds the settings of the aggregation server run.
type FlAggregator struct {
	Id                 string
	Address            string
	Rounds             int32
	LocalEpochs        int32
	BatchSize          int32
	FractionFit        float64
	FractionEvaluate   float64
	MinFitClients      int32
	MinEvaluateClients int32
	MinAvailable       int32
	RoundTimeout       time.Duration
	ResultsDirectory   string
	TargetAccuracy     float64
	TargetLoss         float64
}

package model

// StatusCode mirrors the result codes a client reports for each instruction.
type StatusCode int32

const (
	StatusOK StatusCode = iota
	StatusGetParametersFailed
	StatusFitFailed
	StatusEvaluateFailed
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusGetParametersFailed:
		return "GET_PARAMETERS_FAILED"
	case StatusFitFailed:
		return "FIT_FAILED"
	case StatusEvaluateFailed:
		return "EVALUATE_FAILED"
	default:
		return "UNKNOWN"
	}
}

type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

func (s Status) OK() bool {
	return s.Code == StatusOK
}

type GetParametersIns struct {
	Config Config `json:"config,omitempty"`
}

type GetParametersRes struct {
	Status     Status     `json:"status"`
	Parameters Parameters `json:"parameters"`
}

type FitIns struct {
	Parameters Parameters `json:"parameters"`
	Config     Config     `json:"config,omitempty"`
}

type FitRes struct {
	Status      Status     `json:"status"`
	Parameters  Parameters `json:"parameters"`
	NumExamples int64      `json:"numExamples"`
	Metrics     Metrics    `json:"metrics,omitempty"`
}

type EvaluateIns struct {
	Parameters Parameters `json:"parameters"`
	Config     Config     `json:"config,omitempty"`
}

type EvaluateRes struct {
	Status      Status  `json:"status"`
	Loss        float64 `json:"loss"`
	NumExamples int64   `json:"numExamples"`
	Metrics     Metrics `json:"metrics,omitempty"`
}

// ReconnectIns asks the client to end the session.
type ReconnectIns struct {
	Seconds int64 `json:"seconds,omitempty"`
}

type DisconnectRes struct {
	Reason string `json:"reason"`
}

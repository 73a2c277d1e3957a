package transport

import (
	"errors"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-csv-client/internal/model"
)

// ErrUnexpectedMessage is returned when a message carries no instruction or
// not the result that was asked for.
var ErrUnexpectedMessage = errors.New("unexpected message")

// ErrClientClosed is returned by a proxy whose session has ended.
var ErrClientClosed = errors.New("client session closed")

// ServerMessage carries exactly one instruction from the aggregator.
type ServerMessage struct {
	GetParametersIns *model.GetParametersIns `json:"getParametersIns,omitempty"`
	FitIns           *model.FitIns           `json:"fitIns,omitempty"`
	EvaluateIns      *model.EvaluateIns      `json:"evaluateIns,omitempty"`
	ReconnectIns     *model.ReconnectIns     `json:"reconnectIns,omitempty"`
}

// ClientMessage carries exactly one result back to the aggregator.
type ClientMessage struct {
	GetParametersRes *model.GetParametersRes `json:"getParametersRes,omitempty"`
	FitRes           *model.FitRes           `json:"fitRes,omitempty"`
	EvaluateRes      *model.EvaluateRes      `json:"evaluateRes,omitempty"`
	DisconnectRes    *model.DisconnectRes    `json:"disconnectRes,omitempty"`
}

func (m *ServerMessage) kind() string {
	switch {
	case m.GetParametersIns != nil:
		return "get_parameters"
	case m.FitIns != nil:
		return "fit"
	case m.EvaluateIns != nil:
		return "evaluate"
	case m.ReconnectIns != nil:
		return "reconnect"
	default:
		return "unknown"
	}
}

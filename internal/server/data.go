package server

import (
	"encoding/json"
	"io"
)

func toJSON(i interface{}, w io.Writer) error {
	e := json.NewEncoder(w)
	return e.Encode(i)
}

type ErrorResponse struct {
	Message string `json:"message"`
}

type StopResponse struct {
	RunId   string `json:"runId"`
	Stopped bool   `json:"stopped"`
}

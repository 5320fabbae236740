// Package output renders command results as the JSON envelope printed on
// stdout.
package output

import (
	"encoding/json"
	"errors"
)

type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Error   *string     `json:"error"`
	// Reason is a stable machine-readable failure code, when one is known.
	Reason string `json:"reason,omitempty"`
}

// reasoned is implemented by errors that carry a failure code.
type reasoned interface {
	ReasonCode() string
}

func Success(data interface{}) string {
	return encode(Result{
		Success: true,
		Data:    data,
	})
}

func Error(err error) string {
	errMsg := err.Error()
	r := Result{
		Success: false,
		Data:    nil,
		Error:   &errMsg,
	}
	var re reasoned
	if errors.As(err, &re) {
		r.Reason = re.ReasonCode()
	}
	return encode(r)
}

func encode(r Result) string {
	b, err := json.Marshal(r)
	if err != nil {
		msg := "failed to encode result: " + err.Error()
		b, _ = json.Marshal(Result{Error: &msg})
	}
	return string(b)
}

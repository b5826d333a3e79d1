package broker

import (
	"encoding/json"
	"fmt"
)

// envelope is the response wrapper used by the REST venue for every call.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// APIError is an HTTP >= 400 response from the REST venue.
type APIError struct {
	Code       int    // HTTP status code
	Reason     string // HTTP status text
	RawContent string
	ErrorCode  string // venue error code, e.g. "AB1004"
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.RawContent
		if len(msg) > 100 {
			msg = msg[:100] + "..."
		}
	}
	if e.ErrorCode != "" {
		return fmt.Sprintf("broker API error (HTTP %d %s): %s - ErrorCode: %s", e.Code, e.Reason, msg, e.ErrorCode)
	}
	return fmt.Sprintf("broker API error (HTTP %d %s): %s", e.Code, e.Reason, msg)
}

// Temporary reports whether the status is worth retrying later.
func (e *APIError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}

// NewAPIError builds an APIError, filling venue details from the body when
// it is a JSON envelope.
func NewAPIError(code int, reason, rawContent string) *APIError {
	e := &APIError{Code: code, Reason: reason, RawContent: rawContent}
	var env envelope
	if err := json.Unmarshal([]byte(rawContent), &env); err == nil {
		e.ErrorCode = env.ErrorCode
		e.Message = env.Message
	}
	return e
}

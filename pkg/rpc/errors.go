package rpc

import (
	"errors"
	"fmt"
	"strings"
)

// CodeInternalError is the JSON-RPC code used for synthesized per-request errors
const CodeInternalError = -32603

// Errors
var (
	ErrNotBatch          = errors.New("expected JSON array response")
	ErrMalformedResponse = errors.New("malformed batch response")
)

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// missingResponse is attached to a request whose id did not come back in the batch
func missingResponse(id uint64) *Error {
	return &Error{Code: CodeInternalError, Message: fmt.Sprintf("missing response for id %d", id)}
}

// IsMissingResponse reports whether err is the synthesized "missing response" error
func IsMissingResponse(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeInternalError && strings.HasPrefix(e.Message, "missing response")
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

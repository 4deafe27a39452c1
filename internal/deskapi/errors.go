package deskapi

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport matches every network or non-2xx HTTP failure.
	ErrTransport = errors.New("transport error")
	// ErrSchema matches responses that do not satisfy their contract.
	ErrSchema = errors.New("schema validation failed")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Path       string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrTransport
}

// TransportError wraps a failure to complete the HTTP exchange at all.
type TransportError struct {
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request %s: %v", e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

type SchemaError struct {
	Schema string
	Path   string
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("response from %s does not match %s: %v", e.Path, e.Schema, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

package catalog

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every typed error below matches exactly one of them with errors.Is.
var (
	ErrTransport     = errors.New("transport failure")
	ErrNotFound      = errors.New("not found")
	ErrAmbiguous     = errors.New("ambiguous result")
	ErrQuery         = errors.New("invalid query")
	ErrSessionClosed = errors.New("session closed")
	ErrConnection    = errors.New("connection failure")
	ErrNotConfigured = errors.New("service not configured")
)

// TransportError reports a failed HTTP exchange or socket call.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	msg := "transport failure"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// NotFoundError reports that exactly one item was requested and none exists.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// AmbiguousResultError reports a single-result query that matched Count records.
type AmbiguousResultError struct {
	Query string
	Count int
}

func (e *AmbiguousResultError) Error() string {
	return fmt.Sprintf("query %q matched %d records, expected exactly one", e.Query, e.Count)
}

func (e *AmbiguousResultError) Is(target error) bool { return target == ErrAmbiguous }

// QueryError reports malformed search syntax or a query rejected by the server.
// Code holds the server diagnostic when there is one.
type QueryError struct {
	Query  string
	Reason string
	Code   int
}

func (e *QueryError) Error() string {
	msg := "invalid query"
	if e.Query != "" {
		msg += fmt.Sprintf(" %q", e.Query)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (diagnostic %d)", e.Code)
	}
	return msg
}

func (e *QueryError) Is(target error) bool { return target == ErrQuery }

// ConnectionError reports a Z39.50 connection that can no longer be used.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection to " + e.Addr + " failed"
	}
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error        { return e.Err }
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ConfigurationError is returned when a sub-client was never configured.
type ConfigurationError struct {
	Service string
}

func (e *ConfigurationError) Error() string {
	return e.Service + " service is not configured"
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrNotConfigured }

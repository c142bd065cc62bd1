package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code classifies an orchestration failure.
type Code string

const (
	CodeUnsupportedServiceType Code = "UNSUPPORTED_SERVICE_TYPE"
	CodeMissingParameters      Code = "MISSING_PARAMETERS"
	CodeInvalidParameters      Code = "INVALID_PARAMETERS"
	CodeServiceUnavailable     Code = "SERVICE_UNAVAILABLE"
	CodeExecutionFailed        Code = "EXECUTION_FAILED"
	CodeCancelled              Code = "CANCELLED"
)

// Error is the normalized failure of an orchestration. Permanent errors must
// not be retried; every other code is transient.
type Error struct {
	Code          Code              `json:"code"`
	Message       string            `json:"message"`
	TemplateID    string            `json:"template_id"`
	Permanent     bool              `json:"permanent"`
	MissingFields []string          `json:"missing_fields,omitempty"`
	InvalidFields map[string]string `json:"invalid_fields,omitempty"`
	Cause         error             `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: template %s: %s", e.Code, e.TemplateID, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retriable reports whether the failure is transient.
func (e *Error) Retriable() bool { return !e.Permanent }

// IsRetriable reports whether err is an orchestration error flagged transient.
func IsRetriable(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Retriable()
}

// ServiceUnavailableError is returned by a Client when the downstream
// capability cannot be reached, as opposed to rejecting the work.
type ServiceUnavailableError struct {
	Service string
	Cause   error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("service %s unavailable: %v", e.Service, e.Cause)
	}
	return fmt.Sprintf("service %s unavailable", e.Service)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Cause }

// PermanentError marks a business failure that retrying cannot fix.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	return e.Cause.Error()
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

func missingParameters(templateID string, fields []string) *Error {
	return &Error{
		Code:          CodeMissingParameters,
		Message:       "missing required parameters: " + strings.Join(fields, ", "),
		TemplateID:    templateID,
		Permanent:     true,
		MissingFields: fields,
	}
}

func invalidParameters(templateID string, fields map[string]string) *Error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+fields[name])
	}
	return &Error{
		Code:          CodeInvalidParameters,
		Message:       "invalid parameters: " + strings.Join(parts, "; "),
		TemplateID:    templateID,
		Permanent:     true,
		InvalidFields: fields,
	}
}

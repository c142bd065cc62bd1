package batch

import (
	"fmt"
	"strings"

	"github.com/goclaw/conductor/pkg/notify"
)

// Batch-level error codes.
const (
	CodeTemplateNotFound = "TEMPLATE_NOT_FOUND"
	CodePurposeNotFound  = "PURPOSE_NOT_FOUND"
	CodeStorage          = "STORAGE_ERROR"
	CodeCancelled        = "CANCELLED"
	CodeInternal         = "INTERNAL_ERROR"
)

// ProcessingError is a structural failure that prevents a batch from
// processing any item. Item failures are never reported this way.
type ProcessingError struct {
	BatchID string
	Code    string
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("batch %s failed: %s: %s", e.BatchID, e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

// Detail returns the user-visible form of the error.
func (e *ProcessingError) Detail() *notify.ErrorDetail {
	return &notify.ErrorDetail{Code: e.Code, Message: e.Message, EntityID: e.BatchID}
}

// AlreadyTerminalError is returned when cancelling a finished batch.
type AlreadyTerminalError struct {
	BatchID string
	Status  Status
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("batch %s is already %s", e.BatchID, e.Status)
}

// NotFoundError is returned for unknown batch ids.
type NotFoundError struct {
	BatchID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("batch not found: %s", e.BatchID)
}

// InvalidRequestError is returned synchronously for a submission that cannot be accepted.
type InvalidRequestError struct {
	Problems []string
}

func (e *InvalidRequestError) Error() string {
	return "invalid batch submission: " + strings.Join(e.Problems, "; ")
}

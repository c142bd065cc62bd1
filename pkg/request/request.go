// Package request is the single-item entry point: it resolves a purpose,
// selects a template, executes it and records the outcome.
package request

import (
	"context"
	"fmt"
	"time"

	"github.com/goclaw/conductor/pkg/notify"
	"github.com/goclaw/conductor/pkg/payload"
)

// Status is the lifecycle status of a request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// ErrorDetail describes a terminal failure.
type ErrorDetail = notify.ErrorDetail

// Metadata carries caller and bookkeeping attributes of a request.
type Metadata struct {
	Priority   int      `json:"priority,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	RetryCount int      `json:"retry_count"`
	MaxRetries int      `json:"max_retries,omitempty"`
	Source     string   `json:"source,omitempty"`
	BatchID    string   `json:"batch_id,omitempty"`
	ItemID     string   `json:"item_id,omitempty"`
}

// Request is one execution of a template on behalf of a caller.
type Request struct {
	ID          string         `json:"id"`
	TemplateID  string         `json:"template_id"`
	PurposeID   string         `json:"purpose_id,omitempty"`
	Confidence  float64        `json:"confidence,omitempty"`
	ContextID   string         `json:"context_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Status      Status         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       *ErrorDetail   `json:"error,omitempty"`
	Metadata    Metadata       `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a copy safe to mutate.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Data = payload.Clone(r.Data)
	c.Metadata.Tags = append([]string(nil), r.Metadata.Tags...)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// transition moves the request to next, keeping CompletedAt set exactly when
// the status is terminal.
func (r *Request) transition(next Status, now time.Time) error {
	allowed := false
	for _, s := range transitions[r.Status] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return &TransitionError{RequestID: r.ID, From: r.Status, To: next}
	}
	r.Status = next
	if next == StatusProcessing && r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	if next.IsTerminal() {
		t := now
		r.CompletedAt = &t
	}
	return nil
}

// Filter narrows ListRequests. Zero fields match everything.
type Filter struct {
	BatchID string
	Status  Status
}

// Matches reports whether r satisfies the filter.
func (f Filter) Matches(r *Request) bool {
	if f.BatchID != "" && r.Metadata.BatchID != f.BatchID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Repository persists requests. GetRequest returns a *storage.NotFoundError for unknown ids.
type Repository interface {
	SaveRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	ListRequests(ctx context.Context, filter Filter) ([]*Request, error)
}

// ProcessingError is a downstream execution failure of a request.
type ProcessingError struct {
	RequestID  string
	TemplateID string
	Code       string
	Message    string
	retriable  bool
	Cause      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("request %s failed: %s: %s", e.RequestID, e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

// Retriable reports whether running the request again might succeed.
func (e *ProcessingError) Retriable() bool { return e.retriable }

// Detail returns the user-visible form of the error.
func (e *ProcessingError) Detail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message, EntityID: e.RequestID, Retriable: e.retriable}
}

func processingErrorFrom(detail *ErrorDetail, templateID string) *ProcessingError {
	return &ProcessingError{
		RequestID:  detail.EntityID,
		TemplateID: templateID,
		Code:       detail.Code,
		Message:    detail.Message,
		retriable:  detail.Retriable,
	}
}

// NotFoundError is returned for unknown request ids.
type NotFoundError struct {
	RequestID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("request not found: %s", e.RequestID)
}

// InProgressError is returned when a caller request id names a stored
// request that has not reached a terminal status. Cancel it to settle it.
type InProgressError struct {
	RequestID string
	Status    Status
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("request %s is still %s", e.RequestID, e.Status)
}

// TransitionError is returned for an invalid status change.
type TransitionError struct {
	RequestID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("request %s cannot move from %s to %s", e.RequestID, e.From, e.To)
}

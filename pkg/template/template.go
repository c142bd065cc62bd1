// Package template provides versioned execution templates and the registry
// that stores and selects them.
package template

import (
	"context"
	"time"

	"github.com/goclaw/conductor/pkg/payload"
)

// ServiceType selects the downstream capability a template is executed by.
type ServiceType string

const (
	ServiceGenerative    ServiceType = "GENERATIVE"
	ServiceAnalysis      ServiceType = "ANALYSIS"
	ServiceCommunication ServiceType = "COMMUNICATION"
)

// ServiceTypes lists the known service types.
func ServiceTypes() []ServiceType {
	return []ServiceType{ServiceGenerative, ServiceAnalysis, ServiceCommunication}
}

// Status is the lifecycle status of a template.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusActive     Status = "ACTIVE"
	StatusDeprecated Status = "DEPRECATED"
	StatusArchived   Status = "ARCHIVED"
)

// rank orders statuses along the lifecycle; transitions may only increase it.
func (s Status) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusActive:
		return 1
	case StatusDeprecated:
		return 2
	case StatusArchived:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
func (s Status) CanTransition(next Status) bool {
	return next.rank() >= 0 && s.rank() >= 0 && next.rank() >= s.rank()
}

// ProcessingMode hints how a template is meant to be run.
type ProcessingMode string

const (
	ModeRealtime ProcessingMode = "realtime"
	ModeBatch    ProcessingMode = "batch"
)

// ParameterSchema describes the caller data a template expects.
type ParameterSchema struct {
	Required []string `json:"required,omitempty" yaml:"required"`
	Optional []string `json:"optional,omitempty" yaml:"optional"`
	// Rules maps a parameter name to a validator tag expression, e.g. "email" or "min=1,max=500".
	Rules map[string]string `json:"rules,omitempty" yaml:"rules"`
}

// ExecutionTemplate is a reusable execution definition bound to one service type.
type ExecutionTemplate struct {
	ID                string          `json:"id" yaml:"id" validate:"required"`
	Name              string          `json:"name,omitempty" yaml:"name"`
	ServiceType       ServiceType     `json:"service_type" yaml:"service_type" validate:"required,oneof=GENERATIVE ANALYSIS COMMUNICATION"`
	Version           int             `json:"version" yaml:"version" validate:"min=1"`
	ProcessingMode    ProcessingMode  `json:"processing_mode,omitempty" yaml:"processing_mode" validate:"omitempty,oneof=realtime batch"`
	ServiceTemplate   map[string]any  `json:"service_template,omitempty" yaml:"service_template"`
	Parameters        ParameterSchema `json:"parameters" yaml:"parameters"`
	PurposeIDs        []string        `json:"purpose_ids,omitempty" yaml:"purpose_ids"`
	PreviousVersionID string          `json:"previous_version_id,omitempty" yaml:"previous_version_id"`
	Status            Status          `json:"status" yaml:"status" validate:"required,oneof=DRAFT ACTIVE DEPRECATED ARCHIVED"`
	CreatedBy         string          `json:"created_by,omitempty" yaml:"created_by"`
	CreatedAt         time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of the template.
func (t *ExecutionTemplate) Clone() *ExecutionTemplate {
	if t == nil {
		return nil
	}
	c := *t
	c.ServiceTemplate = payload.Clone(t.ServiceTemplate)
	c.Parameters = ParameterSchema{
		Required: append([]string(nil), t.Parameters.Required...),
		Optional: append([]string(nil), t.Parameters.Optional...),
		Rules:    payload.CloneStrings(t.Parameters.Rules),
	}
	c.PurposeIDs = append([]string(nil), t.PurposeIDs...)
	return &c
}

// ServesPurpose reports whether the template declares the given purpose.
func (t *ExecutionTemplate) ServesPurpose(purposeID string) bool {
	for _, id := range t.PurposeIDs {
		if id == purposeID {
			return true
		}
	}
	return false
}

// Filter narrows ListTemplates results. Zero fields match everything.
type Filter struct {
	ServiceType ServiceType
	PurposeID   string
	Status      Status
}

// Matches reports whether t satisfies the filter.
func (f Filter) Matches(t *ExecutionTemplate) bool {
	if f.ServiceType != "" && t.ServiceType != f.ServiceType {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.PurposeID != "" && !t.ServesPurpose(f.PurposeID) {
		return false
	}
	return true
}

// Repository persists templates. Get returns a *storage.NotFoundError for unknown ids.
type Repository interface {
	SaveTemplate(ctx context.Context, t *ExecutionTemplate) error
	GetTemplate(ctx context.Context, id string) (*ExecutionTemplate, error)
	ListTemplates(ctx context.Context, filter Filter) ([]*ExecutionTemplate, error)
}

package template

import (
	"fmt"
	"strings"
)

// ValidationError is returned when a template is structurally invalid. Invalid
// templates are never persisted.
type ValidationError struct {
	TemplateID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("template %q is invalid: %s", e.TemplateID, strings.Join(e.Problems, "; "))
}

// NotFoundError is returned when no template matches a lookup.
type NotFoundError struct {
	TemplateID string
	PurposeID  string
}

func (e *NotFoundError) Error() string {
	if e.PurposeID != "" {
		return fmt.Sprintf("no active template for purpose %q", e.PurposeID)
	}
	return fmt.Sprintf("template not found: %s", e.TemplateID)
}

// ImmutableError is returned when a save would change the payload or schema of
// a template that has left DRAFT. Use Registry.NewVersion instead.
type ImmutableError struct {
	TemplateID string
	Status     Status
}

func (e *ImmutableError) Error() string {
	return fmt.Sprintf("template %q is %s; service template and parameters are immutable, create a new version", e.TemplateID, e.Status)
}

// TransitionError is returned for a lifecycle move backwards.
type TransitionError struct {
	TemplateID string
	From       Status
	To         Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("template %q cannot move from %s to %s", e.TemplateID, e.From, e.To)
}

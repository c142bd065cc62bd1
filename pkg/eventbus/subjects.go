package eventbus

import (
	"fmt"
	"strings"
)

// SubjectPrefix is the root of every conductor event subject.
const SubjectPrefix = "conductor.v1.events"

// Domain groups event types by the entity they describe.
type Domain string

const (
	DomainRequest      Domain = "request"
	DomainBatch        Domain = "batch"
	DomainNotification Domain = "notification"
)

// Event types published on the bus.
const (
	RequestCreated   = "request.created"
	RequestStarted   = "request.started"
	RequestCompleted = "request.completed"
	RequestFailed    = "request.failed"

	BatchCreated   = "batch.created"
	BatchStarted   = "batch.started"
	BatchProgress  = "batch.progress"
	BatchCompleted = "batch.completed"
	BatchFailed    = "batch.failed"
	BatchCancelled = "batch.cancelled"

	NotificationCompletion = "notification.completion"
	NotificationError      = "notification.error"
)

// DomainOf returns the domain prefix of an event type such as "batch.progress".
func DomainOf(eventType string) (Domain, error) {
	head, _, ok := strings.Cut(eventType, ".")
	if !ok {
		return "", fmt.Errorf("eventbus: event type %q has no domain", eventType)
	}
	switch d := Domain(head); d {
	case DomainRequest, DomainBatch, DomainNotification:
		return d, nil
	default:
		return "", fmt.Errorf("eventbus: unsupported domain %q", head)
	}
}

// Subject returns the subject an event type is published on, e.g.
// conductor.v1.events.batch.progress.
func Subject(eventType string) (string, error) {
	if _, err := DomainOf(eventType); err != nil {
		return "", err
	}
	return SubjectPrefix + "." + eventType, nil
}

// DomainWildcardSubject matches every event of a domain.
func DomainWildcardSubject(domain Domain) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, domain)
}

// Package execctx stores the mutable scratch state attached to a single
// request or batch while it executes.
package execctx

import (
	"context"
	"fmt"
	"time"

	"github.com/goclaw/conductor/pkg/payload"
)

// OwnerKind names the entity owning a context.
type OwnerKind string

const (
	OwnerRequest OwnerKind = "request"
	OwnerBatch   OwnerKind = "batch"
)

// OwnerRef points back to the request or batch that created a context.
type OwnerRef struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// ForRequest returns an owner reference to a request.
func ForRequest(id string) OwnerRef { return OwnerRef{Kind: OwnerRequest, ID: id} }

// ForBatch returns an owner reference to a batch.
func ForBatch(id string) OwnerRef { return OwnerRef{Kind: OwnerBatch, ID: id} }

// Validate checks that the reference names exactly one owner.
func (o OwnerRef) Validate() error {
	if o.Kind != OwnerRequest && o.Kind != OwnerBatch {
		return &OwnerError{Owner: o, Reason: "owner must be a request or a batch"}
	}
	if o.ID == "" {
		return &OwnerError{Owner: o, Reason: "owner id is empty"}
	}
	return nil
}

// Context is the execution state of one request or batch.
type Context struct {
	ID        string         `json:"id"`
	Owner     OwnerRef       `json:"owner"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	// ExpiresAt is set once the owner reached a terminal state.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Clone returns a copy whose maps can be mutated independently.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Data = payload.Clone(c.Data)
	cp.Metadata = payload.Clone(c.Metadata)
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// RequestID returns the owning request id, or "" when a batch owns the context.
func (c *Context) RequestID() string {
	if c.Owner.Kind == OwnerRequest {
		return c.Owner.ID
	}
	return ""
}

// BatchID returns the owning batch id, or "" when a request owns the context.
func (c *Context) BatchID() string {
	if c.Owner.Kind == OwnerBatch {
		return c.Owner.ID
	}
	return ""
}

func (c *Context) expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Store creates and mutates execution contexts. Updates to one context id are
// serialized; operations on different ids never contend.
type Store interface {
	Create(ctx context.Context, owner OwnerRef, initial map[string]any) (*Context, error)
	// Update shallow-merges patch into the context data.
	Update(ctx context.Context, id string, patch map[string]any) (*Context, error)
	Get(ctx context.Context, id string) (*Context, error)
	Delete(ctx context.Context, id string) error
	// Release marks the owner terminal; the context is destroyed once retention elapses.
	Release(ctx context.Context, id string, retention time.Duration) error
}

// NotFoundError is returned for unknown or expired context ids.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("context not found: %s", e.ID)
}

// OwnerError is returned when a context is created without a single valid owner.
type OwnerError struct {
	Owner  OwnerRef
	Reason string
}

func (e *OwnerError) Error() string {
	return fmt.Sprintf("invalid context owner %s/%s: %s", e.Owner.Kind, e.Owner.ID, e.Reason)
}

package template

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/goclaw/conductor/pkg/ids"
	"github.com/goclaw/conductor/pkg/logger"
	"github.com/goclaw/conductor/pkg/storage"
)

// Registry validates, stores and selects execution templates.
type Registry struct {
	repo   Repository
	ids    *ids.Generator
	now    func() time.Time
	logger logger.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIDGenerator sets the generator used for new template ids.
func WithIDGenerator(g *ids.Generator) RegistryOption {
	return func(r *Registry) {
		if g != nil {
			r.ids = g
		}
	}
}

// WithClock overrides the registry clock.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates a Registry over repo.
func NewRegistry(repo Repository, opts ...RegistryOption) *Registry {
	r := &Registry{
		repo:   repo,
		ids:    ids.NewGenerator("registry"),
		now:    time.Now,
		logger: logger.Global(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetByID returns the template with the given id.
func (r *Registry) GetByID(ctx context.Context, id string) (*ExecutionTemplate, error) {
	t, err := r.repo.GetTemplate(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, &NotFoundError{TemplateID: id}
		}
		return nil, err
	}
	return t, nil
}

// GetByPurpose selects the template serving purposeID. Candidates are the
// ACTIVE templates declaring the purpose plus defaultID when it is ACTIVE;
// the highest version wins, then the most recent update.
func (r *Registry) GetByPurpose(ctx context.Context, purposeID, defaultID string) (*ExecutionTemplate, error) {
	candidates, err := r.repo.ListTemplates(ctx, Filter{PurposeID: purposeID, Status: StatusActive})
	if err != nil {
		return nil, err
	}
	if defaultID != "" {
		t, err := r.repo.GetTemplate(ctx, defaultID)
		switch {
		case err == nil:
			if t.Status == StatusActive && !containsID(candidates, t.ID) {
				candidates = append(candidates, t)
			}
		case !storage.IsNotFound(err):
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, &NotFoundError{PurposeID: purposeID}
	}
	sortByPrecedence(candidates)
	return candidates[0], nil
}

// ListByServiceType returns every template of the given service type, highest precedence first.
func (r *Registry) ListByServiceType(ctx context.Context, st ServiceType) ([]*ExecutionTemplate, error) {
	out, err := r.repo.ListTemplates(ctx, Filter{ServiceType: st})
	if err != nil {
		return nil, err
	}
	sortByPrecedence(out)
	return out, nil
}

// Save validates and persists t. New templates get an id, version 1 and DRAFT
// status when those are unset. Saving over a template that has left DRAFT may
// only change metadata and move the status forward.
func (r *Registry) Save(ctx context.Context, t *ExecutionTemplate) error {
	if t == nil {
		return &ValidationError{Problems: []string{"template is nil"}}
	}
	t = t.Clone()
	if t.ID == "" {
		t.ID = r.ids.New(ids.KindTemplate)
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.Status == "" {
		t.Status = StatusDraft
	}
	if err := Validate(t); err != nil {
		r.logger.Warn("rejected invalid template", "template_id", t.ID, "error", err)
		return err
	}

	now := r.now()
	existing, err := r.repo.GetTemplate(ctx, t.ID)
	switch {
	case err == nil:
		if !existing.Status.CanTransition(t.Status) {
			return &TransitionError{TemplateID: t.ID, From: existing.Status, To: t.Status}
		}
		if existing.Status != StatusDraft && !sameContent(existing, t) {
			return &ImmutableError{TemplateID: t.ID, Status: existing.Status}
		}
		t.CreatedAt = existing.CreatedAt
	case storage.IsNotFound(err):
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
	default:
		return err
	}
	t.UpdatedAt = now

	if err := r.repo.SaveTemplate(ctx, t); err != nil {
		return fmt.Errorf("save template %s: %w", t.ID, err)
	}
	r.logger.Debug("template saved", "template_id", t.ID, "version", t.Version, "status", t.Status)
	return nil
}

// Transition moves a template forward along its lifecycle.
func (r *Registry) Transition(ctx context.Context, id string, to Status) (*ExecutionTemplate, error) {
	t, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.CanTransition(to) {
		return nil, &TransitionError{TemplateID: id, From: t.Status, To: to}
	}
	t.Status = to
	if err := r.Save(ctx, t); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// NewVersion derives a DRAFT successor of template id carrying the new payload
// and schema. The source template is left untouched.
func (r *Registry) NewVersion(ctx context.Context, id string, serviceTemplate map[string]any, params ParameterSchema, by string) (*ExecutionTemplate, error) {
	src, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next := src.Clone()
	next.ID = r.ids.New(ids.KindTemplate)
	next.Version = src.Version + 1
	next.PreviousVersionID = src.ID
	next.Status = StatusDraft
	next.ServiceTemplate = serviceTemplate
	next.Parameters = params
	next.CreatedBy = by
	next.CreatedAt = time.Time{}
	if err := r.Save(ctx, next); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, next.ID)
}

func sortByPrecedence(ts []*ExecutionTemplate) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Version != ts[j].Version {
			return ts[i].Version > ts[j].Version
		}
		if !ts[i].UpdatedAt.Equal(ts[j].UpdatedAt) {
			return ts[i].UpdatedAt.After(ts[j].UpdatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func containsID(ts []*ExecutionTemplate, id string) bool {
	for _, t := range ts {
		if t.ID == id {
			return true
		}
	}
	return false
}

// sameContent compares the immutable parts through their JSON form so a
// template read back from storage (numbers decoded as float64) still matches.
func sameContent(a, b *ExecutionTemplate) bool {
	return jsonEqual(orNil(a.ServiceTemplate), orNil(b.ServiceTemplate)) && jsonEqual(a.Parameters, b.Parameters)
}

func orNil(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

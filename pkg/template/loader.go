package template

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/goclaw/conductor/pkg/storage"
)

type seedFile struct {
	Templates []*ExecutionTemplate `yaml:"templates"`
}

// LoadFile reads templates from a YAML seed file of the form
//
//	templates:
//	  - id: tpl_seed_20260101000000_welcome00001
//	    service_type: COMMUNICATION
//	    status: ACTIVE
//	    parameters:
//	      required: [recipient]
func LoadFile(path string) ([]*ExecutionTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template seed %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse template seed %s: %w", path, err)
	}
	return f.Templates, nil
}

// Seed inserts the templates whose ids are not stored yet, stopping at the
// first failure. Stored templates are left as they are, so a restart keeps
// their status and UpdatedAt. Every seed needs an explicit id.
func (r *Registry) Seed(ctx context.Context, templates []*ExecutionTemplate) error {
	for i, t := range templates {
		if t == nil || t.ID == "" {
			return &ValidationError{Problems: []string{fmt.Sprintf("seed template %d has no id", i)}}
		}
		_, err := r.repo.GetTemplate(ctx, t.ID)
		switch {
		case err == nil:
			r.logger.Debug("seed template already stored", "template_id", t.ID)
			continue
		case !storage.IsNotFound(err):
			return err
		}
		if err := r.Save(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

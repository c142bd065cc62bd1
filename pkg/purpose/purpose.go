// Package purpose maps free text to a named intent using weighted keyword evidence.
package purpose

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultWeight is applied to keywords declared without a weight.
const DefaultWeight = 1.0

// Keyword is a phrase that counts as evidence for a purpose. A zero Weight
// means DefaultWeight; catalog files must give a positive weight when they
// set one.
type Keyword struct {
	Phrase string  `json:"phrase" yaml:"phrase"`
	Weight float64 `json:"weight,omitempty" yaml:"weight"`
}

func (k Keyword) weight() float64 {
	if k.Weight <= 0 {
		return DefaultWeight
	}
	return k.Weight
}

// UnmarshalYAML accepts either a bare phrase or a {phrase, weight} mapping.
func (k *Keyword) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		k.Phrase = node.Value
		return nil
	}
	var p struct {
		Phrase string   `yaml:"phrase"`
		Weight *float64 `yaml:"weight"`
	}
	if err := node.Decode(&p); err != nil {
		return err
	}
	k.Phrase = p.Phrase
	k.Weight = 0
	if p.Weight != nil {
		if *p.Weight <= 0 {
			return fmt.Errorf("line %d: keyword %q: weight must be positive, got %v", node.Line, p.Phrase, *p.Weight)
		}
		k.Weight = *p.Weight
	}
	return nil
}

// Purpose is a named intent with the template serving it by default.
type Purpose struct {
	ID         string    `json:"id" yaml:"id"`
	Name       string    `json:"name,omitempty" yaml:"name"`
	Keywords   []Keyword `json:"keywords" yaml:"keywords"`
	TemplateID string    `json:"template_id,omitempty" yaml:"template_id"`
}

// NotFoundError is returned when no purpose matches, either by id or by text.
type NotFoundError struct {
	PurposeID string
	Text      string
}

func (e *NotFoundError) Error() string {
	if e.PurposeID != "" {
		return fmt.Sprintf("purpose not found: %s", e.PurposeID)
	}
	return "no purpose matched the input with sufficient confidence"
}

// Catalog is the set of known purposes. It is safe for concurrent use and can
// be replaced wholesale when the backing file changes.
type Catalog struct {
	mu       sync.RWMutex
	purposes map[string]*Purpose
}

// NewCatalog creates a catalog holding purposes.
func NewCatalog(purposes ...*Purpose) *Catalog {
	c := &Catalog{}
	c.Replace(purposes)
	return c
}

// Replace swaps the catalog content. Requests already resolved keep their
// purpose id; only future resolution sees the change.
func (c *Catalog) Replace(purposes []*Purpose) {
	next := make(map[string]*Purpose, len(purposes))
	for _, p := range purposes {
		if p == nil || p.ID == "" {
			continue
		}
		cp := *p
		cp.Keywords = append([]Keyword(nil), p.Keywords...)
		next[p.ID] = &cp
	}
	c.mu.Lock()
	c.purposes = next
	c.mu.Unlock()
}

// Get returns the purpose with the given id.
func (c *Catalog) Get(id string) (*Purpose, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.purposes[id]
	if !ok {
		return nil, &NotFoundError{PurposeID: id}
	}
	cp := *p
	return &cp, nil
}

// List returns every purpose ordered by id.
func (c *Catalog) List() []*Purpose {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Purpose, 0, len(c.purposes))
	for _, p := range c.purposes {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of purposes.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.purposes)
}

type catalogFile struct {
	Purposes []*Purpose `yaml:"purposes"`
}

// LoadFile reads a YAML purpose catalog:
//
//	purposes:
//	  - id: order-status
//	    template_id: tpl_seed_20260101000000_orderstatus1
//	    keywords:
//	      - order
//	      - {phrase: "where is my", weight: 2}
func LoadFile(path string) ([]*Purpose, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read purpose catalog %s: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse purpose catalog %s: %w", path, err)
	}
	return f.Purposes, nil
}

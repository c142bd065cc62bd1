package purpose

import (
	"math"
	"strings"
	"sync/atomic"
)

// Match is the outcome of a successful detection.
type Match struct {
	PurposeID  string
	Confidence float64
}

// Resolver scores input text against a catalog.
type Resolver struct {
	catalog   *Catalog
	threshold atomic.Uint64
}

// NewResolver creates a Resolver. A match must score strictly above threshold.
func NewResolver(catalog *Catalog, threshold float64) *Resolver {
	if catalog == nil {
		catalog = NewCatalog()
	}
	r := &Resolver{catalog: catalog}
	r.SetThreshold(threshold)
	return r
}

// SetThreshold changes the minimum score for later detections.
func (r *Resolver) SetThreshold(threshold float64) {
	r.threshold.Store(math.Float64bits(threshold))
}

// Threshold returns the current minimum score.
func (r *Resolver) Threshold() float64 {
	return math.Float64frombits(r.threshold.Load())
}

// Catalog returns the catalog the resolver reads from.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// Detect returns the best-scoring purpose for text. The score of a purpose is
// the summed weight of its keywords found in the lower-cased text divided by
// the summed weight of all its keywords. Exact ties go to the smaller id.
func (r *Resolver) Detect(text string) (Match, error) {
	normalized := strings.ToLower(text)
	best := Match{}
	found := false
	threshold := r.Threshold()

	// List is ordered by id, so a strict comparison keeps the smaller id on ties.
	for _, p := range r.catalog.List() {
		score := Score(p, normalized)
		if score <= threshold {
			continue
		}
		if !found || score > best.Confidence {
			best = Match{PurposeID: p.ID, Confidence: score}
			found = true
		}
	}
	if !found {
		return Match{}, &NotFoundError{Text: text}
	}
	return best, nil
}

// Lookup returns the purpose with the given id.
func (r *Resolver) Lookup(id string) (*Purpose, error) {
	return r.catalog.Get(id)
}

// Score computes the normalized keyword score of p for already lower-cased text.
func Score(p *Purpose, lowered string) float64 {
	var total, hit float64
	for _, k := range p.Keywords {
		phrase := strings.ToLower(strings.TrimSpace(k.Phrase))
		if phrase == "" {
			continue
		}
		w := k.weight()
		total += w
		if strings.Contains(lowered, phrase) {
			hit += w
		}
	}
	if total == 0 {
		return 0
	}
	return hit / total
}

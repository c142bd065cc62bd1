// Package ids generates and parses provenance-carrying entity identifiers.
//
// Identifiers have the shape {prefix}_{source}_{YYYYMMDDHHmmSS}_{random}, e.g.
//
//	req_api_20261015093000_3f9a1c07b2de
//
// where prefix names the entity kind, source names the subsystem that minted
// the id and the timestamp is the UTC creation time.
package ids

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the entity an id belongs to.
type Kind string

const (
	KindRequest   Kind = "req"
	KindBatch     Kind = "bat"
	KindTemplate  Kind = "tpl"
	KindExecution Kind = "exe"
	KindSchedule  Kind = "sch"
	KindContext   Kind = "ctx"
)

// TimestampLayout is the layout of the timestamp segment.
const TimestampLayout = "20060102150405"

// DefaultSource is used when a generator has no source configured.
const DefaultSource = "api"

const randomLen = 12

// Generator mints identifiers for a single source.
type Generator struct {
	Source string
	Now    func() time.Time
}

// NewGenerator returns a generator for the given source.
func NewGenerator(source string) *Generator {
	return &Generator{Source: source, Now: time.Now}
}

// New returns a fresh identifier of the given kind.
func (g *Generator) New(kind Kind) string {
	source := DefaultSource
	now := time.Now
	if g != nil {
		if s := sanitize(g.Source); s != "" {
			source = s
		}
		if g.Now != nil {
			now = g.Now
		}
	}
	return fmt.Sprintf("%s_%s_%s_%s", kind, source, now().UTC().Format(TimestampLayout), random())
}

// WithSource returns a generator sharing the clock but minting for another source.
func (g *Generator) WithSource(source string) *Generator {
	out := &Generator{Source: source, Now: time.Now}
	if g != nil && g.Now != nil {
		out.Now = g.Now
	}
	return out
}

// Parsed is the decomposed form of an identifier.
type Parsed struct {
	Kind      Kind
	Source    string
	Timestamp time.Time
	Random    string
}

// Parse splits an identifier into its segments.
func Parse(id string) (Parsed, error) {
	parts := strings.Split(id, "_")
	if len(parts) != 4 {
		return Parsed{}, fmt.Errorf("ids: malformed id %q", id)
	}
	switch Kind(parts[0]) {
	case KindRequest, KindBatch, KindTemplate, KindExecution, KindSchedule, KindContext:
	default:
		return Parsed{}, fmt.Errorf("ids: unknown kind %q in %q", parts[0], id)
	}
	if parts[1] == "" || parts[3] == "" {
		return Parsed{}, fmt.Errorf("ids: malformed id %q", id)
	}
	ts, err := time.ParseInLocation(TimestampLayout, parts[2], time.UTC)
	if err != nil {
		return Parsed{}, fmt.Errorf("ids: bad timestamp in %q: %w", id, err)
	}
	return Parsed{
		Kind:      Kind(parts[0]),
		Source:    parts[1],
		Timestamp: ts,
		Random:    parts[3],
	}, nil
}

// IsKind reports whether id parses as an identifier of the given kind.
func IsKind(id string, kind Kind) bool {
	p, err := Parse(id)
	return err == nil && p.Kind == kind
}

func random() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:randomLen]
}

// sanitize keeps source segments free of the separator so ids stay parseable.
func sanitize(source string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(source)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			sb.WriteRune(r)
		case r == '_' || r == ' ' || r == '.':
			sb.WriteRune('-')
		}
	}
	return sb.String()
}

package links

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

// Target is the slice of a document the resolver matches against.
type Target struct {
	ID    string
	Type  string
	Name  string
	Title string
}

// Resolver matches identifiers against a known document set. Each rule
// compares case-insensitively (Unicode case folding); the first rule that
// matches wins, and within a rule the first document in input order wins:
//
//  1. exact id
//  2. type/name, split on the first '/'
//  3. exact title
//  4. exact name
//
// A Resolver is not safe for concurrent use.
type Resolver struct {
	fold    cases.Caser
	byID    map[string]Target
	byPath  map[string]Target
	byTitle map[string]Target
	byName  map[string]Target
}

// NewResolver indexes known for lookups.
func NewResolver(known []Target) *Resolver {
	r := &Resolver{
		fold:    cases.Fold(),
		byID:    make(map[string]Target, len(known)),
		byPath:  make(map[string]Target, len(known)),
		byTitle: make(map[string]Target, len(known)),
		byName:  make(map[string]Target, len(known)),
	}
	for _, t := range known {
		putFirst(r.byID, r.key(t.ID), t)
		putFirst(r.byPath, r.key(t.Type)+"/"+r.key(t.Name), t)
		if t.Title != "" {
			putFirst(r.byTitle, r.key(t.Title), t)
		}
		putFirst(r.byName, r.key(t.Name), t)
	}
	return r
}

func putFirst(m map[string]Target, k string, t Target) {
	if _, ok := m[k]; !ok {
		m[k] = t
	}
}

func (r *Resolver) key(s string) string {
	return r.fold.String(strings.TrimSpace(s))
}

// Resolve returns the document identifier refers to.
func (r *Resolver) Resolve(identifier string) (Target, bool) {
	ident := strings.TrimSpace(identifier)
	if ident == "" {
		return Target{}, false
	}
	if t, ok := r.byID[r.key(ident)]; ok {
		return t, true
	}
	if i := strings.Index(ident, "/"); i > 0 {
		typ, name := ident[:i], strings.TrimSuffix(ident[i+1:], storage.DocumentExt)
		if t, ok := r.byPath[r.key(typ)+"/"+r.key(name)]; ok {
			return t, true
		}
	}
	if t, ok := r.byTitle[r.key(ident)]; ok {
		return t, true
	}
	if t, ok := r.byName[r.key(strings.TrimSuffix(ident, storage.DocumentExt))]; ok {
		return t, true
	}
	return Target{}, false
}

// Resolve is a one-shot lookup of identifier in known.
func Resolve(identifier string, known []Target) (Target, bool) {
	return NewResolver(known).Resolve(identifier)
}

// Edges turns drafts into internal edges from sourceID. Unresolved drafts
// are kept with an empty TargetID. Display text defaults to the target's
// title, or the raw identifier when unresolved. Repeated markup with the
// same target and alias yields a single edge.
func (r *Resolver) Edges(sourceID string, drafts []Draft) []models.Edge {
	out := make([]models.Edge, 0, len(drafts))
	seen := make(map[string]struct{}, len(drafts))
	for _, d := range drafts {
		k := r.key(d.Target) + "|" + d.Display
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		e := models.Edge{
			SourceID:    sourceID,
			TargetRaw:   d.Target,
			DisplayText: d.Display,
			Aliased:     d.Aliased(),
			Kind:        models.LinkInternal,
		}
		if t, ok := r.Resolve(d.Target); ok {
			e.TargetID = t.ID
			if e.DisplayText == "" {
				e.DisplayText = firstNonEmpty(t.Title, t.Name)
			}
		}
		if e.DisplayText == "" {
			e.DisplayText = d.Target
		}
		out = append(out, e)
	}
	return out
}

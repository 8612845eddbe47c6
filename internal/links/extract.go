// Package links extracts cross-reference markup from document bodies and
// resolves it against the known document set.
package links

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/starford/folio/internal/models"
)

var wikilinkRe = regexp.MustCompile(`\[\[([^\[\]\n]+?)\]\]`)

var md = goldmark.New(goldmark.WithExtensions(extension.Linkify))

// Draft is an internal reference found in a body, before resolution.
type Draft struct {
	Target  string // identifier as written: id, type/name, title or name
	Display string // alias after '|', empty when absent
	Offset  int    // byte offset of the opening brackets
}

// Aliased reports whether the markup carried an explicit display text.
func (d Draft) Aliased() bool { return d.Display != "" }

// Extraction is everything a body references.
type Extraction struct {
	Internal []Draft
	External []models.ExternalLink
}

type span struct{ start, stop int }

// Extract scans body for [[identifier]] and [[identifier|display]] markup
// and for external Markdown links. Matches inside code spans and code
// blocks, as determined by the Markdown syntax tree, are ignored.
// External links carry no SourceID; the caller fills it in.
func Extract(body string) Extraction {
	src := []byte(body)
	doc := md.Parser().Parse(text.NewReader(src))

	var code []span
	var out Extraction
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				code = append(code, span{seg.Start, seg.Stop})
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeSpan:
			first, last := -1, -1
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					if first < 0 {
						first = t.Segment.Start
					}
					last = t.Segment.Stop
				}
			}
			if first >= 0 {
				code = append(code, span{first, last})
			}
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			dest := string(v.Destination)
			if kind, ok := classify(dest); ok {
				out.External = append(out.External, models.ExternalLink{
					URL:      dest,
					Title:    firstNonEmpty(string(v.Title), childText(n, src), dest),
					LinkType: kind,
				})
			}
		case *ast.AutoLink:
			dest := string(v.URL(src))
			if v.AutoLinkType == ast.AutoLinkEmail && !strings.HasPrefix(dest, "mailto:") {
				dest = "mailto:" + dest
			}
			if kind, ok := classify(dest); ok {
				out.External = append(out.External, models.ExternalLink{
					URL:      dest,
					Title:    string(v.Label(src)),
					LinkType: kind,
				})
			}
		}
		return ast.WalkContinue, nil
	})
	sort.Slice(code, func(i, j int) bool { return code[i].start < code[j].start })

	for _, m := range wikilinkRe.FindAllStringSubmatchIndex(body, -1) {
		if insideCode(code, m[0], m[1]) {
			continue
		}
		raw := body[m[2]:m[3]]
		target, display := raw, ""
		if i := strings.Index(raw, "|"); i >= 0 {
			target, display = raw[:i], strings.TrimSpace(raw[i+1:])
		}
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		out.Internal = append(out.Internal, Draft{Target: target, Display: display, Offset: m[0]})
	}
	return out
}

func insideCode(code []span, start, stop int) bool {
	for _, s := range code {
		if s.start >= stop {
			break
		}
		if start < s.stop && s.start < stop {
			return true
		}
	}
	return false
}

func childText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := c.(*ast.Text); ok && entering {
			b.Write(t.Segment.Value(src))
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// classify returns the link_type of an external destination. Relative
// destinations are not external links.
func classify(dest string) (string, bool) {
	u, err := url.Parse(dest)
	if err != nil || u.Scheme == "" {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return models.ExternalWeb, true
	case "mailto":
		return models.ExternalEmail, true
	case "file":
		return models.ExternalFile, true
	}
	return models.ExternalOther, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package parser is the metadata codec: it splits a document into its YAML
// front-matter block and Markdown body, classifies the block, and writes
// fields back without disturbing the rest of the file.
package parser

import (
	"bytes"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/identity"
)

var tagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

// MetaState classifies a parsed metadata block by how its identifier
// must be handled.
type MetaState int

const (
	// MetaLegacyNoID: no block, or a block without an id key. Allocate and persist.
	MetaLegacyNoID MetaState = iota
	// MetaLegacyEmptyID: the id key is present but blank. Allocate and persist.
	MetaLegacyEmptyID
	// MetaCurrent: a well-formed id is present and authoritative.
	MetaCurrent
)

func (s MetaState) String() string {
	switch s {
	case MetaLegacyNoID:
		return "legacy-no-id"
	case MetaLegacyEmptyID:
		return "legacy-empty-id"
	case MetaCurrent:
		return "current"
	}
	return "unknown"
}

// NeedsID reports whether the document must be assigned an id.
func (s MetaState) NeedsID() bool { return s != MetaCurrent }

// Metadata is the typed view of a front-matter block. Zero values mean
// the field was absent.
type Metadata struct {
	ID       string
	Type     string
	Title    string
	Tags     []string
	Created  time.Time
	Modified time.Time
	State    MetaState
}

// Result holds the output of parsing a document file.
type Result struct {
	Meta     Metadata
	HasBlock bool
	Body     string
	Title    string // front-matter title, else first H1, else empty
	Tags     []string
}

// Parse decodes raw document bytes. A block that is not valid YAML, or that
// carries a malformed id or timestamp, yields an *apperr.ValidationError.
func Parse(data []byte) (*Result, error) {
	block, rest, ok := splitBlock(data)
	if !ok {
		body := string(data)
		return &Result{
			Meta:  Metadata{State: MetaLegacyNoID},
			Body:  body,
			Title: deriveTitle("", body),
			Tags:  extractTags(body, nil),
		}, nil
	}

	meta, err := decodeMeta(block)
	if err != nil {
		return nil, err
	}
	body := string(bytes.TrimLeft(rest, "\r\n"))
	return &Result{
		Meta:     meta,
		HasBlock: true,
		Body:     body,
		Title:    deriveTitle(meta.Title, body),
		Tags:     extractTags(body, meta.Tags),
	}, nil
}

// splitBlock separates the front-matter block (between leading --- lines)
// from the remainder. ok is false when the file has no complete block.
func splitBlock(data []byte) (block, rest []byte, ok bool) {
	trimmed := bytes.TrimLeft(data, "\r\n")
	nl := bytes.IndexByte(trimmed, '\n')
	if nl < 0 || strings.TrimRight(string(trimmed[:nl]), " \t\r") != "---" {
		return nil, data, false
	}
	after := trimmed[nl+1:]
	for pos := 0; pos <= len(after); {
		end := bytes.IndexByte(after[pos:], '\n')
		line, next := after[pos:], len(after)
		if end >= 0 {
			line, next = after[pos:pos+end], pos+end+1
		}
		if strings.TrimRight(string(line), " \t\r") == "---" {
			return after[:pos], after[next:], true
		}
		if end < 0 {
			break
		}
		pos = next
	}
	return nil, data, false
}

func decodeMeta(block []byte) (Metadata, error) {
	meta := Metadata{State: MetaLegacyNoID}

	var doc yaml.Node
	if err := yaml.Unmarshal(block, &doc); err != nil {
		return meta, apperr.Invalid("", "metadata", err.Error())
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return meta, nil
	}
	root := doc.Content[0]
	if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
		return meta, nil
	}
	if root.Kind != yaml.MappingNode {
		return meta, apperr.Invalid("", "metadata", "front matter must be a mapping")
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		switch key {
		case "id":
			id := scalar(val)
			if id == "" {
				meta.State = MetaLegacyEmptyID
				continue
			}
			if !identity.Validate(id) {
				return meta, apperr.Invalid("", "id", "want "+identity.Prefix+" followed by 8 lowercase hex digits, got "+id)
			}
			meta.ID, meta.State = id, MetaCurrent
		case "type":
			meta.Type = strings.TrimSpace(scalar(val))
		case "title":
			meta.Title = strings.TrimSpace(scalar(val))
		case "tags":
			meta.Tags = stringList(val)
		case "created", "modified":
			ts, err := parseTime(scalar(val))
			if err != nil {
				return meta, apperr.Invalid("", key, err.Error())
			}
			if key == "created" {
				meta.Created = ts
			} else {
				meta.Modified = ts
			}
		}
	}
	return meta, nil
}

func scalar(n *yaml.Node) string {
	if n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return ""
	}
	return strings.TrimSpace(n.Value)
}

func stringList(n *yaml.Node) []string {
	var out []string
	switch n.Kind {
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if s := scalar(item); s != "" {
				out = append(out, s)
			}
		}
	case yaml.ScalarNode:
		for _, s := range strings.Split(scalar(n), ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	var firstErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// extractTags collects tags from front matter and inline #tags in the body.
func extractTags(body string, metaTags []string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	add := func(t string) {
		if _, dup := seen[t]; !dup {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	for _, t := range metaTags {
		add(t)
	}
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return out
}

// deriveTitle returns the front-matter title if present, otherwise the first
// H1 heading, otherwise empty string.
func deriveTitle(metaTitle, body string) string {
	if metaTitle != "" {
		return metaTitle
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

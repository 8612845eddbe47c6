package parser

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Field is a front-matter key/value to persist.
type Field struct {
	Key   string
	Value string
	Tag   string // YAML tag; empty means !!str
}

// IDField builds the identifier field.
func IDField(id string) Field { return Field{Key: "id", Value: id} }

// TimeField builds a timestamp field in RFC 3339 form.
func TimeField(key string, t time.Time) Field {
	return Field{Key: key, Value: t.UTC().Format(time.RFC3339), Tag: "!!timestamp"}
}

// SetFields returns data with the given front-matter fields set. Existing
// keys keep their position and other keys, comments and the body are left
// untouched; missing keys are inserted at the top of the block in argument
// order. A file without a block gets one.
func SetFields(data []byte, fields ...Field) ([]byte, error) {
	block, rest, ok := splitBlock(data)

	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if ok {
		var doc yaml.Node
		if err := yaml.Unmarshal(block, &doc); err != nil {
			return nil, fmt.Errorf("parser: decode front matter: %w", err)
		}
		if doc.Kind != 0 && len(doc.Content) > 0 {
			switch n := doc.Content[0]; {
			case n.Kind == yaml.MappingNode:
				root = n
			case n.Kind == yaml.ScalarNode && n.Tag == "!!null":
			default:
				return nil, fmt.Errorf("parser: front matter is not a mapping")
			}
		}
	} else {
		rest = append([]byte("\n"), data...)
	}

	var missing []*yaml.Node
	for _, f := range fields {
		tag := f.Tag
		if tag == "" {
			tag = "!!str"
		}
		val := &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: f.Value}
		if i := keyIndex(root, f.Key); i >= 0 {
			val.LineComment = root.Content[i+1].LineComment
			root.Content[i+1] = val
			continue
		}
		missing = append(missing, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.Key}, val)
	}
	root.Content = append(missing, root.Content...)

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, fmt.Errorf("parser: encode front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("parser: encode front matter: %w", err)
	}
	buf.WriteString("---\n")
	buf.Write(rest)
	return buf.Bytes(), nil
}

func keyIndex(m *yaml.Node, key string) int {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return i
		}
	}
	return -1
}

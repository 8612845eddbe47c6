package parser

import (
	"path"
	"strings"
)

// DefaultType is the namespace of documents that sit at the vault root
// and carry no explicit type.
const DefaultType = "note"

// DeriveType is the single rule for a document's type: the explicit
// front-matter type wins, otherwise the name of the containing directory,
// otherwise DefaultType. Rebuild and per-document updates both call it.
func DeriveType(meta Metadata, relPath string) string {
	if meta.Type != "" {
		return meta.Type
	}
	dir := path.Base(path.Dir(toSlash(relPath)))
	if dir == "." || dir == "/" || dir == "" {
		return DefaultType
	}
	return dir
}

// DeriveName returns the filesystem handle of a document: its file name
// without extension.
func DeriveName(relPath string) string {
	base := path.Base(toSlash(relPath))
	return strings.TrimSuffix(base, path.Ext(base))
}

// DisplayTitle returns the title to show for a document, falling back to
// its name when neither front matter nor body provide one.
func (r *Result) DisplayTitle(relPath string) string {
	if r.Title != "" {
		return r.Title
	}
	return DeriveName(relPath)
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

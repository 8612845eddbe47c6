// Package models defines the domain types shared across folio packages.
package models

import "time"

// Document is a note as mirrored in the index.
type Document struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Title    string    `json:"title"`
	Body     string    `json:"body,omitempty"`
	Tags     []string  `json:"tags"`
	Checksum string    `json:"checksum"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// DocumentMetadata is a lightweight representation returned by vault listings.
type DocumentMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileChange names a vault file whose content should be (re)indexed.
// When Content is nil the file is read from the Document Store; otherwise
// Content is written to Path first.
type FileChange struct {
	Path    string `json:"path"`
	Content []byte `json:"-"`
}

// Link kinds.
const (
	LinkInternal = "internal"
	LinkExternal = "external"
)

// Edge is a directed internal reference from one document to another.
// TargetID is empty while the edge is unresolved.
type Edge struct {
	SourceID    string `json:"source_id"`
	TargetID    string `json:"target_id,omitempty"`
	TargetRaw   string `json:"target_raw"`
	DisplayText string `json:"display_text"`
	Aliased     bool   `json:"aliased"`
	Kind        string `json:"link_kind"`
}

// Resolved reports whether the edge points at a known document.
func (e Edge) Resolved() bool { return e.TargetID != "" }

// External link classifiers.
const (
	ExternalWeb   = "web"
	ExternalEmail = "email"
	ExternalFile  = "file"
	ExternalOther = "other"
)

// ExternalLink is a reference from a document to an arbitrary URI.
type ExternalLink struct {
	SourceID string `json:"source_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	LinkType string `json:"link_type"`
}

// FileError records a single file that could not be indexed.
type FileError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// RebuildReport summarises a rebuild for the calling layer.
type RebuildReport struct {
	RunID            string        `json:"run_id"`
	Skipped          bool          `json:"skipped"`
	FilesScanned     int           `json:"files_scanned"`
	DocumentsIndexed int           `json:"documents_indexed"`
	IDsAssigned      int           `json:"ids_assigned"`
	EdgesExtracted   int           `json:"edges_extracted"`
	Unresolved       int           `json:"unresolved"`
	ErrorCount       int           `json:"error_count"`
	Errors           []FileError   `json:"errors"`
	Duration         time.Duration `json:"duration"`
}

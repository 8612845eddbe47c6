package mcpserver

// DocumentFormatContract describes the document format that MCP clients
// should follow when writing into a folio vault.
const DocumentFormatContract = `# Folio Document Format

Every Markdown document in a folio vault follows this structure.

## Structure

` + "```" + `markdown
---
id: n-3fa2c91b                      # assigned by folio; never edit or copy
type: meeting                       # OPTIONAL, defaults to the parent folder
title: Human-readable title         # OPTIONAL, falls back to the first H1
tags:                               # OPTIONAL, YAML list
  - tag-one
created: 2025-01-15                 # OPTIONAL, ISO-8601 date or datetime
modified: 2025-01-16T09:30:00Z      # OPTIONAL
---

Body text in standard Markdown.

Use [[links]] to reference other documents.
Use [[target|alias]] for display text that differs from the target.
` + "```" + `

## Identifiers

1. Documents without an ` + "`id`" + ` get one on first index. It is written back
   into the front matter and stays with the document across renames.
2. An id is ` + "`n-`" + ` followed by eight lowercase hex digits. Anything else is
   rejected.
3. Do not copy a document's front matter into a new file. Two files with the
   same id are a conflict and the copy is not indexed.

## Link targets

A link target is matched, case-insensitively and in this order, against:

1. a document id (` + "`[[n-3fa2c91b]]`" + `)
2. a ` + "`type/name`" + ` pair (` + "`[[daily/2025-01-01]]`" + `)
3. a title (` + "`[[Weekly standup]]`" + `)
4. a file name without extension (` + "`[[roadmap]]`" + `)

Links that match nothing are kept and resolve automatically once a matching
document appears. Links inside code spans and code blocks are ignored.

## Rules

1. The ` + "`---`" + ` fences must be the first thing in the file.
2. Front matter must be a YAML mapping. Invalid YAML makes the file unindexable.
3. File paths end with ` + "`.md`" + ` and use forward slashes.
4. Encoding is UTF-8.

## Example

` + "```" + `markdown
---
type: meeting
title: Weekly standup 2025-01-20
tags:
  - project-x
created: 2025-01-20
---

# Weekly standup 2025-01-20

- [[alice]] to review the [[design-doc]]
- Bob to update [[project-x/roadmap|the roadmap]]
- Background: <https://example.com/roadmap>
` + "```" + `
`

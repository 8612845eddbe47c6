package index

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/starford/folio/internal/events"
	"github.com/starford/folio/internal/links"
	"github.com/starford/folio/internal/models"
)

// GraphNode is a document in the link graph.
type GraphNode struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Name  string `json:"name"`
	Title string `json:"title"`
	Path  string `json:"path"`
}

// GraphLink is a resolved edge in the link graph.
type GraphLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// ReplaceLinks atomically swaps the outgoing edges and external links of
// sourceID and clears its links_dirty flag. Edges whose target is not an
// indexed document are stored unresolved.
func (t *Tx) ReplaceLinks(sourceID string, edges []models.Edge, external []models.ExternalLink) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM links WHERE source_id = ?`, sourceID); err != nil {
		return sqlError("delete links", err)
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM external_links WHERE source_id = ?`, sourceID); err != nil {
		return sqlError("delete external links", err)
	}

	if len(edges) > 0 {
		stmt, err := t.tx.PrepareContext(t.ctx, `
			INSERT INTO links (source_id, target_id, target_raw, display_text, aliased, link_kind)
			VALUES (?, (SELECT id FROM documents WHERE id = ?), ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare link insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range edges {
			kind := e.Kind
			if kind == "" {
				kind = models.LinkInternal
			}
			if _, err := stmt.ExecContext(t.ctx, sourceID, e.TargetID, e.TargetRaw, e.DisplayText, e.Aliased, kind); err != nil {
				return sqlError("insert link", err)
			}
		}
	}

	if len(external) > 0 {
		stmt, err := t.tx.PrepareContext(t.ctx,
			`INSERT INTO external_links (source_id, url, title, link_type) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare external link insert: %w", err)
		}
		defer stmt.Close()
		for _, x := range external {
			if _, err := stmt.ExecContext(t.ctx, sourceID, x.URL, x.Title, x.LinkType); err != nil {
				return sqlError("insert external link", err)
			}
		}
	}

	if _, err := t.tx.ExecContext(t.ctx, `UPDATE documents SET links_dirty = 0 WHERE id = ?`, sourceID); err != nil {
		return sqlError("clear links_dirty", err)
	}
	t.emit(events.LinksChanged, sourceID, "")
	return nil
}

// ResolvePending binds unresolved edges whose raw target names target.
// Edges without an alias take the target's title as display text.
func (t *Tx) ResolvePending(target links.Target) (int, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT rowid, source_id, target_raw FROM links WHERE target_id IS NULL AND link_kind = ?`,
		models.LinkInternal)
	if err != nil {
		return 0, sqlError("pending links", err)
	}
	type hit struct {
		rowid  int64
		source string
	}
	var hits []hit
	r := links.NewResolver([]links.Target{target})
	for rows.Next() {
		var (
			h   hit
			raw string
		)
		if err := rows.Scan(&h.rowid, &h.source, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		if _, ok := r.Resolve(raw); ok {
			hits = append(hits, h)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	display := target.Title
	if display == "" {
		display = target.Name
	}
	sources := make(map[string]struct{})
	for _, h := range hits {
		_, err := t.tx.ExecContext(t.ctx, `
			UPDATE links
			SET target_id = ?,
			    display_text = CASE WHEN aliased = 0 THEN ? ELSE display_text END
			WHERE rowid = ?`, target.ID, display, h.rowid)
		if err != nil {
			return 0, sqlError("resolve pending link", err)
		}
		if _, seen := sources[h.source]; !seen {
			sources[h.source] = struct{}{}
			t.emit(events.LinksChanged, h.source, "")
		}
	}
	return len(hits), nil
}

// RefreshInboundDisplay re-derives the display text of edges pointing at
// id that carry no explicit alias.
func (t *Tx) RefreshInboundDisplay(id, display string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE links SET display_text = ?
		WHERE target_id = ? AND aliased = 0 AND display_text <> ?`, display, id, display)
	if err != nil {
		return sqlError("refresh inbound display", err)
	}
	return nil
}

// MarkLinksDirty flags id for link re-extraction.
func (t *Tx) MarkLinksDirty(id string) error {
	if _, err := t.tx.ExecContext(t.ctx, `UPDATE documents SET links_dirty = 1 WHERE id = ?`, id); err != nil {
		return sqlError("mark links_dirty", err)
	}
	return nil
}

// ReplaceLinks stores the edges of sourceID inside tx, or in a transaction
// of its own when tx is nil.
func (db *DB) ReplaceLinks(ctx context.Context, tx *Tx, sourceID string, edges []models.Edge, external []models.ExternalLink) error {
	return db.within(ctx, tx, func(tx *Tx) error {
		return tx.ReplaceLinks(sourceID, edges, external)
	})
}

// MarkLinksDirty flags id for link re-extraction in a transaction of its own.
func (db *DB) MarkLinksDirty(ctx context.Context, id string) error {
	return db.Update(ctx, func(tx *Tx) error { return tx.MarkLinksDirty(id) })
}

// DirtyDocuments returns the ids flagged for link re-extraction.
func (db *DB) DirtyDocuments(ctx context.Context) ([]string, error) {
	var out []string
	err := db.conns.read(func(r *sql.DB) error {
		rows, err := r.QueryContext(ctx, `SELECT id FROM documents WHERE links_dirty = 1 ORDER BY path`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("index: dirty documents: %w", err)
	}
	return out, nil
}

const edgeColumns = `source_id, coalesce(target_id, ''), target_raw, display_text, aliased, link_kind`

func scanEdges(rows *sql.Rows) ([]models.Edge, error) {
	defer rows.Close()
	out := []models.Edge{}
	for rows.Next() {
		var e models.Edge
		if err := rows.Scan(&e.SourceID, &e.TargetID, &e.TargetRaw, &e.DisplayText, &e.Aliased, &e.Kind); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Backlinks returns every edge that resolves to id.
func (db *DB) Backlinks(ctx context.Context, id string) ([]models.Edge, error) {
	var out []models.Edge
	err := db.conns.read(func(r *sql.DB) error {
		rows, err := r.QueryContext(ctx, `
			SELECT `+edgeColumns+` FROM links
			WHERE target_id = ?
			ORDER BY source_id, rowid`, id)
		if err != nil {
			return err
		}
		out, err = scanEdges(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("index: backlinks: %w", err)
	}
	return out, nil
}

// OutgoingLinks returns the internal edges (resolved and unresolved) and
// external links of id, in extraction order.
func (db *DB) OutgoingLinks(ctx context.Context, id string) ([]models.Edge, []models.ExternalLink, error) {
	var (
		edges    []models.Edge
		external = []models.ExternalLink{}
	)
	err := db.conns.read(func(r *sql.DB) error {
		rows, err := r.QueryContext(ctx, `SELECT `+edgeColumns+` FROM links WHERE source_id = ? ORDER BY rowid`, id)
		if err != nil {
			return err
		}
		if edges, err = scanEdges(rows); err != nil {
			return err
		}

		xrows, err := r.QueryContext(ctx,
			`SELECT source_id, url, title, link_type FROM external_links WHERE source_id = ? ORDER BY rowid`, id)
		if err != nil {
			return err
		}
		defer xrows.Close()
		for xrows.Next() {
			var x models.ExternalLink
			if err := xrows.Scan(&x.SourceID, &x.URL, &x.Title, &x.LinkType); err != nil {
				return err
			}
			external = append(external, x)
		}
		return xrows.Err()
	})
	if err != nil {
		return nil, nil, fmt.Errorf("index: outgoing links: %w", err)
	}
	return edges, external, nil
}

// Graph returns every document and every resolved edge between them.
func (db *DB) Graph(ctx context.Context) ([]GraphNode, []GraphLink, error) {
	nodes := []GraphNode{}
	edges := []GraphLink{}
	err := db.conns.read(func(r *sql.DB) error {
		rows, err := r.QueryContext(ctx, `SELECT id, type, name, title, path FROM documents ORDER BY path`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var n GraphNode
			if err := rows.Scan(&n.ID, &n.Type, &n.Name, &n.Title, &n.Path); err != nil {
				rows.Close()
				return err
			}
			nodes = append(nodes, n)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		lrows, err := r.QueryContext(ctx, `
			SELECT DISTINCT source_id, target_id FROM links
			WHERE target_id IS NOT NULL
			ORDER BY source_id, target_id`)
		if err != nil {
			return err
		}
		defer lrows.Close()
		for lrows.Next() {
			var l GraphLink
			if err := lrows.Scan(&l.Source, &l.Target); err != nil {
				return err
			}
			edges = append(edges, l)
		}
		return lrows.Err()
	})
	if err != nil {
		return nil, nil, fmt.Errorf("index: graph: %w", err)
	}
	return nodes, edges, nil
}

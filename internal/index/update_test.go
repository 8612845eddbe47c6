package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/events"
	"github.com/starford/folio/internal/identity"
	"github.com/starford/folio/internal/models"
)

func upsert(t *testing.T, e *env, rel string) string {
	t.Helper()
	id, err := e.ix.UpsertDocument(context.Background(), models.FileChange{Path: rel})
	if err != nil {
		t.Fatalf("UpsertDocument(%s): %v", rel, err)
	}
	return id
}

// sequence yields ids in order, repeating the last one.
func sequence(ids ...string) identity.Generator {
	var (
		mu sync.Mutex
		i  int
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[min(i, len(ids)-1)]
		i++
		return id, nil
	}
}

func TestUpsert_LegacyFileGetsIDOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.write(t, "legacy.md", "# Legacy\n\nno metadata here\n")

	id := upsert(t, e, "legacy.md")
	if got := fileID(t, e, "legacy.md"); got != id {
		t.Fatalf("file id %q, index id %q", got, id)
	}
	if !strings.Contains(e.read(t, "legacy.md"), "no metadata here") {
		t.Error("body lost on write-back")
	}
	if again := upsert(t, e, "legacy.md"); again != id {
		t.Errorf("second upsert changed id: %s -> %s", id, again)
	}
	if _, changed, err := e.ix.IndexIfChanged(ctx, "legacy.md"); err != nil || changed {
		t.Errorf("IndexIfChanged: changed=%v err=%v", changed, err)
	}
	d, _ := e.db.GetDocument(ctx, id)
	if d.Created.IsZero() || d.Modified.IsZero() {
		t.Errorf("timestamps not filled: %+v", d)
	}
	if n, _ := e.db.Count(ctx); n != 1 {
		t.Errorf("count = %d", n)
	}
}

func TestUpsert_ExplicitContentIsWritten(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	id, err := e.ix.UpsertDocument(ctx, models.FileChange{
		Path:    "ideas/new.md",
		Content: []byte("---\ntitle: Fresh\n---\nbody\n"),
	})
	if err != nil {
		t.Fatal(err)
	}
	content := e.read(t, "ideas/new.md")
	if !strings.Contains(content, "id: "+id) || !strings.Contains(content, "modified:") {
		t.Errorf("written file = %q", content)
	}
	d, err := e.db.GetDocument(ctx, id)
	if err != nil || d.Type != "ideas" || d.Title != "Fresh" {
		t.Errorf("document = %+v, %v", d, err)
	}
	want := []events.Kind{events.DocumentCreated, events.LinksChanged}
	if diff := cmp.Diff(want, e.rec.kinds()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestUpsert_Rejects(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.write(t, "broken.md", "---\ntitle: [oops\n---\n")

	if _, err := e.ix.UpsertDocument(ctx, models.FileChange{Path: "image.png", Content: []byte("x")}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("non-document err = %v", err)
	}
	if _, err := e.ix.UpsertDocument(ctx, models.FileChange{Path: "missing.md"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing file err = %v", err)
	}
	_, err := e.ix.UpsertDocument(ctx, models.FileChange{Path: "broken.md"})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) || ve.Path != "broken.md" {
		t.Errorf("invalid metadata err = %v", err)
	}
}

func TestUpsert_PendingLinksResolveWhenTargetAppears(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.write(t, "a.md", "waiting for [[Beta]]")
	a := upsert(t, e, "a.md")

	out, _, _ := e.db.OutgoingLinks(ctx, a)
	if len(out) != 1 || out[0].Resolved() {
		t.Fatalf("edge should start unresolved: %+v", out)
	}

	e.write(t, "b.md", "---\ntitle: Beta\n---\n")
	e.rec.reset()
	b := upsert(t, e, "b.md")

	out, _, _ = e.db.OutgoingLinks(ctx, a)
	want := []models.Edge{{SourceID: a, TargetID: b, TargetRaw: "Beta", DisplayText: "Beta", Kind: models.LinkInternal}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("edge not resolved (-want +got):\n%s", diff)
	}
	if bl, _ := e.db.Backlinks(ctx, b); len(bl) != 1 || bl[0].SourceID != a {
		t.Errorf("backlinks = %+v", bl)
	}
	var sawSource bool
	for _, ev := range e.rec.events {
		if ev.Kind == events.LinksChanged && ev.DocumentID == a {
			sawSource = true
		}
	}
	if !sawSource {
		t.Errorf("no linksChanged for the referring document: %+v", e.rec.events)
	}
}

func TestMove_KeepsIDAndInboundEdges(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.write(t, "b.md", "target body")
	b := upsert(t, e, "b.md")
	e.write(t, "a.md", "[[b]] and [[b|my alias]]")
	a := upsert(t, e, "a.md")

	id, err := e.ix.MoveDocument(ctx, "b.md", "archive/bee.md")
	if err != nil {
		t.Fatalf("MoveDocument: %v", err)
	}
	if id != b {
		t.Fatalf("move changed id: %s -> %s", b, id)
	}
	moved, err := e.db.GetDocument(ctx, b)
	if err != nil || moved.Path != "archive/bee.md" || moved.Type != "archive" || moved.Name != "bee" {
		t.Fatalf("moved document = %+v, %v", moved, err)
	}
	if _, err := e.db.GetDocumentByPath(ctx, "b.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("old path still indexed: %v", err)
	}

	out, _, _ := e.db.OutgoingLinks(ctx, a)
	want := []models.Edge{
		{SourceID: a, TargetID: b, TargetRaw: "b", DisplayText: "bee", Kind: models.LinkInternal},
		{SourceID: a, TargetID: b, TargetRaw: "b", DisplayText: "my alias", Aliased: true, Kind: models.LinkInternal},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("inbound edges after move (-want +got):\n%s", diff)
	}
}

func TestMove_Errors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.write(t, "a.md", "a")
	e.write(t, "b.md", "b")
	upsert(t, e, "a.md")

	if _, err := e.ix.MoveDocument(ctx, "a.md", "b.md"); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("onto existing err = %v", err)
	}
	if _, err := e.ix.MoveDocument(ctx, "gone.md", "c.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing source err = %v", err)
	}
	if _, err := e.ix.MoveDocument(ctx, "a.md", "a.txt"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("non-document target err = %v", err)
	}
}

func TestMove_CollisionPutsFileBack(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.write(t, "daily/x.md", "first")
	upsert(t, e, "daily/x.md")
	e.write(t, "notes/y.md", "---\ntype: daily\n---\nsecond")
	y := upsert(t, e, "notes/y.md")
	before := e.read(t, "notes/y.md")

	if _, err := e.ix.MoveDocument(ctx, "notes/y.md", "notes/x.md"); err == nil {
		t.Fatal("move onto an indexed (type, name) should fail")
	}
	if got := e.read(t, "notes/y.md"); got != before {
		t.Errorf("file changed by failed move:\n%s\nwant:\n%s", got, before)
	}
	if _, err := os.Stat(filepath.Join(e.root, "notes", "x.md")); !os.IsNotExist(err) {
		t.Errorf("file left at target: %v", err)
	}
	d, err := e.db.GetDocumentByPath(ctx, "notes/y.md")
	if err != nil || d.ID != y {
		t.Errorf("index row after failed move = %+v, %v", d, err)
	}
}

func TestDelete_UnresolvesInboundAndRetiresID(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.ix = NewIndexer(e.db, e.store, IndexerOptions{
		WorkspaceID: "ws-test",
		Generator:   sequence("n-00000001", "n-00000002", "n-00000001", "n-00000003"),
	})
	e.write(t, "a.md", "alpha")
	a := upsert(t, e, "a.md")
	e.write(t, "b.md", "[[a]]")
	b := upsert(t, e, "b.md")

	if err := e.ix.DeleteDocument(ctx, "a.md"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.root, "a.md")); !os.IsNotExist(err) {
		t.Errorf("file still on disk: %v", err)
	}
	out, _, _ := e.db.OutgoingLinks(ctx, b)
	if len(out) != 1 || out[0].Resolved() || out[0].TargetRaw != "a" {
		t.Errorf("inbound edge should be unresolved: %+v", out)
	}

	e.write(t, "c.md", "gamma")
	if c := upsert(t, e, "c.md"); c == a {
		t.Errorf("deleted id %s was reallocated", a)
	}
	if err := e.ix.DeleteDocument(ctx, "a.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestUpsert_CopiedFileConflicts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.write(t, "orig.md", "original")
	id := upsert(t, e, "orig.md")
	e.write(t, "copy.md", e.read(t, "orig.md"))

	if _, err := e.ix.UpsertDocument(ctx, models.FileChange{Path: "copy.md"}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("copy err = %v, want ErrConflict", err)
	}

	// Once the original is gone the copy takes the id over.
	if err := os.Remove(filepath.Join(e.root, "orig.md")); err != nil {
		t.Fatal(err)
	}
	if got := upsert(t, e, "copy.md"); got != id {
		t.Errorf("id = %s, want %s", got, id)
	}
	d, _ := e.db.GetDocument(ctx, id)
	if d.Path != "copy.md" {
		t.Errorf("path = %s", d.Path)
	}
}

func TestHealLinks_ClearsDirtyFlag(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.write(t, "b.md", "b")
	upsert(t, e, "b.md")
	e.write(t, "a.md", "[[b]]")
	a := upsert(t, e, "a.md")

	_ = e.db.ReplaceLinks(ctx, nil, a, nil, nil)
	_ = e.db.MarkLinksDirty(ctx, a)
	if dirty, _ := e.db.DirtyDocuments(ctx); len(dirty) != 1 {
		t.Fatalf("dirty = %v", dirty)
	}

	n, err := e.ix.HealLinks(ctx)
	if err != nil || n != 1 {
		t.Fatalf("HealLinks = %d, %v", n, err)
	}
	if dirty, _ := e.db.DirtyDocuments(ctx); len(dirty) != 0 {
		t.Errorf("still dirty: %v", dirty)
	}
	if out, _, _ := e.db.OutgoingLinks(ctx, a); len(out) != 1 || !out[0].Resolved() {
		t.Errorf("edges not restored: %+v", out)
	}
}

func TestReconcile_FollowsOutOfBandChanges(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.write(t, "keep.md", "keep")
	e.write(t, "drop.md", "drop")
	e.write(t, "old.md", "[[keep]]")
	if err := e.ix.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	old, err := e.db.GetDocumentByPath(ctx, "old.md")
	if err != nil {
		t.Fatal(err)
	}

	_ = os.Remove(filepath.Join(e.root, "drop.md"))
	_ = os.Rename(filepath.Join(e.root, "old.md"), filepath.Join(e.root, "new.md"))
	if err := e.ix.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := e.db.GetDocumentByPath(ctx, "drop.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("removed file still indexed: %v", err)
	}
	moved, err := e.db.GetDocumentByPath(ctx, "new.md")
	if err != nil || moved.ID != old.ID {
		t.Errorf("renamed file = %+v, %v; want id %s", moved, err, old.ID)
	}
	if out, _, _ := e.db.OutgoingLinks(ctx, old.ID); len(out) != 1 || !out[0].Resolved() {
		t.Errorf("edges lost across rename: %+v", out)
	}
}

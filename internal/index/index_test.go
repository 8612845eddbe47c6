package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/events"
	"github.com/starford/folio/internal/identity"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/storage"
)

func testDBPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "folio-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	name := f.Name()
	t.Cleanup(func() {
		for _, suffix := range []string{"", "-wal", "-shm", ".lock"} {
			os.Remove(name + suffix)
		}
	})
	return name
}

func testDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := Open(context.Background(), testDBPath(t), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// recorder is a Publisher that keeps everything it is sent.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func seqIDs() identity.Generator {
	var (
		mu sync.Mutex
		n  int
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("n-%08x", n), nil
	}
}

type env struct {
	root  string
	store *storage.FS
	db    *DB
	ix    *Indexer
	rec   *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	db := testDB(t, WithPublisher(rec))
	ix := NewIndexer(db, store, IndexerOptions{WorkspaceID: "ws-test", BatchSize: 2, Generator: seqIDs()})
	return &env{root: root, store: store, db: db, ix: ix, rec: rec}
}

func (e *env) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(e.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *env) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func doc(id, path, title, body string) models.Document {
	return models.Document{
		ID:       id,
		Type:     "note",
		Name:     path[:len(path)-len(filepath.Ext(path))],
		Path:     path,
		Title:    title,
		Body:     body,
		Tags:     []string{},
		Checksum: "cs-" + id,
		Created:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	for _, name := range []string{"documents", "links", "external_links", "ui_state", "retired_ids", "schema_version"} {
		ok, err := hasTable(context.Background(), db.conns.rw, name)
		if err != nil || !ok {
			t.Errorf("table %s missing (err=%v)", name, err)
		}
	}
	v, err := db.SchemaVersion(context.Background())
	if err != nil || v != LatestVersion() {
		t.Errorf("version = %q, %v; want %q", v, err, LatestVersion())
	}
	if len(db.Migrated()) != 0 {
		t.Errorf("fresh database should apply no migrations, got %v", db.Migrated())
	}
}

func TestUpsertAndGetDocument(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	d := doc("n-00000001", "hello.md", "Hello World", "This is a hello world note.")
	d.Tags = []string{"go", "test"}

	created, err := db.UpsertDocument(ctx, d)
	if err != nil || !created {
		t.Fatalf("UpsertDocument: created=%v err=%v", created, err)
	}
	got, err := db.GetDocument(ctx, "n-00000001")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if diff := cmp.Diff(d, *got); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}

	d.Title = "Changed"
	created, err = db.UpsertDocument(ctx, d)
	if err != nil || created {
		t.Fatalf("second UpsertDocument: created=%v err=%v", created, err)
	}
	cs, _ := db.GetChecksum(ctx, "hello.md")
	if cs != "cs-n-00000001" {
		t.Errorf("checksum = %q", cs)
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	db := testDB(t)
	_, err := db.GetDocument(context.Background(), "n-ffffffff")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	cs, err := db.GetChecksum(context.Background(), "nonexistent.md")
	if err != nil || cs != "" {
		t.Errorf("GetChecksum = %q, %v; want empty", cs, err)
	}
}

func TestUpsertDocument_TypeNameUnique(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	_, _ = db.UpsertDocument(ctx, doc("n-00000001", "a.md", "", ""))
	other := doc("n-00000002", "b.md", "", "")
	other.Name = "a"
	if _, err := db.UpsertDocument(ctx, other); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestDeleteDocument_UnresolvesInboundAndRetiresID(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	_, _ = db.UpsertDocument(ctx, doc("n-00000001", "a.md", "A", "[[b]]"))
	_, _ = db.UpsertDocument(ctx, doc("n-00000002", "b.md", "B", "[[a]]"))
	_ = db.ReplaceLinks(ctx, nil, "n-00000001", []models.Edge{{TargetID: "n-00000002", TargetRaw: "b", DisplayText: "B"}}, nil)
	_ = db.ReplaceLinks(ctx, nil, "n-00000002", []models.Edge{{TargetID: "n-00000001", TargetRaw: "a", DisplayText: "A"}}, nil)

	if err := db.DeleteDocument(ctx, "n-00000002"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	out, _, err := db.OutgoingLinks(ctx, "n-00000001")
	if err != nil {
		t.Fatal(err)
	}
	want := []models.Edge{{SourceID: "n-00000001", TargetRaw: "b", DisplayText: "B", Kind: models.LinkInternal}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("inbound edge should survive unresolved (-want +got):\n%s", diff)
	}
	bl, _ := db.Backlinks(ctx, "n-00000001")
	if len(bl) != 0 {
		t.Errorf("outgoing edges of deleted doc should cascade, got %+v", bl)
	}
	taken, _ := db.IDTaken(ctx, "n-00000002")
	if !taken {
		t.Error("deleted id must stay taken")
	}
	if err := db.DeleteDocument(ctx, "n-00000002"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestReplaceLinks_JoinsCallerTransaction(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	db := testDB(t, WithPublisher(rec))
	_, _ = db.UpsertDocument(ctx, doc("n-00000001", "a.md", "A", ""))
	rec.reset()

	boom := errors.New("boom")
	err := db.Update(ctx, func(tx *Tx) error {
		edges := []models.Edge{{TargetRaw: "missing", DisplayText: "missing"}}
		if err := db.ReplaceLinks(tx.Context(), tx, "n-00000001", edges, nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	out, _, _ := db.OutgoingLinks(ctx, "n-00000001")
	if len(out) != 0 {
		t.Errorf("rolled-back edges visible: %+v", out)
	}
	if len(rec.kinds()) != 0 {
		t.Errorf("rolled-back transaction published %v", rec.kinds())
	}
}

func TestUpdate_NestedIsTxConflict(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	err := db.Update(ctx, func(tx *Tx) error {
		return db.Update(tx.Context(), func(*Tx) error { return nil })
	})
	if !errors.Is(err, apperr.ErrTxConflict) {
		t.Fatalf("err = %v, want ErrTxConflict", err)
	}
}

func TestUpdate_PublishesAfterCommitInOrder(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	db := testDB(t, WithPublisher(rec))

	err := db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.UpsertDocument(doc("n-00000001", "a.md", "A", "")); err != nil {
			return err
		}
		if len(rec.kinds()) != 0 {
			t.Error("event published before commit")
		}
		return tx.ReplaceLinks("n-00000001", nil, nil)
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = db.DeleteDocument(ctx, "n-00000001")

	want := []events.Kind{events.DocumentCreated, events.LinksChanged, events.DocumentDeleted}
	if diff := cmp.Diff(want, rec.kinds()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestState_RoundTripAndClear(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	if v, err := db.LoadState(ctx, "ws", "panes"); err != nil || v != nil {
		t.Fatalf("absent state = %s, %v", v, err)
	}
	if err := db.SaveState(ctx, "ws", "panes", json.RawMessage(`{"open":["n-00000001"]}`)); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	_ = db.SaveState(ctx, "ws", "panes", json.RawMessage(`{"open":[]}`))
	_ = db.SaveState(ctx, "other", "panes", json.RawMessage(`1`))

	v, err := db.LoadState(ctx, "ws", "panes")
	if err != nil || string(v) != `{"open":[]}` {
		t.Fatalf("LoadState = %s, %v", v, err)
	}

	if err := db.SaveState(ctx, "ws", "bad", json.RawMessage(`{`)); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("invalid JSON err = %v", err)
	}

	_ = db.ClearState(ctx, "ws")
	if v, _ := db.LoadState(ctx, "ws", "panes"); v != nil {
		t.Errorf("state survived clear: %s", v)
	}
	if v, _ := db.LoadState(ctx, "other", "panes"); string(v) != "1" {
		t.Errorf("other workspace affected: %s", v)
	}
}

func TestState_OtherSchemaVersionIsAbsent(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	_, err := db.conns.rw.Exec(
		`INSERT INTO ui_state (workspace_id, state_key, state_value, schema_version) VALUES ('ws', 'k', '{}', 99)`)
	if err != nil {
		t.Fatal(err)
	}
	if v, err := db.LoadState(ctx, "ws", "k"); err != nil || v != nil {
		t.Errorf("LoadState = %s, %v; want nil", v, err)
	}
}

func TestSearch_Basic(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	_, _ = db.UpsertDocument(ctx, doc("n-00000001", "s.md", "Search Me", "uniqueword appears here"))

	results, err := db.Search(ctx, "uniqueword", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "n-00000001" || results[0].Path != "s.md" {
		t.Errorf("search results = %+v, want 1 hit for s.md", results)
	}
}

func TestRefresh_ReopensConnections(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	before := db.Generation()
	_, _ = db.UpsertDocument(ctx, doc("n-00000001", "a.md", "A", ""))

	if err := db.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if db.Generation() != before+1 {
		t.Errorf("generation = %d, want %d", db.Generation(), before+1)
	}
	if _, err := db.GetDocument(ctx, "n-00000001"); err != nil {
		t.Errorf("GetDocument after refresh: %v", err)
	}
}

func TestClosed(t *testing.T) {
	db, err := Open(context.Background(), testDBPath(t))
	if err != nil {
		t.Fatal(err)
	}
	_ = db.Close()
	if _, err := db.Count(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestListDocumentsAndGraph(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	a := doc("n-00000001", "a.md", "A", "body a")
	b := doc("n-00000002", "b.md", "B", "body b")
	b.Type = "daily"
	_, _ = db.UpsertDocument(ctx, a)
	_, _ = db.UpsertDocument(ctx, b)
	_ = db.ReplaceLinks(ctx, nil, a.ID, []models.Edge{
		{TargetID: b.ID, TargetRaw: "b", DisplayText: "B"},
		{TargetRaw: "nowhere", DisplayText: "nowhere"},
	}, []models.ExternalLink{{URL: "https://go.dev", Title: "Go", LinkType: models.ExternalWeb}})

	docs, total, err := db.ListDocuments(ctx, ListOptions{Type: "daily"})
	if err != nil || total != 1 || len(docs) != 1 || docs[0].ID != b.ID || docs[0].Body != "" {
		t.Fatalf("ListDocuments = %+v, %d, %v", docs, total, err)
	}

	nodes, edges, err := db.Graph(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Errorf("nodes = %+v", nodes)
	}
	if diff := cmp.Diff([]GraphLink{{Source: a.ID, Target: b.ID}}, edges); diff != "" {
		t.Errorf("graph edges mismatch (-want +got):\n%s", diff)
	}

	_, external, _ := db.OutgoingLinks(ctx, a.ID)
	want := []models.ExternalLink{{SourceID: a.ID, URL: "https://go.dev", Title: "Go", LinkType: models.ExternalWeb}}
	if diff := cmp.Diff(want, external); diff != "" {
		t.Errorf("external mismatch (-want +got):\n%s", diff)
	}
}

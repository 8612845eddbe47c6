package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/folio/internal/events"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/testutil"
	"github.com/starford/folio/internal/workspace"
)

func testServer(t *testing.T, files map[string]string) (*Server, *workspace.Workspace) {
	t.Helper()
	vault, _ := testutil.TestVault(t)
	for rel, content := range files {
		testutil.WriteFile(t, vault, rel, content)
	}
	bus := events.NewBus(8)
	t.Cleanup(bus.Close)

	ws, err := workspace.Open(context.Background(), bus, workspace.Options{
		ID:        "ws-mcp",
		VaultPath: vault,
		DBPath:    testutil.TempDBPath(t),
		Generator: testutil.SeqIDs(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return New(ws, "test"), ws
}

func callTool(t *testing.T, srv *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no in-process "call tool" helper, so the handlers are
	// invoked directly.
	var (
		result *mcp.CallToolResult
		err    error
	)
	switch name {
	case "search_documents":
		result, err = srv.searchDocuments(ctx, req)
	case "get_document":
		result, err = srv.getDocument(ctx, req)
	case "resolve_link":
		result, err = srv.resolveLink(ctx, req)
	case "get_backlinks":
		result, err = srv.getBacklinks(ctx, req)
	case "rebuild_index":
		result, err = srv.rebuildIndex(ctx, req)
	case "get_document_contract":
		result, err = srv.getDocumentContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

var vault = map[string]string{
	"daily/2025-01-01.md": "# New Year\n\nResolutions.",
	"a.md":                "# A\n\nsee [[daily/2025-01-01|the first]] and [[b]]",
	"b.md":                "# B\n\nback to [[A]]",
}

func TestGetDocumentByPathAndID(t *testing.T) {
	srv, _ := testServer(t, vault)

	r := callTool(t, srv, "get_document", map[string]any{"path": "daily/2025-01-01.md"})
	var doc models.Document
	if err := json.Unmarshal([]byte(resultText(r)), &doc); err != nil {
		t.Fatalf("decode: %v (%s)", err, resultText(r))
	}
	if doc.Title != "New Year" || doc.Type != "daily" || !strings.Contains(doc.Body, "Resolutions.") {
		t.Errorf("document = %+v", doc)
	}

	r = callTool(t, srv, "get_document", map[string]any{"id": doc.ID})
	if r.IsError || !strings.Contains(resultText(r), `"path": "daily/2025-01-01.md"`) {
		t.Errorf("by id = %s", resultText(r))
	}
}

func TestGetDocument_Errors(t *testing.T) {
	srv, _ := testServer(t, vault)
	if r := callTool(t, srv, "get_document", map[string]any{}); !r.IsError {
		t.Error("expected error without id or path")
	}
	r := callTool(t, srv, "get_document", map[string]any{"id": "n-ffffffff"})
	if !r.IsError || !strings.HasPrefix(resultText(r), "not found") {
		t.Errorf("missing = %q", resultText(r))
	}
}

func TestResolveLink(t *testing.T) {
	srv, ws := testServer(t, vault)
	want, err := ws.GetDocumentByPath(context.Background(), "daily/2025-01-01.md")
	if err != nil {
		t.Fatal(err)
	}

	for _, identifier := range []string{want.ID, "daily/2025-01-01", "new year", "2025-01-01"} {
		r := callTool(t, srv, "resolve_link", map[string]any{"identifier": identifier})
		if r.IsError || !strings.Contains(resultText(r), want.ID) {
			t.Errorf("resolve %q = %s", identifier, resultText(r))
		}
	}
	if r := callTool(t, srv, "resolve_link", map[string]any{"identifier": "nowhere"}); !r.IsError {
		t.Error("expected error for unresolvable identifier")
	}
}

func TestGetBacklinks(t *testing.T) {
	srv, _ := testServer(t, vault)

	r := callTool(t, srv, "get_backlinks", map[string]any{"identifier": "daily/2025-01-01"})
	text := resultText(r)
	if !strings.Contains(text, "\ta.md\tthe first") {
		t.Errorf("backlinks = %q", text)
	}

	r = callTool(t, srv, "get_backlinks", map[string]any{"identifier": "b"})
	if !strings.Contains(resultText(r), "\ta.md\t") {
		t.Errorf("backlinks of b = %q", resultText(r))
	}
}

func TestSearchDocuments(t *testing.T) {
	srv, _ := testServer(t, vault)

	r := callTool(t, srv, "search_documents", map[string]any{"query": "Resolutions"})
	if !strings.Contains(resultText(r), "daily/2025-01-01.md") {
		t.Errorf("search = %s", resultText(r))
	}
	if r := callTool(t, srv, "search_documents", map[string]any{}); !r.IsError {
		t.Error("expected error without query")
	}
}

func TestRebuildIndex(t *testing.T) {
	srv, ws := testServer(t, vault)
	testutil.WriteFile(t, ws.Root(), "c.md", "# C")

	r := callTool(t, srv, "rebuild_index", map[string]any{"force": true})
	var rep models.RebuildReport
	if err := json.Unmarshal([]byte(resultText(r)), &rep); err != nil {
		t.Fatalf("decode: %v (%s)", err, resultText(r))
	}
	if rep.DocumentsIndexed != 4 || rep.Skipped {
		t.Errorf("report = %+v", rep)
	}

	r = callTool(t, srv, "rebuild_index", map[string]any{})
	_ = json.Unmarshal([]byte(resultText(r)), &rep)
	if !rep.Skipped {
		t.Errorf("unforced rebuild of populated index should skip: %+v", rep)
	}
}

func TestDocumentContract(t *testing.T) {
	srv, _ := testServer(t, nil)

	r := callTool(t, srv, "get_document_contract", nil)
	if resultText(r) != DocumentFormatContract {
		t.Error("contract tool returned unexpected text")
	}

	contents, err := srv.readFormatResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil || len(contents) != 1 {
		t.Fatalf("resource = %v, %v", contents, err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok || tc.URI != "folio://document-format" || !strings.Contains(tc.Text, "## Identifiers") {
		t.Errorf("resource contents = %+v", contents[0])
	}
}

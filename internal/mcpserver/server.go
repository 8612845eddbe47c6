// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes a folio workspace over stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/folio/internal/apperr"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/workspace"
)

const formatURI = "folio://document-format"

// Server wraps the MCP server with folio tools.
type Server struct {
	mcp *server.MCPServer
	ws  *workspace.Workspace
}

// New creates a new MCP server with all folio tools registered.
func New(ws *workspace.Workspace, version string) *Server {
	s := &Server{ws: ws}

	s.mcp = server.NewMCPServer(
		"Folio",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_documents",
		mcp.WithDescription("Full-text search through document titles, bodies and tags."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
	), s.searchDocuments)

	s.mcp.AddTool(mcp.NewTool("get_document",
		mcp.WithDescription("Read an indexed document, including its body, by id or vault path."),
		mcp.WithString("id", mcp.Description("Document id (e.g. n-3fa2c91b)")),
		mcp.WithString("path", mcp.Description("Relative vault path (e.g. daily/2025-01-01.md)")),
	), s.getDocument)

	s.mcp.AddTool(mcp.NewTool("resolve_link",
		mcp.WithDescription("Resolve a link target (id, type/name, title or name) to a document."),
		mcp.WithString("identifier", mcp.Required(), mcp.Description("Link target as written inside [[ ]]")),
	), s.resolveLink)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("List the links that point at a document. "+
			"The document may be named by any identifier resolve_link accepts."),
		mcp.WithString("identifier", mcp.Required(), mcp.Description("Target document identifier")),
	), s.getBacklinks)

	s.mcp.AddTool(mcp.NewTool("rebuild_index",
		mcp.WithDescription("Rebuild the index from the vault and return the rebuild report."),
		mcp.WithBoolean("force", mcp.Description("Rebuild even when the index is already populated")),
	), s.rebuildIndex)

	s.mcp.AddTool(mcp.NewTool("get_document_contract",
		mcp.WithDescription("Returns the folio document format. "+
			"Call this before writing documents into the vault."),
	), s.getDocumentContract)

	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Document Format",
			mcp.WithResourceDescription("Document format and link resolution rules of a folio vault."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func toolError(err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError("not found: " + err.Error())
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) searchDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.ws.Search(ctx, query, req.GetInt("limit", 20))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(results), nil
}

func (s *Server) getDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, path := req.GetString("id", ""), req.GetString("path", "")
	var (
		doc *models.Document
		err error
	)
	switch {
	case id != "":
		doc, err = s.ws.GetDocument(ctx, id)
	case path != "":
		doc, err = s.ws.GetDocumentByPath(ctx, path)
	default:
		return mcp.NewToolResultError("one of id or path is required"), nil
	}
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(doc), nil
}

func (s *Server) resolveLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identifier, err := req.RequireString("identifier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.ws.ResolveLink(ctx, identifier)
	if err != nil {
		return toolError(err), nil
	}
	summary := *doc
	summary.Body = ""
	return jsonResult(summary), nil
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identifier, err := req.RequireString("identifier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.ws.ResolveLink(ctx, identifier)
	if err != nil {
		return toolError(err), nil
	}
	edges, err := s.ws.Backlinks(ctx, doc.ID)
	if err != nil {
		return toolError(err), nil
	}
	if len(edges) == 0 {
		return mcp.NewToolResultText("no backlinks found"), nil
	}
	lines := make([]string, 0, len(edges))
	for _, e := range edges {
		src, err := s.ws.GetDocument(ctx, e.SourceID)
		if err != nil {
			return toolError(err), nil
		}
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s", src.ID, src.Path, e.DisplayText))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) rebuildIndex(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep, err := s.ws.RebuildIndex(ctx, req.GetBool("force", false))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(rep), nil
}

func (s *Server) getDocumentContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(DocumentFormatContract), nil
}

func (s *Server) readFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     DocumentFormatContract,
		},
	}, nil
}

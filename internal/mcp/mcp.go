// Package mcp exposes kiroku ingestion to MCP clients.
//
// Agents that speak MCP can report their own runs, attach feedback and read
// runs back without an SDK. Every call is scoped to the project resolved by
// the HTTP layer.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiroku/internal/ingest"
	"github.com/ashita-ai/kiroku/internal/model"
)

// Ingester folds events into runs.
type Ingester interface {
	IngestRaw(ctx context.Context, projectID uuid.UUID, raws []json.RawMessage) ingest.BatchResult
	Ingest(ctx context.Context, projectID uuid.UUID, events []model.Event) ingest.BatchResult
}

// RunReader loads stored runs.
type RunReader interface {
	GetRun(ctx context.Context, projectID, id uuid.UUID) (model.Run, error)
}

// Server wraps the MCP server with kiroku's ingest service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	ingest    Ingester
	runs      RunReader
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(svc Ingester, runs RunReader, logger *slog.Logger, version string) *Server {
	s := &Server{
		ingest: svc,
		runs:   runs,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kiroku",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

// parseRunID accepts any run id an SDK may have sent and maps it the same
// way ingestion does.
func parseRunID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("run_id is required")
	}
	id, err := model.ParseRunID(model.EnsureUUID(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run_id %q: %w", raw, err)
	}
	return id, nil
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kiroku/internal/ctxutil"
)

const runURIPrefix = "kiroku://run/"

func (s *Server) registerResources() {
	// kiroku://run/{id}: one stored run as JSON.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURIPrefix+"{id}",
			"Run",
			mcplib.WithTemplateDescription("A stored run with its input, output, usage and feedback"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)
}

func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	projectID := ctxutil.ProjectIDFromContext(ctx)
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("mcp: no project in context")
	}

	raw, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	id, err := parseRunID(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}

	run, err := s.runs.GetRun(ctx, projectID, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: run resource: %w", err)
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal run: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

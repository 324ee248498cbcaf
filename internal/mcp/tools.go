package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kiroku/internal/ctxutil"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_ingest",
			mcplib.WithDescription(`Record run events for LLM calls, tools and agents.

Each event has an "event" kind (start, end, error, feedback, complete, chat, log),
a "type" (llm, tool, agent, embed, chat, log), a "runId" and a "timestamp".
A start must precede its end; send both in one call when you have them.

Returns one result per event, in the order given.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithArray("events",
				mcplib.Description("Events to ingest"),
				mcplib.Required(),
				mcplib.Items(map[string]any{"type": "object"}),
			),
		),
		s.handleIngest,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_feedback",
			mcplib.WithDescription("Attach feedback to a run. Keys are merged into existing feedback; a null value removes the key."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("run_id", mcplib.Description("Run to attach feedback to"), mcplib.Required()),
			mcplib.WithObject("feedback", mcplib.Description(`Feedback keys, e.g. {"thumb": "up", "comment": "..."}`), mcplib.Required()),
		),
		s.handleFeedback,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_get_run",
			mcplib.WithDescription("Fetch a stored run with its input, output, token usage, cost and feedback."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("run_id", mcplib.Description("Run to fetch"), mcplib.Required()),
		),
		s.handleGetRun,
	)
}

func (s *Server) handleIngest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID := ctxutil.ProjectIDFromContext(ctx)
	if projectID == uuid.Nil {
		return errorResult("no project in context"), nil
	}

	raws, err := rawEvents(request.GetArguments()["events"])
	if err != nil {
		return errorResult(err.Error()), nil
	}
	res := s.ingest.IngestRaw(ctx, projectID, raws)
	return jsonResult(map[string]any{
		"results":  res.Results,
		"inserted": res.Inserted,
	})
}

// rawEvents accepts the events argument as a JSON array or as a string
// holding one.
func rawEvents(arg any) ([]json.RawMessage, error) {
	switch v := arg.(type) {
	case nil:
		return nil, errors.New("events is required")
	case string:
		raws, err := model.DecodeBatch([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("invalid events: %v", err)
		}
		return raws, nil
	case []any:
		if len(v) == 0 {
			return nil, errors.New("events must not be empty")
		}
		raws := make([]json.RawMessage, len(v))
		for i, e := range v {
			b, err := json.Marshal(e)
			if err != nil {
				return nil, fmt.Errorf("invalid event %d: %v", i, err)
			}
			raws[i] = b
		}
		return raws, nil
	default:
		return nil, fmt.Errorf("events must be an array, got %T", arg)
	}
}

func (s *Server) handleFeedback(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID := ctxutil.ProjectIDFromContext(ctx)
	if projectID == uuid.Nil {
		return errorResult("no project in context"), nil
	}

	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	feedback, ok := request.GetArguments()["feedback"].(map[string]any)
	if !ok || len(feedback) == 0 {
		return errorResult("feedback must be a non-empty object"), nil
	}

	res := s.ingest.Ingest(ctx, projectID, []model.Event{{
		Kind:      model.KindFeedback,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Feedback:  feedback,
	}})
	if len(res.Results) != 1 || !res.Results[0].Success {
		msg := "feedback failed"
		if len(res.Results) == 1 && res.Results[0].Error != "" {
			msg = res.Results[0].Error
		}
		return errorResult(msg), nil
	}
	return jsonResult(map[string]any{"run_id": res.Results[0].ID, "status": "recorded"})
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID := ctxutil.ProjectIDFromContext(ctx)
	if projectID == uuid.Nil {
		return errorResult("no project in context"), nil
	}
	id, err := parseRunID(request.GetString("run_id", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}

	run, err := s.runs.GetRun(ctx, projectID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("run %s not found", id)), nil
	}
	if err != nil {
		s.logger.Error("mcp: get run", "error", err, "run_id", id)
		return errorResult("failed to load run"), nil
	}
	return jsonResult(run)
}

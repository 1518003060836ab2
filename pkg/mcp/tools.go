package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// handleRun starts a pipeline execution, optionally waiting for it to end.
func (s *MaestroServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelineID, err := req.RequireString("pipeline_id")
	if err != nil {
		return mcp.NewToolResultError("pipeline_id is required"), nil
	}

	input, inputErr := runInput(req)
	if inputErr != nil {
		return mcp.NewToolResultError(inputErr.Error()), nil
	}

	submit := engine.SubmitRequest{PipelineID: pipelineID, Input: input}
	if req.GetBool("wait", true) {
		exec, runErr := s.engine.Run(ctx, submit)
		if runErr != nil {
			return toolError("run failed", runErr), nil
		}
		return marshalResult(exec)
	}

	exec, submitErr := s.engine.Submit(ctx, submit)
	if submitErr != nil {
		return toolError("submit failed", submitErr), nil
	}
	s.captureSession(ctx, exec.ID)
	return marshalResult(map[string]any{
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

// handleStatus returns the current state of an execution.
func (s *MaestroServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, getErr := s.engine.Get(ctx, id)
	if getErr != nil {
		return toolError("status query failed", getErr), nil
	}
	return marshalResult(exec)
}

// handleCancel cancels an execution. Terminal executions are returned unchanged.
func (s *MaestroServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, cancelErr := s.engine.Cancel(ctx, id)
	if cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

// handleResume resumes a failed or rate-limited execution in place.
func (s *MaestroServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	task := taskArg(req.GetArguments()["resume_from_task"])

	exec, resumeErr := s.engine.Resume(ctx, id, task)
	if resumeErr != nil {
		return toolError("resume failed", resumeErr), nil
	}
	if !req.GetBool("wait", true) {
		s.captureSession(ctx, exec.ID)
		return marshalResult(map[string]any{
			"execution_id": exec.ID,
			"status":       exec.Status,
			"resumed":      true,
		})
	}

	done, waitErr := s.engine.Wait(ctx, exec.ID)
	if waitErr != nil {
		return toolError("wait failed", waitErr), nil
	}
	return marshalResult(done)
}

// handleQuery lists executions, events, or pipelines.
func (s *MaestroServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "pipelines":
		return s.queryPipelines(ctx)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *MaestroServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Page:  extractInt(filter, "page", 1),
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok {
		ef.Status = schema.ExecutionStatus(status)
	}
	if pipelineID, ok := filter["pipeline_id"].(string); ok {
		ef.PipelineID = pipelineID
	}
	if q, ok := filter["q"].(string); ok {
		ef.Search = q
	}

	page, err := s.engine.List(ctx, ef)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(page)
}

func (s *MaestroServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	id, _ := filter["execution_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.store.GetEvents(ctx, id, since)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if events == nil {
		events = []*schema.ExecutionEvent{}
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *MaestroServer) queryPipelines(ctx context.Context) (*mcp.CallToolResult, error) {
	pipelines, err := s.store.ListPipelines(ctx)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if pipelines == nil {
		pipelines = []*schema.PipelineDefinition{}
	}
	return marshalResult(map[string]any{"pipelines": pipelines})
}

// --- Internal helpers ---

// runInput reads exactly one of input (object) or input_text (string).
func runInput(req mcp.CallToolRequest) (json.RawMessage, error) {
	args := req.GetArguments()
	obj, hasObj := args["input"]
	text, hasText := args["input_text"]
	switch {
	case hasObj && hasText:
		return nil, errors.New("provide either input or input_text, not both")
	case hasObj:
		return json.Marshal(obj)
	case hasText:
		return json.Marshal(text)
	default:
		return nil, errors.New("input or input_text is required")
	}
}

// taskArg accepts a role name or a step index sent as a number or string.
func taskArg(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.Itoa(int(val))
	case int:
		return strconv.Itoa(val)
	}
	return ""
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the execution to the caller's MCP session for its completion notice.
func (s *MaestroServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// toolError renders err as a tool error. MaestroErrors carry their code in the text.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

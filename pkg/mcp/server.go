// Package mcp exposes the execution engine as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/streaming"
)

// ServerDeps holds the dependencies for creating a MaestroServer.
type ServerDeps struct {
	Engine  engine.Engine
	Store   store.Store
	Hub     streaming.EventHub // nil disables completion notifications
	Version string
	Logger  *slog.Logger
}

// MaestroServer wraps an MCP server with execution tool handlers.
type MaestroServer struct {
	engine    engine.Engine
	store     store.Store
	hub       streaming.EventHub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewMaestroServer creates a new MaestroServer with all 5 tools registered.
func NewMaestroServer(deps ServerDeps) *MaestroServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &MaestroServer{
		engine:   deps.Engine,
		store:    deps.Store,
		hub:      deps.Hub,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"maestro",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Maestro runs multi-agent LLM pipelines. Use maestro.run to start a pipeline, maestro.status to inspect an execution, maestro.cancel to stop it, maestro.resume to continue a failed or rate-limited execution, and maestro.query to list executions, events, or pipelines."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *MaestroServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewExecutionNotifier(s.mcpServer, s.sessions, s.logger)
		go func() {
			if err := notifier.Watch(ctx, s.hub); err != nil && ctx.Err() == nil {
				s.logger.Warn("completion notifications stopped", slog.Any("error", err))
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *MaestroServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MaestroServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("maestro.run",
		mcp.WithDescription("Run a registered pipeline against an input"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("ID of the pipeline to run")),
		mcp.WithObject("input", mcp.Description("Structured pipeline input")),
		mcp.WithString("input_text", mcp.Description("Plain-text pipeline input (alternative to input)")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution ends (default: true)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("maestro.status",
		mcp.WithDescription("Get an execution with its step results and failures"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("maestro.cancel",
		mcp.WithDescription("Cancel a pending or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("maestro.resume",
		mcp.WithDescription("Resume a failed or rate-limited execution in place"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("resume_from_task", mcp.Description("Step index or role to resume from (default: first step without a result)")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution ends (default: true)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("maestro.query",
		mcp.WithDescription("Query executions, events, or pipelines"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "events", "pipelines"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, pipeline_id, q, page, limit, execution_id, since)")),
	)
}

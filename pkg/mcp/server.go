// Package mcp exposes the run engine control API as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/runengine/internal/engine"
	"github.com/rendis/runengine/internal/streaming"
)

// Version is reported to MCP clients during initialization.
const Version = "1.0.0"

// RunServerDeps holds the dependencies for creating a RunServer.
type RunServerDeps struct {
	Service engine.Service
	Graph   *engine.Graph
	Hub     streaming.Hub
	Logger  *slog.Logger
	// DefaultTenant is used when a tool call carries no tenant_id.
	DefaultTenant string
}

// RunServer wraps an MCP server with run-engine tool handlers.
type RunServer struct {
	svc           engine.Service
	graph         *engine.Graph
	hub           streaming.Hub
	logger        *slog.Logger
	defaultTenant string
	sessions      *SessionRegistry
	notifier      *MCPNotifier
	mcpServer     *server.MCPServer
}

// NewRunServer creates a RunServer with every run.* tool registered.
func NewRunServer(deps RunServerDeps) *RunServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RunServer{
		svc:           deps.Service,
		graph:         deps.Graph,
		hub:           deps.Hub,
		logger:        logger,
		defaultTenant: deps.DefaultTenant,
		sessions:      NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"runengine",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("runengine drives content pipeline runs. Use run.create to start a run, run.get to check progress, "+
			"run.approve or run.reject when a run is waiting at a gate, run.assets for the image sub-workflow, "+
			"and run.resume, run.retry or run.clone to recover failed runs. Runs you touch push progress notifications."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and forwards progress notifications until
// ctx is cancelled or stdin closes.
func (s *RunServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		go func() {
			if err := s.notifier.Forward(ctx, s.hub); err != nil {
				s.logger.Warn("progress forwarding stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RunServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *RunServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createTool(), Handler: s.handleCreate},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: decideTool("run.approve", "Approve the gate a run is waiting on"), Handler: s.handleApprove},
		{Tool: decideTool("run.reject", "Reject the gate a run is waiting on; the run fails with REJECTED"), Handler: s.handleReject},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: runIDTool("run.pause", "Pause a running run; in-flight attempts finish"), Handler: s.handlePause},
		{Tool: runIDTool("run.unpause", "Continue a paused run"), Handler: s.handleUnpause},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cloneTool(), Handler: s.handleClone},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: attemptsTool(), Handler: s.handleAttempts},
		{Tool: graphTool(), Handler: s.handleGraph},
		{Tool: assetsTool(), Handler: s.handleAssets},
	}
}

// --- Tool definitions ---

func tenantOpt() mcp.ToolOption {
	return mcp.WithString("tenant_id", mcp.Description("Tenant owning the run (default: the server's tenant)"))
}

func runIDOpt() mcp.ToolOption {
	return mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run"))
}

func createTool() mcp.Tool {
	return mcp.NewTool("run.create",
		mcp.WithDescription("Create a run and start driving it"),
		tenantOpt(),
		mcp.WithObject("input", mcp.Description("Run input, passed to the first step")),
		mcp.WithObject("config", mcp.Description("Run config: step1_approval, resume_mode, steps (per-step overrides), options")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("run.get",
		mcp.WithDescription("Get run status, current step, progress and step summaries"),
		tenantOpt(),
		runIDOpt(),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("run.list",
		mcp.WithDescription("List runs of a tenant"),
		tenantOpt(),
		mcp.WithString("status", mcp.Description("Comma-separated statuses to include")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Runs to skip")),
	)
}

func decideTool(name, desc string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(desc),
		tenantOpt(),
		runIDOpt(),
		mcp.WithString("comment", mcp.Description("Reviewer comment")),
		mcp.WithString("reason", mcp.Description("Reason, recorded on rejection")),
		mcp.WithString("reviewer", mcp.Description("Who decided")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("run.cancel",
		mcp.WithDescription("Cancel a non-terminal run"),
		tenantOpt(),
		runIDOpt(),
		mcp.WithString("reason", mcp.Description("Cancellation reason")),
	)
}

func runIDTool(name, desc string) mcp.Tool {
	return mcp.NewTool(name, mcp.WithDescription(desc), tenantOpt(), runIDOpt())
}

func retryTool() mcp.Tool {
	return mcp.NewTool("run.retry",
		mcp.WithDescription("Re-drive a failed run with its identical configuration"),
		tenantOpt(),
		runIDOpt(),
		mcp.WithString("step", mcp.Description("Only rewind this failed step")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("run.resume",
		mcp.WithDescription("Resume a run from a step; upstream results are reused"),
		tenantOpt(),
		runIDOpt(),
		mcp.WithString("step", mcp.Required(), mcp.Description("Step to resume from")),
		mcp.WithString("mode", mcp.Enum("same_run", "new_run"), mcp.Description("Resume in place or as a new run")),
	)
}

func cloneTool() mcp.Tool {
	return mcp.NewTool("run.clone",
		mcp.WithDescription("Start a new run with the same input"),
		tenantOpt(),
		runIDOpt(),
		mcp.WithObject("config", mcp.Description("Replacement run config (default: the source run's)")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("run.events",
		mcp.WithDescription("List a run's events in sequence order"),
		tenantOpt(),
		runIDOpt(),
		mcp.WithNumber("since", mcp.Description("Only events with a greater sequence")),
	)
}

func attemptsTool() mcp.Tool {
	return mcp.NewTool("run.attempts",
		mcp.WithDescription("Attempt history of a run, optionally for one step"),
		tenantOpt(),
		runIDOpt(),
		mcp.WithString("step", mcp.Description("Step name")),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("run.graph",
		mcp.WithDescription("Render the step graph, overlaid with a run's statuses when run_id is given"),
		tenantOpt(),
		mcp.WithString("run_id", mcp.Description("Run to overlay")),
		mcp.WithString("format", mcp.Enum("mermaid", "ascii", "png"), mcp.Description("Output format (default mermaid)")),
	)
}

func assetsTool() mcp.Tool {
	return mcp.NewTool("run.assets",
		mcp.WithDescription("Drive the image sub-workflow of a run waiting for image input"),
		tenantOpt(),
		runIDOpt(),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("state", "settings", "positions", "submit_positions", "instructions", "images", "review", "preview", "finalize"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithObject("payload", mcp.Description("Operation input: settings {count, placement, style, skip}; "+
			"submit_positions {action, positions}; instructions {instructions}; review {index, action, instruction}; "+
			"finalize {confirm, restart_from}")),
	)
}

// Package mcp exposes the playbook engine to agents as Model Context
// Protocol tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/playbookd/internal/engine"
	"github.com/rendis/playbookd/internal/playbooks"
	"github.com/rendis/playbookd/internal/streaming"
	"github.com/rendis/playbookd/pkg/schema"
)

// Catalog serves playbooks by name. Satisfied by *playbooks.Library.
type Catalog interface {
	Get(name string) (*schema.Playbook, error)
	List() []playbooks.Summary
}

// InputValidator checks run parameters. Satisfied by *validation.PlaybookValidator.
type InputValidator interface {
	ValidateInputs(pb *schema.Playbook, params map[string]any) error
}

// PlaybookServerDeps holds the dependencies for creating a PlaybookServer.
type PlaybookServerDeps struct {
	Manager   *engine.Manager
	Catalog   Catalog
	Validator InputValidator
	Events    streaming.EventAppender
	Hub       streaming.EventHub
	Logger    *slog.Logger
	Version   string
}

// PlaybookServer wraps an MCP server with the playbook tool handlers.
type PlaybookServer struct {
	manager   *engine.Manager
	catalog   Catalog
	validator InputValidator
	events    streaming.EventAppender
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  ClientNotifier
	mcpServer *server.MCPServer
}

// NewPlaybookServer creates a PlaybookServer with all 5 tools registered.
func NewPlaybookServer(deps PlaybookServerDeps) *PlaybookServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &PlaybookServer{
		manager:   deps.Manager,
		catalog:   deps.Catalog,
		validator: deps.Validator,
		events:    deps.Events,
		hub:       deps.Hub,
		logger:    logger.With("component", "mcp"),
		sessions:  NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"playbookd",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("playbookd runs operational playbooks against gateways, browsers and designers. Use playbook.list to discover playbooks, playbook.run to start one, playbook.status to follow it, playbook.signal to pause, resume, skip, step back or cancel, and execution.list to browse past runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *PlaybookServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PlaybookServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *PlaybookServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: executionListTool(), Handler: s.handleExecutionList},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("playbook.run",
		mcp.WithDescription("Start a playbook execution"),
		mcp.WithString("playbook", mcp.Required(), mcp.Description("Playbook name, optionally name@version")),
		mcp.WithObject("parameters", mcp.Description("Input parameters for the playbook")),
		mcp.WithBoolean("debug_mode", mcp.Description("Pause after every step")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution finishes and return the final state")),
		mcp.WithString("execution_id", mcp.Description("Caller-chosen execution ID (default: generated)")),
		mcp.WithString("client_id", mcp.Description("ID of the calling agent; it is notified when the execution finishes")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("playbook.status",
		mcp.WithDescription("Get execution status"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("playbook.signal",
		mcp.WithDescription("Send a control signal to an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the target execution")),
		mcp.WithString("signal", mcp.Required(),
			mcp.Enum(
				string(schema.SignalPause),
				string(schema.SignalResume),
				string(schema.SignalSkip),
				string(schema.SignalSkipBack),
				string(schema.SignalCancel),
			),
			mcp.Description("Signal to deliver"),
		),
		mcp.WithString("client_id", mcp.Description("ID of the signaling agent")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("playbook.list",
		mcp.WithDescription("List available playbooks"),
		mcp.WithString("domain", mcp.Description("Only playbooks of this domain (gateway, browser, designer)")),
	)
}

func executionListTool() mcp.Tool {
	return mcp.NewTool("execution.list",
		mcp.WithDescription("List executions"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, playbook, parent_execution_id, since, limit, offset)")),
	)
}

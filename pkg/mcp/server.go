package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cascadelab/cascade/internal/checkpoint"
	"github.com/cascadelab/cascade/internal/session"
	"github.com/cascadelab/cascade/internal/signal"
)

// CascadeServerDeps holds the dependencies for creating a CascadeServer.
type CascadeServerDeps struct {
	Sessions    *session.Manager
	Signals     *signal.Bus
	Checkpoints *checkpoint.Gate
	Logger      *slog.Logger
}

// CascadeServer wraps an MCP server with coordination tool handlers, so an
// agent can inspect sessions, fire signals, and resolve checkpoints over
// the same core the REST surface uses.
type CascadeServer struct {
	sessions    *session.Manager
	signals     *signal.Bus
	checkpoints *checkpoint.Gate
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewCascadeServer creates a new CascadeServer with all 5 tools registered.
func NewCascadeServer(deps CascadeServerDeps) *CascadeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CascadeServer{
		sessions:    deps.Sessions,
		signals:     deps.Signals,
		checkpoints: deps.Checkpoints,
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"cascade",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Cascade coordinates workflow sessions. Use cascade.sessions to inspect running sessions, cascade.cancel_session to request or force cancellation, cascade.fire_signal to wake waiting workflows, cascade.checkpoints to list pending human-in-the-loop gates, and cascade.respond_checkpoint to resolve one."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CascadeServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CascadeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *CascadeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: sessionsTool(), Handler: s.handleSessions},
		{Tool: cancelSessionTool(), Handler: s.handleCancelSession},
		{Tool: fireSignalTool(), Handler: s.handleFireSignal},
		{Tool: checkpointsTool(), Handler: s.handleCheckpoints},
		{Tool: respondCheckpointTool(), Handler: s.handleRespondCheckpoint},
	}
}

// --- Tool definitions ---

func sessionsTool() mcp.Tool {
	return mcp.NewTool("cascade.sessions",
		mcp.WithDescription("List workflow sessions with their liveness classification"),
		mcp.WithString("status", mcp.Description("Filter by status (running, blocked, completed, error, cancelled, orphaned)")),
		mcp.WithString("cascade_id", mcp.Description("Filter by cascade definition")),
		mcp.WithString("active", mcp.Description("Set to 'true' to list only running/blocked sessions")),
		mcp.WithObject("filter", mcp.Description("Extra filter criteria (limit)")),
	)
}

func cancelSessionTool() mcp.Tool {
	return mcp.NewTool("cascade.cancel_session",
		mcp.WithDescription("Request cooperative cancellation of a session, or force it with force=true"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to cancel")),
		mcp.WithString("reason", mcp.Description("Why the session is being cancelled")),
		mcp.WithString("force", mcp.Description("Set to 'true' to cancel immediately without cooperation")),
	)
}

func fireSignalTool() mcp.Tool {
	return mcp.NewTool("cascade.fire_signal",
		mcp.WithDescription("Fire a named signal, waking every session waiting on it (or one session when session_id is set)"),
		mcp.WithString("signal_name", mcp.Required(), mcp.Description("Name of the signal to fire")),
		mcp.WithObject("payload", mcp.Description("Payload delivered to the woken waiters")),
		mcp.WithString("source", mcp.Description("Identifier of the firing agent")),
		mcp.WithString("session_id", mcp.Description("Target one waiting session instead of broadcasting")),
	)
}

func checkpointsTool() mcp.Tool {
	return mcp.NewTool("cascade.checkpoints",
		mcp.WithDescription("List pending human-in-the-loop checkpoints"),
		mcp.WithString("session_id", mcp.Description("Filter to one session")),
	)
}

func respondCheckpointTool() mcp.Tool {
	return mcp.NewTool("cascade.respond_checkpoint",
		mcp.WithDescription("Resolve a pending checkpoint with a decision response"),
		mcp.WithString("checkpoint_id", mcp.Required(), mcp.Description("ID of the checkpoint to resolve")),
		mcp.WithObject("response", mcp.Required(), mcp.Description("Decision payload, validated against the gate's response_schema when present")),
		mcp.WithString("reasoning", mcp.Description("Free-text reasoning behind the decision")),
		mcp.WithString("confidence", mcp.Description("Confidence between 0 and 1")),
	)
}

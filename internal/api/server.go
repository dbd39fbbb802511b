package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/cascadelab/cascade/internal/checkpoint"
	"github.com/cascadelab/cascade/internal/expressions"
	"github.com/cascadelab/cascade/internal/session"
	"github.com/cascadelab/cascade/internal/signal"
	"github.com/cascadelab/cascade/internal/streaming"
)

// Deps holds the dependencies for the coordination API server.
type Deps struct {
	Sessions    *session.Manager
	Signals     *signal.Bus
	Checkpoints *checkpoint.Gate
	Hub         streaming.WakeHub
	Filters     *expressions.FilterEngine
	Logger      *slog.Logger
}

// Server exposes the coordination core over REST plus an SSE event stream.
type Server struct {
	deps Deps
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Filters == nil {
		deps.Filters = expressions.NewFilterEngine()
	}
	if deps.Hub == nil {
		deps.Hub = streaming.NewMemoryHub()
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all coordination routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions.
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /sessions/{id}/status", s.handleUpdateStatus)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancelSession)
	mux.HandleFunc("POST /sessions/cleanup-zombies", s.handleCleanupZombies)
	mux.HandleFunc("POST /errors", s.handleRecordError)

	// Signals.
	mux.HandleFunc("POST /signals", s.handleRegisterSignal)
	mux.HandleFunc("GET /signals", s.handleListSignals)
	mux.HandleFunc("GET /signals/waiting", s.handleListWaitingSignals)
	mux.HandleFunc("GET /signals/{id}", s.handleGetSignal)
	// "POST /signals/{name}/fire" and "POST /signals/fire-by-id/{signal_id}"
	// conflict under ServeMux's precedence rules (neither is more specific),
	// so both are served from one pattern and dispatched on the literal
	// segment here.
	mux.HandleFunc("POST /signals/{seg0}/{seg1}", func(w http.ResponseWriter, r *http.Request) {
		seg0, seg1 := r.PathValue("seg0"), r.PathValue("seg1")
		switch {
		case seg0 == "fire-by-id":
			r.SetPathValue("signal_id", seg1)
			s.handleFireSignalByID(w, r)
		case seg1 == "fire":
			r.SetPathValue("name", seg0)
			s.handleFireSignal(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("POST /signals/{id}/cancel", s.handleCancelSignal)

	// Checkpoints.
	mux.HandleFunc("POST /checkpoints", s.handleCreateCheckpoint)
	mux.HandleFunc("GET /checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("GET /checkpoints/{id}", s.handleGetCheckpoint)
	mux.HandleFunc("POST /checkpoints/{id}/respond", s.handleRespondCheckpoint)
	mux.HandleFunc("POST /checkpoints/{id}/cancel", s.handleCancelCheckpoint)

	// Event stream.
	mux.HandleFunc("GET /events/stream", s.handleSSE)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

package api

import (
	"net/http"
	"time"

	"github.com/cascadelab/cascade/internal/expressions"
	"github.com/cascadelab/cascade/internal/logging"
	"github.com/cascadelab/cascade/internal/session"
	"github.com/cascadelab/cascade/internal/store"
	"github.com/cascadelab/cascade/pkg/schema"
)

// sessionView is the wire shape of a session. is_zombie and can_resume
// are computed per request, never stored.
type sessionView struct {
	*store.SessionState
	IsZombie  bool `json:"is_zombie"`
	CanResume bool `json:"can_resume"`
}

func (s *Server) viewOf(sess *store.SessionState) sessionView {
	return sessionView{
		SessionState: sess,
		IsZombie:     s.deps.Sessions.IsZombie(sess),
		CanResume:    s.deps.Sessions.CanResume(sess),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID             string `json:"session_id"`
		CascadeID             string `json:"cascade_id"`
		Depth                 int    `json:"depth"`
		HeartbeatLeaseSeconds int    `json:"heartbeat_lease_seconds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	ctx := logging.WithIDs(r.Context(), body.SessionID, body.CascadeID, "")
	sess, err := s.deps.Sessions.Create(ctx, session.CreateParams{
		SessionID:             body.SessionID,
		CascadeID:             body.CascadeID,
		Depth:                 body.Depth,
		HeartbeatLeaseSeconds: body.HeartbeatLeaseSeconds,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.viewOf(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		CascadeID:  q.Get("cascade_id"),
		ActiveOnly: q.Get("active") == "true",
		Limit:      queryInt(r, "limit", 100),
	}
	if raw := q.Get("status"); raw != "" {
		status, err := schema.ParseSessionStatus(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.Status = &status
	}

	sessions, err := s.deps.Sessions.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, s.viewOf(sess))
	}
	views, err = expressions.FilterRows(s.deps.Filters, q.Get("filter"), views)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views, "count": len(views)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.deps.Sessions.LoadState(logging.WithSessionID(r.Context(), id), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(sess))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Sessions.Heartbeat(logging.WithSessionID(r.Context(), id), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "ok"})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
		ErrorPhase   string `json:"error_phase"`
		CancelReason string `json:"cancel_reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	status, err := schema.ParseSessionStatus(body.Status)
	if err != nil {
		writeError(w, err)
		return
	}

	err = s.deps.Sessions.UpdateStatus(logging.WithSessionID(r.Context(), id), id, status, session.StatusUpdate{
		ErrorMessage: body.ErrorMessage,
		ErrorPhase:   body.ErrorPhase,
		CancelReason: body.CancelReason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": string(status)})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
		Force  bool   `json:"force"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	ctx := logging.WithSessionID(r.Context(), id)
	if body.Force {
		if err := s.deps.Sessions.Cancel(ctx, id, body.Reason); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session.CancelOutcome{
			SessionID: id,
			Cancelled: true,
			Message:   "session cancelled",
		})
		return
	}

	outcome, err := s.deps.Sessions.RequestCancellation(ctx, id, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleCleanupZombies(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GracePeriodSeconds int `json:"grace_period_seconds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	grace := time.Duration(body.GracePeriodSeconds) * time.Second

	count, err := s.deps.Sessions.CleanupZombies(r.Context(), grace)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"orphaned": count})
}

func (s *Server) handleRecordError(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		CascadeID string `json:"cascade_id"`
		Phase     string `json:"phase"`
		Message   string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Message == "" {
		writeBadRequest(w, "message is required")
		return
	}

	ctx := logging.WithIDs(r.Context(), body.SessionID, body.CascadeID, "")
	id, err := s.deps.Sessions.RecordError(ctx, body.SessionID, body.CascadeID, body.Phase, body.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/cascadelab/cascade/internal/expressions"
	"github.com/cascadelab/cascade/internal/logging"
	"github.com/cascadelab/cascade/internal/signal"
	"github.com/cascadelab/cascade/internal/store"
	"github.com/cascadelab/cascade/pkg/schema"
)

func (s *Server) handleRegisterSignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SignalName string          `json:"signal_name"`
		SessionID  string          `json:"session_id"`
		CascadeID  string          `json:"cascade_id"`
		CellName   string          `json:"cell_name"`
		Timeout    string          `json:"timeout"`
		Metadata   json.RawMessage `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	ctx := logging.WithIDs(r.Context(), body.SessionID, body.CascadeID, body.CellName)
	sig, err := s.deps.Signals.Register(ctx, signal.RegisterParams{
		SignalName: body.SignalName,
		SessionID:  body.SessionID,
		CascadeID:  body.CascadeID,
		CellName:   body.CellName,
		Timeout:    body.Timeout,
		Metadata:   body.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

func (s *Server) listSignals(w http.ResponseWriter, r *http.Request, filter store.SignalFilter) {
	q := r.URL.Query()
	filter.SignalName = q.Get("signal_name")
	filter.CascadeID = q.Get("cascade_id")
	filter.SessionID = q.Get("session_id")
	if filter.Limit == 0 {
		filter.Limit = queryInt(r, "limit", 100)
	}
	if raw := q.Get("status"); raw != "" && filter.Status == nil {
		status, err := schema.ParseSignalStatus(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.Status = &status
	}

	signals, err := s.deps.Signals.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	signals, err = expressions.FilterRows(s.deps.Filters, q.Get("filter"), signals)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": signals, "count": len(signals)})
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	s.listSignals(w, r, store.SignalFilter{})
}

func (s *Server) handleListWaitingSignals(w http.ResponseWriter, r *http.Request) {
	waiting := schema.SignalStatusWaiting
	s.listSignals(w, r, store.SignalFilter{Status: &waiting})
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	sig, err := s.deps.Signals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleFireSignal(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Payload   json.RawMessage `json:"payload"`
		Source    string          `json:"source"`
		SessionID string          `json:"session_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	ctx := logging.WithSessionID(r.Context(), body.SessionID)
	count, err := s.deps.Signals.Fire(ctx, name, body.Payload, body.Source, body.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	// Zero waiters is success at the bus; callers of the REST surface get
	// a 404 so fire-and-check flows can branch without parsing the count.
	if count == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"code":    schema.ErrCodeNotFound,
			"message": "no waiting signals named " + name,
			"count":   0,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signal_name": name, "count": count})
}

func (s *Server) handleFireSignalByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("signal_id")
	var body struct {
		Payload json.RawMessage `json:"payload"`
		Source  string          `json:"source"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	sig, err := s.deps.Signals.FireByID(r.Context(), id, body.Payload, body.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleCancelSignal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	sig, err := s.deps.Signals.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

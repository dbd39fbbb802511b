package api

import (
	"encoding/json"
	"net/http"

	"github.com/cascadelab/cascade/internal/checkpoint"
	"github.com/cascadelab/cascade/internal/expressions"
	"github.com/cascadelab/cascade/internal/logging"
	"github.com/cascadelab/cascade/internal/store"
	"github.com/cascadelab/cascade/pkg/schema"
)

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID        string          `json:"session_id"`
		CascadeID        string          `json:"cascade_id"`
		PhaseName        string          `json:"phase_name"`
		CheckpointType   string          `json:"checkpoint_type"`
		Timeout          string          `json:"timeout"`
		UISpec           json.RawMessage `json:"ui_spec"`
		PhaseOutput      json.RawMessage `json:"phase_output"`
		SoundingOutputs  json.RawMessage `json:"sounding_outputs"`
		SoundingMetadata json.RawMessage `json:"sounding_metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	ctx := logging.WithIDs(r.Context(), body.SessionID, body.CascadeID, "")
	cp, err := s.deps.Checkpoints.Create(ctx, checkpoint.CreateParams{
		SessionID:        body.SessionID,
		CascadeID:        body.CascadeID,
		PhaseName:        body.PhaseName,
		CheckpointType:   body.CheckpointType,
		Timeout:          body.Timeout,
		UISpec:           body.UISpec,
		PhaseOutput:      body.PhaseOutput,
		SoundingOutputs:  body.SoundingOutputs,
		SoundingMetadata: body.SoundingMetadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CheckpointFilter{
		SessionID: q.Get("session_id"),
		CascadeID: q.Get("cascade_id"),
		Limit:     queryInt(r, "limit", 100),
	}
	if raw := q.Get("status"); raw != "" {
		status, err := schema.ParseCheckpointStatus(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.Status = &status
	}

	checkpoints, err := s.deps.Checkpoints.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	checkpoints, err = expressions.FilterRows(s.deps.Filters, q.Get("filter"), checkpoints)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": checkpoints, "count": len(checkpoints)})
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.deps.Checkpoints.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleRespondCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Response    json.RawMessage `json:"response"`
		Reasoning   string          `json:"reasoning"`
		Confidence  *float64        `json:"confidence"`
		WinnerIndex *int            `json:"winner_index"`
		Rankings    json.RawMessage `json:"rankings"`
		Ratings     json.RawMessage `json:"ratings"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Response) == 0 {
		writeBadRequest(w, "response is required")
		return
	}

	cp, err := s.deps.Checkpoints.Respond(r.Context(), id, &store.CheckpointResponse{
		Response:    body.Response,
		Reasoning:   body.Reasoning,
		Confidence:  body.Confidence,
		WinnerIndex: body.WinnerIndex,
		Rankings:    body.Rankings,
		Ratings:     body.Ratings,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleCancelCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	cp, err := s.deps.Checkpoints.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

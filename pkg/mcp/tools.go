package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cascadelab/cascade/internal/store"
	"github.com/cascadelab/cascade/pkg/schema"
)

// handleSessions lists sessions with server-computed liveness fields.
func (s *CascadeServer) handleSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.SessionFilter{
		CascadeID:  req.GetString("cascade_id", ""),
		ActiveOnly: req.GetString("active", "") == "true",
		Limit:      extractInt(mcp.ParseStringMap(req, "filter", nil), "limit", 50),
	}
	if raw := req.GetString("status", ""); raw != "" {
		status, err := schema.ParseSessionStatus(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.Status = &status
	}

	sessions, err := s.sessions.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	views := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, map[string]any{
			"session_id":   sess.SessionID,
			"cascade_id":   sess.CascadeID,
			"status":       sess.Status,
			"depth":        sess.Depth,
			"heartbeat_at": sess.HeartbeatAt,
			"is_zombie":    s.sessions.IsZombie(sess),
			"can_resume":   s.sessions.CanResume(sess),
		})
	}
	return marshalResult(map[string]any{"sessions": views})
}

// handleCancelSession requests or forces cancellation of a session.
func (s *CascadeServer) handleCancelSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	reason := req.GetString("reason", "")

	if req.GetString("force", "") == "true" {
		if cancelErr := s.sessions.Cancel(ctx, sessionID, reason); cancelErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
		}
		return marshalResult(map[string]any{
			"session_id": sessionID,
			"cancelled":  true,
		})
	}

	outcome, cancelErr := s.sessions.RequestCancellation(ctx, sessionID, reason)
	if cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(outcome)
}

// handleFireSignal fires a named signal, broadcast or targeted.
func (s *CascadeServer) handleFireSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("signal_name")
	if err != nil {
		return mcp.NewToolResultError("signal_name is required"), nil
	}
	source := req.GetString("source", "")
	sessionID := req.GetString("session_id", "")

	var payload json.RawMessage
	if m := mcp.ParseStringMap(req, "payload", nil); m != nil {
		if raw, marshalErr := json.Marshal(m); marshalErr == nil {
			payload = raw
		}
	}

	count, fireErr := s.signals.Fire(ctx, name, payload, source, sessionID)
	if fireErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fire failed: %v", fireErr)), nil
	}
	return marshalResult(map[string]any{
		"signal_name": name,
		"count":       count,
	})
}

// handleCheckpoints lists pending human-in-the-loop gates.
func (s *CascadeServer) handleCheckpoints(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")

	checkpoints, err := s.checkpoints.Pending(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"checkpoints": checkpoints})
}

// handleRespondCheckpoint resolves a pending gate.
func (s *CascadeServer) handleRespondCheckpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	checkpointID, err := req.RequireString("checkpoint_id")
	if err != nil {
		return mcp.NewToolResultError("checkpoint_id is required"), nil
	}
	responseMap := mcp.ParseStringMap(req, "response", nil)
	if responseMap == nil {
		return mcp.NewToolResultError("response is required"), nil
	}
	response, marshalErr := json.Marshal(responseMap)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid response: %v", marshalErr)), nil
	}

	resp := &store.CheckpointResponse{
		Response:  response,
		Reasoning: req.GetString("reasoning", ""),
	}
	if raw := req.GetString("confidence", ""); raw != "" {
		if conf, parseErr := strconv.ParseFloat(raw, 64); parseErr == nil {
			resp.Confidence = &conf
		}
	}

	cp, respondErr := s.checkpoints.Respond(ctx, checkpointID, resp)
	if respondErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("respond failed: %v", respondErr)), nil
	}
	return marshalResult(cp)
}

// --- Internal helpers ---

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

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

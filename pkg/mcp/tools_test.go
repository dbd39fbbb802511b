package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadelab/cascade/internal/checkpoint"
	"github.com/cascadelab/cascade/internal/session"
	"github.com/cascadelab/cascade/internal/signal"
	"github.com/cascadelab/cascade/internal/store"
	"github.com/cascadelab/cascade/internal/streaming"
	"github.com/cascadelab/cascade/pkg/schema"
)

func newTestServer(t *testing.T) (*CascadeServer, *store.LibSQLStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	hub := streaming.NewMemoryHub()
	return NewCascadeServer(CascadeServerDeps{
		Sessions:    session.NewManager(st, hub, nil),
		Signals:     signal.NewBus(st, hub, nil),
		Checkpoints: checkpoint.NewGate(st, hub, nil),
	}), st
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &decoded))
	return decoded
}

func seedSession(t *testing.T, st *store.LibSQLStore, id string, status schema.SessionStatus, heartbeat time.Time) {
	t.Helper()
	require.NoError(t, st.CreateSession(context.Background(), &store.SessionState{
		SessionID: id, CascadeID: "analytics.daily", Status: status,
		HeartbeatAt: heartbeat, HeartbeatLeaseSeconds: 60,
	}))
}

func TestHandleSessions(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	now := time.Now().UTC()
	seedSession(t, st, "alive", schema.SessionStatusRunning, now)
	seedSession(t, st, "stale", schema.SessionStatusBlocked, now.Add(-time.Hour))
	seedSession(t, st, "done", schema.SessionStatusCompleted, now)

	result, err := srv.handleSessions(ctx, buildRequest("cascade.sessions", map[string]any{"active": "true"}))
	require.NoError(t, err)
	body := resultJSON(t, result)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 2)

	zombies := 0
	for _, raw := range sessions {
		if raw.(map[string]any)["is_zombie"] == true {
			zombies++
		}
	}
	assert.Equal(t, 1, zombies)

	result, err = srv.handleSessions(ctx, buildRequest("cascade.sessions", map[string]any{"status": "paused"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleCancelSession(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	seedSession(t, st, "sess-1", schema.SessionStatusRunning, time.Now().UTC())

	result, err := srv.handleCancelSession(ctx, buildRequest("cascade.cancel_session", map[string]any{
		"session_id": "sess-1",
		"reason":     "agent decided",
	}))
	require.NoError(t, err)
	body := resultJSON(t, result)
	assert.Equal(t, false, body["cancelled"])

	result, err = srv.handleCancelSession(ctx, buildRequest("cascade.cancel_session", map[string]any{
		"session_id": "sess-1",
		"force":      "true",
	}))
	require.NoError(t, err)
	body = resultJSON(t, result)
	assert.Equal(t, true, body["cancelled"])

	got, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusCancelled, got.Status)

	result, err = srv.handleCancelSession(ctx, buildRequest("cascade.cancel_session", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleFireSignal(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSignal(ctx, &store.Signal{
		SignalID: "sig-1", SignalName: "data_ready", Status: schema.SignalStatusWaiting,
		SessionID: "sess-a", TimeoutAt: time.Now().UTC().Add(time.Minute), CreatedAt: time.Now().UTC(),
	}))

	result, err := srv.handleFireSignal(ctx, buildRequest("cascade.fire_signal", map[string]any{
		"signal_name": "data_ready",
		"payload":     map[string]any{"rows": 1000},
		"source":      "agent",
	}))
	require.NoError(t, err)
	body := resultJSON(t, result)
	assert.Equal(t, float64(1), body["count"])

	got, err := st.GetSignal(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, schema.SignalStatusFired, got.Status)
	assert.JSONEq(t, `{"rows":1000}`, string(got.Payload))
}

func TestHandleCheckpoints(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	seedSession(t, st, "sess-x", schema.SessionStatusBlocked, time.Now().UTC())

	cp, err := srv.checkpoints.Create(ctx, checkpoint.CreateParams{
		SessionID: "sess-x", PhaseName: "review",
	})
	require.NoError(t, err)

	result, err := srv.handleCheckpoints(ctx, buildRequest("cascade.checkpoints", map[string]any{
		"session_id": "sess-x",
	}))
	require.NoError(t, err)
	body := resultJSON(t, result)
	require.Len(t, body["checkpoints"].([]any), 1)

	// Resolve it through the tool surface.
	result, err = srv.handleRespondCheckpoint(ctx, buildRequest("cascade.respond_checkpoint", map[string]any{
		"checkpoint_id": cp.ID,
		"response":      map[string]any{"choice": 1},
		"reasoning":     "first option",
		"confidence":    "0.8",
	}))
	require.NoError(t, err)
	body = resultJSON(t, result)
	assert.Equal(t, "responded", body["status"])

	// Second respond hits the terminal-state guard.
	result, err = srv.handleRespondCheckpoint(ctx, buildRequest("cascade.respond_checkpoint", map[string]any{
		"checkpoint_id": cp.ID,
		"response":      map[string]any{"choice": 2},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

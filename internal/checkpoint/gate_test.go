package checkpoint

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadelab/cascade/internal/store"
	"github.com/cascadelab/cascade/internal/streaming"
	"github.com/cascadelab/cascade/pkg/schema"
)

func newTestGate(t *testing.T) (*Gate, *store.LibSQLStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return NewGate(st, streaming.NewMemoryHub(), nil), st
}

func seedSession(t *testing.T, st *store.LibSQLStore, id string) {
	t.Helper()
	require.NoError(t, st.CreateSession(context.Background(), &store.SessionState{
		SessionID: id, CascadeID: "c", Status: schema.SessionStatusRunning,
		HeartbeatAt: time.Now().UTC(), HeartbeatLeaseSeconds: 300,
	}))
}

func TestCreate(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()
	seedSession(t, st, "sess-x")

	cp, err := g.Create(ctx, CreateParams{
		SessionID:   "sess-x",
		CascadeID:   "analytics.daily",
		PhaseName:   "review",
		Timeout:     "10m",
		UISpec:      json.RawMessage(`{"kind":"approve"}`),
		PhaseOutput: json.RawMessage(`{"report":"q3"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.CheckpointStatusPending, cp.Status)
	require.NotNil(t, cp.TimeoutAt)

	// The owning session now points at its newest gate.
	sess, err := st.GetSession(ctx, "sess-x")
	require.NoError(t, err)
	assert.Equal(t, cp.ID, sess.LastCheckpointID)
	assert.True(t, sess.Resumable)

	_, err = g.Create(ctx, CreateParams{CascadeID: "c"})
	assert.Equal(t, schema.ErrCodeInvalidArgument, schema.CodeOf(err))
}

func TestRespondOnce(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()
	seedSession(t, st, "sess-x")

	cp, err := g.Create(ctx, CreateParams{SessionID: "sess-x", PhaseName: "review"})
	require.NoError(t, err)

	conf := 0.9
	got, err := g.Respond(ctx, cp.ID, &store.CheckpointResponse{
		Response:   json.RawMessage(`{"choice":1}`),
		Reasoning:  "option 1 is cheaper",
		Confidence: &conf,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.CheckpointStatusResponded, got.Status)
	assert.NotNil(t, got.RespondedAt)
	assert.JSONEq(t, `{"choice":1}`, string(got.Response))
	assert.Equal(t, "option 1 is cheaper", got.ResponseReasoning)

	// Exactly one terminal transition out of pending.
	_, err = g.Respond(ctx, cp.ID, &store.CheckpointResponse{Response: json.RawMessage(`{"choice":2}`)})
	assert.Equal(t, schema.ErrCodeInvalidState, schema.CodeOf(err))

	final, err := g.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.CheckpointStatusResponded, final.Status)
	assert.JSONEq(t, `{"choice":1}`, string(final.Response))
}

func TestRespond_Validation(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()
	seedSession(t, st, "sess-x")

	cp, err := g.Create(ctx, CreateParams{
		SessionID: "sess-x",
		UISpec: json.RawMessage(`{
			"kind": "choose",
			"response_schema": {
				"type": "object",
				"properties": {"choice": {"type": "integer", "minimum": 0}},
				"required": ["choice"]
			}
		}`),
	})
	require.NoError(t, err)

	_, err = g.Respond(ctx, cp.ID, nil)
	assert.Equal(t, schema.ErrCodeInvalidArgument, schema.CodeOf(err))

	_, err = g.Respond(ctx, cp.ID, &store.CheckpointResponse{Response: json.RawMessage(`{"verdict":"yes"}`)})
	assert.Equal(t, schema.ErrCodeInvalidArgument, schema.CodeOf(err))

	// The gate must still be pending after rejected responses.
	got, err := g.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.CheckpointStatusPending, got.Status)

	_, err = g.Respond(ctx, cp.ID, &store.CheckpointResponse{Response: json.RawMessage(`{"choice":2}`)})
	require.NoError(t, err)
}

func TestCancel(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()
	seedSession(t, st, "sess-x")

	cp, err := g.Create(ctx, CreateParams{SessionID: "sess-x"})
	require.NoError(t, err)

	got, err := g.Cancel(ctx, cp.ID, "workflow aborted")
	require.NoError(t, err)
	assert.Equal(t, schema.CheckpointStatusCancelled, got.Status)
	assert.Equal(t, "workflow aborted", got.CancelReason)

	_, err = g.Cancel(ctx, cp.ID, "again")
	assert.Equal(t, schema.ErrCodeInvalidState, schema.CodeOf(err))

	_, err = g.Cancel(ctx, "missing", "")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestPending(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()
	seedSession(t, st, "sess-x")
	seedSession(t, st, "sess-y")

	cpX, err := g.Create(ctx, CreateParams{SessionID: "sess-x"})
	require.NoError(t, err)
	_, err = g.Create(ctx, CreateParams{SessionID: "sess-y"})
	require.NoError(t, err)
	done, err := g.Create(ctx, CreateParams{SessionID: "sess-x"})
	require.NoError(t, err)
	_, err = g.Respond(ctx, done.ID, &store.CheckpointResponse{Response: json.RawMessage(`{}`)})
	require.NoError(t, err)

	got, err := g.Pending(ctx, "sess-x")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cpX.ID, got[0].ID)

	all, err := g.Pending(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWait_RespondWakesWaiter(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()
	seedSession(t, st, "sess-x")

	cp, err := g.Create(ctx, CreateParams{SessionID: "sess-x"})
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _ = g.Respond(ctx, cp.ID, &store.CheckpointResponse{Response: json.RawMessage(`{"choice":1}`)})
	}()

	got, err := g.Wait(ctx, cp.ID, 10*time.Second, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, schema.CheckpointStatusResponded, got.Status)
	assert.JSONEq(t, `{"choice":1}`, string(got.Response))
}

func TestWait_TimeoutOwnedByWaiter(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()
	seedSession(t, st, "sess-x")

	cp, err := g.Create(ctx, CreateParams{SessionID: "sess-x", Timeout: "1"})
	require.NoError(t, err)

	got, err := g.Wait(ctx, cp.ID, 0, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, schema.CheckpointStatusTimeout, got.Status)
}

func TestWait_CallerTimeout(t *testing.T) {
	g, st := newTestGate(t)
	ctx := context.Background()
	seedSession(t, st, "sess-x")

	// No gate lease at all; the caller-supplied deadline bounds the wait.
	cp, err := g.Create(ctx, CreateParams{SessionID: "sess-x"})
	require.NoError(t, err)
	require.Nil(t, cp.TimeoutAt)

	start := time.Now()
	got, err := g.Wait(ctx, cp.ID, 300*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, schema.CheckpointStatusTimeout, got.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

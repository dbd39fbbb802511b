package signal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadelab/cascade/internal/store"
	"github.com/cascadelab/cascade/internal/streaming"
	"github.com/cascadelab/cascade/pkg/schema"
)

func newTestBus(t *testing.T) (*Bus, *store.LibSQLStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return NewBus(st, streaming.NewMemoryHub(), nil), st
}

func TestRegister(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	before := time.Now().UTC()
	sig, err := b.Register(ctx, RegisterParams{
		SignalName: "data_ready",
		SessionID:  "sess-a",
		CascadeID:  "analytics.daily",
		CellName:   "load",
		Timeout:    "5m",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sig.SignalID)
	assert.Equal(t, schema.SignalStatusWaiting, sig.Status)
	assert.WithinDuration(t, before.Add(5*time.Minute), sig.TimeoutAt, 2*time.Second)

	_, err = b.Register(ctx, RegisterParams{SessionID: "sess-a"})
	assert.Equal(t, schema.ErrCodeInvalidArgument, schema.CodeOf(err))
}

func TestFire_Broadcast(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	a, err := b.Register(ctx, RegisterParams{SignalName: "data_ready", SessionID: "sess-a", Timeout: "30s"})
	require.NoError(t, err)
	bb, err := b.Register(ctx, RegisterParams{SignalName: "data_ready", SessionID: "sess-b", Timeout: "30s"})
	require.NoError(t, err)
	other, err := b.Register(ctx, RegisterParams{SignalName: "other_event", SessionID: "sess-c", Timeout: "30s"})
	require.NoError(t, err)

	count, err := b.Fire(ctx, "data_ready", json.RawMessage(`{"rows":1000}`), "etl", "")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{a.SignalID, bb.SignalID} {
		got, err := b.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, schema.SignalStatusFired, got.Status)
		assert.JSONEq(t, `{"rows":1000}`, string(got.Payload))
		assert.Equal(t, "etl", got.Source)
	}

	// Same-name rows only: the other name stays waiting.
	got, err := b.Get(ctx, other.SignalID)
	require.NoError(t, err)
	assert.Equal(t, schema.SignalStatusWaiting, got.Status)
}

func TestFire_TargetedLeavesSiblingsWaiting(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	a, err := b.Register(ctx, RegisterParams{SignalName: "data_ready", SessionID: "sess-a", Timeout: "30s"})
	require.NoError(t, err)
	bb, err := b.Register(ctx, RegisterParams{SignalName: "data_ready", SessionID: "sess-b", Timeout: "30s"})
	require.NoError(t, err)

	count, err := b.Fire(ctx, "data_ready", nil, "", "sess-b")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := b.Get(ctx, a.SignalID)
	require.NoError(t, err)
	assert.Equal(t, schema.SignalStatusWaiting, got.Status)
	got, err = b.Get(ctx, bb.SignalID)
	require.NoError(t, err)
	assert.Equal(t, schema.SignalStatusFired, got.Status)
}

func TestFire_NoWaitersIsSuccess(t *testing.T) {
	b, _ := newTestBus(t)

	count, err := b.Fire(context.Background(), "nobody_listening", nil, "", "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFireByID(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sig, err := b.Register(ctx, RegisterParams{SignalName: "reply", SessionID: "sess-a", Timeout: "30s"})
	require.NoError(t, err)

	fired, err := b.FireByID(ctx, sig.SignalID, json.RawMessage(`{"ok":true}`), "responder")
	require.NoError(t, err)
	assert.Equal(t, schema.SignalStatusFired, fired.Status)
	assert.JSONEq(t, `{"ok":true}`, string(fired.Payload))

	// Already terminal.
	_, err = b.FireByID(ctx, sig.SignalID, nil, "")
	assert.Equal(t, schema.ErrCodeInvalidState, schema.CodeOf(err))

	_, err = b.FireByID(ctx, "missing", nil, "")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestCancel_SecondIsInvalidState(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sig, err := b.Register(ctx, RegisterParams{SignalName: "reply", SessionID: "sess-a", Timeout: "30s"})
	require.NoError(t, err)

	cancelled, err := b.Cancel(ctx, sig.SignalID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, schema.SignalStatusCancelled, cancelled.Status)
	assert.Contains(t, string(cancelled.Metadata), "no longer needed")

	_, err = b.Cancel(ctx, sig.SignalID, "again")
	assert.Equal(t, schema.ErrCodeInvalidState, schema.CodeOf(err))
}

func TestWait_AlreadyFired(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sig, err := b.Register(ctx, RegisterParams{SignalName: "data_ready", SessionID: "sess-a", Timeout: "30s"})
	require.NoError(t, err)
	_, err = b.Fire(ctx, "data_ready", json.RawMessage(`{"rows":1000}`), "etl", "")
	require.NoError(t, err)

	payload, err := b.Wait(ctx, sig.SignalID, 0, 50*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":1000}`, string(payload))
}

func TestWait_ConcurrentFireWithinPollWindow(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sig, err := b.Register(ctx, RegisterParams{SignalName: "data_ready", SessionID: "sess-a", Timeout: "30s"})
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _ = b.Fire(ctx, "data_ready", json.RawMessage(`{"rows":1000}`), "etl", "")
	}()

	payload, err := b.Wait(ctx, sig.SignalID, 10*time.Second, 100*time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":1000}`, string(payload))
}

func TestWait_CallerTimeoutBeforeLease(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sig, err := b.Register(ctx, RegisterParams{SignalName: "never_fires", SessionID: "sess-a", Timeout: "2s"})
	require.NoError(t, err)

	start := time.Now()
	payload, err := b.Wait(ctx, sig.SignalID, 1500*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The waiter itself wrote the terminal state.
	got, err := b.Get(ctx, sig.SignalID)
	require.NoError(t, err)
	assert.Equal(t, schema.SignalStatusTimeout, got.Status)
}

func TestWait_LeaseExpiry(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sig, err := b.Register(ctx, RegisterParams{SignalName: "never_fires", SessionID: "sess-a", Timeout: "1"})
	require.NoError(t, err)

	payload, err := b.Wait(ctx, sig.SignalID, 0, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, payload)

	got, err := b.Get(ctx, sig.SignalID)
	require.NoError(t, err)
	assert.Equal(t, schema.SignalStatusTimeout, got.Status)
}

func TestWait_CancelledReturnsNil(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sig, err := b.Register(ctx, RegisterParams{SignalName: "reply", SessionID: "sess-a", Timeout: "30s"})
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _ = b.Cancel(ctx, sig.SignalID, "superseded")
	}()

	payload, err := b.Wait(ctx, sig.SignalID, 10*time.Second, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestWait_ContextCancelLeavesRowWaiting(t *testing.T) {
	b, _ := newTestBus(t)

	sig, err := b.Register(context.Background(), RegisterParams{SignalName: "reply", SessionID: "sess-a", Timeout: "30s"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = b.Wait(ctx, sig.SignalID, 0, 50*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := b.Get(context.Background(), sig.SignalID)
	require.NoError(t, err)
	assert.Equal(t, schema.SignalStatusWaiting, got.Status)
}

func TestList(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	_, err := b.Register(ctx, RegisterParams{SignalName: "data_ready", SessionID: "sess-a", Timeout: "30s"})
	require.NoError(t, err)
	sig, err := b.Register(ctx, RegisterParams{SignalName: "data_ready", SessionID: "sess-b", Timeout: "30s"})
	require.NoError(t, err)
	_, err = b.Cancel(ctx, sig.SignalID, "")
	require.NoError(t, err)

	waiting := schema.SignalStatusWaiting
	got, err := b.List(ctx, store.SignalFilter{SignalName: "data_ready", Status: &waiting})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sess-a", got[0].SessionID)
}

func TestDataReadyEndToEnd(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	sigA, err := b.Register(ctx, RegisterParams{SignalName: "data_ready", SessionID: "sess-a", Timeout: "30s"})
	require.NoError(t, err)
	sigB, err := b.Register(ctx, RegisterParams{SignalName: "data_ready", SessionID: "sess-b", Timeout: "30s"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 2)
	errs := make([]error, 2)
	for i, id := range []string{sigA.SignalID, sigB.SignalID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = b.Wait(ctx, id, 10*time.Second, 100*time.Millisecond)
		}()
	}

	time.Sleep(150 * time.Millisecond)
	count, err := b.Fire(ctx, "data_ready", json.RawMessage(`{"rows":1000}`), "etl", "")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		assert.JSONEq(t, `{"rows":1000}`, string(results[i]))
	}
}

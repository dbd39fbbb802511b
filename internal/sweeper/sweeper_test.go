package sweeper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCleaner satisfies ZombieCleaner for sweeper tests.
type mockCleaner struct {
	mu     sync.Mutex
	calls  int
	counts []int
}

func (m *mockCleaner) CleanupZombies(_ context.Context, _ time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.counts) == 0 {
		return 0, nil
	}
	n := m.counts[0]
	m.counts = m.counts[1:]
	return n, nil
}

func (m *mockCleaner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewSweeper_Schedules(t *testing.T) {
	s, err := NewSweeper(&mockCleaner{}, nil, testLogger(), Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultGracePeriod, s.gracePeriod)

	_, err = NewSweeper(&mockCleaner{}, nil, testLogger(), Options{SweepSchedule: "not a cron"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep schedule")

	_, err = NewSweeper(&mockCleaner{}, nil, testLogger(), Options{VacuumSchedule: "61 * * * *"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vacuum schedule")
}

func TestSweep(t *testing.T) {
	cleaner := &mockCleaner{counts: []int{3}}
	s, err := NewSweeper(cleaner, nil, testLogger(), Options{GracePeriod: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, 3, s.Sweep(context.Background()))
	assert.Equal(t, 0, s.Sweep(context.Background()))
	assert.Equal(t, 2, cleaner.callCount())
}

func TestStartStop(t *testing.T) {
	cleaner := &mockCleaner{}
	s, err := NewSweeper(cleaner, nil, testLogger(), Options{})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	// The startup pass runs before the first scheduled tick.
	assert.Eventually(t, func() bool { return cleaner.callCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	// Restartable after a clean stop.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}

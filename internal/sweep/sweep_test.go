package sweep_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdgate/internal/domain"
	"cmdgate/internal/sweep"
)

type fakeExpirer struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
	out   []domain.ApprovalRequest
}

func (f *fakeExpirer) SweepExpiredApprovals(_ context.Context, now time.Time) ([]domain.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.out, f.err
}

func (f *fakeExpirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestRunOncePassesClock(t *testing.T) {
	at := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	f := &fakeExpirer{out: []domain.ApprovalRequest{{ID: "r-1"}, {ID: "r-2"}}}
	s := sweep.Sweeper{Expirer: f, Log: zerolog.Nop(), Now: func() time.Time { return at }}

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, f.calls, 1)
	assert.Equal(t, at, f.calls[0])
}

func TestRunOnceReturnsError(t *testing.T) {
	f := &fakeExpirer{err: errors.New("db locked")}
	_, err := sweep.Sweeper{Expirer: f, Log: zerolog.Nop()}.RunOnce(context.Background())
	require.Error(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	f := &fakeExpirer{err: errors.New("transient")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sweep.Sweeper{Expirer: f, Interval: 5 * time.Millisecond, Log: zerolog.Nop()}.Run(ctx)
	}()
	require.Eventually(t, func() bool { return f.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func TestCleanupWorker_DeleteExpiredInBatches(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	repo := memory.NewIdempotencyRepository(clk)

	for i := 0; i < 5; i++ {
		_, err := repo.CreateProcessing(fmt.Sprintf("expired-%d", i), "hash", now.Add(-time.Minute))
		require.NoError(t, err)
	}
	_, err := repo.CreateProcessing("live", "hash", now.Add(time.Hour))
	require.NoError(t, err)

	worker := NewCleanupWorker(repo, WithBatchSize(2), WithClock(clk))
	deleted, err := worker.DeleteExpired(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Equal(t, 5, deleted)

	_, err = repo.Get("live")
	require.NoError(t, err)
	_, err = repo.Get("expired-0")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestCleanupWorker_DeleteExpiredError(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{deleteErrors: []error{errors.New("boom")}}
	worker := NewCleanupWorker(repo, WithBatchSize(10))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	require.Error(t, err)
	require.Zero(t, deleted)
}

func TestCleanupWorker_DeleteExpiredStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{deleteResults: []int{10, 10, 10}}
	worker := NewCleanupWorker(repo, WithBatchSize(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := worker.DeleteExpired(ctx, time.Now().UTC())
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, repo.calls())
}

func TestCleanupWorker_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubCleanupRepo{}
	worker := NewCleanupWorker(repo, WithInterval(5*time.Millisecond), WithBatchSize(10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
	require.Positive(t, repo.calls())
}

type stubCleanupRepo struct {
	domain.IdempotencyRepository

	mu            sync.Mutex
	deleteResults []int
	deleteErrors  []error
	callCount     int
}

func (s *stubCleanupRepo) DeleteExpired(time.Time, int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if len(s.deleteErrors) > 0 {
		err := s.deleteErrors[0]
		s.deleteErrors = s.deleteErrors[1:]
		return 0, err
	}
	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	result := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return result, nil
}

func (s *stubCleanupRepo) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

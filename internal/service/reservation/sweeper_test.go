package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var _ domain.ReservationRepository = (*stubSweepRepo)(nil)

func TestSweeper_DeleteExpired_Batches(t *testing.T) {
	t.Parallel()

	repo := &stubSweepRepo{deleteResults: []int{2, 2, 1}}
	sweeper := NewSweeper(repo, WithSweepBatchSize(2))

	deleted, err := sweeper.DeleteExpired(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if deleted != 5 {
		t.Fatalf("unexpected deleted total: got=%d want=5", deleted)
	}
	if calls := repo.calls(); calls != 3 {
		t.Fatalf("unexpected delete calls: got=%d want=3", calls)
	}
}

func TestSweeper_DeleteExpired_Error(t *testing.T) {
	t.Parallel()

	repo := &stubSweepRepo{deleteErrors: []error{errors.New("boom")}}
	sweeper := NewSweeper(repo, WithSweepBatchSize(10))

	deleted, err := sweeper.DeleteExpired(context.Background(), time.Now().UTC())
	if err == nil {
		t.Fatal("expected DeleteExpired error")
	}
	if deleted != 0 {
		t.Fatalf("unexpected deleted total: got=%d want=0", deleted)
	}
}

func TestSweeper_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubSweepRepo{}
	sweeper := NewSweeper(repo, WithSweepInterval(5*time.Millisecond), WithSweepBatchSize(10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
	if calls := repo.calls(); calls == 0 {
		t.Fatal("expected sweep to be called at least once")
	}
}

type stubSweepRepo struct {
	mu sync.Mutex

	deleteResults []int
	deleteErrors  []error
	callCount     int
}

func (s *stubSweepRepo) WithinTx(context.Context, func(domain.ReservationTx) error) error {
	panic("not implemented")
}

func (s *stubSweepRepo) DeleteExpired(_ context.Context, _ time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++

	if len(s.deleteErrors) > 0 {
		err := s.deleteErrors[0]
		s.deleteErrors = s.deleteErrors[1:]
		if err != nil {
			return 0, err
		}
	}

	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	result := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return result, nil
}

func (s *stubSweepRepo) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

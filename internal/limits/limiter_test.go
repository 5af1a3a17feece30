package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/castellanbot/castellan/internal/models"
)

func TestUserLimiter_AdmitsUpToCapacity(t *testing.T) {
	l := NewUserLimiter(2, time.Second)
	ctx := context.Background()

	pos1, rel1, err := l.Acquire(ctx, 1)
	if err != nil || pos1 != 0 {
		t.Fatalf("first acquire: pos=%d err=%v", pos1, err)
	}
	pos2, rel2, err := l.Acquire(ctx, 1)
	if err != nil || pos2 != 0 {
		t.Fatalf("second acquire: pos=%d err=%v", pos2, err)
	}
	if got := l.InFlight(1); got != 2 {
		t.Errorf("in flight = %d, want 2", got)
	}

	rel1()
	rel2()
	if got := l.InFlight(1); got != 0 {
		t.Errorf("in flight after release = %d, want 0", got)
	}
}

func TestUserLimiter_ThirdWaiterTimesOut(t *testing.T) {
	l := NewUserLimiter(2, 30*time.Millisecond)
	ctx := context.Background()

	_, rel1, _ := l.Acquire(ctx, 1)
	_, rel2, _ := l.Acquire(ctx, 1)
	defer rel1()
	defer rel2()

	pos, rel, err := l.Acquire(ctx, 1)
	if err == nil {
		rel()
		t.Fatal("expected timeout for third concurrent acquire")
	}
	var limitErr *ErrLimitExceeded
	if !errors.As(err, &limitErr) {
		t.Fatalf("error type = %T, want *ErrLimitExceeded", err)
	}
	if limitErr.UserID != 1 || pos != 1 {
		t.Errorf("limit error = %+v, pos = %d", limitErr, pos)
	}
}

func TestUserLimiter_WaiterAdmittedOnRelease(t *testing.T) {
	l := NewUserLimiter(1, time.Second)
	ctx := context.Background()

	_, rel1, _ := l.Acquire(ctx, 1)

	admitted := make(chan func(), 1)
	go func() {
		_, rel, err := l.Acquire(ctx, 1)
		if err != nil {
			t.Errorf("queued acquire failed: %v", err)
			return
		}
		admitted <- rel
	}()

	time.Sleep(20 * time.Millisecond)
	rel1()

	select {
	case rel := <-admitted:
		rel()
	case <-time.After(time.Second):
		t.Fatal("queued waiter was never admitted")
	}
}

func TestUserLimiter_UsersAreIndependent(t *testing.T) {
	l := NewUserLimiter(1, 20*time.Millisecond)
	ctx := context.Background()

	_, rel1, _ := l.Acquire(ctx, 1)
	defer rel1()

	if _, rel2, err := l.Acquire(ctx, 2); err != nil {
		t.Fatalf("other user's acquire blocked: %v", err)
	} else {
		rel2()
	}
}

func TestGenerationTracker_CancelSignalsActiveTurn(t *testing.T) {
	tr := NewGenerationTracker()
	key := models.ThreadKey{ChatID: 1, UserID: 2}

	g := tr.Start(key)
	if g.Cancelled() {
		t.Fatal("fresh generation must not be cancelled")
	}

	if !tr.Cancel(key) {
		t.Fatal("cancel should find the active generation")
	}
	if !g.Cancelled() {
		t.Error("generation not signalled after cancel")
	}

	select {
	case <-g.Done():
	default:
		t.Error("done channel not closed after cancel")
	}
}

func TestGenerationTracker_StartReplacesPrevious(t *testing.T) {
	tr := NewGenerationTracker()
	key := models.ThreadKey{ChatID: 1, UserID: 2}

	old := tr.Start(key)
	fresh := tr.Start(key)

	tr.Cancel(key)
	if old.Cancelled() {
		t.Error("cancel must target the replacement, not the orphaned turn")
	}
	if !fresh.Cancelled() {
		t.Error("replacement generation not cancelled")
	}
}

func TestGenerationTracker_CleanupOnlyRemovesOwnEntry(t *testing.T) {
	tr := NewGenerationTracker()
	key := models.ThreadKey{ChatID: 1, UserID: 2}

	old := tr.Start(key)
	fresh := tr.Start(key)

	// The orphaned turn finishing must not evict the newer registration.
	tr.Cleanup(key, old)
	if !tr.Cancel(key) {
		t.Fatal("newer generation was evicted by stale cleanup")
	}
	if !fresh.Cancelled() {
		t.Error("newer generation not cancelled")
	}

	tr.Cleanup(key, fresh)
	if tr.Cancel(key) {
		t.Error("cancel should find nothing after cleanup")
	}
}

func TestGenerationTracker_CancelWithoutActiveTurn(t *testing.T) {
	tr := NewGenerationTracker()
	if tr.Cancel(models.ThreadKey{ChatID: 9}) {
		t.Error("cancel on idle thread should report false")
	}
}

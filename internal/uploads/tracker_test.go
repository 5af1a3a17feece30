package uploads

import (
	"context"
	"testing"
	"time"
)

func TestTracker_WaitReturnsImmediatelyWhenIdle(t *testing.T) {
	tr := NewTracker()
	if !tr.WaitForUploads(context.Background(), 1, time.Second) {
		t.Error("wait on idle chat should succeed immediately")
	}
}

func TestTracker_WaitBlocksUntilDrain(t *testing.T) {
	tr := NewTracker()
	tr.StartUpload(1)
	tr.StartUpload(1)

	done := make(chan bool, 1)
	go func() {
		done <- tr.WaitForUploads(context.Background(), 1, 2*time.Second)
	}()

	tr.FinishUpload(1)
	select {
	case <-done:
		t.Fatal("wait returned before all uploads finished")
	case <-time.After(50 * time.Millisecond):
	}

	tr.FinishUpload(1)
	select {
	case ok := <-done:
		if !ok {
			t.Error("wait should report drain, not timeout")
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after drain")
	}

	if got := tr.Pending(1); got != 0 {
		t.Errorf("pending after drain = %d, want 0", got)
	}
}

func TestTracker_WaitTimesOut(t *testing.T) {
	tr := NewTracker()
	tr.StartUpload(7)

	start := time.Now()
	if tr.WaitForUploads(context.Background(), 7, 20*time.Millisecond) {
		t.Error("wait should time out while an upload is pending")
	}
	if time.Since(start) > time.Second {
		t.Error("timeout took far too long")
	}
}

func TestTracker_ChatsAreIndependent(t *testing.T) {
	tr := NewTracker()
	tr.StartUpload(1)

	if !tr.WaitForUploads(context.Background(), 2, 10*time.Millisecond) {
		t.Error("uploads in one chat must not block another")
	}
}

func TestTracker_FinishWithoutStartIsNoop(t *testing.T) {
	tr := NewTracker()
	tr.FinishUpload(99)
	if got := tr.Pending(99); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

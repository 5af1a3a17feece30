// Package uploads tracks in-flight media uploads per chat so batch
// processing can wait for attachments before calling the model.
package uploads

import (
	"context"
	"sync"
	"time"
)

// Tracker counts pending uploads per chat and signals drain. The key is
// the external chat id, which is known before any database work.
type Tracker struct {
	mu      sync.Mutex
	pending map[int64]*chatState
}

type chatState struct {
	count int
	done  chan struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[int64]*chatState)}
}

// StartUpload registers one in-flight upload for the chat.
func (t *Tracker) StartUpload(chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.pending[chatID]
	if !ok || isClosed(st.done) {
		st = &chatState{done: make(chan struct{})}
		t.pending[chatID] = st
	}
	st.count++
}

// FinishUpload marks one upload complete. When the count reaches zero the
// drain signal fires and the chat entry is removed.
func (t *Tracker) FinishUpload(chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.pending[chatID]
	if !ok {
		return
	}
	st.count--
	if st.count <= 0 {
		close(st.done)
		delete(t.pending, chatID)
	}
}

// Pending returns the in-flight upload count for a chat.
func (t *Tracker) Pending(chatID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.pending[chatID]; ok {
		return st.count
	}
	return 0
}

// WaitForUploads blocks until all in-flight uploads for the chat complete,
// the timeout elapses, or ctx is done. Returns true on drain; false means
// the caller should proceed without the tardy upload.
func (t *Tracker) WaitForUploads(ctx context.Context, chatID int64, timeout time.Duration) bool {
	t.mu.Lock()
	st, ok := t.pending[chatID]
	t.mu.Unlock()
	if !ok {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-st.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

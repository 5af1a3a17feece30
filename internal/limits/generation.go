package limits

import (
	"sync"

	"github.com/castellanbot/castellan/internal/models"
)

// Generation is the cancellation signal for one running turn. The turn loop
// polls Cancelled between streaming reads and before tool dispatch.
type Generation struct {
	done chan struct{}
	once sync.Once
}

// Cancelled reports whether the generation was cancelled.
func (g *Generation) Cancelled() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Done exposes the cancellation channel for select loops.
func (g *Generation) Done() <-chan struct{} {
	return g.done
}

func (g *Generation) cancel() {
	g.once.Do(func() { close(g.done) })
}

// GenerationTracker maps conversation threads to their active generation
// signal. Starting a new generation replaces (and orphans) any previous one
// for the same thread.
type GenerationTracker struct {
	mu     sync.Mutex
	active map[models.ThreadKey]*Generation
}

// NewGenerationTracker creates an empty tracker.
func NewGenerationTracker() *GenerationTracker {
	return &GenerationTracker{active: make(map[models.ThreadKey]*Generation)}
}

// Start registers a fresh generation for the thread and returns it.
func (t *GenerationTracker) Start(key models.ThreadKey) *Generation {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := &Generation{done: make(chan struct{})}
	t.active[key] = g
	return g
}

// Cancel signals the active generation for the thread, if any. Returns
// whether a generation was running.
func (t *GenerationTracker) Cancel(key models.ThreadKey) bool {
	t.mu.Lock()
	g, ok := t.active[key]
	t.mu.Unlock()
	if !ok {
		return false
	}
	g.cancel()
	return true
}

// Cleanup removes the tracker entry for a finished generation. Only the
// generation that registered the entry is removed; a replacement started by
// a newer turn stays.
func (t *GenerationTracker) Cleanup(key models.ThreadKey, g *Generation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.active[key]; ok && current == g {
		delete(t.active, key)
	}
}

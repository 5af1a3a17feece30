// Package batch accumulates inbound messages per conversation thread and
// hands them to the processing callback in debounced batches.
//
// A batch forms when a thread goes quiet for the debounce window (messages
// split across several updates land in one batch). Batches for the same
// thread never overlap: while one is processing, new messages buffer and
// become an immediate follow-on batch when the current one finishes.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/castellanbot/castellan/internal/models"
	"github.com/castellanbot/castellan/internal/observability"
)

// DefaultDebounce is the idle window before a buffered batch is processed.
const DefaultDebounce = 200 * time.Millisecond

// ProcessFunc handles one batch of messages for a thread. An error triggers
// exactly one retry with the same batch.
type ProcessFunc func(ctx context.Context, key models.ThreadKey, msgs []*models.InboundMessage) error

type threadState struct {
	buffer     []*models.InboundMessage
	processing bool
	timer      *time.Timer
}

// Manager owns the per-thread buffers and debounce timers.
type Manager struct {
	mu      sync.Mutex
	threads map[models.ThreadKey]*threadState
	stopped bool
	wg      sync.WaitGroup

	debounce time.Duration
	process  ProcessFunc
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewManager creates a manager that invokes process for each batch.
func NewManager(debounce time.Duration, process ProcessFunc, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Manager{
		threads:  make(map[models.ThreadKey]*threadState),
		debounce: debounce,
		process:  process,
		logger:   logger,
		metrics:  metrics,
	}
}

// Add buffers a message for its thread.
//
// While the thread's current batch is processing the message only buffers;
// the running batch re-enters on completion and picks it up. Otherwise the
// debounce timer restarts so rapid-fire parts coalesce.
func (m *Manager) Add(msg *models.InboundMessage) {
	key := models.ThreadKey{ChatID: msg.Chat.ID, UserID: msg.UserID, TopicID: msg.TopicID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	st, ok := m.threads[key]
	if !ok {
		st = &threadState{}
		m.threads[key] = st
	}
	st.buffer = append(st.buffer, msg)

	if st.processing {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(m.debounce, func() {
		m.fire(key)
	})
}

// fire snapshots the buffer when the debounce timer expires and starts the
// processing goroutine.
func (m *Manager) fire(key models.ThreadKey) {
	m.mu.Lock()
	st, ok := m.threads[key]
	if !ok || m.stopped || st.processing || len(st.buffer) == 0 {
		m.mu.Unlock()
		return
	}
	snapshot := st.buffer
	st.buffer = nil
	st.timer = nil
	st.processing = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.processBatch(key, snapshot)
}

// processBatch runs the callback for one snapshot, retrying once on error.
// Afterwards it clears the processing flag and, when messages buffered in
// the meantime, immediately launches a follow-on batch.
func (m *Manager) processBatch(key models.ThreadKey, msgs []*models.InboundMessage) {
	defer m.wg.Done()
	ctx := context.Background()

	if m.metrics != nil {
		m.metrics.BatchSize.Observe(float64(len(msgs)))
	}

	if err := m.process(ctx, key, msgs); err != nil {
		m.logger.Warn(ctx, "batch processing failed, retrying once",
			"chat_id", key.ChatID, "user_id", key.UserID, "batch_size", len(msgs), "error", err.Error())
		if err := m.process(ctx, key, msgs); err != nil {
			m.logger.Error(ctx, "batch processing failed after retry",
				"chat_id", key.ChatID, "user_id", key.UserID, "batch_size", len(msgs), "error", err.Error())
		}
	}

	m.mu.Lock()
	st, ok := m.threads[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.processing = false
	if len(st.buffer) == 0 {
		// Nothing queued; drop the idle thread entry.
		delete(m.threads, key)
		m.mu.Unlock()
		return
	}
	if m.stopped {
		m.mu.Unlock()
		return
	}
	followOn := st.buffer
	st.buffer = nil
	st.processing = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.processBatch(key, followOn)
}

// Pending returns the buffered message count for a thread.
func (m *Manager) Pending(key models.ThreadKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.threads[key]; ok {
		return len(st.buffer)
	}
	return 0
}

// Stop cancels pending timers and waits for in-flight batches to finish.
// Buffered but unfired messages are dropped.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	for _, st := range m.threads {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
}

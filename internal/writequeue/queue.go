// Package writequeue implements the write-behind path: database mutations
// are enqueued as JSON jobs on a Redis list and applied in batched
// transactions by a periodic flush. Failed batches move to a dead-letter
// list that is replayed while entries are fresh.
//
// Delivery into the database is at-least-once; every applied operation must
// be idempotent (composite primary keys, upsert semantics).
package writequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/castellanbot/castellan/internal/cache"
	"github.com/castellanbot/castellan/internal/observability"
)

// Entry is one queued mutation. Kind selects the applier branch; Data is
// the operation payload. Retry metadata is only present on dead-lettered
// entries and is stripped on replay.
type Entry struct {
	Kind       string          `json:"kind"`
	Data       json.RawMessage `json:"data"`
	QueuedAt   time.Time       `json:"queued_at"`
	RetryCount int             `json:"retry_count,omitempty"`
	RetryAfter *time.Time      `json:"retry_after,omitempty"`
}

// Applier applies one flush batch to the database in a single transaction.
// Payloads are grouped by kind and preserve queue order within each kind.
type Applier interface {
	ApplyBatch(ctx context.Context, groups map[string][]json.RawMessage) error
}

// listStore is the subset of the cache client the queue needs. Narrowed
// for testability.
type listStore interface {
	RPush(ctx context.Context, key string, vals ...any) bool
	LPopCount(ctx context.Context, key string, n int) ([]string, bool)
	LLen(ctx context.Context, key string) int64
}

var _ listStore = (*cache.Client)(nil)

// Config tunes the queue.
type Config struct {
	// BaseBatchSize is the flush batch size at low queue depth. Default 100.
	BaseBatchSize int

	// MaxBatchSize caps the depth-scaled batch size. Default 1000.
	MaxBatchSize int

	// DLQMaxAge is the replay cutoff: older dead-letter entries are
	// discarded with a warning. Default 24h.
	DLQMaxAge time.Duration

	// FlushSpec and ReplaySpec are cron schedules for the background
	// drivers. Defaults: every 5s / every 1m.
	FlushSpec  string
	ReplaySpec string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseBatchSize <= 0 {
		out.BaseBatchSize = 100
	}
	if out.MaxBatchSize < out.BaseBatchSize {
		out.MaxBatchSize = 1000
	}
	if out.DLQMaxAge <= 0 {
		out.DLQMaxAge = 24 * time.Hour
	}
	if out.FlushSpec == "" {
		out.FlushSpec = "@every 5s"
	}
	if out.ReplaySpec == "" {
		out.ReplaySpec = "@every 1m"
	}
	return out
}

// Queue is the write-behind queue driver.
type Queue struct {
	store   listStore
	applier Applier
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates a queue over the given list store and applier.
func New(store listStore, applier Applier, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Queue {
	return &Queue{
		store:   store,
		applier: applier,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Enqueue appends a mutation to the queue. When the cache is unavailable
// the write is skipped with a warning; durable state is reconstructible
// from the next synchronous commit.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		q.logger.Error(ctx, "write queue payload not serializable", "kind", kind, "error", err.Error())
		return
	}
	entry := Entry{Kind: kind, Data: data, QueuedAt: q.now().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		q.logger.Error(ctx, "write queue entry not serializable", "kind", kind, "error", err.Error())
		return
	}
	if !q.store.RPush(ctx, cache.WriteQueueKey, string(raw)) {
		q.logger.Warn(ctx, "write queue unavailable, skipping enqueue", "kind", kind)
	}
}

// Flush pops one batch and applies it in a single transaction. On failure
// the whole batch moves to the dead-letter list with incremented retry
// counts.
func (q *Queue) Flush(ctx context.Context) error {
	depth := q.store.LLen(ctx, cache.WriteQueueKey)
	if q.metrics != nil {
		q.metrics.WriteQueueDepth.Set(float64(depth))
	}
	if depth == 0 {
		q.flushOutcome("empty")
		return nil
	}

	raws, ok := q.store.LPopCount(ctx, cache.WriteQueueKey, q.batchSize(depth))
	if !ok {
		q.flushOutcome("error")
		return fmt.Errorf("write queue unavailable")
	}
	if len(raws) == 0 {
		q.flushOutcome("empty")
		return nil
	}

	entries := make([]Entry, 0, len(raws))
	groups := make(map[string][]json.RawMessage)
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			q.logger.Warn(ctx, "discarding malformed write queue entry", "error", err.Error())
			continue
		}
		entries = append(entries, e)
		groups[e.Kind] = append(groups[e.Kind], e.Data)
	}
	if len(groups) == 0 {
		q.flushOutcome("empty")
		return nil
	}

	if err := q.applier.ApplyBatch(ctx, groups); err != nil {
		q.deadLetter(ctx, entries)
		q.flushOutcome("error")
		return fmt.Errorf("apply write batch: %w", err)
	}

	q.flushOutcome("ok")
	return nil
}

// batchSize grows with queue depth so a backlog drains in fewer round
// trips without unbounded transactions.
func (q *Queue) batchSize(depth int64) int {
	size := q.cfg.BaseBatchSize
	if depth > int64(q.cfg.BaseBatchSize*10) {
		size = q.cfg.BaseBatchSize * 5
	}
	if size > q.cfg.MaxBatchSize {
		size = q.cfg.MaxBatchSize
	}
	return size
}

func (q *Queue) deadLetter(ctx context.Context, entries []Entry) {
	retryAt := q.now().Add(time.Minute).UTC()
	for _, e := range entries {
		e.RetryCount++
		e.RetryAfter = &retryAt
		raw, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if !q.store.RPush(ctx, cache.DeadLetterKey, string(raw)) {
			q.logger.Warn(ctx, "dead-letter push failed, entry lost", "kind", e.Kind)
			continue
		}
		if q.metrics != nil {
			q.metrics.DLQEntries.WithLabelValues("deadletter").Inc()
		}
	}
}

// ReplayDLQ drains the dead-letter list. Fresh entries (younger than
// DLQMaxAge) are stripped of retry metadata and pushed back to the main
// queue; stale ones are discarded with a warning.
func (q *Queue) ReplayDLQ(ctx context.Context) {
	for {
		raws, ok := q.store.LPopCount(ctx, cache.DeadLetterKey, q.cfg.BaseBatchSize)
		if !ok || len(raws) == 0 {
			return
		}
		cutoff := q.now().Add(-q.cfg.DLQMaxAge)
		for _, raw := range raws {
			var e Entry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				q.logger.Warn(ctx, "discarding malformed dead-letter entry", "error", err.Error())
				continue
			}
			if e.QueuedAt.Before(cutoff) {
				q.logger.Warn(ctx, "discarding stale dead-letter entry",
					"kind", e.Kind, "queued_at", e.QueuedAt.Format(time.RFC3339), "retries", e.RetryCount)
				if q.metrics != nil {
					q.metrics.DLQEntries.WithLabelValues("discard").Inc()
				}
				continue
			}
			e.RetryCount = 0
			e.RetryAfter = nil
			replay, err := json.Marshal(e)
			if err != nil {
				continue
			}
			q.store.RPush(ctx, cache.WriteQueueKey, string(replay))
			if q.metrics != nil {
				q.metrics.DLQEntries.WithLabelValues("replay").Inc()
			}
		}
		if len(raws) < q.cfg.BaseBatchSize {
			return
		}
	}
}

// StartScheduler registers the flush and replay drivers on the given cron
// runner. The caller owns the runner's lifecycle.
func (q *Queue) StartScheduler(c *cron.Cron) error {
	if _, err := c.AddFunc(q.cfg.FlushSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := q.Flush(ctx); err != nil {
			q.logger.Warn(ctx, "write queue flush failed", "error", err.Error())
		}
	}); err != nil {
		return fmt.Errorf("schedule flush: %w", err)
	}
	if _, err := c.AddFunc(q.cfg.ReplaySpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		q.ReplayDLQ(ctx)
	}); err != nil {
		return fmt.Errorf("schedule dlq replay: %w", err)
	}
	return nil
}

func (q *Queue) flushOutcome(outcome string) {
	if q.metrics != nil {
		q.metrics.WriteQueueFlushes.WithLabelValues(outcome).Inc()
	}
}

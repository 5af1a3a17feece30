package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/castellanbot/castellan/internal/models"
)

// Write-behind queue kinds understood by the applier.
const (
	KindMessageUpsert  = "message_upsert"
	KindFileUpsert     = "file_upsert"
	KindToolCallInsert = "tool_call_insert"
)

// BatchApplier applies write-behind queue batches in a single transaction.
// All operations are idempotent (upsert semantics, composite keys), so
// at-least-once delivery from the queue is safe.
type BatchApplier struct {
	db *sql.DB
}

// NewBatchApplier creates the applier over the shared pool.
func NewBatchApplier(db *sql.DB) *BatchApplier {
	return &BatchApplier{db: db}
}

// ApplyBatch applies one flush batch, grouped by kind, atomically. An
// unknown kind fails the whole batch; those entries dead-letter and can be
// inspected rather than silently vanishing.
func (a *BatchApplier) ApplyBatch(ctx context.Context, groups map[string][]json.RawMessage) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for kind, payloads := range groups {
		for _, payload := range payloads {
			if err := a.applyOne(ctx, tx, kind, payload); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (a *BatchApplier) applyOne(ctx context.Context, tx *sql.Tx, kind string, payload json.RawMessage) error {
	switch kind {
	case KindMessageUpsert:
		var msg models.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return upsertMessage(ctx, tx, &msg)
	case KindFileUpsert:
		var file models.UserFile
		if err := json.Unmarshal(payload, &file); err != nil {
			return fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return upsertFile(ctx, tx, &file)
	case KindToolCallInsert:
		var rec models.ToolCallRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return insertToolCall(ctx, tx, &rec)
	default:
		return fmt.Errorf("unknown write queue kind %q", kind)
	}
}

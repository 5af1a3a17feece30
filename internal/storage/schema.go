package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is the full DDL, idempotent so migrate can run on every deploy.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            BIGINT PRIMARY KEY,
		display_name  TEXT NOT NULL DEFAULT '',
		language      TEXT NOT NULL DEFAULT 'en',
		balance       NUMERIC(12,4) NOT NULL DEFAULT 0,
		model_id      TEXT NOT NULL DEFAULT '',
		custom_prompt TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS balance_operations (
		id              TEXT PRIMARY KEY,
		user_id         BIGINT NOT NULL REFERENCES users(id),
		kind            TEXT NOT NULL,
		amount          NUMERIC(12,4) NOT NULL,
		balance_before  NUMERIC(12,4) NOT NULL,
		balance_after   NUMERIC(12,4) NOT NULL,
		related_payment TEXT,
		related_message BIGINT,
		admin_user      BIGINT,
		description     TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS balance_operations_user_idx
		ON balance_operations (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS chats (
		id       BIGINT PRIMARY KEY,
		kind     TEXT NOT NULL,
		is_forum BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS threads (
		id                 BIGSERIAL PRIMARY KEY,
		chat_id            BIGINT NOT NULL,
		user_id            BIGINT NOT NULL,
		topic_id           BIGINT NOT NULL DEFAULT 0,
		title              TEXT,
		files_context      TEXT,
		needs_topic_naming BOOLEAN NOT NULL DEFAULT TRUE,
		created_at         TIMESTAMPTZ NOT NULL,
		UNIQUE (chat_id, user_id, topic_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		chat_id     BIGINT NOT NULL,
		message_id  BIGINT NOT NULL,
		thread_id   BIGINT NOT NULL,
		role        TEXT NOT NULL,
		text        TEXT NOT NULL DEFAULT '',
		attachments TEXT[] NOT NULL DEFAULT '{}',
		usage       JSONB,
		thinking    JSONB,
		edit_count  INT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (chat_id, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS messages_thread_idx
		ON messages (thread_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS user_files (
		file_id      TEXT PRIMARY KEY,
		chat_file_id TEXT NOT NULL,
		chat_id      BIGINT NOT NULL,
		message_id   BIGINT NOT NULL,
		thread_id    BIGINT NOT NULL,
		kind         TEXT NOT NULL,
		mime         TEXT NOT NULL,
		size         BIGINT NOT NULL DEFAULT 0,
		filename     TEXT,
		expires_at   TIMESTAMPTZ NOT NULL,
		source       TEXT NOT NULL,
		metadata     JSONB,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS user_files_thread_idx
		ON user_files (thread_id, expires_at)`,
	`CREATE INDEX IF NOT EXISTS user_files_chat_file_idx
		ON user_files (chat_file_id)`,
	`CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		user_id     BIGINT NOT NULL,
		chat_id     BIGINT NOT NULL,
		thread_id   BIGINT,
		message_id  BIGINT,
		tool_name   TEXT NOT NULL,
		model_id    TEXT NOT NULL DEFAULT '',
		usage       JSONB,
		cost_usd    NUMERIC(12,4) NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		success     BOOLEAN NOT NULL,
		error       TEXT,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS tool_calls_user_idx
		ON tool_calls (user_id, created_at)`,
}

// Migrate applies the schema. Every statement is idempotent, so this runs
// unconditionally at startup and on the migrate subcommand.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}

// Package storage persists all durable state in Postgres: users, chats,
// threads, messages, files, tool calls, and the balance ledger. Cache state
// is ephemeral and reconstructible from here.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/castellanbot/castellan/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// UserStore persists users and their balance ledger. Balance mutations go
// through ApplyBalanceOperation, which must atomically write the ledger row
// and move the balance.
type UserStore interface {
	FindOrCreate(ctx context.Context, user *models.User) (*models.User, error)
	Get(ctx context.Context, userID int64) (*models.User, error)
	UpdateProfile(ctx context.Context, user *models.User) error
	ApplyBalanceOperation(ctx context.Context, op *models.BalanceOperation) error
	ListOperations(ctx context.Context, userID int64, limit int) ([]*models.BalanceOperation, error)
}

// ChatStore persists Telegram chats.
type ChatStore interface {
	Upsert(ctx context.Context, chat *models.Chat) error
	Get(ctx context.Context, chatID int64) (*models.Chat, error)
}

// ThreadStore persists conversation threads keyed by
// (chat_id, user_id, topic_id).
type ThreadStore interface {
	FindOrCreate(ctx context.Context, key models.ThreadKey) (*models.Thread, error)
	Get(ctx context.Context, threadID int64) (*models.Thread, error)
	SetTitle(ctx context.Context, threadID int64, title string) error
	SetFilesContext(ctx context.Context, threadID int64, filesContext string) error
}

// MessageStore persists messages under the (chat_id, message_id) composite
// key with upsert semantics, so write-behind replays are idempotent.
type MessageStore interface {
	Upsert(ctx context.Context, msg *models.Message) error
	ListByThread(ctx context.Context, threadID int64, limit int) ([]*models.Message, error)
	DeleteByThread(ctx context.Context, threadID int64) error
}

// FileStore persists provider file metadata.
type FileStore interface {
	Upsert(ctx context.Context, file *models.UserFile) error
	GetByFileID(ctx context.Context, fileID string) (*models.UserFile, error)
	GetByChatFileID(ctx context.Context, chatFileID string) (*models.UserFile, error)
	ListLiveByThread(ctx context.Context, threadID int64, now time.Time) ([]*models.UserFile, error)
}

// ToolCallStore persists tool execution accounting rows.
type ToolCallStore interface {
	Insert(ctx context.Context, rec *models.ToolCallRecord) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.ToolCallRecord, error)
}

// StoreSet groups the storage dependencies handed to the rest of the bot.
type StoreSet struct {
	Users     UserStore
	Chats     ChatStore
	Threads   ThreadStore
	Messages  MessageStore
	Files     FileStore
	ToolCalls ToolCallStore
	db        *sql.DB
	closer    func() error
}

// DB exposes the shared pool for components that need transactions, such
// as the write-behind batch applier.
func (s StoreSet) DB() *sql.DB {
	return s.db
}

// Close releases the underlying pool.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

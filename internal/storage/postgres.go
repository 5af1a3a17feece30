package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/castellanbot/castellan/internal/models"
)

// PoolConfig tunes the shared connection pool. The defaults are 5 base
// connections plus 10 overflow, recycled hourly.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPoolConfig returns the production pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    15,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStores opens the pool and returns the store set. The initial
// ping fails fast on misconfiguration.
func NewPostgresStores(dsn string, cfg PoolConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	return NewStoreSet(db), nil
}

// NewStoreSet wraps an existing pool. Used by tests with sqlmock.
func NewStoreSet(db *sql.DB) StoreSet {
	return StoreSet{
		Users:     &pgUserStore{db: db},
		Chats:     &pgChatStore{db: db},
		Threads:   &pgThreadStore{db: db},
		Messages:  &pgMessageStore{db: db},
		Files:     &pgFileStore{db: db},
		ToolCalls: &pgToolCallStore{db: db},
		db:        db,
		closer:    db.Close,
	}
}

type pgUserStore struct {
	db *sql.DB
}

func (s *pgUserStore) FindOrCreate(ctx context.Context, user *models.User) (*models.User, error) {
	if user == nil || user.ID == 0 {
		return nil, fmt.Errorf("user id is required")
	}
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, display_name, language, balance, model_id, custom_prompt, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = EXCLUDED.updated_at
		 RETURNING id, display_name, language, balance, model_id, custom_prompt, created_at, updated_at`,
		user.ID, user.DisplayName, user.Language, user.Balance, user.ModelID, user.CustomPrompt, now)
	return scanUser(row)
}

func (s *pgUserStore) Get(ctx context.Context, userID int64) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, language, balance, model_id, custom_prompt, created_at, updated_at
		 FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

func (s *pgUserStore) UpdateProfile(ctx context.Context, user *models.User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET display_name = $2, language = $3, model_id = $4, custom_prompt = $5, updated_at = $6
		 WHERE id = $1`,
		user.ID, user.DisplayName, user.Language, user.ModelID, user.CustomPrompt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update user %d: %w", user.ID, err)
	}
	return requireRow(res)
}

// ApplyBalanceOperation inserts the ledger row and moves the balance in one
// transaction. The balance update is guarded by the expected before value,
// so a concurrent mutation aborts the transaction instead of corrupting the
// ledger.
func (s *pgUserStore) ApplyBalanceOperation(ctx context.Context, op *models.BalanceOperation) error {
	if !op.Consistent() {
		return fmt.Errorf("balance operation %s violates before+amount==after", op.ID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin balance tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET balance = $2, updated_at = $3 WHERE id = $1 AND balance = $4`,
		op.UserID, op.BalanceAfter, time.Now().UTC(), op.BalanceBefore)
	if err != nil {
		return fmt.Errorf("update balance for user %d: %w", op.UserID, err)
	}
	if err := requireRow(res); err != nil {
		return fmt.Errorf("balance moved under operation %s: %w", op.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO balance_operations
		   (id, user_id, kind, amount, balance_before, balance_after, related_payment, related_message, admin_user, description, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		op.ID, op.UserID, op.Kind, op.Amount, op.BalanceBefore, op.BalanceAfter,
		nullString(op.RelatedPayment), nullInt(op.RelatedMessage), nullInt(op.AdminUser),
		op.Description, op.CreatedAt); err != nil {
		return fmt.Errorf("insert balance operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit balance operation: %w", err)
	}
	return nil
}

func (s *pgUserStore) ListOperations(ctx context.Context, userID int64, limit int) ([]*models.BalanceOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, amount, balance_before, balance_after, related_payment, related_message, admin_user, description, created_at
		 FROM balance_operations WHERE user_id = $1 ORDER BY created_at ASC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list balance operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.BalanceOperation
	for rows.Next() {
		var op models.BalanceOperation
		var relPayment sql.NullString
		var relMessage, adminUser sql.NullInt64
		if err := rows.Scan(&op.ID, &op.UserID, &op.Kind, &op.Amount, &op.BalanceBefore, &op.BalanceAfter,
			&relPayment, &relMessage, &adminUser, &op.Description, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan balance operation: %w", err)
		}
		op.RelatedPayment = relPayment.String
		op.RelatedMessage = relMessage.Int64
		op.AdminUser = adminUser.Int64
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var customPrompt sql.NullString
	err := row.Scan(&u.ID, &u.DisplayName, &u.Language, &u.Balance, &u.ModelID, &customPrompt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CustomPrompt = customPrompt.String
	return &u, nil
}

type pgChatStore struct {
	db *sql.DB
}

func (s *pgChatStore) Upsert(ctx context.Context, chat *models.Chat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, kind, is_forum) VALUES ($1,$2,$3)
		 ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, is_forum = EXCLUDED.is_forum`,
		chat.ID, chat.Kind, chat.IsForum)
	if err != nil {
		return fmt.Errorf("upsert chat %d: %w", chat.ID, err)
	}
	return nil
}

func (s *pgChatStore) Get(ctx context.Context, chatID int64) (*models.Chat, error) {
	var c models.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, is_forum FROM chats WHERE id = $1`, chatID).
		Scan(&c.ID, &c.Kind, &c.IsForum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %d: %w", chatID, err)
	}
	return &c, nil
}

type pgThreadStore struct {
	db *sql.DB
}

func (s *pgThreadStore) FindOrCreate(ctx context.Context, key models.ThreadKey) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO threads (chat_id, user_id, topic_id, needs_topic_naming, created_at)
		 VALUES ($1,$2,$3,true,$4)
		 ON CONFLICT (chat_id, user_id, topic_id) DO UPDATE SET chat_id = EXCLUDED.chat_id
		 RETURNING id, chat_id, user_id, topic_id, title, files_context, needs_topic_naming, created_at`,
		key.ChatID, key.UserID, key.TopicID, time.Now().UTC())
	return scanThread(row)
}

func (s *pgThreadStore) Get(ctx context.Context, threadID int64) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, user_id, topic_id, title, files_context, needs_topic_naming, created_at
		 FROM threads WHERE id = $1`, threadID)
	return scanThread(row)
}

func (s *pgThreadStore) SetTitle(ctx context.Context, threadID int64, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET title = $2, needs_topic_naming = false WHERE id = $1`, threadID, title)
	if err != nil {
		return fmt.Errorf("set thread %d title: %w", threadID, err)
	}
	return requireRow(res)
}

func (s *pgThreadStore) SetFilesContext(ctx context.Context, threadID int64, filesContext string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET files_context = $2 WHERE id = $1`, threadID, filesContext)
	if err != nil {
		return fmt.Errorf("set thread %d files context: %w", threadID, err)
	}
	return requireRow(res)
}

func scanThread(row *sql.Row) (*models.Thread, error) {
	var t models.Thread
	var title, filesContext sql.NullString
	err := row.Scan(&t.ID, &t.ChatID, &t.UserID, &t.TopicID, &title, &filesContext, &t.NeedsTopicNaming, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	t.Title = title.String
	t.FilesContext = filesContext.String
	return &t, nil
}

type pgMessageStore struct {
	db *sql.DB
}

func (s *pgMessageStore) Upsert(ctx context.Context, msg *models.Message) error {
	return upsertMessage(ctx, s.db, msg)
}

func upsertMessage(ctx context.Context, ex execer, msg *models.Message) error {
	usage, err := json.Marshal(msg.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO messages
		   (chat_id, message_id, thread_id, role, text, attachments, usage, thinking, edit_count, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (chat_id, message_id) DO UPDATE SET
		   text = EXCLUDED.text, attachments = EXCLUDED.attachments, usage = EXCLUDED.usage,
		   thinking = EXCLUDED.thinking, edit_count = messages.edit_count + 1`,
		msg.ChatID, msg.MessageID, msg.ThreadID, msg.Role, msg.Text,
		pq.Array(msg.Attachments), usage, nullBytes(msg.Thinking), msg.EditCount, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert message (%d,%d): %w", msg.ChatID, msg.MessageID, err)
	}
	return nil
}

func (s *pgMessageStore) ListByThread(ctx context.Context, threadID int64, limit int) ([]*models.Message, error) {
	// Newest rows first so the limit keeps the recent end of a long
	// thread; the result flips back to chronological order below.
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, message_id, thread_id, role, text, attachments, usage, thinking, edit_count, created_at
		 FROM messages WHERE thread_id = $1 ORDER BY created_at DESC, message_id DESC LIMIT $2`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages for thread %d: %w", threadID, err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var m models.Message
		var usage []byte
		var thinking []byte
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.ThreadID, &m.Role, &m.Text,
			pq.Array(&m.Attachments), &usage, &thinking, &m.EditCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(usage) > 0 {
			if err := json.Unmarshal(usage, &m.Usage); err != nil {
				return nil, fmt.Errorf("unmarshal usage for (%d,%d): %w", m.ChatID, m.MessageID, err)
			}
		}
		if len(thinking) > 0 {
			m.Thinking = json.RawMessage(thinking)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *pgMessageStore) DeleteByThread(ctx context.Context, threadID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("delete messages for thread %d: %w", threadID, err)
	}
	return nil
}

type pgFileStore struct {
	db *sql.DB
}

func (s *pgFileStore) Upsert(ctx context.Context, file *models.UserFile) error {
	return upsertFile(ctx, s.db, file)
}

func upsertFile(ctx context.Context, ex execer, file *models.UserFile) error {
	meta, err := json.Marshal(file.Metadata)
	if err != nil {
		return fmt.Errorf("marshal file metadata: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO user_files
		   (file_id, chat_file_id, chat_id, message_id, thread_id, kind, mime, size, filename, expires_at, source, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (file_id) DO UPDATE SET expires_at = EXCLUDED.expires_at, metadata = EXCLUDED.metadata`,
		file.FileID, file.ChatFileID, file.ChatID, file.MessageID, file.ThreadID,
		file.Kind, file.MIME, file.Size, file.Filename, file.ExpiresAt, file.Source, meta, file.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", file.FileID, err)
	}
	return nil
}

func (s *pgFileStore) GetByFileID(ctx context.Context, fileID string) (*models.UserFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT file_id, chat_file_id, chat_id, message_id, thread_id, kind, mime, size, filename, expires_at, source, metadata, created_at
		 FROM user_files WHERE file_id = $1`, fileID)
	return scanFile(row.Scan)
}

func (s *pgFileStore) GetByChatFileID(ctx context.Context, chatFileID string) (*models.UserFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT file_id, chat_file_id, chat_id, message_id, thread_id, kind, mime, size, filename, expires_at, source, metadata, created_at
		 FROM user_files WHERE chat_file_id = $1 ORDER BY created_at DESC LIMIT 1`, chatFileID)
	return scanFile(row.Scan)
}

func (s *pgFileStore) ListLiveByThread(ctx context.Context, threadID int64, now time.Time) ([]*models.UserFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, chat_file_id, chat_id, message_id, thread_id, kind, mime, size, filename, expires_at, source, metadata, created_at
		 FROM user_files WHERE thread_id = $1 AND expires_at > $2 ORDER BY created_at ASC`,
		threadID, now)
	if err != nil {
		return nil, fmt.Errorf("list live files for thread %d: %w", threadID, err)
	}
	defer rows.Close()

	var files []*models.UserFile
	for rows.Next() {
		f, err := scanFile(rows.Scan)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func scanFile(scan func(...any) error) (*models.UserFile, error) {
	var f models.UserFile
	var filename sql.NullString
	var meta []byte
	err := scan(&f.FileID, &f.ChatFileID, &f.ChatID, &f.MessageID, &f.ThreadID,
		&f.Kind, &f.MIME, &f.Size, &filename, &f.ExpiresAt, &f.Source, &meta, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	f.Filename = filename.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &f.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal file metadata: %w", err)
		}
	}
	return &f, nil
}

type pgToolCallStore struct {
	db *sql.DB
}

func (s *pgToolCallStore) Insert(ctx context.Context, rec *models.ToolCallRecord) error {
	return insertToolCall(ctx, s.db, rec)
}

func insertToolCall(ctx context.Context, ex execer, rec *models.ToolCallRecord) error {
	usage, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("marshal tool call usage: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO tool_calls
		   (id, user_id, chat_id, thread_id, message_id, tool_name, model_id, usage, cost_usd, duration_ms, success, error, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.UserID, rec.ChatID, nullInt(rec.ThreadID), nullInt(rec.MessageID),
		rec.ToolName, rec.ModelID, usage, rec.CostUSD, rec.DurationMS, rec.Success,
		nullString(rec.Error), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert tool call %s: %w", rec.ID, err)
	}
	return nil
}

func (s *pgToolCallStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, chat_id, thread_id, message_id, tool_name, model_id, usage, cost_usd, duration_ms, success, error, created_at
		 FROM tool_calls WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tool calls for user %d: %w", userID, err)
	}
	defer rows.Close()

	var recs []*models.ToolCallRecord
	for rows.Next() {
		var r models.ToolCallRecord
		var threadID, messageID sql.NullInt64
		var errMsg sql.NullString
		var usage []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.ChatID, &threadID, &messageID,
			&r.ToolName, &r.ModelID, &usage, &r.CostUSD, &r.DurationMS, &r.Success,
			&errMsg, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		r.ThreadID = threadID.Int64
		r.MessageID = messageID.Int64
		r.Error = errMsg.String
		if len(usage) > 0 {
			if err := json.Unmarshal(usage, &r.Usage); err != nil {
				return nil, fmt.Errorf("unmarshal tool call usage: %w", err)
			}
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

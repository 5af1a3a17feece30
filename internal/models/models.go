// Package models defines the core domain entities shared across the bot:
// users, chats, threads, messages, files, tool calls, and balance operations.
//
// Ownership is a forest rooted at User: a User owns Threads, a Thread owns
// Messages, and a Message owns UserFiles and ToolCalls. Cascade deletes in
// the database follow the same shape.
package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatKind mirrors Telegram's chat types.
type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

// User is a Telegram user known to the bot. Balance is fixed-point USD with
// four decimal places; every balance mutation must be accompanied by a
// BalanceOperation row satisfying before + amount == after.
type User struct {
	ID           int64           `json:"id"`
	DisplayName  string          `json:"display_name"`
	Language     string          `json:"language"`
	Balance      decimal.Decimal `json:"balance"`
	ModelID      string          `json:"model_id"`
	CustomPrompt string          `json:"custom_prompt,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Chat is a Telegram chat the bot participates in.
type Chat struct {
	ID      int64    `json:"id"`
	Kind    ChatKind `json:"kind"`
	IsForum bool     `json:"is_forum"`
}

// Thread is an internal conversation context, keyed by
// (chat_id, user_id, topic_id). TopicID is the external forum subthread id
// and is zero for non-forum chats.
type Thread struct {
	ID               int64     `json:"id"`
	ChatID           int64     `json:"chat_id"`
	UserID           int64     `json:"user_id"`
	TopicID          int64     `json:"topic_id"`
	Title            string    `json:"title,omitempty"`
	FilesContext     string    `json:"files_context,omitempty"`
	NeedsTopicNaming bool      `json:"needs_topic_naming"`
	CreatedAt        time.Time `json:"created_at"`
}

// Key returns the cache/grouping key for the thread triple. It is usable
// before the thread row exists in the database.
func (t *Thread) Key() ThreadKey {
	return ThreadKey{ChatID: t.ChatID, UserID: t.UserID, TopicID: t.TopicID}
}

// ThreadKey identifies a conversation before its internal id is known.
type ThreadKey struct {
	ChatID  int64
	UserID  int64
	TopicID int64
}

// TokenUsage holds per-request token counts as reported by the provider.
type TokenUsage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cache_read"`
	CacheWrite int `json:"cache_write"`
}

// Add accumulates usage from another request into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
}

// Message is a single message in a thread. The composite primary key is
// (chat_id, message_id). Messages are immutable once committed except for
// the edit fields.
type Message struct {
	ChatID      int64      `json:"chat_id"`
	MessageID   int64      `json:"message_id"`
	ThreadID    int64      `json:"thread_id"`
	Role        Role       `json:"role"`
	Text        string     `json:"text"`
	Attachments []string   `json:"attachments,omitempty"`
	Usage       TokenUsage `json:"usage"`
	// Thinking holds the provider's serialized thinking blocks verbatim.
	// It must be replayed byte-for-byte in continuation calls; the provider
	// rejects altered blocks.
	Thinking  json.RawMessage `json:"thinking,omitempty"`
	EditCount int             `json:"edit_count"`
	CreatedAt time.Time       `json:"created_at"`
}

// FileKind categorizes user files by how they are consumed.
type FileKind string

const (
	FileImage     FileKind = "image"
	FilePDF       FileKind = "pdf"
	FileAudio     FileKind = "audio"
	FileVideo     FileKind = "video"
	FileDocument  FileKind = "document"
	FileGenerated FileKind = "generated"
)

// FileSource records who produced a file.
type FileSource string

const (
	SourceUser      FileSource = "user"
	SourceAssistant FileSource = "assistant"
)

// UserFile is a media item uploaded to the provider's Files API. FileID is
// the provider-side id used in message content; ChatFileID is the Telegram
// file id used for retrieval. A file is live while now < ExpiresAt.
type UserFile struct {
	FileID     string            `json:"file_id"`
	ChatFileID string            `json:"chat_file_id"`
	ChatID     int64             `json:"chat_id"`
	MessageID  int64             `json:"message_id"`
	ThreadID   int64             `json:"thread_id"`
	Kind       FileKind          `json:"kind"`
	MIME       string            `json:"mime"`
	Size       int64             `json:"size"`
	Filename   string            `json:"filename,omitempty"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Source     FileSource        `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Live reports whether the provider-side file is still retrievable.
func (f *UserFile) Live(now time.Time) bool {
	return now.Before(f.ExpiresAt)
}

// ToolCallRecord is the persisted accounting row for a single tool
// execution inside a turn.
type ToolCallRecord struct {
	ID         string          `json:"id"`
	UserID     int64           `json:"user_id"`
	ChatID     int64           `json:"chat_id"`
	ThreadID   int64           `json:"thread_id,omitempty"`
	MessageID  int64           `json:"message_id,omitempty"`
	ToolName   string          `json:"tool_name"`
	ModelID    string          `json:"model_id"`
	Usage      TokenUsage      `json:"usage"`
	CostUSD    decimal.Decimal `json:"cost_usd"`
	DurationMS int64           `json:"duration_ms"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// BalanceOpKind classifies balance mutations.
type BalanceOpKind string

const (
	OpPayment    BalanceOpKind = "payment"
	OpUsage      BalanceOpKind = "usage"
	OpRefund     BalanceOpKind = "refund"
	OpAdminTopup BalanceOpKind = "admin_topup"
)

// BalanceOperation is the immutable ledger entry for a balance change.
// Invariant: BalanceBefore + Amount == BalanceAfter, and a user's balance
// must equal the sum of Amount over their operations in insertion order.
type BalanceOperation struct {
	ID             string          `json:"id"`
	UserID         int64           `json:"user_id"`
	Kind           BalanceOpKind   `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceBefore  decimal.Decimal `json:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	RelatedPayment string          `json:"related_payment,omitempty"`
	RelatedMessage int64           `json:"related_message,omitempty"`
	AdminUser      int64           `json:"admin_user,omitempty"`
	Description    string          `json:"description"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Consistent reports whether the ledger arithmetic holds for this entry.
func (op *BalanceOperation) Consistent() bool {
	return op.BalanceBefore.Add(op.Amount).Equal(op.BalanceAfter)
}

// InboundMessage is a Telegram message after transport decoding but before
// batching. It carries everything the pipeline needs without holding on to
// transport types.
type InboundMessage struct {
	Chat       Chat
	UserID     int64
	MessageID  int64
	TopicID    int64
	Text       string
	FileIDs    []string // provider file ids attached after upload
	ReceivedAt time.Time
}

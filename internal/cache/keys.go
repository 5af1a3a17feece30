package cache

import (
	"fmt"
	"time"
)

// Cache key builders and TTLs. Keys are opaque strings; every consumer goes
// through these helpers so the layout lives in one place.

const (
	UserTTL      = 60 * time.Second
	ThreadTTL    = 10 * time.Minute
	MessagesTTL  = 5 * time.Minute
	FilesTTL     = time.Hour
	FileBytesTTL = time.Hour
	SandboxTTL   = time.Hour
)

// WriteQueueKey is the list holding pending write-behind entries.
const WriteQueueKey = "write_queue"

// DeadLetterKey is the list holding failed write-behind entries.
const DeadLetterKey = "write_queue:dlq"

// UserKey caches a user row.
func UserKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// ThreadKey caches a thread lookup by its external triple. TopicID is 0 for
// non-forum chats.
func ThreadKey(chatID, userID, topicID int64) string {
	return fmt.Sprintf("thread:%d:%d:%d", chatID, userID, topicID)
}

// MessagesKey caches the recent history of a thread.
func MessagesKey(threadID int64) string {
	return fmt.Sprintf("messages:%d", threadID)
}

// FilesKey caches the live file listing of a thread.
func FilesKey(threadID int64) string {
	return fmt.Sprintf("files:%d", threadID)
}

// FileMetaKey caches file metadata by provider file id, bridging the gap
// until the write-behind flush lands the row in the database.
func FileMetaKey(providerID string) string {
	return fmt.Sprintf("file:meta:%s", providerID)
}

// FileBytesKey caches raw downloaded bytes by the transport file id.
func FileBytesKey(transportFileID string) string {
	return fmt.Sprintf("file:bytes:%s", transportFileID)
}

// SandboxKey caches sandbox session state for a thread.
func SandboxKey(threadID int64) string {
	return fmt.Sprintf("sandbox:%d", threadID)
}

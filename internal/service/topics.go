package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/castellanbot/castellan/internal/cache"
	"github.com/castellanbot/castellan/internal/models"
	"github.com/castellanbot/castellan/internal/provider"
)

// titleMaxLen keeps titles inside Telegram's 128-char topic name limit with
// room to spare.
const titleMaxLen = 64

// nameTopic titles a freshly created forum topic from the first exchange,
// using a cheap non-streaming call. Failures leave the topic unnamed; the
// next turn does not retry because the flag clears on first success.
func (s *Service) nameTopic(ctx context.Context, key models.ThreadKey, thread *models.Thread, userText, assistantText string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	prompt := fmt.Sprintf(
		"Write a title for this conversation in at most five words. Reply with the title only.\n\nUser: %s\n\nAssistant: %s",
		clip(userText, 500), clip(assistantText, 500))

	title, _, err := s.llm.Complete(ctx, provider.Request{
		Model: s.cfg.Pipeline.TopicNamingModel,
		Messages: []anthropic.BetaMessageParam{
			anthropic.NewBetaUserMessage(anthropic.NewBetaTextBlock(prompt)),
		},
		MaxTokens: 24,
	})
	if err != nil {
		s.logger.Warn(ctx, "topic naming call failed", "thread_id", thread.ID, "error", err.Error())
		return
	}
	title = sanitizeTitle(title)
	if title == "" {
		return
	}

	if err := s.messenger.RenameTopic(ctx, key.ChatID, key.TopicID, title); err != nil {
		s.logger.Warn(ctx, "topic rename failed", "thread_id", thread.ID, "error", err.Error())
		return
	}
	if err := s.stores.Threads.SetTitle(ctx, thread.ID, title); err != nil {
		s.logger.Warn(ctx, "topic title persist failed", "thread_id", thread.ID, "error", err.Error())
	}
	s.kv.Delete(ctx, cache.ThreadKey(key.ChatID, key.UserID, key.TopicID))
}

// sanitizeTitle strips quoting and newlines models like to add and caps the
// length on a rune boundary.
func sanitizeTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	runes := []rune(title)
	if len(runes) > titleMaxLen {
		title = string(runes[:titleMaxLen])
	}
	return strings.TrimSpace(title)
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

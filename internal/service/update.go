package service

import (
	"context"
	"strings"
	"time"

	tgmodels "github.com/go-telegram/bot/models"

	"github.com/castellanbot/castellan/internal/cache"
	"github.com/castellanbot/castellan/internal/files"
	"github.com/castellanbot/castellan/internal/models"
)

// HandleUpdate is the webhook/poller entry point for one Telegram update.
// It never blocks on the pipeline: media uploads run in the background and
// the message lands in its thread's debounce buffer immediately.
func (s *Service) HandleUpdate(ctx context.Context, update *tgmodels.Update) {
	if update == nil || update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message
	if msg.From.IsBot {
		return
	}

	chat := models.Chat{
		ID:      msg.Chat.ID,
		Kind:    models.ChatKind(msg.Chat.Type),
		IsForum: msg.Chat.IsForum,
	}
	var topicID int64
	if msg.IsTopicMessage {
		topicID = int64(msg.MessageThreadID)
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	if s.metrics != nil {
		s.metrics.MessageCounter.WithLabelValues("inbound", "text").Inc()
	}

	if strings.HasPrefix(text, "/") {
		s.handleCommand(ctx, chat, msg.From.ID, topicID, text)
		return
	}

	inbound := &models.InboundMessage{
		Chat:       chat,
		UserID:     msg.From.ID,
		MessageID:  int64(msg.ID),
		TopicID:    topicID,
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	}

	for _, item := range extractMedia(msg) {
		s.uploads.StartUpload(chat.ID)
		go s.ingestMedia(inbound, item)
	}

	s.batches.Add(inbound)
}

// mediaItem is one transport attachment before ingestion.
type mediaItem struct {
	chatFileID string
	filename   string
	mime       string
}

// extractMedia picks the attachments off a Telegram message. Photos come as
// a size ladder; the last entry is the largest.
func extractMedia(msg *tgmodels.Message) []mediaItem {
	var items []mediaItem
	if len(msg.Photo) > 0 {
		items = append(items, mediaItem{
			chatFileID: msg.Photo[len(msg.Photo)-1].FileID,
			filename:   "photo.jpg",
			mime:       "image/jpeg",
		})
	}
	if msg.Document != nil {
		items = append(items, mediaItem{
			chatFileID: msg.Document.FileID,
			filename:   msg.Document.FileName,
			mime:       msg.Document.MimeType,
		})
	}
	if msg.Voice != nil {
		items = append(items, mediaItem{
			chatFileID: msg.Voice.FileID,
			filename:   "voice.ogg",
			mime:       msg.Voice.MimeType,
		})
	}
	if msg.Audio != nil {
		items = append(items, mediaItem{
			chatFileID: msg.Audio.FileID,
			filename:   msg.Audio.FileName,
			mime:       msg.Audio.MimeType,
		})
	}
	if msg.Video != nil {
		items = append(items, mediaItem{
			chatFileID: msg.Video.FileID,
			filename:   msg.Video.FileName,
			mime:       msg.Video.MimeType,
		})
	}
	return items
}

// ingestMedia moves one attachment through the file pipeline and attaches
// the provider file id to the inbound message. The append happens under
// attachMu because a batch whose drain timeout fired may already be
// reading FileIDs.
func (s *Service) ingestMedia(inbound *models.InboundMessage, item mediaItem) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	defer s.uploads.FinishUpload(inbound.Chat.ID)

	key := models.ThreadKey{ChatID: inbound.Chat.ID, UserID: inbound.UserID, TopicID: inbound.TopicID}
	thread, err := s.warmThread(ctx, key)
	if err != nil {
		s.logger.Error(ctx, "thread resolution for upload failed",
			"chat_id", inbound.Chat.ID, "error", err.Error())
		return
	}

	file, err := s.pipeline.Ingest(ctx, files.Inbound{
		ChatFileID:   item.chatFileID,
		ChatID:       inbound.Chat.ID,
		MessageID:    inbound.MessageID,
		ThreadID:     thread.ID,
		Filename:     item.filename,
		DeclaredMIME: item.mime,
		Source:       models.SourceUser,
	})
	if err != nil {
		s.logger.Error(ctx, "media ingestion failed",
			"chat_id", inbound.Chat.ID, "file", item.filename, "error", err.Error())
		return
	}

	s.attachMu.Lock()
	inbound.FileIDs = append(inbound.FileIDs, file.FileID)
	s.attachMu.Unlock()
	s.kv.Delete(ctx, cache.FilesKey(thread.ID))
}

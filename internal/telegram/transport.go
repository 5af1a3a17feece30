package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/castellanbot/castellan/internal/display"
	"github.com/castellanbot/castellan/internal/observability"
)

// Transport is the outbound Telegram surface used by the pipeline. It
// implements display.Transport.
type Transport struct {
	client  BotClient
	http    *http.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

var _ display.Transport = (*Transport)(nil)

// NewTransport wraps a bot client.
func NewTransport(client BotClient, logger *observability.Logger, metrics *observability.Metrics) *Transport {
	return &Transport{
		client:  client,
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
		metrics: metrics,
	}
}

// SendMessage posts a new message and returns its id. topicID targets a
// forum subthread when non-zero.
func (t *Transport) SendMessage(ctx context.Context, chatID, topicID int64, text string, mode display.ParseMode) (int64, error) {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: tgmodels.ParseMode(mode),
	}
	if topicID != 0 {
		params.MessageThreadID = int(topicID)
	}
	msg, err := t.client.SendMessage(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("send message to chat %d: %w", chatID, err)
	}
	t.countOutbound("send")
	return int64(msg.ID), nil
}

// EditMessage updates a previously sent message. Telegram rejects edits
// that change nothing; that is a no-op here, not an error, because the
// streaming loop cannot cheaply know whether a render differs server-side.
func (t *Transport) EditMessage(ctx context.Context, chatID, messageID int64, text string, mode display.ParseMode) error {
	_, err := t.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: int(messageID),
		Text:      text,
		ParseMode: tgmodels.ParseMode(mode),
	})
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("edit message %d in chat %d: %w", messageID, chatID, err)
	}
	t.countOutbound("edit")
	return nil
}

// SendPhoto posts generated image bytes.
func (t *Transport) SendPhoto(ctx context.Context, chatID, topicID int64, filename string, data []byte) error {
	params := &bot.SendPhotoParams{
		ChatID: chatID,
		Photo:  &tgmodels.InputFileUpload{Filename: filename, Data: bytesReader(data)},
	}
	if topicID != 0 {
		params.MessageThreadID = int(topicID)
	}
	if _, err := t.client.SendPhoto(ctx, params); err != nil {
		return fmt.Errorf("send photo to chat %d: %w", chatID, err)
	}
	t.countOutbound("photo")
	return nil
}

// SendDocument posts generated file bytes.
func (t *Transport) SendDocument(ctx context.Context, chatID, topicID int64, filename string, data []byte) error {
	params := &bot.SendDocumentParams{
		ChatID:   chatID,
		Document: &tgmodels.InputFileUpload{Filename: filename, Data: bytesReader(data)},
	}
	if topicID != 0 {
		params.MessageThreadID = int(topicID)
	}
	if _, err := t.client.SendDocument(ctx, params); err != nil {
		return fmt.Errorf("send document to chat %d: %w", chatID, err)
	}
	t.countOutbound("document")
	return nil
}

// SendTyping refreshes the "typing..." indicator. Best-effort.
func (t *Transport) SendTyping(ctx context.Context, chatID int64) {
	_, err := t.client.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionTyping,
	})
	if err != nil {
		t.logger.Debug(ctx, "chat action failed", "chat_id", chatID, "error", err.Error())
	}
}

// RenameTopic sets a forum topic's title.
func (t *Transport) RenameTopic(ctx context.Context, chatID, topicID int64, title string) error {
	_, err := t.client.EditForumTopic(ctx, &bot.EditForumTopicParams{
		ChatID:          chatID,
		MessageThreadID: int(topicID),
		Name:            title,
	})
	if err != nil {
		return fmt.Errorf("rename topic %d in chat %d: %w", topicID, chatID, err)
	}
	return nil
}

// DownloadFile fetches media bytes by Telegram file id.
func (t *Transport) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	f, err := t.client.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.client.FileDownloadLink(f), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	res, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file %s: status %d", fileID, res.StatusCode)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read file %s body: %w", fileID, err)
	}
	return data, nil
}

func (t *Transport) countOutbound(kind string) {
	if t.metrics != nil {
		t.metrics.MessageCounter.WithLabelValues("outbound", kind).Inc()
	}
}

func bytesReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}

// Package telegram wraps the Telegram transport behind a narrow interface
// so the pipeline never touches bot types directly and tests can inject
// fakes.
package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// BotClient is the subset of bot.Bot the transport uses. It exists for
// mock injection in tests.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*tgmodels.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*tgmodels.Message, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*tgmodels.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	EditForumTopic(ctx context.Context, params *bot.EditForumTopicParams) (bool, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*tgmodels.File, error)
	FileDownloadLink(f *tgmodels.File) string
}

// realBotClient adapts *bot.Bot to BotClient.
type realBotClient struct {
	bot *bot.Bot
}

// NewBotClient wraps a connected bot.
func NewBotClient(b *bot.Bot) BotClient {
	return &realBotClient{bot: b}
}

func (r *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r *realBotClient) EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*tgmodels.Message, error) {
	return r.bot.EditMessageText(ctx, params)
}

func (r *realBotClient) SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*tgmodels.Message, error) {
	return r.bot.SendPhoto(ctx, params)
}

func (r *realBotClient) SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*tgmodels.Message, error) {
	return r.bot.SendDocument(ctx, params)
}

func (r *realBotClient) SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error) {
	return r.bot.SendChatAction(ctx, params)
}

func (r *realBotClient) EditForumTopic(ctx context.Context, params *bot.EditForumTopicParams) (bool, error) {
	return r.bot.EditForumTopic(ctx, params)
}

func (r *realBotClient) GetFile(ctx context.Context, params *bot.GetFileParams) (*tgmodels.File, error) {
	return r.bot.GetFile(ctx, params)
}

func (r *realBotClient) FileDownloadLink(f *tgmodels.File) string {
	return r.bot.FileDownloadLink(f)
}

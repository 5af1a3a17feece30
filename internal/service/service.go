// Package service is the conversation pipeline: it routes Telegram updates
// into debounced batches, admits them through the concurrency and balance
// gates, warms the context, runs the turn loop, and commits the results.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/castellanbot/castellan/internal/agent"
	"github.com/castellanbot/castellan/internal/batch"
	"github.com/castellanbot/castellan/internal/billing"
	"github.com/castellanbot/castellan/internal/cache"
	"github.com/castellanbot/castellan/internal/config"
	"github.com/castellanbot/castellan/internal/display"
	"github.com/castellanbot/castellan/internal/files"
	"github.com/castellanbot/castellan/internal/limits"
	"github.com/castellanbot/castellan/internal/models"
	"github.com/castellanbot/castellan/internal/observability"
	"github.com/castellanbot/castellan/internal/promptctx"
	"github.com/castellanbot/castellan/internal/provider"
	"github.com/castellanbot/castellan/internal/storage"
	"github.com/castellanbot/castellan/internal/uploads"
)

const (
	// contextWindow and maxOutputTokens drive the history budget.
	contextWindow   = 200_000
	maxOutputTokens = 8192

	// thinkingBudget enables extended thinking on every turn.
	thinkingBudget = 4096

	historyLimit   = 50
	typingInterval = 5 * time.Second
)

const defaultGlobalPrompt = "You are a helpful assistant living in a Telegram chat. " +
	"Answer concisely, use the available tools when they help, and format replies as plain text " +
	"unless the user asks otherwise. Files uploaded by the user are listed in the system context " +
	"and can be passed to tools by their file id."

// Messenger is the outbound Telegram surface the service needs.
type Messenger interface {
	display.Transport
	SendPhoto(ctx context.Context, chatID, topicID int64, filename string, data []byte) error
	SendDocument(ctx context.Context, chatID, topicID int64, filename string, data []byte) error
	SendTyping(ctx context.Context, chatID int64)
	RenameTopic(ctx context.Context, chatID, topicID int64, title string) error
}

// TurnRunner drives one turn; satisfied by agent.Runner.
type TurnRunner interface {
	Run(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
}

// Completer is the non-streaming model surface used for topic naming.
type Completer interface {
	Complete(ctx context.Context, req provider.Request) (string, models.TokenUsage, error)
}

// KVCache is the cache-aside surface for warm reads.
type KVCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
}

// Enqueuer is the write-behind surface for persistence.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any)
}

// Deps carries everything the service wires together.
type Deps struct {
	Config      *config.Config
	Stores      storage.StoreSet
	Cache       KVCache
	Queue       Enqueuer
	Limiter     *limits.UserLimiter
	Generations *limits.GenerationTracker
	Uploads     *uploads.Tracker
	Policy      *billing.BalancePolicy
	Balance     *billing.BalanceService
	Runner      TurnRunner
	LLM         Completer
	Provider    *provider.Client
	Files       *files.Pipeline
	Messenger   Messenger
	Logger      *observability.Logger
	Metrics     *observability.Metrics

	// GlobalPrompt overrides the built-in system prompt when non-empty.
	GlobalPrompt string

	// Tool backends; nil leaves the corresponding tool disabled.
	Sandbox agent.Sandbox
	Images  agent.ImageGenerator
	Search  agent.WebSearcher
}

// Service is the assembled pipeline.
type Service struct {
	cfg       *config.Config
	stores    storage.StoreSet
	kv        KVCache
	queue     Enqueuer
	limiter   *limits.UserLimiter
	gens      *limits.GenerationTracker
	uploads   *uploads.Tracker
	policy    *billing.BalancePolicy
	balance   *billing.BalanceService
	runner    TurnRunner
	llm       Completer
	provider  *provider.Client
	pipeline  *files.Pipeline
	messenger Messenger
	logger    *observability.Logger
	metrics   *observability.Metrics

	batches      *batch.Manager
	globalPrompt string
	sandbox      agent.Sandbox
	images       agent.ImageGenerator
	search       agent.WebSearcher

	attachMu sync.Mutex
}

// New assembles the service and its batch manager.
func New(deps Deps) *Service {
	prompt := deps.GlobalPrompt
	if prompt == "" {
		prompt = defaultGlobalPrompt
	}
	s := &Service{
		cfg:          deps.Config,
		stores:       deps.Stores,
		kv:           deps.Cache,
		queue:        deps.Queue,
		limiter:      deps.Limiter,
		gens:         deps.Generations,
		uploads:      deps.Uploads,
		policy:       deps.Policy,
		balance:      deps.Balance,
		runner:       deps.Runner,
		llm:          deps.LLM,
		provider:     deps.Provider,
		pipeline:     deps.Files,
		messenger:    deps.Messenger,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		globalPrompt: prompt,
		sandbox:      deps.Sandbox,
		images:       deps.Images,
		search:       deps.Search,
	}
	debounce := time.Duration(deps.Config.Pipeline.DebounceMs) * time.Millisecond
	s.batches = batch.NewManager(debounce, s.processBatch, deps.Logger, deps.Metrics)
	return s
}

// Stop drains in-flight batches.
func (s *Service) Stop() {
	s.batches.Stop()
}

// processBatch is the debounced entry point for one thread's accumulated
// messages. Returned errors trigger the batch manager's single retry; user
// mistakes and policy rejections are reported to the chat and absorbed.
func (s *Service) processBatch(ctx context.Context, key models.ThreadKey, msgs []*models.InboundMessage) error {
	position, release, err := s.limiter.Acquire(ctx, key.UserID)
	if err != nil {
		var limited *limits.ErrLimitExceeded
		if errors.As(err, &limited) {
			s.notify(ctx, key, agent.UserMessageFor(err))
			return nil
		}
		return err
	}
	defer release()
	if position > 0 {
		s.logger.Debug(ctx, "turn waited for a user slot", "user_id", key.UserID, "position", position)
	}

	verdict := s.policy.CanMakeRequest(ctx, key.UserID)
	if !verdict.Allowed {
		s.notify(ctx, key, fmt.Sprintf(
			"Your balance ($%s) is too low to start a request. Please top up.",
			verdict.Balance.StringFixed(2)))
		return nil
	}

	if !s.uploads.WaitForUploads(ctx, key.ChatID, s.cfg.Pipeline.UploadDrainTimeout) {
		s.logger.Warn(ctx, "proceeding without tardy uploads", "chat_id", key.ChatID)
	}

	user, err := s.warmUser(ctx, key.UserID)
	if err != nil {
		return fmt.Errorf("warm user %d: %w", key.UserID, err)
	}
	chat := msgs[0].Chat
	if err := s.stores.Chats.Upsert(ctx, &chat); err != nil {
		s.logger.Warn(ctx, "chat upsert failed", "chat_id", chat.ID, "error", err.Error())
	}
	thread, err := s.warmThread(ctx, key)
	if err != nil {
		return fmt.Errorf("warm thread %v: %w", key, err)
	}

	history, err := s.warmHistory(ctx, thread.ID)
	if err != nil {
		s.logger.Warn(ctx, "history load failed, starting fresh", "thread_id", thread.ID, "error", err.Error())
		history = nil
	}

	// Inbound rows persist write-behind; the in-memory copies join the
	// history for this turn directly. Attachment ids are copied under the
	// lock because an upload past the drain timeout may still be appending.
	for _, m := range msgs {
		s.attachMu.Lock()
		attachments := append([]string(nil), m.FileIDs...)
		s.attachMu.Unlock()
		row := &models.Message{
			ChatID:      m.Chat.ID,
			MessageID:   m.MessageID,
			ThreadID:    thread.ID,
			Role:        models.RoleUser,
			Text:        m.Text,
			Attachments: attachments,
			CreatedAt:   m.ReceivedAt,
		}
		s.queue.Enqueue(ctx, storage.KindMessageUpsert, row)
		history = append(history, row)
	}
	s.kv.Delete(ctx, cache.MessagesKey(thread.ID))

	modelID := user.ModelID
	if modelID == "" {
		modelID = s.cfg.Provider.DefaultModel
	}

	system := promptctx.SystemBlocks(s.globalPrompt, user.CustomPrompt, s.filesContext(ctx, thread.ID), nil)
	budget := promptctx.Budget{Window: contextWindow, MaxOutput: maxOutputTokens}
	selected, err := promptctx.SelectHistory(history, budget, promptctx.SystemTokens(system, nil), nil)
	if err != nil {
		s.notify(ctx, key, agent.UserMessageFor(err))
		return nil
	}

	return s.runTurn(ctx, key, thread, chat, msgs, modelID, system, s.messageParams(ctx, selected))
}

func (s *Service) runTurn(ctx context.Context, key models.ThreadKey, thread *models.Thread, chat models.Chat, msgs []*models.InboundMessage, modelID string, system []anthropic.BetaTextBlockParam, params []anthropic.BetaMessageParam) error {
	gen := s.gens.Start(key)
	defer s.gens.Cleanup(key, gen)

	tracker := billing.NewCostTracker(modelID)
	disp := display.NewManager(s.messenger, key.ChatID, key.TopicID, display.ModeMarkdownV2, s.logger, s.metrics)

	tc := &agent.TurnContext{
		UserID:    key.UserID,
		ChatID:    key.ChatID,
		ThreadID:  thread.ID,
		TopicID:   key.TopicID,
		MessageID: msgs[len(msgs)-1].MessageID,
		ModelID:   modelID,
		Files:     s.pipeline,
		Provider:  s.provider,
		Media:     s.messenger,
		Tracker:   tracker,
		Sandbox:   s.sandbox,
		Images:    s.images,
		Search:    s.search,
	}

	stopTyping := make(chan struct{})
	go s.typingLoop(key.ChatID, stopTyping)

	res, err := s.runner.Run(ctx, agent.TurnRequest{
		Context:        tc,
		System:         system,
		History:        params,
		MaxTokens:      maxOutputTokens,
		ThinkingBudget: thinkingBudget,
		Display:        disp,
		Generation:     gen,
	})
	close(stopTyping)

	if err != nil {
		s.logger.Error(ctx, "turn failed",
			"user_id", key.UserID, "chat_id", key.ChatID, "model", modelID, "error", err.Error())
		s.notify(ctx, key, agent.UserMessageFor(err))
		// Tokens consumed before the failure are still owed.
		if _, cerr := tracker.FinalizeAndCharge(ctx, s.balance, key.UserID, 0); cerr != nil {
			s.logger.Error(ctx, "charge after failed turn did not apply", "user_id", key.UserID, "error", cerr.Error())
		}
		return nil
	}

	if ferr := disp.Finalize(ctx); ferr != nil {
		s.logger.Warn(ctx, "final display edit failed", "chat_id", key.ChatID, "error", ferr.Error())
	}

	assistant := &models.Message{
		ChatID:    key.ChatID,
		MessageID: disp.MessageID(),
		ThreadID:  thread.ID,
		Role:      models.RoleAssistant,
		Text:      res.Text,
		Usage:     res.Usage,
		CreatedAt: time.Now().UTC(),
	}
	if len(res.Thinking) > 0 {
		if raw, merr := json.Marshal(res.Thinking); merr == nil {
			assistant.Thinking = raw
		}
	}
	// The charge gates persistence: a reply whose cost never posted must
	// not enter history as if it had been paid for.
	if _, cerr := tracker.FinalizeAndCharge(ctx, s.balance, key.UserID, assistant.MessageID); cerr != nil {
		s.logger.Error(ctx, "turn charge did not apply, reply not persisted",
			"user_id", key.UserID, "error", cerr.Error())
	} else if assistant.MessageID != 0 {
		s.queue.Enqueue(ctx, storage.KindMessageUpsert, assistant)
	}
	s.kv.Delete(ctx, cache.MessagesKey(thread.ID))

	if s.cfg.Pipeline.TopicNamingEnabled && chat.IsForum && key.TopicID != 0 && thread.NeedsTopicNaming {
		go s.nameTopic(context.Background(), key, thread, msgs[0].Text, res.Text)
	}

	s.logger.Info(ctx, "turn complete",
		"user_id", key.UserID, "chat_id", key.ChatID, "model", modelID,
		"iterations", res.Iterations, "stop_reason", res.StopReason, "cancelled", res.Cancelled,
		"input_tokens", res.Usage.Input, "output_tokens", res.Usage.Output)
	return nil
}

// messageParams converts stored history into provider messages. User
// messages with live attachments carry file reference blocks ahead of the
// text.
func (s *Service) messageParams(ctx context.Context, history []*models.Message) []anthropic.BetaMessageParam {
	now := time.Now()
	out := make([]anthropic.BetaMessageParam, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case models.RoleAssistant:
			if m.Text != "" {
				out = append(out, anthropic.BetaMessageParam{
					Role:    anthropic.BetaMessageParamRoleAssistant,
					Content: []anthropic.BetaContentBlockParamUnion{anthropic.NewBetaTextBlock(m.Text)},
				})
			}
		case models.RoleUser:
			var blocks []anthropic.BetaContentBlockParamUnion
			for _, fileID := range m.Attachments {
				meta, err := s.pipeline.Metadata(ctx, fileID)
				if err != nil || !meta.Live(now) {
					continue
				}
				switch meta.Kind {
				case models.FileImage:
					blocks = append(blocks, provider.NewImageBlock(fileID))
				case models.FilePDF, models.FileDocument:
					blocks = append(blocks, provider.NewDocumentBlock(fileID))
				}
			}
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewBetaTextBlock(m.Text))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewBetaUserMessage(blocks...))
			}
		}
	}
	return out
}

func (s *Service) warmUser(ctx context.Context, userID int64) (*models.User, error) {
	if raw, ok := s.kv.Get(ctx, cache.UserKey(userID)); ok {
		var u models.User
		if err := json.Unmarshal(raw, &u); err == nil {
			return &u, nil
		}
	}
	u, err := s.stores.Users.FindOrCreate(ctx, &models.User{
		ID:       userID,
		Language: "en",
		ModelID:  s.cfg.Provider.DefaultModel,
	})
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(u); err == nil {
		s.kv.Set(ctx, cache.UserKey(userID), raw, cache.UserTTL)
	}
	return u, nil
}

func (s *Service) warmThread(ctx context.Context, key models.ThreadKey) (*models.Thread, error) {
	cacheKey := cache.ThreadKey(key.ChatID, key.UserID, key.TopicID)
	if raw, ok := s.kv.Get(ctx, cacheKey); ok {
		var t models.Thread
		if err := json.Unmarshal(raw, &t); err == nil {
			return &t, nil
		}
	}
	t, err := s.stores.Threads.FindOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(t); err == nil {
		s.kv.Set(ctx, cacheKey, raw, cache.ThreadTTL)
	}
	return t, nil
}

func (s *Service) warmHistory(ctx context.Context, threadID int64) ([]*models.Message, error) {
	if raw, ok := s.kv.Get(ctx, cache.MessagesKey(threadID)); ok {
		var msgs []*models.Message
		if err := json.Unmarshal(raw, &msgs); err == nil {
			return msgs, nil
		}
	}
	msgs, err := s.stores.Messages.ListByThread(ctx, threadID, historyLimit)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(msgs); err == nil {
		s.kv.Set(ctx, cache.MessagesKey(threadID), raw, cache.MessagesTTL)
	}
	return msgs, nil
}

func (s *Service) filesContext(ctx context.Context, threadID int64) string {
	now := time.Now()
	list, err := s.stores.Files.ListLiveByThread(ctx, threadID, now)
	if err != nil {
		s.logger.Warn(ctx, "file listing failed", "thread_id", threadID, "error", err.Error())
		return ""
	}
	return promptctx.FilesContext(list, now)
}

// typingLoop refreshes the chat action until the turn finishes. Telegram
// expires the indicator after a few seconds.
func (s *Service) typingLoop(chatID int64, stop <-chan struct{}) {
	ctx := context.Background()
	s.messenger.SendTyping(ctx, chatID)
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.messenger.SendTyping(ctx, chatID)
		}
	}
}

// notify posts a short service message into the thread.
func (s *Service) notify(ctx context.Context, key models.ThreadKey, text string) {
	rendered := display.RenderFinal(text, display.ModeMarkdownV2)
	if _, err := s.messenger.SendMessage(ctx, key.ChatID, key.TopicID, rendered, display.ModeMarkdownV2); err != nil {
		s.logger.Warn(ctx, "notify failed", "chat_id", key.ChatID, "error", err.Error())
	}
}

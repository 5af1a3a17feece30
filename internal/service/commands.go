package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/castellanbot/castellan/internal/billing"
	"github.com/castellanbot/castellan/internal/cache"
	"github.com/castellanbot/castellan/internal/models"
)

// handleCommand routes slash commands. Commands act immediately and never
// enter the batch pipeline.
func (s *Service) handleCommand(ctx context.Context, chat models.Chat, userID, topicID int64, text string) {
	cmd, args := splitCommand(text)
	key := models.ThreadKey{ChatID: chat.ID, UserID: userID, TopicID: topicID}

	switch cmd {
	case "/start":
		s.cmdStart(ctx, key)
	case "/balance":
		s.cmdBalance(ctx, key)
	case "/model":
		s.cmdModel(ctx, key, args)
	case "/prompt":
		s.cmdPrompt(ctx, key, args)
	case "/forget":
		s.cmdForget(ctx, key)
	case "/cancel":
		s.cmdCancel(ctx, key)
	case "/topup":
		s.cmdTopup(ctx, key, args)
	default:
		s.notify(ctx, key, "Unknown command. Available: /start /balance /model /prompt /forget /cancel")
	}
}

// splitCommand separates the command from its arguments, dropping the
// @botname suffix group chats append.
func splitCommand(text string) (string, string) {
	cmd, args, _ := strings.Cut(text, " ")
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	return cmd, strings.TrimSpace(args)
}

func (s *Service) cmdStart(ctx context.Context, key models.ThreadKey) {
	if _, err := s.warmUser(ctx, key.UserID); err != nil {
		s.logger.Error(ctx, "user registration failed", "user_id", key.UserID, "error", err.Error())
		s.notify(ctx, key, "Something went wrong. Please try again.")
		return
	}
	s.notify(ctx, key, "Hello! Send me a message and I will answer. "+
		"Attach images or PDFs and I can analyze them. /balance shows your credit.")
}

func (s *Service) cmdBalance(ctx context.Context, key models.ThreadKey) {
	balance, source, err := s.balance.Balance(ctx, key.UserID)
	if err != nil {
		s.notify(ctx, key, "Could not read your balance right now. Please try again.")
		return
	}
	s.logger.Debug(ctx, "balance read", "user_id", key.UserID, "source", source)
	s.notify(ctx, key, fmt.Sprintf("Your balance: $%s", balance.StringFixed(2)))
}

func (s *Service) cmdModel(ctx context.Context, key models.ThreadKey, args string) {
	if args == "" {
		s.notify(ctx, key, "Available models:\n"+strings.Join(billing.Models(), "\n")+
			"\n\nUse /model <id> to switch.")
		return
	}
	if !billing.KnownModel(args) {
		s.notify(ctx, key, fmt.Sprintf("Unknown model %q. Use /model to list the options.", args))
		return
	}
	user, err := s.warmUser(ctx, key.UserID)
	if err != nil {
		s.notify(ctx, key, "Something went wrong. Please try again.")
		return
	}
	user.ModelID = args
	if err := s.stores.Users.UpdateProfile(ctx, user); err != nil {
		s.logger.Error(ctx, "model switch failed", "user_id", key.UserID, "error", err.Error())
		s.notify(ctx, key, "Something went wrong. Please try again.")
		return
	}
	s.kv.Delete(ctx, cache.UserKey(key.UserID))
	s.notify(ctx, key, fmt.Sprintf("Model set to %s.", args))
}

func (s *Service) cmdPrompt(ctx context.Context, key models.ThreadKey, args string) {
	user, err := s.warmUser(ctx, key.UserID)
	if err != nil {
		s.notify(ctx, key, "Something went wrong. Please try again.")
		return
	}
	user.CustomPrompt = args
	if err := s.stores.Users.UpdateProfile(ctx, user); err != nil {
		s.logger.Error(ctx, "prompt update failed", "user_id", key.UserID, "error", err.Error())
		s.notify(ctx, key, "Something went wrong. Please try again.")
		return
	}
	s.kv.Delete(ctx, cache.UserKey(key.UserID))
	if args == "" {
		s.notify(ctx, key, "Custom prompt cleared.")
	} else {
		s.notify(ctx, key, "Custom prompt saved.")
	}
}

func (s *Service) cmdForget(ctx context.Context, key models.ThreadKey) {
	thread, err := s.warmThread(ctx, key)
	if err != nil {
		s.notify(ctx, key, "Something went wrong. Please try again.")
		return
	}
	if err := s.stores.Messages.DeleteByThread(ctx, thread.ID); err != nil {
		s.logger.Error(ctx, "history wipe failed", "thread_id", thread.ID, "error", err.Error())
		s.notify(ctx, key, "Something went wrong. Please try again.")
		return
	}
	s.kv.Delete(ctx, cache.MessagesKey(thread.ID))
	s.notify(ctx, key, "Context cleared. The conversation starts fresh.")
}

func (s *Service) cmdCancel(ctx context.Context, key models.ThreadKey) {
	if s.gens.Cancel(key) {
		s.notify(ctx, key, "Generation cancelled.")
	} else {
		s.notify(ctx, key, "Nothing is running in this thread.")
	}
}

// cmdTopup credits another user's balance. Privileged users only.
func (s *Service) cmdTopup(ctx context.Context, key models.ThreadKey, args string) {
	if !s.isPrivileged(key.UserID) {
		s.notify(ctx, key, "Unknown command. Available: /start /balance /model /prompt /forget /cancel")
		return
	}
	fields := strings.Fields(args)
	if len(fields) != 2 {
		s.notify(ctx, key, "Usage: /topup <user_id> <amount>")
		return
	}
	targetID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		s.notify(ctx, key, "Usage: /topup <user_id> <amount>")
		return
	}
	amount, err := decimal.NewFromString(fields[1])
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		s.notify(ctx, key, "Amount must be a positive number.")
		return
	}

	op, err := s.balance.Charge(ctx, targetID, amount, models.OpAdminTopup,
		fmt.Sprintf("admin topup by %d", key.UserID), 0)
	if err != nil {
		s.logger.Error(ctx, "topup failed", "admin", key.UserID, "target", targetID, "error", err.Error())
		s.notify(ctx, key, "Topup failed. Is the user registered?")
		return
	}
	s.notify(ctx, key, fmt.Sprintf("Credited $%s to %d. New balance: $%s.",
		amount.StringFixed(2), targetID, op.BalanceAfter.StringFixed(2)))
}

func (s *Service) isPrivileged(userID int64) bool {
	for _, id := range s.cfg.Pipeline.PrivilegedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

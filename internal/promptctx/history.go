package promptctx

import (
	"fmt"

	"github.com/castellanbot/castellan/internal/models"
)

// ContextWindowExceededError means even the newest message alone does not
// fit the available budget. The caller must shorten or forget history.
type ContextWindowExceededError struct {
	TokensUsed  int
	TokensLimit int
}

func (e *ContextWindowExceededError) Error() string {
	return fmt.Sprintf("context window exceeded: message needs %d tokens, %d available", e.TokensUsed, e.TokensLimit)
}

// Budget describes the model's context arithmetic for one request.
type Budget struct {
	// Window is the model's maximum context size in tokens.
	Window int
	// MaxOutput is reserved for the response.
	MaxOutput int
	// BufferPercent of the window is held back as slack. Default 10.
	BufferPercent int
}

// Available computes the token budget left for history after the system
// prompt, the reserved output, and the slack buffer.
func (b Budget) Available(systemTokens int) int {
	buffer := b.BufferPercent
	if buffer <= 0 {
		buffer = 10
	}
	return b.Window - systemTokens - b.MaxOutput - b.Window*buffer/100
}

// messageTokens prefers the provider-reported counts recorded on the
// message; fresh messages fall back to the estimator.
func messageTokens(m *models.Message, est TokenEstimator) int {
	if n := m.Usage.Input + m.Usage.Output; n > 0 {
		return n
	}
	return est(m.Text)
}

// SelectHistory picks the suffix of history that fits the budget: iterate
// newest-first accumulating tokens, stop before overflow, return in
// chronological order. Fails with ContextWindowExceededError when the
// newest message alone does not fit.
func SelectHistory(history []*models.Message, budget Budget, systemTokens int, est TokenEstimator) ([]*models.Message, error) {
	if est == nil {
		est = EstimateTokens
	}
	available := budget.Available(systemTokens)
	if len(history) == 0 {
		return nil, nil
	}

	if newest := messageTokens(history[len(history)-1], est); newest > available {
		return nil, &ContextWindowExceededError{TokensUsed: newest, TokensLimit: available}
	}

	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := messageTokens(history[i], est)
		if used+n > available {
			break
		}
		used += n
		start = i
	}
	return history[start:], nil
}

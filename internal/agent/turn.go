// Package agent runs one conversational turn: it streams the model
// response, relays deltas to the display, dispatches tool calls, and loops
// on continuation requests until the model stops.
package agent

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/castellanbot/castellan/internal/billing"
	"github.com/castellanbot/castellan/internal/display"
	"github.com/castellanbot/castellan/internal/files"
	"github.com/castellanbot/castellan/internal/limits"
	"github.com/castellanbot/castellan/internal/models"
	"github.com/castellanbot/castellan/internal/observability"
	"github.com/castellanbot/castellan/internal/provider"
)

// maxTurnIterations caps the stream/tool/continue loop so a model stuck in
// a tool cycle cannot run forever.
const maxTurnIterations = 10

// MediaSender delivers tool-produced media back into the chat.
type MediaSender interface {
	SendPhoto(ctx context.Context, chatID, topicID int64, filename string, data []byte) error
	SendDocument(ctx context.Context, chatID, topicID int64, filename string, data []byte) error
}

// TurnContext carries the identity and capabilities a running turn exposes
// to its tools.
type TurnContext struct {
	UserID    int64
	ChatID    int64
	ThreadID  int64
	TopicID   int64
	MessageID int64
	ModelID   string

	Files    *files.Pipeline
	Provider *provider.Client
	Media    MediaSender
	Tracker  *billing.CostTracker

	// Optional tool backends; nil disables the corresponding tool with a
	// model-visible error result.
	Sandbox Sandbox
	Images  ImageGenerator
	Search  WebSearcher
}

// llm is the streaming surface the runner needs, narrowed for tests.
type llm interface {
	Stream(ctx context.Context, req provider.Request) <-chan *provider.Chunk
}

// Runner drives turns.
type Runner struct {
	llm      llm
	executor *Executor
	registry *Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewRunner wires the runner.
func NewRunner(llm llm, executor *Executor, registry *Registry, logger *observability.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{
		llm:      llm,
		executor: executor,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// TurnRequest is one user-visible turn.
type TurnRequest struct {
	Context *TurnContext

	System  []anthropic.BetaTextBlockParam
	History []anthropic.BetaMessageParam

	MaxTokens      int64
	ThinkingBudget int64

	// Display receives streaming deltas. Owned by the turn.
	Display *display.Manager

	// Generation is the cancellation signal; nil means not cancellable.
	Generation *limits.Generation
}

// TurnResult summarizes a finished turn for persistence and billing.
type TurnResult struct {
	// Text is the accumulated visible reply with tool markers stripped.
	Text string

	// Thinking holds every completed thinking block of the turn, in order,
	// for byte-exact replay when the conversation continues.
	Thinking []provider.ThinkingBlock

	Usage      models.TokenUsage
	StopReason string
	Cancelled  bool
	Iterations int
}

// Run executes the turn loop: stream a response, and while the model stops
// for tool use, execute the calls and continue with their results. Errors
// come back classified; the display is not finalized here so the caller can
// append an error notice before the last edit.
func (r *Runner) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if r.metrics != nil {
		r.metrics.TurnsActive.Inc()
		defer r.metrics.TurnsActive.Dec()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages := append([]anthropic.BetaMessageParam(nil), req.History...)
	tools := r.registry.Definitions()
	result := &TurnResult{}

	for iter := 0; iter < maxTurnIterations; iter++ {
		result.Iterations = iter + 1

		ir, err := r.streamOnce(ctx, req, messages, tools)
		if err != nil {
			return result, Classify(err)
		}

		result.Thinking = append(result.Thinking, ir.thinking...)
		result.Usage.Add(ir.usage)
		result.StopReason = ir.stopReason
		req.Context.Tracker.AddUsage(ir.usage)
		r.countTokens(req.Context.ModelID, ir.usage)

		if ir.cancelled {
			result.Cancelled = true
			break
		}
		if ir.stopReason != "tool_use" || len(ir.toolCalls) == 0 {
			break
		}
		if req.Generation != nil && req.Generation.Cancelled() {
			result.Cancelled = true
			break
		}

		toolResults := r.executor.ExecuteAll(ctx, req.Context, ir.toolCalls)
		for i, tr := range toolResults {
			if tr != nil && !tr.Cost.IsZero() {
				req.Context.Tracker.AddToolCost(ir.toolCalls[i].Name, tr.Cost)
			}
		}

		messages = append(messages,
			anthropic.BetaMessageParam{
				Role:    anthropic.BetaMessageParamRoleAssistant,
				Content: assistantBlocks(ir),
			},
			anthropic.NewBetaUserMessage(toolResultBlocks(ir.toolCalls, toolResults)...),
		)
	}

	if result.StopReason == "tool_use" && !result.Cancelled {
		r.logger.Warn(ctx, "turn hit iteration cap",
			"user_id", req.Context.UserID, "chat_id", req.Context.ChatID, "iterations", result.Iterations)
	}

	result.Text = req.Display.Text()
	return result, nil
}

// iterationResult is one streaming request within a turn.
type iterationResult struct {
	text       string
	thinking   []provider.ThinkingBlock
	toolCalls  []*provider.ToolCall
	stopReason string
	usage      models.TokenUsage
	cancelled  bool
}

func (r *Runner) streamOnce(ctx context.Context, req TurnRequest, messages []anthropic.BetaMessageParam, tools []anthropic.BetaToolUnionParam) (*iterationResult, error) {
	chunks := r.llm.Stream(ctx, provider.Request{
		Model:          req.Context.ModelID,
		System:         req.System,
		Messages:       messages,
		Tools:          tools,
		MaxTokens:      req.MaxTokens,
		ThinkingBudget: req.ThinkingBudget,
	})

	var cancelled <-chan struct{}
	if req.Generation != nil {
		cancelled = req.Generation.Done()
	}

	res := &iterationResult{}
	var text strings.Builder
	for {
		select {
		case <-cancelled:
			res.cancelled = true
			res.text = text.String()
			return res, nil

		case chunk, ok := <-chunks:
			if !ok {
				res.text = text.String()
				return res, nil
			}
			switch {
			case chunk.Err != nil:
				return nil, chunk.Err

			case chunk.Text != "":
				text.WriteString(chunk.Text)
				req.Display.AppendText(chunk.Text)
				r.maybeUpdate(ctx, req.Display)

			case chunk.Thinking != "":
				req.Display.AppendThinking(chunk.Thinking)
				r.maybeUpdate(ctx, req.Display)

			case chunk.ThinkingDone != nil:
				res.thinking = append(res.thinking, *chunk.ThinkingDone)

			case chunk.UsageDelta != nil:
				// Cumulative snapshot; keep the latest so a cancelled
				// iteration still bills the tokens the stream reported.
				res.usage = *chunk.UsageDelta

			case chunk.ToolCall != nil:
				res.toolCalls = append(res.toolCalls, chunk.ToolCall)
				emoji := ""
				if d, ok := r.registry.Get(chunk.ToolCall.Name); ok {
					emoji = d.Emoji
				}
				req.Display.AppendToolMarker(emoji, chunk.ToolCall.Name)
				r.maybeUpdate(ctx, req.Display)

			case chunk.Done:
				res.stopReason = chunk.StopReason
				res.usage = chunk.Usage
				res.text = text.String()
				return res, nil
			}
		}
	}
}

// maybeUpdate pushes a throttled display edit. Edit failures do not abort
// the turn; the content lands with the next successful edit.
func (r *Runner) maybeUpdate(ctx context.Context, d *display.Manager) {
	if err := d.MaybeUpdate(ctx); err != nil {
		r.logger.Debug(ctx, "streaming edit failed", "error", err.Error())
	}
}

func (r *Runner) countTokens(model string, u models.TokenUsage) {
	if r.metrics == nil {
		return
	}
	r.metrics.LLMTokensUsed.WithLabelValues(model, "input").Add(float64(u.Input))
	r.metrics.LLMTokensUsed.WithLabelValues(model, "output").Add(float64(u.Output))
	r.metrics.LLMTokensUsed.WithLabelValues(model, "cache_read").Add(float64(u.CacheRead))
	r.metrics.LLMTokensUsed.WithLabelValues(model, "cache_write").Add(float64(u.CacheWrite))
}

// assistantBlocks reconstructs the assistant message for a continuation
// call: thinking blocks first, replayed verbatim, then text, then the tool
// use blocks being answered.
func assistantBlocks(ir *iterationResult) []anthropic.BetaContentBlockParamUnion {
	blocks := provider.ReplayThinking(ir.thinking)
	if ir.text != "" {
		blocks = append(blocks, anthropic.NewBetaTextBlock(ir.text))
	}
	for _, call := range ir.toolCalls {
		blocks = append(blocks, anthropic.NewBetaToolUseBlock(call.ID, call.Input, call.Name))
	}
	return blocks
}

// toolResultBlocks pairs results with their calls by position.
func toolResultBlocks(calls []*provider.ToolCall, results []*ToolResult) []anthropic.BetaContentBlockParamUnion {
	blocks := make([]anthropic.BetaContentBlockParamUnion, 0, len(calls))
	for i, call := range calls {
		content := ""
		isError := true
		if res := results[i]; res != nil {
			content = res.Content
			isError = res.IsError
		}
		block := anthropic.NewBetaToolResultBlock(call.ID)
		block.OfToolResult.IsError = anthropic.Bool(isError)
		block.OfToolResult.Content = []anthropic.BetaToolResultBlockParamContentUnion{
			{OfText: &anthropic.BetaTextBlockParam{Text: content}},
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// Package provider wraps the Anthropic SDK: the streaming message API the
// turn loop consumes, and the Files API used by the file pipeline.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/castellanbot/castellan/internal/models"
	"github.com/castellanbot/castellan/internal/observability"
)

// ToolCall is a fully assembled tool invocation from the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ThinkingBlock is one completed thinking block with its signature. The
// pair must round-trip byte-for-byte into continuation calls; the provider
// rejects altered blocks.
type ThinkingBlock struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature"`
}

// Chunk is one event from the streaming response. Exactly one field group
// is set per chunk.
type Chunk struct {
	// Text and Thinking are incremental deltas.
	Text     string
	Thinking string

	// ToolCall is emitted once per call, when its input JSON is complete.
	ToolCall *ToolCall

	// ThinkingDone is emitted when a thinking block closes, carrying the
	// full content and signature for replay.
	ThinkingDone *ThinkingBlock

	// UsageDelta is a cumulative usage snapshot, emitted as the provider
	// reports token counts mid-stream. A consumer that stops early can
	// still bill from the last snapshot; final totals arrive with Done.
	UsageDelta *models.TokenUsage

	// Done closes the stream. StopReason and Usage are only valid here.
	Done       bool
	StopReason string
	Usage      models.TokenUsage

	// Err terminates the stream with a failure. The raw SDK error is
	// preserved for classification upstream.
	Err error
}

// Request is one streaming call. Message content uses the beta param
// types throughout because file-reference blocks are beta-only and every
// call carries the files beta header anyway.
type Request struct {
	Model          string
	System         []anthropic.BetaTextBlockParam
	Messages       []anthropic.BetaMessageParam
	Tools          []anthropic.BetaToolUnionParam
	MaxTokens      int64
	ThinkingBudget int64 // 0 disables extended thinking
}

// Config configures the client.
type Config struct {
	APIKey  string
	BaseURL string
	// RequestTimeout bounds a whole streaming call. Default 10 min; tools
	// and long generations need the headroom.
	RequestTimeout time.Duration
}

// Client is the Anthropic adapter.
type Client struct {
	api     anthropic.Client
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a client from config.
func New(cfg Config, logger *observability.Logger, metrics *observability.Metrics) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Minute
	}
	return &Client{
		api:     anthropic.NewClient(opts...),
		timeout: cfg.RequestTimeout,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Stream opens a streaming message call and converts SSE events into
// chunks. The channel closes after a Done or Err chunk. Cancelling ctx
// closes the underlying stream.
func (c *Client) Stream(ctx context.Context, req Request) <-chan *Chunk {
	chunks := make(chan *Chunk, 16)

	params := anthropic.BetaMessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		Betas:     filesBeta,
	}
	if len(req.System) > 0 {
		params.System = req.System
	}
	if len(req.Tools) > 0 {
		params.Tools = req.Tools
	}
	if req.ThinkingBudget > 0 {
		budget := req.ThinkingBudget
		if budget < 1024 {
			budget = 1024
		}
		params.Thinking = anthropic.BetaThinkingConfigParamOfEnabled(budget)
	}

	go func() {
		defer close(chunks)
		start := time.Now()
		stream := c.api.Beta.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		c.processStream(ctx, stream, chunks)

		if c.metrics != nil {
			c.metrics.LLMRequestDuration.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
		}
	}()
	return chunks
}

// Complete performs a non-streaming call and returns the concatenated text
// content. Used for cheap auxiliary calls (topic naming, file analysis
// inside tools) where streaming buys nothing.
func (c *Client) Complete(ctx context.Context, req Request) (string, models.TokenUsage, error) {
	params := anthropic.BetaMessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		Betas:     filesBeta,
	}
	if len(req.System) > 0 {
		params.System = req.System
	}

	msg, err := c.api.Beta.Messages.New(ctx, params)
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("anthropic complete: %w", err)
	}

	usage := models.TokenUsage{
		Input:      int(msg.Usage.InputTokens),
		Output:     int(msg.Usage.OutputTokens),
		CacheRead:  int(msg.Usage.CacheReadInputTokens),
		CacheWrite: int(msg.Usage.CacheCreationInputTokens),
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.BetaTextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String(), usage, nil
}

// eventStream abstracts the SSE iterator for tests.
type eventStream interface {
	Next() bool
	Current() anthropic.BetaRawMessageStreamEventUnion
	Err() error
}

func (c *Client) processStream(ctx context.Context, stream eventStream, chunks chan<- *Chunk) {
	var usage models.TokenUsage
	var stopReason string

	var toolCall *ToolCall
	var toolInput strings.Builder
	var thinking strings.Builder
	var signature strings.Builder
	inThinking := false

	emit := func(ch *Chunk) bool {
		select {
		case chunks <- ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			u := event.AsMessageStart().Message.Usage
			usage.Input = int(u.InputTokens)
			usage.CacheRead = int(u.CacheReadInputTokens)
			usage.CacheWrite = int(u.CacheCreationInputTokens)
			snap := usage
			if !emit(&Chunk{UsageDelta: &snap}) {
				return
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				thinking.Reset()
				signature.Reset()
			case "tool_use":
				tu := block.AsToolUse()
				toolCall = &ToolCall{ID: tu.ID, Name: tu.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !emit(&Chunk{Text: delta.Text}) {
					return
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinking.WriteString(delta.Thinking)
					if !emit(&Chunk{Thinking: delta.Thinking}) {
						return
					}
				}
			case "signature_delta":
				signature.WriteString(delta.Signature)
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				done := &ThinkingBlock{Thinking: thinking.String(), Signature: signature.String()}
				if !emit(&Chunk{ThinkingDone: done}) {
					return
				}
			} else if toolCall != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				toolCall.Input = json.RawMessage(input)
				if !emit(&Chunk{ToolCall: toolCall}) {
					return
				}
				toolCall = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.Output = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				stopReason = string(md.Delta.StopReason)
			}
			snap := usage
			if !emit(&Chunk{UsageDelta: &snap}) {
				return
			}

		case "message_stop":
			emit(&Chunk{Done: true, StopReason: stopReason, Usage: usage})
			return
		}
	}

	if err := stream.Err(); err != nil {
		emit(&Chunk{Err: fmt.Errorf("anthropic stream: %w", err)})
		return
	}
	// Stream ended without message_stop; report what we have.
	emit(&Chunk{Done: true, StopReason: stopReason, Usage: usage})
}

// ReplayThinking converts captured thinking blocks back into assistant
// content blocks for a continuation call, preserving the signature exactly.
func ReplayThinking(blocks []ThinkingBlock) []anthropic.BetaContentBlockParamUnion {
	out := make([]anthropic.BetaContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, anthropic.NewBetaThinkingBlock(b.Signature, b.Thinking))
	}
	return out
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/shopspring/decimal"

	"github.com/castellanbot/castellan/internal/billing"
	"github.com/castellanbot/castellan/internal/provider"
)

// Sandbox executes untrusted code in isolation.
type Sandbox interface {
	RunPython(ctx context.Context, code string, timeout time.Duration) (string, error)
}

// ImageGenerator produces an image for a prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebSearcher runs a web search.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// BuiltinConfig tunes the built-in tool set.
type BuiltinConfig struct {
	// AnalysisModel runs the nested image and PDF analysis calls. Default
	// is the cheap haiku tier.
	AnalysisModel string

	// ExecutePythonCost is the flat per-invocation sandbox cost in USD.
	ExecutePythonCost decimal.Decimal

	// GenerateImageCost is the flat per-image cost in USD.
	GenerateImageCost decimal.Decimal
}

func (c *BuiltinConfig) withDefaults() BuiltinConfig {
	out := *c
	if out.AnalysisModel == "" {
		out.AnalysisModel = "claude-3-5-haiku-20241022"
	}
	if out.ExecutePythonCost.IsZero() {
		out.ExecutePythonCost = decimal.NewFromFloat(0.005)
	}
	if out.GenerateImageCost.IsZero() {
		out.GenerateImageCost = decimal.NewFromFloat(0.04)
	}
	return out
}

// RegisterBuiltins installs the standard tool set into the registry.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	cfg = cfg.withDefaults()
	for _, d := range []*ToolDescriptor{
		analyzeImageTool(cfg),
		analyzePDFTool(cfg),
		executePythonTool(cfg),
		generateImageTool(cfg),
		webSearchTool(),
	} {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

type analyzeFileInput struct {
	FileID   string `json:"file_id"`
	Question string `json:"question"`
}

const analyzeFileSchema = `{
	"type": "object",
	"properties": {
		"file_id": {"type": "string", "description": "Provider file id of the uploaded file"},
		"question": {"type": "string", "description": "What to look for; omit for a general description"}
	},
	"required": ["file_id"],
	"additionalProperties": false
}`

func analyzeImageTool(cfg BuiltinConfig) *ToolDescriptor {
	d := &ToolDescriptor{
		Name:                "analyze_image",
		Description:         "Analyze an uploaded image: describe it or answer a question about it.",
		Emoji:               "\U0001F5BC",
		InputSchema:         json.RawMessage(analyzeFileSchema),
		AllowedMIMEPrefixes: []string{"image/"},
	}
	d.Handler = analyzeFileHandler(d, cfg, provider.NewImageBlock, "Describe this image in detail.")
	return d
}

func analyzePDFTool(cfg BuiltinConfig) *ToolDescriptor {
	d := &ToolDescriptor{
		Name:                "analyze_pdf",
		Description:         "Read an uploaded PDF document: summarize it or answer a question about its contents.",
		Emoji:               "\U0001F4C4",
		InputSchema:         json.RawMessage(analyzeFileSchema),
		AllowedMIMEPrefixes: []string{"application/pdf"},
	}
	d.Handler = analyzeFileHandler(d, cfg, provider.NewDocumentBlock, "Summarize this document.")
	return d
}

// analyzeFileHandler is the shared nested-call path for file analysis
// tools. The file is referenced by provider id, so no bytes move through
// the bot.
func analyzeFileHandler(d *ToolDescriptor, cfg BuiltinConfig, block func(string) anthropic.BetaContentBlockParamUnion, defaultQuestion string) ToolHandler {
	return func(ctx context.Context, tc *TurnContext, raw json.RawMessage) (*ToolResult, error) {
		var in analyzeFileInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}

		meta, err := tc.Files.Metadata(ctx, in.FileID)
		if err != nil {
			return &ToolResult{Content: fmt.Sprintf("file %s is unknown or expired", in.FileID), IsError: true}, nil
		}
		if err := d.ValidateMIME(meta.MIME); err != nil {
			return &ToolResult{Content: err.Error(), IsError: true}, nil
		}

		question := in.Question
		if question == "" {
			question = defaultQuestion
		}
		text, usage, err := tc.Provider.Complete(ctx, provider.Request{
			Model: cfg.AnalysisModel,
			Messages: []anthropic.BetaMessageParam{
				anthropic.NewBetaUserMessage(block(in.FileID), anthropic.NewBetaTextBlock(question)),
			},
			MaxTokens: 1024,
		})
		if err != nil {
			return nil, err
		}
		return &ToolResult{
			Content: text,
			Usage:   usage,
			Cost:    billing.PricingFor(cfg.AnalysisModel).Cost(usage),
		}, nil
	}
}

type executePythonInput struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func executePythonTool(cfg BuiltinConfig) *ToolDescriptor {
	return &ToolDescriptor{
		Name:        "execute_python",
		Description: "Run a Python snippet in an isolated sandbox and return its output.",
		Emoji:       "\U0001F40D",
		Paid:        true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"code": {"type": "string", "description": "Python source to execute"},
				"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 300}
			},
			"required": ["code"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, tc *TurnContext, raw json.RawMessage) (*ToolResult, error) {
			if tc.Sandbox == nil {
				return &ToolResult{Content: "python sandbox is not configured", IsError: true}, nil
			}
			var in executePythonInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
			timeout := 30 * time.Second
			if in.TimeoutSeconds > 0 {
				timeout = time.Duration(in.TimeoutSeconds) * time.Second
			}
			out, err := tc.Sandbox.RunPython(ctx, in.Code, timeout)
			if err != nil {
				// Sandbox time was consumed either way.
				return &ToolResult{Content: err.Error(), IsError: true, Cost: cfg.ExecutePythonCost}, nil
			}
			if out == "" {
				out = "(no output)"
			}
			return &ToolResult{Content: out, Cost: cfg.ExecutePythonCost}, nil
		},
	}
}

type generateImageInput struct {
	Prompt string `json:"prompt"`
}

func generateImageTool(cfg BuiltinConfig) *ToolDescriptor {
	return &ToolDescriptor{
		Name:        "generate_image",
		Description: "Generate an image from a text prompt and send it to the chat.",
		Emoji:       "\U0001F3A8",
		Paid:        true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt": {"type": "string", "description": "Description of the image to generate"}
			},
			"required": ["prompt"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, tc *TurnContext, raw json.RawMessage) (*ToolResult, error) {
			if tc.Images == nil {
				return &ToolResult{Content: "image generation is not configured", IsError: true}, nil
			}
			var in generateImageInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
			data, err := tc.Images.Generate(ctx, in.Prompt)
			if err != nil {
				return nil, err
			}
			if tc.Media != nil {
				if err := tc.Media.SendPhoto(ctx, tc.ChatID, tc.TopicID, "generated.png", data); err != nil {
					return nil, err
				}
			}
			return &ToolResult{
				Content: "image generated and delivered to the chat",
				Cost:    cfg.GenerateImageCost,
			}, nil
		},
	}
}

type webSearchInput struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

func webSearchTool() *ToolDescriptor {
	return &ToolDescriptor{
		Name:        "web_search",
		Description: "Search the web and return the top results with titles, links, and snippets.",
		Emoji:       "\U0001F50D",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"max_results": {"type": "integer", "minimum": 1, "maximum": 10}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, tc *TurnContext, raw json.RawMessage) (*ToolResult, error) {
			if tc.Search == nil {
				return &ToolResult{Content: "web search is not configured", IsError: true}, nil
			}
			var in webSearchInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode input: %w", err)
			}
			max := in.MaxResults
			if max <= 0 {
				max = 5
			}
			hits, err := tc.Search.Search(ctx, in.Query, max)
			if err != nil {
				return nil, err
			}
			if len(hits) == 0 {
				return &ToolResult{Content: "no results found"}, nil
			}
			var sb strings.Builder
			for i, h := range hits {
				fmt.Fprintf(&sb, "%d. %s\n%s\n", i+1, h.Title, h.URL)
				if h.Snippet != "" {
					sb.WriteString(h.Snippet + "\n")
				}
			}
			return &ToolResult{Content: sb.String()}, nil
		},
	}
}

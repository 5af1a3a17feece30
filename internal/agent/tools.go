package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/castellanbot/castellan/internal/models"
)

// ToolResult is what a tool hands back to the model. Structured failures
// (validation, insufficient balance, runtime errors) travel here rather
// than as Go errors, keeping the turn alive so the model can recover.
type ToolResult struct {
	Content string
	IsError bool
	// UserDisplay optionally replaces Content when shown to the user.
	UserDisplay string
	// Cost is a fixed USD cost for the execution, added to the turn total.
	Cost decimal.Decimal
	// Usage covers token-metered nested model calls inside the tool.
	Usage models.TokenUsage
}

// ToolHandler executes one call.
type ToolHandler func(ctx context.Context, tc *TurnContext, input json.RawMessage) (*ToolResult, error)

// ToolDescriptor declares a tool: its schema, pricing class, display
// affordances, and input validation.
type ToolDescriptor struct {
	Name        string
	Description string
	// Emoji prefixes the inline marker while the tool runs.
	Emoji string
	// Paid tools are pre-checked against the balance before execution.
	Paid bool
	// InputSchema is the JSON schema advertised to the model and enforced
	// on every call.
	InputSchema json.RawMessage
	// AllowedMIMEPrefixes restricts which file types the tool accepts.
	// Empty means no file validation.
	AllowedMIMEPrefixes []string
	Handler             ToolHandler

	compiled *jsonschema.Schema
}

// ValidateInput checks a call's input against the schema. Failures are
// model-correctable, so they come back as ToolValidationError.
func (d *ToolDescriptor) ValidateInput(input json.RawMessage) error {
	if d.compiled == nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return &ToolValidationError{ToolName: d.Name, Reason: fmt.Sprintf("input is not valid JSON: %v", err)}
	}
	if err := d.compiled.Validate(decoded); err != nil {
		return &ToolValidationError{ToolName: d.Name, Reason: err.Error()}
	}
	return nil
}

// ValidateMIME checks a file type against the tool's allow list.
func (d *ToolDescriptor) ValidateMIME(mime string) error {
	if len(d.AllowedMIMEPrefixes) == 0 {
		return nil
	}
	for _, prefix := range d.AllowedMIMEPrefixes {
		if strings.HasPrefix(mime, prefix) {
			return nil
		}
	}
	return &ToolValidationError{
		ToolName: d.Name,
		Reason:   fmt.Sprintf("file type %s not supported; expected %s", mime, strings.Join(d.AllowedMIMEPrefixes, " or ")),
	}
}

// Registry holds the available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDescriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolDescriptor)}
}

// Register adds a tool, compiling its schema. A schema that does not
// compile is a programming error surfaced at startup.
func (r *Registry) Register(d *ToolDescriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("tool descriptor requires a name")
	}
	if len(d.InputSchema) > 0 {
		compiled, err := jsonschema.CompileString(d.Name+".schema.json", string(d.InputSchema))
		if err != nil {
			return fmt.Errorf("compile schema for tool %s: %w", d.Name, err)
		}
		d.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("tool %s already registered", d.Name)
	}
	r.tools[d.Name] = d
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Definitions renders the registry as provider tool params, sorted by name
// for a stable request shape (prompt caching depends on it).
func (r *Registry) Definitions() []anthropic.BetaToolUnionParam {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]anthropic.BetaToolUnionParam, 0, len(names))
	for _, name := range names {
		d := r.tools[name]
		var schema anthropic.BetaToolInputSchemaParam
		if len(d.InputSchema) > 0 {
			var raw map[string]any
			if err := json.Unmarshal(d.InputSchema, &raw); err == nil {
				if props, ok := raw["properties"]; ok {
					schema.Properties = props
				}
				if req, ok := raw["required"].([]any); ok {
					required := make([]string, 0, len(req))
					for _, v := range req {
						if s, ok := v.(string); ok {
							required = append(required, s)
						}
					}
					schema.Required = required
				}
			}
		}
		out = append(out, anthropic.BetaToolUnionParam{
			OfTool: &anthropic.BetaToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

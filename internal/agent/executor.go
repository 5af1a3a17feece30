package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castellanbot/castellan/internal/billing"
	"github.com/castellanbot/castellan/internal/models"
	"github.com/castellanbot/castellan/internal/observability"
	"github.com/castellanbot/castellan/internal/provider"
	"github.com/castellanbot/castellan/internal/storage"
)

// maxToolConcurrency bounds parallel tool execution within one turn.
const maxToolConcurrency = 5

// paidToolChecker is the billing surface the executor needs.
type paidToolChecker interface {
	PaidToolCheck(ctx context.Context, userID int64) billing.Verdict
}

// Executor runs a turn's tool calls in parallel and reassembles results in
// input order for the continuation call.
type Executor struct {
	registry *Registry
	policy   paidToolChecker
	queue    enqueuer
	logger   *observability.Logger
	metrics  *observability.Metrics
	sem      chan struct{}
}

// enqueuer is the write-behind surface for tool call accounting rows.
type enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any)
}

// NewExecutor wires the executor.
func NewExecutor(registry *Registry, policy paidToolChecker, queue enqueuer, logger *observability.Logger, metrics *observability.Metrics) *Executor {
	return &Executor{
		registry: registry,
		policy:   policy,
		queue:    queue,
		logger:   logger,
		metrics:  metrics,
		sem:      make(chan struct{}, maxToolConcurrency),
	}
}

// ExecuteAll runs every call concurrently, bounded by the semaphore, and
// returns results aligned with the input slice. Tool failures never
// surface as errors; they become structured error results the model can
// react to.
func (e *Executor) ExecuteAll(ctx context.Context, tc *TurnContext, calls []*provider.ToolCall) []*ToolResult {
	results := make([]*ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call *provider.ToolCall) {
			defer wg.Done()
			e.sem <- struct{}{}
			defer func() { <-e.sem }()
			results[i] = e.executeOne(ctx, tc, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Executor) executeOne(ctx context.Context, tc *TurnContext, call *provider.ToolCall) (result *ToolResult) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "tool panicked",
				"tool", call.Name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			outcome = "panic"
			result = &ToolResult{
				Content: fmt.Sprintf("tool %s failed unexpectedly", call.Name),
				IsError: true,
			}
		}
		e.record(ctx, tc, call, result, time.Since(start), outcome)
	}()

	desc, ok := e.registry.Get(call.Name)
	if !ok {
		outcome = "unknown"
		return &ToolResult{Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}
	}

	if desc.Paid && e.policy != nil {
		if verdict := e.policy.PaidToolCheck(ctx, tc.UserID); !verdict.Allowed {
			if e.metrics != nil {
				e.metrics.ToolPrecheckRejected.WithLabelValues(call.Name).Inc()
			}
			outcome = "insufficient_balance"
			body, _ := json.Marshal(map[string]string{
				"error":       "insufficient_balance",
				"balance_usd": verdict.Balance.StringFixed(2),
				"tool_name":   call.Name,
			})
			return &ToolResult{Content: string(body), IsError: true}
		}
	}

	if err := desc.ValidateInput(call.Input); err != nil {
		// Model-correctable, not a system failure.
		outcome = "invalid_input"
		return &ToolResult{Content: err.Error(), IsError: true}
	}

	res, err := desc.Handler(ctx, tc, call.Input)
	if err != nil {
		e.logger.Warn(ctx, "tool execution failed",
			"tool", call.Name, "duration_ms", time.Since(start).Milliseconds(), "error", err.Error())
		outcome = "error"
		return &ToolResult{
			Content: fmt.Sprintf("error: %s (tool %s, %dms)", err.Error(), call.Name, time.Since(start).Milliseconds()),
			IsError: true,
		}
	}
	return res
}

// record persists the accounting row and counts metrics.
func (e *Executor) record(ctx context.Context, tc *TurnContext, call *provider.ToolCall, result *ToolResult, elapsed time.Duration, outcome string) {
	if e.metrics != nil {
		e.metrics.ToolExecutionCounter.WithLabelValues(call.Name, outcome).Inc()
		e.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())
	}
	if e.queue == nil || result == nil {
		return
	}
	rec := &models.ToolCallRecord{
		ID:         uuid.NewString(),
		UserID:     tc.UserID,
		ChatID:     tc.ChatID,
		ThreadID:   tc.ThreadID,
		ToolName:   call.Name,
		ModelID:    tc.ModelID,
		Usage:      result.Usage,
		CostUSD:    result.Cost,
		DurationMS: elapsed.Milliseconds(),
		Success:    !result.IsError,
		CreatedAt:  time.Now().UTC(),
	}
	if result.IsError {
		rec.Error = result.Content
	}
	e.queue.Enqueue(ctx, storage.KindToolCallInsert, rec)
}

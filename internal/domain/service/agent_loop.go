package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/corerun/agentcore/internal/domain/core"
	"github.com/corerun/agentcore/internal/domain/entity"
	domaintool "github.com/corerun/agentcore/internal/domain/tool"
	"go.uber.org/zap"
)

// AgentLoopConfig holds configuration for the agent's ReAct loop
type AgentLoopConfig struct {
	MaxOutputChars int     // Maximum characters per tool output before truncation (default: 32000)
	Temperature    float64 // LLM temperature
	Model          string  // LLM model identifier

	// Per-model policy overrides from config.yaml.
	// Keys are matched by substring against model ID (e.g. "qwen3", "minimax").
	ModelPolicies map[string]*ModelPolicyOverride

	// Auto-retry configuration
	MaxRetries    int           // Max retries per LLM call (default: 3)
	RetryBaseWait time.Duration // Base wait between retries (default: 2s, exponential: 2s, 4s, 8s)

	// Context compaction
	CompactKeepLast int // Number of recent messages to preserve during compaction (default: 10)

	// Parallel tool execution (within a C7 batch)
	MaxParallelTools int // Max concurrent tool executions per batch (default: 4, 1 = sequential)

	ToolTimeout      time.Duration // Per-tool execution timeout (default 30s)
	ContextMaxTokens int           // Context window token limit (default 128000)
	ContextWarnRatio float64       // Warn when context > this ratio (default 0.7)
	ContextHardRatio float64       // Force compact when > this ratio (default 0.85)

	// C5 budget tracking. Zero value uses DefaultExecutionBudget().
	Budget BudgetTrackerConfig

	RunTimeout time.Duration // 0 = unbounded, run until token budget or LLM stop
}

// DefaultAgentLoopConfig returns production-ready defaults. Run continues
// until the LLM stops calling tools or C5's BudgetTracker signals a hard
// stop — there is no fixed step ceiling.
func DefaultAgentLoopConfig() AgentLoopConfig {
	return AgentLoopConfig{
		MaxOutputChars:   32000,
		Temperature:      0.7,
		MaxRetries:       3,
		RetryBaseWait:    2 * time.Second,
		CompactKeepLast:  10,
		MaxParallelTools: 4,
		ToolTimeout:      30 * time.Second,
		ContextMaxTokens: 128000,
		ContextWarnRatio: 0.7,
		ContextHardRatio: 0.85,
		Budget:           DefaultBudgetTrackerConfig(),
	}
}

// LLMClient is the interface the agent loop uses to communicate with language models.
// It decouples the loop from specific LLM provider implementations.
type LLMClient interface {
	// Generate sends a prompt with tool definitions and history, returning a full response.
	Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error)

	// GenerateStream sends a prompt and streams back partial responses.
	// The channel is closed when the stream ends. The caller must drain it.
	// Returns the final accumulated LLMResponse after the channel is closed.
	GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error)
}

// StreamChunk represents a single delta from a streaming LLM response.
type StreamChunk struct {
	DeltaText     string               // Incremental text content
	DeltaToolCall *entity.ToolCallInfo // Incremental tool call (may arrive in fragments)
	FinishReason  string               // "stop", "tool_calls", "" (not yet finished)
}

// LLMRequest is the request sent to the language model
type LLMRequest struct {
	Messages    []LLMMessage            `json:"messages"`
	Tools       []domaintool.Definition `json:"tools,omitempty"`
	Model       string                  `json:"model"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature float64                 `json:"temperature"`
}

// LLMMessage represents a single message in the conversation
type LLMMessage struct {
	Role       string                `json:"role"` // "system", "user", "assistant", "tool"
	Content    string                `json:"content"`
	Parts      []ContentPart         `json:"parts,omitempty"` // Multimodal content (takes precedence over Content)
	ToolCalls  []entity.ToolCallInfo `json:"tool_calls,omitempty"`
	ToolCallID string                `json:"tool_call_id,omitempty"`
	Name       string                `json:"name,omitempty"`
}

// ContentPart represents a multimodal content fragment.
type ContentPart struct {
	Type     string `json:"type"`               // "text", "image", "audio", "file"
	Text     string `json:"text,omitempty"`      // Content when Type="text"
	MediaURL string `json:"media_url,omitempty"` // URL when Type="image"/"audio"/"file"
	MimeType string `json:"mime_type,omitempty"` // e.g. "image/png"
	Data     []byte `json:"data,omitempty"`      // Inline binary data (optional)
}

// TextContent returns all text content, joining text parts or falling back to Content.
func (m *LLMMessage) TextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return m.Content
	}
	return strings.Join(texts, "\n")
}

// HasMedia returns true if the message contains non-text content.
func (m *LLMMessage) HasMedia() bool {
	for _, p := range m.Parts {
		if p.Type != "text" {
			return true
		}
	}
	return false
}

// LLMResponse is the response from the language model
type LLMResponse struct {
	Content    string                `json:"content"`
	ToolCalls  []entity.ToolCallInfo `json:"tool_calls,omitempty"`
	ModelUsed  string                `json:"model_used"`
	TokensUsed int                   `json:"tokens_used"`
}

// ToolExecutor is the interface for executing tools within the agent loop
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error)
	GetDefinitions() []domaintool.Definition
	// GetToolKind returns the Kind of a registered tool (defaults to "execute" if unknown)
	GetToolKind(name string) domaintool.Kind
}

// AgentLoop implements the ReAct (Reason + Act) agent loop — C12. Tool
// calls within a step are grouped into conflict-free batches by C7's
// Schedule(), budget/doom-loop enforcement runs through a per-run C5
// BudgetTracker (optionally sharing cross-worker state via C6), and
// every lifecycle event is fanned out through an optional C3 EventQueue
// in addition to the per-run channel Run returns.
type AgentLoop struct {
	llm        LLMClient
	tools      ToolExecutor
	config     AgentLoopConfig
	hooks      AgentHook
	middleware *MiddlewarePipeline
	toolCache  *ToolResultCache
	logger     *zap.Logger

	events     *core.EventQueue // C3, optional
	sharedLoop *SharedLoopState // C6, optional
}

// NewAgentLoop creates a new ReAct agent loop
func NewAgentLoop(llm LLMClient, tools ToolExecutor, config AgentLoopConfig, logger *zap.Logger) *AgentLoop {
	if config.MaxOutputChars <= 0 {
		config.MaxOutputChars = 32000
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseWait <= 0 {
		config.RetryBaseWait = 2 * time.Second
	}
	if config.CompactKeepLast <= 0 {
		config.CompactKeepLast = 10
	}
	if config.MaxParallelTools <= 0 {
		config.MaxParallelTools = 4
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 30 * time.Second
	}
	if config.ContextMaxTokens <= 0 {
		config.ContextMaxTokens = 128000
	}
	if config.ContextWarnRatio <= 0 {
		config.ContextWarnRatio = 0.7
	}
	if config.ContextHardRatio <= 0 {
		config.ContextHardRatio = 0.85
	}
	if config.Budget.Budget == (ExecutionBudget{}) {
		config.Budget = DefaultBudgetTrackerConfig()
	}

	return &AgentLoop{
		llm:        llm,
		tools:      tools,
		config:     config,
		hooks:      &NoOpHook{},
		middleware: NewMiddlewarePipeline(logger),
		toolCache:  NewToolResultCache(30*time.Second, 100),
		logger:     logger,
	}
}

// SetHooks replaces the hook chain for this agent loop.
func (a *AgentLoop) SetHooks(hooks AgentHook) {
	if hooks != nil {
		a.hooks = hooks
	}
}

// SetMiddleware replaces the middleware pipeline for this agent loop.
func (a *AgentLoop) SetMiddleware(mw *MiddlewarePipeline) {
	if mw != nil {
		a.middleware = mw
	}
}

// SetEventQueue wires this run's lifecycle events into a shared C3
// EventQueue, so other components (dashboards, the task manager's
// recovery notifications) can subscribe independently of the per-run
// channel Run returns. Passing nil disables it (default).
func (a *AgentLoop) SetEventQueue(q *core.EventQueue) {
	a.events = q
}

// SetSharedLoopState wires this loop's BudgetTracker into a process-wide
// C6 fingerprint counter, so doom loops spanning a parent agent and its
// subagents are caught even though each runs its own BudgetTracker.
func (a *AgentLoop) SetSharedLoopState(s *SharedLoopState) {
	a.sharedLoop = s
}

// AgentResult is the final result of the agent loop
type AgentResult struct {
	FinalContent string
	TotalSteps   int
	TotalTokens  int
	ModelUsed    string
	ToolsUsed    []string
}

// Run executes the ReAct loop, emitting events to the provided channel.
// The caller should read from eventCh until it's closed.
// modelOverride, when non-empty, overrides the default model for this run.
func (a *AgentLoop) Run(ctx context.Context, systemPrompt string, userMessage string, history []LLMMessage, modelOverride string) (*AgentResult, <-chan entity.AgentEvent) {
	eventCh := make(chan entity.AgentEvent, 64)

	result := &AgentResult{}

	// Inject trace ID for structured logging and as this run's submission
	// correlation ID on the C3 EventQueue.
	ctx = WithTraceID(ctx, "")
	submissionID := TraceIDFromContext(ctx)
	a.logger = a.logger.With(zap.String("trace_id", submissionID))

	if a.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.RunTimeout)
		defer cancel()
	}

	// Clear tool cache for each new run
	a.toolCache.Clear()

	// Create a state machine for this run
	sm := NewStateMachine(0, a.logger) // 0 = unlimited steps (bounded by budget)

	// Wire hooks into state machine transitions
	sm.OnTransition(func(from, to AgentState, snap StateSnapshot) {
		a.hooks.OnStateChange(from, to, snap)
	})

	go func() {
		defer close(eventCh)
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("Agent loop panicked",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				a.emitEvent(eventCh, submissionID, entity.AgentEvent{
					Type:  entity.EventError,
					Error: fmt.Sprintf("internal error: %v", r),
				})
				result.FinalContent = fmt.Sprintf("internal error: %v", r)
			}
		}()
		a.runLoop(ctx, submissionID, systemPrompt, userMessage, history, result, eventCh, sm, modelOverride)
	}()

	return result, eventCh
}

func (a *AgentLoop) runLoop(
	ctx context.Context,
	submissionID string,
	systemPrompt string,
	userMessage string,
	history []LLMMessage,
	result *AgentResult,
	eventCh chan<- entity.AgentEvent,
	sm *StateMachine,
	modelOverride string,
) {
	// Store user message in context for MemoryMiddleware
	ctx = WithUserMessage(ctx, userMessage)

	// Build initial messages
	messages := make([]LLMMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, LLMMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, LLMMessage{Role: "user", Content: userMessage})

	toolDefs := a.tools.GetDefinitions()
	toolsUsedSet := make(map[string]bool)

	// === C5: per-run budget tracker (usage accounting + doom-loop rings) ===
	budgetCfg := a.config.Budget
	budgetCfg.Shared = a.sharedLoop
	tracker := NewBudgetTracker(submissionID, budgetCfg, a.logger)

	// Context-window compaction is a separate ambient concern from C5's
	// usage budget: it reacts to estimated prompt size, not to spend.
	contextGuard := NewContextGuard(a.config.ContextMaxTokens, a.config.ContextWarnRatio, a.config.ContextHardRatio, a.logger)

	consecutiveFailures := 0    // Track consecutive tool failures for early abort
	overflowCompactions := 0    // Track auto-compaction retries on context overflow (max 3)
	compactionThisTurn := false // auto-continue once after compaction

	// Many models emit all useful narration during intermediate tool-calling
	// steps and return empty content on the final step. This slice captures
	// each non-empty assistant response so the last one can be used as a
	// fallback when the final step's content is empty.
	var assistantTexts []string

	// Determine effective model for this run
	model := a.config.Model
	if modelOverride != "" {
		model = modelOverride
		a.logger.Info("Model override active", zap.String("override", modelOverride))
	}

	// Resolve per-model policy for this run
	policy := ResolveModelPolicy(model, a.config.ModelPolicies)
	a.logger.Info("Model policy resolved",
		zap.String("model", model),
		zap.String("reasoning_format", policy.ReasoningFormat),
		zap.Int("progress_interval", policy.ProgressInterval),
		zap.String("prompt_style", policy.PromptStyle),
	)

	// No fixed step ceiling: the loop runs until the LLM stops calling
	// tools or CheckBudget() (C5) signals a hard stop.
	for step := 1; ; step++ {
		sm.SetStep(step)

		// Cancellation checkpoint before every model call (spec §5).
		if err := ctx.Err(); err != nil {
			_ = sm.Transition(StateAborted)
			a.emitEvent(eventCh, submissionID, entity.AgentEvent{
				Type:  entity.EventError,
				Error: "context cancelled",
			})
			return
		}

		a.logger.Info("Agent loop step",
			zap.Int("step", step),
			zap.Int("messages", len(messages)),
		)

		// === Progress injection: policy-driven interval with escalating urgency ===
		if policy.ProgressInterval > 0 && step > 1 && step%policy.ProgressInterval == 0 {
			if msg := policy.BuildProgressMessage(step); msg != "" {
				messages = append(messages, LLMMessage{
					Role:    "user",
					Content: msg,
				})
			}
		}

		// === Context compaction (token-based only — no fixed message count threshold) ===
		ctxCheck := contextGuard.Check(messages)
		if ctxCheck.NeedCompaction {
			_ = sm.Transition(StateCompacting)
			messages = a.compactMessages(messages)
			compactionThisTurn = true
			a.logger.Info("Context compacted (token threshold)",
				zap.Int("messages_after", len(messages)),
				zap.Int("estimated_tokens", ctxCheck.EstimatedTokens),
				zap.Float64("ratio", ctxCheck.Ratio),
			)
		}

		// === Sanitize messages (fix orphan tool_use blocks) ===
		messages = sanitizeMessages(messages)

		// === 1. Call LLM with auto-retry ===
		_ = sm.Transition(StateStreaming)

		// === Middleware: BeforeModel (transform messages) ===
		mwMessages := a.middleware.RunBeforeModel(ctx, messages, step)

		llmReq := &LLMRequest{
			Messages:    mwMessages,
			Tools:       toolDefs,
			Model:       model,
			Temperature: a.config.Temperature,
		}

		a.hooks.BeforeLLMCall(ctx, llmReq, step)

		resp, err := a.callLLMWithRetry(ctx, llmReq, step, eventCh)
		if err != nil {
			// Reactive overflow detection: if the API returns a context
			// overflow error, auto-compact and retry instead of failing
			// immediately. Max 3 attempts.
			if IsContextOverflowError(err) && overflowCompactions < 3 {
				overflowCompactions++
				a.logger.Warn("Context overflow detected, auto-compacting",
					zap.Int("attempt", overflowCompactions),
					zap.Int("messages", len(messages)),
					zap.Error(err),
				)
				_ = sm.Transition(StateCompacting)
				messages = a.compactMessages(messages)
				a.logger.Info("Auto-compaction complete, retrying LLM call",
					zap.Int("messages_after", len(messages)),
				)
				continue // retry the loop iteration with compacted context
			}

			// All retries exhausted
			sm.RecordError()
			_ = sm.Transition(StateError)
			a.hooks.OnError(ctx, err, step)
			a.emitEvent(eventCh, submissionID, entity.AgentEvent{
				Type:  entity.EventError,
				Error: fmt.Sprintf("LLM error at step %d (after %d retries): %v", step, a.config.MaxRetries, err),
			})
			result.FinalContent = fmt.Sprintf("Error: %v", err)
			return
		}

		result.TotalTokens += resp.TokensUsed
		result.ModelUsed = resp.ModelUsed
		result.TotalSteps = step
		sm.AddTokens(resp.TokensUsed)
		sm.SetModel(resp.ModelUsed)

		// === C5: record usage and evaluate the priority-ordered budget check ===
		tracker.RecordLLM(0, int64(resp.TokensUsed), resp.ModelUsed, nil)
		if check := tracker.CheckBudget(); !check.CanContinue {
			_ = sm.Transition(StateError)
			a.hooks.OnError(ctx, check.Stop, step)
			a.emitEvent(eventCh, submissionID, entity.AgentEvent{
				Type:  entity.EventError,
				Error: fmt.Sprintf("budget exceeded: %v", check.Stop),
			})
			result.FinalContent = fmt.Sprintf("Stopped: %v", check.Stop)
			return
		} else if check.Suggestion == SuggestRequestExtension {
			if !tracker.RequestExtension(ctx, "approaching budget limit") {
				messages = append(messages, LLMMessage{
					Role:    "user",
					Content: "[SYSTEM] You are approaching your resource budget and no extension was granted. Wrap up and report your current progress and any blockers.",
				})
			}
		}

		// === Middleware: AfterModel (transform response) ===
		resp = a.middleware.RunAfterModel(ctx, resp, step)

		a.hooks.AfterLLMCall(ctx, resp, step)

		// 2. Emit step info with state
		snap := sm.Snapshot()
		a.emitEvent(eventCh, submissionID, entity.AgentEvent{
			Type: entity.EventStepDone,
			StepInfo: &entity.StepInfo{
				Step:       step,
				TokensUsed: resp.TokensUsed,
				ModelUsed:  resp.ModelUsed,
				State:      string(snap.State),
			},
		})

		// 3. Check if there are tool calls
		if len(resp.ToolCalls) == 0 {
			// Auto-continue once after compaction: the LLM might stop
			// prematurely because it lost context. Give it one more chance.
			if compactionThisTurn {
				compactionThisTurn = false // only continue once, preventing infinite loop
				a.logger.Info("Auto-continue after compaction", zap.Int("step", step))
				messages = append(messages, LLMMessage{Role: "assistant", Content: resp.Content})
				messages = append(messages, LLMMessage{Role: "user", Content: "continue"})
				continue // retry the loop — LLM gets fresh context after compaction
			}

			// No tool calls — final response
			finalContent := StripReasoningTags(resp.Content)

			// Fallback 1: if final step content is empty after multi-step
			// execution, request a proper summary from the model. This
			// produces a coherent answer rather than reusing intermediate
			// narration, which is just the model's plan announcement.
			if strings.TrimSpace(finalContent) == "" && step > 1 {
				// Ensure proper role alternation: the last message is a
				// tool-result (role=tool) from the final tool call. Some
				// APIs require assistant-then-user alternation, so insert
				// a minimal assistant acknowledgment if needed.
				if last := messages[len(messages)-1]; last.Role != "assistant" {
					messages = append(messages, LLMMessage{
						Role:    "assistant",
						Content: "Done with the tool calls.",
					})
				}
				messages = append(messages, LLMMessage{
					Role:    "user",
					Content: "Summarize concisely what you just did and the final result. Do not repeat the plan, only the outcome.",
				})
				summaryReq := &LLMRequest{
					Messages:    messages,
					Tools:       nil, // No tools — force text response
					Model:       model,
					Temperature: a.config.Temperature,
				}
				summaryResp, err := a.callLLMWithRetry(ctx, summaryReq, step+1, eventCh)
				if err == nil && strings.TrimSpace(summaryResp.Content) != "" {
					finalContent = StripReasoningTags(summaryResp.Content)
				}
			}

			// Fallback 2: if the summary also failed, use the last
			// collected assistant text. Better than nothing, even though
			// intermediate narration is not ideal as a final answer.
			if strings.TrimSpace(finalContent) == "" && len(assistantTexts) > 0 {
				finalContent = assistantTexts[len(assistantTexts)-1]
			}

			result.FinalContent = finalContent
			_ = sm.Transition(StateComplete)
			a.hooks.OnComplete(ctx, result)
			a.emitEvent(eventCh, submissionID, entity.AgentEvent{Type: entity.EventDone})
			for name := range toolsUsedSet {
				result.ToolsUsed = append(result.ToolsUsed, name)
			}
			return
		}

		// Collect intermediate assistant text during tool-calling steps:
		// some models produce useful narration alongside tool calls, used
		// as fallback if the final step returns empty content.
		if cleaned := strings.TrimSpace(StripReasoningTags(resp.Content)); cleaned != "" {
			assistantTexts = append(assistantTexts, cleaned)
		}

		// 4. Append assistant message with tool calls to history
		messages = append(messages, LLMMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// 5. Batch and execute tool calls via C7's scheduler.
		_ = sm.Transition(StateToolExec)

		for _, tc := range resp.ToolCalls {
			a.emitEvent(eventCh, submissionID, entity.AgentEvent{
				Type: entity.EventToolCall,
				ToolCall: &entity.ToolCallEvent{
					ID:        tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}

		specs := make([]ToolCallSpec, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			specs[i] = ToolCallSpec{Index: i, Call: tc, Args: tc.Arguments}
		}
		batches := Schedule(specs)

		var reflectionPrompts []string
		allFailed := len(resp.ToolCalls) > 0
		for batchIdx, batch := range batches {
			// Cancellation checkpoint at each batch boundary (spec §5).
			if err := ctx.Err(); err != nil {
				_ = sm.Transition(StateAborted)
				a.emitEvent(eventCh, submissionID, entity.AgentEvent{
					Type:  entity.EventError,
					Error: "context cancelled",
				})
				return
			}

			batchResults := a.executeBatch(ctx, batch)

			for j, r := range batchResults {
				tc := batch[j].Call
				toolsUsedSet[tc.Name] = true
				sm.RecordToolExec(tc.Name)

				tracker.RecordTool(tc.Name, tc.Arguments, r.Success)
				if r.Success {
					allFailed = false
				}

				a.emitEvent(eventCh, submissionID, entity.AgentEvent{
					Type: entity.EventToolResult,
					ToolCall: &entity.ToolCallEvent{
						ID:        tc.ID,
						Name:      tc.Name,
						Arguments: tc.Arguments,
						Output:    r.Output,
						Display:   r.Display,
						Success:   r.Success,
						Duration:  r.Duration,
					},
				})

				messages = append(messages, LLMMessage{
					Role:       "tool",
					Content:    r.Output,
					ToolCallID: tc.ID,
					Name:       tc.Name,
				})
			}
			_ = batchIdx

			// Doom-loop check after each batch: never mid-batch — the
			// signal should reflect what the LLM has actually observed so
			// far, matching C5's "exact 3 / fuzzy 4" rings.
			if exact, fuzzy := tracker.DoomLoopSignal(); exact {
				reflectionPrompts = append(reflectionPrompts,
					"[SYSTEM] The same tool call has now repeated identically three times in a row; it will not produce a different result. Stop retrying and either change approach or report the result to the user.")
			} else if fuzzy {
				reflectionPrompts = append(reflectionPrompts,
					"[SYSTEM] You have called the same tool against the same target repeatedly without making progress. Stop and reconsider your approach.")
			}
		}

		if allFailed && len(resp.ToolCalls) > 0 {
			consecutiveFailures++
		} else {
			consecutiveFailures = 0
		}

		// If 3 consecutive rounds of all-failed tools, inject reflection
		if consecutiveFailures >= 3 {
			messages = append(messages, LLMMessage{
				Role:    "user",
				Content: "[SYSTEM] Tools have failed for 3 consecutive rounds. Stop retrying and tell the user what you tried and what you recommend.",
			})
			consecutiveFailures = 0
		}

		// Inject doom-loop reflection prompts (if any), deduplicated.
		seen := make(map[string]bool)
		for _, prompt := range reflectionPrompts {
			if seen[prompt] {
				continue
			}
			seen[prompt] = true
			messages = append(messages, LLMMessage{Role: "user", Content: prompt})
		}

		// === Post-tool context check ===
		// If tool outputs pushed us over the hard ratio, force compaction now.
		postToolCheck := contextGuard.Check(messages)
		if postToolCheck.NeedCompaction {
			a.logger.Warn("Post-tool context overflow, forcing compaction",
				zap.Int("estimated_tokens", postToolCheck.EstimatedTokens),
				zap.Float64("ratio", postToolCheck.Ratio),
			)
			_ = sm.Transition(StateCompacting)
			messages = a.compactMessages(messages)
			compactionThisTurn = true
			a.logger.Info("Post-tool compaction complete",
				zap.Int("messages_after", len(messages)),
			)
		}

		// Continue loop — go back to step 1 (call LLM again)
	}
}

// toolExecResult is one executed tool call's outcome within a C7 batch.
type toolExecResult struct {
	Output   string
	Display  string // Rich UI output from tool (may be empty)
	Success  bool
	Duration time.Duration
}

// executeBatch runs every call in a single C7 Batch concurrently, bounded
// by MaxParallelTools, and returns results in the batch's own order.
func (a *AgentLoop) executeBatch(ctx context.Context, batch Batch) []toolExecResult {
	results := make([]toolExecResult, len(batch))
	var wg sync.WaitGroup
	sem := make(chan struct{}, a.config.MaxParallelTools)

	for i, spec := range batch {
		wg.Add(1)
		go func(idx int, call entity.ToolCallInfo) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = toolExecResult{Output: "context cancelled", Success: false}
				return
			}

			if !a.hooks.BeforeToolCall(ctx, call.Name, call.Arguments) {
				a.logger.Info("Tool call vetoed by hook", zap.String("tool", call.Name))
				results[idx] = toolExecResult{
					Output:  fmt.Sprintf("Tool '%s' was blocked by security policy", call.Name),
					Success: false,
				}
				return
			}

			start := time.Now()

			if cached, cachedSuccess, hit := a.toolCache.Get(call.Name, call.Arguments); hit {
				a.logger.Debug("Tool cache hit", zap.String("tool", call.Name))
				results[idx] = toolExecResult{Output: cached, Success: cachedSuccess, Duration: time.Since(start)}
				a.hooks.AfterToolCall(ctx, call.Name, cached, cachedSuccess)
				return
			}

			toolCtx := ctx
			if a.config.ToolTimeout > 0 {
				var toolCancel context.CancelFunc
				toolCtx, toolCancel = context.WithTimeout(ctx, a.config.ToolTimeout)
				defer toolCancel()
			}

			toolResult, err := a.tools.Execute(toolCtx, call.Name, call.Arguments)
			duration := time.Since(start)

			var output string
			var success bool

			if err != nil {
				output = fmt.Sprintf("[TOOL_FAILED] %s\n[ERROR] %v\n[HINT] The tool raised an error. If this persists, stop retrying and tell the user.", call.Name, err)
				success = false
				a.logger.Error("Tool execution failed",
					zap.String("tool", call.Name),
					zap.Duration("duration", duration),
					zap.Error(err),
				)
			} else {
				success = toolResult.Success
				if !success {
					errText := toolResult.Error
					if errText == "" {
						errText = toolResult.Output
					}
					exitCode := 1
					hint := "command failed"
					if toolResult.Metadata != nil {
						if ec, ok := toolResult.Metadata["exit_code"].(int); ok {
							exitCode = ec
							hint = exitCodeHint(ec)
						}
					}
					output = fmt.Sprintf("[TOOL_FAILED] %s\n[EXIT_CODE] %d — %s\n[OUTPUT]\n%s",
						call.Name, exitCode, hint, errText)
				} else {
					output = toolResult.Output
				}
			}

			output = truncateOutput(output, a.config.MaxOutputChars)
			a.toolCache.Put(call.Name, call.Arguments, output, success)

			var display string
			if toolResult != nil {
				display = toolResult.Display
			}

			results[idx] = toolExecResult{Output: output, Display: display, Success: success, Duration: duration}
		}(i, spec.Call)
	}

	wg.Wait()
	return results
}

// exitCodeHint returns a human-readable explanation for common process
// exit codes, used to annotate failed `bash`-family tool calls.
func exitCodeHint(code int) string {
	switch code {
	case 0:
		return "success"
	case 1:
		return "general error — check command arguments or file paths"
	case 2:
		return "usage error — incorrect command syntax"
	case 124:
		return "timed out — command did not finish in time, possibly network or service unresponsive"
	case 126:
		return "permission denied — file is not executable"
	case 127:
		return "command not found — check the command name or PATH"
	case 128:
		return "terminated by signal — process exited abnormally"
	case 130:
		return "interrupted (Ctrl+C)"
	case 137:
		return "killed (SIGKILL) — possibly out of memory (OOM)"
	case 139:
		return "segmentation fault (SIGSEGV)"
	case 143:
		return "terminated (SIGTERM)"
	case 255:
		return "connection failed — check host reachability, port, authentication"
	default:
		if code > 128 {
			return fmt.Sprintf("terminated by signal %d", code-128)
		}
		return "unknown error"
	}
}

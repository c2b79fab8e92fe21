package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/agent"
	"github.com/corerun/agentcore/internal/domain/blackboard"
	"github.com/corerun/agentcore/internal/domain/service"
	domaintool "github.com/corerun/agentcore/internal/domain/tool"
)

// depthKey is the context key for tracking sub-agent nesting depth.
type depthKey struct{}

// SubAgentTool allows the main agent to delegate sub-tasks to a new
// AgentLoop instance. It runs that instance through domain/agent.SubagentSpawner
// (C11) so spawns are semaphore-bounded and blackboard-mediated instead
// of fired ad hoc — the depth check below remains as the tool's own
// recursion guard, separate from the spawner's concurrency limit.
//
// A fan-out of several independent sub-tasks (the "tasks" argument) is
// dispatched through domain/agent.Pool (C10) instead: the spawner's
// semaphore only bounds how many children run at once, while Pool gives
// the fan-out case a non-blocking Dispatch/WaitForAny drain so results
// are collected as each child finishes rather than waiting on the
// slowest in a fixed batch.
type SubAgentTool struct {
	llm             service.LLMClient
	tools           service.ToolExecutor
	defaultModel    string
	defaultMaxSteps int
	timeout         time.Duration
	logger          *zap.Logger
	spawner         *agent.SubagentSpawner
	pool            *agent.Pool
}

func NewSubAgentTool(llm service.LLMClient, tools service.ToolExecutor, defaultModel string, maxSteps int, timeout time.Duration, board blackboard.Blackboard, logger *zap.Logger) *SubAgentTool {
	if maxSteps <= 0 {
		maxSteps = 25
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	t := &SubAgentTool{
		llm:             llm,
		tools:           tools,
		defaultModel:    defaultModel,
		defaultMaxSteps: maxSteps,
		timeout:         timeout,
		logger:          logger,
	}

	runner := func(ctx context.Context, req agent.ChildRunRequest) (agent.SubagentResult, error) {
		return t.runChild(ctx, req)
	}
	t.spawner = agent.NewSubagentSpawner(agent.SpawnerConfig{
		MaxConcurrent: 5,
		TopicPatterns: []string{"progress.*", "blocker.*"},
		Timeout:       timeout,
	}, board, runner, logger.Named("subagent-spawner"))

	t.pool = agent.NewPool(agent.PoolConfig{MaxConcurrency: 5}, logger.Named("subagent-pool"))

	return t
}

func (t *SubAgentTool) Name() string        { return "spawn_agent" }
func (t *SubAgentTool) Kind() domaintool.Kind { return domaintool.KindExecute }

func (t *SubAgentTool) Description() string {
	return "Delegate a sub-task to an independent agent that has access to all the same tools. " +
		"Use this for complex tasks that benefit from focused, isolated execution. " +
		"The sub-agent runs its own ReAct loop and returns the final result. " +
		"Example: spawning an agent to audit a codebase, research a topic, or execute a multi-step procedure. " +
		"Pass 'tasks' instead of 'task' to fan a batch of independent sub-tasks out across a worker pool."
}

func (t *SubAgentTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "A clear description of the sub-task for the agent to complete",
			},
			"tasks": map[string]interface{}{
				"type":        "array",
				"description": "Run several independent sub-tasks concurrently instead of one; mutually exclusive with 'task'.",
				"items":       map[string]interface{}{"type": "string"},
			},
			"system_prompt": map[string]interface{}{
				"type":        "string",
				"description": "Optional system prompt to give the sub-agent a specific role or context",
			},
			"max_steps": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum reasoning steps for the sub-agent (default: %d)", t.defaultMaxSteps),
			},
		},
	}
}

func (t *SubAgentTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	// Enforce nesting depth limit (max 2 levels)
	depth := 0
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		depth = d
	}
	if depth >= 2 {
		return &domaintool.Result{
			Success: false,
			Error:   "sub-agent nesting depth limit reached (max 2 levels)",
		}, nil
	}

	systemPrompt := ""
	if sp, ok := args["system_prompt"].(string); ok {
		systemPrompt = sp
	}

	maxSteps := t.defaultMaxSteps
	if ms, ok := args["max_steps"].(float64); ok && ms > 0 {
		maxSteps = int(ms)
		if maxSteps > t.defaultMaxSteps*2 {
			maxSteps = t.defaultMaxSteps * 2
		}
	}

	if rawTasks, ok := args["tasks"].([]interface{}); ok && len(rawTasks) > 0 {
		tasks := make([]string, 0, len(rawTasks))
		for _, rt := range rawTasks {
			if s, ok := rt.(string); ok && s != "" {
				tasks = append(tasks, s)
			}
		}
		if len(tasks) == 0 {
			return &domaintool.Result{Success: false, Error: "tasks must contain at least one non-empty string"}, nil
		}
		return t.executeParallel(ctx, tasks, systemPrompt, maxSteps, depth)
	}

	task, ok := args["task"].(string)
	if !ok || task == "" {
		return &domaintool.Result{Success: false, Error: "task (or tasks) is required"}, nil
	}

	t.logger.Info("Spawning sub-agent",
		zap.String("task_preview", truncateStr(task, 100)),
		zap.Int("max_steps", maxSteps),
		zap.Int("depth", depth+1),
	)

	// Inject incremented depth into context; the spawner's own semaphore
	// bounds total concurrency, this guards against unbounded recursion.
	subCtx := context.WithValue(ctx, depthKey{}, depth+1)

	spec := &agent.SpawnConfig{
		Name:         "sub-agent",
		SystemPrompt: systemPrompt,
		Timeout:      t.timeout,
		Metadata:     map[string]string{"max_steps": fmt.Sprintf("%d", maxSteps)},
	}

	result, err := t.spawner.Spawn(subCtx, spec, task)
	if err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}
	if !result.Success {
		return &domaintool.Result{Success: false, Error: result.Error}, nil
	}

	var sb strings.Builder
	sb.WriteString("=== Sub-Agent Result ===\n\n")
	sb.WriteString(result.Message)
	sb.WriteString("\n\n--- Execution Summary ---\n")
	sb.WriteString(fmt.Sprintf("Steps: %d | Duration: %s\n", result.Iterations, result.ExecutionTime))
	if len(result.FilesModified) > 0 {
		sb.WriteString(fmt.Sprintf("Files modified: %s\n", strings.Join(result.FilesModified, ", ")))
	}

	return &domaintool.Result{
		Output:  sb.String(),
		Success: true,
		Metadata: map[string]interface{}{
			"steps":          result.Iterations,
			"session_id":     result.SessionID,
			"files_modified": result.FilesModified,
		},
	}, nil
}

// executeParallel fans tasks out across t.pool (C10): each task is
// dispatched as soon as a slot is free, and results are drained as each
// child finishes rather than waiting for every dispatch to land before
// collecting the first completion (spec §4.10: "never rejects").
func (t *SubAgentTool) executeParallel(ctx context.Context, tasks []string, systemPrompt string, maxSteps, depth int) (*domaintool.Result, error) {
	t.logger.Info("Fanning sub-agents out across worker pool",
		zap.Int("count", len(tasks)),
		zap.Int("depth", depth+1),
	)

	completions := make([]agent.CompletedWorker, 0, len(tasks))
	subCtx := context.WithValue(ctx, depthKey{}, depth+1)

	for _, tsk := range tasks {
		tsk := tsk
		poolTask := agent.PoolTask{
			Description: truncateStr(tsk, 60),
			Timeout:     t.timeout,
			Run: func(runCtx context.Context) (string, error) {
				spec := &agent.SpawnConfig{
					Name:         "sub-agent",
					SystemPrompt: systemPrompt,
					Timeout:      t.timeout,
					Metadata:     map[string]string{"max_steps": fmt.Sprintf("%d", maxSteps)},
				}
				result, err := t.spawner.Spawn(runCtx, spec, tsk)
				if err != nil {
					return "", err
				}
				if !result.Success {
					return "", fmt.Errorf("%s", result.Error)
				}
				return result.Message, nil
			},
		}

		for {
			if _, err := t.pool.Dispatch(subCtx, poolTask); err == nil {
				break
			}
			c, ok := t.pool.WaitForAny(subCtx)
			if !ok {
				return &domaintool.Result{Success: false, Error: "context cancelled while waiting for a worker slot"}, nil
			}
			completions = append(completions, c)
		}
	}

	for len(completions) < len(tasks) {
		c, ok := t.pool.WaitForAny(subCtx)
		if !ok {
			break
		}
		completions = append(completions, c)
	}

	var sb strings.Builder
	succeeded := 0
	for i, c := range completions {
		sb.WriteString(fmt.Sprintf("=== Sub-Agent %d/%d ===\n", i+1, len(completions)))
		if c.Err != nil {
			sb.WriteString(fmt.Sprintf("error: %v\n\n", c.Err))
			continue
		}
		succeeded++
		sb.WriteString(c.Result)
		sb.WriteString("\n\n")
	}

	return &domaintool.Result{
		Output:  sb.String(),
		Success: succeeded > 0,
		Metadata: map[string]interface{}{
			"dispatched": len(tasks),
			"completed":  len(completions),
			"succeeded":  succeeded,
		},
	}, nil
}

// runChild is the agent.ChildRunner backing t.spawner: it builds and
// runs one service.AgentLoop, routing every tool execution through
// req.Gate so C11's write-claim and discovery-posting duties apply
// without agent_loop.go needing to know about the blackboard.
func (t *SubAgentTool) runChild(ctx context.Context, req agent.ChildRunRequest) (agent.SubagentResult, error) {
	cfg := service.AgentLoopConfig{
		DoomLoopThreshold: 3,
		MaxOutputChars:    32000,
		Temperature:       0.7,
		Model:             t.defaultModel,
		RunTimeout:        t.timeout,
	}

	gatedTools := &gatedToolExecutor{inner: t.tools, gate: req.Gate}
	subAgent := service.NewAgentLoop(t.llm, gatedTools, cfg, t.logger.Named("sub-agent"))

	systemPrompt := req.Spec.SystemPrompt
	if len(req.SystemContext) > 0 {
		systemPrompt = systemPrompt + "\n\n" + strings.Join(req.SystemContext, "\n")
	}

	result, eventCh := subAgent.Run(ctx, systemPrompt, "", nil, nil)
	var toolsUsed []string
	for ev := range eventCh {
		if ev.ToolCall != nil {
			toolsUsed = append(toolsUsed, ev.ToolCall.Name)
		}
	}
	t.logger.Debug("sub-agent finished",
		zap.String("session_id", req.SessionID),
		zap.Strings("tools_used", uniqueStrings(toolsUsed)),
	)

	return agent.SubagentResult{
		Success:    true,
		Message:    result.FinalContent,
		Iterations: result.TotalSteps,
		Usage:      map[string]interface{}{"tokens": result.TotalTokens, "model": result.ModelUsed},
	}, nil
}

// gatedToolExecutor wraps a service.ToolExecutor, consulting an
// agent.ToolGate before/after every call (spec §4.11 step 4-5).
type gatedToolExecutor struct {
	inner service.ToolExecutor
	gate  agent.ToolGate
}

func (g *gatedToolExecutor) GetDefinitions() []domaintool.Definition { return g.inner.GetDefinitions() }
func (g *gatedToolExecutor) GetToolKind(name string) domaintool.Kind { return g.inner.GetToolKind(name) }

func (g *gatedToolExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	kind := g.inner.GetToolKind(name)
	ev := agent.ToolCallEvent{
		Name:       name,
		Args:       args,
		WriteClass: kind == domaintool.KindEdit || kind == domaintool.KindDelete,
		Discovery:  kind == domaintool.KindRead || kind == domaintool.KindSearch || kind == domaintool.KindFetch,
	}

	if g.gate != nil {
		if decision := g.gate.Before(ctx, ev); decision.Skip {
			return &domaintool.Result{Success: false, Error: decision.SyntheticResult, Output: decision.SyntheticResult}, nil
		}
	}

	result, err := g.inner.Execute(ctx, name, args)

	if g.gate != nil {
		output := ""
		success := false
		if result != nil {
			output = result.DisplayOrOutput()
			success = result.Success
		}
		g.gate.After(ctx, ev, output, success)
	}
	return result, err
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func uniqueStrings(ss []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

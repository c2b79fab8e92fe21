package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/blackboard"
)

// ToolCallEvent describes one tool invocation a running child makes,
// reported to the spawner's ToolGate so C11 can enforce blackboard
// claims and post discovery findings around it (spec §4.11 steps 4-5).
type ToolCallEvent struct {
	Name       string
	Args       map[string]interface{}
	WriteClass bool // true for edit/delete-style tools
	Discovery  bool // true for read/search/fetch-style tools
}

// ToolGateDecision is returned by Before; when Skip is true the child
// must not execute the tool and should use SyntheticResult as its
// result instead (spec §4.11 step 4: "Resource conflict: …").
type ToolGateDecision struct {
	Skip            bool
	SyntheticResult string
}

// ToolGate is consulted by the child's own tool-execution loop around
// every call it makes, so C11's claim/release and discovery-posting
// duties run without the spawner owning the child's execution loop
// itself (keeps domain/agent decoupled from domain/service.AgentLoop,
// the way domain/agent/dag.go's injected runFn decouples DAGExecutor).
type ToolGate interface {
	Before(ctx context.Context, ev ToolCallEvent) ToolGateDecision
	After(ctx context.Context, ev ToolCallEvent, result string, success bool)
}

// ChildRunRequest is handed to the injected ChildRunner.
type ChildRunRequest struct {
	SessionID     string
	Spec          *SpawnConfig
	SystemContext []string // findings injected as system-role messages
	Gate          ToolGate
}

// SubagentResult is C11's structured per-spawn outcome (spec §4.11
// step 6).
type SubagentResult struct {
	Success       bool
	Message       string
	SessionID     string
	Iterations    int
	Usage         map[string]interface{}
	ExecutionTime time.Duration
	Findings      []blackboard.Finding
	FilesModified []string
	Error         string
}

// ChildRunner executes one child agent session to completion. Injected
// so the spawner never depends on domain/service.AgentLoop directly.
type ChildRunner func(ctx context.Context, req ChildRunRequest) (SubagentResult, error)

// SpawnerConfig configures a SubagentSpawner.
type SpawnerConfig struct {
	MaxConcurrent int           // default 5, per spec §4.11
	TopicPatterns []string      // blackboard subscriptions injected as system context
	Timeout       time.Duration // per-spawn timeout
}

// SubagentSpawner is C11: spawns subagents under a semaphore, mediating their
// access to the shared blackboard.
type SubagentSpawner struct {
	cfg    SpawnerConfig
	board  blackboard.Blackboard
	runner ChildRunner
	sem    chan struct{}
	logger *zap.Logger
}

// NewSubagentSpawner creates a SubagentSpawner bound to board and runner.
func NewSubagentSpawner(cfg SpawnerConfig, board blackboard.Blackboard, runner ChildRunner, logger *zap.Logger) *SubagentSpawner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	return &SubagentSpawner{
		cfg:    cfg,
		board:  board,
		runner: runner,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		logger: logger,
	}
}

// toolGate implements ToolGate, enforcing write claims and posting
// discovery findings on behalf of one spawned session.
type toolGate struct {
	board         blackboard.Blackboard
	sessionID     string
	mu            sync.Mutex
	filesModified []string
}

func (g *toolGate) Before(ctx context.Context, ev ToolCallEvent) ToolGateDecision {
	if !ev.WriteClass {
		return ToolGateDecision{}
	}
	target := targetPath(ev.Args)
	if target == "" || g.board == nil {
		return ToolGateDecision{}
	}
	if !g.board.Claim(target, g.sessionID, blackboard.ClaimWrite) {
		return ToolGateDecision{
			Skip:            true,
			SyntheticResult: fmt.Sprintf("Resource conflict: %s is claimed by another agent", target),
		}
	}
	return ToolGateDecision{}
}

func (g *toolGate) After(ctx context.Context, ev ToolCallEvent, result string, success bool) {
	if ev.WriteClass {
		if target := targetPath(ev.Args); target != "" {
			g.board.Release(target, g.sessionID)
			if success {
				g.mu.Lock()
				g.filesModified = append(g.filesModified, target)
				g.mu.Unlock()
			}
		}
	}
	if ev.Discovery && g.board != nil {
		content := result
		if len(content) > 500 {
			content = content[:500]
		}
		g.board.Post(blackboard.Finding{
			AgentID:    g.sessionID,
			Topic:      "discovery." + ev.Name,
			Content:    content,
			Type:       "discovery",
			Confidence: 0.8,
		})
	}
}

func targetPath(args map[string]interface{}) string {
	if v, ok := args["file_path"].(string); ok && v != "" {
		return v
	}
	if v, ok := args["path"].(string); ok && v != "" {
		return v
	}
	if inner, ok := args["input"].(map[string]interface{}); ok {
		if v, ok := inner["path"].(string); ok {
			return v
		}
	}
	return ""
}

// Spawn runs a single subagent to completion per spec §4.11's
// numbered steps.
func (s *SubagentSpawner) Spawn(ctx context.Context, spec *SpawnConfig, task string) (SubagentResult, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return SubagentResult{}, ctx.Err()
	}
	defer func() { <-s.sem }()

	sessionID := uuid.NewString()
	start := time.Now()

	var unsubs []blackboard.Unsubscribe
	var systemContext []string
	var contextMu sync.Mutex

	if s.board != nil {
		for _, pattern := range s.cfg.TopicPatterns {
			pattern := pattern
			u := s.board.Subscribe(pattern, func(f blackboard.Finding) {
				contextMu.Lock()
				systemContext = append(systemContext, fmt.Sprintf("[%s] %s", f.Type, f.Content))
				contextMu.Unlock()
			})
			unsubs = append(unsubs, u)
		}
		s.board.Post(blackboard.Finding{
			AgentID: sessionID,
			Topic:   "progress." + sessionID,
			Content: fmt.Sprintf("Started task: %s", task),
			Type:    "progress",
		})
	}

	defer func() {
		for _, u := range unsubs {
			s.board.Unsubscribe(u)
		}
	}()

	// Step 3: seed initial context with the most recent discovery/
	// analysis findings (at most 5): discovery before analysis, most recent
	// first within each.
	if s.board != nil {
		seed := s.recentFindings(5)
		contextMu.Lock()
		systemContext = append(seed, systemContext...)
		contextMu.Unlock()
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	gate := &toolGate{board: s.board, sessionID: sessionID}

	contextMu.Lock()
	ctxCopy := append([]string(nil), systemContext...)
	contextMu.Unlock()

	result, err := s.runner(runCtx, ChildRunRequest{
		SessionID:     sessionID,
		Spec:          spec,
		SystemContext: ctxCopy,
		Gate:          gate,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("subagent run returned error", zap.String("session_id", sessionID), zap.Error(err))
		}
		result = SubagentResult{Success: false, Error: err.Error(), SessionID: sessionID}
	}
	result.ExecutionTime = time.Since(start)
	result.SessionID = sessionID

	gate.mu.Lock()
	if len(gate.filesModified) > 0 {
		result.FilesModified = append(result.FilesModified, gate.filesModified...)
	}
	gate.mu.Unlock()

	if s.board != nil {
		if result.Success {
			s.board.Post(blackboard.Finding{
				AgentID: sessionID,
				Topic:   "progress." + sessionID,
				Content: result.Message,
				Type:    "progress",
			})
		} else {
			s.board.Post(blackboard.Finding{
				AgentID: sessionID,
				Topic:   "blocker." + sessionID,
				Content: result.Error,
				Type:    "blocker",
			})
		}
	}

	return result, nil
}

func (s *SubagentSpawner) recentFindings(n int) []string {
	var out []string
	for _, topic := range []string{"discovery.*", "analysis.*"} {
		for _, f := range s.board.Query(topic, n) {
			out = append(out, fmt.Sprintf("[%s] %s", f.Type, f.Content))
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// RunParallel runs many spawns concurrently and returns a
// taskID -> result map (spec §4.11).
func (s *SubagentSpawner) RunParallel(ctx context.Context, tasks map[string]struct {
	Spec *SpawnConfig
	Task string
}) map[string]SubagentResult {
	out := make(map[string]SubagentResult, len(tasks))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for id, t := range tasks {
		id, t := id, t
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := s.Spawn(ctx, t.Spec, t.Task)
			if err != nil {
				result = SubagentResult{Success: false, Error: err.Error()}
			}
			mu.Lock()
			out[id] = result
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

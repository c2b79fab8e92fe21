package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/blackboard"
)

func successRunner(t *testing.T) ChildRunner {
	return func(ctx context.Context, req ChildRunRequest) (SubagentResult, error) {
		return SubagentResult{Success: true, Message: "done", Iterations: 1}, nil
	}
}

func TestSpawnPostsStartedProgressFinding(t *testing.T) {
	board := blackboard.NewInMemory(zap.NewNop())
	var gotStart atomic.Bool
	board.Subscribe("progress.*", func(f blackboard.Finding) {
		if f.Content == "Started task: fix the bug" {
			gotStart.Store(true)
		}
	})

	s := NewSubagentSpawner(SpawnerConfig{MaxConcurrent: 2}, board, successRunner(t), zap.NewNop())
	result, err := s.Spawn(context.Background(), DefaultSpawnConfig("child"), "fix the bug")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success")
	}
	if !gotStart.Load() {
		t.Fatalf("expected 'Started task' progress finding to be posted")
	}
}

func TestSpawnPostsFinalProgressOnSuccessAndBlockerOnFailure(t *testing.T) {
	board := blackboard.NewInMemory(zap.NewNop())
	s := NewSubagentSpawner(SpawnerConfig{MaxConcurrent: 2}, board, successRunner(t), zap.NewNop())
	result, _ := s.Spawn(context.Background(), DefaultSpawnConfig("child"), "task")

	progress := board.Query("progress."+result.SessionID, 0)
	if len(progress) < 2 {
		t.Fatalf("expected at least 2 progress findings (start + final), got %d", len(progress))
	}

	failRunner := func(ctx context.Context, req ChildRunRequest) (SubagentResult, error) {
		return SubagentResult{Success: false, Error: "boom"}, nil
	}
	s2 := NewSubagentSpawner(SpawnerConfig{MaxConcurrent: 2}, board, failRunner, zap.NewNop())
	result2, _ := s2.Spawn(context.Background(), DefaultSpawnConfig("child2"), "task2")

	blockers := board.Query("blocker."+result2.SessionID, 0)
	if len(blockers) != 1 {
		t.Fatalf("expected 1 blocker finding on failure, got %d", len(blockers))
	}
}

func TestSpawnSeedsInitialContextFromRecentFindings(t *testing.T) {
	board := blackboard.NewInMemory(zap.NewNop())
	board.Post(blackboard.Finding{Topic: "discovery", Content: "found a bug in parser.go", Type: "discovery"})
	board.Post(blackboard.Finding{Topic: "analysis", Content: "root cause is off-by-one", Type: "analysis"})

	var gotContext []string
	runner := func(ctx context.Context, req ChildRunRequest) (SubagentResult, error) {
		gotContext = req.SystemContext
		return SubagentResult{Success: true}, nil
	}

	s := NewSubagentSpawner(SpawnerConfig{MaxConcurrent: 1}, board, runner, zap.NewNop())
	_, err := s.Spawn(context.Background(), DefaultSpawnConfig("child"), "task")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if len(gotContext) == 0 {
		t.Fatalf("expected seeded system context from recent findings")
	}
}

func TestToolGateDeniesConflictingWriteClaim(t *testing.T) {
	board := blackboard.NewInMemory(zap.NewNop())
	board.Claim("main.go", "other-agent", blackboard.ClaimWrite)

	gate := &toolGate{board: board, sessionID: "child-1"}
	decision := gate.Before(context.Background(), ToolCallEvent{
		Name:       "write_file",
		WriteClass: true,
		Args:       map[string]interface{}{"file_path": "main.go"},
	})
	if !decision.Skip {
		t.Fatalf("expected claim conflict to be denied")
	}
	if decision.SyntheticResult == "" {
		t.Fatalf("expected a synthetic 'Resource conflict' result")
	}
}

func TestToolGateGrantsAndReleasesWriteClaim(t *testing.T) {
	board := blackboard.NewInMemory(zap.NewNop())
	gate := &toolGate{board: board, sessionID: "child-1"}
	ev := ToolCallEvent{Name: "write_file", WriteClass: true, Args: map[string]interface{}{"file_path": "new.go"}}

	decision := gate.Before(context.Background(), ev)
	if decision.Skip {
		t.Fatalf("expected claim to succeed")
	}
	if !board.IsClaimed("new.go") {
		t.Fatalf("expected claim to be registered")
	}

	gate.After(context.Background(), ev, "wrote file", true)
	if board.IsClaimed("new.go") {
		t.Fatalf("expected claim to be released after the tool call")
	}
	if len(gate.filesModified) != 1 || gate.filesModified[0] != "new.go" {
		t.Fatalf("expected new.go recorded as modified, got %v", gate.filesModified)
	}
}

func TestToolGatePostsTruncatedDiscoveryFinding(t *testing.T) {
	board := blackboard.NewInMemory(zap.NewNop())
	gate := &toolGate{board: board, sessionID: "child-1"}
	longResult := make([]byte, 600)
	for i := range longResult {
		longResult[i] = 'x'
	}

	gate.After(context.Background(), ToolCallEvent{Name: "read_file", Discovery: true}, string(longResult), true)

	findings := board.Query("discovery.read_file", 0)
	if len(findings) != 1 {
		t.Fatalf("expected 1 discovery finding, got %d", len(findings))
	}
	if len(findings[0].Content) != 500 {
		t.Fatalf("expected content truncated to 500 chars, got %d", len(findings[0].Content))
	}
	if findings[0].Confidence != 0.8 {
		t.Fatalf("expected confidence 0.8, got %v", findings[0].Confidence)
	}
}

func TestSpawnRespectsSemaphore(t *testing.T) {
	release := make(chan struct{})
	var inflight atomic.Int32
	var maxSeen atomic.Int32
	runner := func(ctx context.Context, req ChildRunRequest) (SubagentResult, error) {
		n := inflight.Add(1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		<-release
		inflight.Add(-1)
		return SubagentResult{Success: true}, nil
	}

	s := NewSubagentSpawner(SpawnerConfig{MaxConcurrent: 2}, blackboard.NewInMemory(zap.NewNop()), runner, zap.NewNop())
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			s.Spawn(context.Background(), DefaultSpawnConfig("c"), "t")
			done <- struct{}{}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	for i := 0; i < 4; i++ {
		<-done
	}

	if maxSeen.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent spawns, saw %d", maxSeen.Load())
	}
}

func TestRunParallelAggregatesResults(t *testing.T) {
	board := blackboard.NewInMemory(zap.NewNop())
	s := NewSubagentSpawner(SpawnerConfig{MaxConcurrent: 3}, board, successRunner(t), zap.NewNop())

	tasks := map[string]struct {
		Spec *SpawnConfig
		Task string
	}{
		"t1": {Spec: DefaultSpawnConfig("a"), Task: "do a"},
		"t2": {Spec: DefaultSpawnConfig("b"), Task: "do b"},
	}

	results := s.RunParallel(context.Background(), tasks)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for id, r := range results {
		if !r.Success {
			t.Fatalf("expected %s to succeed", id)
		}
	}
}

func TestSpawnTimeoutPropagatesToRunner(t *testing.T) {
	runner := func(ctx context.Context, req ChildRunRequest) (SubagentResult, error) {
		<-ctx.Done()
		return SubagentResult{Success: false, Error: ctx.Err().Error()}, nil
	}
	s := NewSubagentSpawner(SpawnerConfig{MaxConcurrent: 1, Timeout: 10 * time.Millisecond}, blackboard.NewInMemory(zap.NewNop()), runner, zap.NewNop())

	result, err := s.Spawn(context.Background(), DefaultSpawnConfig("child"), "slow")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if result.Success {
		t.Fatalf("expected timeout to produce a failed result")
	}
}

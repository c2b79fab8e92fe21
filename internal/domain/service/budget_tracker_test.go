package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/core"
)

func newTestTracker(cfg BudgetTrackerConfig) *BudgetTracker {
	return NewBudgetTracker("agent-1", cfg, zap.NewNop())
}

func TestBudgetTracker_HardTokenCapStops(t *testing.T) {
	cfg := DefaultBudgetTrackerConfig()
	cfg.Budget.MaxTokens = 100
	tr := newTestTracker(cfg)

	tr.RecordLLM(60, 60, "gpt", nil)
	res := tr.CheckBudget()
	if res.CanContinue {
		t.Fatal("expected hard stop once tokens exceed cap")
	}
	rerr := res.Stop
	if rerr.Code != core.CodeBudgetExceeded || rerr.Axis != "tokens" {
		t.Fatalf("expected tokens budget-exceeded, got %#v", rerr)
	}
}

// Q3: whenever multiple hard caps are exceeded simultaneously, the first
// axis in priority order (tokens, cost, duration, iterations) wins.
func TestBudgetTracker_PriorityOrder_TokensBeatsEverythingElse(t *testing.T) {
	cfg := DefaultBudgetTrackerConfig()
	cfg.Budget.MaxTokens = 10
	cfg.Budget.MaxCost = 0.01
	cfg.Budget.MaxDuration = time.Nanosecond
	cfg.Budget.MaxIterations = 1
	tr := newTestTracker(cfg)

	tr.RecordLLM(100, 100, "gpt", nil)
	tr.RecordTool("bash", map[string]interface{}{"command": "ls"}, true)
	time.Sleep(2 * time.Millisecond)

	res := tr.CheckBudget()
	rerr := res.Stop
	if rerr.Axis != "tokens" {
		t.Fatalf("expected tokens to win priority, got axis %s", rerr.Axis)
	}
}

func TestBudgetTracker_PriorityOrder_CostBeatsDurationAndIterations(t *testing.T) {
	cfg := DefaultBudgetTrackerConfig()
	cfg.Budget.MaxCost = 0.001
	cfg.Budget.MaxDuration = time.Nanosecond
	cfg.Budget.MaxIterations = 1
	tr := newTestTracker(cfg)

	cost := 1.0
	tr.RecordLLM(10, 10, "gpt", &cost)
	tr.RecordTool("bash", map[string]interface{}{"command": "ls"}, true)
	time.Sleep(2 * time.Millisecond)

	res := tr.CheckBudget()
	rerr := res.Stop
	if rerr.Axis != "cost" {
		t.Fatalf("expected cost to beat duration/iterations, got axis %s", rerr.Axis)
	}
}

func TestBudgetTracker_SoftTokenThresholdSuggestsExtension(t *testing.T) {
	cfg := DefaultBudgetTrackerConfig()
	cfg.Budget.MaxTokens = 100
	cfg.Budget.SoftTokenRatio = 0.5
	tr := newTestTracker(cfg)

	tr.RecordLLM(30, 30, "gpt", nil) // 60/100 > soft 50
	res := tr.CheckBudget()
	if !res.CanContinue {
		t.Fatal("soft threshold should not stop the run")
	}
	if res.Suggestion != SuggestRequestExtension {
		t.Fatalf("expected request_extension suggestion, got %s", res.Suggestion)
	}
}

func TestBudgetTracker_StuckCountSuggestsExtension(t *testing.T) {
	cfg := DefaultBudgetTrackerConfig()
	cfg.StuckSuggestAt = 1
	tr := newTestTracker(cfg)

	// Three identical fingerprints -> hard stuck signal -> stuckCount++.
	for i := 0; i < 3; i++ {
		tr.RecordTool("read_file", map[string]interface{}{"path": "/foo"}, true)
	}

	res := tr.CheckBudget()
	if !res.CanContinue {
		t.Fatal("stuck signal alone must not hard-stop the run")
	}
	if res.Suggestion != SuggestRequestExtension {
		t.Fatalf("expected request_extension once stuck_count crosses threshold, got %s", res.Suggestion)
	}
	if res.StuckCount < 1 {
		t.Fatalf("expected stuck count >= 1, got %d", res.StuckCount)
	}
}

// Scenario 4: exact doom loop via three identical read_file calls.
func TestBudgetTracker_ExactDoomLoop(t *testing.T) {
	cfg := DefaultBudgetTrackerConfig()
	tr := newTestTracker(cfg)

	for i := 0; i < 3; i++ {
		tr.RecordTool("read_file", map[string]interface{}{"path": "/foo"}, true)
	}

	exact, _ := tr.DoomLoopSignal()
	if !exact {
		t.Fatal("expected exact doom loop signal after 3 identical fingerprints")
	}
}

// Scenario 5: chunked reads at different offsets must not be a loop.
func TestBudgetTracker_ChunkedReadsAreNotALoop(t *testing.T) {
	cfg := DefaultBudgetTrackerConfig()
	tr := newTestTracker(cfg)

	tr.RecordTool("read_file", map[string]interface{}{"file_path": "/big", "offset": float64(0), "limit": float64(100)}, true)
	tr.RecordTool("read_file", map[string]interface{}{"file_path": "/big", "offset": float64(100), "limit": float64(100)}, true)
	tr.RecordTool("read_file", map[string]interface{}{"file_path": "/big", "offset": float64(200), "limit": float64(100)}, true)

	exact, _ := tr.DoomLoopSignal()
	if exact {
		t.Fatal("chunked reads at different offsets must not register as an exact doom loop")
	}
}

func TestBudgetTracker_ResetAfterDifferentToolBreaksSequence(t *testing.T) {
	cfg := DefaultBudgetTrackerConfig()
	tr := newTestTracker(cfg)

	tr.RecordTool("read_file", map[string]interface{}{"path": "/foo"}, true)
	tr.RecordTool("read_file", map[string]interface{}{"path": "/foo"}, true)
	tr.RecordTool("write_file", map[string]interface{}{"path": "/bar"}, true)
	tr.RecordTool("read_file", map[string]interface{}{"path": "/foo"}, true)

	exact, _ := tr.DoomLoopSignal()
	if exact {
		t.Fatal("a different tool call in between should reset the exact-loop sequence")
	}
}

func TestBudgetTracker_ExplorationWindowReadsCountAsProgressOnlyEarly(t *testing.T) {
	cfg := DefaultBudgetTrackerConfig()
	cfg.ExplorationWindow = 2
	cfg.StuckSuggestAt = 1
	tr := newTestTracker(cfg)

	tr.RecordTool("read_file", map[string]interface{}{"path": "/a"}, true)
	tr.RecordTool("read_file", map[string]interface{}{"path": "/b"}, true)
	progressAt := tr.lastProgressAt
	if progressAt.IsZero() {
		t.Fatal("reads inside the exploration window must count as progress")
	}
	// Past the exploration window: a read no longer refreshes progress.
	tr.RecordTool("read_file", map[string]interface{}{"path": "/c"}, true)
	if !tr.lastProgressAt.Equal(progressAt) {
		t.Fatal("a read past the exploration window must not refresh progress")
	}

	usage := tr.GetUsage()
	if usage.Iterations != 3 {
		t.Fatalf("expected 3 iterations recorded, got %d", usage.Iterations)
	}
}

func TestBudgetTracker_RequestExtensionWidensBudgetOnGrant(t *testing.T) {
	cfg := DefaultBudgetTrackerConfig()
	cfg.Budget.MaxTokens = 100
	var gotReq ExtensionRequest
	cfg.ExtensionHandler = func(ctx context.Context, req ExtensionRequest) bool {
		gotReq = req
		return true
	}
	tr := newTestTracker(cfg)

	tr.RecordLLM(80, 0, "gpt", nil)
	granted := tr.RequestExtension(context.Background(), "token usage approaching cap")
	if !granted {
		t.Fatal("expected extension to be granted")
	}
	if gotReq.Suggested.MaxTokens != 150 {
		t.Fatalf("expected suggested +50%% on tokens (150), got %d", gotReq.Suggested.MaxTokens)
	}

	// Budget should now be widened: what was a hard stop at 120 tokens no
	// longer is.
	tr.RecordLLM(40, 0, "gpt", nil) // total 120, still under the new 150 cap
	res := tr.CheckBudget()
	if !res.CanContinue {
		t.Fatal("expected the widened budget to allow continuing past the old cap")
	}
}

func TestBudgetTracker_RequestExtensionDenied(t *testing.T) {
	cfg := DefaultBudgetTrackerConfig()
	cfg.Budget.MaxTokens = 100
	cfg.ExtensionHandler = func(ctx context.Context, req ExtensionRequest) bool { return false }
	tr := newTestTracker(cfg)

	granted := tr.RequestExtension(context.Background(), "reason")
	if granted {
		t.Fatal("expected denial")
	}
}

func TestBudgetTracker_RequestExtensionNoHandlerDenies(t *testing.T) {
	tr := newTestTracker(DefaultBudgetTrackerConfig())
	if tr.RequestExtension(context.Background(), "reason") {
		t.Fatal("expected no-handler to deny by default")
	}
}

func TestFingerprint_PrimaryArgsOnly(t *testing.T) {
	a := Fingerprint("read_file", map[string]interface{}{"file_path": "/x", "offset": float64(0), "limit": float64(999)})
	b := Fingerprint("read_file", map[string]interface{}{"file_path": "/x", "offset": float64(0), "limit": float64(1)})
	if a != b {
		t.Fatalf("fingerprints should ignore non-primary args like limit: %q vs %q", a, b)
	}

	c := Fingerprint("read_file", map[string]interface{}{"file_path": "/x", "offset": float64(5)})
	if a == c {
		t.Fatal("different offsets must produce different fingerprints for read_file")
	}
}

func TestFingerprint_UnknownToolFallsBackToGenericKeys(t *testing.T) {
	fp := Fingerprint("custom_tool", map[string]interface{}{"query": "foo", "limit": float64(5)})
	if fp == "" {
		t.Fatal("expected a non-empty fingerprint")
	}
	fp2 := Fingerprint("custom_tool", map[string]interface{}{"query": "foo", "limit": float64(999)})
	if fp != fp2 {
		t.Fatal("generic primary-arg extraction should ignore limit")
	}
}

func TestStableStringify_OrderIndependent(t *testing.T) {
	a := stableStringify(map[string]interface{}{"b": 1, "a": 2})
	b := stableStringify(map[string]interface{}{"a": 2, "b": 1})
	if a != b {
		t.Fatalf("stableStringify must be key-order independent: %q vs %q", a, b)
	}
}

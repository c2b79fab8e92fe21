package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/core"
)

// BudgetAxis names one of the four budget dimensions.
type BudgetAxis string

const (
	AxisTokens     BudgetAxis = "tokens"
	AxisCost       BudgetAxis = "cost"
	AxisDuration   BudgetAxis = "duration"
	AxisIterations BudgetAxis = "iterations"
)

// BudgetSuggestion is the advisory action check_budget() attaches to a
// soft (non-terminal) signal.
type BudgetSuggestion string

const (
	SuggestNone             BudgetSuggestion = ""
	SuggestRequestExtension BudgetSuggestion = "request_extension"
	SuggestWarn             BudgetSuggestion = "warn"
)

// ExecutionBudget holds hard caps and soft warning ratios. A soft
// threshold is the hard cap times its ratio; the ratios are not validated.
type ExecutionBudget struct {
	MaxTokens      int64
	MaxCost        float64
	MaxDuration    time.Duration
	MaxIterations  int
	SoftTokenRatio float64 // default 0.8
	SoftCostRatio  float64 // default 0.75
}

// DefaultExecutionBudget returns the spec's suggested defaults: disabled
// caps (0) except iterations, with soft ratios at 80%/75%.
func DefaultExecutionBudget() ExecutionBudget {
	return ExecutionBudget{
		MaxTokens:      0,
		MaxCost:        0,
		MaxDuration:    0,
		MaxIterations:  200,
		SoftTokenRatio: 0.8,
		SoftCostRatio:  0.75,
	}
}

func (b ExecutionBudget) scaledUp(factor float64) ExecutionBudget {
	out := b
	if b.MaxTokens > 0 {
		out.MaxTokens = int64(float64(b.MaxTokens) * factor)
	}
	if b.MaxCost > 0 {
		out.MaxCost = b.MaxCost * factor
	}
	if b.MaxDuration > 0 {
		out.MaxDuration = time.Duration(float64(b.MaxDuration) * factor)
	}
	if b.MaxIterations > 0 {
		out.MaxIterations = int(float64(b.MaxIterations) * factor)
	}
	return out
}

// ExecutionUsage holds running sums; monotonic within one run, reset only
// via BudgetTracker.Reset().
type ExecutionUsage struct {
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Elapsed      time.Duration
	Iterations   int
	ToolCalls    int
	LLMCalls     int
}

// BudgetCheckResult is the outcome of check_budget().
type BudgetCheckResult struct {
	CanContinue bool
	Stop        *core.RuntimeError // set iff !CanContinue
	Suggestion  BudgetSuggestion
	StuckCount  int
}

// PricingFunc derives a USD cost from (model, input, output) tokens when
// a call doesn't carry an authoritative provider cost. Must be
// deterministic; unknown models should fall back to a conservative
// mid-tier estimate.
type PricingFunc func(model string, inputTokens, outputTokens int64) float64

// GeminiFlashFallbackPricing is the spec-mandated fallback tier for
// unrecognized models (~Gemini-Flash pricing).
func GeminiFlashFallbackPricing(_ string, inputTokens, outputTokens int64) float64 {
	const inputPerM = 0.075
	const outputPerM = 0.30
	return float64(inputTokens)/1_000_000*inputPerM + float64(outputTokens)/1_000_000*outputPerM
}

// ExtensionRequest is the snapshot passed to the injected extension
// handler when a run requests more budget.
type ExtensionRequest struct {
	Reason        string
	CurrentUsage  ExecutionUsage
	CurrentBudget ExecutionBudget
	Suggested     ExecutionBudget // +50% on each axis
}

// ExtensionHandler decides whether to grant a requested budget extension.
type ExtensionHandler func(ctx context.Context, req ExtensionRequest) bool

type toolFamily int

const (
	familyOther toolFamily = iota
	familyRead
	familyWrite
	familyCommand
)

func classifyToolFamily(tool string) toolFamily {
	switch tool {
	case "read_file", "glob", "grep", "list_files", "search_files", "search_code", "get_file_info":
		return familyRead
	case "write_file", "edit_file":
		return familyWrite
	case "bash":
		return familyCommand
	default:
		return familyOther
	}
}

// BudgetTracker is C5: per-agent usage accounting, progress/doom-loop
// detection, and priority-ordered budget checks. Thread-safe.
type BudgetTracker struct {
	mu sync.Mutex

	agentID   string
	budget    ExecutionBudget
	usage     ExecutionUsage
	startTime time.Time

	pricing          PricingFunc
	extensionHandler ExtensionHandler

	filesRead     map[string]bool
	filesModified map[string]bool
	commandsRun   map[string]bool
	lastProgressAt time.Time
	stuckCount    int

	ringCap       int
	fingerprints  []string
	fuzzyKeys     []string

	explorationWindow int
	progressSilence   time.Duration
	stuckSuggestAt    int

	shared *SharedLoopState

	logger *zap.Logger
}

// BudgetTrackerConfig exposes the spec's stuck-state heuristic constants
// as configuration instead of hard-coding them (spec §9 open question).
type BudgetTrackerConfig struct {
	Budget             ExecutionBudget
	Pricing            PricingFunc
	ExtensionHandler   ExtensionHandler
	Shared             *SharedLoopState
	ExplorationWindow  int           // iterations during which reads count as progress (default 5)
	ProgressSilence    time.Duration // soft-stuck silence threshold (default 60s)
	StuckSuggestAt     int           // stuck_count threshold for suggest request_extension (default 3)
	RingCapacity       int           // fingerprint ring size (default 10)
}

// DefaultBudgetTrackerConfig returns the spec's literal constants.
func DefaultBudgetTrackerConfig() BudgetTrackerConfig {
	return BudgetTrackerConfig{
		Budget:            DefaultExecutionBudget(),
		Pricing:           GeminiFlashFallbackPricing,
		ExplorationWindow: 5,
		ProgressSilence:   60 * time.Second,
		StuckSuggestAt:    3,
		RingCapacity:      10,
	}
}

// NewBudgetTracker creates a tracker for one agent run.
func NewBudgetTracker(agentID string, cfg BudgetTrackerConfig, logger *zap.Logger) *BudgetTracker {
	if cfg.ExplorationWindow <= 0 {
		cfg.ExplorationWindow = 5
	}
	if cfg.ProgressSilence <= 0 {
		cfg.ProgressSilence = 60 * time.Second
	}
	if cfg.StuckSuggestAt <= 0 {
		cfg.StuckSuggestAt = 3
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 10
	}
	if cfg.Pricing == nil {
		cfg.Pricing = GeminiFlashFallbackPricing
	}
	return &BudgetTracker{
		agentID:           agentID,
		budget:            cfg.Budget,
		startTime:         time.Now(),
		pricing:           cfg.Pricing,
		extensionHandler:  cfg.ExtensionHandler,
		filesRead:         make(map[string]bool),
		filesModified:     make(map[string]bool),
		commandsRun:       make(map[string]bool),
		ringCap:           cfg.RingCapacity,
		explorationWindow: cfg.ExplorationWindow,
		progressSilence:   cfg.ProgressSilence,
		stuckSuggestAt:    cfg.StuckSuggestAt,
		shared:            cfg.Shared,
		logger:            logger,
	}
}

// RecordLLM updates token and cost sums. If actualCost is nil, cost is
// derived via the injected pricing function.
func (t *BudgetTracker) RecordLLM(inputTokens, outputTokens int64, model string, actualCost *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.usage.InputTokens += inputTokens
	t.usage.OutputTokens += outputTokens
	t.usage.LLMCalls++
	if actualCost != nil {
		t.usage.Cost += *actualCost
	} else if t.pricing != nil {
		t.usage.Cost += t.pricing(model, inputTokens, outputTokens)
	}
}

// RecordTool updates iteration/tool-call counts, tracks file operations
// for progress detection, and feeds the fingerprint rings used for
// doom-loop detection (local and, if configured, C6 shared state).
func (t *BudgetTracker) RecordTool(name string, args map[string]interface{}, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.usage.Iterations++
	t.usage.ToolCalls++

	fp := Fingerprint(name, args)
	t.pushRing(&t.fingerprints, fp)
	t.pushRing(&t.fuzzyKeys, name+":"+fuzzyTarget(args))

	if t.shared != nil {
		t.shared.Increment(fp)
	}

	progressed := false
	switch classifyToolFamily(name) {
	case familyRead:
		if target := pathTarget(args); target != "" {
			t.filesRead[target] = true
		}
		if t.usage.Iterations <= explorationWindowOrDefault(t) {
			progressed = true
		}
	case familyWrite:
		if success {
			if target := pathTarget(args); target != "" {
				t.filesModified[target] = true
			}
			progressed = true
		}
	case familyCommand:
		if success {
			if cmd, ok := args["command"]; ok {
				t.commandsRun[fmt.Sprint(cmd)] = true
			}
			progressed = true
		}
	}
	if progressed {
		t.lastProgressAt = time.Now()
	}

	if t.isStuckLocked() {
		t.stuckCount++
	}
}

func explorationWindowOrDefault(t *BudgetTracker) int {
	if t.explorationWindow <= 0 {
		return 5
	}
	return t.explorationWindow
}

func (t *BudgetTracker) pushRing(ring *[]string, v string) {
	*ring = append(*ring, v)
	if len(*ring) > t.ringCap {
		*ring = (*ring)[len(*ring)-t.ringCap:]
	}
}

// isStuckLocked evaluates the two stuck signals from §4.5(b). Caller
// must hold t.mu.
func (t *BudgetTracker) isStuckLocked() bool {
	if n := len(t.fingerprints); n >= 3 {
		tail := t.fingerprints[n-3:]
		if tail[0] == tail[1] && tail[1] == tail[2] {
			return true
		}
	}
	if t.usage.Iterations > 5 && !t.lastProgressAt.IsZero() {
		silence := t.progressSilence
		if silence <= 0 {
			silence = 60 * time.Second
		}
		if time.Since(t.lastProgressAt) >= silence {
			return true
		}
	}
	return false
}

// DoomLoopSignal reports the exact/fuzzy doom-loop signals from §4.5(e):
// exact requires the last 3 fingerprints identical; fuzzy requires the
// last 4 fuzzy-target keys (tool+target, ignoring secondary args like
// read offsets) identical.
func (t *BudgetTracker) DoomLoopSignal() (exact, fuzzy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.fingerprints); n >= 3 {
		tail := t.fingerprints[n-3:]
		exact = tail[0] == tail[1] && tail[1] == tail[2]
	}
	if n := len(t.fuzzyKeys); n >= 4 {
		tail := t.fuzzyKeys[n-4:]
		fuzzy = true
		for _, k := range tail {
			if k != tail[0] {
				fuzzy = false
				break
			}
		}
	}
	return exact, fuzzy
}

// CheckBudget evaluates the strict priority chain from §4.5(c) and
// short-circuits on the first hit. Stuck/loop signals never mask a hard
// budget stop: every hard axis is checked before any soft signal.
func (t *BudgetTracker) CheckBudget() BudgetCheckResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.startTime)
	totalTokens := t.usage.InputTokens + t.usage.OutputTokens

	if t.budget.MaxTokens > 0 && totalTokens > t.budget.MaxTokens {
		return BudgetCheckResult{Stop: core.ErrBudgetExceeded(string(AxisTokens))}
	}
	if t.budget.MaxCost > 0 && t.usage.Cost > t.budget.MaxCost {
		return BudgetCheckResult{Stop: core.ErrBudgetExceeded(string(AxisCost))}
	}
	if t.budget.MaxDuration > 0 && elapsed > t.budget.MaxDuration {
		return BudgetCheckResult{Stop: core.ErrBudgetExceeded(string(AxisDuration))}
	}
	if t.budget.MaxIterations > 0 && t.usage.Iterations > t.budget.MaxIterations {
		return BudgetCheckResult{Stop: core.ErrBudgetExceeded(string(AxisIterations))}
	}
	if t.shared != nil {
		if fp, hit := t.lastFingerprintLocked(), false; fp != "" {
			hit = t.shared.ExceedsThreshold(fp)
			if hit {
				return BudgetCheckResult{Stop: core.ErrLoopDetected("global")}
			}
		}
	}
	if t.budget.MaxTokens > 0 && float64(totalTokens) > float64(t.budget.MaxTokens)*t.budget.SoftTokenRatio {
		return BudgetCheckResult{CanContinue: true, Suggestion: SuggestRequestExtension, StuckCount: t.stuckCount}
	}
	if t.budget.MaxCost > 0 && t.usage.Cost > t.budget.MaxCost*t.budget.SoftCostRatio {
		return BudgetCheckResult{CanContinue: true, Suggestion: SuggestWarn, StuckCount: t.stuckCount}
	}
	threshold := t.stuckSuggestAt
	if threshold <= 0 {
		threshold = 3
	}
	if t.stuckCount >= threshold {
		return BudgetCheckResult{CanContinue: true, Suggestion: SuggestRequestExtension, StuckCount: t.stuckCount}
	}
	return BudgetCheckResult{CanContinue: true, StuckCount: t.stuckCount}
}

func (t *BudgetTracker) lastFingerprintLocked() string {
	if len(t.fingerprints) == 0 {
		return ""
	}
	return t.fingerprints[len(t.fingerprints)-1]
}

// RequestExtension snapshots current usage/budget, proposes +50% on
// every axis, and asks the injected handler to grant or deny it. A
// granted request widens the live budget.
func (t *BudgetTracker) RequestExtension(ctx context.Context, reason string) bool {
	t.mu.Lock()
	usage := t.usage
	budget := t.budget
	handler := t.extensionHandler
	t.mu.Unlock()

	req := ExtensionRequest{
		Reason:        reason,
		CurrentUsage:  usage,
		CurrentBudget: budget,
		Suggested:     budget.scaledUp(1.5),
	}

	if handler == nil {
		return false
	}
	granted := handler(ctx, req)
	if granted {
		t.mu.Lock()
		t.budget = req.Suggested
		t.mu.Unlock()
	}
	return granted
}

// GetUsage returns a snapshot of current usage.
func (t *BudgetTracker) GetUsage() ExecutionUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usage
	u.Elapsed = time.Since(t.startTime)
	return u
}

// Reset clears all accumulated usage and progress state.
func (t *BudgetTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = ExecutionUsage{}
	t.startTime = time.Now()
	t.filesRead = make(map[string]bool)
	t.filesModified = make(map[string]bool)
	t.commandsRun = make(map[string]bool)
	t.lastProgressAt = time.Time{}
	t.stuckCount = 0
	t.fingerprints = nil
	t.fuzzyKeys = nil
}

// --- Fingerprint canonicalization (§4.5e) ---

// Fingerprint returns the canonical "<tool>:<canonical_primary_args>" key
// used for loop detection.
func Fingerprint(tool string, args map[string]interface{}) string {
	if args == nil {
		return tool + ":null"
	}
	primary := extractPrimaryArgs(tool, args)
	if len(primary) == 0 {
		primary = args
	}
	return tool + ":" + stableStringify(primary)
}

func extractPrimaryArgs(tool string, args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	pickFirst := func(keys ...string) {
		for _, k := range keys {
			if v, ok := args[k]; ok {
				out[k] = v
				return
			}
		}
	}
	switch classifyToolFamily(tool) {
	case familyRead:
		pickFirst("file_path", "path")
		if v, ok := args["offset"]; ok {
			out["offset"] = v
		}
	case familyWrite:
		pickFirst("file_path", "path")
	case familyCommand:
		if v, ok := args["command"]; ok {
			out["command"] = v
		}
	default:
		pickFirst("path", "file_path", "id", "name", "query")
	}
	return out
}

// pathTarget extracts the file-path-ish target of a call, for progress
// tracking (distinct from fingerprinting, which also needs secondary
// keys like offset).
func pathTarget(args map[string]interface{}) string {
	for _, k := range []string{"file_path", "path"} {
		if v, ok := args[k]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// fuzzyTarget extracts a target identifier ignoring secondary args
// (offsets, limits) so that the fuzzy doom-loop ring groups "same target,
// slightly different incidental args" calls together.
func fuzzyTarget(args map[string]interface{}) string {
	for _, k := range []string{"file_path", "path", "command", "id", "name", "query"} {
		if v, ok := args[k]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// stableStringify is a deterministic, key-sorted JSON encoder — used by
// fingerprints and anywhere else cache-hit/structural comparison needs
// JS's unspecified-ordering JSON.stringify replaced with something
// reproducible (spec design note, R3).
func stableStringify(v interface{}) string {
	var buf bytes.Buffer
	writeStable(&buf, v)
	return buf.String()
}

func writeStable(buf *bytes.Buffer, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeStable(buf, val[k])
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeStable(buf, e)
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			buf.WriteString(fmt.Sprintf("%q", fmt.Sprint(val)))
			return
		}
		buf.Write(b)
	}
}

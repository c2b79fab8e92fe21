package task

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/core"
)

// RecoveredHandler is invoked once per task that reconciliation reverts to
// pending, mirroring the spec's "emit task.recovered" requirement without
// hard-wiring the task package to a specific event queue type.
type RecoveredHandler func(t Task, reason string)

// Manager is C8: a single-mutex-guarded task DAG with claim/lease
// ownership. All mutations serialize through mu; reads return copies, per
// the spec's locking discipline (§5).
type Manager struct {
	mu    sync.Mutex
	ids   *core.Counter
	tasks map[string]Task
	order []string // insertion order, used as the numeric-index tiebreak

	logger    *zap.Logger
	onRecover RecoveredHandler
}

// NewManager creates an empty task manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		ids:   core.NewCounter("task"),
		tasks: make(map[string]Task),
		logger: logger,
	}
}

// OnRecovered registers the callback invoked by ReconcileStaleInProgress
// for each task it reverts to pending.
func (m *Manager) OnRecovered(h RecoveredHandler) { m.onRecover = h }

// Create adds a new pending task and returns it.
func (m *Manager) Create(subject, description, activeForm string) Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	t := Task{
		ID:          m.ids.NextID(),
		Subject:     subject,
		Description: description,
		ActiveForm:  activeForm,
		Status:      StatusPending,
		Metadata:    make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)
	return t.clone()
}

// Get returns a copy of the task with id, if present.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// List returns all non-deleted tasks ordered in_progress -> pending ->
// completed, ties broken by numeric task index (spec §4.8).
func (m *Manager) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.tasks))
	for _, id := range m.order {
		t, ok := m.tasks[id]
		if !ok || t.Status == StatusDeleted {
			continue
		}
		out = append(out, t.clone())
	}

	rank := func(s Status) int {
		switch s {
		case StatusInProgress:
			return 0
		case StatusPending:
			return 1
		case StatusCompleted:
			return 2
		default:
			return 3
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].Status), rank(out[j].Status)
		if ri != rj {
			return ri < rj
		}
		return taskIndex(out[i].ID) < taskIndex(out[j].ID)
	})
	return out
}

// taskIndex extracts the numeric suffix of a "<prefix>-<n>" ID for stable
// tie-breaking; non-numeric suffixes sort last but deterministically.
func taskIndex(id string) int {
	parts := strings.Split(id, "-")
	if len(parts) == 0 {
		return 1 << 30
	}
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 1 << 30
	}
	return n
}

// Update mutates subject/description/activeForm/metadata if non-empty/non-nil.
func (m *Manager) Update(id string, subject, description, activeForm *string, metadata map[string]string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	if subject != nil {
		t.Subject = *subject
	}
	if description != nil {
		t.Description = *description
	}
	if activeForm != nil {
		t.ActiveForm = *activeForm
	}
	for k, v := range metadata {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata[k] = v
	}
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return t.clone(), nil
}

// AddDependency records that `blocked` cannot start until `blocker`
// completes, maintaining both sides of the edge (spec §3 invariant).
func (m *Manager) AddDependency(blocked, blocker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.tasks[blocked]
	if !ok {
		return fmt.Errorf("task %s not found", blocked)
	}
	r, ok := m.tasks[blocker]
	if !ok {
		return fmt.Errorf("task %s not found", blocker)
	}
	if wouldCycle(m.tasks, blocker, blocked) {
		return fmt.Errorf("adding dependency %s -> %s would create a cycle", blocker, blocked)
	}

	if !contains(b.BlockedBy, blocker) {
		b.BlockedBy = append(b.BlockedBy, blocker)
	}
	if !contains(r.Blocks, blocked) {
		r.Blocks = append(r.Blocks, blocked)
	}
	m.tasks[blocked] = b
	m.tasks[blocker] = r
	return nil
}

// RemoveDependency drops the blocker->blocked edge from both sides.
func (m *Manager) RemoveDependency(blocked, blocker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.tasks[blocked]
	if !ok {
		return fmt.Errorf("task %s not found", blocked)
	}
	r, ok := m.tasks[blocker]
	if !ok {
		return fmt.Errorf("task %s not found", blocker)
	}
	b.BlockedBy = remove(b.BlockedBy, blocker)
	r.Blocks = remove(r.Blocks, blocked)
	m.tasks[blocked] = b
	m.tasks[blocker] = r
	return nil
}

// wouldCycle reports whether adding edge from->to (from blocks to) would
// create a cycle, via a depth-first reachability walk along Blocks edges
// from `to` looking for `from`.
func wouldCycle(tasks map[string]Task, from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{}
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == from {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, next := range tasks[id].Blocks {
			if walk(next) {
				return true
			}
		}
		return false
	}
	return walk(to)
}

// Claim sets status=in_progress, owner, and a fresh lease heartbeat. It
// fails if the task is not pending.
func (m *Manager) Claim(id, owner string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	if t.Status != StatusPending {
		return Task{}, fmt.Errorf("task %s is not pending (status=%s)", id, t.Status)
	}
	t.Status = StatusInProgress
	t.Owner = owner
	t.LeaseHeartbeat = time.Now()
	t.UpdatedAt = t.LeaseHeartbeat
	m.tasks[id] = t
	return t.clone(), nil
}

// Heartbeat refreshes the lease timestamp, but only if owner matches the
// current lease holder.
func (m *Manager) Heartbeat(id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status != StatusInProgress || t.Owner != owner {
		return fmt.Errorf("task %s is not leased to %s", id, owner)
	}
	t.LeaseHeartbeat = time.Now()
	m.tasks[id] = t
	return nil
}

// Complete marks a task completed and clears ownership/lease.
func (m *Manager) Complete(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	t.Status = StatusCompleted
	t.Owner = ""
	t.LeaseHeartbeat = time.Time{}
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return t.clone(), nil
}

// Delete marks a task deleted and removes it from both sides of every
// dependency edge it participated in.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	for _, blockerID := range t.BlockedBy {
		if blocker, ok := m.tasks[blockerID]; ok {
			blocker.Blocks = remove(blocker.Blocks, id)
			m.tasks[blockerID] = blocker
		}
	}
	for _, blockedID := range t.Blocks {
		if blocked, ok := m.tasks[blockedID]; ok {
			blocked.BlockedBy = remove(blocked.BlockedBy, id)
			m.tasks[blockedID] = blocked
		}
	}
	t.Status = StatusDeleted
	t.Owner = ""
	t.LeaseHeartbeat = time.Time{}
	t.BlockedBy = nil
	t.Blocks = nil
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return nil
}

// ReconcileStaleInProgress reverts every in-progress task whose owner is
// absent from activeOwners and whose lease is older than staleAfter back
// to pending, recording the reason in metadata and invoking the
// registered RecoveredHandler for each one (spec §4.8, scenario 6).
func (m *Manager) ReconcileStaleInProgress(staleAfter time.Duration, activeOwners []string) []Task {
	active := make(map[string]bool, len(activeOwners))
	for _, o := range activeOwners {
		active[o] = true
	}

	m.mu.Lock()
	var recovered []Task
	now := time.Now()
	for id, t := range m.tasks {
		if t.Status != StatusInProgress {
			continue
		}
		if active[t.Owner] {
			continue
		}
		if now.Sub(t.LeaseHeartbeat) < staleAfter {
			continue
		}
		reason := fmt.Sprintf("owner %q had no heartbeat for %s (stale threshold %s)", t.Owner, now.Sub(t.LeaseHeartbeat), staleAfter)
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata["recoveryReason"] = reason
		t.Status = StatusPending
		t.Owner = ""
		t.LeaseHeartbeat = time.Time{}
		t.UpdatedAt = now
		m.tasks[id] = t
		recovered = append(recovered, t.clone())
	}
	handler := m.onRecover
	m.mu.Unlock()

	if handler != nil {
		for _, t := range recovered {
			handler(t, t.Metadata["recoveryReason"])
		}
	}
	return recovered
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

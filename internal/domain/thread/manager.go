package thread

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/corerun/agentcore/internal/domain/core"
)

// ForkOptions configures Fork.
type ForkOptions struct {
	Name        string // name for the new branch; defaults to "<parent>-fork-N"
	ForkPointID string // message to diverge at; defaults to the parent's last message
}

// MergeStrategy names how a branch's post-divergence messages combine
// with main's (spec §4.9).
type MergeStrategy string

const (
	MergeAppend     MergeStrategy = "append"
	MergeInterleave MergeStrategy = "interleave"
	MergeReplace    MergeStrategy = "replace"
	MergeSummarize  MergeStrategy = "summarize"
	MergeCustom     MergeStrategy = "custom"
)

// CustomResolver is the caller-supplied resolver for MergeCustom.
type CustomResolver func(mainPost, branchPost []Message) []Message

// MergeOptions configures Merge.
type MergeOptions struct {
	Strategy  MergeStrategy
	KeepSource bool // if true, the branch is NOT transitioned to merged
	Resolver  CustomResolver // required when Strategy == MergeCustom
	Summarize func(branchPost []Message) Message // required when Strategy == MergeSummarize
}

// Manager is C9: owns every thread in one session and tracks which one is
// active. The active thread is single-writer per the spec (§5); concurrent
// writers must synchronize externally, so Manager's own lock only
// protects its bookkeeping, not caller-level serialization of writes.
type Manager struct {
	mu sync.Mutex

	threadIDs  *core.Counter
	messageIDs *core.Counter

	threads  map[string]*Thread
	order    []string
	activeID string
}

// NewManager creates an empty thread manager with one initial active
// thread named "main".
func NewManager() *Manager {
	m := &Manager{
		threadIDs:  core.NewCounter("thread"),
		messageIDs: core.NewCounter("msg"),
		threads:    make(map[string]*Thread),
	}
	root := m.newThread("main", "", "")
	m.activeID = root.ID
	return m
}

func (m *Manager) newThread(name, parentID, forkPointID string) *Thread {
	now := time.Now()
	t := &Thread{
		ID:          m.threadIDs.NextID(),
		Name:        name,
		ParentID:    parentID,
		ForkPointID: forkPointID,
		State:       StateActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.threads[t.ID] = t
	m.order = append(m.order, t.ID)
	return t
}

// CreateThread creates a new, empty, active thread (not automatically
// switched to).
func (m *Manager) CreateThread(name string) Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.newThread(name, "", "")
	return t.clone()
}

// SwitchThread makes id the active thread. Fails if id doesn't exist or
// is not selectable (spec §3 invariant).
func (m *Manager) SwitchThread(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return fmt.Errorf("thread %s not found", id)
	}
	if !t.State.Selectable() {
		return fmt.Errorf("thread %s is %s, cannot be made active", id, t.State)
	}
	m.activeID = id
	return nil
}

// ActiveThread returns a copy of the current active thread.
func (m *Manager) ActiveThread() Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[m.activeID].clone()
}

// GetThread returns a copy of the thread with id, if present.
func (m *Manager) GetThread(id string) (Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return Thread{}, false
	}
	return t.clone(), true
}

// AddMessage appends a message to the active thread, append-only within
// its living state (spec §3 invariant).
func (m *Manager) AddMessage(role, content string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.threads[m.activeID]
	if !t.State.Selectable() {
		return Message{}, fmt.Errorf("active thread %s is %s, cannot append", t.ID, t.State)
	}
	msg := Message{
		ID:        m.messageIDs.NextID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	t.Messages = append(t.Messages, msg)
	t.UpdatedAt = msg.Timestamp
	return msg, nil
}

// Fork copies the parent's messages up to and including the chosen fork
// point, creates a new thread recording parent_id/fork_point_id, and
// makes it active (spec §4.9).
func (m *Manager) Fork(opts ForkOptions) (Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent := m.threads[m.activeID]
	forkPointID := opts.ForkPointID
	if forkPointID == "" {
		if len(parent.Messages) == 0 {
			return Thread{}, fmt.Errorf("cannot fork an empty thread without an explicit fork point")
		}
		forkPointID = parent.Messages[len(parent.Messages)-1].ID
	}
	idx := parent.messageIndex(forkPointID)
	if idx < 0 {
		return Thread{}, fmt.Errorf("fork point %s not found in parent thread %s", forkPointID, parent.ID)
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-fork-%d", parent.Name, len(m.order)+1)
	}

	child := m.newThread(name, parent.ID, forkPointID)
	child.Messages = append(child.Messages, parent.Messages[:idx+1]...)
	m.activeID = child.ID
	return child.clone(), nil
}

// RollbackToMessage truncates the active thread's messages to include
// targetID and everything before it.
func (m *Manager) RollbackToMessage(targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.threads[m.activeID]
	idx := t.messageIndex(targetID)
	if idx < 0 {
		return fmt.Errorf("message %s not found in active thread %s", targetID, t.ID)
	}
	t.Messages = t.Messages[:idx+1]
	t.UpdatedAt = time.Now()
	return nil
}

// RollbackBy drops the last n messages from the active thread.
func (m *Manager) RollbackBy(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.threads[m.activeID]
	if n < 0 || n > len(t.Messages) {
		return fmt.Errorf("cannot roll back %d messages from a thread with %d", n, len(t.Messages))
	}
	t.Messages = t.Messages[:len(t.Messages)-n]
	t.UpdatedAt = time.Now()
	return nil
}

// RollbackToForkPoint truncates the active thread back to its fork point.
// Rejects if the thread has no fork point (spec §4.9).
func (m *Manager) RollbackToForkPoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.threads[m.activeID]
	if t.ForkPointID == "" {
		return fmt.Errorf("thread %s has no fork point", t.ID)
	}
	idx := t.messageIndex(t.ForkPointID)
	if idx < 0 {
		return fmt.Errorf("fork point %s no longer present in thread %s", t.ForkPointID, t.ID)
	}
	t.Messages = t.Messages[:idx+1]
	t.UpdatedAt = time.Now()
	return nil
}

// DeleteThread removes a thread outright. Deleting the active thread
// leaves the manager without an active thread until SwitchThread is
// called; callers are expected to switch before/after as appropriate.
func (m *Manager) DeleteThread(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[id]; !ok {
		return fmt.Errorf("thread %s not found", id)
	}
	delete(m.threads, id)
	for i, tid := range m.order {
		if tid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.activeID == id {
		m.activeID = ""
	}
	return nil
}

// ListThreads returns every thread, in creation order.
func (m *Manager) ListThreads() []Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Thread, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.threads[id].clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

package thread

import (
	"testing"
	"time"
)

func TestForkCopiesMessagesUpToForkPoint(t *testing.T) {
	m := NewManager()
	m.AddMessage("user", "hello")
	m.AddMessage("assistant", "hi there")
	main := m.ActiveThread()
	forkPoint := main.Messages[len(main.Messages)-1].ID

	child, err := m.Fork(ForkOptions{Name: "explore-alt"})
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}
	if child.ParentID != main.ID {
		t.Fatalf("expected parent_id %s, got %s", main.ID, child.ParentID)
	}
	if child.ForkPointID != forkPoint {
		t.Fatalf("expected fork_point_id %s, got %s", forkPoint, child.ForkPointID)
	}
	if len(child.Messages) != 2 {
		t.Fatalf("expected fork to carry both parent messages, got %d", len(child.Messages))
	}

	// Q7: the parent thread's own messages still contain the fork point.
	parent, _ := m.GetThread(main.ID)
	if parent.messageIndex(child.ForkPointID) < 0 {
		t.Fatalf("fork point %s not found in parent thread's messages", child.ForkPointID)
	}

	active := m.ActiveThread()
	if active.ID != child.ID {
		t.Fatalf("expected fork to become active thread")
	}
}

func TestForkRejectsUnknownForkPoint(t *testing.T) {
	m := NewManager()
	m.AddMessage("user", "hello")
	_, err := m.Fork(ForkOptions{ForkPointID: "msg-does-not-exist"})
	if err == nil {
		t.Fatalf("expected error for unknown fork point")
	}
}

func TestMergeAppendBringsInBranchMessages(t *testing.T) {
	m := NewManager()
	m.AddMessage("user", "start")
	main := m.ActiveThread()

	child, err := m.Fork(ForkOptions{Name: "branch"})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	m.AddMessage("assistant", "branch work")

	merged, err := m.Merge(child.ID, main.ID, MergeOptions{Strategy: MergeAppend})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merged.Messages) != 2 {
		t.Fatalf("expected 2 messages after append merge, got %d", len(merged.Messages))
	}

	branch, _ := m.GetThread(child.ID)
	if branch.State != StateMerged {
		t.Fatalf("expected branch to transition to merged, got %s", branch.State)
	}
}

func TestMergeKeepSourceLeavesBranchActive(t *testing.T) {
	m := NewManager()
	m.AddMessage("user", "start")
	main := m.ActiveThread()
	child, _ := m.Fork(ForkOptions{Name: "branch"})
	m.AddMessage("assistant", "work")

	_, err := m.Merge(child.ID, main.ID, MergeOptions{Strategy: MergeAppend, KeepSource: true})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	branch, _ := m.GetThread(child.ID)
	if branch.State != StateActive {
		t.Fatalf("expected branch to remain active with KeepSource, got %s", branch.State)
	}
}

func TestMergeCustomUsesResolver(t *testing.T) {
	m := NewManager()
	m.AddMessage("user", "start")
	main := m.ActiveThread()
	child, _ := m.Fork(ForkOptions{Name: "branch"})
	m.AddMessage("assistant", "branch says X")

	called := false
	_, err := m.Merge(child.ID, main.ID, MergeOptions{
		Strategy: MergeCustom,
		Resolver: func(mainPost, branchPost []Message) []Message {
			called = true
			return branchPost
		},
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !called {
		t.Fatalf("expected custom resolver to be invoked")
	}
}

func TestMergeSummarizeRequiresSummarizer(t *testing.T) {
	m := NewManager()
	m.AddMessage("user", "start")
	main := m.ActiveThread()
	child, err := m.Fork(ForkOptions{Name: "branch"})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	m.AddMessage("assistant", "branch work")

	_, err = m.Merge(child.ID, main.ID, MergeOptions{Strategy: MergeSummarize})
	if err == nil {
		t.Fatalf("expected error when Summarize is nil")
	}
}

func TestRollbackToMessageAndRollbackBy(t *testing.T) {
	m := NewManager()
	m.AddMessage("user", "one")
	two, _ := m.AddMessage("assistant", "two")
	m.AddMessage("user", "three")

	if err := m.RollbackToMessage(two.ID); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	active := m.ActiveThread()
	if len(active.Messages) != 2 {
		t.Fatalf("expected 2 messages after rollback, got %d", len(active.Messages))
	}

	if err := m.RollbackBy(1); err != nil {
		t.Fatalf("rollback by: %v", err)
	}
	active = m.ActiveThread()
	if len(active.Messages) != 1 {
		t.Fatalf("expected 1 message after rollback by 1, got %d", len(active.Messages))
	}
}

func TestRollbackToForkPointRejectsWithoutOne(t *testing.T) {
	m := NewManager()
	m.AddMessage("user", "hi")
	if err := m.RollbackToForkPoint(); err == nil {
		t.Fatalf("expected error rolling back main thread with no fork point")
	}
}

func TestRollbackToForkPointOnBranch(t *testing.T) {
	m := NewManager()
	m.AddMessage("user", "one")
	child, _ := m.Fork(ForkOptions{Name: "branch"})
	m.AddMessage("assistant", "two")
	m.AddMessage("assistant", "three")

	if err := m.RollbackToForkPoint(); err != nil {
		t.Fatalf("rollback to fork point: %v", err)
	}
	active := m.ActiveThread()
	if active.ID != child.ID {
		t.Fatalf("expected still on branch thread")
	}
	if len(active.Messages) != 1 {
		t.Fatalf("expected rollback to fork point to leave 1 message, got %d", len(active.Messages))
	}
}

func TestDeleteThreadClearsActive(t *testing.T) {
	m := NewManager()
	main := m.ActiveThread()
	if err := m.DeleteThread(main.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := m.GetThread(main.ID); ok {
		t.Fatalf("expected thread to be gone")
	}
	if m.activeID != "" {
		t.Fatalf("expected no active thread after deleting it, got %q", m.activeID)
	}
}

func TestSwitchThreadRejectsNonSelectable(t *testing.T) {
	m := NewManager()
	m.AddMessage("user", "start")
	main := m.ActiveThread()
	child, _ := m.Fork(ForkOptions{Name: "branch"})
	m.Merge(child.ID, main.ID, MergeOptions{Strategy: MergeAppend})

	if err := m.SwitchThread(child.ID); err == nil {
		t.Fatalf("expected switching to a merged thread to fail")
	}
}

// TestExportImportRoundTrip is R2: every field, including timestamps and
// fork/merge lineage, survives export/import, and subsequent id
// allocation resumes past the highest imported suffix.
func TestExportImportRoundTrip(t *testing.T) {
	m := NewManager()
	m.AddMessage("user", "hello")
	m.AddMessage("assistant", "hi")
	child, err := m.Fork(ForkOptions{Name: "branch"})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	m.AddMessage("assistant", "branch reply")

	data, err := m.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	reloaded := NewManager()
	if err := reloaded.Import(data); err != nil {
		t.Fatalf("import: %v", err)
	}

	gotChild, ok := reloaded.GetThread(child.ID)
	if !ok {
		t.Fatalf("child thread missing after round-trip")
	}
	if gotChild.ParentID != child.ParentID || gotChild.ForkPointID != child.ForkPointID {
		t.Fatalf("lineage not preserved: got %+v", gotChild)
	}
	if len(gotChild.Messages) != 3 {
		t.Fatalf("expected 3 messages on reloaded branch, got %d", len(gotChild.Messages))
	}
	if gotChild.Messages[0].Timestamp.IsZero() {
		t.Fatalf("expected timestamps to survive round-trip")
	}

	active := reloaded.ActiveThread()
	if active.ID != child.ID {
		t.Fatalf("expected active thread to be preserved, got %s", active.ID)
	}

	newThread := reloaded.CreateThread("after-import")
	if numericSuffix(newThread.ID) <= numericSuffix(child.ID) {
		t.Fatalf("expected thread id allocator to resume past imported ids")
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateActive, StateMerged, true},
		{StateActive, StateAbandoned, true},
		{StateActive, StateArchived, true},
		{StateMerged, StateActive, false},
		{StateArchived, StateMerged, false},
		{StateActive, StateActive, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestInterleaveOrdersChronologically(t *testing.T) {
	base := time.Now()
	full := []Message{
		{ID: "m1", Timestamp: base},
		{ID: "m2", Timestamp: base.Add(time.Second)},
	}
	mainPost := []Message{{ID: "m3", Timestamp: base.Add(2 * time.Second)}}
	branchPost := []Message{{ID: "m4", Timestamp: base.Add(3 * time.Second)}}
	out := interleaveMessages(append(full, mainPost...), mainPost, branchPost)
	if len(out) != 4 || out[2].ID != "m3" || out[3].ID != "m4" {
		t.Fatalf("unexpected interleave order: %+v", out)
	}
}

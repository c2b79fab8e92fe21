package thread

import (
	"fmt"
	"time"
)

// Merge combines branchID's post-divergence messages into targetID (the
// active thread if targetID is empty) using strategy, then transitions
// branchID to merged unless KeepSource is set (spec §4.9).
func (m *Manager) Merge(branchID, targetID string, opts MergeOptions) (Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch, ok := m.threads[branchID]
	if !ok {
		return Thread{}, fmt.Errorf("branch thread %s not found", branchID)
	}
	if targetID == "" {
		targetID = m.activeID
	}
	target, ok := m.threads[targetID]
	if !ok {
		return Thread{}, fmt.Errorf("target thread %s not found", targetID)
	}
	if !target.State.Selectable() {
		return Thread{}, fmt.Errorf("target thread %s is %s, cannot merge into it", targetID, target.State)
	}

	branchPost := postDivergence(branch)
	mainPost := postDivergenceAgainst(target, branch)

	var merged []Message
	switch opts.Strategy {
	case "", MergeAppend:
		merged = append(append([]Message(nil), target.Messages...), branchPost...)
	case MergeInterleave:
		merged = interleaveMessages(target.Messages, mainPost, branchPost)
	case MergeReplace:
		merged = append(append([]Message(nil), target.Messages[:len(target.Messages)-len(mainPost)]...), branchPost...)
	case MergeSummarize:
		if opts.Summarize == nil {
			return Thread{}, fmt.Errorf("merge strategy summarize requires a Summarize function")
		}
		summary := opts.Summarize(branchPost)
		merged = append(append([]Message(nil), target.Messages...), summary)
	case MergeCustom:
		if opts.Resolver == nil {
			return Thread{}, fmt.Errorf("merge strategy custom requires a Resolver function")
		}
		resolved := opts.Resolver(mainPost, branchPost)
		merged = append(append([]Message(nil), target.Messages[:len(target.Messages)-len(mainPost)]...), resolved...)
	default:
		return Thread{}, fmt.Errorf("unknown merge strategy %q", opts.Strategy)
	}

	target.Messages = merged
	target.UpdatedAt = time.Now()

	if !opts.KeepSource {
		if !CanTransition(branch.State, StateMerged) {
			return Thread{}, fmt.Errorf("thread %s cannot transition %s -> merged", branch.ID, branch.State)
		}
		branch.State = StateMerged
		branch.UpdatedAt = time.Now()
		if m.activeID == branch.ID {
			m.activeID = target.ID
		}
	}

	return target.clone(), nil
}

// postDivergence returns the messages a branch accumulated after its
// fork point (or every message, if it has no fork point).
func postDivergence(branch *Thread) []Message {
	if branch.ForkPointID == "" {
		return append([]Message(nil), branch.Messages...)
	}
	idx := branch.messageIndex(branch.ForkPointID)
	if idx < 0 || idx+1 >= len(branch.Messages) {
		return nil
	}
	return append([]Message(nil), branch.Messages[idx+1:]...)
}

// postDivergenceAgainst returns target's messages added after the
// branch's fork point, i.e. what main did while the branch diverged.
func postDivergenceAgainst(target, branch *Thread) []Message {
	if branch.ForkPointID == "" {
		return nil
	}
	idx := target.messageIndex(branch.ForkPointID)
	if idx < 0 || idx+1 >= len(target.Messages) {
		return nil
	}
	return append([]Message(nil), target.Messages[idx+1:]...)
}

// interleaveMessages merges mainPost and branchPost chronologically on
// top of the shared prefix.
func interleaveMessages(full []Message, mainPost, branchPost []Message) []Message {
	prefixLen := len(full) - len(mainPost)
	out := append([]Message(nil), full[:prefixLen]...)

	i, j := 0, 0
	for i < len(mainPost) && j < len(branchPost) {
		if !mainPost[i].Timestamp.After(branchPost[j].Timestamp) {
			out = append(out, mainPost[i])
			i++
		} else {
			out = append(out, branchPost[j])
			j++
		}
	}
	out = append(out, mainPost[i:]...)
	out = append(out, branchPost[j:]...)
	return out
}

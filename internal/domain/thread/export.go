package thread

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/corerun/agentcore/internal/domain/core"
)

// exportedMessage/exportedThread mirror Thread/Message with RFC3339
// timestamps so exported JSON is both human-readable and round-trip
// exact (spec §6, §8 R2).
type exportedMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type exportedThread struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	ParentID    string            `json:"parent_id,omitempty"`
	ForkPointID string            `json:"fork_point_id,omitempty"`
	Messages    []exportedMessage `json:"messages"`
	State       string            `json:"state"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// exportedSnapshot is the persisted shape: an id-ordered list of
// [id, thread] pairs plus the active thread id (spec §6).
type exportedSnapshot struct {
	ActiveThreadID string              `json:"active_thread_id"`
	Threads        [][]json.RawMessage `json:"threads"`
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func toExportedThread(t *Thread) exportedThread {
	msgs := make([]exportedMessage, 0, len(t.Messages))
	for _, m := range t.Messages {
		msgs = append(msgs, exportedMessage{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp.Format(timeLayout),
		})
	}
	return exportedThread{
		ID:          t.ID,
		Name:        t.Name,
		ParentID:    t.ParentID,
		ForkPointID: t.ForkPointID,
		Messages:    msgs,
		State:       string(t.State),
		CreatedAt:   t.CreatedAt.Format(timeLayout),
		UpdatedAt:   t.UpdatedAt.Format(timeLayout),
	}
}

func fromExportedThread(et exportedThread) (*Thread, error) {
	createdAt, err := parseTime(et.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("thread %s created_at: %w", et.ID, err)
	}
	updatedAt, err := parseTime(et.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("thread %s updated_at: %w", et.ID, err)
	}
	msgs := make([]Message, 0, len(et.Messages))
	for _, em := range et.Messages {
		ts, err := parseTime(em.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("thread %s message %s timestamp: %w", et.ID, em.ID, err)
		}
		msgs = append(msgs, Message{ID: em.ID, Role: em.Role, Content: em.Content, Timestamp: ts})
	}
	return &Thread{
		ID:          et.ID,
		Name:        et.Name,
		ParentID:    et.ParentID,
		ForkPointID: et.ForkPointID,
		Messages:    msgs,
		State:       State(et.State),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

// Export serializes every thread and the active thread id to JSON.
func (m *Manager) Export() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := exportedSnapshot{ActiveThreadID: m.activeID}
	for _, id := range m.order {
		et := toExportedThread(m.threads[id])
		idJSON, err := json.Marshal(et.ID)
		if err != nil {
			return nil, err
		}
		threadJSON, err := json.Marshal(et)
		if err != nil {
			return nil, err
		}
		snap.Threads = append(snap.Threads, []json.RawMessage{idJSON, threadJSON})
	}
	return json.MarshalIndent(snap, "", "  ")
}

// Import replaces the manager's state with the snapshot encoded in data,
// resetting the thread/message ID allocators past the highest numeric
// suffix seen (mirroring task.Manager.FromMarkdown's allocator reset).
func (m *Manager) Import(data []byte) error {
	var snap exportedSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	threads := make(map[string]*Thread)
	var order []string
	maxThreadIdx, maxMsgIdx := 0, 0

	for _, pair := range snap.Threads {
		if len(pair) != 2 {
			return fmt.Errorf("malformed thread entry: expected [id, thread]")
		}
		var id string
		if err := json.Unmarshal(pair[0], &id); err != nil {
			return fmt.Errorf("malformed thread id: %w", err)
		}
		var et exportedThread
		if err := json.Unmarshal(pair[1], &et); err != nil {
			return fmt.Errorf("malformed thread %s: %w", id, err)
		}
		t, err := fromExportedThread(et)
		if err != nil {
			return err
		}
		threads[id] = t
		order = append(order, id)

		if idx := numericSuffix(id); idx > maxThreadIdx {
			maxThreadIdx = idx
		}
		for _, msg := range t.Messages {
			if idx := numericSuffix(msg.ID); idx > maxMsgIdx {
				maxMsgIdx = idx
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads = threads
	m.order = order
	m.activeID = snap.ActiveThreadID
	m.threadIDs = newCounterFrom("thread", maxThreadIdx)
	m.messageIDs = newCounterFrom("msg", maxMsgIdx)
	return nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// numericSuffix extracts the integer after the last "-" in an id like
// "thread-12", returning 0 if it isn't numeric.
func numericSuffix(id string) int {
	idx := strings.LastIndex(id, "-")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(id[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

func newCounterFrom(prefix string, start int) *core.Counter {
	return core.NewCounterFrom(prefix, uint64(start))
}

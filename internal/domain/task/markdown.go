package task

import (
	"fmt"
	"strings"

	"github.com/corerun/agentcore/internal/domain/core"
)

// statusSymbol is the checkbox glyph used in the exported markdown header.
func statusSymbol(s Status) string {
	switch s {
	case StatusCompleted:
		return "x"
	case StatusInProgress:
		return "~"
	default:
		return " "
	}
}

func symbolStatus(sym string) Status {
	switch strings.TrimSpace(sym) {
	case "x", "X":
		return StatusCompleted
	case "~":
		return StatusInProgress
	default:
		return StatusPending
	}
}

// ToMarkdown renders every non-deleted task (list-ordered) as the spec's
// "## [x] task-N: subject" dialect with typed subfields. Export/import
// round-trip is contractual (spec §6, §8 R1).
func (m *Manager) ToMarkdown() string {
	var b strings.Builder
	for _, t := range m.List() {
		fmt.Fprintf(&b, "## [%s] %s: %s\n", statusSymbol(t.Status), t.ID, t.Subject)
		fmt.Fprintf(&b, "**Status:** %s\n", t.Status)
		if t.Owner != "" {
			fmt.Fprintf(&b, "**Owner:** %s\n", t.Owner)
		}
		if len(t.BlockedBy) > 0 {
			fmt.Fprintf(&b, "**Blocked by:** %s\n", strings.Join(t.BlockedBy, ", "))
		}
		if len(t.Blocks) > 0 {
			fmt.Fprintf(&b, "**Blocks:** %s\n", strings.Join(t.Blocks, ", "))
		}
		fmt.Fprintf(&b, "**Description:** %s\n\n", t.Description)
	}
	return b.String()
}

// FromMarkdown replaces the manager's task set with the one described by
// md, preserving IDs, and resets the ID allocator to max(existing_id)+1
// (spec §4.8).
func (m *Manager) FromMarkdown(md string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make(map[string]Task)
	var order []string
	maxIdx := 0

	var cur *Task
	flush := func() {
		if cur != nil {
			tasks[cur.ID] = *cur
			order = append(order, cur.ID)
		}
		cur = nil
	}

	lines := strings.Split(md, "\n")
	for _, rawLine := range lines {
		line := strings.TrimRight(rawLine, "\r")
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "## [") {
			flush()
			t, err := parseHeader(trimmed)
			if err != nil {
				return err
			}
			cur = &t
			if idx := taskIndex(t.ID); idx > maxIdx {
				maxIdx = idx
			}
			continue
		}
		if cur == nil {
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "**Status:**"):
			cur.Status = Status(strings.TrimSpace(strings.TrimPrefix(trimmed, "**Status:**")))
		case strings.HasPrefix(trimmed, "**Owner:**"):
			cur.Owner = strings.TrimSpace(strings.TrimPrefix(trimmed, "**Owner:**"))
		case strings.HasPrefix(trimmed, "**Blocked by:**"):
			cur.BlockedBy = splitList(strings.TrimPrefix(trimmed, "**Blocked by:**"))
		case strings.HasPrefix(trimmed, "**Blocks:**"):
			cur.Blocks = splitList(strings.TrimPrefix(trimmed, "**Blocks:**"))
		case strings.HasPrefix(trimmed, "**Description:**"):
			cur.Description = strings.TrimSpace(strings.TrimPrefix(trimmed, "**Description:**"))
		}
	}
	flush()

	m.tasks = tasks
	m.order = order
	m.ids = core.NewCounterFrom("task", uint64(maxIdx))
	return nil
}

func parseHeader(line string) (Task, error) {
	// "## [x] task-3: Fix the bug"
	rest := strings.TrimPrefix(line, "## [")
	closeIdx := strings.Index(rest, "]")
	if closeIdx < 0 {
		return Task{}, fmt.Errorf("malformed task header: %q", line)
	}
	sym := rest[:closeIdx]
	rest = strings.TrimSpace(rest[closeIdx+1:])

	colonIdx := strings.Index(rest, ":")
	if colonIdx < 0 {
		return Task{}, fmt.Errorf("malformed task header (missing ':'): %q", line)
	}
	id := strings.TrimSpace(rest[:colonIdx])
	subject := strings.TrimSpace(rest[colonIdx+1:])

	return Task{
		ID:      id,
		Subject: subject,
		Status:  symbolStatus(sym),
	}, nil
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}


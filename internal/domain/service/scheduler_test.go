package service

import (
	"testing"

	"github.com/corerun/agentcore/internal/domain/entity"
)

func spec(idx int, name string, args map[string]interface{}) ToolCallSpec {
	return ToolCallSpec{
		Index: idx,
		Call:  entity.ToolCallInfo{ID: "", Name: name, Arguments: args},
		Args:  args,
	}
}

func flatten(batches []Batch) []ToolCallSpec {
	var out []ToolCallSpec
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}

func TestSchedule_ParallelReadsBatchIntoOne(t *testing.T) {
	calls := []ToolCallSpec{
		spec(0, "read_file", map[string]interface{}{"path": "/a"}),
		spec(1, "read_file", map[string]interface{}{"path": "/b"}),
		spec(2, "read_file", map[string]interface{}{"path": "/c"}),
	}
	batches := Schedule(calls)
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("expected one batch of three, got %#v", batches)
	}
}

func TestSchedule_WritesToDifferentFilesGoParallel(t *testing.T) {
	calls := []ToolCallSpec{
		spec(0, "write_file", map[string]interface{}{"path": "/a", "content": "x"}),
		spec(1, "edit_file", map[string]interface{}{"path": "/b"}),
		spec(2, "bash", map[string]interface{}{"command": "npm test"}),
	}
	batches := Schedule(calls)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d: %#v", len(batches), batches)
	}
	if len(batches[0]) != 2 {
		t.Fatalf("expected first batch to hold write+edit, got %#v", batches[0])
	}
	if len(batches[1]) != 1 || batches[1][0].Call.Name != "bash" {
		t.Fatalf("expected second batch to be [bash], got %#v", batches[1])
	}
}

func TestSchedule_SameFileWritesSerialize(t *testing.T) {
	calls := []ToolCallSpec{
		spec(0, "write_file", map[string]interface{}{"path": "/a", "content": "1"}),
		spec(1, "write_file", map[string]interface{}{"path": "/a", "content": "2"}),
	}
	batches := Schedule(calls)
	if len(batches) != 2 || len(batches[0]) != 1 || len(batches[1]) != 1 {
		t.Fatalf("expected two single-call batches, got %#v", batches)
	}
}

func TestSchedule_SequentialCallIsAlone(t *testing.T) {
	calls := []ToolCallSpec{
		spec(0, "read_file", map[string]interface{}{"path": "/a"}),
		spec(1, "bash", map[string]interface{}{"command": "ls"}),
		spec(2, "read_file", map[string]interface{}{"path": "/b"}),
	}
	batches := Schedule(calls)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches (read | bash | read), got %d: %#v", len(batches), batches)
	}
	if len(batches[1]) != 1 {
		t.Fatalf("sequential batch must contain exactly one call, got %#v", batches[1])
	}
}

func TestSchedule_ConcatReproducesInput(t *testing.T) {
	calls := []ToolCallSpec{
		spec(0, "read_file", map[string]interface{}{"path": "/a"}),
		spec(1, "write_file", map[string]interface{}{"path": "/b"}),
		spec(2, "write_file", map[string]interface{}{"path": "/b"}),
		spec(3, "grep", map[string]interface{}{"query": "foo"}),
		spec(4, "bash", map[string]interface{}{"command": "echo hi"}),
		spec(5, "edit_file", map[string]interface{}{"path": "/c"}),
	}
	batches := Schedule(calls)
	got := flatten(batches)
	if len(got) != len(calls) {
		t.Fatalf("expected %d calls after flattening, got %d", len(calls), len(got))
	}
	for i, c := range got {
		if c.Index != calls[i].Index {
			t.Fatalf("order mismatch at %d: want index %d got %d", i, calls[i].Index, c.Index)
		}
	}
}

func TestSchedule_NoPathTreatedAsSequential(t *testing.T) {
	calls := []ToolCallSpec{
		spec(0, "write_file", map[string]interface{}{"content": "x"}),
	}
	batches := Schedule(calls)
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected one single-call batch, got %#v", batches)
	}
}

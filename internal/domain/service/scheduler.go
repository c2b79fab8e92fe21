package service

import "github.com/corerun/agentcore/internal/domain/entity"

// ToolCallSpec is the scheduler's view of one pending tool call: just
// enough to classify and extract a target path, decoupled from the
// provider-specific entity.ToolCallInfo shape.
type ToolCallSpec struct {
	Index int
	Call  entity.ToolCallInfo
	Args  map[string]interface{}
}

// Batch is a maximal set of tool calls safe to run concurrently.
type Batch []ToolCallSpec

// parallelReadTools are safe to run concurrently with anything else in
// their own batch — no file-path tracking required (spec §4.7).
var parallelReadTools = map[string]bool{
	"read_file":     true,
	"glob":          true,
	"grep":          true,
	"list_files":    true,
	"search_files":  true,
	"search_code":   true,
	"get_file_info": true,
}

// conditionallyParallelTools are write-class calls: safe to batch
// together only when every member targets a distinct file path.
var conditionallyParallelTools = map[string]bool{
	"write_file": true,
	"edit_file":  true,
}

func isParallelRead(name string) bool     { return parallelReadTools[name] }
func isConditionalWrite(name string) bool { return conditionallyParallelTools[name] }

// Schedule groups an ordered list of tool calls into ordered batches,
// using the left-to-right sweep algorithm from spec §4.7. Batches
// themselves run sequentially in the returned order; within a batch,
// all calls may run concurrently.
//
// Properties this algorithm guarantees (spec §4.7, Q4/Q5):
//   - concatenating all output batches reproduces the input exactly
//   - no batch contains two write-class calls targeting the same path
//   - a batch containing any sequential call contains exactly that call
func Schedule(calls []ToolCallSpec) []Batch {
	var batches []Batch
	var batch Batch
	filesInBatch := make(map[string]bool)

	flush := func() {
		if len(batch) > 0 {
			batches = append(batches, batch)
			batch = nil
			filesInBatch = make(map[string]bool)
		}
	}

	for _, c := range calls {
		name := c.Call.Name

		switch {
		case isParallelRead(name):
			batch = append(batch, c)

		case isConditionalWrite(name):
			path := extractTargetPath(c.Args)
			if path == "" {
				// Can't determine target — treat as sequential.
				flush()
				batches = append(batches, Batch{c})
				continue
			}
			if filesInBatch[path] {
				flush()
			}
			batch = append(batch, c)
			filesInBatch[path] = true

		default:
			flush()
			batches = append(batches, Batch{c})
		}
	}
	flush()

	return batches
}

// extractTargetPath pulls the file path a write-class call acts on from
// its arguments, checking the nested shapes the spec names: args.path,
// args.file_path, or args.input.path.
func extractTargetPath(args map[string]interface{}) string {
	if args == nil {
		return ""
	}
	if v, ok := args["file_path"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if v, ok := args["path"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if input, ok := args["input"].(map[string]interface{}); ok {
		if v, ok := input["path"]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

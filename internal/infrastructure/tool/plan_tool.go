// Copyright 2026 CoreRun Authors. All rights reserved.
package tool

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/task"
	domaintool "github.com/corerun/agentcore/internal/domain/tool"
)

// UpdatePlanTool is the agent-facing surface of C8: it lets the running
// loop create, claim, and complete tasks in a shared task.Manager instead
// of re-deriving its own ad hoc todo-list format. One Manager is shared by
// every step of a run (and, for a gateway session, across the sub-agents
// spawned from it), so "update_plan" and "spawn_agent" see the same DAG.
type UpdatePlanTool struct {
	mgr    *task.Manager
	owner  string
	logger *zap.Logger
}

// NewUpdatePlanTool creates the update_plan tool over mgr. owner tags
// claims made through this tool instance (spec §4.8's lease Owner field).
func NewUpdatePlanTool(mgr *task.Manager, owner string, logger *zap.Logger) *UpdatePlanTool {
	if owner == "" {
		owner = "main-loop"
	}
	return &UpdatePlanTool{mgr: mgr, owner: owner, logger: logger}
}

func (t *UpdatePlanTool) Name() string         { return "update_plan" }
func (t *UpdatePlanTool) Kind() domaintool.Kind { return domaintool.KindThink }
func (t *UpdatePlanTool) Description() string {
	return "Manage the task list for this run. " +
		"action='create' adds a new task (optionally blocked_by other task IDs); " +
		"action='claim' marks a task in_progress and leases it to you; " +
		"action='complete' marks a task done; " +
		"action='list' shows every task, in_progress first."
}

func (t *UpdatePlanTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Action to perform.",
				"enum":        []string{"create", "claim", "complete", "list"},
			},
			"subject": map[string]interface{}{
				"type":        "string",
				"description": "Short imperative title (required for 'create').",
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "Longer description of the task (optional for 'create').",
			},
			"active_form": map[string]interface{}{
				"type":        "string",
				"description": "Present-continuous form shown while in progress, e.g. 'Running tests' (optional for 'create').",
			},
			"blocked_by": map[string]interface{}{
				"type":        "array",
				"description": "Task IDs that must complete before this one may be claimed (optional for 'create').",
				"items":       map[string]interface{}{"type": "string"},
			},
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "Task ID to act on (required for 'claim'/'complete').",
			},
		},
		"required": []string{"action"},
	}
}

func (t *UpdatePlanTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	action, _ := args["action"].(string)

	switch action {
	case "create":
		return t.create(args)
	case "claim":
		return t.claim(args)
	case "complete":
		return t.complete(args)
	case "list":
		return t.list(), nil
	default:
		return &Result{Output: "Error: action must be one of create/claim/complete/list", Success: false}, nil
	}
}

func (t *UpdatePlanTool) create(args map[string]interface{}) (*Result, error) {
	subject, _ := args["subject"].(string)
	if subject == "" {
		return &Result{Output: "Error: 'subject' is required for create", Success: false}, nil
	}
	description, _ := args["description"].(string)
	activeForm, _ := args["active_form"].(string)

	created := t.mgr.Create(subject, description, activeForm)

	if rawBlockers, ok := args["blocked_by"].([]interface{}); ok {
		for _, b := range rawBlockers {
			blockerID, _ := b.(string)
			if blockerID == "" {
				continue
			}
			if err := t.mgr.AddDependency(created.ID, blockerID); err != nil {
				return &Result{
					Output:  fmt.Sprintf("Task %s created, but dependency on %s failed: %v", created.ID, blockerID, err),
					Success: false,
				}, nil
			}
		}
		created, _ = t.mgr.Get(created.ID)
	}

	t.logger.Info("Task created", zap.String("id", created.ID), zap.String("subject", subject))
	return &Result{
		Output:  fmt.Sprintf("Created %s: %s", created.ID, created.Subject),
		Display: t.render(),
		Success: true,
	}, nil
}

func (t *UpdatePlanTool) claim(args map[string]interface{}) (*Result, error) {
	id, _ := args["task_id"].(string)
	if id == "" {
		return &Result{Output: "Error: 'task_id' is required for claim", Success: false}, nil
	}
	claimed, err := t.mgr.Claim(id, t.owner)
	if err != nil {
		return &Result{Output: fmt.Sprintf("Error: %v", err), Success: false}, nil
	}
	return &Result{
		Output:  fmt.Sprintf("Claimed %s (%s)", claimed.ID, claimed.Subject),
		Display: t.render(),
		Success: true,
	}, nil
}

func (t *UpdatePlanTool) complete(args map[string]interface{}) (*Result, error) {
	id, _ := args["task_id"].(string)
	if id == "" {
		return &Result{Output: "Error: 'task_id' is required for complete", Success: false}, nil
	}
	done, err := t.mgr.Complete(id)
	if err != nil {
		return &Result{Output: fmt.Sprintf("Error: %v", err), Success: false}, nil
	}
	t.logger.Info("Task completed", zap.String("id", done.ID))
	return &Result{
		Output:  fmt.Sprintf("Completed %s", done.ID),
		Display: t.render(),
		Success: true,
	}, nil
}

func (t *UpdatePlanTool) list() *Result {
	return &Result{Output: t.render(), Success: true}
}

// render mirrors the spec's checkbox dialect (task.Manager.ToMarkdown)
// but sorted the way List() already orders in_progress/pending/completed.
func (t *UpdatePlanTool) render() string {
	tasks := t.mgr.List()
	if len(tasks) == 0 {
		return "(no tasks)"
	}
	var sb strings.Builder
	for _, task := range tasks {
		var icon string
		switch task.Status {
		case "completed":
			icon = "[x]"
		case "in_progress":
			icon = "[~]"
		default:
			icon = "[ ]"
		}
		sb.WriteString(fmt.Sprintf("%s %s: %s", icon, task.ID, task.Subject))
		if len(task.BlockedBy) > 0 {
			sb.WriteString(fmt.Sprintf(" (blocked by %s)", strings.Join(task.BlockedBy, ", ")))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

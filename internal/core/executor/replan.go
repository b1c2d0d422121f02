package executor

import (
	"fmt"

	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// ReplanResult reports what Replan actually did (§8 "Replan post-condition").
type ReplanResult struct {
	RemovedCount int
	AddedCount   int
	KeptIDs      []string
}

// Replan replaces every still-PENDING subtask with replacements, leaving DONE/RUNNING/FAILED
// subtasks untouched, and re-validates the resulting graph for cycles (§4.4 "replan"). Every
// new subtask's dependencies must resolve inside kept ∪ replacements and no new id may collide
// with a kept one. Emitted as task_replanned so the HTTP adapter can refresh its subtask list.
func (e *Executor) Replan(replacements []*task.Subtask) (*ReplanResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var kept []*task.Subtask
	var removed int
	keptIDs := make(map[string]struct{})
	for _, s := range e.t.Subtasks {
		if s.State == task.StatePending {
			removed++
			continue
		}
		kept = append(kept, s)
		keptIDs[s.ID] = struct{}{}
	}

	resolvable := make(map[string]struct{}, len(keptIDs)+len(replacements))
	for id := range keptIDs {
		resolvable[id] = struct{}{}
	}
	for _, s := range replacements {
		if _, collide := keptIDs[s.ID]; collide {
			return nil, fmt.Errorf("replan: new subtask id %q collides with a kept subtask", s.ID)
		}
		resolvable[s.ID] = struct{}{}
	}

	for _, s := range replacements {
		for _, dep := range s.DependsOn {
			if _, ok := resolvable[dep]; !ok {
				return nil, fmt.Errorf("replan: subtask %q depends on non-existent task %q", s.ID, dep)
			}
		}
	}

	candidate := append(append([]*task.Subtask(nil), kept...), replacements...)
	if err := checkAcyclic(candidate); err != nil {
		return nil, fmt.Errorf("replan: %w", err)
	}

	e.t.Subtasks = candidate
	e.bus.Emit(task.Event{
		Action: task.ActionTaskReplanned,
		TaskID: e.taskID,
		Data:   map[string]any{"subtask_count": len(candidate)},
	})

	result := &ReplanResult{RemovedCount: removed, AddedCount: len(replacements)}
	for id := range keptIDs {
		result.KeptIDs = append(result.KeptIDs, id)
	}
	return result, nil
}

// InsertDynamic appends subtasks produced mid-execution by a split_and_handoff tool call
// (§3's "IsDynamic", ids suffixed "_dyn_N"). The parent subtask that requested the split must
// already be RUNNING or DONE; the new subtasks start PENDING and become eligible on the next
// scheduling pass like any other subtask.
func (e *Executor) InsertDynamic(parentID string, additions []*task.Subtask) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	byID := e.t.BySubtaskID()
	parent, ok := byID[parentID]
	if !ok {
		return fmt.Errorf("insert dynamic: parent subtask %q not found", parentID)
	}
	if parent.State == task.StatePending {
		return fmt.Errorf("insert dynamic: parent subtask %q has not started yet", parentID)
	}

	candidate := append(append([]*task.Subtask(nil), e.t.Subtasks...), additions...)
	if err := checkAcyclic(candidate); err != nil {
		return fmt.Errorf("insert dynamic: %w", err)
	}

	e.t.Subtasks = candidate
	e.bus.Emit(task.Event{
		Action: task.ActionDynamicTasksAdded,
		TaskID: e.taskID,
		Data:   map[string]any{"parent_id": parentID, "added": len(additions)},
	})
	return nil
}

// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"fmt"
	"time"

	"github.com/kadirpekel/ryu/pkg/task"
	"github.com/kadirpekel/ryu/pkg/todomd"
)

// Assignment describes available work offered to a polling worker.
type Assignment struct {
	TaskID        string `json:"task_id"`
	TaskTitle     string `json:"task_title"`
	TaskPriority  int    `json:"task_priority"`
	SubtaskID     string `json:"subtask_id"`
	SubtaskTitle  string `json:"subtask_title"`
	SubtaskDescr  string `json:"subtask_description"`
	LeaderHint    string `json:"leader_hint,omitempty"`
	MaxIterations int    `json:"max_iterations"`
}

// WorkContext is handed to a worker when it starts a claimed subtask.
type WorkContext struct {
	Description string         `json:"description"`
	PromptRef   string         `json:"prompt_ref,omitempty"`
	PlanFile    string         `json:"plan_file,omitempty"`
	LeaderHint  string         `json:"leader_hint,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Poll returns up to max available subtasks: pending, unassigned, unblocked,
// on tasks that are not paused.
func (e *Engine) Poll(max int) []Assignment {
	refs := e.store.AvailableSubtasks(max * 2)
	assignments := make([]Assignment, 0, len(refs))
	for _, ref := range refs {
		if e.recovery.IsPaused(ref.Task.TaskID) {
			continue
		}
		assignments = append(assignments, Assignment{
			TaskID:        ref.Task.TaskID,
			TaskTitle:     ref.Task.Title,
			TaskPriority:  ref.Task.Priority,
			SubtaskID:     ref.Subtask.SubtaskID,
			SubtaskTitle:  ref.Subtask.Title,
			SubtaskDescr:  ref.Subtask.Descr,
			LeaderHint:    ref.Subtask.LeaderHint,
			MaxIterations: ref.Subtask.MaxIterations,
		})
		if len(assignments) >= max {
			break
		}
	}
	return assignments
}

// Claim assigns a pending subtask to an agent.
func (e *Engine) Claim(taskID, subtaskID, agentID string) (*task.SubTask, error) {
	unlock := e.lockTask(taskID)
	defer unlock()

	t, ok := e.store.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if e.recovery.IsPaused(taskID) {
		return nil, fmt.Errorf("task %s is paused", taskID)
	}
	st := t.Subtask(subtaskID)
	if st == nil {
		return nil, fmt.Errorf("subtask %s not found", subtaskID)
	}
	if st.Status != task.StatusPending {
		return nil, fmt.Errorf("subtask already %s", st.Status)
	}
	if st.AssignedTo != "" {
		return nil, fmt.Errorf("subtask already assigned to %s", st.AssignedTo)
	}
	if len(st.BlockedBy) > 0 {
		return nil, fmt.Errorf("subtask blocked by %d dependencies", len(st.BlockedBy))
	}

	now := time.Now().UTC()
	st.AssignedTo = agentID
	st.Status = task.StatusAssigned
	st.StartedAt = &now
	st.UpdatedAt = now
	if t.Status == task.StatusAssigned || t.Status == task.StatusPending {
		t.Status = task.StatusInProgress
	}
	e.store.Save(t)

	claimed := *st
	return &claimed, nil
}

// StartWork moves a claimed subtask to in_progress and returns its
// execution context.
func (e *Engine) StartWork(taskID, subtaskID, agentID string) (*WorkContext, error) {
	unlock := e.lockTask(taskID)
	defer unlock()

	t, ok := e.store.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	st := t.Subtask(subtaskID)
	if st == nil {
		return nil, fmt.Errorf("subtask %s not found", subtaskID)
	}
	if st.AssignedTo != agentID {
		return nil, fmt.Errorf("subtask not assigned to %s", agentID)
	}
	if st.Status != task.StatusAssigned {
		return nil, fmt.Errorf("subtask in unexpected state: %s", st.Status)
	}

	st.Status = task.StatusInProgress
	st.UpdatedAt = time.Now().UTC()
	e.store.Save(t)

	if e.todo != nil {
		e.todo.OnActivate(t)
	}

	return &WorkContext{
		Description: st.Descr,
		PromptRef:   st.PromptRef,
		PlanFile:    st.PlanFile,
		LeaderHint:  st.LeaderHint,
		Metadata:    st.Metadata,
	}, nil
}

// Release returns a claimed subtask to pending, e.g. on worker timeout.
func (e *Engine) Release(taskID, subtaskID, agentID, reason string) error {
	unlock := e.lockTask(taskID)
	defer unlock()

	t, ok := e.store.Get(taskID)
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	st := t.Subtask(subtaskID)
	if st == nil {
		return fmt.Errorf("subtask %s not found", subtaskID)
	}
	if st.AssignedTo != agentID {
		return fmt.Errorf("subtask not assigned to %s", agentID)
	}

	st.Status = task.StatusPending
	st.AssignedTo = ""
	st.StartedAt = nil
	st.UpdatedAt = time.Now().UTC()
	e.store.Save(t)
	return nil
}

// TodoSync wires engine transitions into the source-of-truth file. Tasks
// carry their todo id (e.g. "T500") in metadata under "todo_id".
type TodoSync struct {
	parser *todomd.Parser
}

// NewTodoSync creates a sync helper over the todo.md parser.
func NewTodoSync(parser *todomd.Parser) *TodoSync {
	return &TodoSync{parser: parser}
}

// OnClaim marks the todo line in progress.
func (s *TodoSync) OnClaim(t *task.Task) {
	if id := todoID(t); id != "" {
		_, _ = s.parser.MarkInProgress(id)
	}
}

// OnActivate moves the todo line into the Active section.
func (s *TodoSync) OnActivate(t *task.Task) {
	if id := todoID(t); id != "" {
		_, _ = s.parser.MoveToActive(id)
	}
}

// OnComplete moves the todo line to Done with an optional note.
func (s *TodoSync) OnComplete(t *task.Task, note string) {
	if id := todoID(t); id != "" {
		_, _ = s.parser.MarkDone(id, note)
	}
}

// OnStatusChange rewrites the bold status tag.
func (s *TodoSync) OnStatusChange(t *task.Task, status string) {
	if id := todoID(t); id != "" {
		_, _ = s.parser.UpdateStatusTag(id, status)
	}
}

func todoID(t *task.Task) string {
	id, _ := t.Metadata["todo_id"].(string)
	return id
}

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

// Package task defines the orchestration task model: tasks, subtasks,
// iteration records, and the dependency DAG.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the shared state enum for tasks and subtasks.
type Status string

const (
	StatusPending      Status = "pending"
	StatusBreakingDown Status = "breaking_down"
	StatusAssigned     Status = "assigned"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IterationRecord captures one worker attempt at a subtask.
type IterationRecord struct {
	IterationNum      int       `json:"iteration_num"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	EndedAt           time.Time `json:"ended_at,omitempty"`
	DurationSec       float64   `json:"duration_sec,omitempty"`
	AgentID           string    `json:"agent_id"`
	ContextTokensUsed int       `json:"context_tokens_used"`
	Promise           Promise   `json:"promise,omitempty"`
	PromiseDetail     string    `json:"promise_detail,omitempty"`
	Error             string    `json:"error,omitempty"`
	ApproachTried     string    `json:"approach_tried,omitempty"`
	LeaderHint        string    `json:"leader_hint,omitempty"`
}

// SubTask is the unit of work claimed and iterated on by workers.
type SubTask struct {
	SubtaskID  string `json:"subtask_id"`
	TaskID     string `json:"task_id"`
	Title      string `json:"title"`
	Descr      string `json:"description"`
	Status     Status `json:"status"`
	AssignedTo string `json:"assigned_to,omitempty"`
	PromptRef  string `json:"prompt_ref,omitempty"`
	PlanFile   string `json:"plan_file,omitempty"`

	// BlockedBy holds subtask ids that must complete first.
	BlockedBy []string `json:"blocked_by,omitempty"`

	MaxIterations    int `json:"max_iterations"`
	CurrentIteration int `json:"current_iteration"`

	// EscalationLevel is monotonically non-decreasing: 0 retry, 1 hint,
	// 2 reassign, 3 human.
	EscalationLevel int `json:"escalation_level"`

	ContextTokensTotal  int `json:"context_tokens_total"`
	ContextBudgetTokens int `json:"context_budget_tokens"`

	LastPromise       Promise           `json:"last_promise,omitempty"`
	LastPromiseDetail string            `json:"last_promise_detail,omitempty"`
	LeaderHint        string            `json:"leader_hint,omitempty"`
	IterationHistory  []IterationRecord `json:"iteration_history,omitempty"`
	Result            string            `json:"result,omitempty"`
	ComplexityScore   float64           `json:"complexity_score,omitempty"`

	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IterationsRemaining returns the unused iteration budget.
func (st *SubTask) IterationsRemaining() int {
	remaining := st.MaxIterations - st.CurrentIteration
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ContextAlert reports whether context pressure crossed the alert ratio.
func (st *SubTask) ContextAlert(ratio float64) bool {
	if st.ContextBudgetTokens <= 0 {
		return false
	}
	return float64(st.ContextTokensTotal)/float64(st.ContextBudgetTokens) >= ratio
}

// Task is a top-level unit of work broken into subtasks.
type Task struct {
	TaskID   string    `json:"task_id"`
	Title    string    `json:"title"`
	Descr    string    `json:"description"`
	Status   Status    `json:"status"`
	Priority int       `json:"priority"`
	Subtasks []SubTask `json:"subtasks"`

	TotalIterationsUsed  int `json:"total_iterations_used"`
	TotalIterationBudget int `json:"total_iteration_budget"`

	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}

// New creates a pending task.
func New(title, description string, priority int) *Task {
	return &Task{
		TaskID:    "task-" + uuid.NewString()[:8],
		Title:     title,
		Descr:     description,
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
		Metadata:  map[string]any{},
	}
}

// NewSubTask creates a pending subtask attached to the task.
func NewSubTask(taskID, title, description string, maxIterations, contextBudget int) SubTask {
	return SubTask{
		SubtaskID:           "sub-" + uuid.NewString()[:8],
		TaskID:              taskID,
		Title:               title,
		Descr:               description,
		Status:              StatusPending,
		MaxIterations:       maxIterations,
		ContextBudgetTokens: contextBudget,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
		Metadata:            map[string]any{},
	}
}

// Subtask returns a pointer to the subtask with the given id.
func (t *Task) Subtask(subtaskID string) *SubTask {
	for i := range t.Subtasks {
		if t.Subtasks[i].SubtaskID == subtaskID {
			return &t.Subtasks[i]
		}
	}
	return nil
}

// AddSubtask appends a subtask after validating its dependencies keep the
// blocked-by graph acyclic.
func (t *Task) AddSubtask(st SubTask) error {
	for _, dep := range st.BlockedBy {
		if dep == st.SubtaskID {
			return fmt.Errorf("subtask %s cannot block on itself", st.SubtaskID)
		}
	}
	candidate := append(append([]SubTask{}, t.Subtasks...), st)
	if hasCycle(candidate) {
		return fmt.Errorf("subtask %s introduces a dependency cycle", st.SubtaskID)
	}
	t.Subtasks = append(t.Subtasks, st)
	return nil
}

// hasCycle detects cycles in the blocked-by graph by recursive DFS.
func hasCycle(subtasks []SubTask) bool {
	deps := make(map[string][]string, len(subtasks))
	for _, st := range subtasks {
		deps[st.SubtaskID] = st.BlockedBy
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(deps))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, dep := range deps[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if _, known := deps[dep]; known && visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for id := range deps {
		if colors[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// UnblockDependents removes the completed subtask from every blocked-by set
// and returns the subtasks that became ready.
func (t *Task) UnblockDependents(completedID string) []*SubTask {
	var ready []*SubTask
	for i := range t.Subtasks {
		st := &t.Subtasks[i]
		before := len(st.BlockedBy)
		if before == 0 {
			continue
		}
		filtered := st.BlockedBy[:0]
		for _, dep := range st.BlockedBy {
			if dep != completedID {
				filtered = append(filtered, dep)
			}
		}
		st.BlockedBy = filtered
		if before > 0 && len(st.BlockedBy) == 0 {
			ready = append(ready, st)
		}
	}
	return ready
}

// UpdateStatusFromSubtasks derives the task status from its subtasks.
// The derivation is idempotent; failed dominates completed when at least one
// subtask failed and none are in flight or pending.
func (t *Task) UpdateStatusFromSubtasks() {
	if t.Status == StatusCancelled || len(t.Subtasks) == 0 {
		return
	}

	counts := map[Status]int{}
	for _, st := range t.Subtasks {
		counts[st.Status]++
	}
	total := len(t.Subtasks)
	inFlight := counts[StatusAssigned] + counts[StatusInProgress]

	switch {
	case counts[StatusCompleted] == total:
		t.Status = StatusCompleted
		if t.CompletedAt == nil {
			now := time.Now().UTC()
			t.CompletedAt = &now
		}
	case counts[StatusFailed] > 0 && inFlight == 0 && counts[StatusPending] == 0:
		t.Status = StatusFailed
		if t.CompletedAt == nil {
			now := time.Now().UTC()
			t.CompletedAt = &now
		}
	case inFlight > 0:
		t.Status = StatusInProgress
		if t.StartedAt == nil {
			now := time.Now().UTC()
			t.StartedAt = &now
		}
	case counts[StatusPending] == total:
		t.Status = StatusPending
	default:
		// Mixed pending/terminal with nothing running.
		t.Status = StatusInProgress
	}
}

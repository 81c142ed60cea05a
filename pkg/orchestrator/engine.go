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

// Package orchestrator implements the task-iteration engine: worker reports
// advance subtasks through the completion-promise protocol with graduated
// escalation, auto-captured evidence, and iteration archiving.
package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/ryu/pkg/config"
	"github.com/kadirpekel/ryu/pkg/evidence"
	"github.com/kadirpekel/ryu/pkg/recovery"
	"github.com/kadirpekel/ryu/pkg/task"
)

// NextAction values returned in iteration feedback.
const (
	ActionComplete      = "complete"
	ActionRetry         = "retry"
	ActionHintInjected  = "hint_injected"
	ActionReassigning   = "reassigning"
	ActionEscalateHuman = "escalate_human"
)

// WorkerReport is the inbound iteration result from a worker.
type WorkerReport struct {
	TaskID            string       `json:"task_id"`
	SubtaskID         string       `json:"subtask_id"`
	AgentID           string       `json:"agent_id"`
	Success           bool         `json:"success"`
	Result            string       `json:"result,omitempty"`
	Error             string       `json:"error,omitempty"`
	ContextTokensUsed int          `json:"context_tokens_used"`
	Promise           task.Promise `json:"promise,omitempty"`
	PromiseDetail     string       `json:"promise_detail,omitempty"`
	ApproachTried     string       `json:"approach_tried,omitempty"`
}

// Feedback is the engine's response to one report.
type Feedback struct {
	IterationNum        int      `json:"iteration_num"`
	IterationsRemaining int      `json:"iterations_remaining"`
	ContextAlert        bool     `json:"context_alert"`
	NextAction          string   `json:"next_action"`
	UnblockedSubtasks   []string `json:"unblocked_subtasks,omitempty"`
}

// Engine receives worker reports and advances the task model.
type Engine struct {
	store    task.Store
	recovery *recovery.Manager
	evidence *evidence.Generator
	cfg      config.OrchestratorConfig
	todo     *TodoSync

	// taskLocks serializes report handling per task.
	mu        sync.Mutex
	taskLocks map[string]*sync.Mutex
}

// NewEngine creates the iteration engine.
func NewEngine(store task.Store, rec *recovery.Manager, ev *evidence.Generator, cfg config.OrchestratorConfig) *Engine {
	return &Engine{
		store:     store,
		recovery:  rec,
		evidence:  ev,
		cfg:       cfg,
		taskLocks: make(map[string]*sync.Mutex),
	}
}

// SetTodoSync connects the engine to the todo.md source of truth.
func (e *Engine) SetTodoSync(sync *TodoSync) { e.todo = sync }

func (e *Engine) lockTask(taskID string) func() {
	e.mu.Lock()
	lock, ok := e.taskLocks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		e.taskLocks[taskID] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Report processes one worker iteration report.
func (e *Engine) Report(report WorkerReport) (Feedback, error) {
	unlock := e.lockTask(report.TaskID)
	defer unlock()

	t, ok := e.store.Get(report.TaskID)
	if !ok {
		return Feedback{}, fmt.Errorf("task %s not found", report.TaskID)
	}
	st := t.Subtask(report.SubtaskID)
	if st == nil {
		return Feedback{}, fmt.Errorf("subtask %s not found", report.SubtaskID)
	}
	if st.AssignedTo != report.AgentID {
		return Feedback{}, fmt.Errorf("subtask not assigned to %s", report.AgentID)
	}

	now := time.Now().UTC()

	// Record the iteration.
	st.CurrentIteration++
	record := task.IterationRecord{
		IterationNum:      st.CurrentIteration,
		EndedAt:           now,
		AgentID:           report.AgentID,
		ContextTokensUsed: report.ContextTokensUsed,
		Promise:           report.Promise,
		PromiseDetail:     report.PromiseDetail,
		Error:             report.Error,
		ApproachTried:     report.ApproachTried,
		LeaderHint:        st.LeaderHint,
	}
	if n := len(st.IterationHistory); n > 0 && !st.IterationHistory[n-1].EndedAt.IsZero() {
		record.DurationSec = now.Sub(st.IterationHistory[n-1].EndedAt).Seconds()
	}
	st.IterationHistory = append(st.IterationHistory, record)
	st.ContextTokensTotal += report.ContextTokensUsed
	st.LastPromise = report.Promise
	st.LastPromiseDetail = report.PromiseDetail
	st.UpdatedAt = now
	t.TotalIterationsUsed++

	// Hook 1: any non-DONE promise is a detection event.
	if report.Promise != "" && report.Promise != task.PromiseDone {
		e.saveEvidence(evidence.Input{
			TaskID:          t.TaskID,
			SubtaskID:       st.SubtaskID,
			EventType:       evidence.EventPromiseDetection,
			Promise:         string(report.Promise),
			PromiseDetail:   report.PromiseDetail,
			Iteration:       st.CurrentIteration,
			EscalationLevel: st.EscalationLevel,
			WorkerID:        st.AssignedTo,
		})
	}

	// Hook 3: context pressure.
	contextAlert := st.ContextAlert(e.cfg.ContextAlertRatio)
	if contextAlert {
		pct := 0.0
		if st.ContextBudgetTokens > 0 {
			pct = float64(st.ContextTokensTotal) / float64(st.ContextBudgetTokens) * 100
		}
		e.saveEvidence(evidence.Input{
			TaskID:          t.TaskID,
			SubtaskID:       st.SubtaskID,
			EventType:       evidence.EventContextPressure,
			Iteration:       st.CurrentIteration,
			EscalationLevel: st.EscalationLevel,
			WorkerID:        st.AssignedTo,
			Extra: map[string]any{
				"context_tokens_total":  st.ContextTokensTotal,
				"context_budget_tokens": st.ContextBudgetTokens,
				"context_usage_pct":     pct,
			},
		})
	}

	iterationsRemaining := st.IterationsRemaining()
	nextAction := e.nextAction(t, st, report.Success, report.Promise, iterationsRemaining)

	feedback := Feedback{
		IterationNum:        st.CurrentIteration,
		IterationsRemaining: iterationsRemaining,
		ContextAlert:        contextAlert,
		NextAction:          nextAction,
	}

	switch {
	case report.Success && report.Promise == task.PromiseDone:
		st.Status = task.StatusCompleted
		st.CompletedAt = &now
		st.Result = report.Result
		st.LeaderHint = ""
		e.recovery.ResetRetries(st.SubtaskID)

		for _, ready := range t.UnblockDependents(st.SubtaskID) {
			feedback.UnblockedSubtasks = append(feedback.UnblockedSubtasks, ready.SubtaskID)
		}

	case !report.Success || report.Promise == task.PromiseStuck || report.Promise == task.PromiseBlocked:
		if iterationsRemaining <= 0 {
			st.Status = task.StatusFailed
			st.CompletedAt = &now
			st.Result = firstNonEmpty(report.Error, report.Result, fmt.Sprintf("Exhausted %d iterations", st.MaxIterations))

			// Hook 5: budget exhaustion postmortem.
			e.saveEvidence(evidence.Input{
				TaskID:          t.TaskID,
				SubtaskID:       st.SubtaskID,
				EventType:       evidence.EventBudgetExhaustion,
				Promise:         string(report.Promise),
				PromiseDetail:   firstNonEmpty(report.Error, "Budget exhausted"),
				Iteration:       st.CurrentIteration,
				EscalationLevel: st.EscalationLevel,
				WorkerID:        st.AssignedTo,
				Extra: map[string]any{
					"max_iterations":  st.MaxIterations,
					"iterations_used": st.CurrentIteration,
					"context_total":   st.ContextTokensTotal,
					"final_status":    "FAILED",
				},
			})
		} else {
			// Release the assignment so the subtask can be re-claimed with a
			// fresh context, possibly by a different worker.
			st.Status = task.StatusInProgress
			st.AssignedTo = ""
			e.recovery.RecordRetry(st.SubtaskID)
		}

	default:
		st.Status = task.StatusInProgress
		if report.Promise == task.PromiseProgress {
			st.Result = fmt.Sprintf("Progress: %s%%", report.PromiseDetail)
		}
	}

	previousStatus := t.Status
	t.UpdateStatusFromSubtasks()
	e.store.Save(t)

	// Reflect task-level transitions in the source-of-truth file.
	if e.todo != nil && t.Status != previousStatus {
		switch t.Status {
		case task.StatusCompleted:
			e.todo.OnComplete(t, report.Result)
		case task.StatusFailed:
			e.todo.OnStatusChange(t, "FAILED")
		}
	}

	// Archive terminal histories after the save so the store stays lean.
	if st.Status.IsTerminal() && len(st.IterationHistory) > 0 {
		if err := e.recovery.ArchiveIterationHistory(t.TaskID, st.SubtaskID); err != nil {
			slog.Warn("failed to archive iteration history", "subtask", st.SubtaskID, "error", err)
		}
	}

	slog.Info("iteration recorded",
		"task", t.TaskID, "subtask", st.SubtaskID,
		"iteration", feedback.IterationNum, "max", st.MaxIterations,
		"promise", report.Promise, "next", nextAction)
	return feedback, nil
}

// nextAction implements graduated escalation: retry, hint, reassign, human.
// A STUCK promise bumps the escalation level (capped at 3) and fires Hook 4.
func (e *Engine) nextAction(t *task.Task, st *task.SubTask, success bool, promise task.Promise, remaining int) string {
	if success && promise == task.PromiseDone {
		return ActionComplete
	}

	if promise == task.PromiseStuck {
		oldLevel := st.EscalationLevel
		if st.EscalationLevel < 3 {
			st.EscalationLevel++
		}
		if st.EscalationLevel > oldLevel {
			// Hook 4: escalation level bump.
			e.saveEvidence(evidence.Input{
				TaskID:          t.TaskID,
				SubtaskID:       st.SubtaskID,
				EventType:       evidence.EventEscalationBump,
				Promise:         string(task.PromiseStuck),
				PromiseDetail:   firstNonEmpty(st.LastPromiseDetail, "Worker stuck pattern detected"),
				Iteration:       st.CurrentIteration,
				EscalationLevel: st.EscalationLevel,
				WorkerID:        st.AssignedTo,
				Extra: map[string]any{
					"escalation_from_level": oldLevel,
					"escalation_to_level":   st.EscalationLevel,
				},
			})
		}
	}

	if remaining <= 0 {
		return ActionEscalateHuman
	}

	switch st.EscalationLevel {
	case 0:
		return ActionRetry
	case 1:
		return ActionHintInjected
	case 2:
		return ActionReassigning
	default:
		return ActionEscalateHuman
	}
}

// saveEvidence is best-effort: hook failures never fail the report path.
func (e *Engine) saveEvidence(input evidence.Input) {
	if e.evidence == nil {
		return
	}
	if _, err := e.evidence.Save(input); err != nil {
		slog.Warn("failed to save evidence pack", "task", input.TaskID, "event", input.EventType, "error", err)
	}
}

// SetLeaderHint attaches a leader hint to a subtask for its next iteration.
func (e *Engine) SetLeaderHint(taskID, subtaskID, hint string) error {
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
	st.LeaderHint = hint
	e.store.Save(t)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

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

// Package recovery manages pause/resume, checkpoints, rollback, retry
// accounting, and the graceful shutdown sequence.
package recovery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/ryu/pkg/task"
)

const (
	// MaxCheckpointsPerTask bounds retained checkpoints; oldest are evicted.
	MaxCheckpointsPerTask = 5

	// MaxRetryAttempts bounds per-subtask reassignment retries.
	MaxRetryAttempts = 3
)

// PauseReason enumerates why a task was paused.
type PauseReason string

const (
	PauseUserRequest       PauseReason = "user_request"
	PauseErrorThreshold    PauseReason = "error_threshold"
	PauseRateLimit         PauseReason = "rate_limit"
	PauseManualReview      PauseReason = "manual_review"
	PauseDependencyBlocked PauseReason = "dependency_blocked"
	PauseSystemMaintenance PauseReason = "system_maintenance"
)

// Checkpoint is a restorable task snapshot.
type Checkpoint struct {
	CheckpointID string         `json:"checkpoint_id"`
	TaskID       string         `json:"task_id"`
	CreatedAt    time.Time      `json:"created_at"`
	CreatedBy    string         `json:"created_by"`
	Reason       string         `json:"reason"`
	TaskSnapshot *task.Task     `json:"task_snapshot"`
	AgentStates  map[string]any `json:"agent_states"`
}

// PauseState records an active pause.
type PauseState struct {
	TaskID           string      `json:"task_id"`
	PausedAt         time.Time   `json:"paused_at"`
	PausedBy         string      `json:"paused_by"`
	Reason           PauseReason `json:"reason"`
	Message          string      `json:"message"`
	AffectedSubtasks []string    `json:"affected_subtasks"`
}

// Manager coordinates recovery operations over the task store.
type Manager struct {
	store         task.Store
	checkpointDir string

	mu          sync.Mutex
	paused      map[string]PauseState
	retryCounts map[string]int
}

// NewManager creates a recovery manager and loads persisted pause states.
func NewManager(store task.Store, checkpointDir string) *Manager {
	m := &Manager{
		store:         store,
		checkpointDir: checkpointDir,
		paused:        make(map[string]PauseState),
		retryCounts:   make(map[string]int),
	}
	_ = os.MkdirAll(checkpointDir, 0755)
	m.loadPauseStates()
	return m
}

// Pause pauses a task: new assignments stop, running agents are not killed.
func (m *Manager) Pause(taskID string, reason PauseReason, message, pausedBy string) error {
	t, ok := m.store.Get(taskID)
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, already := m.paused[taskID]; already {
		return fmt.Errorf("task %s is already paused", taskID)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("cannot pause task in %s state", t.Status)
	}

	var affected []string
	for _, st := range t.Subtasks {
		if st.Status == task.StatusInProgress {
			affected = append(affected, st.SubtaskID)
		}
	}

	state := PauseState{
		TaskID:           taskID,
		PausedAt:         time.Now().UTC(),
		PausedBy:         pausedBy,
		Reason:           reason,
		Message:          message,
		AffectedSubtasks: affected,
	}
	m.paused[taskID] = state
	m.savePauseStatesLocked()

	t.Metadata["paused"] = true
	t.Metadata["paused_at"] = state.PausedAt.Format(time.RFC3339)
	t.Metadata["pause_reason"] = string(reason)
	m.store.Save(t)

	slog.Info("task paused", "task", taskID, "reason", reason, "affected", len(affected))
	return nil
}

// Resume clears the pause flag for a task.
func (m *Manager) Resume(taskID, resumedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.paused[taskID]; !ok {
		return fmt.Errorf("task %s is not paused", taskID)
	}
	t, ok := m.store.Get(taskID)
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}

	delete(m.paused, taskID)
	m.savePauseStatesLocked()

	delete(t.Metadata, "paused")
	delete(t.Metadata, "paused_at")
	delete(t.Metadata, "pause_reason")
	t.Metadata["resumed_at"] = time.Now().UTC().Format(time.RFC3339)
	t.Metadata["resumed_by"] = resumedBy
	m.store.Save(t)

	slog.Info("task resumed", "task", taskID, "by", resumedBy)
	return nil
}

// IsPaused reports whether the task has an active pause.
func (m *Manager) IsPaused(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.paused[taskID]
	return ok
}

// GetPauseState returns the active pause for a task.
func (m *Manager) GetPauseState(taskID string) (PauseState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.paused[taskID]
	return state, ok
}

// PauseAll pauses every active task, returning the count paused.
func (m *Manager) PauseAll(reason PauseReason, message string) int {
	count := 0
	for _, t := range m.store.Active() {
		if err := m.Pause(t.TaskID, reason, message, "system"); err == nil {
			count++
		}
	}
	return count
}

// ResumeAll resumes every paused task, returning the count resumed.
func (m *Manager) ResumeAll() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.paused))
	for id := range m.paused {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	count := 0
	for _, id := range ids {
		if err := m.Resume(id, "system"); err == nil {
			count++
		}
	}
	return count
}

// CreateCheckpoint snapshots a task plus matching agent-state files.
func (m *Manager) CreateCheckpoint(taskID, reason, createdBy string) (string, error) {
	t, ok := m.store.Get(taskID)
	if !ok {
		return "", fmt.Errorf("task %s not found", taskID)
	}

	checkpoint := Checkpoint{
		CheckpointID: uuid.NewString()[:16],
		TaskID:       taskID,
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    createdBy,
		Reason:       reason,
		TaskSnapshot: t,
		AgentStates:  m.collectAgentStates(taskID),
	}

	path := m.checkpointPath(taskID, checkpoint.CheckpointID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}

	m.cleanupOldCheckpoints(taskID)
	slog.Info("checkpoint created", "task", taskID, "checkpoint", checkpoint.CheckpointID)
	return checkpoint.CheckpointID, nil
}

// collectAgentStates gathers agent_state.json files owned by this task.
func (m *Manager) collectAgentStates(taskID string) map[string]any {
	states := map[string]any{}
	matches, _ := filepath.Glob(filepath.Join("ai", "**", "agent_state.json"))
	direct, _ := filepath.Glob(filepath.Join("ai", "agent_state.json"))
	for _, path := range append(matches, direct...) {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var state map[string]any
		if err := json.Unmarshal(raw, &state); err != nil {
			continue
		}
		if state["current_task_id"] == taskID {
			agentID, _ := state["agent_id"].(string)
			if agentID == "" {
				agentID = "unknown"
			}
			states[agentID] = state
		}
	}
	return states
}

// ListCheckpoints returns checkpoints newest-first.
func (m *Manager) ListCheckpoints(taskID string) []Checkpoint {
	dir := filepath.Join(m.checkpointDir, taskID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var checkpoints []Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			continue
		}
		checkpoints = append(checkpoints, cp)
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
	})
	return checkpoints
}

// RestoreCheckpoint replaces the current task state with the snapshot.
// The restore is round-trip faithful, timestamps and subtasks included.
func (m *Manager) RestoreCheckpoint(taskID, checkpointID string, restoreAgentStates bool) error {
	raw, err := os.ReadFile(m.checkpointPath(taskID, checkpointID))
	if err != nil {
		return fmt.Errorf("checkpoint %s not found", checkpointID)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(raw, &checkpoint); err != nil {
		return fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	if checkpoint.TaskSnapshot == nil {
		return fmt.Errorf("checkpoint %s has no task snapshot", checkpointID)
	}

	m.store.Save(checkpoint.TaskSnapshot)

	if restoreAgentStates {
		for _, state := range checkpoint.AgentStates {
			data, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				continue
			}
			statePath := filepath.Join("ai", "agent_state.json")
			_ = os.MkdirAll(filepath.Dir(statePath), 0755)
			_ = os.WriteFile(statePath, data, 0644)
		}
	}

	slog.Info("checkpoint restored", "task", taskID, "checkpoint", checkpointID)
	return nil
}

// DeleteCheckpoint removes one checkpoint file.
func (m *Manager) DeleteCheckpoint(taskID, checkpointID string) bool {
	err := os.Remove(m.checkpointPath(taskID, checkpointID))
	return err == nil
}

// RollbackSubtask resets a non-completed subtask to pending so it can be
// re-claimed.
func (m *Manager) RollbackSubtask(taskID, subtaskID, reason string) error {
	t, ok := m.store.Get(taskID)
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	st := t.Subtask(subtaskID)
	if st == nil {
		return fmt.Errorf("subtask %s not found", subtaskID)
	}
	if st.Status == task.StatusCompleted {
		return fmt.Errorf("cannot rollback completed subtask")
	}

	oldStatus := st.Status
	st.Status = task.StatusPending
	st.AssignedTo = ""
	st.StartedAt = nil
	st.Result = ""

	rollbacks, _ := t.Metadata["rollbacks"].([]any)
	rollbacks = append(rollbacks, map[string]any{
		"subtask_id":  subtaskID,
		"from_status": string(oldStatus),
		"reason":      reason,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	t.Metadata["rollbacks"] = rollbacks

	m.store.Save(t)
	slog.Info("subtask rolled back", "task", taskID, "subtask", subtaskID, "from", oldStatus)
	return nil
}

// ShouldRetry reports whether the subtask is under the retry bound.
func (m *Manager) ShouldRetry(subtaskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCounts[subtaskID] < MaxRetryAttempts
}

// RecordRetry increments and returns the subtask retry count.
func (m *Manager) RecordRetry(subtaskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCounts[subtaskID]++
	return m.retryCounts[subtaskID]
}

// ResetRetries clears the retry count after a success.
func (m *Manager) ResetRetries(subtaskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retryCounts, subtaskID)
}

// RetryCount returns the current count.
func (m *Manager) RetryCount(subtaskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCounts[subtaskID]
}

// ArchiveIterationHistory moves a terminal subtask's iteration history to
// disk and clears the in-memory list, keeping the active task lean.
func (m *Manager) ArchiveIterationHistory(taskID, subtaskID string) error {
	t, ok := m.store.Get(taskID)
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	st := t.Subtask(subtaskID)
	if st == nil {
		return fmt.Errorf("subtask %s not found", subtaskID)
	}
	if len(st.IterationHistory) == 0 {
		return fmt.Errorf("no iteration history to archive")
	}

	archiveDir := filepath.Join(m.checkpointDir, taskID, "iterations")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return err
	}

	archive := map[string]any{
		"subtask_id":           subtaskID,
		"title":                st.Title,
		"final_status":         string(st.Status),
		"total_iterations":     st.CurrentIteration,
		"max_iterations":       st.MaxIterations,
		"complexity_score":     st.ComplexityScore,
		"context_tokens_total": st.ContextTokensTotal,
		"last_promise":         string(st.LastPromise),
		"archived_at":          time.Now().UTC().Format(time.RFC3339),
		"iteration_history":    st.IterationHistory,
	}
	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(archiveDir, subtaskID+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write iteration archive: %w", err)
	}

	count := len(st.IterationHistory)
	st.IterationHistory = nil
	m.store.Save(t)

	slog.Info("iteration history archived", "task", taskID, "subtask", subtaskID, "iterations", count)
	return nil
}

// GetIterationArchive loads an archived history.
func (m *Manager) GetIterationArchive(taskID, subtaskID string) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(m.checkpointDir, taskID, "iterations", subtaskID+".json"))
	if err != nil {
		return nil, err
	}
	var archive map[string]any
	if err := json.Unmarshal(raw, &archive); err != nil {
		return nil, err
	}
	return archive, nil
}

// Postmortem summarizes iteration patterns for a completed task: budget
// efficiency, the most common errors, approaches that led to DONE.
func (m *Manager) Postmortem(taskID string) map[string]any {
	t, _ := m.store.Get(taskID)

	report := map[string]any{
		"task_id":        taskID,
		"efficiency_pct": 0.0,
	}
	if t != nil {
		report["task_title"] = t.Title
		report["total_subtasks"] = len(t.Subtasks)
		report["total_iterations_used"] = t.TotalIterationsUsed
		report["total_iteration_budget"] = t.TotalIterationBudget
		if t.TotalIterationBudget > 0 {
			report["efficiency_pct"] = float64(t.TotalIterationsUsed) / float64(t.TotalIterationBudget) * 100
		}
	}

	errorCounts := map[string]int{}
	approachSet := map[string]bool{}
	archiveDir := filepath.Join(m.checkpointDir, taskID, "iterations")
	entries, _ := os.ReadDir(archiveDir)
	for _, entry := range entries {
		raw, err := os.ReadFile(filepath.Join(archiveDir, entry.Name()))
		if err != nil {
			continue
		}
		var archive struct {
			IterationHistory []task.IterationRecord `json:"iteration_history"`
		}
		if err := json.Unmarshal(raw, &archive); err != nil {
			continue
		}
		for _, rec := range archive.IterationHistory {
			if rec.Error != "" {
				errorCounts[rec.Error]++
			}
			if rec.ApproachTried != "" && rec.Promise == task.PromiseDone {
				approachSet[rec.ApproachTried] = true
			}
		}
	}

	type errCount struct {
		Error string `json:"error"`
		Count int    `json:"count"`
	}
	var common []errCount
	for e, c := range errorCounts {
		common = append(common, errCount{Error: e, Count: c})
	}
	sort.Slice(common, func(i, j int) bool { return common[i].Count > common[j].Count })
	if len(common) > 5 {
		common = common[:5]
	}
	report["common_errors"] = common

	var approaches []string
	for a := range approachSet {
		approaches = append(approaches, a)
	}
	sort.Strings(approaches)
	if len(approaches) > 10 {
		approaches = approaches[:10]
	}
	report["successful_approaches"] = approaches

	return report
}

// PrepareShutdown pauses all active tasks, checkpoints them, and persists
// the pause-state map.
func (m *Manager) PrepareShutdown() map[string]any {
	summary := map[string]any{
		"paused_tasks":        0,
		"checkpoints_created": 0,
		"errors":              []string{},
	}

	summary["paused_tasks"] = m.PauseAll(PauseSystemMaintenance, "Graceful shutdown")

	var errors []string
	created := 0
	for _, t := range m.store.Active() {
		if _, err := m.CreateCheckpoint(t.TaskID, "Shutdown checkpoint", "system"); err != nil {
			errors = append(errors, fmt.Sprintf("failed to checkpoint %s", t.TaskID))
		} else {
			created++
		}
	}
	summary["checkpoints_created"] = created
	summary["errors"] = errors

	m.mu.Lock()
	m.savePauseStatesLocked()
	m.mu.Unlock()
	return summary
}

// RecoverFromShutdown auto-resumes tasks paused for system maintenance.
func (m *Manager) RecoverFromShutdown() map[string]any {
	m.mu.Lock()
	var toResume []string
	found := len(m.paused)
	for id, state := range m.paused {
		if state.Reason == PauseSystemMaintenance {
			toResume = append(toResume, id)
		}
	}
	m.mu.Unlock()

	resumed := 0
	for _, id := range toResume {
		if err := m.Resume(id, "system_recovery"); err == nil {
			resumed++
		}
	}
	return map[string]any{
		"paused_tasks_found": found,
		"auto_resumed":       resumed,
	}
}

func (m *Manager) checkpointPath(taskID, checkpointID string) string {
	return filepath.Join(m.checkpointDir, taskID, checkpointID+".json")
}

func (m *Manager) cleanupOldCheckpoints(taskID string) int {
	checkpoints := m.ListCheckpoints(taskID)
	removed := 0
	for i := MaxCheckpointsPerTask; i < len(checkpoints); i++ {
		if m.DeleteCheckpoint(taskID, checkpoints[i].CheckpointID) {
			removed++
		}
	}
	return removed
}

func (m *Manager) pauseStatePath() string {
	return filepath.Join(m.checkpointDir, "pause_states.json")
}

func (m *Manager) savePauseStatesLocked() {
	data, err := json.MarshalIndent(m.paused, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(m.pauseStatePath(), data, 0644); err != nil {
		slog.Warn("failed to persist pause states", "error", err)
	}
}

func (m *Manager) loadPauseStates() {
	raw, err := os.ReadFile(m.pauseStatePath())
	if err != nil {
		return
	}
	var states map[string]PauseState
	if err := json.Unmarshal(raw, &states); err != nil {
		return
	}
	m.paused = states
	if m.paused == nil {
		m.paused = make(map[string]PauseState)
	}
}

package recovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/ryu/pkg/task"
)

func newTestManager(t *testing.T) (*Manager, *task.InMemoryStore, string) {
	t.Helper()
	dir := t.TempDir()
	store := task.NewInMemoryStore()
	return NewManager(store, dir), store, dir
}

func seedTask(store *task.InMemoryStore, inProgress int) *task.Task {
	tk := task.New("build feature", "description", 1)
	for i := 0; i < 3; i++ {
		st := task.NewSubTask(tk.TaskID, "step", "", 5, 1000)
		if i < inProgress {
			st.Status = task.StatusInProgress
			st.AssignedTo = "worker-1"
		}
		tk.Subtasks = append(tk.Subtasks, st)
	}
	tk.Status = task.StatusInProgress
	store.Save(tk)
	return tk
}

func TestPauseRecordsAffectedSubtasks(t *testing.T) {
	m, store, _ := newTestManager(t)
	tk := seedTask(store, 2)

	require.NoError(t, m.Pause(tk.TaskID, PauseUserRequest, "hold on", "tester"))

	state, ok := m.GetPauseState(tk.TaskID)
	require.True(t, ok)
	assert.Len(t, state.AffectedSubtasks, 2)
	assert.Equal(t, PauseUserRequest, state.Reason)

	// Double pause is refused.
	assert.Error(t, m.Pause(tk.TaskID, PauseUserRequest, "", "tester"))

	stored, _ := store.Get(tk.TaskID)
	assert.Equal(t, true, stored.Metadata["paused"])
}

func TestPauseRefusedForTerminalTask(t *testing.T) {
	m, store, _ := newTestManager(t)
	tk := seedTask(store, 0)
	tk.Status = task.StatusCompleted
	store.Save(tk)

	assert.Error(t, m.Pause(tk.TaskID, PauseUserRequest, "", "tester"))
}

func TestIdempotentPauseResumePause(t *testing.T) {
	m, store, _ := newTestManager(t)
	tk := seedTask(store, 2)

	require.NoError(t, m.Pause(tk.TaskID, PauseUserRequest, "", "tester"))
	first, _ := m.GetPauseState(tk.TaskID)

	require.NoError(t, m.Resume(tk.TaskID, "tester"))
	require.NoError(t, m.Pause(tk.TaskID, PauseUserRequest, "", "tester"))
	second, _ := m.GetPauseState(tk.TaskID)

	assert.ElementsMatch(t, first.AffectedSubtasks, second.AffectedSubtasks)
}

func TestResumeClearsMetadata(t *testing.T) {
	m, store, _ := newTestManager(t)
	tk := seedTask(store, 1)

	require.NoError(t, m.Pause(tk.TaskID, PauseRateLimit, "", "system"))
	require.NoError(t, m.Resume(tk.TaskID, "operator"))

	stored, _ := store.Get(tk.TaskID)
	assert.NotContains(t, stored.Metadata, "paused")
	assert.Equal(t, "operator", stored.Metadata["resumed_by"])
	assert.False(t, m.IsPaused(tk.TaskID))
}

func TestCheckpointRoundTrip(t *testing.T) {
	m, store, _ := newTestManager(t)
	tk := seedTask(store, 1)
	tk.Subtasks[0].CurrentIteration = 3
	tk.Subtasks[0].IterationHistory = []task.IterationRecord{
		{IterationNum: 1, AgentID: "w1", Promise: task.PromiseProgress},
		{IterationNum: 2, AgentID: "w1", Promise: task.PromiseStuck},
		{IterationNum: 3, AgentID: "w2", Promise: task.PromiseProgress},
	}
	tk.TotalIterationsUsed = 3
	store.Save(tk)

	cpID, err := m.CreateCheckpoint(tk.TaskID, "before risky step", "tester")
	require.NoError(t, err)

	// Mutate the live task, then restore.
	mutated, _ := store.Get(tk.TaskID)
	mutated.Subtasks[0].Status = task.StatusFailed
	mutated.Subtasks[0].CurrentIteration = 99
	store.Save(mutated)

	require.NoError(t, m.RestoreCheckpoint(tk.TaskID, cpID, false))

	restored, _ := store.Get(tk.TaskID)
	assert.Equal(t, task.StatusInProgress, restored.Subtasks[0].Status)
	assert.Equal(t, 3, restored.Subtasks[0].CurrentIteration)
	assert.Len(t, restored.Subtasks[0].IterationHistory, 3)
	assert.Equal(t, 3, restored.TotalIterationsUsed)
	assert.Equal(t, tk.CreatedAt.Unix(), restored.CreatedAt.Unix())
}

func TestCheckpointEviction(t *testing.T) {
	m, store, dir := newTestManager(t)
	tk := seedTask(store, 0)

	var ids []string
	for i := 0; i < MaxCheckpointsPerTask+2; i++ {
		id, err := m.CreateCheckpoint(tk.TaskID, "cp", "tester")
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(5 * time.Millisecond) // distinct created_at ordering
	}

	remaining := m.ListCheckpoints(tk.TaskID)
	assert.Len(t, remaining, MaxCheckpointsPerTask)

	// The oldest two were evicted.
	for _, cp := range remaining {
		assert.NotEqual(t, ids[0], cp.CheckpointID)
		assert.NotEqual(t, ids[1], cp.CheckpointID)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, tk.TaskID))
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			count++
		}
	}
	assert.Equal(t, MaxCheckpointsPerTask, count)
}

func TestRollbackRefusedForCompleted(t *testing.T) {
	m, store, _ := newTestManager(t)
	tk := seedTask(store, 1)
	tk.Subtasks[0].Status = task.StatusCompleted
	store.Save(tk)

	err := m.RollbackSubtask(tk.TaskID, tk.Subtasks[0].SubtaskID, "oops")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completed")
}

func TestRollbackResetsSubtask(t *testing.T) {
	m, store, _ := newTestManager(t)
	tk := seedTask(store, 1)

	subtaskID := tk.Subtasks[0].SubtaskID
	require.NoError(t, m.RollbackSubtask(tk.TaskID, subtaskID, "error recovery"))

	stored, _ := store.Get(tk.TaskID)
	st := stored.Subtask(subtaskID)
	assert.Equal(t, task.StatusPending, st.Status)
	assert.Empty(t, st.AssignedTo)
	assert.Nil(t, st.StartedAt)

	rollbacks, ok := stored.Metadata["rollbacks"].([]any)
	require.True(t, ok)
	assert.Len(t, rollbacks, 1)
}

func TestRetryAccounting(t *testing.T) {
	m, _, _ := newTestManager(t)

	assert.True(t, m.ShouldRetry("sub-1"))
	for i := 1; i <= MaxRetryAttempts; i++ {
		assert.Equal(t, i, m.RecordRetry("sub-1"))
	}
	assert.False(t, m.ShouldRetry("sub-1"))

	m.ResetRetries("sub-1")
	assert.True(t, m.ShouldRetry("sub-1"))
	assert.Equal(t, 0, m.RetryCount("sub-1"))
}

func TestArchiveIterationHistory(t *testing.T) {
	m, store, _ := newTestManager(t)
	tk := seedTask(store, 1)
	st := &tk.Subtasks[0]
	st.Status = task.StatusCompleted
	st.CurrentIteration = 2
	st.IterationHistory = []task.IterationRecord{
		{IterationNum: 1, AgentID: "w1", Promise: task.PromiseProgress, ApproachTried: "direct fix"},
		{IterationNum: 2, AgentID: "w1", Promise: task.PromiseDone, ApproachTried: "direct fix"},
	}
	store.Save(tk)

	require.NoError(t, m.ArchiveIterationHistory(tk.TaskID, st.SubtaskID))

	// In-memory history is cleared.
	stored, _ := store.Get(tk.TaskID)
	assert.Empty(t, stored.Subtask(st.SubtaskID).IterationHistory)

	// The archive round-trips.
	archive, err := m.GetIterationArchive(tk.TaskID, st.SubtaskID)
	require.NoError(t, err)
	assert.Equal(t, float64(2), archive["total_iterations"])
	history, ok := archive["iteration_history"].([]any)
	require.True(t, ok)
	assert.Len(t, history, 2)

	// Archiving twice fails (history already gone).
	assert.Error(t, m.ArchiveIterationHistory(tk.TaskID, st.SubtaskID))
}

func TestShutdownAndRecovery(t *testing.T) {
	m, store, dir := newTestManager(t)
	tk1 := seedTask(store, 1)
	tk2 := seedTask(store, 0)

	summary := m.PrepareShutdown()
	assert.Equal(t, 2, summary["paused_tasks"])
	assert.Equal(t, 2, summary["checkpoints_created"])

	// Pause states survive a restart via a fresh manager on the same dir.
	m2 := NewManager(store, dir)
	assert.True(t, m2.IsPaused(tk1.TaskID))
	assert.True(t, m2.IsPaused(tk2.TaskID))

	recovered := m2.RecoverFromShutdown()
	assert.Equal(t, 2, recovered["paused_tasks_found"])
	assert.Equal(t, 2, recovered["auto_resumed"])
	assert.False(t, m2.IsPaused(tk1.TaskID))
}

func TestRecoveryOnlyAutoResumesMaintenancePauses(t *testing.T) {
	m, store, dir := newTestManager(t)
	tk1 := seedTask(store, 0)
	tk2 := seedTask(store, 0)

	require.NoError(t, m.Pause(tk1.TaskID, PauseUserRequest, "", "user"))
	require.NoError(t, m.Pause(tk2.TaskID, PauseSystemMaintenance, "", "system"))

	m2 := NewManager(store, dir)
	recovered := m2.RecoverFromShutdown()
	assert.Equal(t, 1, recovered["auto_resumed"])
	assert.True(t, m2.IsPaused(tk1.TaskID))
	assert.False(t, m2.IsPaused(tk2.TaskID))
}

func TestPostmortem(t *testing.T) {
	m, store, _ := newTestManager(t)
	tk := seedTask(store, 0)
	tk.TotalIterationsUsed = 4
	tk.TotalIterationBudget = 10
	st := &tk.Subtasks[0]
	st.Status = task.StatusCompleted
	st.IterationHistory = []task.IterationRecord{
		{IterationNum: 1, Error: "flaky test", Promise: task.PromiseStuck},
		{IterationNum: 2, Error: "flaky test", Promise: task.PromiseStuck},
		{IterationNum: 3, Promise: task.PromiseDone, ApproachTried: "pin the dependency"},
	}
	store.Save(tk)
	require.NoError(t, m.ArchiveIterationHistory(tk.TaskID, st.SubtaskID))

	report := m.Postmortem(tk.TaskID)
	assert.Equal(t, 40.0, report["efficiency_pct"])
	assert.Contains(t, report["successful_approaches"], "pin the dependency")
}

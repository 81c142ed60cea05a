package orchestrator

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/ryu/pkg/config"
	"github.com/kadirpekel/ryu/pkg/evidence"
	"github.com/kadirpekel/ryu/pkg/recovery"
	"github.com/kadirpekel/ryu/pkg/task"
	"github.com/kadirpekel/ryu/pkg/todomd"
)

type fixture struct {
	engine       *Engine
	store        *task.InMemoryStore
	evidenceRoot string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := task.NewInMemoryStore()
	evidenceRoot := t.TempDir()
	cfg := config.OrchestratorConfig{}
	cfg.SetDefaults()
	rec := recovery.NewManager(store, t.TempDir())
	engine := NewEngine(store, rec, evidence.NewGenerator(evidenceRoot), cfg)
	return &fixture{engine: engine, store: store, evidenceRoot: evidenceRoot}
}

func (f *fixture) seed(t *testing.T, maxIterations int) (*task.Task, string) {
	t.Helper()
	tk := task.New("feature", "build it", 1)
	st := task.NewSubTask(tk.TaskID, "step one", "do the step", maxIterations, 1000)
	require.NoError(t, tk.AddSubtask(st))
	tk.TotalIterationBudget = maxIterations
	f.store.Save(tk)

	_, err := f.engine.Claim(tk.TaskID, st.SubtaskID, "worker-1")
	require.NoError(t, err)
	_, err = f.engine.StartWork(tk.TaskID, st.SubtaskID, "worker-1")
	require.NoError(t, err)
	return tk, st.SubtaskID
}

func (f *fixture) countEvidence(t *testing.T, eventType string) int {
	t.Helper()
	indexPath := filepath.Join(f.evidenceRoot, "index.jsonl")
	file, err := os.Open(indexPath)
	if err != nil {
		return 0
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		if entry["event_type"] == eventType {
			count++
		}
	}
	return count
}

func TestDoneCompletesSubtask(t *testing.T) {
	f := newFixture(t)
	tk, subID := f.seed(t, 5)

	feedback, err := f.engine.Report(WorkerReport{
		TaskID:    tk.TaskID,
		SubtaskID: subID,
		AgentID:   "worker-1",
		Success:   true,
		Result:    "all tests green",
		Promise:   task.PromiseDone,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionComplete, feedback.NextAction)
	assert.Equal(t, 1, feedback.IterationNum)

	stored, _ := f.store.Get(tk.TaskID)
	st := stored.Subtask(subID)
	assert.Equal(t, task.StatusCompleted, st.Status)
	assert.Equal(t, task.PromiseDone, st.LastPromise)
	assert.NotNil(t, st.CompletedAt)
	assert.Equal(t, task.StatusCompleted, stored.Status)

	// History was archived and cleared.
	assert.Empty(t, st.IterationHistory)
}

func TestOwnershipValidated(t *testing.T) {
	f := newFixture(t)
	tk, subID := f.seed(t, 5)

	_, err := f.engine.Report(WorkerReport{
		TaskID:    tk.TaskID,
		SubtaskID: subID,
		AgentID:   "imposter",
		Success:   true,
		Promise:   task.PromiseDone,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not assigned")
}

func TestStuckEscalationLadder(t *testing.T) {
	f := newFixture(t)
	tk, subID := f.seed(t, 3)

	report := func() Feedback {
		// STUCK releases the assignment; re-claim before each retry.
		stored, _ := f.store.Get(tk.TaskID)
		if stored.Subtask(subID).AssignedTo == "" {
			st := stored.Subtask(subID)
			st.AssignedTo = "worker-1"
			f.store.Save(stored)
		}
		fb, err := f.engine.Report(WorkerReport{
			TaskID:    tk.TaskID,
			SubtaskID: subID,
			AgentID:   "worker-1",
			Success:   false,
			Error:     "X",
			Promise:   task.PromiseStuck,
		})
		require.NoError(t, err)
		return fb
	}

	fb1 := report()
	assert.Equal(t, 1, fb1.IterationNum)
	assert.Equal(t, 2, fb1.IterationsRemaining)
	assert.Equal(t, ActionHintInjected, fb1.NextAction)
	assert.Equal(t, 1, f.countEvidence(t, evidence.EventEscalationBump))

	fb2 := report()
	assert.Equal(t, ActionReassigning, fb2.NextAction)
	assert.Equal(t, 2, f.countEvidence(t, evidence.EventEscalationBump))

	fb3 := report()
	assert.Equal(t, 0, fb3.IterationsRemaining)
	assert.Equal(t, ActionEscalateHuman, fb3.NextAction)

	stored, _ := f.store.Get(tk.TaskID)
	st := stored.Subtask(subID)
	assert.Equal(t, task.StatusFailed, st.Status)
	assert.Equal(t, 3, st.EscalationLevel)
	assert.Equal(t, 1, f.countEvidence(t, evidence.EventBudgetExhaustion))
}

func TestSingleIterationStuckFailsImmediately(t *testing.T) {
	f := newFixture(t)
	tk, subID := f.seed(t, 1)

	fb, err := f.engine.Report(WorkerReport{
		TaskID:    tk.TaskID,
		SubtaskID: subID,
		AgentID:   "worker-1",
		Success:   false,
		Promise:   task.PromiseStuck,
		Error:     "totally stuck",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionEscalateHuman, fb.NextAction)
	assert.Equal(t, 0, fb.IterationsRemaining)

	stored, _ := f.store.Get(tk.TaskID)
	assert.Equal(t, task.StatusFailed, stored.Subtask(subID).Status)
	assert.Equal(t, 1, f.countEvidence(t, evidence.EventBudgetExhaustion))
}

func TestStuckReleasesAssignment(t *testing.T) {
	f := newFixture(t)
	tk, subID := f.seed(t, 5)

	_, err := f.engine.Report(WorkerReport{
		TaskID:    tk.TaskID,
		SubtaskID: subID,
		AgentID:   "worker-1",
		Success:   false,
		Promise:   task.PromiseStuck,
	})
	require.NoError(t, err)

	stored, _ := f.store.Get(tk.TaskID)
	st := stored.Subtask(subID)
	assert.Equal(t, task.StatusInProgress, st.Status)
	assert.Empty(t, st.AssignedTo, "STUCK must release the assignment for re-claim")
}

func TestProgressKeepsAssignment(t *testing.T) {
	f := newFixture(t)
	tk, subID := f.seed(t, 5)

	fb, err := f.engine.Report(WorkerReport{
		TaskID:        tk.TaskID,
		SubtaskID:     subID,
		AgentID:       "worker-1",
		Success:       true,
		Promise:       task.PromiseProgress,
		PromiseDetail: "80",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionRetry, fb.NextAction)

	stored, _ := f.store.Get(tk.TaskID)
	st := stored.Subtask(subID)
	assert.Equal(t, "worker-1", st.AssignedTo)
	assert.Equal(t, "Progress: 80%", st.Result)
	assert.Equal(t, 1, f.countEvidence(t, evidence.EventPromiseDetection))
}

func TestContextPressureHook(t *testing.T) {
	f := newFixture(t)
	tk, subID := f.seed(t, 5)

	fb, err := f.engine.Report(WorkerReport{
		TaskID:            tk.TaskID,
		SubtaskID:         subID,
		AgentID:           "worker-1",
		Success:           true,
		Promise:           task.PromiseProgress,
		PromiseDetail:     "50",
		ContextTokensUsed: 900, // budget is 1000; 90% >= 80%
	})
	require.NoError(t, err)
	assert.True(t, fb.ContextAlert)
	assert.Equal(t, 1, f.countEvidence(t, evidence.EventContextPressure))
}

func TestCompletionUnblocksDependents(t *testing.T) {
	f := newFixture(t)

	tk := task.New("feature", "", 1)
	a := task.NewSubTask(tk.TaskID, "a", "", 5, 1000)
	b := task.NewSubTask(tk.TaskID, "b", "", 5, 1000)
	b.BlockedBy = []string{a.SubtaskID}
	require.NoError(t, tk.AddSubtask(a))
	require.NoError(t, tk.AddSubtask(b))
	f.store.Save(tk)

	_, err := f.engine.Claim(tk.TaskID, a.SubtaskID, "worker-1")
	require.NoError(t, err)
	_, err = f.engine.StartWork(tk.TaskID, a.SubtaskID, "worker-1")
	require.NoError(t, err)

	fb, err := f.engine.Report(WorkerReport{
		TaskID:    tk.TaskID,
		SubtaskID: a.SubtaskID,
		AgentID:   "worker-1",
		Success:   true,
		Promise:   task.PromiseDone,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{b.SubtaskID}, fb.UnblockedSubtasks)

	// b is now claimable.
	_, err = f.engine.Claim(tk.TaskID, b.SubtaskID, "worker-2")
	assert.NoError(t, err)
}

func TestClaimRules(t *testing.T) {
	f := newFixture(t)
	tk := task.New("t", "", 1)
	st := task.NewSubTask(tk.TaskID, "s", "", 5, 1000)
	require.NoError(t, tk.AddSubtask(st))
	f.store.Save(tk)

	_, err := f.engine.Claim(tk.TaskID, st.SubtaskID, "worker-1")
	require.NoError(t, err)

	// Double claim fails.
	_, err = f.engine.Claim(tk.TaskID, st.SubtaskID, "worker-2")
	assert.Error(t, err)

	// Release returns it to the pool.
	require.NoError(t, f.engine.Release(tk.TaskID, st.SubtaskID, "worker-1", "timeout"))
	_, err = f.engine.Claim(tk.TaskID, st.SubtaskID, "worker-2")
	assert.NoError(t, err)
}

func TestPollSkipsPausedAndBlocked(t *testing.T) {
	f := newFixture(t)

	tk := task.New("t", "", 1)
	a := task.NewSubTask(tk.TaskID, "a", "", 5, 1000)
	b := task.NewSubTask(tk.TaskID, "b", "", 5, 1000)
	b.BlockedBy = []string{a.SubtaskID}
	require.NoError(t, tk.AddSubtask(a))
	require.NoError(t, tk.AddSubtask(b))
	f.store.Save(tk)

	assignments := f.engine.Poll(10)
	require.Len(t, assignments, 1)
	assert.Equal(t, a.SubtaskID, assignments[0].SubtaskID)

	require.NoError(t, f.engine.recovery.Pause(tk.TaskID, recovery.PauseUserRequest, "", "t"))
	assert.Empty(t, f.engine.Poll(10))
}

func TestEscalationLevelMonotonic(t *testing.T) {
	f := newFixture(t)
	tk, subID := f.seed(t, 10)

	levels := []int{0}
	for i := 0; i < 5; i++ {
		stored, _ := f.store.Get(tk.TaskID)
		if stored.Subtask(subID).AssignedTo == "" {
			stored.Subtask(subID).AssignedTo = "worker-1"
			f.store.Save(stored)
		}
		promise := task.PromiseStuck
		if i%2 == 1 {
			promise = task.PromiseProgress
		}
		_, err := f.engine.Report(WorkerReport{
			TaskID:    tk.TaskID,
			SubtaskID: subID,
			AgentID:   "worker-1",
			Success:   promise == task.PromiseProgress,
			Promise:   promise,
		})
		require.NoError(t, err)

		stored, _ = f.store.Get(tk.TaskID)
		levels = append(levels, stored.Subtask(subID).EscalationLevel)
	}

	for i := 1; i < len(levels); i++ {
		assert.GreaterOrEqual(t, levels[i], levels[i-1], "escalation level must be non-decreasing")
	}
	final := levels[len(levels)-1]
	assert.LessOrEqual(t, final, 3)
}

func TestIterationCountMatchesHistory(t *testing.T) {
	f := newFixture(t)
	tk, subID := f.seed(t, 10)

	for i := 0; i < 3; i++ {
		_, err := f.engine.Report(WorkerReport{
			TaskID:    tk.TaskID,
			SubtaskID: subID,
			AgentID:   "worker-1",
			Success:   true,
			Promise:   task.PromiseProgress,
		})
		require.NoError(t, err)
	}

	stored, _ := f.store.Get(tk.TaskID)
	st := stored.Subtask(subID)
	assert.Equal(t, st.CurrentIteration, len(st.IterationHistory))
	assert.Equal(t, 3, stored.TotalIterationsUsed)
}

func TestSilentMonitorDetection(t *testing.T) {
	f := newFixture(t)
	tk, subID := f.seed(t, 5)
	_ = subID

	monitor := NewSilentMonitor(f.store, evidence.NewGenerator(f.evidenceRoot), 30*time.Second, 5*time.Minute)

	// Fresh activity: nothing detected.
	assert.Empty(t, monitor.Detect())

	// Age the subtask beyond the threshold.
	monitor.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	silent := monitor.Detect()
	require.Len(t, silent, 1)
	assert.Equal(t, tk.TaskID, silent[0].TaskID)
	assert.GreaterOrEqual(t, silent[0].SilenceDurationSec, 300)

	monitor.Process(silent)
	assert.Equal(t, 1, f.countEvidence(t, evidence.EventSilentWorker))
}

func TestTodoSyncFollowsTaskLifecycle(t *testing.T) {
	f := newFixture(t)

	parser := todomd.NewParser(filepath.Join(t.TempDir(), "todo.md"))
	_, err := parser.AppendToBacklog([]string{"- [ ] T500: build the feature @agent"})
	require.NoError(t, err)
	f.engine.SetTodoSync(NewTodoSync(parser))

	tk := task.New("build the feature", "", 1)
	tk.Metadata["todo_id"] = "T500"
	st := task.NewSubTask(tk.TaskID, "step", "", 3, 1000)
	require.NoError(t, tk.AddSubtask(st))
	f.store.Save(tk)

	_, err = f.engine.Claim(tk.TaskID, st.SubtaskID, "worker-1")
	require.NoError(t, err)
	_, err = f.engine.StartWork(tk.TaskID, st.SubtaskID, "worker-1")
	require.NoError(t, err)

	sections, err := parser.ReadAll()
	require.NoError(t, err)
	require.Len(t, sections["Active"], 1, "start-work must move the line to Active")

	_, err = f.engine.Report(WorkerReport{
		TaskID:    tk.TaskID,
		SubtaskID: st.SubtaskID,
		AgentID:   "worker-1",
		Success:   true,
		Promise:   task.PromiseDone,
		Result:    "shipped",
	})
	require.NoError(t, err)

	sections, err = parser.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, sections["Active"])
	require.Len(t, sections["Done"], 1)
	assert.Equal(t, "T500", sections["Done"][0].TaskID)
	assert.Equal(t, todomd.StateDone, sections["Done"][0].State)
}

func TestSetLeaderHintRecordedInNextIteration(t *testing.T) {
	f := newFixture(t)
	tk, subID := f.seed(t, 5)

	require.NoError(t, f.engine.SetLeaderHint(tk.TaskID, subID, "try the other endpoint"))

	_, err := f.engine.Report(WorkerReport{
		TaskID:    tk.TaskID,
		SubtaskID: subID,
		AgentID:   "worker-1",
		Success:   true,
		Promise:   task.PromiseProgress,
	})
	require.NoError(t, err)

	stored, _ := f.store.Get(tk.TaskID)
	history := stored.Subtask(subID).IterationHistory
	require.Len(t, history, 1)
	assert.Equal(t, "try the other endpoint", history[0].LeaderHint)
}

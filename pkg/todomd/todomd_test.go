package todomd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser(t *testing.T, content string) *Parser {
	t.Helper()
	path := filepath.Join(t.TempDir(), "todo.md")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return NewParser(path)
}

const sampleTodo = `# Tasks

## Backlog
- [ ] T500: foo @agent
- [ ] T501: [auth] implement login - Read ai/prompts/login.md: add the login flow @agent

## Active
- [~] T400: in flight **IN_PROGRESS** @agent

## Delayed

## Done
- [x] T100: old task **DONE** @human
`

func TestReadAllSections(t *testing.T) {
	p := newTestParser(t, sampleTodo)

	all, err := p.ReadAll()
	require.NoError(t, err)

	require.Len(t, all["Backlog"], 2)
	assert.Equal(t, "T500", all["Backlog"][0].TaskID)
	assert.Equal(t, "foo", all["Backlog"][0].Title)
	assert.Equal(t, "@agent", all["Backlog"][0].Assignee)
	assert.Equal(t, StatePending, all["Backlog"][0].State)

	require.Len(t, all["Active"], 1)
	assert.Equal(t, "IN_PROGRESS", all["Active"][0].Status)
	assert.Equal(t, StateInProgress, all["Active"][0].State)

	require.Len(t, all["Done"], 1)
	assert.Equal(t, "DONE", all["Done"][0].Status)
	assert.Equal(t, "@human", all["Done"][0].Assignee)
	assert.Empty(t, all["Delayed"])
}

func TestReadMissingFile(t *testing.T) {
	p := NewParser(filepath.Join(t.TempDir(), "absent.md"))
	all, err := p.ReadAll()
	require.NoError(t, err)
	for _, section := range Sections {
		assert.Empty(t, all[section])
	}
}

func TestIDAllocationMonotonic(t *testing.T) {
	p := newTestParser(t, sampleTodo)

	maxID, err := p.MaxTaskID()
	require.NoError(t, err)
	assert.Equal(t, 501, maxID)

	ids, err := p.NextTaskIDs(3)
	require.NoError(t, err)
	assert.Equal(t, []string{"T502", "T503", "T504"}, ids)
}

func TestAppendToBacklog(t *testing.T) {
	p := newTestParser(t, sampleTodo)

	ids, err := p.AppendToBacklog([]string{"- [ ] T502: new work @agent"})
	require.NoError(t, err)
	assert.Equal(t, []string{"T502"}, ids)

	all, err := p.ReadAll()
	require.NoError(t, err)
	require.Len(t, all["Backlog"], 3)
	assert.Equal(t, "T502", all["Backlog"][2].TaskID)
}

func TestAppendCreatesScaffold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "todo.md")
	p := NewParser(path)

	_, err := p.AppendToBacklog([]string{"- [ ] T1: first @agent"})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, section := range Sections {
		assert.Contains(t, string(content), "## "+section)
	}
}

func TestMarkInProgressRewritesCheckboxOnly(t *testing.T) {
	p := newTestParser(t, sampleTodo)

	ok, err := p.MarkInProgress("T500")
	require.NoError(t, err)
	require.True(t, ok)

	content, _ := os.ReadFile(p.Path())
	assert.Contains(t, string(content), "- [~] T500: foo @agent")

	all, _ := p.ReadAll()
	// The task did not move sections.
	assert.Len(t, all["Backlog"], 2)
}

func TestBacklogToDoneScenario(t *testing.T) {
	initial := `# Tasks

## Backlog
- [ ] T500: foo @agent

## Active

## Delayed

## Done
`
	p := newTestParser(t, initial)

	_, err := p.AppendToBacklog([]string{"- [ ] T501: bar @agent"})
	require.NoError(t, err)

	ok, err := p.MoveToActive("T501")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.MarkDone("T501", "ok")
	require.NoError(t, err)
	require.True(t, ok)

	all, err := p.ReadAll()
	require.NoError(t, err)

	require.Len(t, all["Backlog"], 1)
	assert.Equal(t, "T500", all["Backlog"][0].TaskID)
	assert.Empty(t, all["Active"])
	require.Len(t, all["Done"], 1)

	content, _ := os.ReadFile(p.Path())
	assert.Contains(t, string(content), "- [x] T501: bar (ok) **DONE** @agent")
}

func TestUpdateStatusTag(t *testing.T) {
	p := newTestParser(t, sampleTodo)

	ok, err := p.UpdateStatusTag("T400", "BLOCKED")
	require.NoError(t, err)
	require.True(t, ok)

	content, _ := os.ReadFile(p.Path())
	assert.Contains(t, string(content), "**BLOCKED** @agent")
	assert.NotContains(t, string(content), "**IN_PROGRESS**")
}

func TestUniqueSectionMembership(t *testing.T) {
	p := newTestParser(t, sampleTodo)
	_, err := p.MoveToActive("T500")
	require.NoError(t, err)

	all, err := p.ReadAll()
	require.NoError(t, err)

	seen := map[string]int{}
	for _, section := range Sections {
		for _, item := range all[section] {
			seen[item.TaskID]++
		}
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s appears in %d sections", id, count)
	}
}

func TestRoundTripStability(t *testing.T) {
	p := newTestParser(t, sampleTodo)

	first, err := p.ReadAll()
	require.NoError(t, err)

	// Rewriting a status tag to its current value must leave the parse result unchanged.
	_, err = p.UpdateStatusTag("T400", "IN_PROGRESS")
	require.NoError(t, err)

	second, err := p.ReadAll()
	require.NoError(t, err)

	for _, section := range Sections {
		require.Len(t, second[section], len(first[section]), section)
		for i := range first[section] {
			assert.Equal(t, first[section][i].TaskID, second[section][i].TaskID)
			assert.Equal(t, first[section][i].Title, second[section][i].Title)
			assert.Equal(t, first[section][i].State, second[section][i].State)
		}
	}
}

func TestUnparseableLinesLeftUntouched(t *testing.T) {
	content := `# Tasks

## Backlog
- [ ] T500: foo @agent
- this is not a task line
some stray prose

## Active

## Delayed

## Done
`
	p := newTestParser(t, content)

	all, err := p.ReadAll()
	require.NoError(t, err)
	assert.Len(t, all["Backlog"], 1)

	_, err = p.AppendToBacklog([]string{"- [ ] T501: bar @agent"})
	require.NoError(t, err)

	raw, _ := os.ReadFile(p.Path())
	assert.Contains(t, string(raw), "- this is not a task line")
	assert.Contains(t, string(raw), "some stray prose")
}

func TestNextBacklogTaskFIFO(t *testing.T) {
	p := newTestParser(t, sampleTodo)

	next, err := p.NextBacklogTask()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "T500", next.TaskID)
}

func TestFormatFormulaTask(t *testing.T) {
	line := FormatFormulaTask("T600", "auth", "implement-login", "login", "wire the oauth callback", "")
	assert.Equal(t, "- [ ] T600: [auth] implement-login - Read ai/prompts/login.md: wire the oauth callback @agent", line)

	item, ok := parseLine(line)
	require.True(t, ok)
	assert.Equal(t, "T600", item.TaskID)

	long := strings.Repeat("x", 150)
	truncated := FormatFormulaTask("T601", "", "step", "", long, "@human")
	assert.Contains(t, truncated, "...")
	assert.True(t, strings.HasSuffix(truncated, "@human"))
}

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

package task

import (
	"encoding/json"
	"sort"
	"sync"
)

// Store holds the ephemeral in-memory task map. The todo.md file remains the
// source of truth; this store is runtime state only.
type Store interface {
	Get(taskID string) (*Task, bool)
	Save(t *Task)
	Delete(taskID string)
	All() []*Task
	Active() []*Task
	AvailableSubtasks(limit int) []SubtaskRef
}

// InMemoryStore is the default Store. Tasks are deep-copied on the way in
// and out so callers never share mutable state with the store.
type InMemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tasks: make(map[string]*Task)}
}

func deepCopy(t *Task) *Task {
	raw, err := json.Marshal(t)
	if err != nil {
		return t
	}
	var out Task
	if err := json.Unmarshal(raw, &out); err != nil {
		return t
	}
	return &out
}

func (s *InMemoryStore) Get(taskID string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return deepCopy(t), true
}

func (s *InMemoryStore) Save(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.TaskID] = deepCopy(t)
}

func (s *InMemoryStore) Delete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
}

func (s *InMemoryStore) All() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, deepCopy(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Active returns tasks that are not in a terminal state.
func (s *InMemoryStore) Active() []*Task {
	all := s.All()
	active := make([]*Task, 0, len(all))
	for _, t := range all {
		if !t.Status.IsTerminal() {
			active = append(active, t)
		}
	}
	return active
}

// AvailableSubtasks returns (task, subtask) pairs that are pending,
// unassigned, and unblocked, up to the limit.
func (s *InMemoryStore) AvailableSubtasks(limit int) []SubtaskRef {
	var refs []SubtaskRef
	for _, t := range s.Active() {
		for i := range t.Subtasks {
			st := &t.Subtasks[i]
			if st.Status == StatusPending && st.AssignedTo == "" && len(st.BlockedBy) == 0 {
				refs = append(refs, SubtaskRef{Task: t, Subtask: st})
				if limit > 0 && len(refs) >= limit {
					return refs
				}
			}
		}
	}
	return refs
}

// SubtaskRef pairs a task with one of its subtasks.
type SubtaskRef struct {
	Task    *Task
	Subtask *SubTask
}

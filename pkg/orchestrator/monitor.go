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
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/ryu/pkg/evidence"
	"github.com/kadirpekel/ryu/pkg/task"
)

// SilentWorker is one detected silence.
type SilentWorker struct {
	TaskID             string `json:"task_id"`
	SubtaskID          string `json:"subtask_id"`
	AssignedTo         string `json:"assigned_to"`
	SilenceDurationSec int    `json:"silence_duration_sec"`
	LastHeartbeat      string `json:"last_heartbeat"`
	CurrentIteration   int    `json:"current_iteration"`
	EscalationLevel    int    `json:"escalation_level"`
}

// SilentMonitor scans active subtasks for workers that stopped reporting and
// fires Hook 2 evidence at escalation level 1.
type SilentMonitor struct {
	store    task.Store
	evidence *evidence.Generator

	checkInterval    time.Duration
	silenceThreshold time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// NewSilentMonitor creates a monitor with the configured cadence.
func NewSilentMonitor(store task.Store, ev *evidence.Generator, checkInterval, silenceThreshold time.Duration) *SilentMonitor {
	return &SilentMonitor{
		store:            store,
		evidence:         ev,
		checkInterval:    checkInterval,
		silenceThreshold: silenceThreshold,
		now:              time.Now,
	}
}

// Run scans on the configured interval until the context is cancelled.
func (m *SilentMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silent := m.Detect()
			if len(silent) > 0 {
				m.Process(silent)
			}
		}
	}
}

// Detect returns every in-progress, assigned subtask whose last activity is
// older than the silence threshold.
func (m *SilentMonitor) Detect() []SilentWorker {
	var silent []SilentWorker
	now := m.now().UTC()

	for _, t := range m.store.Active() {
		for _, st := range t.Subtasks {
			if st.Status != task.StatusInProgress || st.AssignedTo == "" {
				continue
			}
			lastHeartbeat := st.UpdatedAt
			if lastHeartbeat.IsZero() {
				lastHeartbeat = st.CreatedAt
			}
			if lastHeartbeat.IsZero() {
				continue
			}
			silence := now.Sub(lastHeartbeat)
			if silence > m.silenceThreshold {
				silent = append(silent, SilentWorker{
					TaskID:             t.TaskID,
					SubtaskID:          st.SubtaskID,
					AssignedTo:         st.AssignedTo,
					SilenceDurationSec: int(silence.Seconds()),
					LastHeartbeat:      lastHeartbeat.Format(time.RFC3339),
					CurrentIteration:   st.CurrentIteration,
					EscalationLevel:    st.EscalationLevel,
				})
			}
		}
	}
	return silent
}

// Process emits one silent_worker evidence pack per detection.
func (m *SilentMonitor) Process(silent []SilentWorker) {
	for _, worker := range silent {
		_, err := m.evidence.Save(evidence.Input{
			TaskID:          worker.TaskID,
			SubtaskID:       worker.SubtaskID,
			EventType:       evidence.EventSilentWorker,
			Iteration:       worker.CurrentIteration,
			EscalationLevel: 1,
			WorkerID:        worker.AssignedTo,
			Extra: map[string]any{
				"silence_duration_sec": worker.SilenceDurationSec,
				"last_heartbeat":       worker.LastHeartbeat,
			},
		})
		if err != nil {
			slog.Error("failed to save silent worker evidence", "subtask", worker.SubtaskID, "error", err)
			continue
		}
		slog.Info("silent worker detected",
			"task", worker.TaskID, "subtask", worker.SubtaskID,
			"silence_sec", worker.SilenceDurationSec)
	}
}

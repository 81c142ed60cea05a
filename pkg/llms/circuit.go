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

package llms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// NoHealthyBackendError is returned when the whole chain is exhausted.
type NoHealthyBackendError struct {
	Tried []string
}

func (e *NoHealthyBackendError) Error() string {
	return fmt.Sprintf("no healthy backends available. Tried: %s", strings.Join(e.Tried, ", "))
}

// backendState tracks circuit-breaker state for one backend.
type backendState struct {
	consecutiveFailures int
	lastFailure         time.Time
	circuitOpen         bool
}

// cachedHealth is one memoized probe result.
type cachedHealth struct {
	status   HealthStatus
	cachedAt time.Time
}

// CircuitState is the externally visible circuit snapshot for one backend.
type CircuitState struct {
	ConsecutiveFailures int     `json:"consecutive_failures"`
	CircuitOpen         bool    `json:"circuit_open"`
	LastFailureUnix     int64   `json:"last_failure_unix,omitempty"`
	CooldownRemaining   float64 `json:"cooldown_remaining_seconds"`
}

// BackendSource resolves chain members to backends; satisfied by
// BackendRegistry.
type BackendSource interface {
	Chain() []string
	Get(name string) (Backend, error)
}

// Router picks the first healthy backend from the configured chain,
// implementing the circuit breaker over health probes.
//
// State machine per backend: closed (healthy) → open after FailureThreshold
// consecutive failures → half-open once the cooldown elapses; the next probe
// decides whether the circuit closes again or re-opens.
type Router struct {
	registry         BackendSource
	failureThreshold int
	cooldown         time.Duration
	healthTTL        time.Duration

	mu          sync.Mutex
	states      map[string]*backendState
	healthCache map[string]cachedHealth
	lastHealthy string

	// now is replaceable in tests.
	now func() time.Time
}

// NewRouter creates a Router over a backend registry.
func NewRouter(reg BackendSource, failureThreshold int, cooldown, healthTTL time.Duration) *Router {
	if failureThreshold < 1 {
		failureThreshold = 3
	}
	return &Router{
		registry:         reg,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		healthTTL:        healthTTL,
		states:           make(map[string]*backendState),
		healthCache:      make(map[string]cachedHealth),
		now:              time.Now,
	}
}

// PickHealthy returns the first healthy backend in chain order, or a
// NoHealthyBackendError listing every failure.
func (r *Router) PickHealthy(ctx context.Context) (Backend, error) {
	chain := r.registry.Chain()
	var errors []string

	for _, name := range chain {
		backend, err := r.registry.Get(name)
		if err != nil {
			slog.Warn("unknown backend in chain", "backend", name)
			errors = append(errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		now := r.now()

		r.mu.Lock()
		state := r.stateLocked(name)
		if state.circuitOpen {
			if now.Sub(state.lastFailure) < r.cooldown {
				slog.Debug("circuit open, skipping", "backend", name)
				r.mu.Unlock()
				continue
			}
			// Cooldown elapsed: half-open, the probe below decides.
			slog.Info("cooldown expired, retrying backend", "backend", name)
		}

		if cached, ok := r.healthCache[name]; ok {
			if now.Sub(cached.cachedAt) < r.healthTTL && cached.status.OK {
				r.lastHealthy = name
				r.mu.Unlock()
				slog.Debug("backend healthy (cached)", "backend", name)
				return backend, nil
			}
		}
		r.mu.Unlock()

		// Probe outside the lock: health checks hit the network.
		health := backend.HealthCheck(ctx)

		r.mu.Lock()
		r.healthCache[name] = cachedHealth{status: health, cachedAt: now}
		if health.OK {
			state.circuitOpen = false
			state.consecutiveFailures = 0
			if r.lastHealthy != name {
				slog.Info("backend switch", "from", r.lastHealthy, "to", name)
			}
			r.lastHealthy = name
			r.mu.Unlock()
			return backend, nil
		}

		errMsg := health.Error
		if errMsg == "" {
			errMsg = "health check failed"
		}
		errors = append(errors, fmt.Sprintf("%s: %s", name, errMsg))
		r.recordFailureLocked(name, state, now)
		r.mu.Unlock()
	}

	return nil, &NoHealthyBackendError{Tried: errors}
}

// RecordFailure counts a runtime (post-selection) failure against a backend,
// e.g. a transport error surfaced mid-stream.
func (r *Router) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordFailureLocked(name, r.stateLocked(name), r.now())
}

func (r *Router) stateLocked(name string) *backendState {
	state, ok := r.states[name]
	if !ok {
		state = &backendState{}
		r.states[name] = state
	}
	return state
}

func (r *Router) recordFailureLocked(name string, state *backendState, now time.Time) {
	state.consecutiveFailures++
	state.lastFailure = now
	if state.consecutiveFailures >= r.failureThreshold {
		state.circuitOpen = true
		slog.Warn("circuit OPEN", "backend", name, "failures", state.consecutiveFailures)
	}
	// An open circuit's failure timestamp feeds the cooldown window; the
	// cached health entry is already stale by definition.
	delete(r.healthCache, name)
}

// Invalidate clears the health cache for one backend, or all when name is
// empty, forcing a re-probe on the next pick.
func (r *Router) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		r.healthCache = make(map[string]cachedHealth)
		slog.Info("health cache invalidated for all backends")
		return
	}
	delete(r.healthCache, name)
	slog.Info("health cache invalidated", "backend", name)
}

// CircuitStates returns a snapshot for every backend in the chain.
func (r *Router) CircuitStates() map[string]CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	result := make(map[string]CircuitState)
	for _, name := range r.registry.Chain() {
		state := r.stateLocked(name)
		snapshot := CircuitState{
			ConsecutiveFailures: state.consecutiveFailures,
			CircuitOpen:         state.circuitOpen,
		}
		if !state.lastFailure.IsZero() {
			snapshot.LastFailureUnix = state.lastFailure.Unix()
		}
		if state.circuitOpen {
			remaining := r.cooldown - now.Sub(state.lastFailure)
			if remaining > 0 {
				snapshot.CooldownRemaining = remaining.Seconds()
			}
		}
		result[name] = snapshot
	}
	return result
}

// LastHealthy returns the name of the last backend that served a pick.
func (r *Router) LastHealthy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHealthy
}

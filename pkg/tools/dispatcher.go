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

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/ryu/pkg/config"
	"github.com/kadirpekel/ryu/pkg/llms"
	"github.com/kadirpekel/ryu/pkg/session"
)

// ApprovalHandler prompts for a dangerous or unapproved tool call.
type ApprovalHandler func(ctx context.Context, toolName string, args map[string]any) Decision

// Dispatcher runs the per-call gate sequence and routes calls to local
// handlers or the external tool host.
type Dispatcher struct {
	Permissions *PermissionManager
	Hooks       session.Hooks
	Host        Host
	Local       LocalHandler
	Approval    ApprovalHandler
	Role        session.Role

	// Cancelled is the cooperative per-request cancellation flag.
	Cancelled *atomic.Bool

	// schemas supplies routed-action enums from discovered tool schemas.
	schemas map[string][]string
}

// SetSchemas records action enums from the host's tool catalog.
func (d *Dispatcher) SetSchemas(tools []ToolInfo) {
	schemas := make(map[string][]string, len(tools))
	for _, t := range tools {
		def := llms.ToolDefinition{Name: t.Name, Parameters: t.InputSchema}
		if enum := def.ActionEnum(); enum != nil {
			schemas[t.Name] = enum
		}
	}
	d.schemas = schemas
}

func (d *Dispatcher) cancelled() bool {
	return d.Cancelled != nil && d.Cancelled.Load()
}

// Dispatch runs one tool call through the full gate sequence:
// cancellation, permissions, operation mode, routed-action validation, the
// leader-only gate, pre-hook, execution, post-hook. It emits tool_start
// before the pre-hook and tool_end after the post-hook.
func (d *Dispatcher) Dispatch(ctx context.Context, call llms.ToolCall, emit func(Event)) Result {
	if d.cancelled() {
		return errResult(call.Name, "cancelled")
	}

	tracer := otel.Tracer("ryu/tools")
	ctx, span := tracer.Start(ctx, "tool.dispatch")
	span.SetAttributes(attribute.String("tool.name", call.Name))
	defer span.End()

	emit(Event{Type: EventToolStart, Name: call.Name, ID: call.ID, Data: map[string]any{"args": call.Arguments}})

	result := d.dispatchGated(ctx, call, emit)

	if !result.OK {
		span.SetStatus(codes.Error, result.Content)
	}
	emit(Event{Type: EventToolEnd, Name: call.Name, ID: call.ID, OK: result.OK, Data: map[string]any{"result": result.Content}})
	return result
}

func (d *Dispatcher) dispatchGated(ctx context.Context, call llms.ToolCall, emit func(Event)) Result {
	// Permission gate.
	if d.Permissions != nil {
		if d.Permissions.ShouldBlock(call.Name) {
			return errResult(call.Name, "Tool blocked by user (always-deny)")
		}
		if !d.Permissions.ShouldAutoApprove(call.Name, call.Arguments) {
			decision := DecisionAllow
			if d.Approval != nil {
				decision = d.Approval(ctx, call.Name, call.Arguments)
			}
			switch decision {
			case DecisionBlock:
				return errResult(call.Name, "Tool blocked by user")
			case DecisionAlwaysTool:
				d.Permissions.GrantTool(call.Name)
			case DecisionAlwaysAll:
				d.Permissions.GrantAll()
			}
		}

		// Operation-mode gate.
		if allowed, reason := d.Permissions.CheckOperationMode(call.Name, call.Arguments); !allowed {
			if d.Permissions.Mode() == config.ModePlan {
				emit(Event{Type: EventToolPlanned, Name: call.Name, ID: call.ID, Data: map[string]any{"args": call.Arguments}})
				argsPrefix, _ := json.Marshal(call.Arguments)
				prefix := string(argsPrefix)
				if len(prefix) > 200 {
					prefix = prefix[:200]
				}
				return okResult(call.Name, fmt.Sprintf("[PLANNED] Would execute: %s(%s)", call.Name, prefix))
			}
			emit(Event{Type: EventToolBlocked, Name: call.Name, ID: call.ID, Data: map[string]any{"reason": reason}})
			return errResult(call.Name, "Blocked: "+reason)
		}
	}

	// Routed-action validation (permissive; the host is authoritative).
	if msg := ValidateRoutedAction(call.Name, call.Arguments, d.schemas[call.Name]); msg != "" {
		return errResult(call.Name, "Invalid tool action: "+msg)
	}

	// Leader-only gate for human-in-the-loop tools.
	if IsInteractTool(call.Name) && d.Role == session.RoleWorker {
		slog.Warn("worker blocked from interact tool", "tool", call.Name)
		_ = d.Hooks.LogProgress(ctx, fmt.Sprintf("BLOCKED: Worker attempted %s", call.Name))
		return errResult(call.Name, fmt.Sprintf("%s is LEADER-ONLY. Workers cannot request human input.", call.Name))
	}

	if d.cancelled() {
		return errResult(call.Name, "cancelled")
	}

	result := d.execute(ctx, call, emit)

	// Post-hook is always invoked; failures are logged and non-fatal.
	if err := d.Hooks.PostTool(ctx, call.Name, result.OK, result.Content); err != nil {
		slog.Warn("post-tool hook failed", "tool", call.Name, "error", err)
	}
	return result
}

func (d *Dispatcher) execute(ctx context.Context, call llms.ToolCall, emit func(Event)) Result {
	if IsLocalTool(call.Name) {
		if d.Local == nil {
			return errResult(call.Name, "Unknown local tool: "+call.Name)
		}
		return d.Local.HandleLocal(ctx, call, emit)
	}

	// Pre-hook is fail-closed: a failing hook blocks the call.
	pre := d.Hooks.PreTool(ctx, call.Name, call.Arguments)
	if !pre.OK {
		return errResult(call.Name, "Pre-tool hook failed: "+orUnknown(pre.Reason))
	}
	if !pre.Allow {
		return errResult(call.Name, "Tool blocked by hook: "+orUnknown(pre.Reason))
	}

	return d.Host.CallTool(ctx, call.Name, call.Arguments)
}

func orUnknown(reason string) string {
	if reason == "" {
		return "unknown"
	}
	return reason
}

// CanParallelize reports whether all calls in one model turn may run
// concurrently: every call must be external, auto-approved, and allowed by
// the operation mode.
func (d *Dispatcher) CanParallelize(calls []llms.ToolCall) bool {
	if len(calls) < 2 {
		return false
	}
	for _, call := range calls {
		if IsLocalTool(call.Name) || IsInteractTool(call.Name) {
			return false
		}
		if d.Permissions != nil {
			if d.Permissions.ShouldBlock(call.Name) {
				return false
			}
			if !d.Permissions.ShouldAutoApprove(call.Name, call.Arguments) {
				return false
			}
			if allowed, _ := d.Permissions.CheckOperationMode(call.Name, call.Arguments); !allowed {
				return false
			}
		}
	}
	return true
}

// DispatchParallel runs the calls concurrently. All tool_start events are
// emitted first; tool_end events follow in the original call-list order,
// independent of completion order.
func (d *Dispatcher) DispatchParallel(ctx context.Context, calls []llms.ToolCall, emit func(Event)) []Result {
	results := make([]Result, len(calls))

	for _, call := range calls {
		emit(Event{Type: EventToolStart, Name: call.Name, ID: call.ID, Data: map[string]any{"args": call.Arguments}})
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = d.dispatchGated(gctx, call, func(Event) {
				// Inner events are suppressed during parallel dispatch;
				// ordering is restored below.
			})
			return nil
		})
	}
	_ = g.Wait()

	for i, call := range calls {
		emit(Event{Type: EventToolEnd, Name: call.Name, ID: call.ID, OK: results[i].OK, Data: map[string]any{"result": results[i].Content}})
	}
	return results
}

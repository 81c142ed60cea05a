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

package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/ryu/pkg/llms"
)

// Textual tool protocol for backends without native function calling. The
// model emits tag-delimited blocks; the driver extracts them after the
// stream ends.
//
// Format:
//
//	<tool_call>
//	<name>k_files</name>
//	<arguments>{"action": "read", "path": "x"}</arguments>
//	</tool_call>
var toolCallPattern = regexp.MustCompile(`(?s)<tool_call>\s*<name>([^<]+)</name>\s*<arguments>([^<]*)</arguments>\s*</tool_call>`)

// ParseTextualToolCalls extracts tag-formatted tool calls from model text.
// Arguments that fail to parse as JSON are wrapped as {"raw": ...}.
func ParseTextualToolCalls(text string) []llms.ToolCall {
	var calls []llms.ToolCall
	for _, match := range toolCallPattern.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(match[1])
		rawArgs := strings.TrimSpace(match[2])

		args := map[string]any{}
		if rawArgs != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				args = map[string]any{"raw": rawArgs}
			}
		}
		calls = append(calls, llms.ToolCall{
			ID:        "xml_" + uuid.NewString()[:8],
			Name:      name,
			Arguments: args,
			RawArgs:   rawArgs,
		})
	}
	return calls
}

// StripToolCallTags removes textual tool-call blocks from assistant text so
// history does not replay them.
func StripToolCallTags(text string) string {
	return strings.TrimSpace(toolCallPattern.ReplaceAllString(text, ""))
}

// RenderToolsForPrompt inlines tool schemas into a system prompt section for
// non-native backends.
func RenderToolsForPrompt(tools []llms.ToolDefinition) string {
	if len(tools) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Available Tools\n\n")
	sb.WriteString("You do not have native function calling. To invoke a tool, emit exactly this block:\n\n")
	sb.WriteString("<tool_call>\n<name>TOOL_NAME</name>\n<arguments>{\"param\": \"value\"}</arguments>\n</tool_call>\n\n")
	sb.WriteString("Tool results arrive in the next message. Available tools:\n\n")
	for _, tool := range tools {
		schema, _ := json.Marshal(tool.Parameters)
		sb.WriteString(fmt.Sprintf("### %s\n%s\nParameters: %s\n\n", tool.Name, tool.Description, schema))
	}
	return sb.String()
}

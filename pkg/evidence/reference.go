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

package evidence

import (
	"fmt"
	"strings"
)

// BuildReference creates a compact bracketed reference to an evidence pack,
// suitable for embedding in leader hints without blowing the context budget.
//
// Examples:
//
//	[T042_esc001: code_issue in grid.tsx:42 (grid.tsx:42: ImportError...)]
//	[T042_esc001: ui_issue - Button not visible at (320, 180)]
//	[T042_esc001: unknown - See ai/evidence/T042/escalation_001/]
func BuildReference(taskID, escalationID, promise, detail string, classification map[string]any) string {
	refID := taskID + "_esc" + escalationID

	errorType, _ := classification["type"].(string)
	confidence, _ := classification["confidence"].(float64)

	snippet := detail
	if snippet == "" {
		snippet = promise
	}

	var ref string
	switch errorType {
	case "code_issue":
		filename := "unknown"
		lineNumber := ""
		if idx := strings.Index(detail, ":"); idx > 0 {
			parts := strings.Split(detail, ":")
			if strings.Contains(parts[0], ".") {
				pathParts := strings.Split(parts[0], "/")
				filename = pathParts[len(pathParts)-1]
			}
			if len(parts) > 1 && isDigits(parts[1]) {
				lineNumber = ":" + parts[1]
			}
		}
		if len(snippet) > 45 {
			snippet = snippet[:45]
		}
		ref = fmt.Sprintf("[%s: code_issue in %s%s (%s)]", refID, filename, lineNumber, snippet)

	case "ui_issue":
		if len(snippet) > 60 {
			snippet = snippet[:60]
		}
		ref = fmt.Sprintf("[%s: ui_issue - %s]", refID, snippet)

	default:
		ref = fmt.Sprintf("[%s: unknown - See ai/evidence/%s/escalation_%s/]", refID, taskID, escalationID)
	}

	if confidence > 0 && confidence < 0.7 {
		ref += fmt.Sprintf(" (confidence: %.0f%%)", confidence*100)
	}
	return ref
}

// ShortReference is the dashboard form: "T042_esc001: code_issue".
func ShortReference(taskID, escalationID, errorType string) string {
	return fmt.Sprintf("%s_esc%s: %s", taskID, escalationID, errorType)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

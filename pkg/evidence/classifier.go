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

import "strings"

// Keyword lexicons for heuristic error classification. The two sets are
// disjoint; classification routes different hint strategies.
var codeKeywords = []string{
	"import", "syntax", "typeerror", "referenceerror", "nameerror",
	"indentation", "eofmarker", "unexpected", "defined", "missing",
	"circular", "module", "package", "trace", "exception", "stack",
	"attribute", "key error", "value error", "assertion", "compile",
	"runtime",
}

var uiKeywords = []string{
	"visible", "layout", "position", "click", "element", "dom", "render",
	"component", "viewport", "display", "alignment", "button", "field",
	"input", "modal", "page", "css", "style", "background", "border",
	"font", "color", "size", "width", "height",
}

// Classify buckets an error text as code_issue, ui_issue, or unknown.
//
// Two or more hits in one lexicon decide the class with confidence
// min(0.95, 0.6 + hits*0.1); a single unopposed hit yields 0.65; anything
// else is unknown.
func Classify(errorText string) map[string]any {
	classification := map[string]any{
		"type":           "unknown",
		"confidence":     0.0,
		"keywords":       []string{},
		"recommendation": "",
	}
	if errorText == "" {
		return classification
	}

	lower := strings.ToLower(errorText)

	var codeHits, uiHits []string
	for _, kw := range codeKeywords {
		if strings.Contains(lower, kw) {
			codeHits = append(codeHits, kw)
		}
	}
	for _, kw := range uiKeywords {
		if strings.Contains(lower, kw) {
			uiHits = append(uiHits, kw)
		}
	}

	confidence := func(hits int) float64 {
		c := 0.6 + float64(hits)*0.1
		if c > 0.95 {
			return 0.95
		}
		return c
	}

	const askWorker = "Ask worker: 'Is this a code issue (syntax/import) or UI issue (layout/visibility)?'"

	switch {
	case len(codeHits) >= 2:
		classification["type"] = "code_issue"
		classification["confidence"] = confidence(len(codeHits))
		classification["keywords"] = topN(codeHits, 5)
		classification["recommendation"] = "Send hint pointing to file:line + suggest checking imports/syntax/types"
	case len(uiHits) >= 2:
		classification["type"] = "ui_issue"
		classification["confidence"] = confidence(len(uiHits))
		classification["keywords"] = topN(uiHits, 5)
		classification["recommendation"] = "Send hint with screenshot reference + coordinate clues"
	case len(codeHits) == 1 && len(uiHits) == 0:
		classification["type"] = "code_issue"
		classification["confidence"] = 0.65
		classification["keywords"] = codeHits
		classification["recommendation"] = askWorker
	case len(uiHits) == 1 && len(codeHits) == 0:
		classification["type"] = "ui_issue"
		classification["confidence"] = 0.65
		classification["keywords"] = uiHits
		classification["recommendation"] = askWorker
	default:
		classification["keywords"] = append(codeHits, uiHits...)
		classification["recommendation"] = askWorker
	}
	return classification
}

func topN(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

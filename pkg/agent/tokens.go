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
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/ryu/pkg/llms"
)

// TokenCounter estimates token counts for compaction decisions. It uses the
// model's tiktoken encoding when available and falls back to a ~4 chars per
// token heuristic for models tiktoken does not know.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// NewTokenCounter creates a counter for the given model.
func NewTokenCounter(model string) *TokenCounter {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &TokenCounter{encoding: cached}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err == nil {
		encodingCache[model] = encoding
		return &TokenCounter{encoding: encoding}
	}
	return &TokenCounter{}
}

// Count estimates tokens for one text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.encoding != nil {
		return len(c.encoding.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// CountMessages estimates the total for a message list, including a small
// per-message role overhead.
func (c *TokenCounter) CountMessages(messages []llms.Message) int {
	total := 0
	for _, msg := range messages {
		total += 4
		total += c.Count(msg.Text())
		for _, tc := range msg.ToolCalls {
			total += c.Count(tc.Name)
			total += c.Count(tc.RawArgs)
		}
	}
	return total
}

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

package todomd

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies when todo.md changes on disk. External collaborators
// (formula expanders, humans in an editor) write the file directly; the
// gateway re-reads it on change.
type Watcher struct {
	parser  *Parser
	watcher *fsnotify.Watcher
	onEdit  func(sections map[string][]Item)
}

// NewWatcher creates a watcher that invokes onEdit with freshly parsed
// sections after each external write.
func NewWatcher(parser *Parser, onEdit func(sections map[string][]Item)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files, which drops inode watches.
	if err := fsWatcher.Add(filepath.Dir(parser.Path())); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	return &Watcher{parser: parser, watcher: fsWatcher, onEdit: onEdit}, nil
}

// Run processes events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	target := filepath.Clean(w.parser.Path())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			sections, err := w.parser.ReadAll()
			if err != nil {
				slog.Warn("failed to re-read todo.md after change", "error", err)
				continue
			}
			if w.onEdit != nil {
				w.onEdit(sections)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("todo.md watcher error", "error", err)
		}
	}
}

// Copyright 2024 The MNAT Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package joinfile watches the egress join file and parses it into the
// set of global (S,G)s the watcher client should subscribe to (spec.md
// section 6, "Egress join file").
package joinfile

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/kit/log"

	"mnat.io/internal/mnat"
)

// Watcher emits the parsed contents of a join file every time it changes.
// It tolerates the atomic create/replace/move-into patterns a producer
// might use: it watches the containing directory rather than the file
// itself, since an inode replacement drops an fsnotify watch on the old
// file (the same pattern grimm-is-flywall's supervisor uses for its
// control socket directory).
type Watcher struct {
	path   string
	logger log.Logger
	fsw    *fsnotify.Watcher
	out    chan []mnat.SG
}

// New creates a Watcher for the join file at path. The file need not
// exist yet.
func New(path string, logger log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:   path,
		logger: logger,
		fsw:    fsw,
		out:    make(chan []mnat.SG, 1),
	}, nil
}

// C returns the channel of parsed join-file contents. Sends are best
// effort: a pending value is replaced rather than queued, so slow
// consumers always see the latest version.
func (w *Watcher) C() <-chan []mnat.SG {
	return w.out
}

// Run drives the watch loop until ctx is done. It emits an initial parse
// immediately, then again on every relevant filesystem event.
func (w *Watcher) Run(ctx context.Context) {
	w.emit()
	for {
		select {
		case <-ctx.Done():
			w.fsw.Close()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			w.emit()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Log("op", "joinfile_watch", "error", err)
			}
		}
	}
}

func (w *Watcher) emit() {
	sgs, err := ParseFile(w.path)
	if err != nil {
		if w.logger != nil && !os.IsNotExist(err) {
			w.logger.Log("op", "joinfile_parse", "path", w.path, "error", err)
		}
		return
	}
	select {
	case <-w.out:
	default:
	}
	w.out <- sgs
}

// ParseFile reads and parses a join file: one "source,group" per line,
// blank lines and lines beginning with # ignored. A malformed line is
// skipped rather than failing the whole file; it is not logged, and the
// caller is not told which lines, if any, were skipped.
func ParseFile(path string) ([]mnat.SG, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sgs []mnat.SG
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sg, err := mnat.ParseSG(line)
		if err != nil {
			continue
		}
		sgs = append(sgs, sg)
	}
	return sgs, scanner.Err()
}

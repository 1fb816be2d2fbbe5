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

// Package exportfile writes the ingress output file: the set of
// global-side (S,G)s currently being translated, rewritten every poll
// cycle (spec.md section 6, "Ingress output file").
package exportfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"mnat.io/internal/mnat"
)

// DefaultPath is used when no --export-file flag is given.
const DefaultPath = "/var/run/mnat/ingress-active.txt"

// Write atomically replaces the file at path with one "source,group" line
// per entry in sgs, sorted for stable diffing between polls. The write
// goes through a temp file in the same directory plus a rename so readers
// never observe a partially-written file.
func Write(path string, sgs []mnat.SG) error {
	sorted := append([]mnat.SG(nil), sgs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ingress-active-*.tmp")
	if err != nil {
		return fmt.Errorf("exportfile: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for _, sg := range sorted {
		if _, err := fmt.Fprintln(tmp, sg.String()); err != nil {
			tmp.Close()
			return fmt.Errorf("exportfile: writing: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("exportfile: syncing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("exportfile: closing: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("exportfile: renaming into place: %w", err)
	}
	return nil
}

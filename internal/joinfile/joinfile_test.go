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

package joinfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFileSkipsCommentsAndBlanks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "joins.txt")
	content := "10.0.0.1,239.1.1.1\n\n# a comment\n10.0.0.2,239.1.1.2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	sgs, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, sgs, 2)
	require.Equal(t, "10.0.0.1,239.1.1.1", sgs[0].String())
}

func TestParseFileSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "joins.txt")
	content := "not-a-valid-line\n10.0.0.1,239.1.1.1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	sgs, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, sgs, 1)
}

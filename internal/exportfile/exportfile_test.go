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

package exportfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mnat.io/internal/mnat"
)

func TestWriteSortsAndOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "active.txt")

	sg1, err := mnat.ParseSG("10.0.0.2,239.1.1.2")
	require.NoError(t, err)
	sg2, err := mnat.ParseSG("10.0.0.1,239.1.1.1")
	require.NoError(t, err)

	require.NoError(t, Write(path, []mnat.SG{sg1, sg2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1,239.1.1.1\n10.0.0.2,239.1.1.2\n", string(data))

	require.NoError(t, Write(path, nil))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, data)
}

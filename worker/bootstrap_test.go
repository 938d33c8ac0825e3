// Copyright 2024 The Roundsman Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadBootstrapConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadBootstrapConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultBootstrapConfig(), cfg)
}

func TestLoadBootstrapConfigOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	content := "cache_dir: /var/cache/roundsman\ncallhome_interval: 10s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadBootstrapConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/cache/roundsman", cfg.CacheDir)
	require.Equal(t, 10*time.Second, time.Duration(cfg.CallhomeInterval))
	require.Equal(t, DefaultBootstrapConfig().PidPath, cfg.PidPath)
}

func TestLoadBootstrapConfigEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := LoadBootstrapConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultBootstrapConfig(), cfg)
}

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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BootstrapConfig is the worker's local runtime configuration file,
// distinct from the controller-pushed test descriptors: cache directory,
// certificate path, lock/pid paths and listen addresses that only make
// sense on the machine the worker runs on. It is optional; every field
// has a sensible default and may be overridden by a CLI flag, which wins
// over the file.
type BootstrapConfig struct {
	CacheDir         string   `yaml:"cache_dir"`
	CertPath         string   `yaml:"cert_path"`
	LockPath         string   `yaml:"lock_path"`
	PidPath          string   `yaml:"pid_path"`
	MetricsAddr      string   `yaml:"metrics_addr"`
	CallhomeInterval duration `yaml:"callhome_interval"`
}

// duration decodes a YAML scalar such as "10s" into a time.Duration.
// yaml.v3 has no built-in notion of time.Duration: it resolves a bare
// "10s" to its !!str tag and refuses to assign that into an int64-kinded
// field, so the type needs its own UnmarshalYAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// DefaultBootstrapConfig returns the zero-configuration defaults, matching
// §6's persisted-state paths.
func DefaultBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{
		CacheDir:         "/tmp/scripts",
		CertPath:         "",
		LockPath:         "/tmp/scheduler.lock",
		PidPath:          "/tmp/worker.pid",
		MetricsAddr:      "",
		CallhomeInterval: duration(DefaultCallhomeInterval),
	}
}

// LoadBootstrapConfig reads a YAML bootstrap file at path, overlaying it
// onto DefaultBootstrapConfig. A missing file is not an error: it simply
// yields the defaults, since the bootstrap file is optional.
func LoadBootstrapConfig(path string) (BootstrapConfig, error) {
	cfg := DefaultBootstrapConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("worker: reading bootstrap config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("worker: parsing bootstrap config %s: %w", path, err)
	}
	return cfg, nil
}

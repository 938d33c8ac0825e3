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

package resolve

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/kptlabs/roundsman"
	"github.com/kptlabs/roundsman/controller/config"
	"github.com/kptlabs/roundsman/controller/store"
)

func writeConfig(t *testing.T, dir string, cfg config.Config) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func baseConfig() config.Config {
	return config.Config{
		Groups: map[string][]string{
			"admins": {"A", "B"},
			"all":    {"*"},
		},
		Tests: map[string]config.TestConfig{
			"t1": {Check: "t1.sh", Groups: []string{"admins"}},
			"t2": {Check: "t2.sh", Groups: []string{"all"}},
		},
		Clients: map[string]roundsman.Client{},
	}
}

func TestResolveScenarioFromSpec(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"t1.sh", "t2.sh"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o700); err != nil {
			t.Fatalf("write artifact %s: %v", name, err)
		}
	}
	cfgPath := writeConfig(t, dir, baseConfig())
	s := store.New(dir)
	r, err := New(cfgPath, s, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	testsA, err := r.TestsForUUID("A")
	if err != nil {
		t.Fatalf("TestsForUUID(A): %v", err)
	}
	names := namesOf(testsA)
	sort.Strings(names)
	if want := []string{"t1", "t2"}; !equal(names, want) {
		t.Errorf("TestsForUUID(A) = %v, want %v", names, want)
	}

	testsC, err := r.TestsForUUID("C")
	if err != nil {
		t.Fatalf("TestsForUUID(C): %v", err)
	}
	names = namesOf(testsC)
	if want := []string{"t2"}; !equal(names, want) {
		t.Errorf("TestsForUUID(C) = %v, want %v", names, want)
	}
}

func TestAliasFallsBackToUUID(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig()
	cfg.Clients = map[string]roundsman.Client{}
	cfgPath := writeConfig(t, dir, cfg)
	s := store.New(dir)
	r, err := New(cfgPath, s, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	alias, err := r.Alias("unknown-uuid")
	if err != nil {
		t.Fatalf("Alias: %v", err)
	}
	if alias != "unknown-uuid" {
		t.Errorf("Alias() = %q, want the bare uuid", alias)
	}
}

func namesOf(tests []roundsman.TestDescriptor) []string {
	names := make([]string, len(tests))
	for i, t := range tests {
		names[i] = t.Name
	}
	return names
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

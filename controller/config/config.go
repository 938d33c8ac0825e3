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

// Package config is the controller's configuration data model (part of
// C3): the on-disk group/test/client document, its load and validation,
// and the uuid -> groups/tests resolution algorithm. It is kept separate
// from package controller so that controller/resolve (which also needs
// Config) does not import its way into a cycle through the HTTP-surface
// package.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/kptlabs/roundsman"
)

// ErrConfigUnreadable is returned when the configuration file cannot be
// read or parsed.
var ErrConfigUnreadable = fmt.Errorf("config: configuration unreadable")

// TestConfig is a test descriptor as it is authored in the configuration
// file: everything in roundsman.TestDescriptor except Hash, which is
// computed at serve time from the artifact on disk, and Name, which is
// the test's key in Config.Tests.
type TestConfig struct {
	Check    string   `json:"check"`
	Args     string   `json:"args"`
	Interval int      `json:"interval"`
	Retries  int      `json:"retries"`
	Groups   []string `json:"groups"`
}

// Config is the controller's configuration file: the group membership
// table, the test catalog, and optional per-client aliases.
type Config struct {
	Groups  roundsman.GroupSet    `json:"groups"`
	Tests   map[string]TestConfig `json:"tests"`
	Clients map[string]roundsman.Client `json:"clients"`
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfigUnreadable, path, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfigUnreadable, path, err)
	}
	if cfg.Groups == nil {
		cfg.Groups = roundsman.GroupSet{}
	}
	if cfg.Tests == nil {
		cfg.Tests = map[string]TestConfig{}
	}
	if cfg.Clients == nil {
		cfg.Clients = map[string]roundsman.Client{}
	}
	return &cfg, nil
}

// Alias returns clients[uuid].Alias if it is set and non-empty, otherwise
// uuid itself (open question (b): never silently return the bare uuid
// when an alias is configured).
func (c *Config) Alias(uuid string) string {
	if client, ok := c.Clients[uuid]; ok && client.Alias != "" {
		return client.Alias
	}
	return uuid
}

// GroupsFor returns the set of group names uuid belongs to, either by
// direct membership or via the wildcard.
func (c *Config) GroupsFor(uuid string) []string {
	var groups []string
	for name := range c.Groups {
		if c.Groups.Has(name, uuid) {
			groups = append(groups, name)
		}
	}
	return groups
}

// TestsFor returns the test descriptors assigned to uuid: those whose
// groups overlap with uuid's groups, sorted by test name. Hash is left
// zero-valued; callers fill it in from the artifact store.
func (c *Config) TestsFor(uuid string) []roundsman.TestDescriptor {
	memberOf := make(map[string]bool)
	for _, g := range c.GroupsFor(uuid) {
		memberOf[g] = true
	}

	var out []roundsman.TestDescriptor
	for name, t := range c.Tests {
		assigned := false
		for _, g := range t.Groups {
			if memberOf[g] {
				assigned = true
				break
			}
		}
		if !assigned {
			continue
		}
		out = append(out, roundsman.TestDescriptor{
			Name:     name,
			Check:    t.Check,
			Args:     t.Args,
			Interval: t.Interval,
			Retries:  t.Retries,
			Groups:   t.Groups,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

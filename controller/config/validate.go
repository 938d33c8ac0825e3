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

package config

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError collects every structural problem Validate finds in a
// configuration file, rather than failing on the first one — an operator
// fixing a bad config.json wants the whole list in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: configuration invalid: %s", strings.Join(e.Problems, "; "))
}

// Validate checks the structural invariants §6's "optional JSON Schema
// validation" describes: every test's groups and check artifact name are
// well-formed, interval and retries are positive, and every group a test
// references exists. It returns nil when cfg is well-formed.
func Validate(cfg *Config) error {
	var problems []string

	testNames := make([]string, 0, len(cfg.Tests))
	for name := range cfg.Tests {
		testNames = append(testNames, name)
	}
	sort.Strings(testNames)

	for _, name := range testNames {
		t := cfg.Tests[name]
		if t.Check == "" {
			problems = append(problems, fmt.Sprintf("test %q: check is empty", name))
		} else if strings.ContainsAny(t.Check, "/\\") {
			problems = append(problems, fmt.Sprintf("test %q: check %q must be a bare filename", name, t.Check))
		}
		if t.Interval <= 0 {
			problems = append(problems, fmt.Sprintf("test %q: interval must be positive, got %d", name, t.Interval))
		}
		if t.Retries <= 0 {
			problems = append(problems, fmt.Sprintf("test %q: retries must be positive, got %d", name, t.Retries))
		}
		if len(t.Groups) == 0 {
			problems = append(problems, fmt.Sprintf("test %q: groups must be non-empty", name))
		}
		for _, g := range t.Groups {
			if _, ok := cfg.Groups[g]; !ok {
				problems = append(problems, fmt.Sprintf("test %q: references undefined group %q", name, g))
			}
		}
	}

	groupNames := make([]string, 0, len(cfg.Groups))
	for name := range cfg.Groups {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)
	for _, name := range groupNames {
		if len(cfg.Groups[name]) == 0 {
			problems = append(problems, fmt.Sprintf("group %q: has no members", name))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

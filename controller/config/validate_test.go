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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kptlabs/roundsman"
)

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{
		Groups: roundsman.GroupSet{"admins": {"A"}},
		Tests: map[string]TestConfig{
			"t1": {Check: "t1.sh", Interval: 60, Retries: 3, Groups: []string{"admins"}},
		},
		Clients: map[string]roundsman.Client{},
	}
	require.NoError(t, Validate(cfg))
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := &Config{
		Groups: roundsman.GroupSet{},
		Tests: map[string]TestConfig{
			"t1": {Check: "../evil.sh", Interval: 0, Retries: -1, Groups: nil},
			"t2": {Check: "t2.sh", Interval: 30, Retries: 1, Groups: []string{"missing"}},
		},
		Clients: map[string]roundsman.Client{},
	}
	err := Validate(cfg)
	require.Error(t, err)
	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(verr.Problems), 5)
}

func TestValidateRejectsEmptyGroup(t *testing.T) {
	cfg := &Config{
		Groups:  roundsman.GroupSet{"empty": {}},
		Tests:   map[string]TestConfig{},
		Clients: map[string]roundsman.Client{},
	}
	err := Validate(cfg)
	require.Error(t, err)
}

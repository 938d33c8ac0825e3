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

// Package roundsman holds the wire types shared between the controller and
// the worker: test descriptors, group/client assignment, and result
// records.
package roundsman

import (
	"strconv"
	"strings"
)

// TestDescriptor is the server-authoritative record describing one check,
// as shipped to a worker in a /config response.
type TestDescriptor struct {
	Name     string   `json:"name"`
	Check    string   `json:"check"`
	Args     string   `json:"args"`
	Interval int      `json:"interval"`
	Retries  int      `json:"retries"`
	Groups   []string `json:"groups"`
	Hash     string   `json:"hash"`

	// URL is injected by the worker at schedule time and stripped before
	// any structural comparison between configuration pulls; it is never
	// present in the controller's on-disk configuration.
	URL string `json:"url,omitempty"`
}

// WithoutURL returns a copy of t with the transient URL field cleared, for
// use when comparing descriptor sets received at different times.
func (t TestDescriptor) WithoutURL() TestDescriptor {
	t.URL = ""
	return t
}

// JobID returns the scheduler job id this descriptor maps to: the test
// name, sanitized.
func (t TestDescriptor) JobID() string {
	return SanitizeID(t.Name)
}

// SanitizeID replaces characters the scheduler cannot use as a job key
// with underscores. It is idempotent: SanitizeID(SanitizeID(x)) == SanitizeID(x).
func SanitizeID(id string) string {
	r := strings.NewReplacer("-", "_", ".", "_", ":", "_", " ", "_")
	return r.Replace(id)
}

// Client is an optional per-uuid annotation kept by the controller.
type Client struct {
	Alias string `json:"alias,omitempty"`
}

// GroupSet maps a group name to the set of client uuids assigned to it.
// The wildcard member "*" matches every uuid.
type GroupSet map[string][]string

// Wildcard is the group member that matches every client uuid.
const Wildcard = "*"

// Has reports whether uuid is a member of group g, either directly or via
// the wildcard.
func (gs GroupSet) Has(group, uuid string) bool {
	for _, member := range gs[group] {
		if member == uuid || member == Wildcard {
			return true
		}
	}
	return false
}

// ResultValue is a tagged variant standing in for the dynamically typed
// "number-or-string" result a check's stdout parses into. Exactly one of
// the three states holds.
type ResultValue struct {
	kind byte // 0 = empty, 'n' = numeric, 's' = string
	num  float64
	str  string
}

// ParseResultValue classifies stdout text: a value that parses as a
// float64 becomes numeric, an empty string becomes Empty, anything else
// is kept as a string.
func ParseResultValue(s string) ResultValue {
	if s == "" {
		return ResultValue{kind: 0, str: ""}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return ResultValue{kind: 'n', num: f}
	}
	return ResultValue{kind: 's', str: s}
}

// IsEmpty reports whether the value carries no payload (empty stdout).
func (v ResultValue) IsEmpty() bool { return v.kind == 0 && v.str == "" }

// IsNumeric reports whether the value parsed as a number.
func (v ResultValue) IsNumeric() bool { return v.kind == 'n' }

// Any returns the value as an interface{} suitable for JSON encoding:
// a float64, a string, or "" for the empty case.
func (v ResultValue) Any() interface{} {
	switch v.kind {
	case 'n':
		return v.num
	case 's':
		return v.str
	default:
		return ""
	}
}

// ResultFields is the "fields" object of a result record.
type ResultFields struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
}

// ResultRecord is one entry of the array a worker posts to /callhome.
type ResultRecord struct {
	Measurement string            `json:"measurement"`
	Tags        map[string]string `json:"tags"`
	Fields      ResultFields      `json:"fields"`
}

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

package roundsman

import "testing"

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"disk-usage", "disk_usage"},
		{"disk.usage", "disk_usage"},
		{"disk:usage", "disk_usage"},
		{"disk usage", "disk_usage"},
		{"disk_usage", "disk_usage"},
		{"a-b.c:d e", "a_b_c_d_e"},
	}
	for _, tc := range tests {
		if got := SanitizeID(tc.in); got != tc.want {
			t.Errorf("SanitizeID(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if got := SanitizeID(SanitizeID(tc.in)); got != tc.want {
			t.Errorf("SanitizeID is not idempotent for %q: got %q", tc.in, got)
		}
	}
}

func TestGroupSetHas(t *testing.T) {
	gs := GroupSet{
		"admins": {"A", "B"},
		"all":    {"*"},
	}
	if !gs.Has("admins", "A") {
		t.Error("A should be in admins")
	}
	if gs.Has("admins", "C") {
		t.Error("C should not be in admins")
	}
	if !gs.Has("all", "C") {
		t.Error("wildcard group should match any uuid")
	}
}

func TestParseResultValue(t *testing.T) {
	tests := []struct {
		in        string
		wantEmpty bool
		wantNum   bool
	}{
		{"42.5", false, true},
		{"OK", false, false},
		{"", true, false},
	}
	for _, tc := range tests {
		v := ParseResultValue(tc.in)
		if v.IsEmpty() != tc.wantEmpty {
			t.Errorf("ParseResultValue(%q).IsEmpty() = %v, want %v", tc.in, v.IsEmpty(), tc.wantEmpty)
		}
		if v.IsNumeric() != tc.wantNum {
			t.Errorf("ParseResultValue(%q).IsNumeric() = %v, want %v", tc.in, v.IsNumeric(), tc.wantNum)
		}
	}
	if v := ParseResultValue("42.5"); v.Any() != 42.5 {
		t.Errorf("Any() = %v, want 42.5", v.Any())
	}
	if v := ParseResultValue("OK"); v.Any() != "OK" {
		t.Errorf("Any() = %v, want OK", v.Any())
	}
	if v := ParseResultValue(""); v.Any() != "" {
		t.Errorf("Any() = %v, want empty string", v.Any())
	}
}

func TestWithoutURL(t *testing.T) {
	d := TestDescriptor{Name: "cpu", URL: "http://controller:8080"}
	stripped := d.WithoutURL()
	if stripped.URL != "" {
		t.Errorf("WithoutURL left URL = %q", stripped.URL)
	}
	if d.URL == "" {
		t.Error("WithoutURL mutated the receiver")
	}
}

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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kptlabs/roundsman"
	"github.com/kptlabs/roundsman/check"
	"github.com/kptlabs/roundsman/schedule"
)

func TestDescriptorsEqualIgnoresURL(t *testing.T) {
	a := []roundsman.TestDescriptor{{Name: "t1", Interval: 60, URL: "http://a"}}
	b := []roundsman.TestDescriptor{{Name: "t1", Interval: 60, URL: "http://b"}}
	require.True(t, descriptorsEqual(a, b))

	c := []roundsman.TestDescriptor{{Name: "t1", Interval: 30, URL: "http://a"}}
	require.False(t, descriptorsEqual(a, c))
}

func TestPullConfigNoDataIsDistinctFromEmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "error", "message": "no tests"})
	}))
	defer srv.Close()

	w := New(Options{
		BaseURL:   srv.URL,
		UUID:      "A",
		Runner:    check.NewRunner(check.Options{}),
		Scheduler: schedule.New(schedule.Options{LockPath: t.TempDir() + "/lock"}),
	})
	_, ok, err := w.pullConfig(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPullConfigReturnsDescriptors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(map[string]interface{}{
			"status": "ok",
			"data": []roundsman.TestDescriptor{
				{Name: "t1", Check: "t1.sh", Interval: 60, Retries: 1},
			},
		})
	}))
	defer srv.Close()

	w := New(Options{
		BaseURL:   srv.URL,
		UUID:      "A",
		Runner:    check.NewRunner(check.Options{}),
		Scheduler: schedule.New(schedule.Options{LockPath: t.TempDir() + "/lock"}),
	})
	tests, ok, err := w.pullConfig(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, tests, 1)
	require.Equal(t, "t1", tests[0].Name)
}

func TestTickReconfiguresOnChange(t *testing.T) {
	cacheDir := t.TempDir()

	cfgSrv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(map[string]interface{}{
			"status": "ok",
			"data": []roundsman.TestDescriptor{
				{Name: "t1", Check: "t1.sh", Interval: 3600, Retries: 1},
			},
		})
	}))
	defer cfgSrv.Close()

	w := New(Options{
		BaseURL: cfgSrv.URL,
		UUID:    "A",
		Runner: check.NewRunner(check.Options{
			CacheDir: cacheDir,
		}),
		Scheduler: schedule.New(schedule.Options{LockPath: t.TempDir() + "/lock"}),
	})
	require.NoError(t, w.tick(context.Background()))
	require.Len(t, w.scheduler.GetJobs(), 1)
}

func TestStopChecksRemovesAllJobs(t *testing.T) {
	s := schedule.New(schedule.Options{LockPath: t.TempDir() + "/lock"})
	_, err := s.Add(func(ctx context.Context) (interface{}, error) { return nil, nil }, "job1", time.Hour, 0, 0, time.Time{})
	require.NoError(t, err)
	w := &Worker{scheduler: s}
	w.stopChecks()
	require.Empty(t, s.GetJobs())
}

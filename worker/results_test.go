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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kptlabs/roundsman"
	"github.com/kptlabs/roundsman/schedule"
)

func TestEmitSuccessPostsNumericResult(t *testing.T) {
	var posted []roundsman.ResultRecord
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/callhome", r.URL.Path)
		require.Equal(t, "A", r.URL.Query().Get("uuid"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	w := &Worker{baseURL: srv.URL, uuid: "A", client: srv.Client()}
	w.emitSuccess(schedule.JobEvent{JobID: "t1", Retval: []byte("42.5\n")})

	require.Len(t, posted, 1)
	require.Equal(t, "t1", posted[0].Measurement)
	require.True(t, posted[0].Fields.Success)
	require.InDelta(t, 42.5, posted[0].Fields.Result, 0.0001)
}

func TestEmitSuccessPostsStringResult(t *testing.T) {
	var posted []roundsman.ResultRecord
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&posted)
		json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	w := &Worker{baseURL: srv.URL, uuid: "A", client: srv.Client()}
	w.emitSuccess(schedule.JobEvent{JobID: "t1", Retval: []byte("OK\n")})

	require.Equal(t, "OK", posted[0].Fields.Result)
}

func TestEmitErrorPostsSuccessFalseWithNoResult(t *testing.T) {
	var posted []roundsman.ResultRecord
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&posted)
		json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	w := &Worker{baseURL: srv.URL, uuid: "A", client: srv.Client()}
	w.emitError(schedule.JobEvent{JobID: "t1", Err: errors.New("boom")})

	require.Len(t, posted, 1)
	require.False(t, posted[0].Fields.Success)
	require.Nil(t, posted[0].Fields.Result)
}

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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"k8s.io/klog/v2"

	"github.com/kptlabs/roundsman"
	"github.com/kptlabs/roundsman/schedule"
)

// emitSuccess is registered as the scheduler's success listener. It
// decodes the check's raw stdout, classifies it as numeric or string (or
// empty), and posts one result record to /callhome. A fire whose job has
// since been deleted (stopChecks raced a still-running fire) still posts;
// the listener does not consult the scheduler's current job set.
func (w *Worker) emitSuccess(ev schedule.JobEvent) {
	stdout, _ := ev.Retval.([]byte)
	value := roundsman.ParseResultValue(trimTrailingWhitespace(string(stdout)))
	record := roundsman.ResultRecord{
		Measurement: ev.JobID,
		Tags:        map[string]string{},
		Fields: roundsman.ResultFields{
			Success: true,
			Result:  resultOrNil(value),
		},
	}
	w.postResults(ev.JobID, []roundsman.ResultRecord{record})
}

// emitError is registered as the scheduler's error listener. It posts a
// success:false record with no result field, per the specification's
// error emission contract.
func (w *Worker) emitError(ev schedule.JobEvent) {
	klog.Warningf("worker: job %s failed: %v", ev.JobID, ev.Err)
	record := roundsman.ResultRecord{
		Measurement: ev.JobID,
		Tags:        map[string]string{},
		Fields:      roundsman.ResultFields{Success: false},
	}
	w.postResults(ev.JobID, []roundsman.ResultRecord{record})
}

func resultOrNil(v roundsman.ResultValue) interface{} {
	if v.IsEmpty() {
		return ""
	}
	return v.Any()
}

func trimTrailingWhitespace(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == '\n' || s[end-1] == '\r' || s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[:end]
}

// postResults sends records to the controller's /callhome endpoint. It
// never blocks the scheduler's fire goroutine for more than a short
// timeout; failures are logged and otherwise swallowed, since the next
// reconfiguration cycle does not retry individual result posts.
func (w *Worker) postResults(jobID string, records []roundsman.ResultRecord) {
	body, err := json.Marshal(records)
	if err != nil {
		klog.Errorf("worker: marshaling results for %s: %v", jobID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	u := w.baseURL + "/callhome?uuid=" + url.QueryEscape(w.uuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		klog.Errorf("worker: building callhome request for %s: %v", jobID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		klog.Warningf("worker: posting results for %s: %v", jobID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		klog.Warningf("worker: callhome for %s returned status %d", jobID, resp.StatusCode)
	}
}

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

package schedule

import (
	"context"
	"sync"
	"time"
)

// Func is the work a recurring job performs on each fire.
type Func func(ctx context.Context) (interface{}, error)

// JobEvent is delivered to error and success listeners after a fire
// completes.
type JobEvent struct {
	JobID  string
	Retval interface{}
	Err    error
}

// job is the scheduler's bookkeeping for one registered recurring job. It
// is only ever touched from the scheduler that owns it.
type job struct {
	id       string
	fn       Func
	interval time.Duration
	maxRuns  int
	timeout  time.Duration
	nextRun  time.Time

	mu   sync.Mutex
	runs int

	inflightMu sync.Mutex
	inflight   bool

	done    chan struct{}
	started bool
}

// tryEnter claims the job for a single execution, enforcing that at most
// one fire of a given job id is in flight at a time (I3). Concurrent
// fires that lose the race are dropped, not queued.
func (j *job) tryEnter() bool {
	j.inflightMu.Lock()
	defer j.inflightMu.Unlock()
	if j.inflight {
		return false
	}
	j.inflight = true
	return true
}

func (j *job) leave() {
	j.inflightMu.Lock()
	j.inflight = false
	j.inflightMu.Unlock()
}

// incrementRuns bumps the run counter and reports whether max_runs has now
// been reached (max_runs <= 0 means unbounded, so it is never reached).
func (j *job) incrementRuns() (runs int, reachedMax bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs++
	return j.runs, j.maxRuns > 0 && j.runs >= j.maxRuns
}

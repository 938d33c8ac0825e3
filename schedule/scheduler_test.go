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
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func lockPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "scheduler.lock")
}

func TestAddSanitizesID(t *testing.T) {
	s := New(Options{LockPath: lockPath(t)})
	id, err := s.Add(func(ctx context.Context) (interface{}, error) { return nil, nil }, "disk-usage:cpu", time.Hour, 1, 0, time.Time{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id != "disk_usage_cpu" {
		t.Errorf("Add id = %q, want disk_usage_cpu", id)
	}
}

func TestAddAutoIncrementsEmptyID(t *testing.T) {
	s := New(Options{LockPath: lockPath(t)})
	id1, _ := s.Add(func(ctx context.Context) (interface{}, error) { return nil, nil }, "", time.Hour, 1, 0, time.Time{})
	id2, _ := s.Add(func(ctx context.Context) (interface{}, error) { return nil, nil }, "", time.Hour, 1, 0, time.Time{})
	if id1 == id2 {
		t.Errorf("auto-assigned ids should differ: %q == %q", id1, id2)
	}
}

func TestAddDuplicateFails(t *testing.T) {
	s := New(Options{LockPath: lockPath(t)})
	fn := func(ctx context.Context) (interface{}, error) { return nil, nil }
	if _, err := s.Add(fn, "cpu", time.Hour, 1, 0, time.Time{}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	_, err := s.Add(fn, "cpu", time.Hour, 1, 0, time.Time{})
	if !errors.Is(err, ErrJobExists) {
		t.Errorf("Add duplicate = %v, want ErrJobExists", err)
	}
}

func TestMaxRunsRemovesJob(t *testing.T) {
	s := New(Options{LockPath: lockPath(t)})
	var runs int32
	done := make(chan struct{})
	fn := func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&runs, 1)
		if n == 3 {
			close(done)
		}
		return nil, nil
	}
	if _, err := s.Add(fn, "j1", 5*time.Millisecond, 3, 0, time.Time{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not reach 3 runs in time")
	}

	// Give the scheduler a moment to process the removal triggered by the
	// third run before asserting.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(s.GetJobs()) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if jobs := s.GetJobs(); len(jobs) != 0 {
		t.Errorf("GetJobs() after max runs = %v, want empty", jobs)
	}
	if atomic.LoadInt32(&runs) != 3 {
		t.Errorf("runs = %d, want exactly 3", runs)
	}
}

func TestNoOverlappingFires(t *testing.T) {
	s := New(Options{LockPath: lockPath(t)})
	var inflight int32
	var maxSeen int32
	var mu sync.Mutex
	fn := func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&inflight, 1)
		mu.Lock()
		if n > maxSeen {
			maxSeen = n
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return nil, nil
	}
	if _, err := s.Add(fn, "slow", 5*time.Millisecond, 0, 0, time.Time{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	s.Stop()
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > 1 {
		t.Errorf("observed %d concurrent fires of the same job, want at most 1", maxSeen)
	}
}

func TestErrorAndSuccessListeners(t *testing.T) {
	s := New(Options{LockPath: lockPath(t)})
	var successes, failures int32
	successCh := make(chan struct{})
	errorCh := make(chan struct{})
	s.AddSuccessListener(func(ev JobEvent) {
		if atomic.AddInt32(&successes, 1) == 1 {
			close(successCh)
		}
	})
	s.AddErrorListener(func(ev JobEvent) {
		if atomic.AddInt32(&failures, 1) == 1 {
			close(errorCh)
		}
	})

	okFn := func(ctx context.Context) (interface{}, error) { return "fine", nil }
	failFn := func(ctx context.Context) (interface{}, error) { return nil, errors.New("boom") }

	if _, err := s.Add(okFn, "ok", 5*time.Millisecond, 1, 0, time.Time{}); err != nil {
		t.Fatalf("Add ok: %v", err)
	}
	if _, err := s.Add(failFn, "fail", 5*time.Millisecond, 1, 0, time.Time{}); err != nil {
		t.Fatalf("Add fail: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case <-successCh:
	case <-time.After(time.Second):
		t.Fatal("success listener never fired")
	}
	select {
	case <-errorCh:
	case <-time.After(time.Second):
		t.Fatal("error listener never fired")
	}
}

func TestDeleteRemovesJob(t *testing.T) {
	s := New(Options{LockPath: lockPath(t)})
	fn := func(ctx context.Context) (interface{}, error) { return nil, nil }
	id, _ := s.Add(fn, "cpu", time.Hour, 0, 0, time.Time{})
	s.Delete(id)
	if jobs := s.GetJobs(); len(jobs) != 0 {
		t.Errorf("GetJobs() after Delete = %v, want empty", jobs)
	}
}

func TestStartTwiceIsIdempotent(t *testing.T) {
	s := New(Options{LockPath: lockPath(t)})
	if err := s.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(); err != nil {
		t.Fatalf("second Start should be a no-op, got: %v", err)
	}
}

func TestSecondSchedulerFailsToAcquireLock(t *testing.T) {
	path := lockPath(t)
	s1 := New(Options{LockPath: path})
	if err := s1.Start(); err != nil {
		t.Fatalf("first scheduler Start: %v", err)
	}
	defer s1.Stop()

	s2 := New(Options{LockPath: path})
	err := s2.Start()
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second scheduler Start = %v, want ErrLockHeld", err)
	}
}

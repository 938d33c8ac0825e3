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

// Package schedule is a process-wide recurring-job engine: interval
// triggers backed by a bounded worker pool, a singleton lockfile, and
// error/success listener fan-out. It is the in-process analogue of
// APScheduler's BackgroundScheduler, cut down to the one trigger type
// (interval) and the one jobstore (memory) this system needs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/kptlabs/roundsman"
)

// ErrJobExists is returned by Add when a job with the same sanitized id is
// already registered.
var ErrJobExists = errors.New("schedule: job already exists")

// DefaultPoolSize is the default number of concurrent fires the scheduler
// will run at once, across all jobs.
const DefaultPoolSize = 100

// DefaultMisfireTimeout is how far behind a fire may lag its scheduled
// time before it is dropped instead of run.
const DefaultMisfireTimeout = 120 * time.Second

var (
	jobsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roundsman",
		Subsystem: "scheduler",
		Name:      "fires_total",
		Help:      "Total number of job fires dispatched, by job id and outcome.",
	}, []string{"job_id", "outcome"})

	jobsMisfired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roundsman",
		Subsystem: "scheduler",
		Name:      "misfires_total",
		Help:      "Total number of fires dropped due to misfire or an in-flight overlap.",
	}, []string{"job_id", "reason"})

	fireDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roundsman",
		Subsystem: "scheduler",
		Name:      "fire_duration_seconds",
		Help:      "Wall time spent executing a job's function on a fire.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job_id"})
)

// Collectors returns the scheduler's prometheus collectors for
// registration by the binary's metrics handler.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{jobsFired, jobsMisfired, fireDuration}
}

// Options configures a new Scheduler.
type Options struct {
	// PoolSize bounds the number of concurrent fires across all jobs.
	// Zero means DefaultPoolSize.
	PoolSize int
	// LockPath is the advisory lockfile path enforcing I2 (one scheduler
	// process per lockfile path on a host).
	LockPath string
}

// Scheduler is a process-wide recurring-job engine.
type Scheduler struct {
	opts Options
	pool chan struct{}
	lock *singleton

	mu      sync.Mutex
	running bool
	jobs    map[string]*job
	nextID  int

	listenerMu sync.Mutex
	onError    []func(JobEvent)
	onSuccess  []func(JobEvent)

	wg sync.WaitGroup
}

// New creates a Scheduler. The scheduler is not running until Start is
// called.
func New(opts Options) *Scheduler {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.LockPath == "" {
		opts.LockPath = "/tmp/scheduler.lock"
	}
	return &Scheduler{
		opts: opts,
		pool: make(chan struct{}, opts.PoolSize),
		lock: newSingleton(opts.LockPath),
		jobs: make(map[string]*job),
	}
}

// Add registers fn as a recurring job and returns its (sanitized) id. If id
// is empty, an auto-incrementing integer id is assigned. maxRuns <= 0 means
// unbounded. If timeout is zero, DefaultMisfireTimeout is used. If
// startTime is the zero Time, the job fires first at time.Now().
func (s *Scheduler) Add(fn Func, id string, interval time.Duration, maxRuns int, timeout time.Duration, startTime time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		s.nextID++
		id = fmt.Sprintf("%d", s.nextID)
	} else {
		id = roundsman.SanitizeID(id)
	}
	if _, exists := s.jobs[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	if timeout <= 0 {
		timeout = DefaultMisfireTimeout
	}
	if startTime.IsZero() {
		startTime = time.Now()
	}

	j := &job{
		id:       id,
		fn:       fn,
		interval: interval,
		maxRuns:  maxRuns,
		timeout:  timeout,
		nextRun:  startTime,
		done:     make(chan struct{}),
	}
	s.jobs[id] = j
	klog.Infof("schedule: registered job %s (interval=%s, max_runs=%d)", id, interval, maxRuns)

	if s.running {
		s.launch(j)
	}
	return id, nil
}

// Start acquires the lockfile and begins dispatching every registered job's
// fires. Idempotent if already running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		klog.V(1).Info("schedule: Start called while already running")
		return nil
	}
	if err := s.lock.acquire(); err != nil {
		return err
	}
	s.running = true
	klog.Info("schedule: starting scheduler")
	for _, j := range s.jobs {
		s.launch(j)
	}
	return nil
}

// launch starts a job's trigger goroutine. Callers must hold s.mu.
func (s *Scheduler) launch(j *job) {
	if j.started {
		return
	}
	j.started = true
	go s.runJob(j)
}

// Stop transitions the engine to stopped and releases the lock. Pending
// fires already running in the pool are allowed to complete; no new fires
// are dispatched afterward.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for _, j := range s.jobs {
		if j.started {
			close(j.done)
			j.started = false
		}
	}
	s.mu.Unlock()

	klog.Info("schedule: stopping scheduler")
	return s.lock.release()
}

// Delete removes a job and its bookkeeping. An in-flight execution of the
// job, if any, runs to completion and its listeners still fire.
func (s *Scheduler) Delete(id string) {
	id = roundsman.SanitizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	if j.started {
		close(j.done)
	}
	delete(s.jobs, id)
	klog.Infof("schedule: deleted job %s", id)
}

// GetJobs returns the ids of all currently registered jobs.
func (s *Scheduler) GetJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// AddErrorListener registers fn to be invoked after a fire whose Func
// returned a non-nil error.
func (s *Scheduler) AddErrorListener(fn func(JobEvent)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.onError = append(s.onError, fn)
}

// AddSuccessListener registers fn to be invoked after a fire whose Func
// returned successfully.
func (s *Scheduler) AddSuccessListener(fn func(JobEvent)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.onSuccess = append(s.onSuccess, fn)
}

// Wait blocks until every in-flight fire has completed. It is intended for
// tests and graceful shutdown; it does not stop the scheduler.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runJob(j *job) {
	timer := time.NewTimer(time.Until(j.nextRun))
	defer timer.Stop()
	for {
		select {
		case <-j.done:
			return
		case fireTime := <-timer.C:
			s.dispatch(j, fireTime)

			j.mu.Lock()
			j.nextRun = j.nextRun.Add(j.interval)
			next := j.nextRun
			j.mu.Unlock()

			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		}
	}
}

// dispatch enforces the misfire policy and I3 (at most one in-flight fire
// per job id), then hands the fire to the bounded worker pool.
func (s *Scheduler) dispatch(j *job, fireTime time.Time) {
	if lag := time.Since(fireTime); lag > j.timeout {
		klog.Warningf("schedule: job %s misfired by %s, dropping fire", j.id, lag)
		jobsMisfired.WithLabelValues(j.id, "timeout").Inc()
		return
	}
	if !j.tryEnter() {
		klog.V(1).Infof("schedule: job %s already in flight, dropping fire", j.id)
		jobsMisfired.WithLabelValues(j.id, "overlap").Inc()
		return
	}

	select {
	case s.pool <- struct{}{}:
	case <-j.done:
		j.leave()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.pool }()
		defer j.leave()
		s.execute(j)
	}()
}

func (s *Scheduler) execute(j *job) {
	_, reachedMax := j.incrementRuns()
	if reachedMax {
		klog.Infof("schedule: job %s reached max runs, removing", j.id)
		s.Delete(j.id)
	}

	start := time.Now()
	retval, err := j.fn(context.Background())
	fireDuration.WithLabelValues(j.id).Observe(time.Since(start).Seconds())

	ev := JobEvent{JobID: j.id, Retval: retval, Err: err}
	if err != nil {
		jobsFired.WithLabelValues(j.id, "error").Inc()
		s.notify(s.errorListeners(), ev)
		return
	}
	jobsFired.WithLabelValues(j.id, "success").Inc()
	s.notify(s.successListeners(), ev)
}

func (s *Scheduler) errorListeners() []func(JobEvent) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	return append([]func(JobEvent){}, s.onError...)
}

func (s *Scheduler) successListeners() []func(JobEvent) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	return append([]func(JobEvent){}, s.onSuccess...)
}

func (s *Scheduler) notify(listeners []func(JobEvent), ev JobEvent) {
	for _, fn := range listeners {
		fn(ev)
	}
}

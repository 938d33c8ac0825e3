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

// Package worker is the worker's control loop (C9): it owns the
// scheduler, the check runner, and the worker's identity; it periodically
// pulls its configuration from the controller, diffs it against what is
// currently scheduled, and reconfigures the scheduler on any change. It
// is the explicit value that replaces the original's module-level global
// state (see DESIGN.md).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kylelemons/godebug/pretty"
	"k8s.io/klog/v2"

	"github.com/kptlabs/roundsman"
	"github.com/kptlabs/roundsman/check"
	"github.com/kptlabs/roundsman/schedule"
)

// DefaultCallhomeInterval is how often the control loop pulls its
// configuration and reports results, absent an override.
const DefaultCallhomeInterval = 30 * time.Second

// noDataBackoff is the pause taken when a /config response carries no
// data at all (distinct from an assigned-but-empty test list), giving a
// still-booting controller time to come up.
const noDataBackoff = 5 * time.Second

// Options configures a Worker.
type Options struct {
	BaseURL          string
	UUID             string
	HTTPClient       *http.Client
	Runner           *check.Runner
	Scheduler        *schedule.Scheduler
	CallhomeInterval time.Duration
	Debug            bool
}

// Worker owns the scheduler, the check runner, and the identity this
// process presents to its controller, and drives the pull-diff-reconfigure
// cycle described in the specification's control loop.
type Worker struct {
	baseURL          string
	uuid             string
	client           *http.Client
	runner           *check.Runner
	scheduler        *schedule.Scheduler
	callhomeInterval time.Duration
	debug            bool

	mu  sync.Mutex
	old []roundsman.TestDescriptor
}

// New constructs a Worker and wires the scheduler's listeners to result
// emission, per the control loop's startup step.
func New(opts Options) *Worker {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.CallhomeInterval <= 0 {
		opts.CallhomeInterval = DefaultCallhomeInterval
	}
	w := &Worker{
		baseURL:          strings.TrimSuffix(opts.BaseURL, "/"),
		uuid:             opts.UUID,
		client:           opts.HTTPClient,
		runner:           opts.Runner,
		scheduler:        opts.Scheduler,
		callhomeInterval: opts.CallhomeInterval,
		debug:            opts.Debug,
	}
	w.scheduler.AddSuccessListener(w.emitSuccess)
	w.scheduler.AddErrorListener(w.emitError)
	return w
}

// Run blocks, pulling configuration on callhomeInterval until ctx is
// cancelled. stopChecks() is called once on exit so no jobs survive the
// worker's own shutdown.
func (w *Worker) Run(ctx context.Context) error {
	defer w.stopChecks()
	for {
		if err := w.tick(ctx); err != nil {
			klog.Warningf("worker: control loop tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.callhomeInterval):
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	tests, ok, err := w.pullConfig(ctx)
	if err != nil {
		klog.Warningf("worker: pulling config: %v (retaining previous configuration)", err)
		return nil
	}
	if !ok {
		klog.V(1).Infof("worker: /config carried no data, backing off %s", noDataBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(noDataBackoff):
		}
		return nil
	}

	w.mu.Lock()
	old := w.old
	w.mu.Unlock()

	if !descriptorsEqual(old, tests) {
		if w.debug {
			klog.Infof("worker: configuration changed:\n%s", pretty.Compare(stripURLs(old), stripURLs(tests)))
		}
		w.stopChecks()
		w.startChecks(tests)
		w.mu.Lock()
		w.old = tests
		w.mu.Unlock()
	}
	return nil
}

// descriptorsEqual compares two descriptor sets by value, ignoring the
// transient URL field the worker itself injects.
func descriptorsEqual(a, b []roundsman.TestDescriptor) bool {
	return cmp.Equal(stripURLs(a), stripURLs(b))
}

func stripURLs(tests []roundsman.TestDescriptor) []roundsman.TestDescriptor {
	out := make([]roundsman.TestDescriptor, len(tests))
	for i, t := range tests {
		out[i] = t.WithoutURL()
	}
	return out
}

type configEnvelope struct {
	Status  string                      `json:"status"`
	Message string                      `json:"message"`
	Data    []roundsman.TestDescriptor `json:"data"`
}

// pullConfig performs GET /config?uuid=<self>. ok is false when the
// response carries no data at all, distinct from an empty-but-present
// list.
func (w *Worker) pullConfig(ctx context.Context) (tests []roundsman.TestDescriptor, ok bool, err error) {
	u := w.baseURL + "/config?uuid=" + url.QueryEscape(w.uuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("worker: requesting %s: %w", u, err)
	}
	defer resp.Body.Close()

	var env configEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, false, fmt.Errorf("worker: decoding /config response: %w", err)
	}
	if env.Data == nil {
		return nil, false, nil
	}
	return env.Data, true, nil
}

// startChecks injects this worker's base URL into each descriptor and
// registers one recurring job per test, starting the scheduler once every
// job has been added. A scheduler that cannot start (for example because
// another process holds its lockfile) is fatal: the process exits.
func (w *Worker) startChecks(tests []roundsman.TestDescriptor) {
	for _, t := range tests {
		t.URL = w.baseURL
		descriptor := t
		fn := func(ctx context.Context) (interface{}, error) {
			return w.runner.Run(ctx, descriptor)
		}
		if _, err := w.scheduler.Add(fn, descriptor.JobID(), time.Duration(descriptor.Interval)*time.Second, 0, 0, time.Time{}); err != nil {
			klog.Warningf("worker: adding job for %s: %v", descriptor.Name, err)
		}
	}
	if err := w.scheduler.Start(); err != nil {
		klog.Exitf("worker: starting scheduler: %v", err)
	}
}

// stopChecks removes every registered job, per the control loop's
// reconfiguration contract: there is no partial update.
func (w *Worker) stopChecks() {
	for _, id := range w.scheduler.GetJobs() {
		w.scheduler.Delete(id)
	}
}

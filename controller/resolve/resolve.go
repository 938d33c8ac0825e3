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

// Package resolve is the controller's config resolver (C3): it maps a
// client uuid to the ordered set of tests it must run, with current
// artifact hashes filled in, and to the client's alias. The controller is
// stateless between requests, but a resolver may keep an mtime-invalidated
// read cache of the parsed configuration file to avoid re-parsing it on
// every call when it has not changed on disk.
package resolve

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sergi/go-diff/diffmatchpatch"
	"k8s.io/klog/v2"

	"github.com/kptlabs/roundsman"
	"github.com/kptlabs/roundsman/controller/config"
	"github.com/kptlabs/roundsman/controller/store"
)

type cacheEntry struct {
	mtime time.Time
	cfg   *config.Config
	raw   string
}

// Resolver loads the controller's configuration file, optionally caching
// the parse keyed by the file's mtime, and resolves it against the
// artifact store to produce fully hash-populated TestDescriptors.
type Resolver struct {
	path  string
	store *store.Store

	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]
}

// New returns a Resolver for the configuration file at path, serving
// artifact hashes out of s. cacheSize bounds the read cache (it only ever
// holds one entry per distinct path, so a small size such as 4 is ample);
// zero disables caching and forces a fresh read on every call.
func New(path string, s *store.Store, cacheSize int) (*Resolver, error) {
	r := &Resolver{path: path, store: s}
	if cacheSize > 0 {
		c, err := lru.New[string, cacheEntry](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("resolve: creating cache: %w", err)
		}
		r.cache = c
	}
	return r, nil
}

// Load returns the current parsed configuration, re-reading the file from
// disk only if its mtime has advanced since the last read (or if caching
// is disabled).
func (r *Resolver) Load() (*config.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", config.ErrConfigUnreadable, r.path, err)
	}

	if r.cache != nil {
		if entry, ok := r.cache.Get(r.path); ok && entry.mtime.Equal(info.ModTime()) {
			return entry.cfg, nil
		}
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", config.ErrConfigUnreadable, r.path, err)
	}
	cfg, err := config.LoadConfig(r.path)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if prev, ok := r.cache.Get(r.path); ok && klog.V(2).Enabled() {
			r.logDiff(prev.raw, string(raw))
		}
		r.cache.Add(r.path, cacheEntry{mtime: info.ModTime(), cfg: cfg, raw: string(raw)})
	}
	return cfg, nil
}

func (r *Resolver) logDiff(oldRaw, newRaw string) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldRaw, newRaw, false)
	klog.V(2).Infof("resolve: configuration file %s changed:\n%s", r.path, dmp.DiffPrettyText(diffs))
}

// GroupsForUUID returns the group names uuid belongs to.
func (r *Resolver) GroupsForUUID(uuid string) ([]string, error) {
	cfg, err := r.Load()
	if err != nil {
		return nil, err
	}
	return cfg.GroupsFor(uuid), nil
}

// TestsForUUID returns every test descriptor assigned to uuid, with Hash
// populated from the artifact store. A test whose artifact is missing
// from the store is skipped with a logged warning, rather than failing
// the whole response.
func (r *Resolver) TestsForUUID(uuid string) ([]roundsman.TestDescriptor, error) {
	cfg, err := r.Load()
	if err != nil {
		return nil, err
	}
	tests := cfg.TestsFor(uuid)
	out := make([]roundsman.TestDescriptor, 0, len(tests))
	for _, t := range tests {
		hash, err := r.store.Hash(t.Check)
		if err != nil {
			klog.Warningf("resolve: skipping test %s: %v", t.Name, err)
			continue
		}
		t.Hash = hash
		out = append(out, t)
	}
	return out, nil
}

// Alias returns the configured alias for uuid, or uuid itself if unset.
func (r *Resolver) Alias(uuid string) (string, error) {
	cfg, err := r.Load()
	if err != nil {
		return "", err
	}
	return cfg.Alias(uuid), nil
}

// MarshalIndentForDiagnostics is a small helper used by tests and CLI
// tooling to print a configuration in the same form the resolver diffs.
func MarshalIndentForDiagnostics(cfg *config.Config) (string, error) {
	b, err := json.MarshalIndent(cfg, "", "  ")
	return string(b), err
}

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

// Package check implements the worker's check lifecycle (C8): for an
// assigned test, it hash-compares the local artifact against the
// controller's copy, downloads and verifies it if needed, runs it with
// retries, and surfaces the result or a typed error. One Runner is
// constructed per fire by the scheduler.
package check

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/kptlabs/roundsman"
	"github.com/kptlabs/roundsman/signature"
)

// ErrDownloadFailed is returned when fetching a stale or missing artifact
// from the controller fails.
var ErrDownloadFailed = errors.New("check: download failed")

// ErrUnsafe is returned when a (re)downloaded artifact fails signature
// verification. The fire aborts without executing the artifact.
var ErrUnsafe = errors.New("check: artifact signature invalid, refusing to run")

// FailedError is raised when a check's subprocess exits non-zero on every
// retry attempt.
type FailedError struct {
	Name    string
	Retries int
	Stdout  []byte
	Stderr  []byte
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("check %s failed after %d retries: stdout=%q stderr=%q", e.Name, e.Retries, e.Stdout, e.Stderr)
}

// DefaultCacheDir is where artifacts and their sidecar signatures are
// persisted between fires.
const DefaultCacheDir = "/tmp/scripts"

// DefaultRetryDelay is the fixed backoff between subprocess retry
// attempts. Exponential backoff would be preferable but is not the
// current behavior (see DESIGN.md).
const DefaultRetryDelay = 3 * time.Second

// Options configures a Runner.
type Options struct {
	CacheDir   string
	CertPath   string
	HTTPClient *http.Client
	RetryDelay time.Duration
}

// Runner executes one test descriptor's check lifecycle per fire.
type Runner struct {
	cacheDir   string
	certPath   string
	client     *http.Client
	retryDelay time.Duration
}

// NewRunner constructs a Runner, filling in defaults for zero-valued
// Options fields.
func NewRunner(opts Options) *Runner {
	if opts.CacheDir == "" {
		opts.CacheDir = DefaultCacheDir
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Runner{
		cacheDir:   opts.CacheDir,
		certPath:   opts.CertPath,
		client:     opts.HTTPClient,
		retryDelay: opts.RetryDelay,
	}
}

// Run performs one fire of the check lifecycle for descriptor d and
// returns the raw stdout bytes of a successful run.
func (r *Runner) Run(ctx context.Context, d roundsman.TestDescriptor) ([]byte, error) {
	if err := os.MkdirAll(r.cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("check: creating cache dir %s: %w", r.cacheDir, err)
	}
	path := filepath.Join(r.cacheDir, d.Check)

	lhash, haveLocal := localHash(path)
	verified, _ := signature.VerifyFile(path, r.certPath)

	if !haveLocal || lhash != d.Hash || !verified {
		if haveLocal {
			klog.Infof("check %s: hash differs (local=%s remote=%s) or signature stale, downloading", d.Name, lhash, d.Hash)
		}
		if err := r.download(ctx, d, path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
		}
	}

	ok, err := signature.VerifyFile(path, r.certPath)
	if err != nil || !ok {
		klog.Errorf("check %s: %v (ok=%v err=%v)", d.Name, ErrUnsafe, ok, err)
		return nil, ErrUnsafe
	}

	argv := append([]string{path}, splitArgs(d.Args)...)
	return r.execute(ctx, d, argv)
}

func localHash(path string) (hash string, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), true
}

func splitArgs(args string) []string {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	return strings.Split(args, " ")
}

// download fetches the artifact and its detached signature from
// url/checks/<check> and url/checks/<check>.sig, persisting both
// atomically (write to a temp file in the same directory, then rename)
// so concurrent fires touching the same artifact name never observe a
// torn write.
func (r *Runner) download(ctx context.Context, d roundsman.TestDescriptor, path string) error {
	base := strings.TrimSuffix(d.URL, "/")
	downloadURL := base + "/checks/" + d.Check

	body, err := r.get(ctx, downloadURL)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", downloadURL, err)
	}
	sigBody, err := r.get(ctx, downloadURL+".sig")
	if err != nil {
		return fmt.Errorf("fetching %s.sig: %w", downloadURL, err)
	}

	if err := writeAtomic(path, body, 0o700); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := writeAtomic(path+".sig", sigBody, 0o600); err != nil {
		return fmt.Errorf("writing %s.sig: %w", path, err)
	}
	return nil
}

func (r *Runner) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// execute runs argv without a shell, retrying on non-zero exit up to
// d.Retries attempts with a fixed delay between attempts.
func (r *Runner) execute(ctx context.Context, d roundsman.TestDescriptor, argv []string) ([]byte, error) {
	retries := d.Retries
	if retries <= 0 {
		retries = 1
	}

	var stdout, stderr bytes.Buffer
	for attempt := 1; attempt <= retries; attempt++ {
		stdout.Reset()
		stderr.Reset()

		klog.V(1).Infof("check %s: attempt %d/%d", d.Name, attempt, retries)
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		if err == nil {
			return stdout.Bytes(), nil
		}

		klog.Warningf("check %s: attempt %d/%d failed: %v", d.Name, attempt, retries, err)
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}
	}

	return nil, &FailedError{
		Name:    d.Name,
		Retries: retries,
		Stdout:  append([]byte(nil), stdout.Bytes()...),
		Stderr:  append([]byte(nil), stderr.Bytes()...),
	}
}

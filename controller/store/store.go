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

// Package store is the controller-side artifact store (C2): read-only
// serving of check files and their detached .sig companions, plus the
// hash computation the config resolver embeds in each descriptor.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when the named artifact does not exist in the
// store's directory.
var ErrNotFound = errors.New("store: artifact not found")

// ErrInvalidName is returned when a requested filename escapes the store
// directory (path traversal) or is otherwise not a bare filename.
var ErrInvalidName = errors.New("store: invalid artifact name")

// Store serves artifacts (and their .sig sidecars) out of a single flat
// directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// path resolves name to an absolute path inside the store directory,
// rejecting any name that isn't a bare filename (no directory
// components).
func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, name), nil
}

// Open returns a reader for the named artifact's bytes. The caller must
// close it.
func (s *Store) Open(name string) (io.ReadCloser, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Hash computes the current SHA-256 hex digest of the named artifact, as
// embedded in a served TestDescriptor's Hash field.
func (s *Store) Hash(name string) (string, error) {
	p, err := s.path(name)
	if err != nil {
		return "", err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

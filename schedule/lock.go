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
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrLockHeld is returned by Start when another process already holds the
// scheduler's lockfile (I2: at most one scheduler process runs per
// lockfile path on a given host).
var ErrLockHeld = errors.New("schedule: lockfile already held by another process")

// singleton wraps an advisory, non-blocking, exclusive file lock with
// release-on-Stop semantics.
type singleton struct {
	path string
	fl   *flock.Flock
}

func newSingleton(path string) *singleton {
	return &singleton{path: path}
}

// acquire takes the exclusive lock or returns ErrLockHeld.
func (s *singleton) acquire() error {
	s.fl = flock.New(s.path)
	ok, err := s.fl.TryLock()
	if err != nil {
		return fmt.Errorf("schedule: acquiring lock %s: %w", s.path, err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// release drops the lock. It is safe to call release on a singleton that
// never successfully acquired the lock.
func (s *singleton) release() error {
	if s.fl == nil {
		return nil
	}
	return s.fl.Unlock()
}

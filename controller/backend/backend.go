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

// Package backend is the controller's result relay (C5): it forwards
// validated result batches from /callhome to a time-series sink. The sink
// itself is an external collaborator (§6 of the specification); this
// package ships two concrete, swappable implementations of it rather than
// leaving it purely abstract.
package backend

import "context"

// Point is one row to persist: a measurement name, its tags, and its
// fields, matching a roundsman.ResultRecord one-to-one.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
}

// Backend is the write_points(batch) contract of §6: it returns false
// (never an error the caller must unwrap) on failure, so the controller
// can map a failed write to the documented HTTP 400 and let the worker's
// next result emission retry naturally.
type Backend interface {
	WritePoints(ctx context.Context, points []Point) bool
}

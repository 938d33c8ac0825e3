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

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/tomasen/realip"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/kptlabs/roundsman"
	"github.com/kptlabs/roundsman/controller/backend"
	"github.com/kptlabs/roundsman/controller/resolve"
	"github.com/kptlabs/roundsman/controller/store"
)

// ErrUuidMissing is returned when a request to /config or /callhome omits
// the uuid query parameter.
var ErrUuidMissing = errors.New("controller: uuid missing")

// ErrUuidUnauthorized is returned when uuid resolves to no groups at all.
var ErrUuidUnauthorized = errors.New("controller: uuid belongs to no group")

// ErrBackendWriteFailed is returned when the relay to the backend sink
// fails.
var ErrBackendWriteFailed = errors.New("controller: backend write failed")

// envelope is the {status, ...} wrapper every JSON response carries.
type envelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeOK(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope{Status: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Status: "error", Message: err.Error()})
}

// Server is the controller's HTTP surface (C4): /config, /callhome and
// /checks/<file>[.sig], fronting the config resolver (C3), the artifact
// store (C2) and the result relay (C5).
type Server struct {
	resolver *resolve.Resolver
	store    *store.Store
	backend  backend.Backend

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// RateLimit and RateBurst configure the per-uuid token bucket applied
	// to /config and /callhome. Zero RateLimit disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

// NewServer constructs a Server. rateLimit of zero disables per-uuid rate
// limiting.
func NewServer(r *resolve.Resolver, s *store.Store, b backend.Backend, rateLimit rate.Limit, rateBurst int) *Server {
	return &Server{
		resolver:  r,
		store:     s,
		backend:   b,
		limiters:  make(map[string]*rate.Limiter),
		RateLimit: rateLimit,
		RateBurst: rateBurst,
	}
}

// Router builds the gorilla/mux router for this server, wrapped in CORS
// middleware for the out-of-scope HTML dashboard's cross-origin requests.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/callhome", s.handleCallhome).Methods(http.MethodPost)
	r.HandleFunc("/checks/{file}", s.handleCheckFile).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

// limiterFor returns (creating if necessary) the token-bucket limiter for
// key (a client uuid or IP), or nil if rate limiting is disabled.
func (s *Server) limiterFor(key string) *rate.Limiter {
	if s.RateLimit <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.RateLimit, s.RateBurst)
		s.limiters[key] = l
	}
	return l
}

// allow reports whether the request identified by uuid (falling back to
// the caller's real IP when uuid is empty) may proceed.
func (s *Server) allow(r *http.Request, uuid string) bool {
	key := uuid
	if key == "" {
		key = realip.FromRequest(r)
	}
	l := s.limiterFor(key)
	return l == nil || l.Allow()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	uuid := r.URL.Query().Get("uuid")
	if uuid == "" {
		writeError(w, http.StatusBadRequest, ErrUuidMissing)
		return
	}
	if !s.allow(r, uuid) {
		writeError(w, http.StatusTooManyRequests, fmt.Errorf("controller: rate limit exceeded for %s", uuid))
		return
	}

	tests, err := s.resolver.TestsForUUID(uuid)
	if err != nil {
		klog.Errorf("controller: resolving config for %s: %v", uuid, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if len(tests) == 0 {
		klog.V(1).Infof("controller: uuid %s has no assigned tests", uuid)
		writeError(w, http.StatusOK, fmt.Errorf("controller: no tests assigned to %s", uuid))
		return
	}
	writeOK(w, tests)
}

func (s *Server) handleCallhome(w http.ResponseWriter, r *http.Request) {
	uuid := r.URL.Query().Get("uuid")
	if uuid == "" {
		writeError(w, http.StatusBadRequest, ErrUuidMissing)
		return
	}
	if !s.allow(r, uuid) {
		writeError(w, http.StatusTooManyRequests, fmt.Errorf("controller: rate limit exceeded for %s", uuid))
		return
	}

	groups, err := s.resolver.GroupsForUUID(uuid)
	if err != nil {
		klog.Errorf("controller: resolving groups for %s: %v", uuid, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(groups) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %s", ErrUuidUnauthorized, uuid))
		return
	}

	var records []roundsman.ResultRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("controller: decoding callhome body: %w", err))
		return
	}

	alias, err := s.resolver.Alias(uuid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	points := make([]backend.Point, 0, len(records))
	for _, rec := range records {
		tags := make(map[string]string, len(rec.Tags)+2)
		for k, v := range rec.Tags {
			tags[k] = v
		}
		tags["uuid"] = uuid
		tags["alias"] = alias
		fields := map[string]interface{}{
			"success": rec.Fields.Success,
		}
		if rec.Fields.Result != nil {
			fields["result"] = rec.Fields.Result
		}
		points = append(points, backend.Point{
			Measurement: rec.Measurement,
			Tags:        tags,
			Fields:      fields,
		})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if !s.backend.WritePoints(ctx, points) {
		writeError(w, http.StatusBadRequest, ErrBackendWriteFailed)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleCheckFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["file"]
	rc, err := s.store.Open(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		klog.Warningf("controller: streaming artifact %s: %v", name, err)
	}
}

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

package backend

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// HTTPBackend writes points as line-protocol text to a remote time-series
// HTTP endpoint (the out-of-scope production store spec.md §6 describes),
// in the shape InfluxDB's /write endpoint accepts. It is the default
// backend: most roundsman deployments have no local database to point a
// SQL adapter at.
type HTTPBackend struct {
	WriteURL string
	Client   *http.Client
}

// NewHTTPBackendFromEnv builds an HTTPBackend from the INFLUX_HOST,
// INFLUX_PORT and INFLUX_DB environment variables, matching the
// environment-driven configuration of the original worker's backend
// client. A missing INFLUX_HOST yields a backend that always fails
// WritePoints, logging once per call rather than at construction time.
func NewHTTPBackendFromEnv() *HTTPBackend {
	host := os.Getenv("INFLUX_HOST")
	port := os.Getenv("INFLUX_PORT")
	if port == "" {
		port = "8086"
	}
	db := os.Getenv("INFLUX_DB")
	if db == "" {
		db = "roundsman"
	}
	var writeURL string
	if host != "" {
		writeURL = (&url.URL{
			Scheme:   "http",
			Host:     host + ":" + port,
			Path:     "/write",
			RawQuery: "db=" + url.QueryEscape(db),
		}).String()
	}
	return &HTTPBackend{
		WriteURL: writeURL,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WritePoints encodes points as line protocol and POSTs them in one
// request. It returns false on any transport or non-2xx response, logging
// the cause at klog.Warningf — the /callhome handler never needs the
// underlying error, only the pass/fail signal §6 documents.
func (b *HTTPBackend) WritePoints(ctx context.Context, points []Point) bool {
	if b.WriteURL == "" {
		klog.Warningf("backend: no INFLUX_HOST configured, dropping %d point(s)", len(points))
		return false
	}
	if len(points) == 0 {
		return true
	}

	var body bytes.Buffer
	for _, p := range points {
		writeLine(&body, p)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.WriteURL, &body)
	if err != nil {
		klog.Warningf("backend: building request: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := b.Client.Do(req)
	if err != nil {
		klog.Warningf("backend: write request failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		klog.Warningf("backend: write request returned status %d", resp.StatusCode)
		return false
	}
	return true
}

// writeLine appends one line-protocol line for p to buf: measurement and
// sorted tags, a space, the fields, and a newline. No timestamp is
// written, so the receiving store stamps each point with its arrival
// time rather than the time the check ran.
func writeLine(buf *bytes.Buffer, p Point) {
	buf.WriteString(escapeMeasurement(p.Measurement))

	tagKeys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		buf.WriteByte(',')
		buf.WriteString(escapeTag(k))
		buf.WriteByte('=')
		buf.WriteString(escapeTag(p.Tags[k]))
	}

	buf.WriteByte(' ')

	fieldKeys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	for i, k := range fieldKeys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(escapeTag(k))
		buf.WriteByte('=')
		buf.WriteString(fieldLiteral(p.Fields[k]))
	}

	buf.WriteByte('\n')
}

func fieldLiteral(v interface{}) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x) + "i"
	case string:
		return `"` + strings.ReplaceAll(x, `"`, `\"`) + `"`
	default:
		return `"` + strings.ReplaceAll(fmt.Sprint(x), `"`, `\"`) + `"`
	}
}

func escapeMeasurement(s string) string {
	r := strings.NewReplacer(",", `\,`, " ", `\ `)
	return r.Replace(s)
}

func escapeTag(s string) string {
	r := strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`)
	return r.Replace(s)
}

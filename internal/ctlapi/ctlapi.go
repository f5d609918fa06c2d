// Copyright 2025 Tom Barlow
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

// Package ctlapi is ctlmasterd's small HTTP surface: a liveness probe for
// internal/procsup's HealthCheck, the Progress Broadcaster's WebSocket
// endpoint, and a Prometheus scrape endpoint. It carries no authentication
// and is meant to be bound to localhost only; anything beyond that belongs
// to the out-of-scope API layer spec.md describes.
package ctlapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/crawlplane/ctlmaster/internal/broadcast"
	"github.com/crawlplane/ctlmaster/internal/supervisor"
)

// MetricsHandler is served at GET /metrics. Satisfied by
// (*metrics.Provider).Handler; nil disables the endpoint.
type MetricsHandler interface {
	Handler() http.Handler
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	Uptime     string `json:"uptime"`
	ActiveRuns int    `json:"active_runs"`
	QueueDepth int    `json:"queue_depth"`
	GoVersion  string `json:"go_version"`
}

var startTime = time.Now()

// NewMux builds the daemon's HTTP mux: /healthz for liveness, /ws for the
// Progress Broadcaster's WebSocket stream, and /metrics for Prometheus
// scraping (mounted only if metrics is non-nil).
func NewMux(sup *supervisor.Supervisor, queueLen func() int, sub *broadcast.Subscriber, metrics MetricsHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:     "healthy",
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			Uptime:     time.Since(startTime).Round(time.Second).String(),
			ActiveRuns: sup.ActiveCount(),
			QueueDepth: queueLen(),
			GoVersion:  runtime.Version(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.Handle("/ws", sub)
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}

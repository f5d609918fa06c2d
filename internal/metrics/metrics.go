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

// Package metrics wires the Dispatcher, Ingest Pipeline, Reconciliation
// Engine and Progress Broadcaster into an OpenTelemetry meter backed by a
// Prometheus exporter, the same pairing the teacher's internal/tracing
// package uses for workflow metrics. Only the metrics half is kept: there
// is no span-worthy cross-process call chain in a single daemon process
// to justify carrying the teacher's trace exporters too.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Collector records the daemon's operational counters: dispatch
// throughput, ingest batch sizes, reconciliation corrections, and
// broadcast publish spacing (a proxy for how far behind a run's
// progress updates lag its actual tailer/ingest activity).
type Collector struct {
	dispatchTotal      metric.Int64Counter
	ingestBatchSize    metric.Int64Histogram
	reconcileCorrected metric.Int64Counter
	broadcastGap       metric.Float64Histogram
}

// Provider owns the OpenTelemetry SDK meter provider and its Prometheus
// exporter for the lifetime of the daemon process.
type Provider struct {
	mp        *sdkmetric.MeterProvider
	exporter  *prometheus.Exporter
	Collector *Collector
}

// NewProvider creates a meter provider reading through a Prometheus
// exporter, and a Collector with every instrument this daemon records.
func NewProvider() (*Provider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := mp.Meter("ctlmaster")

	c := &Collector{}

	c.dispatchTotal, err = meter.Int64Counter(
		"ctlmaster_dispatch_total",
		metric.WithDescription("Runs handed from the Dispatcher to the Worker Supervisor"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	c.ingestBatchSize, err = meter.Int64Histogram(
		"ctlmaster_ingest_batch_size",
		metric.WithDescription("Record count per Ingest Pipeline flush"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	c.reconcileCorrected, err = meter.Int64Counter(
		"ctlmaster_reconcile_corrections_total",
		metric.WithDescription("Runs whose state or counters the Reconciliation Engine corrected"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	c.broadcastGap, err = meter.Float64Histogram(
		"ctlmaster_broadcast_publish_gap_seconds",
		metric.WithDescription("Time since a run's previous progress publish, a proxy for tailer-to-broadcast lag"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Provider{mp: mp, exporter: exporter, Collector: c}, nil
}

// Handler returns the HTTP handler ctlapi mounts at /metrics. The
// OpenTelemetry Prometheus exporter registers with the default
// Prometheus registry, so promhttp.Handler serves it directly.
func (p *Provider) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown releases the meter provider's resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}

// IncDispatched records one run handed to the Worker Supervisor. A nil
// Collector is a no-op, so callers that build one without a Provider
// (most tests) don't need a stub.
func (c *Collector) IncDispatched() {
	if c == nil {
		return
	}
	c.dispatchTotal.Add(context.Background(), 1)
}

// ObserveIngestBatch records one Ingest Pipeline flush of n records.
func (c *Collector) ObserveIngestBatch(n int) {
	if c == nil {
		return
	}
	c.ingestBatchSize.Record(context.Background(), int64(n))
}

// IncReconcileCorrection records one run the Reconciliation Engine
// corrected during a sweep.
func (c *Collector) IncReconcileCorrection() {
	if c == nil {
		return
	}
	c.reconcileCorrected.Add(context.Background(), 1)
}

// ObserveBroadcastGap records the spacing between two progress
// publishes for the same run.
func (c *Collector) ObserveBroadcastGap(seconds float64) {
	if c == nil {
		return
	}
	c.broadcastGap.Record(context.Background(), seconds)
}

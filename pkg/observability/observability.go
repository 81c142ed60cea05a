// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability wires OpenTelemetry tracing and Prometheus metrics
// for the gateway.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kadirpekel/ryu/pkg/config"
)

// Manager owns the telemetry providers and the gateway's metric
// instruments.
type Manager struct {
	cfg            config.ObservabilityConfig
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *prometheus.Registry

	// Instruments used across the gateway.
	RequestCounter    metric.Int64Counter
	ToolDispatchHisto metric.Float64Histogram
	CircuitOpenGauge  metric.Int64UpDownCounter
	IterationCounter  metric.Int64Counter
}

// New initializes tracing (stdout exporter) and metrics (Prometheus
// exporter) per config. Disabled pieces fall back to otel no-ops.
func New(cfg config.ObservabilityConfig) (*Manager, error) {
	m := &Manager{cfg: cfg, registry: prometheus.NewRegistry()}

	if cfg.TracingEnabled {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		m.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		)
		otel.SetTracerProvider(m.tracerProvider)
	}

	if cfg.MetricsEnabled {
		exporter, err := otelprom.New(otelprom.WithRegisterer(m.registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
		}
		m.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(m.meterProvider)
	}

	meter := otel.Meter("ryu/gateway")
	var err error
	if m.RequestCounter, err = meter.Int64Counter("ryu_requests_total",
		metric.WithDescription("Chat requests served")); err != nil {
		return nil, err
	}
	if m.ToolDispatchHisto, err = meter.Float64Histogram("ryu_tool_dispatch_seconds",
		metric.WithDescription("Tool dispatch latency")); err != nil {
		return nil, err
	}
	if m.CircuitOpenGauge, err = meter.Int64UpDownCounter("ryu_circuit_open",
		metric.WithDescription("Open circuits per backend")); err != nil {
		return nil, err
	}
	if m.IterationCounter, err = meter.Int64Counter("ryu_iterations_total",
		metric.WithDescription("Worker iterations recorded")); err != nil {
		return nil, err
	}
	return m, nil
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (m *Manager) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes exporters.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.tracerProvider != nil {
		if err := m.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if m.meterProvider != nil {
		return m.meterProvider.Shutdown(ctx)
	}
	return nil
}

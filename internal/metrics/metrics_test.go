// Switchyard - Resilient Calls, Durable Jobs and Realtime Fan-out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/switchyard

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// getCounterValue extracts the value from a Prometheus counter
func getCounterValue(counter prometheus.Counter) float64 {
	var m io_prometheus_client.Metric
	if err := counter.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// getGaugeValue extracts the value from a Prometheus gauge
func getGaugeValue(gauge prometheus.Gauge) float64 {
	var m io_prometheus_client.Metric
	if err := gauge.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func TestCollectorsRegistered(t *testing.T) {
	// Vectors only export once a label set exists.
	JobsEnqueued.WithLabelValues("metrics-test")
	CallDuration.WithLabelValues("metrics-test")
	CircuitBreakerState.WithLabelValues("metrics-test")

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	types := make(map[string]io_prometheus_client.MetricType, len(families))
	for _, f := range families {
		types[f.GetName()] = f.GetType()
	}

	tests := []struct {
		name string
		want io_prometheus_client.MetricType
	}{
		{"jobs_enqueued_total", io_prometheus_client.MetricType_COUNTER},
		{"resilient_call_duration_seconds", io_prometheus_client.MetricType_HISTOGRAM},
		{"circuit_breaker_state", io_prometheus_client.MetricType_GAUGE},
		{"websocket_connections", io_prometheus_client.MetricType_GAUGE},
		{"api_active_requests", io_prometheus_client.MetricType_GAUGE},
		{"job_store_gc_runs_total", io_prometheus_client.MetricType_COUNTER},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := types[tt.name]
			if !ok {
				t.Fatalf("%s not registered", tt.name)
			}
			if got != tt.want {
				t.Errorf("%s type = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestCounterAndGaugeValues(t *testing.T) {
	counter := JobsEnqueued.WithLabelValues("metrics-values")
	before := getCounterValue(counter)
	counter.Inc()
	counter.Add(2)
	if got := getCounterValue(counter) - before; got != 3 {
		t.Errorf("counter delta = %v, want 3", got)
	}

	gauge := JobsActive.WithLabelValues("metrics-values")
	gauge.Set(4)
	gauge.Dec()
	if got := getGaugeValue(gauge); got != 3 {
		t.Errorf("gauge = %v, want 3", got)
	}
}

func TestHistogramObservations(t *testing.T) {
	observer := CallDuration.WithLabelValues("metrics-histogram")
	observer.Observe(0.25)
	observer.Observe(1.5)

	metric, ok := observer.(prometheus.Metric)
	if !ok {
		t.Fatal("histogram observer does not implement prometheus.Metric")
	}
	var m io_prometheus_client.Metric
	if err := metric.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	h := m.GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", h.GetSampleCount())
	}
	if h.GetSampleSum() != 1.75 {
		t.Errorf("sample sum = %v, want 1.75", h.GetSampleSum())
	}
}

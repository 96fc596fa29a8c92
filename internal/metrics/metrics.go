/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes control-plane metrics for Prometheus scraping.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Label names.
const (
	LabelWorker    = "worker"
	LabelOutcome   = "outcome"
	LabelRole      = "role"
	LabelDirection = "direction"
)

// Outcome values for routing decisions.
const (
	OutcomeScheduled = "scheduled"
	OutcomeFallback  = "fallback"
	OutcomeError     = "error"
)

var (
	routingDecisionsTotal  *prometheus.CounterVec
	routingOverlapRatio    prometheus.Histogram
	desiredReplicas        *prometheus.GaugeVec
	forecastRequestCount   prometheus.Gauge
	scalingOperationsTotal *prometheus.CounterVec

	// initOnce ensures InitMetrics only registers once.
	initOnce sync.Once
	initErr  error
)

// InitMetrics registers all custom metrics with the provided registry.
// Thread-safe; only the first call's registry is used.
func InitMetrics(registry prometheus.Registerer) error {
	initOnce.Do(func() {
		routingDecisionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "icp_routing_decisions_total",
				Help: "Total routing decisions by worker and outcome",
			},
			[]string{LabelWorker, LabelOutcome},
		)
		routingOverlapRatio = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "icp_routing_overlap_ratio",
				Help:    "Fraction of a routed sequence's blocks already cached on the chosen worker",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		)
		desiredReplicas = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "icp_desired_replicas",
				Help: "Desired replica count per role as computed by the capacity planner",
			},
			[]string{LabelRole},
		)
		forecastRequestCount = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "icp_forecast_request_count",
				Help: "Predicted request count for the next adjustment interval",
			},
		)
		scalingOperationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "icp_scaling_operations_total",
				Help: "Total replica scaling operations asserted against the orchestration layer",
			},
			[]string{LabelRole, LabelDirection},
		)

		for name, c := range map[string]prometheus.Collector{
			"routingDecisionsTotal":  routingDecisionsTotal,
			"routingOverlapRatio":    routingOverlapRatio,
			"desiredReplicas":        desiredReplicas,
			"forecastRequestCount":   forecastRequestCount,
			"scalingOperationsTotal": scalingOperationsTotal,
		} {
			if err := registry.Register(c); err != nil {
				initErr = fmt.Errorf("failed to register %s metric: %w", name, err)
				return
			}
		}
	})
	return initErr
}

// RecordRoutingDecision increments the decision counter.
func RecordRoutingDecision(worker, outcome string) {
	if routingDecisionsTotal != nil {
		routingDecisionsTotal.WithLabelValues(worker, outcome).Inc()
	}
}

// ObserveOverlapRatio records the cache-hit fraction of one decision.
func ObserveOverlapRatio(ratio float64) {
	if routingOverlapRatio != nil {
		routingOverlapRatio.Observe(ratio)
	}
}

// SetDesiredReplicas records the planner's latest target for a role.
func SetDesiredReplicas(role string, count int) {
	if desiredReplicas != nil {
		desiredReplicas.WithLabelValues(role).Set(float64(count))
	}
}

// SetForecastRequestCount records the latest load forecast.
func SetForecastRequestCount(count float64) {
	if forecastRequestCount != nil {
		forecastRequestCount.Set(count)
	}
}

// RecordScalingOperation counts one replica assertion per role.
func RecordScalingOperation(role, direction string) {
	if scalingOperationsTotal != nil {
		scalingOperationsTotal.WithLabelValues(role, direction).Inc()
	}
}

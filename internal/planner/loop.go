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

package planner

import (
	"context"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d-incubation/inference-control-plane/internal/collector"
	"github.com/llm-d-incubation/inference-control-plane/internal/logging"
	"github.com/llm-d-incubation/inference-control-plane/internal/metrics"
	"github.com/llm-d-incubation/inference-control-plane/internal/predictor"
	"github.com/llm-d-incubation/inference-control-plane/pkg/config"
)

// Connector is the scaling capability the loop asserts targets through.
type Connector interface {
	// SetReplicas asserts the desired replica count for a role. It
	// must not block on convergence.
	SetReplicas(ctx context.Context, role string, replicas int) error

	// IsConverged reports whether all prior assertions have taken
	// effect. The loop skips a cycle while a change is still rolling
	// out, preventing overlapping scale operations.
	IsConverged(ctx context.Context) bool
}

// Loop drives one planning cycle per adjustment interval.
type Loop struct {
	cfg       config.PlannerConfig
	window    *collector.Window
	pred      predictor.Predictor
	connector Connector
	clock     clock.WithTicker

	corrections Corrections
	last        Targets
}

// NewLoop creates the planning loop. The window is filled elsewhere by
// the collector; the loop only reads it.
func NewLoop(cfg config.PlannerConfig, window *collector.Window, pred predictor.Predictor, connector Connector) *Loop {
	return &Loop{
		cfg:         cfg,
		window:      window,
		pred:        pred,
		connector:   connector,
		clock:       clock.RealClock{},
		corrections: NewCorrections(),
	}
}

// Corrections returns the current correction factors.
func (l *Loop) Corrections() Corrections { return l.corrections }

// Run plans once per adjustment interval until ctx is cancelled. A
// failed cycle is logged and skipped; the next interval recomputes from
// scratch, so no cycle depends on its predecessor having succeeded.
func (l *Loop) Run(ctx context.Context) error {
	logger := ctrl.LoggerFrom(ctx).WithName("planner")
	interval := l.cfg.AdjustmentInterval
	if interval <= 0 {
		interval = config.DefaultAdjustmentInterval
	}
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Capacity planner running",
		"interval", interval, "predictor", l.pred.Name(), "gpuBudget", l.cfg.GPUBudget)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			l.planOnce(ctx, logger)
		}
	}
}

func (l *Loop) planOnce(ctx context.Context, logger logr.Logger) {
	if !l.connector.IsConverged(ctx) {
		logger.Info("Skipping planning cycle, previous scale operation still converging")
		return
	}

	samples := l.window.Samples()
	if len(samples) == 0 {
		logger.V(logging.DEBUG).Info("Skipping planning cycle, no samples collected yet")
		return
	}

	// Fold the latest observation into the correction factors before
	// planning, so this cycle already reacts to last interval's SLA.
	latest := samples[len(samples)-1]
	l.corrections = l.corrections.Update(latest.AvgTTFT, latest.AvgITL, l.cfg.SLA, l.cfg.CorrectionAlpha)

	forecast, err := l.pred.FitPredict(samples)
	if err != nil {
		logger.Error(err, "Forecast failed, skipping planning cycle")
		return
	}
	metrics.SetForecastRequestCount(forecast.RequestCount)

	targets, err := Plan(forecast, l.cfg, l.corrections)
	if err != nil {
		logger.Error(err, "Planning failed, skipping cycle")
		return
	}

	logger.Info("Planned capacity",
		"forecastRequests", forecast.RequestCount,
		"prefillReplicas", targets.PrefillReplicas,
		"decodeReplicas", targets.DecodeReplicas,
		"prefillCorrection", l.corrections.Prefill,
		"decodeCorrection", l.corrections.Decode)

	l.assert(ctx, logger, RolePrefill, targets.PrefillReplicas, l.last.PrefillReplicas)
	l.assert(ctx, logger, RoleDecode, targets.DecodeReplicas, l.last.DecodeReplicas)
	l.last = targets
}

func (l *Loop) assert(ctx context.Context, logger logr.Logger, role string, replicas, previous int) {
	metrics.SetDesiredReplicas(role, replicas)
	if err := l.connector.SetReplicas(ctx, role, replicas); err != nil {
		logger.Error(err, "Failed to assert replica target", "role", role, "replicas", replicas)
		return
	}
	switch {
	case replicas > previous:
		metrics.RecordScalingOperation(role, "up")
	case replicas < previous:
		metrics.RecordScalingOperation(role, "down")
	}
}

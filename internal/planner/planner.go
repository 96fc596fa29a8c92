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

// Package planner converts a load forecast plus SLA targets into target
// replica counts per role. Plan is a pure function; the Loop drives it
// once per adjustment interval, far off the request hot path.
package planner

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"

	"github.com/llm-d-incubation/inference-control-plane/internal/predictor"
	"github.com/llm-d-incubation/inference-control-plane/pkg/config"
)

// Role names, matching the deployment labels of disaggregated serving.
const (
	RolePrefill = "prefill"
	RoleDecode  = "decode"
)

// ErrNoThroughputProfile is returned when a role has no usable
// throughput curve, making capacity math impossible.
var ErrNoThroughputProfile = errors.New("no throughput profile")

// Correction bounds. A correction factor outside this range says the
// throughput profile is wrong, not that the load changed.
const (
	minCorrection = 0.1
	maxCorrection = 10.0
)

// Targets is the planner's output: desired replica counts per role.
type Targets struct {
	PrefillReplicas int
	DecodeReplicas  int
}

// Corrections are EWMA-damped ratios of observed SLA metrics to their
// targets. They bend the throughput tables toward reality without
// letting one noisy interval swing the plan.
type Corrections struct {
	Prefill float64
	Decode  float64
}

// NewCorrections starts both factors at the neutral 1.0.
func NewCorrections() Corrections {
	return Corrections{Prefill: 1, Decode: 1}
}

// Update folds one interval's observed TTFT/ITL (seconds, as sampled
// by the collector) into the factors. SLA targets are in milliseconds.
// Missing observations (zero) leave the corresponding factor untouched.
func (c Corrections) Update(observedTTFT, observedITL float64, sla config.SLATargets, alpha float64) Corrections {
	if alpha <= 0 || alpha > 1 {
		alpha = config.DefaultCorrectionAlpha
	}
	if observedTTFT > 0 && sla.TTFT > 0 {
		c.Prefill = clampCorrection(alpha*(observedTTFT*1000/sla.TTFT) + (1-alpha)*c.Prefill)
	}
	if observedITL > 0 && sla.ITL > 0 {
		c.Decode = clampCorrection(alpha*(observedITL*1000/sla.ITL) + (1-alpha)*c.Decode)
	}
	return c
}

func clampCorrection(v float64) float64 {
	return math.Min(maxCorrection, math.Max(minCorrection, v))
}

// Plan computes target replica counts. It is pure: same inputs, same
// output, no clocks, no I/O.
//
// Each role is first sized independently from its throughput curve,
// then clamped to [minReplicas, budget/gpusPerReplica]. If the combined
// GPU demand still exceeds the budget, both counts shrink
// proportionally, preserving their ratio, never below minReplicas.
func Plan(forecast predictor.Forecast, cfg config.PlannerConfig, corr Corrections) (Targets, error) {
	interval := cfg.AdjustmentInterval.Seconds()
	if interval <= 0 {
		interval = config.DefaultAdjustmentInterval.Seconds()
	}

	prefill, err := planPrefill(forecast, cfg, corr.Prefill, interval)
	if err != nil {
		return Targets{}, err
	}
	decode, err := planDecode(forecast, cfg, corr.Decode, interval)
	if err != nil {
		return Targets{}, err
	}

	// Proportional scaling works from the unclamped demand so the
	// ratio between roles survives an over-budget cycle; per-role
	// bounds apply afterwards.
	t := fitBudget(Targets{PrefillReplicas: prefill, DecodeReplicas: decode}, cfg)
	t.PrefillReplicas = clampRole(t.PrefillReplicas, cfg.Prefill, cfg.GPUBudget)
	t.DecodeReplicas = clampRole(t.DecodeReplicas, cfg.Decode, cfg.GPUBudget)
	return t, nil
}

// planPrefill sizes the prefill pool from prompt-token throughput.
func planPrefill(f predictor.Forecast, cfg config.PlannerConfig, correction, interval float64) (int, error) {
	if len(cfg.Prefill.Points) == 0 {
		return 0, fmt.Errorf("%w for prefill", ErrNoThroughputProfile)
	}
	perGPU, err := interpolateCurve(cfg.Prefill.Points, f.AvgInputLen)
	if err != nil {
		return 0, fmt.Errorf("prefill profile: %w", err)
	}

	required := f.RequestCount * f.AvgInputLen / interval * correction
	return ceilReplicas(required, perGPU, cfg.Prefill.GPUsPerReplica)
}

// planDecode sizes the decode pool from output-token throughput at the
// corrected ITL budget.
func planDecode(f predictor.Forecast, cfg config.PlannerConfig, correction, interval float64) (int, error) {
	if len(cfg.Decode.Curves) == 0 {
		return 0, fmt.Errorf("%w for decode", ErrNoThroughputProfile)
	}

	// A correction above 1 means observed ITL exceeds target: plan
	// against a tighter latency budget to compensate.
	correctedITL := cfg.SLA.ITL
	if correction > 0 {
		correctedITL /= correction
	}
	contextLen := f.AvgInputLen + f.AvgOutputLen

	perGPU, err := interpolateDecode(cfg.Decode.Curves, correctedITL, contextLen)
	if err != nil {
		return 0, fmt.Errorf("decode profile: %w", err)
	}

	required := f.RequestCount * f.AvgOutputLen / interval
	return ceilReplicas(required, perGPU, cfg.Decode.GPUsPerReplica)
}

func ceilReplicas(requiredThroughput, perGPU float64, gpusPerReplica int) (int, error) {
	if perGPU <= 0 {
		return 0, fmt.Errorf("%w: non-positive per-GPU throughput", ErrNoThroughputProfile)
	}
	if gpusPerReplica <= 0 {
		gpusPerReplica = 1
	}
	if requiredThroughput <= 0 {
		return 0, nil
	}
	return int(math.Ceil(requiredThroughput / (perGPU * float64(gpusPerReplica)))), nil
}

// interpolateCurve evaluates a throughput-vs-context-length curve by
// piecewise-linear interpolation, clamping outside the profiled range.
func interpolateCurve(points []config.ThroughputPoint, contextLen float64) (float64, error) {
	if len(points) == 1 {
		return points[0].TokensPerSecond, nil
	}

	sorted := make([]config.ThroughputPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ContextLen < sorted[j].ContextLen })

	xs := make([]float64, len(sorted))
	ys := make([]float64, len(sorted))
	for i, p := range sorted {
		xs[i] = p.ContextLen
		ys[i] = p.TokensPerSecond
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return 0, fmt.Errorf("failed to fit throughput curve: %w", err)
	}
	return pl.Predict(clamp(contextLen, xs[0], xs[len(xs)-1])), nil
}

// interpolateDecode evaluates the decode profile bilinearly: first each
// curve at the context length, then across curves at the ITL budget.
func interpolateDecode(curves []config.DecodeCurve, itl, contextLen float64) (float64, error) {
	sorted := make([]config.DecodeCurve, len(curves))
	copy(sorted, curves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ITL < sorted[j].ITL })

	itls := make([]float64, 0, len(sorted))
	tputs := make([]float64, 0, len(sorted))
	for _, c := range sorted {
		tput, err := interpolateCurve(c.Points, contextLen)
		if err != nil {
			return 0, err
		}
		itls = append(itls, c.ITL)
		tputs = append(tputs, tput)
	}
	if len(itls) == 1 {
		return tputs[0], nil
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(itls, tputs); err != nil {
		return 0, fmt.Errorf("failed to fit decode profile: %w", err)
	}
	return pl.Predict(clamp(itl, itls[0], itls[len(itls)-1])), nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// clampRole bounds one role's count to its floor and the most replicas
// the whole budget could fund.
func clampRole(count int, role config.RoleCapacity, budget int) int {
	minReplicas := role.MinReplicas
	if minReplicas < 0 {
		minReplicas = 0
	}
	if count < minReplicas {
		count = minReplicas
	}
	gpus := role.GPUsPerReplica
	if gpus <= 0 {
		gpus = 1
	}
	if budget > 0 {
		if ceiling := budget / gpus; count > ceiling {
			count = ceiling
		}
	}
	return count
}

// fitBudget shrinks both roles proportionally when their combined GPU
// demand exceeds the budget, preserving the ratio between them. Floors
// win over the budget: infeasible profiles degrade to minReplicas each.
func fitBudget(t Targets, cfg config.PlannerConfig) Targets {
	if cfg.GPUBudget <= 0 {
		return t
	}
	pGPUs := gpusPer(cfg.Prefill)
	dGPUs := gpusPer(cfg.Decode)

	total := t.PrefillReplicas*pGPUs + t.DecodeReplicas*dGPUs
	if total <= cfg.GPUBudget {
		return t
	}

	factor := float64(cfg.GPUBudget) / float64(total)
	t.PrefillReplicas = scaledFloor(t.PrefillReplicas, factor, cfg.Prefill.MinReplicas)
	t.DecodeReplicas = scaledFloor(t.DecodeReplicas, factor, cfg.Decode.MinReplicas)
	return t
}

func gpusPer(role config.RoleCapacity) int {
	if role.GPUsPerReplica <= 0 {
		return 1
	}
	return role.GPUsPerReplica
}

func scaledFloor(count int, factor float64, minReplicas int) int {
	scaled := int(math.Floor(float64(count) * factor))
	if minReplicas < 1 {
		minReplicas = 1
	}
	if scaled < minReplicas {
		return minReplicas
	}
	return scaled
}

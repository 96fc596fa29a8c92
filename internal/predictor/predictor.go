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

// Package predictor forecasts next-interval load from the collector's
// sample window. Strategies share one fit/predict contract so the
// planner stays agnostic of how a forecast is produced.
package predictor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/llm-d-incubation/inference-control-plane/internal/collector"
)

// ErrEmptyWindow is returned when there is nothing to forecast from.
var ErrEmptyWindow = errors.New("sample window is empty")

// ErrInsufficientSamples is returned by a strategy given fewer samples
// than its minimum fit size. The cold-start wrapper converts it into a
// constant carry-forward instead of surfacing it.
var ErrInsufficientSamples = errors.New("insufficient samples for fit")

const (
	// DefaultAROrder is the autoregressive model order.
	DefaultAROrder = 3

	// DefaultSeasonalPeriod is the season length in samples. At the
	// default 180s adjustment interval one period spans 72 minutes.
	DefaultSeasonalPeriod = 24
)

// Forecast is the predicted load for the next adjustment interval.
type Forecast struct {
	RequestCount float64
	AvgInputLen  float64
	AvgOutputLen float64
}

// Predictor is the strategy contract.
type Predictor interface {
	Name() string

	// MinSamples is the smallest window the strategy can fit.
	MinSamples() int

	// FitPredict fits the window and forecasts the next interval.
	FitPredict(window []collector.Sample) (Forecast, error)
}

// New creates the named strategy wrapped in cold-start fallback: below
// the strategy's minimum window the forecast degrades to constant
// carry-forward rather than erroring.
func New(name string) (Predictor, error) {
	var p Predictor
	switch name {
	case "", "constant":
		return Constant{}, nil
	case "autoregressive":
		p = Autoregressive{Order: DefaultAROrder}
	case "seasonal":
		p = Seasonal{Period: DefaultSeasonalPeriod}
	default:
		return nil, fmt.Errorf("unsupported predictor %q", name)
	}
	return coldStart{inner: p}, nil
}

// coldStart falls back to constant carry-forward below the inner
// strategy's minimum fit size.
type coldStart struct {
	inner Predictor
}

func (c coldStart) Name() string    { return c.inner.Name() }
func (c coldStart) MinSamples() int { return 1 }

func (c coldStart) FitPredict(window []collector.Sample) (Forecast, error) {
	if len(window) < c.inner.MinSamples() {
		return Constant{}.FitPredict(window)
	}
	return c.inner.FitPredict(window)
}

// shape forecasts request shape as the window mean. All strategies
// share it; only the request-count series gets strategy-specific
// treatment.
func shape(window []collector.Sample) (inputLen, outputLen float64) {
	for _, s := range window {
		inputLen += s.AvgInputLen
		outputLen += s.AvgOutputLen
	}
	n := float64(len(window))
	return inputLen / n, outputLen / n
}

// Constant carries the last observation forward.
type Constant struct{}

func (Constant) Name() string    { return "constant" }
func (Constant) MinSamples() int { return 1 }

func (Constant) FitPredict(window []collector.Sample) (Forecast, error) {
	if len(window) == 0 {
		return Forecast{}, ErrEmptyWindow
	}
	last := window[len(window)-1]
	return Forecast{
		RequestCount: last.RequestCount,
		AvgInputLen:  last.AvgInputLen,
		AvgOutputLen: last.AvgOutputLen,
	}, nil
}

// Autoregressive fits an AR(p) model to the request-count series by
// ordinary least squares and extrapolates one step.
type Autoregressive struct {
	Order int
}

func (Autoregressive) Name() string { return "autoregressive" }

// MinSamples requires enough rows to overdetermine the p+1 coefficients.
func (a Autoregressive) MinSamples() int { return 2*a.order() + 1 }

func (a Autoregressive) order() int {
	if a.Order <= 0 {
		return DefaultAROrder
	}
	return a.Order
}

func (a Autoregressive) FitPredict(window []collector.Sample) (Forecast, error) {
	if len(window) == 0 {
		return Forecast{}, ErrEmptyWindow
	}
	p := a.order()
	n := len(window)
	if n < a.MinSamples() {
		return Forecast{}, fmt.Errorf("%w: autoregressive order %d needs %d samples, got %d",
			ErrInsufficientSamples, p, a.MinSamples(), n)
	}

	series := make([]float64, n)
	for i, s := range window {
		series[i] = s.RequestCount
	}

	// Rows are [1, y[t-1], ..., y[t-p]] predicting y[t].
	rows := n - p
	design := mat.NewDense(rows, p+1, nil)
	target := mat.NewVecDense(rows, nil)
	for t := p; t < n; t++ {
		row := t - p
		design.Set(row, 0, 1)
		for lag := 1; lag <= p; lag++ {
			design.Set(row, lag, series[t-lag])
		}
		target.SetVec(row, series[t])
	}

	// A Condition error still carries a computed solution; anything
	// else is a hard failure. Degenerate series (e.g. perfectly flat
	// ones make the design matrix rank-deficient) surface as NaN/Inf
	// coefficients and fall back to carry-forward.
	var coeffs mat.VecDense
	if err := coeffs.SolveVec(design, target); err != nil {
		if _, conditioned := err.(mat.Condition); !conditioned {
			return Forecast{}, fmt.Errorf("autoregressive fit failed: %w", err)
		}
	}

	next := coeffs.AtVec(0)
	for lag := 1; lag <= p; lag++ {
		next += coeffs.AtVec(lag) * series[n-lag]
	}
	if math.IsNaN(next) || math.IsInf(next, 0) {
		return Constant{}.FitPredict(window)
	}
	if next < 0 {
		next = 0
	}

	inLen, outLen := shape(window)
	return Forecast{RequestCount: next, AvgInputLen: inLen, AvgOutputLen: outLen}, nil
}

// Seasonal forecasts the next interval as the mean of all observations
// at the same phase of previous periods.
type Seasonal struct {
	Period int
}

func (Seasonal) Name() string { return "seasonal" }

func (s Seasonal) period() int {
	if s.Period <= 0 {
		return DefaultSeasonalPeriod
	}
	return s.Period
}

// MinSamples requires one full period of history.
func (s Seasonal) MinSamples() int { return s.period() }

func (s Seasonal) FitPredict(window []collector.Sample) (Forecast, error) {
	if len(window) == 0 {
		return Forecast{}, ErrEmptyWindow
	}
	period := s.period()
	n := len(window)
	if n < period {
		return Forecast{}, fmt.Errorf("%w: seasonal period %d needs a full period, got %d samples",
			ErrInsufficientSamples, period, n)
	}

	// The next sample's phase, counting phases from the window start.
	phase := n % period
	var sum float64
	var count int
	for i := phase; i < n; i += period {
		sum += window[i].RequestCount
		count++
	}
	if count == 0 {
		return Constant{}.FitPredict(window)
	}

	inLen, outLen := shape(window)
	return Forecast{RequestCount: sum / float64(count), AvgInputLen: inLen, AvgOutputLen: outLen}, nil
}

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

package collector

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// MetricSource produces one workload sample per collection cycle.
// Implementations include PrometheusSource and StaticSource.
type MetricSource interface {
	// Name returns the unique name of this source.
	Name() string

	// Collect returns the workload observed over the last interval.
	Collect(ctx context.Context) (Sample, error)
}

// Queries are the PromQL expressions a PrometheusSource evaluates per
// cycle. The placeholder %RANGE% is replaced with the collection
// interval before evaluation.
type Queries struct {
	RequestCount string
	AvgInputLen  string
	AvgOutputLen string
	AvgTTFT      string
	AvgITL       string
}

// DefaultQueries cover the standard vLLM serving metrics.
func DefaultQueries() Queries {
	return Queries{
		RequestCount: `sum(increase(vllm:request_success_total[%RANGE%]))`,
		AvgInputLen:  `sum(increase(vllm:prompt_tokens_total[%RANGE%])) / sum(increase(vllm:request_success_total[%RANGE%]))`,
		AvgOutputLen: `sum(increase(vllm:generation_tokens_total[%RANGE%])) / sum(increase(vllm:request_success_total[%RANGE%]))`,
		AvgTTFT:      `sum(increase(vllm:time_to_first_token_seconds_sum[%RANGE%])) / sum(increase(vllm:time_to_first_token_seconds_count[%RANGE%]))`,
		AvgITL:       `sum(increase(vllm:time_per_output_token_seconds_sum[%RANGE%])) / sum(increase(vllm:time_per_output_token_seconds_count[%RANGE%]))`,
	}
}

// PrometheusSource samples workload metrics from a Prometheus server.
type PrometheusSource struct {
	api      promv1.API
	interval time.Duration
	queries  Queries
}

// NewPrometheusSource creates a source querying the server at url.
// interval is the range each query aggregates over, normally the
// planner's adjustment interval.
func NewPrometheusSource(url string, interval time.Duration, queries Queries) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: url})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return &PrometheusSource{
		api:      promv1.NewAPI(client),
		interval: interval,
		queries:  queries,
	}, nil
}

// NewPrometheusSourceWithAPI creates a source on an existing API handle.
func NewPrometheusSourceWithAPI(papi promv1.API, interval time.Duration, queries Queries) *PrometheusSource {
	return &PrometheusSource{api: papi, interval: interval, queries: queries}
}

func (p *PrometheusSource) Name() string { return "prometheus" }

// Collect evaluates each configured query at the current instant. A
// query with no data yields zero for its field rather than failing the
// sample; only transport-level failures fail the cycle.
func (p *PrometheusSource) Collect(ctx context.Context) (Sample, error) {
	now := time.Now()
	sample := Sample{Timestamp: now}

	for _, q := range []struct {
		expr string
		dst  *float64
	}{
		{p.queries.RequestCount, &sample.RequestCount},
		{p.queries.AvgInputLen, &sample.AvgInputLen},
		{p.queries.AvgOutputLen, &sample.AvgOutputLen},
		{p.queries.AvgTTFT, &sample.AvgTTFT},
		{p.queries.AvgITL, &sample.AvgITL},
	} {
		if q.expr == "" {
			continue
		}
		v, err := p.scalar(ctx, q.expr, now)
		if err != nil {
			return Sample{}, err
		}
		*q.dst = v
	}
	return sample, nil
}

func (p *PrometheusSource) scalar(ctx context.Context, expr string, ts time.Time) (float64, error) {
	expr = strings.ReplaceAll(expr, "%RANGE%", model.Duration(p.interval).String())
	value, _, err := p.api.Query(ctx, expr, ts)
	if err != nil {
		return 0, fmt.Errorf("query %q failed: %w", expr, err)
	}

	var out float64
	switch v := value.(type) {
	case model.Vector:
		if len(v) > 0 {
			out = float64(v[0].Value)
		}
	case *model.Scalar:
		out = float64(v.Value)
	default:
		return 0, fmt.Errorf("query %q returned unexpected type %s", expr, value.Type())
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		out = 0
	}
	return out, nil
}

// StaticSource replays a fixed sequence of samples, then repeats the
// last one. Used for emulated runs and tests.
type StaticSource struct {
	samples []Sample
	next    int
}

// NewStaticSource creates a source replaying samples in order.
func NewStaticSource(samples ...Sample) *StaticSource {
	return &StaticSource{samples: samples}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Collect(context.Context) (Sample, error) {
	if len(s.samples) == 0 {
		return Sample{Timestamp: time.Now()}, nil
	}
	sample := s.samples[s.next]
	if s.next < len(s.samples)-1 {
		s.next++
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	return sample, nil
}

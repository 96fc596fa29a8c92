// Package collector gathers workload observations for the capacity
// planner.
//
// A MetricSource produces one Sample per collection cycle: request
// count, average input/output lengths, and average TTFT/ITL over the
// interval. The Collector drives the source on a ticker and appends
// samples into a bounded Window, which the predictor later consumes as
// its training series.
//
// # Sources
//
//   - PrometheusSource: evaluates PromQL over a Prometheus server,
//     covering the standard vLLM serving metrics by default
//   - StaticSource: replays a fixed sample sequence for emulated runs
//     and tests
//
// # Failure handling
//
// A failed collection cycle is logged and skipped. The window keeps its
// previous samples, so planning degrades to operating on stale data
// rather than halting.
package collector

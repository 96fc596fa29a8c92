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
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d-incubation/inference-control-plane/internal/logging"
)

// Collector periodically samples a MetricSource into a Window. A failed
// collection cycle is logged and skipped; the window keeps its previous
// contents so the planner can still operate on stale data.
type Collector struct {
	source   MetricSource
	window   *Window
	interval time.Duration
	clock    clock.WithTicker
}

// New creates a Collector sampling source every interval.
func New(source MetricSource, window *Window, interval time.Duration) *Collector {
	return &Collector{
		source:   source,
		window:   window,
		interval: interval,
		clock:    clock.RealClock{},
	}
}

// Window returns the sample window the collector fills.
func (c *Collector) Window() *Window { return c.window }

// Run samples the source every interval until ctx is cancelled. The
// first sample is taken after one full interval so it covers a complete
// observation period.
func (c *Collector) Run(ctx context.Context) error {
	logger := ctrl.LoggerFrom(ctx).WithName("collector")
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("Metrics collector running", "source", c.source.Name(), "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			c.collectOnce(ctx, logger)
		}
	}
}

func (c *Collector) collectOnce(ctx context.Context, logger logr.Logger) {
	cctx, cancel := context.WithTimeout(ctx, c.interval/2)
	defer cancel()

	sample, err := c.source.Collect(cctx)
	if err != nil {
		logger.Error(err, "Collection cycle failed, keeping previous window", "source", c.source.Name())
		return
	}
	c.window.Append(sample)
	logger.V(logging.DEBUG).Info("Collected workload sample",
		"requests", sample.RequestCount,
		"avgInputLen", sample.AvgInputLen,
		"avgOutputLen", sample.AvgOutputLen,
		"avgTTFT", sample.AvgTTFT,
		"avgITL", sample.AvgITL,
		"windowLen", c.window.Len())
}

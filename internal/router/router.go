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

// Package router is the request entry point of the control plane. It
// turns a tokenized sequence into a worker decision: hash the tokens
// into blocks, look up per-worker cache overlap, and submit a scoring
// request to the scheduler under a bounded deadline.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d-incubation/inference-control-plane/internal/kvblock"
	"github.com/llm-d-incubation/inference-control-plane/internal/logging"
	"github.com/llm-d-incubation/inference-control-plane/internal/metrics"
	"github.com/llm-d-incubation/inference-control-plane/internal/registry"
	"github.com/llm-d-incubation/inference-control-plane/internal/scheduler"
	"github.com/llm-d-incubation/inference-control-plane/pkg/config"
)

// ErrSchedulerUnavailable is returned when the scheduler cannot produce
// a decision within the configured deadline or has shut down. Callers
// should fall back to a default policy such as RouteFallback.
var ErrSchedulerUnavailable = errors.New("scheduler unavailable")

// ErrNoWorkers is returned when the live worker set is empty.
var ErrNoWorkers = errors.New("no workers available")

// Scheduling is the scheduler capability the router depends on.
type Scheduling interface {
	Schedule(ctx context.Context, req scheduler.Request) (scheduler.Decision, error)
	Release(requestID string)
}

// WorkerLister provides the candidate set in fixed deterministic order.
type WorkerLister interface {
	Sorted() []registry.WorkerRef
}

// Request is one routing request.
type Request struct {
	// RequestID is minted if empty, and echoed in the decision so the
	// caller can Complete the request later.
	RequestID string

	// Tokens is the tokenized input sequence.
	Tokens []uint32

	// UpdateLoad reserves load on the chosen worker. Callers that set
	// it must call Complete when the request finishes.
	UpdateLoad bool

	// Override optionally replaces the configured scoring parameters
	// for this request only.
	Override *scheduler.Tuning
}

// Decision is a routing decision.
type Decision struct {
	RequestID     string
	Worker        registry.WorkerRef
	OverlapBlocks int
	TotalBlocks   int
}

// Router coordinates the indexer and the scheduler for each request.
type Router struct {
	cfg     config.RouterConfig
	index   kvblock.Index
	sched   Scheduling
	workers WorkerLister

	// round-robin cursor for the fallback policy
	mu     sync.Mutex
	rrNext int
}

// New creates a Router.
func New(cfg config.RouterConfig, index kvblock.Index, sched Scheduling, workers WorkerLister) *Router {
	return &Router{
		cfg:     cfg,
		index:   index,
		sched:   sched,
		workers: workers,
	}
}

// Route selects a worker for the request.
//
// An indexer failure does not fail the request: routing degrades to
// pure load balancing for that request. A scheduler timeout or shutdown
// returns ErrSchedulerUnavailable so the caller can invoke the fallback
// policy instead of blocking the serving path.
func (r *Router) Route(ctx context.Context, req Request) (Decision, error) {
	logger := ctrl.LoggerFrom(ctx).WithName("router")

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	candidates := r.workers.Sorted()
	if len(candidates) == 0 {
		metrics.RecordRoutingDecision("", metrics.OutcomeError)
		return Decision{}, ErrNoWorkers
	}

	blockSize := r.cfg.BlockSize
	if blockSize <= 0 {
		blockSize = config.DefaultBlockSize
	}
	hashes := kvblock.TokensToBlockHashes(req.Tokens, blockSize)

	overlaps, err := r.index.LookupOverlap(ctx, hashes)
	if err != nil {
		logger.Error(err, "Overlap lookup failed, routing without cache affinity", "requestID", requestID)
		overlaps = nil
	}

	deadline := r.cfg.SchedulerDeadline
	if deadline <= 0 {
		deadline = config.DefaultSchedulerDeadline
	}
	schedCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	decision, err := r.sched.Schedule(schedCtx, scheduler.Request{
		RequestID:   requestID,
		Candidates:  candidates,
		Overlaps:    overlaps,
		TotalBlocks: len(hashes),
		InputTokens: len(req.Tokens),
		UpdateLoad:  req.UpdateLoad,
		Override:    req.Override,
	})
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrNoEligibleWorker):
		metrics.RecordRoutingDecision("", metrics.OutcomeError)
		return Decision{}, err
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil,
		errors.Is(err, scheduler.ErrStopped):
		metrics.RecordRoutingDecision("", metrics.OutcomeError)
		return Decision{}, fmt.Errorf("%w: %w", ErrSchedulerUnavailable, err)
	default:
		metrics.RecordRoutingDecision("", metrics.OutcomeError)
		return Decision{}, err
	}

	// Feed the routing decision back into the index. The approximate
	// variant uses it to refresh block lifetimes for the chosen worker.
	if req.UpdateLoad && len(hashes) > 0 {
		r.index.Touch(hashes, decision.Worker)
	}

	metrics.RecordRoutingDecision(decision.Worker.String(), metrics.OutcomeScheduled)
	if len(hashes) > 0 {
		metrics.ObserveOverlapRatio(float64(decision.OverlapBlocks) / float64(len(hashes)))
	}
	logger.V(logging.TRACE).Info("Routed request",
		"requestID", requestID,
		"worker", decision.Worker.String(),
		"overlapBlocks", decision.OverlapBlocks,
		"totalBlocks", len(hashes),
		"score", decision.Score)

	return Decision{
		RequestID:     requestID,
		Worker:        decision.Worker,
		OverlapBlocks: decision.OverlapBlocks,
		TotalBlocks:   len(hashes),
	}, nil
}

// RouteFallback picks the next live worker round-robin, ignoring cache
// affinity and load. It is the degraded-mode policy for when Route
// reports ErrSchedulerUnavailable.
func (r *Router) RouteFallback() (registry.WorkerRef, error) {
	workers := r.workers.Sorted()
	if len(workers) == 0 {
		return registry.WorkerRef{}, ErrNoWorkers
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w := workers[r.rrNext%len(workers)]
	r.rrNext++
	metrics.RecordRoutingDecision(w.String(), metrics.OutcomeFallback)
	return w, nil
}

// Complete releases the load reserved for a request routed with
// UpdateLoad. Safe to call more than once and for unknown ids.
func (r *Router) Complete(requestID string) {
	r.sched.Release(requestID)
}

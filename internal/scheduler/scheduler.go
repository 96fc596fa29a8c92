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

// Package scheduler implements the per-request worker selection engine.
//
// The Scheduler is logically single-writer: many producers submit
// scheduling requests concurrently, but all state mutation — load
// reservation, reservation release, runtime-config updates, eviction —
// is processed by one goroutine draining one channel. This is the
// central safety invariant preventing lost updates and double-counted
// load; there are no shared maps guarded by external locks.
package scheduler

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d-incubation/inference-control-plane/internal/logging"
	"github.com/llm-d-incubation/inference-control-plane/internal/registry"
	"github.com/llm-d-incubation/inference-control-plane/pkg/config"
)

// ErrNoEligibleWorker is returned when the candidate set is empty after
// registry filtering. Callers fall back to a default policy rather than
// blocking.
var ErrNoEligibleWorker = errors.New("no eligible worker")

// ErrStopped is returned for requests submitted after shutdown.
var ErrStopped = errors.New("scheduler stopped")

// ErrMissingRequestID is returned for a load-updating request without a
// request id. Reservations are keyed by id; an anonymous one could
// never be released.
var ErrMissingRequestID = errors.New("request id required to reserve load")

// scoreTolerance is the floating tolerance within which two candidate
// scores are considered tied.
const scoreTolerance = 1e-9

// Liveness is the registry view the scheduler filters candidates with.
type Liveness interface {
	Has(worker registry.WorkerRef) bool
}

// RuntimeConfig normalizes throughput math per worker.
type RuntimeConfig struct {
	GPUCount   int
	EngineType string
}

// Load is a worker's active load accounting: decode blocks reserved and
// prefill tokens in flight. Values never go below zero.
type Load struct {
	DecodeBlocks  int
	PrefillTokens int
}

// Tuning overrides the scoring parameters for a single request.
type Tuning struct {
	OverlapWeight      float64
	DecodeBlockWeight  float64
	PrefillTokenWeight float64
	Temperature        float64
}

// Request is one scheduling request.
type Request struct {
	// RequestID keys the load reservation for a later Release.
	RequestID string

	// Candidates is the worker set the router derived from the
	// registry snapshot. Workers no longer live are discarded.
	Candidates []registry.WorkerRef

	// Overlaps holds per-worker matched-prefix block counts.
	Overlaps map[registry.WorkerRef]int

	// TotalBlocks is the block count of the full sequence, used to
	// normalize overlap. InputTokens is the raw input length.
	TotalBlocks int
	InputTokens int

	// UpdateLoad reserves load on the chosen worker before replying.
	// The caller must Release the reservation on completion or
	// failure, so RequestID must be set.
	UpdateLoad bool

	// Override optionally replaces the configured scoring parameters.
	Override *Tuning
}

// Decision is the scheduler's reply.
type Decision struct {
	Worker        registry.WorkerRef
	Score         float64
	OverlapBlocks int
}

type reservation struct {
	worker registry.WorkerRef
	blocks int
	tokens int
}

type scheduleCmd struct {
	// ctx is the submitting caller's context. The loop consults it
	// before scoring: a command whose caller already gave up must not
	// reserve load nobody will release.
	ctx   context.Context
	req   Request
	reply chan scheduleResult
}

type scheduleResult struct {
	decision Decision
	err      error
}

type releaseCmd struct{ requestID string }

type runtimeCmd struct {
	worker registry.WorkerRef
	cfg    RuntimeConfig
}

type evictCmd struct {
	worker registry.WorkerRef
	done   chan struct{}
}

type resetCmd struct{ done chan struct{} }

type loadsCmd struct {
	reply chan map[registry.WorkerRef]Load
}

// Scheduler owns ActiveLoadState and RuntimeConfig.
type Scheduler struct {
	cfg  config.RouterConfig
	live Liveness

	cmds    chan any
	stopped chan struct{}

	// loop-owned state, touched only by Run
	loads        map[registry.WorkerRef]Load
	runtime      map[registry.WorkerRef]RuntimeConfig
	reservations map[string]reservation
	rng          *rand.Rand
}

// New creates a Scheduler. Run must be started before Schedule is used.
func New(cfg config.RouterConfig, live Liveness) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		live:         live,
		cmds:         make(chan any, 128),
		stopped:      make(chan struct{}),
		loads:        make(map[registry.WorkerRef]Load),
		runtime:      make(map[registry.WorkerRef]RuntimeConfig),
		reservations: make(map[string]reservation),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // selection jitter, not crypto
	}
}

// Run drains the command channel until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := ctrl.LoggerFrom(ctx).WithName("scheduler")
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.cmds:
			switch c := cmd.(type) {
			case scheduleCmd:
				if err := c.ctx.Err(); err != nil {
					c.reply <- scheduleResult{err: err}
					continue
				}
				decision, err := s.schedule(c.req)
				c.reply <- scheduleResult{decision: decision, err: err}
			case releaseCmd:
				s.release(c.requestID)
			case runtimeCmd:
				s.runtime[c.worker] = c.cfg
			case evictCmd:
				s.evict(c.worker)
				close(c.done)
			case resetCmd:
				s.loads = make(map[registry.WorkerRef]Load)
				s.reservations = make(map[string]reservation)
				logger.V(logging.DEBUG).Info("Scheduler state reset")
				close(c.done)
			case loadsCmd:
				snapshot := make(map[registry.WorkerRef]Load, len(s.loads))
				for w, l := range s.loads {
					snapshot[w] = l
				}
				c.reply <- snapshot
			}
		}
	}
}

// Schedule submits a request and waits for the decision, bounded by ctx.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (Decision, error) {
	cmd := scheduleCmd{ctx: ctx, req: req, reply: make(chan scheduleResult, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.stopped:
		return Decision{}, ErrStopped
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res.decision, res.err
	case <-s.stopped:
		return Decision{}, ErrStopped
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Release returns the load reserved for requestID. Safe to call for
// unknown ids; releases never drive load below zero.
func (s *Scheduler) Release(requestID string) {
	select {
	case s.cmds <- releaseCmd{requestID: requestID}:
	case <-s.stopped:
	}
}

// SetRuntimeConfig records per-worker GPU shape used for normalization.
func (s *Scheduler) SetRuntimeConfig(worker registry.WorkerRef, cfg RuntimeConfig) {
	select {
	case s.cmds <- runtimeCmd{worker: worker, cfg: cfg}:
	case <-s.stopped:
	}
}

// EvictWorker drops all accounting for a removed worker. It blocks
// until the eviction is applied, satisfying registry.EvictionObserver.
func (s *Scheduler) EvictWorker(worker registry.WorkerRef) {
	cmd := evictCmd{worker: worker, done: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-s.stopped:
		return
	}
	select {
	case <-cmd.done:
	case <-s.stopped:
	}
}

// Reset clears all load state, e.g. after a process restart upstream.
// Correctness is unaffected; only cache-hit efficiency drops briefly.
func (s *Scheduler) Reset() {
	cmd := resetCmd{done: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-s.stopped:
		return
	}
	select {
	case <-cmd.done:
	case <-s.stopped:
	}
}

// Loads returns a snapshot of current load accounting.
func (s *Scheduler) Loads() map[registry.WorkerRef]Load {
	cmd := loadsCmd{reply: make(chan map[registry.WorkerRef]Load, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.stopped:
		return nil
	}
	select {
	case snapshot := <-cmd.reply:
		return snapshot
	case <-s.stopped:
		return nil
	}
}

func (s *Scheduler) tuning(req Request) Tuning {
	if req.Override != nil {
		return *req.Override
	}
	return Tuning{
		OverlapWeight:      s.cfg.OverlapWeight,
		DecodeBlockWeight:  s.cfg.DecodeBlockWeight,
		PrefillTokenWeight: s.cfg.PrefillTokenWeight,
		Temperature:        s.cfg.Temperature,
	}
}

func (s *Scheduler) gpus(w registry.WorkerRef) float64 {
	if rc, ok := s.runtime[w]; ok && rc.GPUCount > 0 {
		return float64(rc.GPUCount)
	}
	return 1
}

// loadPenalty grows with reserved decode blocks and in-flight prefill
// tokens, normalized per GPU. Tokens are scaled to block units so both
// terms share a magnitude.
func (s *Scheduler) loadPenalty(t Tuning, w registry.WorkerRef) float64 {
	l := s.loads[w]
	gpus := s.gpus(w)
	blockSize := float64(s.cfg.BlockSize)
	if blockSize <= 0 {
		blockSize = float64(config.DefaultBlockSize)
	}
	return t.DecodeBlockWeight*float64(l.DecodeBlocks)/gpus +
		t.PrefillTokenWeight*float64(l.PrefillTokens)/blockSize/gpus
}

type scored struct {
	worker  registry.WorkerRef
	score   float64
	penalty float64
	overlap int
}

func (s *Scheduler) schedule(req Request) (Decision, error) {
	if req.UpdateLoad && req.RequestID == "" {
		return Decision{}, ErrMissingRequestID
	}

	// 1. Discard candidates no longer present in the registry.
	candidates := make([]registry.WorkerRef, 0, len(req.Candidates))
	for _, w := range req.Candidates {
		if s.live.Has(w) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return Decision{}, ErrNoEligibleWorker
	}
	// Deterministic iteration order under equal scores.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })

	t := s.tuning(req)

	// 2. Score each candidate.
	scoredCands := make([]scored, 0, len(candidates))
	for _, w := range candidates {
		normalized := 0.0
		overlap := req.Overlaps[w]
		if req.TotalBlocks > 0 {
			normalized = float64(overlap) / float64(req.TotalBlocks)
		}
		penalty := s.loadPenalty(t, w)
		scoredCands = append(scoredCands, scored{
			worker:  w,
			score:   t.OverlapWeight*normalized - penalty,
			penalty: penalty,
			overlap: overlap,
		})
	}

	// 3-4. Select: arg-max at temperature 0, softmax sampling above.
	var chosen scored
	if t.Temperature > 0 {
		chosen = s.sample(scoredCands, t.Temperature)
	} else {
		chosen = argmax(scoredCands)
	}

	// 5. Reserve load before replying.
	if req.UpdateLoad {
		s.reserve(req, chosen)
	}

	return Decision{
		Worker:        chosen.worker,
		Score:         chosen.score,
		OverlapBlocks: chosen.overlap,
	}, nil
}

// argmax picks the best score; ties within tolerance break by lowest
// load, then by the fixed worker ordering. Candidates arrive sorted, so
// the ordering tie-break is the first hit.
func argmax(cands []scored) scored {
	best := cands[0]
	for _, c := range cands[1:] {
		switch {
		case c.score > best.score+scoreTolerance:
			best = c
		case math.Abs(c.score-best.score) <= scoreTolerance && c.penalty < best.penalty-scoreTolerance:
			best = c
		}
	}
	return best
}

// sample draws from the temperature-scaled softmax over scores. The
// max-shift keeps exponents bounded.
func (s *Scheduler) sample(cands []scored, temperature float64) scored {
	maxScore := cands[0].score
	for _, c := range cands[1:] {
		if c.score > maxScore {
			maxScore = c.score
		}
	}
	weights := make([]float64, len(cands))
	total := 0.0
	for i, c := range cands {
		weights[i] = math.Exp((c.score - maxScore) / temperature)
		total += weights[i]
	}
	r := s.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return cands[i]
		}
	}
	return cands[len(cands)-1]
}

// reserve accounts the request against the chosen worker: every block
// of the sequence occupies decode capacity, and tokens beyond the
// cached prefix need prefill compute.
func (s *Scheduler) reserve(req Request, chosen scored) {
	blockSize := s.cfg.BlockSize
	if blockSize <= 0 {
		blockSize = config.DefaultBlockSize
	}
	prefillTokens := req.InputTokens - chosen.overlap*blockSize
	if prefillTokens < 0 {
		prefillTokens = 0
	}

	l := s.loads[chosen.worker]
	l.DecodeBlocks += req.TotalBlocks
	l.PrefillTokens += prefillTokens
	s.loads[chosen.worker] = l

	s.reservations[req.RequestID] = reservation{
		worker: chosen.worker,
		blocks: req.TotalBlocks,
		tokens: prefillTokens,
	}
}

func (s *Scheduler) release(requestID string) {
	res, ok := s.reservations[requestID]
	if !ok {
		return
	}
	delete(s.reservations, requestID)

	l, ok := s.loads[res.worker]
	if !ok {
		return
	}
	l.DecodeBlocks = max(0, l.DecodeBlocks-res.blocks)
	l.PrefillTokens = max(0, l.PrefillTokens-res.tokens)
	s.loads[res.worker] = l
}

func (s *Scheduler) evict(worker registry.WorkerRef) {
	delete(s.loads, worker)
	delete(s.runtime, worker)
	for id, res := range s.reservations {
		if res.worker == worker {
			delete(s.reservations, id)
		}
	}
}

package router

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d-incubation/inference-control-plane/internal/kvblock"
	"github.com/llm-d-incubation/inference-control-plane/internal/registry"
	"github.com/llm-d-incubation/inference-control-plane/internal/scheduler"
	"github.com/llm-d-incubation/inference-control-plane/pkg/config"
)

type fakeScheduling struct {
	mu       sync.Mutex
	requests []scheduler.Request
	released []string
	decision scheduler.Decision
	err      error
	block    bool
}

func (f *fakeScheduling) Schedule(ctx context.Context, req scheduler.Request) (scheduler.Decision, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return scheduler.Decision{}, ctx.Err()
	}
	return f.decision, f.err
}

func (f *fakeScheduling) Release(requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, requestID)
}

func (f *fakeScheduling) lastRequest() scheduler.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeLister struct{ workers []registry.WorkerRef }

func (f *fakeLister) Sorted() []registry.WorkerRef { return f.workers }

type fakeIndex struct {
	overlaps map[registry.WorkerRef]int
	err      error

	mu      sync.Mutex
	touched [][]kvblock.BlockHash
}

func (f *fakeIndex) LookupOverlap(context.Context, []kvblock.BlockHash) (map[registry.WorkerRef]int, error) {
	return f.overlaps, f.err
}

func (f *fakeIndex) ApplyEvent(context.Context, kvblock.Event) error { return nil }

func (f *fakeIndex) Touch(hashes []kvblock.BlockHash, _ registry.WorkerRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, hashes)
}

func (f *fakeIndex) EvictWorker(registry.WorkerRef) {}

type staticLive struct{ workers sets.Set[registry.WorkerRef] }

func (s staticLive) Has(w registry.WorkerRef) bool          { return s.workers.Has(w) }
func (s staticLive) Snapshot() sets.Set[registry.WorkerRef] { return s.workers.Clone() }

func tokens(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i + 1)
	}
	return out
}

var _ = Describe("Router", func() {
	var (
		cfg    config.RouterConfig
		w1, w2 registry.WorkerRef
		lister *fakeLister
		sched  *fakeScheduling
		index  *fakeIndex
		r      *Router
	)

	BeforeEach(func() {
		cfg = config.RouterConfig{
			BlockSize:          16,
			OverlapWeight:      1.0,
			DecodeBlockWeight:  0.5,
			PrefillTokenWeight: 0.5,
			SchedulerDeadline:  config.DefaultSchedulerDeadline,
		}
		w1 = registry.WorkerRef{ID: "w1", DPRank: registry.NoDPRank}
		w2 = registry.WorkerRef{ID: "w2", DPRank: registry.NoDPRank}
		lister = &fakeLister{workers: []registry.WorkerRef{w1, w2}}
		sched = &fakeScheduling{decision: scheduler.Decision{Worker: w1, OverlapBlocks: 2}}
		index = &fakeIndex{overlaps: map[registry.WorkerRef]int{w1: 2}}
		r = New(cfg, index, sched, lister)
	})

	Context("routing a request", func() {
		It("should hash tokens into blocks and forward overlaps to the scheduler", func() {
			decision, err := r.Route(context.Background(), Request{
				RequestID: "req-1",
				Tokens:    tokens(64),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Worker).To(Equal(w1))
			Expect(decision.RequestID).To(Equal("req-1"))
			Expect(decision.TotalBlocks).To(Equal(4))
			Expect(decision.OverlapBlocks).To(Equal(2))

			req := sched.lastRequest()
			Expect(req.Candidates).To(Equal([]registry.WorkerRef{w1, w2}))
			Expect(req.TotalBlocks).To(Equal(4))
			Expect(req.InputTokens).To(Equal(64))
			Expect(req.Overlaps).To(HaveKeyWithValue(w1, 2))
		})

		It("should mint a request id when the caller omits one", func() {
			decision, err := r.Route(context.Background(), Request{Tokens: tokens(16)})
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.RequestID).NotTo(BeEmpty())
			Expect(sched.lastRequest().RequestID).To(Equal(decision.RequestID))
		})

		It("should touch the index for load-mutating decisions", func() {
			_, err := r.Route(context.Background(), Request{Tokens: tokens(32), UpdateLoad: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(index.touched).To(HaveLen(1))
			Expect(index.touched[0]).To(HaveLen(2))
		})

		It("should not touch the index for advisory decisions", func() {
			_, err := r.Route(context.Background(), Request{Tokens: tokens(32)})
			Expect(err).NotTo(HaveOccurred())
			Expect(index.touched).To(BeEmpty())
		})

		It("should route without cache affinity when the index lookup fails", func() {
			index.err = errors.New("index unavailable")
			decision, err := r.Route(context.Background(), Request{Tokens: tokens(32)})
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Worker).To(Equal(w1))
			Expect(sched.lastRequest().Overlaps).To(BeNil())
		})

		It("should fail with ErrNoWorkers when the registry is empty", func() {
			lister.workers = nil
			_, err := r.Route(context.Background(), Request{Tokens: tokens(16)})
			Expect(err).To(MatchError(ErrNoWorkers))
		})
	})

	Context("scheduler unavailability", func() {
		It("should map a deadline overrun to ErrSchedulerUnavailable", func() {
			cfg.SchedulerDeadline = time.Millisecond
			sched.block = true
			r = New(cfg, index, sched, lister)

			_, err := r.Route(context.Background(), Request{Tokens: tokens(16)})
			Expect(err).To(MatchError(ErrSchedulerUnavailable))
		})

		It("should map scheduler shutdown to ErrSchedulerUnavailable", func() {
			sched.err = scheduler.ErrStopped
			_, err := r.Route(context.Background(), Request{Tokens: tokens(16)})
			Expect(err).To(MatchError(ErrSchedulerUnavailable))
		})

		It("should surface caller cancellation unchanged", func() {
			sched.block = true
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := r.Route(ctx, Request{Tokens: tokens(16)})
			Expect(err).To(MatchError(context.Canceled))
			Expect(errors.Is(err, ErrSchedulerUnavailable)).To(BeFalse())
		})

		It("should surface ErrNoEligibleWorker unchanged", func() {
			sched.err = scheduler.ErrNoEligibleWorker
			_, err := r.Route(context.Background(), Request{Tokens: tokens(16)})
			Expect(err).To(MatchError(scheduler.ErrNoEligibleWorker))
		})
	})

	Context("fallback policy", func() {
		It("should rotate round-robin over the sorted worker set", func() {
			first, err := r.RouteFallback()
			Expect(err).NotTo(HaveOccurred())
			second, err := r.RouteFallback()
			Expect(err).NotTo(HaveOccurred())
			third, err := r.RouteFallback()
			Expect(err).NotTo(HaveOccurred())

			Expect(first).To(Equal(w1))
			Expect(second).To(Equal(w2))
			Expect(third).To(Equal(w1))
		})

		It("should fail when no workers are live", func() {
			lister.workers = nil
			_, err := r.RouteFallback()
			Expect(err).To(MatchError(ErrNoWorkers))
		})
	})

	Context("completion", func() {
		It("should release the scheduler reservation", func() {
			r.Complete("req-1")
			Expect(sched.released).To(Equal([]string{"req-1"}))
		})
	})

	Context("with the exact indexer end to end", func() {
		It("should prefer the worker holding the longest cached prefix", func() {
			live := staticLive{workers: sets.New(w1, w2)}
			idx, err := kvblock.NewIndex(config.IndexerConfig{Mode: config.IndexerExact}, live)
			Expect(err).NotTo(HaveOccurred())

			s := scheduler.New(cfg, live)
			ctx, cancel := context.WithCancel(context.Background())
			DeferCleanup(cancel)
			go func() { _ = s.Run(ctx) }()

			seq := tokens(64)
			hashes := kvblock.TokensToBlockHashes(seq, cfg.BlockSize)
			for _, h := range hashes {
				Expect(idx.ApplyEvent(ctx, kvblock.Event{Hash: h, Worker: w2, Action: kvblock.ActionAdded})).To(Succeed())
			}

			rt := New(cfg, idx, s, &fakeLister{workers: []registry.WorkerRef{w1, w2}})
			decision, err := rt.Route(ctx, Request{RequestID: "req-1", Tokens: seq, UpdateLoad: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Worker).To(Equal(w2))
			Expect(decision.OverlapBlocks).To(Equal(4))

			rt.Complete("req-1")
		})
	})
})

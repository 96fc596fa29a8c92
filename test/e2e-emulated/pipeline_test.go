package e2eemulated

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d-incubation/inference-control-plane/internal/actuator"
	"github.com/llm-d-incubation/inference-control-plane/internal/collector"
	"github.com/llm-d-incubation/inference-control-plane/internal/kvblock"
	"github.com/llm-d-incubation/inference-control-plane/internal/planner"
	"github.com/llm-d-incubation/inference-control-plane/internal/predictor"
	"github.com/llm-d-incubation/inference-control-plane/internal/registry"
	"github.com/llm-d-incubation/inference-control-plane/internal/router"
	"github.com/llm-d-incubation/inference-control-plane/internal/scheduler"
	"github.com/llm-d-incubation/inference-control-plane/pkg/config"
)

func routerConfig() config.RouterConfig {
	return config.RouterConfig{
		BlockSize:          16,
		OverlapWeight:      1.0,
		DecodeBlockWeight:  0.5,
		PrefillTokenWeight: 0.5,
		SchedulerDeadline:  config.DefaultSchedulerDeadline,
	}
}

// storedBatch encodes one vLLM BlockStored event batch for hashes.
func storedBatch(hashes []kvblock.BlockHash) []byte {
	raw := make([]any, 0, len(hashes))
	for _, h := range hashes {
		raw = append(raw, uint64(h))
	}
	ev, err := msgpack.Marshal([]any{kvblock.BlockStoredTag, raw, nil, []uint32{0}, 16, nil, nil})
	Expect(err).NotTo(HaveOccurred())
	payload, err := msgpack.Marshal(&kvblock.EventBatch{
		TS:     float64(time.Now().Unix()),
		Events: []msgpack.RawMessage{ev},
	})
	Expect(err).NotTo(HaveOccurred())
	return payload
}

var _ = Describe("Emulated control plane", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		reg      *registry.Registry
		index    kvblock.Index
		sched    *scheduler.Scheduler
		rt       *router.Router
		messages chan kvblock.Message
		w1, w2   registry.WorkerRef
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)

		w1 = registry.WorkerRef{ID: "worker-1", DPRank: registry.NoDPRank}
		w2 = registry.WorkerRef{ID: "worker-2", DPRank: registry.NoDPRank}

		reg = registry.New()

		var err error
		index, err = kvblock.NewIndex(config.IndexerConfig{Mode: config.IndexerExact}, reg)
		Expect(err).NotTo(HaveOccurred())

		sched = scheduler.New(routerConfig(), reg)
		reg.AddObserver(index)
		reg.AddObserver(sched)

		rt = router.New(routerConfig(), index, sched, reg)

		messages = make(chan kvblock.Message, 16)
		pump := kvblock.NewPump(index, messages)

		go func() { _ = sched.Run(ctx) }()
		go func() { _ = pump.Run(ctx) }()
		go func() {
			_ = reg.Run(ctx, registry.NewStaticDiscovery([]string{w1.ID, w2.ID}))
		}()

		Eventually(func() int { return len(reg.Sorted()) }).Should(Equal(2))
	})

	It("routes toward the worker reporting cached blocks", func() {
		tokens := make([]uint32, 64)
		for i := range tokens {
			tokens[i] = uint32(i)
		}
		hashes := kvblock.TokensToBlockHashes(tokens, 16)

		messages <- kvblock.Message{WorkerID: w2.ID, DPRank: registry.NoDPRank, Payload: storedBatch(hashes)}

		Eventually(func() (registry.WorkerRef, error) {
			decision, err := rt.Route(ctx, router.Request{Tokens: tokens})
			return decision.Worker, err
		}).Should(Equal(w2))

		decision, err := rt.Route(ctx, router.Request{RequestID: "req-1", Tokens: tokens, UpdateLoad: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.OverlapBlocks).To(Equal(4))
		rt.Complete("req-1")
	})

	It("never selects a worker after its removal", func() {
		tokens := make([]uint32, 32)
		hashes := kvblock.TokensToBlockHashes(tokens, 16)
		messages <- kvblock.Message{WorkerID: w1.ID, DPRank: registry.NoDPRank, Payload: storedBatch(hashes)}

		Eventually(func() (registry.WorkerRef, error) {
			decision, err := rt.Route(ctx, router.Request{Tokens: tokens})
			return decision.Worker, err
		}).Should(Equal(w1))

		reg.Apply(registry.Event{Kind: registry.WorkerRemoved, Worker: w1})

		// The removal evicts index and load state synchronously: no
		// later decision may pick w1, and its overlap reads as zero.
		decision, err := rt.Route(ctx, router.Request{Tokens: tokens})
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.Worker).To(Equal(w2))
		Expect(decision.OverlapBlocks).To(BeZero())
	})

	It("plans capacity from replayed samples and notifies targets", func() {
		source := collector.NewStaticSource(
			collector.Sample{RequestCount: 1000, AvgInputLen: 100, AvgOutputLen: 60},
		)
		window := collector.NewWindow(10)
		sample, err := source.Collect(ctx)
		Expect(err).NotTo(HaveOccurred())
		window.Append(sample)

		pred, err := predictor.New("constant")
		Expect(err).NotTo(HaveOccurred())
		forecast, err := pred.FitPredict(window.Samples())
		Expect(err).NotTo(HaveOccurred())

		plannerCfg := config.PlannerConfig{
			AdjustmentInterval: 100 * time.Second,
			CorrectionAlpha:    config.DefaultCorrectionAlpha,
			SLA:                config.SLATargets{TTFT: 500, ITL: 50},
			GPUBudget:          8,
			Prefill: config.RoleCapacity{
				GPUsPerReplica: 1,
				MinReplicas:    1,
				Points:         []config.ThroughputPoint{{ContextLen: 100, TokensPerSecond: 100}},
			},
			Decode: config.RoleCapacity{
				GPUsPerReplica: 1,
				MinReplicas:    1,
				Curves: []config.DecodeCurve{
					{ITL: 50, Points: []config.ThroughputPoint{{ContextLen: 160, TokensPerSecond: 100}}},
				},
			},
		}

		targets, err := planner.Plan(forecast, plannerCfg, planner.NewCorrections())
		Expect(err).NotTo(HaveOccurred())
		// Unclamped 10:6 demand scales into the budget of 8 as 5:3.
		Expect(targets).To(Equal(planner.Targets{PrefillReplicas: 5, DecodeReplicas: 3}))

		notifier := actuator.NewNotifierConnector(4)
		Expect(notifier.SetReplicas(ctx, planner.RolePrefill, targets.PrefillReplicas)).To(Succeed())
		Expect(notifier.SetReplicas(ctx, planner.RoleDecode, targets.DecodeReplicas)).To(Succeed())

		Expect(<-notifier.Targets()).To(Equal(actuator.Target{Role: planner.RolePrefill, Replicas: 5}))
		Expect(<-notifier.Targets()).To(Equal(actuator.Target{Role: planner.RoleDecode, Replicas: 3}))
	})
})

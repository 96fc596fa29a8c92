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

// Package main runs the inference control plane: the KV-cache-aware
// router/scheduler on the request hot path and the SLA-driven capacity
// planner on a slow control loop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d-incubation/inference-control-plane/internal/actuator"
	"github.com/llm-d-incubation/inference-control-plane/internal/collector"
	"github.com/llm-d-incubation/inference-control-plane/internal/kvblock"
	"github.com/llm-d-incubation/inference-control-plane/internal/logging"
	"github.com/llm-d-incubation/inference-control-plane/internal/metrics"
	"github.com/llm-d-incubation/inference-control-plane/internal/planner"
	"github.com/llm-d-incubation/inference-control-plane/internal/predictor"
	"github.com/llm-d-incubation/inference-control-plane/internal/registry"
	"github.com/llm-d-incubation/inference-control-plane/internal/router"
	"github.com/llm-d-incubation/inference-control-plane/internal/scheduler"
	"github.com/llm-d-incubation/inference-control-plane/pkg/config"
)

func main() {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "Path to the configuration file.")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogDevelopment)
	setupLog := ctrl.Log.WithName("setup")

	ctx := ctrl.SetupSignalHandler()
	ctx = ctrl.LoggerInto(ctx, logger)

	var clientset kubernetes.Interface
	if cfg.Discovery.Mode == config.DiscoveryKubernetes || cfg.Actuator.Mode == config.ConnectorDeployment {
		restCfg, err := ctrl.GetConfig()
		if err != nil {
			setupLog.Error(err, "failed to load kubernetes configuration")
			os.Exit(1)
		}
		clientset, err = kubernetes.NewForConfig(restCfg)
		if err != nil {
			setupLog.Error(err, "failed to create kubernetes client")
			os.Exit(1)
		}
	}

	// Hot path: registry -> indexer/scheduler -> router.
	reg := registry.New()

	disc, err := newDiscovery(cfg.Discovery, clientset)
	if err != nil {
		setupLog.Error(err, "failed to create worker discovery")
		os.Exit(1)
	}

	index, err := kvblock.NewIndex(cfg.Indexer, reg)
	if err != nil {
		setupLog.Error(err, "failed to create sequence indexer")
		os.Exit(1)
	}
	sched := scheduler.New(cfg.Router, reg)

	// Eviction order matters: the indexer and scheduler are registered
	// before discovery starts so a removal can never race a decision.
	reg.AddObserver(index)
	reg.AddObserver(sched)

	rt := router.New(cfg.Router, index, sched, reg)

	messages := make(chan kvblock.Message, 1024)
	pump := kvblock.NewPump(index, messages)

	errCh := make(chan error, 8)
	goRun := func(name string, run func(context.Context) error) {
		go func() {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	goRun("scheduler", sched.Run)
	goRun("event pump", pump.Run)
	goRun("registry", func(ctx context.Context) error { return reg.Run(ctx, disc) })

	// Slow loop: collector -> predictor -> planner -> connector.
	if cfg.Prometheus.URL == "" {
		setupLog.Info("Capacity planning disabled: prometheus.url not configured")
	} else {
		window := collector.NewWindow(cfg.Planner.WindowSize)
		source, err := collector.NewPrometheusSource(cfg.Prometheus.URL, cfg.Planner.AdjustmentInterval, collector.DefaultQueries())
		if err != nil {
			setupLog.Error(err, "failed to create prometheus source")
			os.Exit(1)
		}

		pred, err := predictor.New(cfg.Planner.Predictor)
		if err != nil {
			setupLog.Error(err, "failed to create load predictor")
			os.Exit(1)
		}

		connector, err := actuator.New(ctx, cfg.Actuator, clientset)
		if err != nil {
			setupLog.Error(err, "failed to create scaling connector")
			os.Exit(1)
		}
		if notifier, ok := connector.(*actuator.NotifierConnector); ok {
			go logTargets(ctx, notifier)
		}

		goRun("collector", collector.New(source, window, cfg.Planner.AdjustmentInterval).Run)
		goRun("planner", planner.NewLoop(cfg.Planner, window, pred, connector).Run)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.InitMetrics(promRegistry); err != nil {
		setupLog.Error(err, "failed to register metrics")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           newMux(promRegistry, rt, messages),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		setupLog.Info("Serving control-plane endpoints", "addr", cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	setupLog.Info("Inference control plane started",
		"indexer", string(cfg.Indexer.Mode),
		"discovery", string(cfg.Discovery.Mode),
		"predictor", cfg.Planner.Predictor)

	select {
	case <-ctx.Done():
		setupLog.Info("Shutting down on signal")
	case err := <-errCh:
		setupLog.Error(err, "component failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		setupLog.Error(err, "failed to shut down http server cleanly")
	}
}

func newDiscovery(cfg config.DiscoveryConfig, clientset kubernetes.Interface) (registry.Discovery, error) {
	switch cfg.Mode {
	case config.DiscoveryStatic:
		return registry.NewStaticDiscovery(cfg.StaticWorkers), nil
	case config.DiscoveryKubernetes:
		return registry.NewKubeDiscovery(clientset, cfg.Namespace, cfg.LabelSelector), nil
	default:
		return nil, fmt.Errorf("unsupported discovery mode: %q", cfg.Mode)
	}
}

// newMux wires the thin HTTP seam of the control plane: metrics
// exposition, KV-event ingest for the pump, and a minimal route /
// complete surface. Protocol translation for inference traffic itself
// lives in the serving frontend, not here.
func newMux(promRegistry *prometheus.Registry, rt *router.Router, messages chan<- kvblock.Message) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /v1/kv-events/{worker}", ingestHandler(messages))
	mux.HandleFunc("POST /v1/route", routeHandler(rt))
	mux.HandleFunc("POST /v1/complete/{request_id}", completeHandler(rt))
	return mux
}

// ingestHandler accepts one msgpack event batch per request body. The
// worker path segment carries an optional data-parallel rank suffix
// overridden by the batch itself when present.
func ingestHandler(messages chan<- kvblock.Message) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dpRank := registry.NoDPRank
		if v := r.URL.Query().Get("dp_rank"); v != "" {
			if dpRank, err = strconv.Atoi(v); err != nil {
				http.Error(w, "invalid dp_rank", http.StatusBadRequest)
				return
			}
		}
		msg := kvblock.Message{WorkerID: r.PathValue("worker"), DPRank: dpRank, Payload: payload}
		select {
		case messages <- msg:
			w.WriteHeader(http.StatusAccepted)
		default:
			// At-least-once transport: the sender retries.
			http.Error(w, "event queue full", http.StatusServiceUnavailable)
		}
	}
}

type routeRequest struct {
	RequestID  string   `json:"request_id,omitempty"`
	Tokens     []uint32 `json:"tokens"`
	UpdateLoad bool     `json:"update_load,omitempty"`
}

type routeResponse struct {
	RequestID     string `json:"request_id"`
	Worker        string `json:"worker"`
	OverlapBlocks int    `json:"overlap_blocks"`
	TotalBlocks   int    `json:"total_blocks"`
	Fallback      bool   `json:"fallback,omitempty"`
}

func routeHandler(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req routeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<20)).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		decision, err := rt.Route(r.Context(), router.Request{
			RequestID:  req.RequestID,
			Tokens:     req.Tokens,
			UpdateLoad: req.UpdateLoad,
		})
		resp := routeResponse{
			RequestID:     decision.RequestID,
			Worker:        decision.Worker.String(),
			OverlapBlocks: decision.OverlapBlocks,
			TotalBlocks:   decision.TotalBlocks,
		}
		switch {
		case err == nil:
		case errors.Is(err, router.ErrSchedulerUnavailable),
			errors.Is(err, scheduler.ErrNoEligibleWorker):
			worker, ferr := rt.RouteFallback()
			if ferr != nil {
				http.Error(w, ferr.Error(), http.StatusServiceUnavailable)
				return
			}
			resp.RequestID = req.RequestID
			resp.Worker = worker.String()
			resp.Fallback = true
		case errors.Is(err, router.ErrNoWorkers):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func completeHandler(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rt.Complete(r.PathValue("request_id"))
		w.WriteHeader(http.StatusNoContent)
	}
}

// logTargets drains a notifier connector, surfacing replica targets to
// whatever is watching the logs in non-orchestrated deployments.
func logTargets(ctx context.Context, n *actuator.NotifierConnector) {
	logger := ctrl.LoggerFrom(ctx).WithName("notifier")
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-n.Targets():
			logger.V(logging.INFO).Info("Replica target", "role", t.Role, "replicas", t.Replicas)
		}
	}
}

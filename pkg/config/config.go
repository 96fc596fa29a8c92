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

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the config file or environment omits a value.
const (
	DefaultBlockSize          = 32
	DefaultOverlapWeight      = 1.0
	DefaultDecodeBlockWeight  = 0.5
	DefaultPrefillTokenWeight = 0.5
	DefaultTemperature        = 0.0
	DefaultSchedulerDeadline  = 50 * time.Millisecond
	DefaultIndexerTTL         = 120 * time.Second
	DefaultAdjustmentInterval = 180 * time.Second
	DefaultWindowSize         = 50
	DefaultCorrectionAlpha    = 0.3
	DefaultMinReplicas        = 1
)

// IndexerMode selects the Sequence Indexer variant at construction time.
type IndexerMode string

const (
	IndexerExact       IndexerMode = "exact"
	IndexerApproximate IndexerMode = "approximate"
	IndexerDisabled    IndexerMode = "disabled"
)

// DiscoveryMode selects the Worker Registry backing store.
type DiscoveryMode string

const (
	DiscoveryKubernetes DiscoveryMode = "kubernetes"
	DiscoveryStatic     DiscoveryMode = "static"
)

// ConnectorMode selects the Scaling Connector implementation.
type ConnectorMode string

const (
	ConnectorDeployment ConnectorMode = "deployment"
	ConnectorNotifier   ConnectorMode = "notifier"
)

// RouterConfig holds request hot-path settings.
type RouterConfig struct {
	// BlockSize is the number of tokens per KV-cache block hash.
	BlockSize int `mapstructure:"blockSize" yaml:"blockSize"`

	// OverlapWeight scales the normalized cache-overlap term of the score.
	OverlapWeight float64 `mapstructure:"overlapWeight" yaml:"overlapWeight"`

	// DecodeBlockWeight and PrefillTokenWeight scale the load-penalty terms.
	DecodeBlockWeight  float64 `mapstructure:"decodeBlockWeight" yaml:"decodeBlockWeight"`
	PrefillTokenWeight float64 `mapstructure:"prefillTokenWeight" yaml:"prefillTokenWeight"`

	// Temperature is the softmax scale for worker selection.
	// Zero selects the arg-max deterministically.
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`

	// SchedulerDeadline bounds the Router's wait on the Scheduler.
	SchedulerDeadline time.Duration `mapstructure:"schedulerDeadline" yaml:"schedulerDeadline"`
}

// IndexerConfig holds Sequence Indexer settings.
type IndexerConfig struct {
	Mode IndexerMode `mapstructure:"mode" yaml:"mode"`

	// TTL applies to the approximate variant only: how long a worker is
	// assumed to retain a block after last being routed a request
	// containing it.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`

	// MaxBlocks bounds the approximate variant's store (0 = default).
	MaxBlocks int `mapstructure:"maxBlocks" yaml:"maxBlocks"`
}

// DiscoveryConfig holds Worker Registry discovery settings.
type DiscoveryConfig struct {
	Mode DiscoveryMode `mapstructure:"mode" yaml:"mode"`

	// Namespace and LabelSelector apply to the kubernetes mode.
	Namespace     string `mapstructure:"namespace" yaml:"namespace"`
	LabelSelector string `mapstructure:"labelSelector" yaml:"labelSelector"`

	// StaticWorkers lists worker ids for the static mode.
	StaticWorkers []string `mapstructure:"staticWorkers" yaml:"staticWorkers"`
}

// SLATargets are the latency service-level targets the planner maintains.
type SLATargets struct {
	// TTFT is the time-to-first-token target in milliseconds.
	TTFT float64 `mapstructure:"ttft" yaml:"ttft"`

	// ITL is the inter-token-latency target in milliseconds.
	ITL float64 `mapstructure:"itl" yaml:"itl"`
}

// ThroughputPoint is one sample of a per-GPU throughput curve.
type ThroughputPoint struct {
	// ContextLen is the context length (tokens) this point was profiled at.
	ContextLen float64 `mapstructure:"contextLen" yaml:"contextLen"`

	// TokensPerSecond is the sustained per-GPU throughput at that length.
	TokensPerSecond float64 `mapstructure:"tokensPerSecond" yaml:"tokensPerSecond"`
}

// DecodeCurve is a per-GPU decode throughput curve profiled at a fixed
// inter-token-latency budget.
type DecodeCurve struct {
	// ITL is the inter-token latency (ms) the curve was profiled at.
	ITL float64 `mapstructure:"itl" yaml:"itl"`

	Points []ThroughputPoint `mapstructure:"points" yaml:"points"`
}

// RoleCapacity describes one role's replica shape and throughput profile.
type RoleCapacity struct {
	// GPUsPerReplica is how many GPUs one replica of this role occupies.
	GPUsPerReplica int `mapstructure:"gpusPerReplica" yaml:"gpusPerReplica"`

	// MinReplicas is the floor the planner never goes below.
	MinReplicas int `mapstructure:"minReplicas" yaml:"minReplicas"`

	// Points holds the prefill throughput curve (prefill role only).
	Points []ThroughputPoint `mapstructure:"points" yaml:"points"`

	// Curves holds decode throughput curves per ITL budget (decode role only).
	Curves []DecodeCurve `mapstructure:"curves" yaml:"curves"`
}

// PlannerConfig holds the capacity-planning control loop settings.
type PlannerConfig struct {
	// AdjustmentInterval is the period between autoscaling decisions.
	AdjustmentInterval time.Duration `mapstructure:"adjustmentInterval" yaml:"adjustmentInterval"`

	// WindowSize bounds the sliding metrics window used for forecasting.
	WindowSize int `mapstructure:"windowSize" yaml:"windowSize"`

	// Predictor names the forecasting strategy: constant, autoregressive,
	// or seasonal.
	Predictor string `mapstructure:"predictor" yaml:"predictor"`

	SLA SLATargets `mapstructure:"sla" yaml:"sla"`

	// GPUBudget is the total number of GPUs both roles may consume.
	GPUBudget int `mapstructure:"gpuBudget" yaml:"gpuBudget"`

	// CorrectionAlpha is the EWMA weight applied to observed/target SLA
	// ratios when updating correction factors.
	CorrectionAlpha float64 `mapstructure:"correctionAlpha" yaml:"correctionAlpha"`

	// ProfilesFile optionally points at a standalone throughput-profiles
	// file that overrides the inline prefill points and decode curves.
	ProfilesFile string `mapstructure:"profilesFile" yaml:"profilesFile"`

	Prefill RoleCapacity `mapstructure:"prefill" yaml:"prefill"`
	Decode  RoleCapacity `mapstructure:"decode" yaml:"decode"`
}

// PrometheusConfig holds the metrics source connection settings.
type PrometheusConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ActuatorConfig holds Scaling Connector settings.
type ActuatorConfig struct {
	Mode ConnectorMode `mapstructure:"mode" yaml:"mode"`

	// Namespace and per-role deployment names apply to the deployment mode.
	Namespace         string `mapstructure:"namespace" yaml:"namespace"`
	PrefillDeployment string `mapstructure:"prefillDeployment" yaml:"prefillDeployment"`
	DecodeDeployment  string `mapstructure:"decodeDeployment" yaml:"decodeDeployment"`
}

// Config is the top-level control-plane configuration.
type Config struct {
	LogLevel       string `mapstructure:"logLevel" yaml:"logLevel"`
	LogDevelopment bool   `mapstructure:"logDevelopment" yaml:"logDevelopment"`

	// MetricsAddr is the bind address of the /metrics endpoint.
	MetricsAddr string `mapstructure:"metricsAddr" yaml:"metricsAddr"`

	Router     RouterConfig     `mapstructure:"router" yaml:"router"`
	Indexer    IndexerConfig    `mapstructure:"indexer" yaml:"indexer"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery" yaml:"discovery"`
	Planner    PlannerConfig    `mapstructure:"planner" yaml:"planner"`
	Prometheus PrometheusConfig `mapstructure:"prometheus" yaml:"prometheus"`
	Actuator   ActuatorConfig   `mapstructure:"actuator" yaml:"actuator"`
}

// Load reads configuration from the given file (optional) and ICP_*
// environment variables, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ICP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Planner.ProfilesFile != "" {
		if err := cfg.Planner.LoadProfiles(cfg.Planner.ProfilesFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("metricsAddr", ":8080")

	v.SetDefault("router.blockSize", DefaultBlockSize)
	v.SetDefault("router.overlapWeight", DefaultOverlapWeight)
	v.SetDefault("router.decodeBlockWeight", DefaultDecodeBlockWeight)
	v.SetDefault("router.prefillTokenWeight", DefaultPrefillTokenWeight)
	v.SetDefault("router.temperature", DefaultTemperature)
	v.SetDefault("router.schedulerDeadline", DefaultSchedulerDeadline)

	v.SetDefault("indexer.mode", string(IndexerExact))
	v.SetDefault("indexer.ttl", DefaultIndexerTTL)

	v.SetDefault("discovery.mode", string(DiscoveryKubernetes))
	v.SetDefault("discovery.labelSelector", "llm-d.ai/role")

	v.SetDefault("planner.adjustmentInterval", DefaultAdjustmentInterval)
	v.SetDefault("planner.windowSize", DefaultWindowSize)
	v.SetDefault("planner.predictor", "constant")
	v.SetDefault("planner.correctionAlpha", DefaultCorrectionAlpha)
	v.SetDefault("planner.prefill.minReplicas", DefaultMinReplicas)
	v.SetDefault("planner.prefill.gpusPerReplica", 1)
	v.SetDefault("planner.decode.minReplicas", DefaultMinReplicas)
	v.SetDefault("planner.decode.gpusPerReplica", 1)

	v.SetDefault("actuator.mode", string(ConnectorNotifier))
}

// Validate checks for invalid configuration values.
func (c *Config) Validate() error {
	if c.Router.BlockSize <= 0 {
		return fmt.Errorf("router.blockSize must be positive, got %d", c.Router.BlockSize)
	}
	if c.Router.Temperature < 0 {
		return fmt.Errorf("router.temperature must be >= 0, got %.3f", c.Router.Temperature)
	}
	if c.Router.SchedulerDeadline <= 0 {
		return fmt.Errorf("router.schedulerDeadline must be positive, got %s", c.Router.SchedulerDeadline)
	}
	switch c.Indexer.Mode {
	case IndexerExact, IndexerApproximate, IndexerDisabled:
	default:
		return fmt.Errorf("unknown indexer.mode %q", c.Indexer.Mode)
	}
	if c.Indexer.Mode == IndexerApproximate && c.Indexer.TTL <= 0 {
		return fmt.Errorf("indexer.ttl must be positive for the approximate indexer, got %s", c.Indexer.TTL)
	}
	switch c.Discovery.Mode {
	case DiscoveryKubernetes, DiscoveryStatic:
	default:
		return fmt.Errorf("unknown discovery.mode %q", c.Discovery.Mode)
	}
	if c.Discovery.Mode == DiscoveryStatic && len(c.Discovery.StaticWorkers) == 0 {
		return fmt.Errorf("discovery.staticWorkers must not be empty in static mode")
	}
	if err := c.Planner.Validate(); err != nil {
		return err
	}
	switch c.Actuator.Mode {
	case ConnectorDeployment, ConnectorNotifier:
	default:
		return fmt.Errorf("unknown actuator.mode %q", c.Actuator.Mode)
	}
	return nil
}

// Validate checks the planner section.
func (p *PlannerConfig) Validate() error {
	if p.AdjustmentInterval <= 0 {
		return fmt.Errorf("planner.adjustmentInterval must be positive, got %s", p.AdjustmentInterval)
	}
	if p.WindowSize <= 0 {
		return fmt.Errorf("planner.windowSize must be positive, got %d", p.WindowSize)
	}
	if p.CorrectionAlpha <= 0 || p.CorrectionAlpha > 1 {
		return fmt.Errorf("planner.correctionAlpha must be in (0, 1], got %.3f", p.CorrectionAlpha)
	}
	if p.GPUBudget < 0 {
		return fmt.Errorf("planner.gpuBudget must be >= 0, got %d", p.GPUBudget)
	}
	for role, rc := range map[string]RoleCapacity{"prefill": p.Prefill, "decode": p.Decode} {
		if rc.GPUsPerReplica <= 0 {
			return fmt.Errorf("planner.%s.gpusPerReplica must be positive, got %d", role, rc.GPUsPerReplica)
		}
		if rc.MinReplicas < 0 {
			return fmt.Errorf("planner.%s.minReplicas must be >= 0, got %d", role, rc.MinReplicas)
		}
	}
	return nil
}

// Package config provides configuration for the inference control plane.
//
// Configuration is loaded once at startup from an optional YAML file and
// ICP_* environment variables, validated, and passed by value to the
// components that need it. There is no hot reload: routing weights and
// planner profiles change with a restart.
//
// Configuration Types:
//
//   - RouterConfig: block size, scoring weights, scheduler deadline
//   - IndexerConfig: exact / approximate / disabled variant selection
//   - DiscoveryConfig: kubernetes or static worker discovery
//   - PlannerConfig: adjustment interval, SLA targets, GPU budget,
//     per-role throughput profiles
//   - ActuatorConfig: deployment or notifier scaling connector
//
// Precedence:
//
//  1. Environment variables (ICP_ROUTER_BLOCKSIZE=...)
//  2. Config file values
//  3. Defaults
//
// Example usage:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Error(err, "failed to load configuration")
//	    os.Exit(1)
//	}
//
// All values are validated at load time: numeric ranges (temperature
// >= 0, block size > 0), mode enums, and cross-field constraints such
// as throughput profiles being present when planning is enabled.
package config

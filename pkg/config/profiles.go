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
	"os"

	"gopkg.in/yaml.v3"
)

// ThroughputProfiles is a standalone benchmark-profile document. Profiles
// are typically produced by an offline profiling job and mounted next to
// the main config, so they can be swapped per accelerator or model
// without touching the rest of the configuration.
type ThroughputProfiles struct {
	Prefill struct {
		Points []ThroughputPoint `yaml:"points"`
	} `yaml:"prefill"`
	Decode struct {
		Curves []DecodeCurve `yaml:"curves"`
	} `yaml:"decode"`
}

// LoadProfiles reads a throughput-profiles file and overrides the
// planner's prefill points and decode curves with its contents.
func (p *PlannerConfig) LoadProfiles(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profiles file %s: %w", path, err)
	}

	var profiles ThroughputProfiles
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}

	if len(profiles.Prefill.Points) == 0 {
		return fmt.Errorf("profiles file %s has no prefill points", path)
	}
	if len(profiles.Decode.Curves) == 0 {
		return fmt.Errorf("profiles file %s has no decode curves", path)
	}
	for i, pt := range profiles.Prefill.Points {
		if pt.ContextLen <= 0 || pt.TokensPerSecond <= 0 {
			return fmt.Errorf("profiles file %s: prefill point %d must be positive", path, i)
		}
	}
	for i, curve := range profiles.Decode.Curves {
		if curve.ITL <= 0 {
			return fmt.Errorf("profiles file %s: decode curve %d has non-positive itl", path, i)
		}
		if len(curve.Points) == 0 {
			return fmt.Errorf("profiles file %s: decode curve %d has no points", path, i)
		}
		for j, pt := range curve.Points {
			if pt.ContextLen <= 0 || pt.TokensPerSecond <= 0 {
				return fmt.Errorf("profiles file %s: decode curve %d point %d must be positive", path, i, j)
			}
		}
	}

	p.Prefill.Points = profiles.Prefill.Points
	p.Decode.Curves = profiles.Decode.Curves
	return nil
}

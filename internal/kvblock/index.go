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

package kvblock

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/inference-control-plane/internal/registry"
	"github.com/llm-d-incubation/inference-control-plane/pkg/config"
)

// Liveness is the registry view the index needs: which workers are live.
type Liveness interface {
	Has(worker registry.WorkerRef) bool
	Snapshot() sets.Set[registry.WorkerRef]
}

// Index is the Sequence Indexer capability set. The variant (exact,
// approximate, disabled) is chosen once at construction.
//
// LookupOverlap is read-mostly and safe for concurrent readers; event
// application is serialized per affected key by each implementation.
type Index interface {
	// LookupOverlap returns, per live worker, the count of leading
	// contiguous blocks of hashes that are present on that worker.
	// KV-cache reuse requires an unbroken prefix starting at block 0;
	// a match starting mid-sequence contributes zero. Workers unknown
	// to the registry report zero rather than failing the lookup.
	LookupOverlap(ctx context.Context, hashes []BlockHash) (map[registry.WorkerRef]int, error)

	// ApplyEvent applies one block add/remove notification. Applying
	// an added event for an already-present block is a no-op.
	ApplyEvent(ctx context.Context, ev Event) error

	// Touch records that a request containing hashes was just routed
	// to worker. Only the approximate variant uses this signal.
	Touch(hashes []BlockHash, worker registry.WorkerRef)

	// EvictWorker drops all state for a removed worker. It satisfies
	// registry.EvictionObserver so the index can be wired directly as
	// a registry observer.
	EvictWorker(worker registry.WorkerRef)
}

// NewIndex creates the Index variant selected by cfg.
func NewIndex(cfg config.IndexerConfig, live Liveness) (Index, error) {
	switch cfg.Mode {
	case config.IndexerExact:
		return newMemIndex(live), nil
	case config.IndexerApproximate:
		ttl := cfg.TTL
		if ttl <= 0 {
			ttl = config.DefaultIndexerTTL
		}
		return newTTLIndex(live, ttl, cfg.MaxBlocks, clock.RealClock{})
	case config.IndexerDisabled:
		return disabledIndex{}, nil
	default:
		return nil, fmt.Errorf("unsupported indexer mode: %q", cfg.Mode)
	}
}

// disabledIndex reports zero overlap for everything, degrading routing
// to pure load balancing.
type disabledIndex struct{}

func (disabledIndex) LookupOverlap(context.Context, []BlockHash) (map[registry.WorkerRef]int, error) {
	return map[registry.WorkerRef]int{}, nil
}

func (disabledIndex) ApplyEvent(context.Context, Event) error { return nil }

func (disabledIndex) Touch([]BlockHash, registry.WorkerRef) {}

func (disabledIndex) EvictWorker(registry.WorkerRef) {}

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
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/inference-control-plane/internal/registry"
)

// DefaultMaxBlocks bounds the approximate index when the config leaves
// it unset.
const DefaultMaxBlocks = 1 << 20

type ttlEntry struct {
	hash   BlockHash
	worker registry.WorkerRef
}

// ttlIndex is the approximate variant, used when explicit eviction
// events are unavailable. A worker is assumed to retain a block for a
// fixed TTL after last being routed a request containing it; once the
// TTL elapses the overlap decays to zero. The index fails toward "not
// cached": it never under-reports eviction.
type ttlIndex struct {
	live  Liveness
	ttl   time.Duration
	clock clock.PassiveClock

	// entries is an LRU of (hash, worker) -> last routed time. The LRU
	// bound caps memory; staleness is checked against the clock on read
	// so expiry does not depend on background sweeps.
	entries *lru.Cache[ttlEntry, time.Time]
}

func newTTLIndex(live Liveness, ttl time.Duration, maxBlocks int, clk clock.PassiveClock) (*ttlIndex, error) {
	if maxBlocks <= 0 {
		maxBlocks = DefaultMaxBlocks
	}
	entries, err := lru.New[ttlEntry, time.Time](maxBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to create ttl index store: %w", err)
	}
	return &ttlIndex{
		live:    live,
		ttl:     ttl,
		clock:   clk,
		entries: entries,
	}, nil
}

func (idx *ttlIndex) fresh(e ttlEntry) bool {
	seen, ok := idx.entries.Get(e)
	if !ok {
		return false
	}
	if idx.clock.Since(seen) >= idx.ttl {
		idx.entries.Remove(e)
		return false
	}
	return true
}

// LookupOverlap counts, per live worker, the leading contiguous blocks
// whose TTL has not elapsed.
func (idx *ttlIndex) LookupOverlap(_ context.Context, hashes []BlockHash) (map[registry.WorkerRef]int, error) {
	overlaps := make(map[registry.WorkerRef]int)
	if len(hashes) == 0 {
		return overlaps, nil
	}

	for w := range idx.live.Snapshot() {
		n := 0
		for _, h := range hashes {
			if !idx.fresh(ttlEntry{hash: h, worker: w}) {
				break
			}
			n++
		}
		if n > 0 {
			overlaps[w] = n
		}
	}
	return overlaps, nil
}

// ApplyEvent treats an added event as a freshness signal and a removed
// event as an immediate expiry.
func (idx *ttlIndex) ApplyEvent(_ context.Context, ev Event) error {
	switch ev.Action {
	case ActionAdded:
		idx.Touch([]BlockHash{ev.Hash}, ev.Worker)
	case ActionRemoved:
		idx.entries.Remove(ttlEntry{hash: ev.Hash, worker: ev.Worker})
	}
	return nil
}

// Touch refreshes the TTL of every block just routed to the worker.
func (idx *ttlIndex) Touch(hashes []BlockHash, worker registry.WorkerRef) {
	now := idx.clock.Now()
	for _, h := range hashes {
		idx.entries.Add(ttlEntry{hash: h, worker: worker}, now)
	}
}

// EvictWorker drops all entries for the worker.
func (idx *ttlIndex) EvictWorker(worker registry.WorkerRef) {
	for _, key := range idx.entries.Keys() {
		if key.worker == worker {
			idx.entries.Remove(key)
		}
	}
}

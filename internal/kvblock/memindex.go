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
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d-incubation/inference-control-plane/internal/registry"
)

// memIndex is the exact variant: it mirrors the at-least-once block
// add/remove event stream emitted by the workers.
type memIndex struct {
	mu   sync.RWMutex
	live Liveness

	// blocks maps a block hash to the workers caching it.
	blocks map[BlockHash]sets.Set[registry.WorkerRef]
	// byWorker is the reverse mapping, kept for O(worker) eviction.
	byWorker map[registry.WorkerRef]sets.Set[BlockHash]
}

func newMemIndex(live Liveness) *memIndex {
	return &memIndex{
		live:     live,
		blocks:   make(map[BlockHash]sets.Set[registry.WorkerRef]),
		byWorker: make(map[registry.WorkerRef]sets.Set[BlockHash]),
	}
}

// LookupOverlap computes the longest contiguous prefix match per worker:
// the candidate set starts with the live holders of block 0 and shrinks
// by intersection block after block.
func (idx *memIndex) LookupOverlap(_ context.Context, hashes []BlockHash) (map[registry.WorkerRef]int, error) {
	overlaps := make(map[registry.WorkerRef]int)
	if len(hashes) == 0 {
		return overlaps, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	active := sets.New[registry.WorkerRef]()
	for w := range idx.blocks[hashes[0]] {
		if idx.live.Has(w) {
			active.Insert(w)
			overlaps[w] = 1
		}
	}

	for i := 1; i < len(hashes) && active.Len() > 0; i++ {
		holders := idx.blocks[hashes[i]]
		for w := range active {
			if !holders.Has(w) {
				active.Delete(w)
				continue
			}
			overlaps[w]++
		}
	}
	return overlaps, nil
}

func (idx *memIndex) ApplyEvent(_ context.Context, ev Event) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	switch ev.Action {
	case ActionAdded:
		holders, ok := idx.blocks[ev.Hash]
		if !ok {
			holders = sets.New[registry.WorkerRef]()
			idx.blocks[ev.Hash] = holders
		}
		if holders.Has(ev.Worker) {
			// at-least-once delivery: duplicate add is a no-op
			return nil
		}
		holders.Insert(ev.Worker)

		owned, ok := idx.byWorker[ev.Worker]
		if !ok {
			owned = sets.New[BlockHash]()
			idx.byWorker[ev.Worker] = owned
		}
		owned.Insert(ev.Hash)

	case ActionRemoved:
		if holders, ok := idx.blocks[ev.Hash]; ok {
			holders.Delete(ev.Worker)
			if holders.Len() == 0 {
				delete(idx.blocks, ev.Hash)
			}
		}
		if owned, ok := idx.byWorker[ev.Worker]; ok {
			owned.Delete(ev.Hash)
			if owned.Len() == 0 {
				delete(idx.byWorker, ev.Worker)
			}
		}
	}
	return nil
}

// Touch is a no-op: the exact variant is driven by worker events only.
func (idx *memIndex) Touch([]BlockHash, registry.WorkerRef) {}

// EvictWorker drops every record for the worker, synchronously with its
// registry removal.
func (idx *memIndex) EvictWorker(worker registry.WorkerRef) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	owned, ok := idx.byWorker[worker]
	if !ok {
		return
	}
	for hash := range owned {
		if holders, ok := idx.blocks[hash]; ok {
			holders.Delete(worker)
			if holders.Len() == 0 {
				delete(idx.blocks, hash)
			}
		}
	}
	delete(idx.byWorker, worker)
}

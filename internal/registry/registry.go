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

// Package registry maintains the authoritative live worker set.
//
// The Registry consumes a watch-based Discovery feed and fans worker
// add/remove events out to the rest of the control plane. Removal is
// applied atomically with respect to concurrent selection: eviction
// observers (indexer, scheduler) run synchronously under the registry
// lock before any subscriber sees the event, so a decision made after a
// removal can never select the removed worker.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d-incubation/inference-control-plane/internal/logging"
)

// NoDPRank indicates a worker without a data-parallel rank.
const NoDPRank = -1

// WorkerRef identifies a routable unit: one worker process, optionally
// one data-parallel rank within it.
type WorkerRef struct {
	ID     string
	DPRank int
}

// String returns "id" or "id@dpN".
func (w WorkerRef) String() string {
	if w.DPRank == NoDPRank {
		return w.ID
	}
	return fmt.Sprintf("%s@dp%d", w.ID, w.DPRank)
}

// Less provides the fixed deterministic ordering used for tie-breaking:
// lexicographic id, then rank.
func (w WorkerRef) Less(o WorkerRef) bool {
	if w.ID != o.ID {
		return w.ID < o.ID
	}
	return w.DPRank < o.DPRank
}

// EventKind is the kind of a registry event.
type EventKind string

const (
	// WorkerAdded indicates a worker joined the live set.
	WorkerAdded EventKind = "added"
	// WorkerRemoved indicates a worker left the live set.
	WorkerRemoved EventKind = "removed"
)

// Event is one worker add/remove notification.
type Event struct {
	Kind   EventKind
	Worker WorkerRef
}

// Discovery is the capability the registry's backing store must provide.
// It is assumed strongly consistent for liveness.
type Discovery interface {
	// List returns the current worker set.
	List(ctx context.Context) ([]WorkerRef, error)
	// Watch streams add/remove events until ctx is cancelled.
	Watch(ctx context.Context) (<-chan Event, error)
}

// EvictionObserver is notified synchronously when a worker is removed,
// before any subscriber observes the removal.
type EvictionObserver interface {
	EvictWorker(worker WorkerRef)
}

// Registry tracks the live worker set.
type Registry struct {
	mu        sync.RWMutex
	workers   sets.Set[WorkerRef]
	observers []EvictionObserver
	subs      map[int]chan Event
	nextSubID int
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		workers: sets.New[WorkerRef](),
		subs:    make(map[int]chan Event),
	}
}

// AddObserver registers an eviction observer. Observers must be
// registered before Run starts applying events.
func (r *Registry) AddObserver(o EvictionObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Snapshot returns a copy of the live worker set.
func (r *Registry) Snapshot() sets.Set[WorkerRef] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers.Clone()
}

// Has reports whether the worker is currently live.
func (r *Registry) Has(w WorkerRef) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers.Has(w)
}

// Sorted returns the live workers in the fixed deterministic order.
func (r *Registry) Sorted() []WorkerRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.workers.UnsortedList()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Subscribe returns a channel of registry events. The channel is closed
// when ctx is cancelled. Subscribers that fall behind lose events;
// correctness-relevant eviction goes through AddObserver instead.
func (r *Registry) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)

	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subs[id] = ch
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Apply applies one discovery event. Registration is idempotent and a
// duplicate removal is a no-op; neither produces a fan-out event.
//
// The membership mutation is the atomic gate: once Apply removes a
// worker from the set, Has reports false for every later decision.
// Observers then garbage-collect derived state (indexer records, load
// accounting) before any subscriber sees the event; they run outside
// the membership lock so they may consult the registry freely.
// Apply is intended for a single caller (the Run loop).
func (r *Registry) Apply(ev Event) {
	r.mu.Lock()
	switch ev.Kind {
	case WorkerAdded:
		if r.workers.Has(ev.Worker) {
			r.mu.Unlock()
			return
		}
		r.workers.Insert(ev.Worker)
	case WorkerRemoved:
		if !r.workers.Has(ev.Worker) {
			r.mu.Unlock()
			return
		}
		r.workers.Delete(ev.Worker)
	default:
		r.mu.Unlock()
		return
	}
	observers := r.observers
	r.mu.Unlock()

	if ev.Kind == WorkerRemoved {
		for _, o := range observers {
			o.EvictWorker(ev.Worker)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			ctrl.Log.V(logging.DEBUG).Info("Dropping registry event for slow subscriber",
				"kind", ev.Kind, "worker", ev.Worker.String())
		}
	}
}

// Run seeds the registry from Discovery.List and then applies the watch
// stream until ctx is cancelled or the stream closes.
func (r *Registry) Run(ctx context.Context, d Discovery) error {
	initial, err := d.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}
	for _, w := range initial {
		r.Apply(Event{Kind: WorkerAdded, Worker: w})
	}

	events, err := d.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch workers: %w", err)
	}

	ctrl.Log.Info("Worker registry running", "initialWorkers", len(initial))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("discovery watch stream closed")
			}
			r.Apply(ev)
		}
	}
}

package kvblock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d-incubation/inference-control-plane/internal/registry"
	"github.com/llm-d-incubation/inference-control-plane/pkg/config"
)

// fakeLiveness is a registry stand-in with a mutable live set.
type fakeLiveness struct {
	workers sets.Set[registry.WorkerRef]
}

func newFakeLiveness(workers ...registry.WorkerRef) *fakeLiveness {
	return &fakeLiveness{workers: sets.New(workers...)}
}

func (f *fakeLiveness) Has(w registry.WorkerRef) bool {
	return f.workers.Has(w)
}

func (f *fakeLiveness) Snapshot() sets.Set[registry.WorkerRef] {
	return f.workers.Clone()
}

var (
	workerA = registry.WorkerRef{ID: "worker-a", DPRank: registry.NoDPRank}
	workerB = registry.WorkerRef{ID: "worker-b", DPRank: registry.NoDPRank}
)

func TestTokensToBlockHashes(t *testing.T) {
	tokens := []uint32{1, 2, 3, 4, 5, 6, 7, 8}

	a := TokensToBlockHashes(tokens, 4)
	b := TokensToBlockHashes(tokens, 4)
	require.Len(t, a, 2)
	assert.Equal(t, a, b, "hashing must be deterministic")

	// A shared prefix yields identical leading hashes.
	extended := TokensToBlockHashes(append(tokens, 9, 10, 11, 12), 4)
	require.Len(t, extended, 3)
	assert.Equal(t, a, extended[:2])

	// Diverging tokens in block 0 change every chained hash.
	diverged := TokensToBlockHashes([]uint32{9, 2, 3, 4, 5, 6, 7, 8}, 4)
	assert.NotEqual(t, a[0], diverged[0])
	assert.NotEqual(t, a[1], diverged[1])

	// Partial trailing blocks are ignored.
	assert.Len(t, TokensToBlockHashes([]uint32{1, 2, 3, 4, 5}, 4), 1)
	assert.Nil(t, TokensToBlockHashes([]uint32{1, 2, 3}, 4))
	assert.Nil(t, TokensToBlockHashes(tokens, 0))
}

func applyAdds(t *testing.T, idx Index, worker registry.WorkerRef, hashes ...BlockHash) {
	t.Helper()
	for _, h := range hashes {
		require.NoError(t, idx.ApplyEvent(context.Background(), Event{
			Hash: h, Worker: worker, Action: ActionAdded,
		}))
	}
}

func TestMemIndexPrefixOverlap(t *testing.T) {
	hashes := []BlockHash{10, 11, 12, 13}

	tests := []struct {
		name    string
		held    map[registry.WorkerRef][]BlockHash
		want    map[registry.WorkerRef]int
	}{
		{
			name: "full prefix",
			held: map[registry.WorkerRef][]BlockHash{workerA: {10, 11, 12, 13}},
			want: map[registry.WorkerRef]int{workerA: 4},
		},
		{
			name: "gap stops the match",
			held: map[registry.WorkerRef][]BlockHash{workerA: {10, 11, 13}},
			want: map[registry.WorkerRef]int{workerA: 2},
		},
		{
			name: "mid-sequence match contributes zero",
			held: map[registry.WorkerRef][]BlockHash{workerA: {11, 12, 13}},
			want: map[registry.WorkerRef]int{},
		},
		{
			name: "independent per-worker scores",
			held: map[registry.WorkerRef][]BlockHash{
				workerA: {10},
				workerB: {10, 11, 12},
			},
			want: map[registry.WorkerRef]int{workerA: 1, workerB: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := newMemIndex(newFakeLiveness(workerA, workerB))
			for w, held := range tt.held {
				applyAdds(t, idx, w, held...)
			}
			got, err := idx.LookupOverlap(context.Background(), hashes)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemIndexDuplicateAddIsIdempotent(t *testing.T) {
	live := newFakeLiveness(workerA)
	once := newMemIndex(live)
	twice := newMemIndex(live)

	ev := Event{Hash: 42, Worker: workerA, Action: ActionAdded}
	require.NoError(t, once.ApplyEvent(context.Background(), ev))
	require.NoError(t, twice.ApplyEvent(context.Background(), ev))
	require.NoError(t, twice.ApplyEvent(context.Background(), ev))

	wantOnce, err := once.LookupOverlap(context.Background(), []BlockHash{42})
	require.NoError(t, err)
	gotTwice, err := twice.LookupOverlap(context.Background(), []BlockHash{42})
	require.NoError(t, err)
	assert.Equal(t, wantOnce, gotTwice)

	// Removal after the duplicate add still fully clears the record.
	require.NoError(t, twice.ApplyEvent(context.Background(), Event{
		Hash: 42, Worker: workerA, Action: ActionRemoved,
	}))
	got, err := twice.LookupOverlap(context.Background(), []BlockHash{42})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemIndexUnknownWorkerReportsZero(t *testing.T) {
	live := newFakeLiveness(workerA)
	idx := newMemIndex(live)
	applyAdds(t, idx, workerA, 1, 2)
	applyAdds(t, idx, workerB, 1, 2) // workerB is not in the registry

	got, err := idx.LookupOverlap(context.Background(), []BlockHash{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[registry.WorkerRef]int{workerA: 2}, got)
}

func TestMemIndexEvictWorker(t *testing.T) {
	live := newFakeLiveness(workerA, workerB)
	idx := newMemIndex(live)
	applyAdds(t, idx, workerA, 1, 2, 3)
	applyAdds(t, idx, workerB, 1)

	idx.EvictWorker(workerA)
	live.workers.Delete(workerA)

	got, err := idx.LookupOverlap(context.Background(), []BlockHash{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[registry.WorkerRef]int{workerB: 1}, got)

	// Eviction of an unknown worker is harmless.
	idx.EvictWorker(registry.WorkerRef{ID: "ghost", DPRank: registry.NoDPRank})
}

func TestMemIndexOverlapMonotonicity(t *testing.T) {
	idx := newMemIndex(newFakeLiveness(workerA))
	hashes := []BlockHash{1, 2, 3, 4}

	applyAdds(t, idx, workerA, 1, 2)
	before, err := idx.LookupOverlap(context.Background(), hashes)
	require.NoError(t, err)

	// Extending the cached prefix cannot decrease the overlap.
	applyAdds(t, idx, workerA, 3)
	after, err := idx.LookupOverlap(context.Background(), hashes)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after[workerA], before[workerA])
	assert.Equal(t, 3, after[workerA])
}

func TestNewIndexModes(t *testing.T) {
	live := newFakeLiveness(workerA)

	for _, mode := range []config.IndexerMode{
		config.IndexerExact, config.IndexerApproximate, config.IndexerDisabled,
	} {
		idx, err := NewIndex(config.IndexerConfig{Mode: mode, TTL: config.DefaultIndexerTTL}, live)
		require.NoError(t, err, "mode %s", mode)
		require.NotNil(t, idx)
	}

	_, err := NewIndex(config.IndexerConfig{Mode: "bogus"}, live)
	assert.Error(t, err)
}

func TestDisabledIndexAlwaysZero(t *testing.T) {
	idx, err := NewIndex(config.IndexerConfig{Mode: config.IndexerDisabled}, newFakeLiveness(workerA))
	require.NoError(t, err)

	applyAdds(t, idx, workerA, 1, 2, 3)
	got, err := idx.LookupOverlap(context.Background(), []BlockHash{1, 2, 3})
	require.NoError(t, err)
	assert.Empty(t, got)
}

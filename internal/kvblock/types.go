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

// Package kvblock maps content-addressed KV-cache blocks to the workers
// currently holding them.
//
// The index is an advisory locality cache, not a correctness ledger: it
// is rebuilt from the live worker stream after a cold restart and
// self-heals from the ongoing event stream. A lookup never returns a
// worker absent from the registry.
package kvblock

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/llm-d-incubation/inference-control-plane/internal/registry"
)

// BlockHash is the content hash of one fixed-size block of tokens.
type BlockHash uint64

// EmptyBlockHash is the zero value, used as the chain seed.
const EmptyBlockHash BlockHash = 0

// String returns the decimal representation of the hash.
func (h BlockHash) String() string {
	return fmt.Sprintf("%d", uint64(h))
}

// TokensToBlockHashes splits a token sequence into fixed-size blocks and
// computes a chained digest per block: each block's hash covers the
// previous block's hash plus the block's tokens, so equal hashes at
// position i imply equal token prefixes through position i. Tokens that
// do not fill a complete block are ignored.
func TokensToBlockHashes(tokens []uint32, blockSize int) []BlockHash {
	if blockSize <= 0 {
		return nil
	}
	numBlocks := len(tokens) / blockSize
	if numBlocks == 0 {
		return nil
	}

	hashes := make([]BlockHash, numBlocks)
	buf := make([]byte, 8+4*blockSize)
	prev := uint64(EmptyBlockHash)

	for i := 0; i < numBlocks; i++ {
		binary.LittleEndian.PutUint64(buf[:8], prev)
		block := tokens[i*blockSize : (i+1)*blockSize]
		for j, tok := range block {
			binary.LittleEndian.PutUint32(buf[8+4*j:], tok)
		}
		prev = xxhash.Sum64(buf)
		hashes[i] = BlockHash(prev)
	}
	return hashes
}

// Action is the kind of a KV-cache block event.
type Action string

const (
	// ActionAdded indicates a worker stored the block.
	ActionAdded Action = "added"
	// ActionRemoved indicates a worker evicted the block.
	ActionRemoved Action = "removed"
)

// Event is one block add/remove notification from a worker's KV-cache
// event channel. Delivery is at-least-once; re-applying an identical
// added event must be a no-op.
type Event struct {
	Hash      BlockHash
	Worker    registry.WorkerRef
	Action    Action
	Timestamp time.Time
}

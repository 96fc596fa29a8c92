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
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d-incubation/inference-control-plane/internal/logging"
	"github.com/llm-d-incubation/inference-control-plane/internal/registry"
)

// vLLM encodes KV-cache events as msgpack arrays whose first element is
// the event tag:
//
//	["BlockStored", block_hashes, parent_block_hash, token_ids, block_size, lora_id, medium]
//	["BlockRemoved", block_hashes, medium]
//	["AllBlocksCleared"]
//
// Block hashes arrive either as integers (legacy) or as 8-byte
// big-endian byte strings.
const (
	// BlockStoredTag is the tag for BlockStored events.
	BlockStoredTag = "BlockStored"
	// BlockRemovedTag is the tag for BlockRemoved events.
	BlockRemovedTag = "BlockRemoved"
	// AllBlocksClearedTag is the tag for AllBlocksCleared events.
	AllBlocksClearedTag = "AllBlocksCleared"
)

// EventBatch is one batch of events from a worker, encoded as an array
// to match vLLM's format.
type EventBatch struct {
	_                struct{} `msgpack:",array"`
	TS               float64
	Events           []msgpack.RawMessage
	DataParallelRank *int `msgpack:",omitempty"`
}

// Message is one raw event-channel payload attributed to a worker.
type Message struct {
	WorkerID string
	DPRank   int
	Payload  []byte
}

// DecodeEvents decodes one message into index events. cleared reports
// an AllBlocksCleared marker, which callers map to a full worker evict.
func DecodeEvents(msg Message) (worker registry.WorkerRef, events []Event, cleared bool, err error) {
	var batch EventBatch
	if err := msgpack.Unmarshal(msg.Payload, &batch); err != nil {
		return registry.WorkerRef{}, nil, false, fmt.Errorf("failed to decode event batch: %w", err)
	}

	rank := msg.DPRank
	if batch.DataParallelRank != nil {
		rank = *batch.DataParallelRank
	}
	worker = registry.WorkerRef{ID: msg.WorkerID, DPRank: rank}
	ts := time.Unix(0, int64(batch.TS*float64(time.Second)))

	for _, raw := range batch.Events {
		var fields []any
		if err := msgpack.Unmarshal(raw, &fields); err != nil {
			return worker, nil, false, fmt.Errorf("failed to decode event: %w", err)
		}
		if len(fields) == 0 {
			return worker, nil, false, fmt.Errorf("empty event in batch")
		}
		tag, ok := fields[0].(string)
		if !ok {
			return worker, nil, false, fmt.Errorf("event tag is not a string: %T", fields[0])
		}

		switch tag {
		case BlockStoredTag, BlockRemovedTag:
			if len(fields) < 2 {
				return worker, nil, false, fmt.Errorf("%s event missing block hashes", tag)
			}
			hashes, err := decodeBlockHashes(fields[1])
			if err != nil {
				return worker, nil, false, fmt.Errorf("%s event: %w", tag, err)
			}
			action := ActionAdded
			if tag == BlockRemovedTag {
				action = ActionRemoved
			}
			for _, h := range hashes {
				events = append(events, Event{
					Hash:      h,
					Worker:    worker,
					Action:    action,
					Timestamp: ts,
				})
			}
		case AllBlocksClearedTag:
			cleared = true
		default:
			return worker, nil, false, fmt.Errorf("unknown event tag %q", tag)
		}
	}
	return worker, events, cleared, nil
}

func decodeBlockHashes(v any) ([]BlockHash, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("block hashes are not a list: %T", v)
	}
	hashes := make([]BlockHash, 0, len(list))
	for _, item := range list {
		h, err := decodeBlockHash(item)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

func decodeBlockHash(v any) (BlockHash, error) {
	switch h := v.(type) {
	case uint64:
		return BlockHash(h), nil
	case int64:
		return BlockHash(uint64(h)), nil //nolint:gosec // hash bits, not a quantity
	case int:
		return BlockHash(uint64(h)), nil //nolint:gosec // hash bits, not a quantity
	case uint:
		return BlockHash(h), nil
	case []byte:
		if len(h) != 8 {
			return 0, fmt.Errorf("block hash bytes must be length 8, got %d", len(h))
		}
		return BlockHash(binary.BigEndian.Uint64(h)), nil
	default:
		return 0, fmt.Errorf("unsupported block hash type %T", v)
	}
}

// Pump drains a worker event channel into the index. Delivery is
// at-least-once: undecodable payloads are logged and skipped so a
// malformed batch never stalls the stream.
type Pump struct {
	index    Index
	messages <-chan Message
}

// NewPump creates a pump from messages into index.
func NewPump(index Index, messages <-chan Message) *Pump {
	return &Pump{index: index, messages: messages}
}

// Run applies events until ctx is cancelled or the channel closes.
func (p *Pump) Run(ctx context.Context) error {
	logger := ctrl.LoggerFrom(ctx).WithName("kvevent-pump")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-p.messages:
			if !ok {
				return nil
			}
			worker, events, cleared, err := DecodeEvents(msg)
			if err != nil {
				logger.Error(err, "Skipping undecodable event batch", "worker", msg.WorkerID)
				continue
			}
			if cleared {
				p.index.EvictWorker(worker)
			}
			for _, ev := range events {
				if err := p.index.ApplyEvent(ctx, ev); err != nil {
					logger.Error(err, "Failed to apply event",
						"worker", worker.String(), "hash", ev.Hash.String(), "action", ev.Action)
				}
			}
			logger.V(logging.TRACE).Info("Applied event batch",
				"worker", worker.String(), "events", len(events), "cleared", cleared)
		}
	}
}

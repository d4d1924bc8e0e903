// Package source defines the upstream node interface the router consumes:
// a header subscription plus block and header fetches. Two concrete
// implementations exist — a websocket push feed for Bitcoin and an HTTP
// event-observer receiver for Stacks. Both deliver headers at least once
// and not necessarily in order; the fork graph absorbs that.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chainhook-labs/chainhookd/internal/store"
	"github.com/chainhook-labs/chainhookd/pkg/bitcoin"
	"github.com/chainhook-labs/chainhookd/pkg/predicate"
	"github.com/chainhook-labs/chainhookd/pkg/stacks"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// ErrUnavailable indicates the upstream node could not be reached.
var ErrUnavailable = errors.New("upstream unavailable")

// ErrMalformed indicates the upstream delivered an undecodable block or
// header. The coordinator logs and skips it without advancing.
var ErrMalformed = errors.New("upstream malformed")

// Source is the block-source contract consumed by the coordinator.
type Source interface {
	// Subscribe returns a channel of headers. The channel closes when ctx
	// is cancelled or the subscription terminally fails.
	Subscribe(ctx context.Context) (<-chan store.HeaderRecord, error)
	// GetBlock fetches a full block body by hash.
	GetBlock(ctx context.Context, hash types.Hash) (*Block, error)
	// GetHeaderByHeight fetches the upstream's current header at a height.
	GetHeaderByHeight(ctx context.Context, height uint64) (store.HeaderRecord, error)
}

// Block is the chain-tagged union of parsed block shapes. Exactly one of
// Bitcoin/Stacks is set.
type Block struct {
	Chain   types.Chain
	Bitcoin *bitcoin.Block
	Stacks  *stacks.Block
}

// Header extracts the chain-agnostic header record.
func (b *Block) Header() store.HeaderRecord {
	switch {
	case b.Bitcoin != nil:
		return store.HeaderRecord{
			ID:        b.Bitcoin.Header.BlockID,
			Parent:    b.Bitcoin.Header.ParentHash,
			Timestamp: b.Bitcoin.Header.Timestamp,
		}
	case b.Stacks != nil:
		return store.HeaderRecord{
			ID:        b.Stacks.Header.BlockID,
			Parent:    b.Stacks.Header.ParentHash,
			Timestamp: b.Stacks.Header.Timestamp,
			Anchor:    b.Stacks.Header.Anchor,
		}
	}
	return store.HeaderRecord{}
}

// Encode serializes the block body for the block store.
func (b *Block) Encode() ([]byte, error) {
	switch {
	case b.Bitcoin != nil:
		return json.Marshal(b.Bitcoin)
	case b.Stacks != nil:
		return json.Marshal(b.Stacks)
	}
	return nil, fmt.Errorf("empty block union")
}

// Decode deserializes a stored block body for the given chain.
func Decode(chain types.Chain, body []byte) (*Block, error) {
	switch chain {
	case types.ChainBitcoin:
		var blk bitcoin.Block
		if err := json.Unmarshal(body, &blk); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &Block{Chain: chain, Bitcoin: &blk}, nil
	case types.ChainStacks:
		var blk stacks.Block
		if err := json.Unmarshal(body, &blk); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &Block{Chain: chain, Stacks: &blk}, nil
	}
	return nil, fmt.Errorf("%w: unknown chain %q", ErrMalformed, chain)
}

// Match evaluates a predicate against the block.
func (b *Block) Match(p *predicate.Predicate) []predicate.Occurrence {
	switch {
	case b.Bitcoin != nil && p.Chain == types.ChainBitcoin:
		return predicate.MatchBitcoin(b.Bitcoin, p)
	case b.Stacks != nil && p.Chain == types.ChainStacks:
		return predicate.MatchStacks(b.Stacks, p)
	}
	return nil
}

// Package store persists blocks, headers, and the canonical-height index
// for one chain. It is append-only: blocks are written once and never
// mutated; only the canonical index is rewritten on reorgs.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chainhook-labs/chainhookd/internal/storage"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// ErrNotFound is returned when a block, header, or canonical entry is absent.
var ErrNotFound = errors.New("not found")

// Key prefixes and state keys for the block store.
var (
	prefixHeader    = []byte("h|") // h|<height BE8>|<hash 32> -> header JSON
	prefixBlock     = []byte("b|") // b|<hash 32>              -> block JSON
	prefixCanonical = []byte("c|") // c|<height BE8>           -> hash 32
	keyTip          = []byte("s|tip")
)

// blockCacheSize bounds the encoded block-body cache in front of the database.
const blockCacheSize = 64

// HeaderRecord is the chain-agnostic header shape the store and fork graph
// operate on.
type HeaderRecord struct {
	ID        types.BlockID `json:"block_identifier"`
	Parent    types.Hash    `json:"parent_hash"`
	Timestamp uint64        `json:"timestamp"`
	// Anchor is the L1 anchor for L2 headers; zero for L1 headers.
	Anchor types.BlockID `json:"anchor,omitempty"`
}

// BlockStore persists one chain's blocks to a prefixed partition of the
// shared database.
type BlockStore struct {
	root  storage.DB
	db    *storage.PrefixDB
	cache *lru.Cache[types.Hash, []byte]
}

// New creates a block store over the chain's partition of the root
// database. The partition prefix is derived from the chain name ("l1/",
// "l2/").
func New(root storage.DB, chain types.Chain) *BlockStore {
	prefix := "l2/"
	if chain == types.ChainBitcoin {
		prefix = "l1/"
	}
	cache, _ := lru.New[types.Hash, []byte](blockCacheSize)
	return &BlockStore{
		root:  root,
		db:    storage.NewPrefixDB(root, []byte(prefix)),
		cache: cache,
	}
}

// NewBatch opens an atomic write batch over the root database. Callers
// group block writes, canonical reindexing, and registry cursor advances
// into one batch so a reader after restart sees either all of the edit or
// none of it.
func (bs *BlockStore) NewBatch() storage.Batch {
	return bs.root.NewBatch()
}

// scoped narrows a root batch to this store's partition.
func (bs *BlockStore) scoped(batch storage.Batch) storage.Batch {
	return bs.db.WrapBatch(batch)
}

// PutBlock writes a block body and its header. Idempotent on (height, hash).
func (bs *BlockStore) PutBlock(h HeaderRecord, body []byte) error {
	batch := bs.NewBatch()
	if err := bs.PutBlockBatch(batch, h, body); err != nil {
		return err
	}
	return batch.Commit()
}

// PutBlockBatch stages a block write into an existing root batch.
func (bs *BlockStore) PutBlockBatch(batch storage.Batch, h HeaderRecord, body []byte) error {
	b := bs.scoped(batch)
	hdr, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("header marshal: %w", err)
	}
	if err := b.Put(headerKey(h.ID), hdr); err != nil {
		return fmt.Errorf("header put: %w", err)
	}
	if err := b.Put(blockKey(h.ID.Hash), body); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	bs.cache.Add(h.ID.Hash, body)
	return nil
}

// GetBlock retrieves a block body by hash.
func (bs *BlockStore) GetBlock(hash types.Hash) ([]byte, error) {
	if body, ok := bs.cache.Get(hash); ok {
		return body, nil
	}
	body, err := bs.db.Get(blockKey(hash))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: block %s", ErrNotFound, hash.Short())
	}
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	bs.cache.Add(hash, body)
	return body, nil
}

// HasBlock checks if a block body exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	if bs.cache.Contains(hash) {
		return true, nil
	}
	return bs.db.Has(blockKey(hash))
}

// GetHeader retrieves a header by block ID.
func (bs *BlockStore) GetHeader(id types.BlockID) (HeaderRecord, error) {
	data, err := bs.db.Get(headerKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return HeaderRecord{}, fmt.Errorf("%w: header %s", ErrNotFound, id)
	}
	if err != nil {
		return HeaderRecord{}, fmt.Errorf("header get: %w", err)
	}
	var h HeaderRecord
	if err := json.Unmarshal(data, &h); err != nil {
		return HeaderRecord{}, fmt.Errorf("header unmarshal: %w", err)
	}
	return h, nil
}

// CanonicalHash returns the canonical block hash at a height.
func (bs *BlockStore) CanonicalHash(height uint64) (types.Hash, error) {
	data, err := bs.db.Get(canonicalKey(height))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return types.Hash{}, fmt.Errorf("%w: no canonical block at height %d", ErrNotFound, height)
	}
	if err != nil {
		return types.Hash{}, fmt.Errorf("canonical get: %w", err)
	}
	if len(data) != types.HashSize {
		return types.Hash{}, fmt.Errorf("corrupt canonical index at height %d: got %d bytes", height, len(data))
	}
	var hash types.Hash
	copy(hash[:], data)
	return hash, nil
}

// ReindexCanonicalBatch stages a canonical-index write; it overwrites any
// previous hash at that height.
func (bs *BlockStore) ReindexCanonicalBatch(batch storage.Batch, height uint64, hash types.Hash) error {
	return bs.scoped(batch).Put(canonicalKey(height), hash[:])
}

// UnindexCanonicalBatch stages removal of the canonical entry at a height.
// Used for rollbacks above the new tip.
func (bs *BlockStore) UnindexCanonicalBatch(batch storage.Batch, height uint64) error {
	return bs.scoped(batch).Delete(canonicalKey(height))
}

// ScanRange iterates canonical blocks in ascending height order over the
// inclusive range [lo, hi]. Heights with no canonical entry end the scan;
// fn receives the height and the raw block body.
func (bs *BlockStore) ScanRange(lo, hi uint64, fn func(height uint64, body []byte) error) error {
	for h := lo; h <= hi; h++ {
		hash, err := bs.CanonicalHash(h)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		body, err := bs.GetBlock(hash)
		if err != nil {
			return err
		}
		if err := fn(h, body); err != nil {
			return err
		}
	}
	return nil
}

// SetTipBatch stages the canonical tip pointer into a batch.
func (bs *BlockStore) SetTipBatch(batch storage.Batch, tip types.BlockID) error {
	data, err := json.Marshal(tip)
	if err != nil {
		return fmt.Errorf("tip marshal: %w", err)
	}
	return bs.scoped(batch).Put(keyTip, data)
}

// Tip returns the persisted canonical tip. Returns ErrNotFound on a fresh
// database.
func (bs *BlockStore) Tip() (types.BlockID, error) {
	data, err := bs.db.Get(keyTip)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return types.BlockID{}, ErrNotFound
	}
	if err != nil {
		return types.BlockID{}, fmt.Errorf("tip get: %w", err)
	}
	var tip types.BlockID
	if err := json.Unmarshal(data, &tip); err != nil {
		return types.BlockID{}, fmt.Errorf("tip unmarshal: %w", err)
	}
	return tip, nil
}

func headerKey(id types.BlockID) []byte {
	key := make([]byte, 0, len(prefixHeader)+8+1+types.HashSize)
	key = append(key, prefixHeader...)
	key = binary.BigEndian.AppendUint64(key, id.Height)
	key = append(key, '|')
	key = append(key, id.Hash[:]...)
	return key
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, 0, len(prefixBlock)+types.HashSize)
	key = append(key, prefixBlock...)
	key = append(key, hash[:]...)
	return key
}

func canonicalKey(height uint64) []byte {
	key := make([]byte, 0, len(prefixCanonical)+8)
	key = append(key, prefixCanonical...)
	key = binary.BigEndian.AppendUint64(key, height)
	return key
}

package predicate

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// Occurrence is one predicate match: the transaction reference plus a
// per-variant payload extracted at match time so the dispatcher never
// re-scans the block.
type Occurrence struct {
	BlockID types.BlockID `json:"block_identifier"`
	TxIndex uint32        `json:"tx_index"`
	TxID    types.Hash    `json:"txid"`
	// Payload carries variant-specific detail (matched output, event,
	// inscription, ...). Nil for block-scope matches.
	Payload any `json:"payload,omitempty"`
}

// Fingerprint returns a stable identity for the occurrence within one
// predicate's delivery stream. The coordinator uses it to deduplicate the
// live matches it buffers while the predicate's backfill runs.
func (o Occurrence) Fingerprint(predicateUUID string) [32]byte {
	h := blake3.New()
	h.Write([]byte(predicateUUID))
	h.Write(o.BlockID.Hash[:])
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], o.TxIndex)
	h.Write(idx[:])
	h.Write(o.TxID[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

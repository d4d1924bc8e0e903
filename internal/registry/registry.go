// Package registry is the durable table of registered predicates and their
// progress watermarks. Status transitions and cursor advances are atomic;
// the cursor advance can also join a block-store batch so dispatch progress
// and the chain edit commit together.
package registry

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chainhook-labs/chainhookd/internal/storage"
	"github.com/chainhook-labs/chainhookd/pkg/predicate"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// Registry errors.
var (
	ErrNotFound = errors.New("predicate not found")
	ErrExists   = errors.New("predicate already registered")
)

// Record is one registered predicate with its lifecycle state.
type Record struct {
	Predicate predicate.Predicate `json:"predicate"`
	Status    predicate.Status    `json:"status"`
	// Occurrences counts successfully delivered occurrences, for the
	// expire_after_occurrence cap.
	Occurrences uint64 `json:"occurrences"`
	// Failures counts dispatch attempts that exhausted their retries.
	Failures uint64 `json:"failures"`
}

// Registry stores predicate records in the preds/ partition and cursors in
// the prog/ partition of the shared database.
type Registry struct {
	mu    sync.Mutex
	preds *storage.PrefixDB
	prog  *storage.PrefixDB
	log   zerolog.Logger
}

// New opens the registry over the root database.
func New(root storage.DB, logger zerolog.Logger) *Registry {
	return &Registry{
		preds: storage.NewPrefixDB(root, []byte("preds/")),
		prog:  storage.NewPrefixDB(root, []byte("prog/")),
		log:   logger,
	}
}

// Register inserts a validated predicate with status New. The initial
// cursor is start_block-1 when a start is set, otherwise the chain tip, so
// evaluation begins exactly where the caller asked.
func (r *Registry) Register(p *predicate.Predicate, tipHeight uint64) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := recordKey(p.Chain, p.UUID)
	if ok, err := r.preds.Has(key); err != nil {
		return fmt.Errorf("registry check: %w", err)
	} else if ok {
		return fmt.Errorf("%w: %s", ErrExists, p.UUID)
	}

	cursor := tipHeight
	if p.Bounds.StartBlock != nil && *p.Bounds.StartBlock > 0 {
		cursor = *p.Bounds.StartBlock - 1
	}

	rec := Record{Predicate: *p, Status: predicate.StatusNew}
	if err := r.putRecord(key, &rec); err != nil {
		return err
	}
	if err := r.putCursor(p.Chain, p.UUID, cursor); err != nil {
		return err
	}

	r.log.Info().
		Str("predicate_uuid", p.UUID).
		Str("chain", string(p.Chain)).
		Uint64("cursor", cursor).
		Msg("predicate registered")
	return nil
}

// Get returns the record for (chain, uuid).
func (r *Registry) Get(chain types.Chain, uuid string) (Record, error) {
	data, err := r.preds.Get(recordKey(chain, uuid))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	if err != nil {
		return Record{}, fmt.Errorf("registry get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("registry unmarshal: %w", err)
	}
	return rec, nil
}

// List returns all records for a chain, in key order.
func (r *Registry) List(chain types.Chain) ([]Record, error) {
	var out []Record
	prefix := []byte(string(chain) + "|")
	err := r.preds.ForEach(prefix, func(_, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("registry unmarshal: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ListAll returns every record across both chains.
func (r *Registry) ListAll() ([]Record, error) {
	l1, err := r.List(types.ChainBitcoin)
	if err != nil {
		return nil, err
	}
	l2, err := r.List(types.ChainStacks)
	if err != nil {
		return nil, err
	}
	return append(l1, l2...), nil
}

// Delete removes a predicate and its cursor.
func (r *Registry) Delete(chain types.Chain, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := recordKey(chain, uuid)
	ok, err := r.preds.Has(key)
	if err != nil {
		return fmt.Errorf("registry check: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	if err := r.preds.Delete(key); err != nil {
		return fmt.Errorf("registry delete: %w", err)
	}
	if err := r.prog.Delete(cursorKey(chain, uuid)); err != nil {
		return fmt.Errorf("cursor delete: %w", err)
	}
	r.log.Info().Str("predicate_uuid", uuid).Str("chain", string(chain)).Msg("predicate deleted")
	return nil
}

// SetStatus transitions a predicate's status atomically.
func (r *Registry) SetStatus(chain types.Chain, uuid string, status predicate.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.update(chain, uuid, func(rec *Record) {
		rec.Status = status
	})
}

// AddOccurrences credits delivered occurrences against the expiration cap
// and returns the new total.
func (r *Registry) AddOccurrences(chain types.Chain, uuid string, n uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total uint64
	err := r.update(chain, uuid, func(rec *Record) {
		rec.Occurrences += n
		total = rec.Occurrences
	})
	return total, err
}

// AddFailure records a dispatch that exhausted its retries.
func (r *Registry) AddFailure(chain types.Chain, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.update(chain, uuid, func(rec *Record) {
		rec.Failures++
	})
}

// Cursor returns the progress watermark for (chain, uuid).
func (r *Registry) Cursor(chain types.Chain, uuid string) (uint64, error) {
	data, err := r.prog.Get(cursorKey(chain, uuid))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, fmt.Errorf("%w: cursor for %s", ErrNotFound, uuid)
	}
	if err != nil {
		return 0, fmt.Errorf("cursor get: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt cursor for %s: got %d bytes", uuid, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// AdvanceCursor moves the watermark forward atomically. Rewinds are only
// legal through RewindCursor.
func (r *Registry) AdvanceCursor(chain types.Chain, uuid string, height uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.Cursor(chain, uuid)
	if err == nil && height < cur {
		return nil
	}
	return r.putCursor(chain, uuid, height)
}

// AdvanceCursorBatch stages a cursor advance into a root batch so it
// commits atomically with the store updates of the same chain edit.
func (r *Registry) AdvanceCursorBatch(batch storage.Batch, chain types.Chain, uuid string, height uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return r.prog.WrapBatch(batch).Put(cursorKey(chain, uuid), buf[:])
}

// RewindCursor moves the watermark backward after a reorg crossed the
// retained window; the predicate re-scans from the given height.
func (r *Registry) RewindCursor(chain types.Chain, uuid string, height uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCursor(chain, uuid, height)
}

// update loads, mutates, and rewrites one record. Callers hold r.mu.
func (r *Registry) update(chain types.Chain, uuid string, fn func(*Record)) error {
	rec, err := r.Get(chain, uuid)
	if err != nil {
		return err
	}
	fn(&rec)
	return r.putRecord(recordKey(chain, uuid), &rec)
}

func (r *Registry) putRecord(key []byte, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry marshal: %w", err)
	}
	if err := r.preds.Put(key, data); err != nil {
		return fmt.Errorf("registry put: %w", err)
	}
	return nil
}

func (r *Registry) putCursor(chain types.Chain, uuid string, height uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	if err := r.prog.Put(cursorKey(chain, uuid), buf[:]); err != nil {
		return fmt.Errorf("cursor put: %w", err)
	}
	return nil
}

func recordKey(chain types.Chain, uuid string) []byte {
	return []byte(string(chain) + "|" + uuid)
}

func cursorKey(chain types.Chain, uuid string) []byte {
	return []byte(string(chain) + "|" + uuid)
}

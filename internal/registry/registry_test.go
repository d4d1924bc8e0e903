package registry

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/chainhook-labs/chainhookd/internal/storage"
	"github.com/chainhook-labs/chainhookd/pkg/predicate"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

const testUUID = "7ec0dd22-6a2f-4eeb-b0d9-6e8a6c2b3e58"

func testRegistry(t *testing.T) (*Registry, storage.DB) {
	t.Helper()
	db := storage.NewMemory()
	return New(db, zerolog.Nop()), db
}

func testPredicate(uuid string, start *uint64) *predicate.Predicate {
	return &predicate.Predicate{
		UUID:    uuid,
		Name:    "watch",
		Version: 1,
		Chain:   types.ChainBitcoin,
		Network: types.NetworkRegtest,
		Bitcoin: &predicate.BitcoinTrigger{Scope: predicate.ScopeBlock},
		Action:  predicate.Action{Kind: predicate.ActionNoop},
		Bounds:  predicate.Bounds{StartBlock: start},
	}
}

// TestRegisterGetDeleteRoundTrip covers the register → get → delete → get
// law: the registered body comes back, then not-found.
func TestRegisterGetDeleteRoundTrip(t *testing.T) {
	r, _ := testRegistry(t)
	p := testPredicate(testUUID, nil)

	if err := r.Register(p, 500); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rec, err := r.Get(types.ChainBitcoin, testUUID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != predicate.StatusNew {
		t.Fatalf("status = %q, want new", rec.Status)
	}
	if rec.Predicate.UUID != testUUID || rec.Predicate.Name != "watch" {
		t.Fatalf("predicate = %+v", rec.Predicate)
	}

	if err := r.Delete(types.ChainBitcoin, testUUID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get(types.ChainBitcoin, testUUID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: err = %v, want ErrNotFound", err)
	}
	if _, err := r.Cursor(types.ChainBitcoin, testUUID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cursor after delete: err = %v, want ErrNotFound", err)
	}
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	r, _ := testRegistry(t)
	if err := r.Register(testPredicate(testUUID, nil), 100); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(testPredicate(testUUID, nil), 100); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate Register: err = %v, want ErrExists", err)
	}
}

func TestRegisterInitialCursor(t *testing.T) {
	start := uint64(500)
	cases := []struct {
		name  string
		start *uint64
		tip   uint64
		want  uint64
	}{
		{"with start_block", &start, 1000, 499},
		{"without start_block", nil, 1000, 1000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r, _ := testRegistry(t)
			if err := r.Register(testPredicate(testUUID, c.start), c.tip); err != nil {
				t.Fatalf("Register: %v", err)
			}
			cursor, err := r.Cursor(types.ChainBitcoin, testUUID)
			if err != nil {
				t.Fatalf("Cursor: %v", err)
			}
			if cursor != c.want {
				t.Fatalf("cursor = %d, want %d", cursor, c.want)
			}
		})
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r, _ := testRegistry(t)

	p := testPredicate("not-a-uuid", nil)
	if err := r.Register(p, 0); !errors.Is(err, predicate.ErrInvalidUUID) {
		t.Fatalf("bad uuid: err = %v", err)
	}

	start, end := uint64(10), uint64(5)
	p = testPredicate(testUUID, &start)
	p.Bounds.EndBlock = &end
	if err := r.Register(p, 0); !errors.Is(err, predicate.ErrBadBounds) {
		t.Fatalf("inverted bounds: err = %v", err)
	}

	p = testPredicate(testUUID, nil)
	p.Chain = types.ChainStacks // bitcoin trigger on stacks chain
	if err := r.Register(p, 0); !errors.Is(err, predicate.ErrBadTrigger) {
		t.Fatalf("trigger/chain mismatch: err = %v", err)
	}
}

// TestCursorMonotone covers the monotone-cursor property: AdvanceCursor
// never moves the watermark backward; only RewindCursor may.
func TestCursorMonotone(t *testing.T) {
	r, _ := testRegistry(t)
	r.Register(testPredicate(testUUID, nil), 100)

	for _, h := range []uint64{101, 105, 103, 110} {
		if err := r.AdvanceCursor(types.ChainBitcoin, testUUID, h); err != nil {
			t.Fatalf("AdvanceCursor(%d): %v", h, err)
		}
	}
	cursor, _ := r.Cursor(types.ChainBitcoin, testUUID)
	if cursor != 110 {
		t.Fatalf("cursor = %d, want 110", cursor)
	}

	if err := r.RewindCursor(types.ChainBitcoin, testUUID, 90); err != nil {
		t.Fatalf("RewindCursor: %v", err)
	}
	cursor, _ = r.Cursor(types.ChainBitcoin, testUUID)
	if cursor != 90 {
		t.Fatalf("cursor after rewind = %d, want 90", cursor)
	}
}

func TestAdvanceCursorBatchAtomic(t *testing.T) {
	r, db := testRegistry(t)
	r.Register(testPredicate(testUUID, nil), 100)

	batch := db.NewBatch()
	if err := r.AdvanceCursorBatch(batch, types.ChainBitcoin, testUUID, 200); err != nil {
		t.Fatalf("AdvanceCursorBatch: %v", err)
	}

	cursor, _ := r.Cursor(types.ChainBitcoin, testUUID)
	if cursor != 100 {
		t.Fatalf("cursor before commit = %d, want 100", cursor)
	}

	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	cursor, _ = r.Cursor(types.ChainBitcoin, testUUID)
	if cursor != 200 {
		t.Fatalf("cursor after commit = %d, want 200", cursor)
	}
}

func TestStatusAndOccurrences(t *testing.T) {
	r, _ := testRegistry(t)
	r.Register(testPredicate(testUUID, nil), 100)

	if err := r.SetStatus(types.ChainBitcoin, testUUID, predicate.StatusScanning); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	rec, _ := r.Get(types.ChainBitcoin, testUUID)
	if rec.Status != predicate.StatusScanning {
		t.Fatalf("status = %q, want scanning", rec.Status)
	}

	total, err := r.AddOccurrences(types.ChainBitcoin, testUUID, 2)
	if err != nil || total != 2 {
		t.Fatalf("AddOccurrences = %d, %v", total, err)
	}
	total, _ = r.AddOccurrences(types.ChainBitcoin, testUUID, 3)
	if total != 5 {
		t.Fatalf("running total = %d, want 5", total)
	}
}

func TestListPerChain(t *testing.T) {
	r, _ := testRegistry(t)
	r.Register(testPredicate(testUUID, nil), 100)

	stacksPred := &predicate.Predicate{
		UUID:    "2d3c1f4a-9b8e-4f6d-a1c2-0e9f8d7c6b5a",
		Name:    "stx",
		Version: 1,
		Chain:   types.ChainStacks,
		Network: types.NetworkDevnet,
		Stacks: &predicate.StacksTrigger{
			Scope:   predicate.ScopeSTXEvent,
			Actions: []predicate.AssetAction{predicate.AssetTransfer},
		},
		Action: predicate.Action{Kind: predicate.ActionNoop},
	}
	if err := r.Register(stacksPred, 50); err != nil {
		t.Fatalf("Register stacks: %v", err)
	}

	btc, err := r.List(types.ChainBitcoin)
	if err != nil || len(btc) != 1 {
		t.Fatalf("List(bitcoin) = %d records, %v", len(btc), err)
	}
	all, err := r.ListAll()
	if err != nil || len(all) != 2 {
		t.Fatalf("ListAll = %d records, %v", len(all), err)
	}
}

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainhook-labs/chainhookd/internal/dispatch"
	"github.com/chainhook-labs/chainhookd/internal/metrics"
	"github.com/chainhook-labs/chainhookd/internal/registry"
	"github.com/chainhook-labs/chainhookd/internal/scanner"
	"github.com/chainhook-labs/chainhookd/internal/source"
	"github.com/chainhook-labs/chainhookd/internal/storage"
	"github.com/chainhook-labs/chainhookd/internal/store"
	"github.com/chainhook-labs/chainhookd/pkg/bitcoin"
	"github.com/chainhook-labs/chainhookd/pkg/predicate"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

const testUUID = "7ec0dd22-6a2f-4eeb-b0d9-6e8a6c2b3e58"

// fakeSource feeds scripted headers and serves blocks from a map.
type fakeSource struct {
	mu      sync.Mutex
	headers chan store.HeaderRecord
	blocks  map[types.Hash]*source.Block
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		headers: make(chan store.HeaderRecord, 64),
		blocks:  make(map[types.Hash]*source.Block),
	}
}

func (f *fakeSource) Subscribe(context.Context) (<-chan store.HeaderRecord, error) {
	return f.headers, nil
}

func (f *fakeSource) GetBlock(_ context.Context, hash types.Hash) (*source.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blk, ok := f.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("%w: block %s not scripted", source.ErrUnavailable, hash.Short())
	}
	return blk, nil
}

func (f *fakeSource) GetHeaderByHeight(_ context.Context, height uint64) (store.HeaderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, blk := range f.blocks {
		h := blk.Header()
		if h.ID.Height == height {
			return h, nil
		}
	}
	return store.HeaderRecord{}, fmt.Errorf("%w: no block at %d", source.ErrUnavailable, height)
}

// feed scripts a block: its body becomes fetchable and its header is pushed
// on the subscription.
func (f *fakeSource) feed(blk *bitcoin.Block) {
	wrapped := &source.Block{Chain: types.ChainBitcoin, Bitcoin: blk}
	f.mu.Lock()
	f.blocks[blk.Header.BlockID.Hash] = wrapped
	f.mu.Unlock()
	f.headers <- wrapped.Header()
}

func h(seed byte) types.Hash {
	var out types.Hash
	for i := range out {
		out[i] = seed
	}
	return out
}

// block builds a Bitcoin block paying `matches` transactions to 1Target.
func block(height uint64, seed, parentSeed byte, matches int) *bitcoin.Block {
	blk := &bitcoin.Block{
		Header: bitcoin.Header{
			BlockID:    types.BlockID{Height: height, Hash: h(seed)},
			ParentHash: h(parentSeed),
			Timestamp:  1700000000 + height,
		},
	}
	for i := 0; i < matches; i++ {
		var txid types.Hash
		txid[0], txid[1], txid[2] = seed, byte(i), 0x7C
		blk.Transactions = append(blk.Transactions, bitcoin.Transaction{
			TxID: txid,
			Outputs: []bitcoin.Output{
				{Value: 5000, Kind: bitcoin.ScriptP2PKH, Address: "1Target"},
			},
		})
	}
	return blk
}

// sink records delivered payloads and signals each arrival.
type sink struct {
	mu       sync.Mutex
	payloads []dispatch.Payload
	arrived  chan struct{}
}

func newSink() *sink {
	return &sink{arrived: make(chan struct{}, 64)}
}

func (s *sink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p dispatch.Payload
		json.NewDecoder(r.Body).Decode(&p)
		s.mu.Lock()
		s.payloads = append(s.payloads, p)
		s.mu.Unlock()
		s.arrived <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *sink) wait(t *testing.T, n int) []dispatch.Payload {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-s.arrived:
		case <-deadline:
			t.Fatalf("timed out waiting for payload %d of %d", i+1, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.Payload, len(s.payloads))
	copy(out, s.payloads)
	return out
}

type rig struct {
	src   *fakeSource
	coord *Coordinator
	reg   *registry.Registry
	store *store.BlockStore
	stop  func()
}

func startRig(t *testing.T, handoff uint64) *rig {
	t.Helper()
	db := storage.NewMemory()
	bs := store.New(db, types.ChainBitcoin)
	reg := registry.New(db, zerolog.Nop())
	m := metrics.New()
	disp := dispatch.New(reg, m, zerolog.Nop())
	scan := scanner.New(bs, reg, disp, m, zerolog.Nop())
	scan.SetBatchSize(4)
	src := newFakeSource()

	coord := New(Config{
		Chain:   types.ChainBitcoin,
		Network: types.NetworkRegtest,
		Workers: 4,
		Handoff: handoff,
		Window:  32,
	}, src, bs, reg, disp, scan, m, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("coordinator did not stop in time")
		}
	})

	return &rig{src: src, coord: coord, reg: reg, store: bs, stop: cancel}
}

func registerStreaming(t *testing.T, r *rig, url string, start, end uint64) {
	t.Helper()
	p := &predicate.Predicate{
		UUID:    testUUID,
		Name:    "watch",
		Version: 1,
		Chain:   types.ChainBitcoin,
		Network: types.NetworkRegtest,
		Bitcoin: &predicate.BitcoinTrigger{
			Scope: predicate.ScopeOutputs,
			P2PKH: &predicate.ExactMatch{Equals: "1Target"},
		},
		Action: predicate.Action{Kind: predicate.ActionHTTPPost, HTTP: &predicate.HTTPPost{URL: url}},
		Bounds: predicate.Bounds{StartBlock: &start, EndBlock: &end},
	}
	if err := r.reg.Register(p, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.reg.SetStatus(types.ChainBitcoin, testUUID, predicate.StatusStreaming); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
}

// TestLinearApply covers the linear-apply scenario: three extending blocks,
// a matching tx at 101 and two at 102, one POST per matching block.
func TestLinearApply(t *testing.T) {
	deliveries := newSink()
	srv := httptest.NewServer(deliveries.handler())
	defer srv.Close()

	r := startRig(t, 10)
	registerStreaming(t, r, srv.URL, 100, 102)

	r.src.feed(block(100, 1, 0, 0))
	r.src.feed(block(101, 2, 1, 1))
	r.src.feed(block(102, 3, 2, 2))

	payloads := deliveries.wait(t, 2)
	if len(payloads[0].Apply) != 1 || payloads[0].Apply[0].BlockID.Height != 101 {
		t.Fatalf("first payload = %+v, want 1 apply at 101", payloads[0])
	}
	if len(payloads[1].Apply) != 2 || payloads[1].Apply[0].BlockID.Height != 102 {
		t.Fatalf("second payload = %+v, want 2 applies at 102", payloads[1])
	}
	for _, p := range payloads {
		if len(p.Rollback) != 0 {
			t.Fatalf("unexpected rollbacks in linear apply: %+v", p)
		}
	}
}

// TestReorgDepthTwo covers the reorg scenario: after 100..102, a heavier
// branch 101'..103' arrives. One POST carries rollbacks of 102, 101 then
// applies of 101', 102', 103', and the cursor ends at 103.
func TestReorgDepthTwo(t *testing.T) {
	deliveries := newSink()
	srv := httptest.NewServer(deliveries.handler())
	defer srv.Close()

	r := startRig(t, 10)
	registerStreaming(t, r, srv.URL, 100, 200)

	r.src.feed(block(100, 1, 0, 0))
	r.src.feed(block(101, 2, 1, 1))
	r.src.feed(block(102, 3, 2, 2))
	deliveries.wait(t, 2)

	// Fork branch: hashes above the incumbents so the height tie keeps the
	// old tip until 103' exceeds it.
	r.src.feed(block(101, 0x12, 1, 1))
	r.src.feed(block(102, 0x13, 0x12, 0))
	r.src.feed(block(103, 0x14, 0x13, 1))

	payloads := deliveries.wait(t, 1)
	last := payloads[len(payloads)-1]

	if len(last.Rollback) != 3 {
		t.Fatalf("rollback occurrences = %d, want 3 (one at 101, two at 102)", len(last.Rollback))
	}
	if last.Rollback[0].BlockID.Height != 102 || last.Rollback[2].BlockID.Height != 101 {
		t.Fatalf("rollback order = %+v, want tip-first", last.Rollback)
	}
	if len(last.Apply) != 2 {
		t.Fatalf("apply occurrences = %d, want 2 (101' and 103')", len(last.Apply))
	}
	if last.Apply[0].BlockID.Height != 101 || last.Apply[1].BlockID.Height != 103 {
		t.Fatalf("apply order = %+v, want ancestor-first", last.Apply)
	}

	waitForCursor(t, r, 103)
}

func waitForCursor(t *testing.T, r *rig, want uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cur, err := r.reg.Cursor(types.ChainBitcoin, testUUID); err == nil && cur >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	cur, _ := r.reg.Cursor(types.ChainBitcoin, testUUID)
	t.Fatalf("cursor = %d, want >= %d", cur, want)
}

func waitForStatus(t *testing.T, r *rig, want predicate.Status) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if rec, err := r.reg.Get(types.ChainBitcoin, testUUID); err == nil && rec.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	rec, _ := r.reg.Get(types.ChainBitcoin, testUUID)
	t.Fatalf("status = %q, want %q", rec.Status, want)
}

// TestScannerHandoff covers the backfill handoff scenario: a predicate
// registered with history already ingested backfills through the scanner,
// transitions to streaming, and live blocks flow on without gaps or
// duplicates.
func TestScannerHandoff(t *testing.T) {
	deliveries := newSink()
	srv := httptest.NewServer(deliveries.handler())
	defer srv.Close()

	r := startRig(t, 1)

	// Live chain up to height 8 before the predicate exists.
	for i := uint64(1); i <= 8; i++ {
		r.src.feed(block(i, byte(i), byte(i-1), 1))
	}
	waitForTip(t, r, 8)

	// Register with start_block 1: picked up as New, scanned, handed off.
	p := &predicate.Predicate{
		UUID:    testUUID,
		Name:    "backfill",
		Version: 1,
		Chain:   types.ChainBitcoin,
		Network: types.NetworkRegtest,
		Bitcoin: &predicate.BitcoinTrigger{
			Scope: predicate.ScopeOutputs,
			P2PKH: &predicate.ExactMatch{Equals: "1Target"},
		},
		Action: predicate.Action{Kind: predicate.ActionHTTPPost, HTTP: &predicate.HTTPPost{URL: srv.URL}},
		Bounds: predicate.Bounds{StartBlock: uptr(1)},
	}
	if err := r.reg.Register(p, 8); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.coord.Kick()

	waitForStatus(t, r, predicate.StatusStreaming)

	// Live blocks after handoff stream directly.
	r.src.feed(block(9, 9, 8, 1))
	r.src.feed(block(10, 10, 9, 1))
	waitForCursor(t, r, 10)

	// Every height 1..10 delivered exactly once.
	deliveries.mu.Lock()
	counts := make(map[uint64]int)
	for _, payload := range deliveries.payloads {
		for _, occ := range payload.Apply {
			counts[occ.BlockID.Height]++
		}
	}
	deliveries.mu.Unlock()

	for height := uint64(1); height <= 10; height++ {
		if counts[height] != 1 {
			t.Fatalf("height %d delivered %d times, want exactly once (counts=%v)", height, counts[height], counts)
		}
	}
}

func waitForTip(t *testing.T, r *rig, want uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.coord.Tip().Height >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("tip = %d, want >= %d", r.coord.Tip().Height, want)
}

func uptr(v uint64) *uint64 { return &v }

// TestRestartRecovery covers restart equivalence: a fresh coordinator over
// the same database recovers the tip and continues from it.
func TestRestartRecovery(t *testing.T) {
	deliveries := newSink()
	srv := httptest.NewServer(deliveries.handler())
	defer srv.Close()

	db := storage.NewMemory()
	bs := store.New(db, types.ChainBitcoin)
	reg := registry.New(db, zerolog.Nop())
	m := metrics.New()
	disp := dispatch.New(reg, m, zerolog.Nop())
	scan := scanner.New(bs, reg, disp, m, zerolog.Nop())
	src := newFakeSource()

	cfg := Config{Chain: types.ChainBitcoin, Network: types.NetworkRegtest, Workers: 2, Handoff: 10, Window: 32}
	coord := New(cfg, src, bs, reg, disp, scan, m, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(runDone)
	}()

	src.feed(block(100, 1, 0, 0))
	src.feed(block(101, 2, 1, 0))
	deadline := time.Now().Add(5 * time.Second)
	for coord.Tip().Height < 101 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("first coordinator did not stop")
	}

	// "Restart": new coordinator over the same database.
	coord2 := New(cfg, src, bs, reg, disp, scan, m, zerolog.Nop())
	if err := coord2.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if coord2.Tip().Height != 101 || coord2.Tip().Hash != h(2) {
		t.Fatalf("recovered tip = %v, want 101/%s", coord2.Tip(), h(2).Short())
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go coord2.Run(ctx2)

	src.feed(block(102, 3, 2, 0))
	deadline = time.Now().Add(5 * time.Second)
	for coord2.Tip().Height < 102 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if coord2.Tip().Height != 102 {
		t.Fatalf("tip after restart = %v, want 102", coord2.Tip())
	}
}

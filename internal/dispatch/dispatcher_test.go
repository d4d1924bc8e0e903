package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/chainhook-labs/chainhookd/internal/metrics"
	"github.com/chainhook-labs/chainhookd/internal/registry"
	"github.com/chainhook-labs/chainhookd/internal/storage"
	"github.com/chainhook-labs/chainhookd/pkg/predicate"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

const testUUID = "7ec0dd22-6a2f-4eeb-b0d9-6e8a6c2b3e58"

func testSetup(t *testing.T, p *predicate.Predicate) (*Dispatcher, *registry.Registry) {
	t.Helper()
	reg := registry.New(storage.NewMemory(), zerolog.Nop())
	if err := reg.Register(p, 100); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return New(reg, metrics.New(), zerolog.Nop()), reg
}

func httpPredicate(url string, expire *uint64) *predicate.Predicate {
	return &predicate.Predicate{
		UUID:    testUUID,
		Name:    "watch",
		Version: 1,
		Chain:   types.ChainBitcoin,
		Network: types.NetworkRegtest,
		Bitcoin: &predicate.BitcoinTrigger{Scope: predicate.ScopeBlock},
		Action:  predicate.Action{Kind: predicate.ActionHTTPPost, HTTP: &predicate.HTTPPost{URL: url, AuthorizationHeader: "Bearer tok"}},
		Bounds:  predicate.Bounds{ExpireAfterOccurrence: expire},
	}
}

func occurrences(n int, height uint64) []predicate.Occurrence {
	out := make([]predicate.Occurrence, n)
	for i := range out {
		var h types.Hash
		h[0] = byte(height)
		out[i] = predicate.Occurrence{
			BlockID: types.BlockID{Height: height, Hash: h},
			TxIndex: uint32(i),
		}
	}
	return out
}

func TestHTTPPostDelivers(t *testing.T) {
	var got Payload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := httpPredicate(srv.URL, nil)
	d, _ := testSetup(t, p)

	delivered, expired, err := d.Dispatch(context.Background(), p,
		occurrences(2, 101), occurrences(1, 99))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if delivered != 2 || expired {
		t.Fatalf("delivered=%d expired=%v, want 2 false", delivered, expired)
	}
	if auth != "Bearer tok" {
		t.Fatalf("authorization header = %q", auth)
	}
	if len(got.Apply) != 2 || len(got.Rollback) != 1 {
		t.Fatalf("payload apply=%d rollback=%d, want 2 and 1", len(got.Apply), len(got.Rollback))
	}
	if got.PredicateUUID != testUUID || got.Chain != types.ChainBitcoin {
		t.Fatalf("payload identity = %+v", got)
	}
}

// TestHTTPPostRetriesThenGivesUp covers the dispatch-failure scenario: a
// persistent 500 is retried up to the attempt cap, then recorded as a
// permanent failure.
func TestHTTPPostRetriesThenGivesUp(t *testing.T) {
	if testing.Short() {
		t.Skip("backoff sleeps")
	}

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := httpPredicate(srv.URL, nil)
	d, reg := testSetup(t, p)

	_, _, err := d.Dispatch(context.Background(), p, occurrences(1, 101), nil)
	if err == nil {
		t.Fatal("persistent 500 reported success")
	}
	if got := attempts.Load(); got != maxAttempts {
		t.Fatalf("attempts = %d, want %d", got, maxAttempts)
	}

	rec, _ := reg.Get(types.ChainBitcoin, testUUID)
	if rec.Failures != 1 {
		t.Fatalf("failures = %d, want 1", rec.Failures)
	}
	if rec.Occurrences != 0 {
		t.Fatalf("occurrences = %d, want 0 after failed delivery", rec.Occurrences)
	}
}

// TestExpirationCap covers the expiration scenario: with a cap of 3 and 5
// matches in one batch, only the first 3 are delivered and the predicate
// expires; later batches deliver nothing.
func TestExpirationCap(t *testing.T) {
	var got Payload
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	expire := uint64(3)
	p := httpPredicate(srv.URL, &expire)
	d, reg := testSetup(t, p)

	delivered, expired, err := d.Dispatch(context.Background(), p, occurrences(5, 101), nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if delivered != 3 || !expired {
		t.Fatalf("delivered=%d expired=%v, want 3 true", delivered, expired)
	}
	if len(got.Apply) != 3 {
		t.Fatalf("payload apply = %d, want 3", len(got.Apply))
	}

	rec, _ := reg.Get(types.ChainBitcoin, testUUID)
	if rec.Status != predicate.StatusExpired || rec.Occurrences != 3 {
		t.Fatalf("record = %+v, want expired with 3 occurrences", rec)
	}

	// Subsequent batches are suppressed entirely.
	delivered, expired, err = d.Dispatch(context.Background(), p, occurrences(2, 102), nil)
	if err != nil || delivered != 0 || !expired {
		t.Fatalf("post-expiry dispatch = %d, %v, %v", delivered, expired, err)
	}
	if posts.Load() != 1 {
		t.Fatalf("posts = %d, want 1", posts.Load())
	}
}

func TestNoopDrops(t *testing.T) {
	p := httpPredicate("http://unused.test", nil)
	p.Action = predicate.Action{Kind: predicate.ActionNoop}
	d, reg := testSetup(t, p)

	delivered, _, err := d.Dispatch(context.Background(), p, occurrences(2, 101), nil)
	if err != nil || delivered != 2 {
		t.Fatalf("noop dispatch = %d, %v", delivered, err)
	}
	rec, _ := reg.Get(types.ChainBitcoin, testUUID)
	if rec.Occurrences != 2 {
		t.Fatalf("occurrences = %d, want 2", rec.Occurrences)
	}
}

func TestFileAppendWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occ.jsonl")
	p := httpPredicate("http://unused.test", nil)
	p.Action = predicate.Action{Kind: predicate.ActionFileAppend, File: &predicate.FileAppend{Path: path}}
	d, _ := testSetup(t, p)

	for h := uint64(101); h <= 102; h++ {
		if _, _, err := d.Dispatch(context.Background(), p, occurrences(1, h), nil); err != nil {
			t.Fatalf("Dispatch(%d): %v", h, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("file has %d lines, want 2", lines)
	}

	first := data
	for i, b := range data {
		if b == '\n' {
			first = data[:i]
			break
		}
	}
	var payload Payload
	if err := json.Unmarshal(first, &payload); err != nil {
		t.Fatalf("first line not valid JSON: %v", err)
	}
	if len(payload.Apply) != 1 || payload.Apply[0].BlockID.Height != 101 {
		t.Fatalf("first line payload = %+v", payload)
	}
}

func TestEmptyBatchesNoDelivery(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := httpPredicate(srv.URL, nil)
	d, _ := testSetup(t, p)

	if _, _, err := d.Dispatch(context.Background(), p, nil, nil); err != nil {
		t.Fatalf("empty dispatch: %v", err)
	}
	if posts.Load() != 0 {
		t.Fatalf("posts = %d, want 0 for empty batches", posts.Load())
	}
}

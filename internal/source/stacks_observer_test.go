package source

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainhook-labs/chainhookd/pkg/stacks"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

func observerBlock(height uint64, seed byte) *stacks.Block {
	var hash, parent types.Hash
	hash[0] = seed
	parent[0] = seed - 1
	return &stacks.Block{
		Header: stacks.Header{
			BlockID:    types.BlockID{Height: height, Hash: hash},
			ParentHash: parent,
			Timestamp:  1700000000 + height,
			Anchor:     types.BlockID{Height: height * 2},
		},
	}
}

func startObserver(t *testing.T) *StacksObserver {
	t.Helper()
	o := NewStacksObserver("127.0.0.1:0", zerolog.Nop())
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { o.Stop() })
	return o
}

func postBlock(t *testing.T, o *StacksObserver, blk *stacks.Block) {
	t.Helper()
	body, err := json.Marshal(blk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post("http://"+o.Addr()+"/new_block", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post status = %d, want 200", resp.StatusCode)
	}
}

func TestObserverPushToSubscriber(t *testing.T) {
	o := startObserver(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	headers, err := o.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	blk := observerBlock(50, 5)
	postBlock(t, o, blk)

	select {
	case h := <-headers:
		if h.ID != blk.Header.BlockID || h.Anchor.Height != 100 {
			t.Fatalf("header = %+v, want %+v", h, blk.Header)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no header delivered")
	}
}

func TestObserverServesCachedBlock(t *testing.T) {
	o := startObserver(t)
	blk := observerBlock(50, 5)
	postBlock(t, o, blk)

	got, err := o.GetBlock(context.Background(), blk.Header.BlockID.Hash)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if got.Stacks == nil || got.Stacks.Header.BlockID != blk.Header.BlockID {
		t.Fatalf("cached block = %+v", got)
	}

	hdr, err := o.GetHeaderByHeight(context.Background(), 50)
	if err != nil {
		t.Fatalf("GetHeaderByHeight: %v", err)
	}
	if hdr.ID != blk.Header.BlockID {
		t.Fatalf("header by height = %+v", hdr)
	}
}

func TestObserverRejectsMalformed(t *testing.T) {
	o := startObserver(t)
	resp, err := http.Post("http://"+o.Addr()+"/new_block", "application/json",
		bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed post status = %d, want 400", resp.StatusCode)
	}
}

func TestObserverUnknownBlockUnavailable(t *testing.T) {
	o := startObserver(t)
	var missing types.Hash
	missing[0] = 0xEE
	if _, err := o.GetBlock(context.Background(), missing); err == nil {
		t.Fatal("unknown block served")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	blk := &Block{Chain: types.ChainStacks, Stacks: observerBlock(50, 5)}
	body, err := blk.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Decode(types.ChainStacks, body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.Stacks.Header.BlockID != blk.Stacks.Header.BlockID {
		t.Fatalf("round trip = %+v", back.Stacks.Header)
	}

	if _, err := Decode(types.ChainBitcoin, []byte("nope")); err == nil {
		t.Fatal("garbage decoded")
	}
}

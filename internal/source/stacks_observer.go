package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainhook-labs/chainhookd/internal/store"
	"github.com/chainhook-labs/chainhookd/pkg/stacks"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// observerCacheSize bounds the recently received block bodies kept for
// GetBlock. The Stacks node pushes full blocks, so fetches are served from
// this cache rather than a round trip.
const observerCacheSize = 512

// StacksObserver receives full Stacks blocks pushed by the node's event
// observer interface (POST /new_block) and exposes them as a Source.
type StacksObserver struct {
	addr   string
	server *http.Server
	ln     net.Listener
	log    zerolog.Logger

	mu       sync.Mutex
	byHash   map[types.Hash]*stacks.Block
	byHeight map[uint64]types.Hash
	order    []types.Hash
	subs     []chan store.HeaderRecord
}

// NewStacksObserver creates an event-observer receiver on addr.
func NewStacksObserver(addr string, logger zerolog.Logger) *StacksObserver {
	o := &StacksObserver{
		addr:     addr,
		log:      logger,
		byHash:   make(map[types.Hash]*stacks.Block),
		byHeight: make(map[uint64]types.Hash),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/new_block", o.handleNewBlock)
	mux.HandleFunc("/new_burn_block", o.handleNewBurnBlock)
	o.server = &http.Server{Handler: mux, ReadTimeout: 30 * time.Second}
	return o
}

// Start binds the listener and serves in the background.
func (o *StacksObserver) Start() error {
	ln, err := net.Listen("tcp", o.addr)
	if err != nil {
		return fmt.Errorf("%w: observer listen: %v", ErrUnavailable, err)
	}
	o.ln = ln
	go func() {
		if err := o.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			o.log.Error().Err(err).Msg("event observer server error")
		}
	}()
	return nil
}

// Addr returns the bound listener address (useful when bound to :0).
func (o *StacksObserver) Addr() string {
	if o.ln != nil {
		return o.ln.Addr().String()
	}
	return o.addr
}

// Stop shuts the receiver down.
func (o *StacksObserver) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return o.server.Shutdown(ctx)
}

// Subscribe returns headers for every block the node pushes.
func (o *StacksObserver) Subscribe(ctx context.Context) (<-chan store.HeaderRecord, error) {
	ch := make(chan store.HeaderRecord, 16)
	o.mu.Lock()
	o.subs = append(o.subs, ch)
	o.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		for i, sub := range o.subs {
			if sub == ch {
				o.subs = append(o.subs[:i], o.subs[i+1:]...)
				close(ch)
				break
			}
		}
		o.mu.Unlock()
	}()
	return ch, nil
}

// GetBlock serves a pushed block from the receive cache.
func (o *StacksObserver) GetBlock(_ context.Context, hash types.Hash) (*Block, error) {
	o.mu.Lock()
	blk, ok := o.byHash[hash]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: block %s not in observer cache", ErrUnavailable, hash.Short())
	}
	return &Block{Chain: types.ChainStacks, Stacks: blk}, nil
}

// GetHeaderByHeight serves the most recently pushed header at a height.
func (o *StacksObserver) GetHeaderByHeight(_ context.Context, height uint64) (store.HeaderRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	hash, ok := o.byHeight[height]
	if !ok {
		return store.HeaderRecord{}, fmt.Errorf("%w: no header at height %d in observer cache", ErrUnavailable, height)
	}
	blk := o.byHash[hash]
	return store.HeaderRecord{
		ID:        blk.Header.BlockID,
		Parent:    blk.Header.ParentHash,
		Timestamp: blk.Header.Timestamp,
		Anchor:    blk.Header.Anchor,
	}, nil
}

// handleNewBlock ingests one pushed block: cache it and fan the header out
// to subscribers.
func (o *StacksObserver) handleNewBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var blk stacks.Block
	if err := json.NewDecoder(r.Body).Decode(&blk); err != nil {
		o.log.Warn().Err(err).Str("chain", "stacks").Str("error_kind", "UpstreamMalformed").
			Msg("skipping malformed block push")
		http.Error(w, "bad block", http.StatusBadRequest)
		return
	}

	h := store.HeaderRecord{
		ID:        blk.Header.BlockID,
		Parent:    blk.Header.ParentHash,
		Timestamp: blk.Header.Timestamp,
		Anchor:    blk.Header.Anchor,
	}

	o.mu.Lock()
	if _, dup := o.byHash[h.ID.Hash]; !dup {
		o.byHash[h.ID.Hash] = &blk
		o.byHeight[h.ID.Height] = h.ID.Hash
		o.order = append(o.order, h.ID.Hash)
		if len(o.order) > observerCacheSize {
			evicted := o.order[0]
			o.order = o.order[1:]
			if old, ok := o.byHash[evicted]; ok {
				if o.byHeight[old.Header.BlockID.Height] == evicted {
					delete(o.byHeight, old.Header.BlockID.Height)
				}
				delete(o.byHash, evicted)
			}
		}
	}
	subs := make([]chan store.HeaderRecord, len(o.subs))
	copy(subs, o.subs)
	o.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- h:
		case <-r.Context().Done():
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleNewBurnBlock acknowledges burn-chain notifications. The Bitcoin
// view is driven by the Bitcoin source, so the payload is not consumed.
func (o *StacksObserver) handleNewBurnBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

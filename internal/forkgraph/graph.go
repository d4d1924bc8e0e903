// Package forkgraph maintains the in-memory DAG of recent headers for one
// chain and computes the apply/rollback edit that moves a consumer from the
// old canonical tip to the new one.
package forkgraph

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/chainhook-labs/chainhookd/internal/store"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// ErrDivergent is returned when the common ancestor of the old and new tips
// falls outside the retained header window. The caller must restart from an
// earlier confirmed height via the scanner.
var ErrDivergent = errors.New("fork diverges beyond retained window")

// DefaultWindow is the number of recent headers retained per chain.
const DefaultWindow = 256

// maxOrphans bounds the held-back headers whose parents have not arrived.
const maxOrphans = 512

// TieBreak selects between two competing tips of equal height.
type TieBreak int

const (
	// TieBreakHashBytes prefers the lexicographically smaller hash. Used
	// for Bitcoin as a deterministic fallback matching upstream selection.
	TieBreakHashBytes TieBreak = iota
	// TieBreakEarliestSeen prefers the tip whose header arrived first.
	// Used for Stacks, deferring to the upstream node's chosen tip.
	TieBreakEarliestSeen
)

// Edit is the ordered list of directives that moves a consumer from the old
// tip to the new one: rollbacks tip-first, then applies ancestor-first.
type Edit struct {
	Rollback []types.BlockID
	Apply    []types.BlockID
}

// Empty reports whether the edit contains no directives.
func (e Edit) Empty() bool {
	return len(e.Rollback) == 0 && len(e.Apply) == 0
}

type node struct {
	header store.HeaderRecord
	seen   uint64 // arrival sequence
}

// Graph is the header DAG for one chain. It is owned by that chain's
// coordinator goroutine; concurrent readers observe the tip through
// Snapshot.
type Graph struct {
	window   int
	tieBreak TieBreak

	nodes   map[types.Hash]*node
	orphans map[types.Hash]store.HeaderRecord // keyed by own hash
	tip     types.BlockID
	seq     uint64

	snapshot atomic.Pointer[types.BlockID]
}

// New creates a fork graph with the given retention window.
func New(window int, tieBreak TieBreak) *Graph {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Graph{
		window:   window,
		tieBreak: tieBreak,
		nodes:    make(map[types.Hash]*node),
		orphans:  make(map[types.Hash]store.HeaderRecord),
	}
}

// Tip returns the current canonical tip.
func (g *Graph) Tip() types.BlockID {
	return g.tip
}

// Snapshot returns the last published tip. Safe for concurrent readers.
func (g *Graph) Snapshot() types.BlockID {
	p := g.snapshot.Load()
	if p == nil {
		return types.BlockID{}
	}
	return *p
}

// Seed installs a known canonical tip and its recent ancestry, typically
// recovered from the block store on startup. Headers must be supplied in
// ascending height order ending at the tip.
func (g *Graph) Seed(headers []store.HeaderRecord) {
	for _, h := range headers {
		g.seq++
		g.nodes[h.ID.Hash] = &node{header: h, seen: g.seq}
	}
	if len(headers) > 0 {
		g.tip = headers[len(headers)-1].ID
		g.publish()
	}
}

// Reset discards the DAG and restarts it at the given header. Used after a
// divergent fork forces recovery through the scanner.
func (g *Graph) Reset(h store.HeaderRecord) {
	g.nodes = make(map[types.Hash]*node)
	g.orphans = make(map[types.Hash]store.HeaderRecord)
	g.seq++
	g.nodes[h.ID.Hash] = &node{header: h, seen: g.seq}
	g.tip = h.ID
	g.publish()
}

// IngestHeader inserts a header into the DAG and returns the edit that
// moves the canonical view to the new tip. Duplicate headers and headers
// that do not change the tip return an empty edit. Headers whose parent is
// unknown are held as orphans until the parent arrives.
func (g *Graph) IngestHeader(h store.HeaderRecord) (Edit, error) {
	if _, known := g.nodes[h.ID.Hash]; known {
		return Edit{}, nil
	}

	if !g.connectable(h) {
		if len(g.orphans) >= maxOrphans {
			return Edit{}, fmt.Errorf("orphan pool full, dropping header %s", h.ID)
		}
		g.orphans[h.ID.Hash] = h
		return Edit{}, nil
	}

	g.insert(h)
	g.adoptOrphans()

	newTip := g.bestTip()
	if newTip == g.tip {
		return Edit{}, nil
	}

	edit, err := g.editBetween(g.tip, newTip)
	if err != nil {
		return Edit{}, err
	}

	g.tip = newTip
	g.publish()
	g.evict()
	return edit, nil
}

// connectable reports whether the header attaches to the known DAG: its
// parent is present, or the graph is empty (bootstrap).
func (g *Graph) connectable(h store.HeaderRecord) bool {
	if len(g.nodes) == 0 {
		return true
	}
	_, ok := g.nodes[h.Parent]
	return ok
}

func (g *Graph) insert(h store.HeaderRecord) {
	g.seq++
	g.nodes[h.ID.Hash] = &node{header: h, seen: g.seq}
}

// adoptOrphans repeatedly attaches held-back headers whose parents have
// become known.
func (g *Graph) adoptOrphans() {
	for {
		attached := false
		for hash, h := range g.orphans {
			if _, ok := g.nodes[h.Parent]; ok {
				delete(g.orphans, hash)
				g.insert(h)
				attached = true
			}
		}
		if !attached {
			return
		}
	}
}

// bestTip returns the canonical tip under the chain's canonicity rule:
// greatest height, ties broken per the configured rule.
func (g *Graph) bestTip() types.BlockID {
	best, ok := g.nodes[g.tip.Hash]
	for _, n := range g.nodes {
		if best == nil || g.better(n, best) {
			best = n
			ok = true
		}
	}
	if !ok || best == nil {
		return types.BlockID{}
	}
	return best.header.ID
}

func (g *Graph) better(a, b *node) bool {
	if a.header.ID.Height != b.header.ID.Height {
		return a.header.ID.Height > b.header.ID.Height
	}
	switch g.tieBreak {
	case TieBreakEarliestSeen:
		return a.seen < b.seen
	default:
		return bytes.Compare(a.header.ID.Hash[:], b.header.ID.Hash[:]) < 0
	}
}

// editBetween walks both tips back to their lowest common ancestor and
// assembles the edit: rollbacks from the old branch tip-first, applies from
// the new branch ancestor-first.
func (g *Graph) editBetween(oldTip, newTip types.BlockID) (Edit, error) {
	var edit Edit

	if oldTip.Hash.IsZero() {
		// Bootstrap: apply the new branch from its earliest known header.
		apply, err := g.branchFrom(newTip, types.Hash{})
		if err != nil {
			return Edit{}, err
		}
		edit.Apply = apply
		return edit, nil
	}

	oldCur, ok := g.nodes[oldTip.Hash]
	if !ok {
		return Edit{}, fmt.Errorf("%w: old tip %s evicted", ErrDivergent, oldTip)
	}
	newCur, ok := g.nodes[newTip.Hash]
	if !ok {
		return Edit{}, fmt.Errorf("new tip %s not in graph", newTip)
	}

	// Walk the deeper side up to equal heights, then step both together.
	for oldCur.header.ID.Height > newCur.header.ID.Height {
		edit.Rollback = append(edit.Rollback, oldCur.header.ID)
		var err error
		if oldCur, err = g.parent(oldCur); err != nil {
			return Edit{}, err
		}
	}
	for newCur.header.ID.Height > oldCur.header.ID.Height {
		edit.Apply = append(edit.Apply, newCur.header.ID)
		var err error
		if newCur, err = g.parent(newCur); err != nil {
			return Edit{}, err
		}
	}
	for oldCur.header.ID.Hash != newCur.header.ID.Hash {
		edit.Rollback = append(edit.Rollback, oldCur.header.ID)
		edit.Apply = append(edit.Apply, newCur.header.ID)
		var err error
		if oldCur, err = g.parent(oldCur); err != nil {
			return Edit{}, err
		}
		if newCur, err = g.parent(newCur); err != nil {
			return Edit{}, err
		}
	}

	// Applies were collected tip-first; reverse to ancestor-first.
	for i, j := 0, len(edit.Apply)-1; i < j; i, j = i+1, j-1 {
		edit.Apply[i], edit.Apply[j] = edit.Apply[j], edit.Apply[i]
	}
	return edit, nil
}

func (g *Graph) parent(n *node) (*node, error) {
	p, ok := g.nodes[n.header.Parent]
	if !ok {
		return nil, fmt.Errorf("%w: ancestor of %s not retained", ErrDivergent, n.header.ID)
	}
	return p, nil
}

// branchFrom collects the chain from tip down to (exclusive) the stop hash,
// returned ancestor-first.
func (g *Graph) branchFrom(tip types.BlockID, stop types.Hash) ([]types.BlockID, error) {
	var branch []types.BlockID
	cur, ok := g.nodes[tip.Hash]
	for ok {
		branch = append(branch, cur.header.ID)
		if cur.header.Parent == stop {
			break
		}
		cur, ok = g.nodes[cur.header.Parent]
	}
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, nil
}

// Header returns a retained header by hash.
func (g *Graph) Header(hash types.Hash) (store.HeaderRecord, bool) {
	n, ok := g.nodes[hash]
	if !ok {
		return store.HeaderRecord{}, false
	}
	return n.header, true
}

// evict drops headers farther than the window below the tip.
func (g *Graph) evict() {
	if g.tip.Height < uint64(g.window) {
		return
	}
	floor := g.tip.Height - uint64(g.window)
	for hash, n := range g.nodes {
		if n.header.ID.Height < floor {
			delete(g.nodes, hash)
		}
	}
	for hash, h := range g.orphans {
		if h.ID.Height < floor {
			delete(g.orphans, hash)
		}
	}
}

func (g *Graph) publish() {
	tip := g.tip
	g.snapshot.Store(&tip)
}

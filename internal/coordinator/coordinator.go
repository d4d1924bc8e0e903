// Package coordinator drives live ingestion for one chain: it receives
// headers from the upstream source, moves the fork graph, persists each
// chain edit atomically, and fans matching work out to a bounded worker
// pool. The coordinator goroutine is the only writer of its chain's fork
// graph, block store partition, and predicate cursors.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/chainhook-labs/chainhookd/internal/dispatch"
	"github.com/chainhook-labs/chainhookd/internal/forkgraph"
	"github.com/chainhook-labs/chainhookd/internal/metrics"
	"github.com/chainhook-labs/chainhookd/internal/registry"
	"github.com/chainhook-labs/chainhookd/internal/scanner"
	"github.com/chainhook-labs/chainhookd/internal/source"
	"github.com/chainhook-labs/chainhookd/internal/storage"
	"github.com/chainhook-labs/chainhookd/internal/store"
	"github.com/chainhook-labs/chainhookd/pkg/predicate"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// DefaultHandoff is the distance from tip at which a backfill job hands the
// predicate over to live streaming.
const DefaultHandoff = 10

// resubscribeDelay paces reconnection attempts after the upstream
// subscription closes.
const resubscribeDelay = 5 * time.Second

// Config carries the per-chain coordinator settings.
type Config struct {
	Chain   types.Chain
	Network types.Network
	// Workers bounds concurrent matcher and scanner work. Defaults to the
	// core count.
	Workers int
	// Handoff is the scanner-to-stream handoff window.
	Handoff uint64
	// Window is the fork graph retention window.
	Window int
}

// Coordinator owns one chain's live ingestion loop.
type Coordinator struct {
	cfg   Config
	src   source.Source
	graph *forkgraph.Graph
	store *store.BlockStore
	reg   *registry.Registry
	disp  *dispatch.Dispatcher
	scan  *scanner.Scanner
	m     *metrics.Metrics
	log   zerolog.Logger

	pool     chan struct{}
	kick     chan struct{}
	scanDone chan scanResult

	// buffers holds live matches per Scanning predicate until handoff.
	buffers map[string]*liveBuffer
	// scanning tracks uuids with an active backfill job.
	scanning map[string]context.CancelFunc
}

type scanResult struct {
	uuid   string
	cursor uint64
	err    error
}

// liveBuffer accumulates live occurrences for a predicate while its
// backfill runs. Fingerprints deduplicate re-applied blocks across reorgs.
type liveBuffer struct {
	apply []predicate.Occurrence
	seen  map[[32]byte]bool
}

// evalResult is one predicate's matcher output for a chain edit.
type evalResult struct {
	rec      registry.Record
	apply    []predicate.Occurrence
	rollback []predicate.Occurrence
	err      error
}

// New assembles a coordinator. The fork graph tie-break follows the chain:
// Stacks defers to the earliest-seen header, Bitcoin falls back to hash
// bytes.
func New(cfg Config, src source.Source, bs *store.BlockStore, reg *registry.Registry,
	disp *dispatch.Dispatcher, scan *scanner.Scanner, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {

	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Handoff == 0 {
		cfg.Handoff = DefaultHandoff
	}
	if cfg.Window <= 0 {
		cfg.Window = forkgraph.DefaultWindow
	}

	tieBreak := forkgraph.TieBreakHashBytes
	if cfg.Chain == types.ChainStacks {
		tieBreak = forkgraph.TieBreakEarliestSeen
	}

	return &Coordinator{
		cfg:      cfg,
		src:      src,
		graph:    forkgraph.New(cfg.Window, tieBreak),
		store:    bs,
		reg:      reg,
		disp:     disp,
		scan:     scan,
		m:        m,
		log:      logger,
		pool:     make(chan struct{}, cfg.Workers),
		kick:     make(chan struct{}, 1),
		scanDone: make(chan scanResult, 16),
		buffers:  make(map[string]*liveBuffer),
		scanning: make(map[string]context.CancelFunc),
	}
}

// Tip returns the published tip snapshot. Safe for concurrent readers.
func (c *Coordinator) Tip() types.BlockID {
	return c.graph.Snapshot()
}

// Kick asks the coordinator to re-examine the registry for new predicates.
// Non-blocking; used by the control API after a registration.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Recover reloads the persisted tip and seeds the fork graph from the
// canonical index, so the first live header computes an edit against the
// pre-restart view.
func (c *Coordinator) Recover() error {
	tip, err := c.store.Tip()
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recover tip: %w", err)
	}

	lo := uint64(0)
	if tip.Height > uint64(c.cfg.Window) {
		lo = tip.Height - uint64(c.cfg.Window)
	}
	var headers []store.HeaderRecord
	for h := lo; h <= tip.Height; h++ {
		hash, err := c.store.CanonicalHash(h)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("recover canonical at %d: %w", h, err)
		}
		hdr, err := c.store.GetHeader(types.BlockID{Height: h, Hash: hash})
		if err != nil {
			return fmt.Errorf("recover header at %d: %w", h, err)
		}
		headers = append(headers, hdr)
	}
	c.graph.Seed(headers)
	c.log.Info().Str("chain", string(c.cfg.Chain)).Uint64("height", tip.Height).
		Str("tip", tip.Hash.Short()).Msg("chain view recovered")
	return nil
}

// Run is the coordinator loop. It returns the error of the initial upstream
// subscription if that fails; otherwise it blocks until ctx is cancelled,
// retrying the upstream subscription indefinitely while running.
func (c *Coordinator) Run(ctx context.Context) error {
	c.checkRegistry(ctx)

	headers, err := c.src.Subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-c.kick:
			c.checkRegistry(ctx)

		case res := <-c.scanDone:
			c.finishScan(ctx, res)

		case h, ok := <-headers:
			if !ok {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(resubscribeDelay):
				}
				headers, err = c.src.Subscribe(ctx)
				if err != nil {
					c.log.Warn().Err(err).Str("chain", string(c.cfg.Chain)).
						Str("error_kind", "UpstreamUnavailable").Msg("resubscribe failed, retrying")
					headers = closedHeaderChan()
				}
				continue
			}
			if err := c.processHeader(ctx, h); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Error().Err(err).
					Str("chain", string(c.cfg.Chain)).
					Uint64("height", h.ID.Height).
					Msg("header processing failed")
			}
			c.checkRegistry(ctx)
		}
	}
}

func closedHeaderChan() <-chan store.HeaderRecord {
	ch := make(chan store.HeaderRecord)
	close(ch)
	return ch
}

// processHeader moves the fork graph and, if the tip changed, persists and
// evaluates the resulting edit.
func (c *Coordinator) processHeader(ctx context.Context, h store.HeaderRecord) error {
	edit, err := c.graph.IngestHeader(h)
	if errors.Is(err, forkgraph.ErrDivergent) {
		return c.handleDivergence(ctx, h)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("chain", string(c.cfg.Chain)).
			Str("error_kind", "UpstreamMalformed").Uint64("height", h.ID.Height).
			Msg("skipping header")
		return nil
	}
	if edit.Empty() {
		return nil
	}
	return c.applyEdit(ctx, edit)
}

// applyEdit persists an edit and dispatches its matches. Block writes,
// canonical reindexing, the tip pointer, and cursor advances share one
// atomic batch, so restart recovery lands on a consistent prefix.
func (c *Coordinator) applyEdit(ctx context.Context, edit forkgraph.Edit) error {
	newTip := c.graph.Tip()
	batch := c.store.NewBatch()

	// Roll back the canonical index above the new tip; heights on the new
	// branch are overwritten by the apply loop below.
	var rollbackBlocks []*source.Block
	for _, id := range edit.Rollback {
		body, err := c.store.GetBlock(id.Hash)
		if err != nil {
			return fmt.Errorf("load rollback block %s: %w", id, err)
		}
		blk, err := source.Decode(c.cfg.Chain, body)
		if err != nil {
			return fmt.Errorf("decode rollback block %s: %w", id, err)
		}
		rollbackBlocks = append(rollbackBlocks, blk)
		if id.Height > newTip.Height {
			if err := c.store.UnindexCanonicalBatch(batch, id.Height); err != nil {
				return fmt.Errorf("unindex height %d: %w", id.Height, err)
			}
		}
	}

	var applyBlocks []*source.Block
	for _, id := range edit.Apply {
		blk, err := c.fetchBlock(ctx, id)
		if err != nil {
			return err
		}
		body, err := blk.Encode()
		if err != nil {
			return fmt.Errorf("encode block %s: %w", id, err)
		}
		if err := c.store.PutBlockBatch(batch, blk.Header(), body); err != nil {
			return fmt.Errorf("store block %s: %w", id, err)
		}
		if err := c.store.ReindexCanonicalBatch(batch, id.Height, id.Hash); err != nil {
			return fmt.Errorf("reindex height %d: %w", id.Height, err)
		}
		applyBlocks = append(applyBlocks, blk)
	}

	if err := c.store.SetTipBatch(batch, newTip); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}

	if len(edit.Rollback) > 0 {
		c.m.Reorgs.WithLabelValues(string(c.cfg.Chain)).Inc()
		c.m.ReorgDepth.WithLabelValues(string(c.cfg.Chain)).Observe(float64(len(edit.Rollback)))
		c.log.Info().Str("chain", string(c.cfg.Chain)).
			Int("rollback", len(edit.Rollback)).Int("apply", len(edit.Apply)).
			Uint64("height", newTip.Height).Msg("reorg applied")
	}
	c.m.BlocksIngested.WithLabelValues(string(c.cfg.Chain)).Add(float64(len(edit.Apply)))

	// Evaluate and dispatch, then stage cursor advances into the same
	// batch before committing.
	results := c.evaluate(applyBlocks, rollbackBlocks)
	for _, res := range results {
		if res.err != nil {
			c.log.Error().Err(res.err).
				Str("predicate_uuid", res.rec.Predicate.UUID).
				Str("chain", string(c.cfg.Chain)).
				Str("error_kind", "PredicateEvaluation").
				Msg("matcher failed, skipping predicate for this edit")
			continue
		}
		c.dispatchResult(ctx, batch, res, newTip)
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit edit: %w", err)
	}
	return nil
}

// fetchBlock returns the block body for an apply directive, preferring the
// local store (reorgs re-apply previously seen blocks).
func (c *Coordinator) fetchBlock(ctx context.Context, id types.BlockID) (*source.Block, error) {
	if ok, _ := c.store.HasBlock(id.Hash); ok {
		body, err := c.store.GetBlock(id.Hash)
		if err == nil {
			if blk, derr := source.Decode(c.cfg.Chain, body); derr == nil {
				return blk, nil
			}
		}
	}
	blk, err := c.src.GetBlock(ctx, id.Hash)
	if err != nil {
		return nil, fmt.Errorf("fetch block %s: %w", id, err)
	}
	return blk, nil
}

// evaluate runs the matcher for every registered predicate over the edit's
// blocks on the worker pool, collecting results over a bounded channel.
func (c *Coordinator) evaluate(applyBlocks, rollbackBlocks []*source.Block) []evalResult {
	records, err := c.reg.List(c.cfg.Chain)
	if err != nil {
		c.log.Error().Err(err).Msg("list predicates")
		return nil
	}

	active := records[:0]
	for _, rec := range records {
		switch rec.Status {
		case predicate.StatusStreaming, predicate.StatusScanning:
			if rec.Predicate.Network == c.cfg.Network {
				active = append(active, rec)
			}
		}
	}
	if len(active) == 0 {
		return nil
	}

	results := make(chan evalResult, c.cfg.Workers)
	go func() {
		for _, rec := range active {
			rec := rec
			c.pool <- struct{}{}
			go func() {
				defer func() { <-c.pool }()
				results <- evalOne(rec, applyBlocks, rollbackBlocks)
			}()
		}
	}()

	out := make([]evalResult, 0, len(active))
	for range active {
		out = append(out, <-results)
	}
	return out
}

// evalOne evaluates one predicate snapshot against the edit's blocks.
// Matcher panics are contained and surfaced as evaluation errors.
func evalOne(rec registry.Record, applyBlocks, rollbackBlocks []*source.Block) (res evalResult) {
	res.rec = rec
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("matcher panic: %v", r)
		}
	}()
	p := rec.Predicate
	for _, blk := range rollbackBlocks {
		res.rollback = append(res.rollback, blk.Match(&p)...)
	}
	for _, blk := range applyBlocks {
		res.apply = append(res.apply, blk.Match(&p)...)
	}
	return res
}

// dispatchResult routes one predicate's matches: Streaming predicates
// dispatch now and advance their cursor inside the edit's batch; Scanning
// predicates buffer live matches until handoff.
func (c *Coordinator) dispatchResult(ctx context.Context, batch storage.Batch, res evalResult, newTip types.BlockID) {

	p := res.rec.Predicate

	switch res.rec.Status {
	case predicate.StatusScanning:
		c.bufferLive(p.UUID, res)
		return

	case predicate.StatusStreaming:
		if len(res.apply) == 0 && len(res.rollback) == 0 {
			if err := c.reg.AdvanceCursorBatch(batch, p.Chain, p.UUID, newTip.Height); err != nil {
				c.log.Error().Err(err).Str("predicate_uuid", p.UUID).Msg("stage cursor advance")
			}
			return
		}
		_, _, err := c.disp.Dispatch(ctx, &p, res.apply, res.rollback)
		if err != nil {
			c.log.Error().Err(err).
				Str("predicate_uuid", p.UUID).
				Str("chain", string(p.Chain)).
				Uint64("height", newTip.Height).
				Str("error_kind", "DispatchPermanent").
				Msg("dispatch gave up after retries")
		}
		// Cursor advances regardless of dispatch outcome — delivery is
		// at-least-once, not exactly-once.
		if err := c.reg.AdvanceCursorBatch(batch, p.Chain, p.UUID, newTip.Height); err != nil {
			c.log.Error().Err(err).Str("predicate_uuid", p.UUID).Msg("stage cursor advance")
		}
	}
}

// bufferLive stores a Scanning predicate's live matches, dropping
// occurrences from rolled-back blocks and deduplicating re-applies.
func (c *Coordinator) bufferLive(uuid string, res evalResult) {
	buf := c.buffers[uuid]
	if buf == nil {
		buf = &liveBuffer{seen: make(map[[32]byte]bool)}
		c.buffers[uuid] = buf
	}

	if len(res.rollback) > 0 {
		rolled := make(map[types.Hash]bool, len(res.rollback))
		for _, occ := range res.rollback {
			rolled[occ.BlockID.Hash] = true
		}
		kept := buf.apply[:0]
		for _, occ := range buf.apply {
			if !rolled[occ.BlockID.Hash] {
				kept = append(kept, occ)
			}
		}
		buf.apply = kept
	}

	for _, occ := range res.apply {
		fp := occ.Fingerprint(uuid)
		if buf.seen[fp] {
			continue
		}
		buf.seen[fp] = true
		buf.apply = append(buf.apply, occ)
	}
}

// checkRegistry picks up New predicates and restarts interrupted Scanning
// jobs, transitioning each into a backfill job on the worker pool.
func (c *Coordinator) checkRegistry(ctx context.Context) {
	records, err := c.reg.List(c.cfg.Chain)
	if err != nil {
		c.log.Error().Err(err).Msg("list predicates")
		return
	}
	live := 0
	for _, rec := range records {
		if rec.Status != predicate.StatusExpired && rec.Status != predicate.StatusDisabled {
			live++
		}
	}
	c.m.PredicatesLive.Set(float64(live))

	for _, rec := range records {
		if rec.Predicate.Network != c.cfg.Network {
			continue
		}
		switch rec.Status {
		case predicate.StatusNew:
			if err := c.reg.SetStatus(c.cfg.Chain, rec.Predicate.UUID, predicate.StatusScanning); err != nil {
				c.log.Error().Err(err).Str("predicate_uuid", rec.Predicate.UUID).Msg("transition to scanning")
				continue
			}
			c.startScan(ctx, rec.Predicate)
		case predicate.StatusScanning:
			if _, running := c.scanning[rec.Predicate.UUID]; !running {
				c.startScan(ctx, rec.Predicate)
			}
		}
	}
}

// startScan launches a backfill job for the predicate on the worker pool.
func (c *Coordinator) startScan(ctx context.Context, p predicate.Predicate) {
	jobCtx, cancel := context.WithCancel(ctx)
	c.scanning[p.UUID] = cancel

	tip := func() uint64 { return c.graph.Snapshot().Height }
	go func() {
		c.pool <- struct{}{}
		defer func() { <-c.pool }()
		cursor, err := c.scan.Run(jobCtx, p, tip, c.cfg.Handoff)
		select {
		case c.scanDone <- scanResult{uuid: p.UUID, cursor: cursor, err: err}:
		case <-ctx.Done():
		}
	}()
}

// finishScan completes the scanner-to-stream handoff: flush buffered live
// matches above the scan cursor, advance the cursor to the tip, and start
// streaming.
func (c *Coordinator) finishScan(ctx context.Context, res scanResult) {
	if cancel, ok := c.scanning[res.uuid]; ok {
		cancel()
		delete(c.scanning, res.uuid)
	}

	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			return
		}
		c.log.Error().Err(res.err).
			Str("predicate_uuid", res.uuid).
			Str("chain", string(c.cfg.Chain)).
			Msg("backfill failed, will retry")
		return
	}

	rec, err := c.reg.Get(c.cfg.Chain, res.uuid)
	if err != nil {
		// Deleted mid-scan.
		delete(c.buffers, res.uuid)
		return
	}
	if rec.Status == predicate.StatusExpired || rec.Status == predicate.StatusDisabled {
		delete(c.buffers, res.uuid)
		return
	}
	p := rec.Predicate

	var flush []predicate.Occurrence
	if buf := c.buffers[res.uuid]; buf != nil {
		for _, occ := range buf.apply {
			if occ.BlockID.Height > res.cursor {
				flush = append(flush, occ)
			}
		}
		delete(c.buffers, res.uuid)
	}

	if len(flush) > 0 {
		if _, _, err := c.disp.Dispatch(ctx, &p, flush, nil); err != nil {
			c.log.Error().Err(err).
				Str("predicate_uuid", p.UUID).
				Str("chain", string(p.Chain)).
				Str("error_kind", "DispatchPermanent").
				Msg("handoff flush gave up after retries")
		}
	}

	tip := c.graph.Snapshot().Height
	if tip > res.cursor {
		if err := c.reg.AdvanceCursor(p.Chain, p.UUID, tip); err != nil {
			c.log.Error().Err(err).Str("predicate_uuid", p.UUID).Msg("advance cursor at handoff")
		}
	}
	if err := c.reg.SetStatus(p.Chain, p.UUID, predicate.StatusStreaming); err != nil {
		c.log.Error().Err(err).Str("predicate_uuid", p.UUID).Msg("transition to streaming")
		return
	}
	c.log.Info().Str("predicate_uuid", p.UUID).Str("chain", string(p.Chain)).
		Uint64("cursor", res.cursor).Msg("predicate streaming")
}

// handleDivergence recovers from a fork that crossed the retained window:
// re-fetch the canonical chain below the new tip, rewind affected
// predicates into Scanning, and restart the graph at the new header.
func (c *Coordinator) handleDivergence(ctx context.Context, h store.HeaderRecord) error {
	c.log.Warn().Str("chain", string(c.cfg.Chain)).
		Uint64("height", h.ID.Height).
		Str("error_kind", "ForkDivergent").
		Msg("fork diverges beyond retained window, rewinding")

	restart := uint64(0)
	if h.ID.Height > uint64(c.cfg.Window) {
		restart = h.ID.Height - uint64(c.cfg.Window)
	}

	// Rebuild the canonical index from the upstream's current view.
	batch := c.store.NewBatch()
	for height := restart; height <= h.ID.Height; height++ {
		hdr, err := c.src.GetHeaderByHeight(ctx, height)
		if err != nil {
			return fmt.Errorf("refetch header at %d: %w", height, err)
		}
		blk, err := c.fetchBlock(ctx, hdr.ID)
		if err != nil {
			return err
		}
		body, err := blk.Encode()
		if err != nil {
			return err
		}
		if err := c.store.PutBlockBatch(batch, hdr, body); err != nil {
			return err
		}
		if err := c.store.ReindexCanonicalBatch(batch, height, hdr.ID.Hash); err != nil {
			return err
		}
	}
	if err := c.store.SetTipBatch(batch, h.ID); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit divergence rebuild: %w", err)
	}

	// Every streaming or scanning predicate re-scans from the restart height.
	records, err := c.reg.List(c.cfg.Chain)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Status != predicate.StatusStreaming && rec.Status != predicate.StatusScanning {
			continue
		}
		uuid := rec.Predicate.UUID
		if cancel, ok := c.scanning[uuid]; ok {
			cancel()
			delete(c.scanning, uuid)
		}
		if err := c.reg.RewindCursor(c.cfg.Chain, uuid, restart); err != nil {
			c.log.Error().Err(err).Str("predicate_uuid", uuid).Msg("rewind cursor")
			continue
		}
		if err := c.reg.SetStatus(c.cfg.Chain, uuid, predicate.StatusScanning); err != nil {
			c.log.Error().Err(err).Str("predicate_uuid", uuid).Msg("rewind status")
		}
	}

	c.graph.Reset(h)
	c.checkRegistry(ctx)
	return nil
}

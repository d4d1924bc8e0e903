// Package scanner drives historical backfill for a single predicate: it
// replays canonical blocks from the block store in ascending order, feeds
// them through the matcher, and dispatches in fixed-size batches.
package scanner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/chainhook-labs/chainhookd/internal/dispatch"
	"github.com/chainhook-labs/chainhookd/internal/metrics"
	"github.com/chainhook-labs/chainhookd/internal/registry"
	"github.com/chainhook-labs/chainhookd/internal/source"
	"github.com/chainhook-labs/chainhookd/internal/store"
	"github.com/chainhook-labs/chainhookd/pkg/predicate"
)

// DefaultBatchSize is the number of blocks evaluated per dispatch batch.
const DefaultBatchSize = 100

// Scanner runs backfill jobs against one chain's block store.
type Scanner struct {
	store     *store.BlockStore
	reg       *registry.Registry
	disp      *dispatch.Dispatcher
	metrics   *metrics.Metrics
	log       zerolog.Logger
	batchSize uint64
}

// New creates a scanner over the chain's block store.
func New(bs *store.BlockStore, reg *registry.Registry, disp *dispatch.Dispatcher,
	m *metrics.Metrics, logger zerolog.Logger) *Scanner {
	return &Scanner{
		store:     bs,
		reg:       reg,
		disp:      disp,
		metrics:   m,
		log:       logger,
		batchSize: DefaultBatchSize,
	}
}

// SetBatchSize overrides the dispatch batch size. Used by tests.
func (s *Scanner) SetBatchSize(n uint64) {
	if n > 0 {
		s.batchSize = n
	}
}

// Run replays canonical blocks for one predicate from its cursor up to the
// target height. tip reports the live tip height on each iteration so the
// job chases a moving target; the job completes once the cursor is within
// handoff blocks of the tip (or reaches end_block). The cursor only
// advances for batches whose dispatch concluded, so an interrupted job
// resumes exactly where it stopped. Returns the final cursor.
//
// The scan always reads through the canonical index, so a reorg that
// rewrites the index mid-job is picked up at the next batch boundary.
func (s *Scanner) Run(ctx context.Context, p predicate.Predicate, tip func() uint64, handoff uint64) (uint64, error) {
	cursor, err := s.reg.Cursor(p.Chain, p.UUID)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}

	logger := s.log.With().Str("predicate_uuid", p.UUID).Str("chain", string(p.Chain)).Logger()
	logger.Info().Uint64("cursor", cursor).Msg("backfill started")

	for {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}

		tipNow := tip()
		target := tipNow
		if p.Bounds.EndBlock != nil && *p.Bounds.EndBlock < target {
			target = *p.Bounds.EndBlock
		}
		if cursor >= target || cursor+handoff >= tipNow {
			logger.Info().Uint64("cursor", cursor).Uint64("tip", tipNow).Msg("backfill caught up")
			return cursor, nil
		}

		batchEnd := cursor + s.batchSize
		if batchEnd > target {
			batchEnd = target
		}

		occurrences, scanned, err := s.scanBatch(ctx, &p, cursor+1, batchEnd)
		if err != nil {
			return cursor, err
		}
		if scanned == 0 {
			// Canonical index gap — the store has not caught up this far.
			logger.Warn().Uint64("height", cursor+1).Msg("backfill hit canonical gap, stopping early")
			return cursor, nil
		}

		_, expired, err := s.disp.Dispatch(ctx, &p, occurrences, nil)
		if err != nil {
			// The dispatcher exhausted its retries; the failure is
			// recorded and the batch's progress still counts.
			logger.Error().Err(err).
				Uint64("height", batchEnd).
				Str("error_kind", "DispatchPermanent").
				Msg("backfill batch dispatch failed")
		}

		cursor = cursor + scanned
		if err := s.reg.AdvanceCursor(p.Chain, p.UUID, cursor); err != nil {
			return cursor, fmt.Errorf("advance cursor: %w", err)
		}
		s.metrics.ScannerProgress.WithLabelValues(p.UUID).Set(float64(cursor))

		if expired {
			logger.Info().Uint64("cursor", cursor).Msg("backfill stopped at occurrence cap")
			return cursor, nil
		}
	}
}

// scanBatch evaluates the matcher over [lo, hi] and returns the collected
// occurrences plus the number of contiguous canonical blocks visited.
func (s *Scanner) scanBatch(ctx context.Context, p *predicate.Predicate, lo, hi uint64) ([]predicate.Occurrence, uint64, error) {
	var out []predicate.Occurrence
	var scanned uint64
	err := s.store.ScanRange(lo, hi, func(height uint64, body []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := source.Decode(p.Chain, body)
		if err != nil {
			s.log.Error().Err(err).
				Str("predicate_uuid", p.UUID).
				Uint64("height", height).
				Str("error_kind", "PredicateEvaluation").
				Msg("skipping undecodable block")
			scanned++
			return nil
		}
		out = append(out, blk.Match(p)...)
		scanned++
		return nil
	})
	if err != nil {
		return nil, scanned, err
	}
	return out, scanned, nil
}

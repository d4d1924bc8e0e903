// Package dispatch delivers matched occurrences through a predicate's
// configured action. Delivery is at-least-once: transient failures retry
// with exponential backoff, permanent failures are recorded and the stream
// moves on.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/chainhook-labs/chainhookd/internal/metrics"
	"github.com/chainhook-labs/chainhookd/internal/registry"
	"github.com/chainhook-labs/chainhookd/pkg/predicate"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// Retry schedule for transient delivery failures.
const (
	retryBase    = 1 * time.Second
	retryCap     = 30 * time.Second
	maxAttempts  = 3
	httpTimeout  = 15 * time.Second
	maxRespDrain = 4 << 10
)

// Payload is the single outbound document produced per predicate per chain
// edit. Rollback occurrences precede apply occurrences.
type Payload struct {
	PredicateUUID string                 `json:"predicate_uuid"`
	Chain         types.Chain            `json:"chain"`
	Network       types.Network          `json:"network"`
	Rollback      []predicate.Occurrence `json:"rollback,omitempty"`
	Apply         []predicate.Occurrence `json:"apply,omitempty"`
}

// Dispatcher executes actions. One instance is shared by the coordinators
// and scanner jobs; it has no per-predicate state.
type Dispatcher struct {
	client  *http.Client
	reg     *registry.Registry
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a dispatcher bound to the registry for occurrence accounting.
func New(reg *registry.Registry, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client:  &http.Client{Timeout: httpTimeout},
		reg:     reg,
		metrics: m,
		log:     logger,
	}
}

// Dispatch delivers one edit's batches for a predicate. The apply batch is
// truncated to the predicate's remaining occurrence allowance; when the
// total delivered reaches expire_after_occurrence the predicate is marked
// Expired and expired=true is returned. A delivery that exhausts its
// retries is recorded as a failure and returned as err — the caller still
// advances the cursor.
func (d *Dispatcher) Dispatch(ctx context.Context, p *predicate.Predicate,
	apply, rollback []predicate.Occurrence) (delivered int, expired bool, err error) {

	limit := p.Bounds.ExpireAfterOccurrence
	if limit != nil {
		rec, err := d.reg.Get(p.Chain, p.UUID)
		if err != nil {
			return 0, false, err
		}
		if rec.Status == predicate.StatusExpired || rec.Occurrences >= *limit {
			return 0, true, nil
		}
		if remaining := *limit - rec.Occurrences; uint64(len(apply)) > remaining {
			apply = apply[:remaining]
		}
	}

	if len(apply) == 0 && len(rollback) == 0 {
		return 0, false, nil
	}

	payload := Payload{
		PredicateUUID: p.UUID,
		Chain:         p.Chain,
		Network:       p.Network,
		Rollback:      rollback,
		Apply:         apply,
	}

	if err := d.deliver(ctx, &p.Action, &payload); err != nil {
		d.metrics.DispatchFailed.WithLabelValues(string(p.Action.Kind)).Inc()
		if ferr := d.reg.AddFailure(p.Chain, p.UUID); ferr != nil {
			d.log.Error().Err(ferr).Str("predicate_uuid", p.UUID).Msg("record dispatch failure")
		}
		return 0, false, err
	}

	d.metrics.Occurrences.WithLabelValues(string(p.Action.Kind)).Add(float64(len(apply)))

	if len(apply) > 0 && limit != nil {
		total, err := d.reg.AddOccurrences(p.Chain, p.UUID, uint64(len(apply)))
		if err != nil {
			return len(apply), false, err
		}
		if total >= *limit {
			if err := d.reg.SetStatus(p.Chain, p.UUID, predicate.StatusExpired); err != nil {
				return len(apply), false, err
			}
			d.log.Info().
				Str("predicate_uuid", p.UUID).
				Str("chain", string(p.Chain)).
				Uint64("occurrences", total).
				Msg("predicate expired")
			return len(apply), true, nil
		}
	} else if len(apply) > 0 {
		if _, err := d.reg.AddOccurrences(p.Chain, p.UUID, uint64(len(apply))); err != nil {
			return len(apply), false, err
		}
	}

	return len(apply), false, nil
}

// deliver executes the action once per payload, retrying transient errors.
func (d *Dispatcher) deliver(ctx context.Context, a *predicate.Action, payload *Payload) error {
	switch a.Kind {
	case predicate.ActionNoop:
		return nil
	case predicate.ActionHTTPPost:
		return d.post(ctx, a.HTTP, payload)
	case predicate.ActionFileAppend:
		return appendLine(a.File.Path, payload)
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// post sends the payload as JSON, succeeding on any 2xx. Non-2xx responses
// and transport errors retry on the exponential schedule.
func (d *Dispatcher) post(ctx context.Context, target *predicate.HTTPPost, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if target.AuthorizationHeader != "" {
			req.Header.Set("Authorization", target.AuthorizationHeader)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("post %s: %w", target.URL, err)
		}
		defer resp.Body.Close()
		io.CopyN(io.Discard, resp.Body, maxRespDrain)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("post %s: status %d", target.URL, resp.StatusCode)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.MaxInterval = retryCap
	return backoff.Retry(attempt,
		backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
}

// appendLine writes the payload as one JSON line. O_APPEND keeps each line
// write atomic with respect to concurrent appenders.
func appendLine(path string, payload *Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

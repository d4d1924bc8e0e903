// Package predicate defines registered predicates — "if <trigger> then
// <action>" rules over a chain and network — and the pure matcher that
// evaluates them against confirmed blocks.
package predicate

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// Validation errors surfaced to the registry and the control API.
var (
	ErrInvalidUUID    = errors.New("invalid predicate uuid")
	ErrUnknownChain   = errors.New("unknown chain")
	ErrUnknownNetwork = errors.New("unknown network")
	ErrBadBounds      = errors.New("start_block exceeds end_block")
	ErrBadTrigger     = errors.New("trigger not valid for chain")
	ErrBadAction      = errors.New("invalid action")
)

// Status is the lifecycle state of a registered predicate.
type Status string

const (
	// StatusNew means the predicate has been registered but not yet picked
	// up by the coordinator.
	StatusNew Status = "new"
	// StatusScanning means a backfill job is replaying historical blocks.
	StatusScanning Status = "scanning"
	// StatusStreaming means the predicate follows the live chain tip.
	StatusStreaming Status = "streaming"
	// StatusExpired means the occurrence cap was reached; evaluation stopped.
	StatusExpired Status = "expired"
	// StatusDisabled means the predicate was explicitly turned off.
	StatusDisabled Status = "disabled"
)

// Bounds restricts the block range a predicate evaluates over.
type Bounds struct {
	StartBlock *uint64 `json:"start_block,omitempty"`
	EndBlock   *uint64 `json:"end_block,omitempty"`
	// Blocks is an explicit list of heights; when set, only these heights
	// are evaluated.
	Blocks                []uint64 `json:"blocks,omitempty"`
	ExpireAfterOccurrence *uint64  `json:"expire_after_occurrence,omitempty"`
}

// Contains reports whether a block height falls inside the bounds.
func (b Bounds) Contains(height uint64) bool {
	if b.StartBlock != nil && height < *b.StartBlock {
		return false
	}
	if b.EndBlock != nil && height > *b.EndBlock {
		return false
	}
	if len(b.Blocks) > 0 {
		for _, h := range b.Blocks {
			if h == height {
				return true
			}
		}
		return false
	}
	return true
}

// Validate checks internal consistency of the bounds.
func (b Bounds) Validate() error {
	if b.StartBlock != nil && b.EndBlock != nil && *b.StartBlock > *b.EndBlock {
		return fmt.Errorf("%w: start %d > end %d", ErrBadBounds, *b.StartBlock, *b.EndBlock)
	}
	return nil
}

// Predicate is a compiled, immutable predicate for one chain and network.
// The coordinator hands workers snapshots of this struct by value; status
// and progress live in the registry, not here.
type Predicate struct {
	UUID      string        `json:"uuid"`
	OwnerUUID string        `json:"owner_uuid,omitempty"`
	Name      string        `json:"name"`
	Version   uint32        `json:"version"`
	Chain     types.Chain   `json:"chain"`
	Network   types.Network `json:"network"`

	// Exactly one of Bitcoin/Stacks is set, matching Chain.
	Bitcoin *BitcoinTrigger `json:"bitcoin_if_this,omitempty"`
	Stacks  *StacksTrigger  `json:"stacks_if_this,omitempty"`

	Action Action `json:"then_that"`
	Bounds Bounds `json:"bounds"`

	// Bitcoin payload enrichment flags.
	IncludeProof   bool `json:"include_proof,omitempty"`
	IncludeInputs  bool `json:"include_inputs,omitempty"`
	IncludeOutputs bool `json:"include_outputs,omitempty"`
	IncludeWitness bool `json:"include_witness,omitempty"`

	// Stacks payload enrichment flags.
	CaptureAllEvents    bool `json:"capture_all_events,omitempty"`
	DecodeClarityValues bool `json:"decode_clarity_values,omitempty"`
	IncludeContractABI  bool `json:"include_contract_abi,omitempty"`
}

// Validate checks the predicate is well-formed: parseable uuid, known chain
// and network, consistent bounds, and a trigger that belongs to the chain.
func (p *Predicate) Validate() error {
	if _, err := uuid.Parse(p.UUID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidUUID, p.UUID)
	}
	if !p.Chain.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChain, p.Chain)
	}
	if !p.Network.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownNetwork, p.Network)
	}
	if err := p.Bounds.Validate(); err != nil {
		return err
	}
	switch p.Chain {
	case types.ChainBitcoin:
		if p.Bitcoin == nil || p.Stacks != nil {
			return fmt.Errorf("%w: bitcoin predicate requires a bitcoin trigger", ErrBadTrigger)
		}
		if err := p.Bitcoin.Validate(); err != nil {
			return err
		}
	case types.ChainStacks:
		if p.Stacks == nil || p.Bitcoin != nil {
			return fmt.Errorf("%w: stacks predicate requires a stacks trigger", ErrBadTrigger)
		}
		if err := p.Stacks.Validate(); err != nil {
			return err
		}
	}
	return p.Action.Validate()
}

package predicate

import (
	"encoding/json"
	"fmt"

	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// NetworkSpec is the per-network section of a registration body.
type NetworkSpec struct {
	IfThis   json.RawMessage `json:"if_this"`
	ThenThat Action          `json:"then_that"`

	StartBlock            *uint64  `json:"start_block,omitempty"`
	EndBlock              *uint64  `json:"end_block,omitempty"`
	Blocks                []uint64 `json:"blocks,omitempty"`
	ExpireAfterOccurrence *uint64  `json:"expire_after_occurrence,omitempty"`

	IncludeProof   bool `json:"include_proof,omitempty"`
	IncludeInputs  bool `json:"include_inputs,omitempty"`
	IncludeOutputs bool `json:"include_outputs,omitempty"`
	IncludeWitness bool `json:"include_witness,omitempty"`

	CaptureAllEvents    bool `json:"capture_all_events,omitempty"`
	DecodeClarityValues bool `json:"decode_clarity_values,omitempty"`
	IncludeContractABI  bool `json:"include_contract_abi,omitempty"`
}

// FullSpecification is the registration body accepted by the control API:
// one predicate definition with per-network trigger/action settings.
type FullSpecification struct {
	Chain     types.Chain            `json:"chain"`
	UUID      string                 `json:"uuid"`
	OwnerUUID string                 `json:"owner_uuid,omitempty"`
	Name      string                 `json:"name"`
	Version   uint32                 `json:"version"`
	Networks  map[string]NetworkSpec `json:"networks"`
}

// Compile resolves the specification against one named network and returns
// the immutable predicate the engine evaluates. The returned predicate has
// been validated.
func (s *FullSpecification) Compile(network types.Network) (*Predicate, error) {
	ns, ok := s.Networks[string(network)]
	if !ok {
		return nil, fmt.Errorf("%w: specification has no section for network %q", ErrUnknownNetwork, network)
	}

	p := &Predicate{
		UUID:      s.UUID,
		OwnerUUID: s.OwnerUUID,
		Name:      s.Name,
		Version:   s.Version,
		Chain:     s.Chain,
		Network:   network,
		Action:    ns.ThenThat,
		Bounds: Bounds{
			StartBlock:            ns.StartBlock,
			EndBlock:              ns.EndBlock,
			Blocks:                ns.Blocks,
			ExpireAfterOccurrence: ns.ExpireAfterOccurrence,
		},
		IncludeProof:        ns.IncludeProof,
		IncludeInputs:       ns.IncludeInputs,
		IncludeOutputs:      ns.IncludeOutputs,
		IncludeWitness:      ns.IncludeWitness,
		CaptureAllEvents:    ns.CaptureAllEvents,
		DecodeClarityValues: ns.DecodeClarityValues,
		IncludeContractABI:  ns.IncludeContractABI,
	}

	switch s.Chain {
	case types.ChainBitcoin:
		var t BitcoinTrigger
		if err := json.Unmarshal(ns.IfThis, &t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadTrigger, err)
		}
		p.Bitcoin = &t
	case types.ChainStacks:
		var t StacksTrigger
		if err := json.Unmarshal(ns.IfThis, &t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadTrigger, err)
		}
		p.Stacks = &t
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, s.Chain)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the specification shape without compiling a network.
func (s *FullSpecification) Validate() error {
	if !s.Chain.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChain, s.Chain)
	}
	if len(s.Networks) == 0 {
		return fmt.Errorf("%w: specification has no networks", ErrUnknownNetwork)
	}
	for name := range s.Networks {
		if !types.Network(name).Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
		}
		if _, err := s.Compile(types.Network(name)); err != nil {
			return err
		}
	}
	return nil
}

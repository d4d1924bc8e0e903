package predicate

import (
	"strings"

	"github.com/chainhook-labs/chainhookd/pkg/stacks"
)

// EventMatch is the payload attached to event-scope occurrences.
type EventMatch struct {
	Kind               stacks.EventKind `json:"kind"`
	ContractIdentifier string           `json:"contract_identifier,omitempty"`
	AssetIdentifier    string           `json:"asset_identifier,omitempty"`
	Value              string           `json:"value,omitempty"`
	Sender             string           `json:"sender,omitempty"`
	Recipient          string           `json:"recipient,omitempty"`
	Amount             uint64           `json:"amount,omitempty"`
}

// CallMatch is the payload attached to contract_call occurrences.
type CallMatch struct {
	ContractIdentifier string   `json:"contract_identifier"`
	Method             string   `json:"method"`
	Args               []string `json:"args,omitempty"`
}

// DeployMatch is the payload attached to contract_deployment occurrences.
type DeployMatch struct {
	ContractIdentifier string `json:"contract_identifier"`
	Sender             string `json:"sender"`
	ABI                string `json:"abi,omitempty"`
}

// MatchStacks evaluates a Stacks predicate against a block. Pure and
// deterministic; occurrences come out in (tx_index, event order).
func MatchStacks(blk *stacks.Block, p *Predicate) []Occurrence {
	if p.Stacks == nil || !p.Bounds.Contains(blk.Header.BlockID.Height) {
		return nil
	}
	t := p.Stacks

	if t.Scope == ScopeBlockHeight {
		if t.Height != nil && t.Height.Match(blk.Header.BlockID.Height) {
			return []Occurrence{{BlockID: blk.Header.BlockID}}
		}
		return nil
	}

	var out []Occurrence
	for i, tx := range blk.Transactions {
		out = append(out, matchStacksTx(blk, uint32(i), &tx, t, p)...)
	}
	return out
}

func matchStacksTx(blk *stacks.Block, index uint32, tx *stacks.Transaction, t *StacksTrigger, p *Predicate) []Occurrence {
	base := Occurrence{BlockID: blk.Header.BlockID, TxIndex: index, TxID: tx.TxID}

	switch t.Scope {
	case ScopeStacksTxID:
		if strings.EqualFold(tx.TxID.String(), strings.TrimPrefix(t.Equals, "0x")) {
			return []Occurrence{base}
		}

	case ScopeContractDeployment:
		if tx.Kind != stacks.TxContractDeploy || tx.Deploy == nil {
			return nil
		}
		if matchDeploy(tx, t) {
			o := base
			m := DeployMatch{ContractIdentifier: tx.Deploy.ContractIdentifier, Sender: tx.Sender}
			if p.IncludeContractABI {
				m.ABI = tx.Deploy.ABI
			}
			o.Payload = m
			return []Occurrence{o}
		}

	case ScopeContractCall:
		if tx.Kind != stacks.TxContractCall || tx.Call == nil {
			return nil
		}
		if tx.Call.ContractIdentifier == t.ContractIdentifier && tx.Call.Method == t.Method {
			o := base
			o.Payload = CallMatch{
				ContractIdentifier: tx.Call.ContractIdentifier,
				Method:             tx.Call.Method,
				Args:               tx.Call.Args,
			}
			return []Occurrence{o}
		}

	case ScopePrintEvent:
		rule := t.printRule()
		var occ []Occurrence
		for _, ev := range tx.Events {
			if ev.Kind != stacks.EventPrint || ev.ContractIdentifier != t.ContractIdentifier {
				continue
			}
			if rule.MatchString(ev.Value) {
				o := base
				o.Payload = eventPayload(ev)
				occ = append(occ, o)
			}
		}
		return occ

	case ScopeFTEvent, ScopeNFTEvent, ScopeSTXEvent:
		kinds := t.eventKinds()
		for _, ev := range tx.Events {
			if !kinds[ev.Kind] {
				continue
			}
			if t.Scope != ScopeSTXEvent && ev.AssetIdentifier != t.AssetIdentifier {
				continue
			}
			o := base
			o.Payload = eventPayload(ev)
			return []Occurrence{o}
		}
	}
	return nil
}

func matchDeploy(tx *stacks.Transaction, t *StacksTrigger) bool {
	if t.Deployer != "" {
		return tx.Sender == t.Deployer
	}
	if t.ImplementTrait == TraitAny {
		return len(tx.Deploy.Traits) > 0
	}
	for _, trait := range tx.Deploy.Traits {
		if trait == t.ImplementTrait {
			return true
		}
	}
	return false
}

func eventPayload(ev stacks.Event) EventMatch {
	return EventMatch{
		Kind:               ev.Kind,
		ContractIdentifier: ev.ContractIdentifier,
		AssetIdentifier:    ev.AssetIdentifier,
		Value:              ev.Value,
		Sender:             ev.Sender,
		Recipient:          ev.Recipient,
		Amount:             ev.Amount,
	}
}

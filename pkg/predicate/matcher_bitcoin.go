package predicate

import (
	"strings"

	"github.com/chainhook-labs/chainhookd/pkg/bitcoin"
)

// OutputMatch is the payload attached to output-scope occurrences.
type OutputMatch struct {
	Vout         uint32 `json:"vout"`
	Value        uint64 `json:"value"`
	ScriptPubKey string `json:"script_pubkey"`
	Address      string `json:"address,omitempty"`
	OpReturnData string `json:"op_return_data,omitempty"`
}

// InputMatch is the payload attached to input-scope occurrences.
type InputMatch struct {
	InputIndex uint32           `json:"input_index"`
	PrevOut    bitcoin.Outpoint `json:"previous_output"`
	Witness    []string         `json:"witness,omitempty"`
}

// ProtocolMatch is the payload for stacks_protocol occurrences.
type ProtocolMatch struct {
	Operation string `json:"operation"`
}

// MatchBitcoin evaluates a Bitcoin predicate against a block. It is pure:
// same block and predicate always yield the same occurrence list, in
// transaction order. Blocks outside the predicate's bounds yield nothing.
func MatchBitcoin(blk *bitcoin.Block, p *Predicate) []Occurrence {
	if p.Bitcoin == nil || !p.Bounds.Contains(blk.Header.BlockID.Height) {
		return nil
	}
	t := p.Bitcoin

	if t.Scope == ScopeBlock {
		return []Occurrence{{BlockID: blk.Header.BlockID}}
	}

	var out []Occurrence
	for i, tx := range blk.Transactions {
		occ := matchBitcoinTx(blk, uint32(i), &tx, t)
		out = append(out, occ...)
	}
	return out
}

func matchBitcoinTx(blk *bitcoin.Block, index uint32, tx *bitcoin.Transaction, t *BitcoinTrigger) []Occurrence {
	base := Occurrence{BlockID: blk.Header.BlockID, TxIndex: index, TxID: tx.TxID}

	switch t.Scope {
	case ScopeTxID:
		if strings.EqualFold(tx.TxID.String(), strings.TrimPrefix(t.Equals, "0x")) {
			return []Occurrence{base}
		}

	case ScopeInputs:
		for i, in := range tx.Inputs {
			if matchInput(&in, t) {
				o := base
				o.Payload = InputMatch{InputIndex: uint32(i), PrevOut: in.PrevOut, Witness: in.Witness}
				return []Occurrence{o}
			}
		}

	case ScopeOutputs:
		var occ []Occurrence
		for i, o := range tx.Outputs {
			if matchOutput(&o, t) {
				m := base
				m.Payload = OutputMatch{
					Vout:         uint32(i),
					Value:        o.Value,
					ScriptPubKey: o.ScriptPubKey,
					Address:      o.Address,
					OpReturnData: o.OpReturnData,
				}
				occ = append(occ, m)
			}
		}
		// At most one occurrence per transaction; the first matching
		// output's detail rides along.
		if len(occ) > 0 {
			return occ[:1]
		}

	case ScopeStacksProtocol:
		for _, op := range tx.StacksOperations {
			if string(op.Kind) == t.Operation {
				o := base
				o.Payload = ProtocolMatch{Operation: t.Operation}
				return []Occurrence{o}
			}
		}

	case ScopeOrdinalsProtocol:
		if len(tx.Inscriptions) > 0 {
			o := base
			o.Payload = tx.Inscriptions
			return []Occurrence{o}
		}
	}
	return nil
}

func matchInput(in *bitcoin.Input, t *BitcoinTrigger) bool {
	if t.Txid != nil {
		return strings.EqualFold(in.PrevOut.TxID.String(), strings.TrimPrefix(t.Txid.TxID, "0x")) &&
			in.PrevOut.Vout == t.Txid.Vout
	}
	if t.WitnessScript != nil {
		for _, w := range in.Witness {
			if t.WitnessScript.MatchHex(w) {
				return true
			}
		}
	}
	return false
}

func matchOutput(o *bitcoin.Output, t *BitcoinTrigger) bool {
	switch {
	case t.OpReturn != nil:
		return o.Kind == bitcoin.ScriptOpReturn && t.OpReturn.MatchHex(o.OpReturnData)
	case t.P2PKH != nil:
		return o.Kind == bitcoin.ScriptP2PKH && o.Address == t.P2PKH.Equals
	case t.P2SH != nil:
		return o.Kind == bitcoin.ScriptP2SH && o.Address == t.P2SH.Equals
	case t.P2WPKH != nil:
		return o.Kind == bitcoin.ScriptP2WPKH && o.Address == t.P2WPKH.Equals
	case t.P2WSH != nil:
		return o.Kind == bitcoin.ScriptP2WSH && o.Address == t.P2WSH.Equals
	case t.Descriptor != nil:
		return matchDescriptor(t.Descriptor, o.ScriptPubKey)
	}
	return false
}

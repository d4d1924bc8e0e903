package predicate

import (
	"fmt"

	"github.com/chainhook-labs/chainhookd/pkg/bitcoin"
)

// BitcoinScope names the Bitcoin trigger variants.
type BitcoinScope string

const (
	ScopeBlock            BitcoinScope = "block"
	ScopeTxID             BitcoinScope = "txid"
	ScopeInputs           BitcoinScope = "inputs"
	ScopeOutputs          BitcoinScope = "outputs"
	ScopeStacksProtocol   BitcoinScope = "stacks_protocol"
	ScopeOrdinalsProtocol BitcoinScope = "ordinals_protocol"
)

// InputsTxID selects transactions that consume a specific outpoint.
type InputsTxID struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// Descriptor selects outputs matching a derived script at any index in the
// inclusive range.
type Descriptor struct {
	Expression string    `json:"expression"`
	Range      [2]uint32 `json:"range"`
}

// BitcoinTrigger is the tagged sum of Bitcoin trigger variants. Scope
// selects the variant; the corresponding field carries its settings.
type BitcoinTrigger struct {
	Scope BitcoinScope `json:"scope"`

	// txid scope.
	Equals string `json:"equals,omitempty"`

	// inputs scope: one of the two.
	Txid          *InputsTxID   `json:"txid,omitempty"`
	WitnessScript *MatchingRule `json:"witness_script,omitempty"`

	// outputs scope: one of the following.
	OpReturn   *MatchingRule `json:"op_return,omitempty"`
	P2PKH      *ExactMatch   `json:"p2pkh,omitempty"`
	P2SH       *ExactMatch   `json:"p2sh,omitempty"`
	P2WPKH     *ExactMatch   `json:"p2wpkh,omitempty"`
	P2WSH      *ExactMatch   `json:"p2wsh,omitempty"`
	Descriptor *Descriptor   `json:"descriptor,omitempty"`

	// stacks_protocol / ordinals_protocol scopes.
	Operation string `json:"operation,omitempty"`
}

// ExactMatch is the equals-only rule used by address-scoped output triggers.
type ExactMatch struct {
	Equals string `json:"equals"`
}

// Validate checks that the scope is known and its settings are present.
func (t *BitcoinTrigger) Validate() error {
	switch t.Scope {
	case ScopeBlock:
		return nil
	case ScopeTxID:
		if t.Equals == "" {
			return fmt.Errorf("%w: txid scope requires equals", ErrBadTrigger)
		}
		return nil
	case ScopeInputs:
		if (t.Txid == nil) == (t.WitnessScript == nil) {
			return fmt.Errorf("%w: inputs scope requires exactly one of txid, witness_script", ErrBadTrigger)
		}
		if t.WitnessScript != nil {
			return t.WitnessScript.Validate()
		}
		if t.Txid.TxID == "" {
			return fmt.Errorf("%w: inputs txid spec requires a txid", ErrBadTrigger)
		}
		return nil
	case ScopeOutputs:
		set := 0
		if t.OpReturn != nil {
			set++
		}
		for _, m := range []*ExactMatch{t.P2PKH, t.P2SH, t.P2WPKH, t.P2WSH} {
			if m != nil {
				set++
				if m.Equals == "" {
					return fmt.Errorf("%w: output address rule requires equals", ErrBadTrigger)
				}
			}
		}
		if t.Descriptor != nil {
			set++
			if t.Descriptor.Expression == "" {
				return fmt.Errorf("%w: descriptor requires an expression", ErrBadTrigger)
			}
			if t.Descriptor.Range[0] > t.Descriptor.Range[1] {
				return fmt.Errorf("%w: descriptor range [%d, %d] is inverted", ErrBadTrigger,
					t.Descriptor.Range[0], t.Descriptor.Range[1])
			}
			if _, err := parseDescriptor(t.Descriptor.Expression); err != nil {
				return fmt.Errorf("%w: %v", ErrBadTrigger, err)
			}
		}
		if set != 1 {
			return fmt.Errorf("%w: outputs scope requires exactly one output rule, got %d", ErrBadTrigger, set)
		}
		if t.OpReturn != nil {
			return t.OpReturn.Validate()
		}
		return nil
	case ScopeStacksProtocol:
		switch bitcoin.StacksOperationKind(t.Operation) {
		case bitcoin.OpStackerRewarded, bitcoin.OpBlockCommitted, bitcoin.OpLeaderRegistered,
			bitcoin.OpStxTransferred, bitcoin.OpStxLocked:
			return nil
		}
		return fmt.Errorf("%w: unknown stacks_protocol operation %q", ErrBadTrigger, t.Operation)
	case ScopeOrdinalsProtocol:
		if t.Operation != "inscription_feed" {
			return fmt.Errorf("%w: unknown ordinals_protocol operation %q", ErrBadTrigger, t.Operation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown bitcoin scope %q", ErrBadTrigger, t.Scope)
	}
}

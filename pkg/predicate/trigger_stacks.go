package predicate

import (
	"encoding/json"
	"fmt"

	"github.com/chainhook-labs/chainhookd/pkg/stacks"
)

// StacksScope names the Stacks trigger variants.
type StacksScope string

const (
	ScopeBlockHeight        StacksScope = "block_height"
	ScopeContractDeployment StacksScope = "contract_deployment"
	ScopeContractCall       StacksScope = "contract_call"
	ScopePrintEvent         StacksScope = "print_event"
	ScopeFTEvent            StacksScope = "ft_event"
	ScopeNFTEvent           StacksScope = "nft_event"
	ScopeSTXEvent           StacksScope = "stx_event"
	ScopeStacksTxID         StacksScope = "txid"
)

// HeightRule selects blocks by height comparison. Exactly one field is set.
type HeightRule struct {
	Equals     *uint64    `json:"equals,omitempty"`
	HigherThan *uint64    `json:"higher_than,omitempty"`
	LowerThan  *uint64    `json:"lower_than,omitempty"`
	Between    *[2]uint64 `json:"between,omitempty"`
}

// Match reports whether the height satisfies the rule.
func (r HeightRule) Match(height uint64) bool {
	switch {
	case r.Equals != nil:
		return height == *r.Equals
	case r.HigherThan != nil:
		return height > *r.HigherThan
	case r.LowerThan != nil:
		return height < *r.LowerThan
	case r.Between != nil:
		return height >= r.Between[0] && height <= r.Between[1]
	}
	return false
}

// Validate checks that exactly one comparison is set.
func (r HeightRule) Validate() error {
	set := 0
	if r.Equals != nil {
		set++
	}
	if r.HigherThan != nil {
		set++
	}
	if r.LowerThan != nil {
		set++
	}
	if r.Between != nil {
		set++
		if r.Between[0] > r.Between[1] {
			return fmt.Errorf("%w: between range [%d, %d] is inverted", ErrBadTrigger, r.Between[0], r.Between[1])
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: block_height rule needs exactly one comparison, got %d", ErrBadTrigger, set)
	}
	return nil
}

// Trait identifiers accepted by the implement_trait deployment rule.
// "*" matches any trait-implementing deployment.
const (
	TraitSIP09 = "sip09"
	TraitSIP10 = "sip10"
	TraitAny   = "*"
)

// AssetAction names the token event kinds a ft/nft/stx trigger can select.
type AssetAction string

const (
	AssetMint     AssetAction = "mint"
	AssetBurn     AssetAction = "burn"
	AssetTransfer AssetAction = "transfer"
	AssetLock     AssetAction = "lock"
)

// StacksTrigger is the tagged sum of Stacks trigger variants. The wire form
// is flat — block_height comparisons and the txid equals share the same JSON
// keys — so decoding dispatches on scope (see UnmarshalJSON).
type StacksTrigger struct {
	Scope StacksScope `json:"scope"`

	// block_height scope.
	Height *HeightRule `json:"-"`

	// contract_deployment scope: one of the two.
	Deployer       string `json:"deployer,omitempty"`
	ImplementTrait string `json:"implement_trait,omitempty"`

	// contract_call scope.
	ContractIdentifier string `json:"contract_identifier,omitempty"`
	Method             string `json:"method,omitempty"`

	// print_event scope (reuses ContractIdentifier).
	Contains     string `json:"contains,omitempty"`
	MatchesRegex string `json:"matches_regex,omitempty"`

	// ft_event / nft_event / stx_event scopes (ft/nft reuse AssetIdentifier).
	AssetIdentifier string        `json:"asset_identifier,omitempty"`
	Actions         []AssetAction `json:"actions,omitempty"`

	// txid scope.
	Equals string `json:"-"`
}

// stacksTriggerWire mirrors the flat wire form. Equals is raw because the
// block_height scope uses it as a number and the txid scope as a string.
type stacksTriggerWire struct {
	Scope StacksScope `json:"scope"`

	Equals     json.RawMessage `json:"equals,omitempty"`
	HigherThan *uint64         `json:"higher_than,omitempty"`
	LowerThan  *uint64         `json:"lower_than,omitempty"`
	Between    *[2]uint64      `json:"between,omitempty"`

	Deployer       string `json:"deployer,omitempty"`
	ImplementTrait string `json:"implement_trait,omitempty"`

	ContractIdentifier string `json:"contract_identifier,omitempty"`
	Method             string `json:"method,omitempty"`

	Contains     string `json:"contains,omitempty"`
	MatchesRegex string `json:"matches_regex,omitempty"`

	AssetIdentifier string        `json:"asset_identifier,omitempty"`
	Actions         []AssetAction `json:"actions,omitempty"`
}

// UnmarshalJSON decodes the flat wire form, dispatching the shared equals
// key on scope.
func (t *StacksTrigger) UnmarshalJSON(data []byte) error {
	var w stacksTriggerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = StacksTrigger{
		Scope:              w.Scope,
		Deployer:           w.Deployer,
		ImplementTrait:     w.ImplementTrait,
		ContractIdentifier: w.ContractIdentifier,
		Method:             w.Method,
		Contains:           w.Contains,
		MatchesRegex:       w.MatchesRegex,
		AssetIdentifier:    w.AssetIdentifier,
		Actions:            w.Actions,
	}
	switch w.Scope {
	case ScopeBlockHeight:
		rule := HeightRule{HigherThan: w.HigherThan, LowerThan: w.LowerThan, Between: w.Between}
		if len(w.Equals) > 0 {
			var h uint64
			if err := json.Unmarshal(w.Equals, &h); err != nil {
				return fmt.Errorf("%w: block_height equals: %v", ErrBadTrigger, err)
			}
			rule.Equals = &h
		}
		t.Height = &rule
	default:
		if len(w.Equals) > 0 {
			if err := json.Unmarshal(w.Equals, &t.Equals); err != nil {
				return fmt.Errorf("%w: equals: %v", ErrBadTrigger, err)
			}
		}
	}
	return nil
}

// MarshalJSON renders the flat wire form.
func (t StacksTrigger) MarshalJSON() ([]byte, error) {
	w := stacksTriggerWire{
		Scope:              t.Scope,
		Deployer:           t.Deployer,
		ImplementTrait:     t.ImplementTrait,
		ContractIdentifier: t.ContractIdentifier,
		Method:             t.Method,
		Contains:           t.Contains,
		MatchesRegex:       t.MatchesRegex,
		AssetIdentifier:    t.AssetIdentifier,
		Actions:            t.Actions,
	}
	if t.Height != nil {
		w.HigherThan = t.Height.HigherThan
		w.LowerThan = t.Height.LowerThan
		w.Between = t.Height.Between
		if t.Height.Equals != nil {
			raw, err := json.Marshal(*t.Height.Equals)
			if err != nil {
				return nil, err
			}
			w.Equals = raw
		}
	} else if t.Equals != "" {
		raw, err := json.Marshal(t.Equals)
		if err != nil {
			return nil, err
		}
		w.Equals = raw
	}
	return json.Marshal(w)
}

// printRule assembles the print_event comparison as a MatchingRule.
func (t *StacksTrigger) printRule() MatchingRule {
	return MatchingRule{Contains: t.Contains, MatchesRegex: t.MatchesRegex}
}

// Validate checks that the scope is known and its settings are present.
func (t *StacksTrigger) Validate() error {
	switch t.Scope {
	case ScopeBlockHeight:
		if t.Height == nil {
			return fmt.Errorf("%w: block_height scope requires a height rule", ErrBadTrigger)
		}
		return t.Height.Validate()
	case ScopeContractDeployment:
		if (t.Deployer == "") == (t.ImplementTrait == "") {
			return fmt.Errorf("%w: contract_deployment requires exactly one of deployer, implement_trait", ErrBadTrigger)
		}
		if t.ImplementTrait != "" {
			switch t.ImplementTrait {
			case TraitSIP09, TraitSIP10, TraitAny:
			default:
				return fmt.Errorf("%w: unknown trait %q", ErrBadTrigger, t.ImplementTrait)
			}
		}
		return nil
	case ScopeContractCall:
		if t.ContractIdentifier == "" || t.Method == "" {
			return fmt.Errorf("%w: contract_call requires contract_identifier and method", ErrBadTrigger)
		}
		return nil
	case ScopePrintEvent:
		if t.ContractIdentifier == "" {
			return fmt.Errorf("%w: print_event requires contract_identifier", ErrBadTrigger)
		}
		return t.printRule().Validate()
	case ScopeFTEvent, ScopeNFTEvent:
		if t.AssetIdentifier == "" {
			return fmt.Errorf("%w: %s requires asset_identifier", ErrBadTrigger, t.Scope)
		}
		fallthrough
	case ScopeSTXEvent:
		if len(t.Actions) == 0 {
			return fmt.Errorf("%w: %s requires at least one action", ErrBadTrigger, t.Scope)
		}
		for _, a := range t.Actions {
			switch a {
			case AssetMint, AssetBurn, AssetTransfer:
			case AssetLock:
				if t.Scope != ScopeSTXEvent {
					return fmt.Errorf("%w: action %q is stx_event only", ErrBadTrigger, a)
				}
			default:
				return fmt.Errorf("%w: unknown action %q", ErrBadTrigger, a)
			}
		}
		return nil
	case ScopeStacksTxID:
		if t.Equals == "" {
			return fmt.Errorf("%w: txid scope requires equals", ErrBadTrigger)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown stacks scope %q", ErrBadTrigger, t.Scope)
	}
}

// eventKinds maps a trigger scope + action list onto concrete event kinds.
func (t *StacksTrigger) eventKinds() map[stacks.EventKind]bool {
	kinds := make(map[stacks.EventKind]bool)
	for _, a := range t.Actions {
		switch t.Scope {
		case ScopeFTEvent:
			switch a {
			case AssetMint:
				kinds[stacks.EventFTMint] = true
			case AssetBurn:
				kinds[stacks.EventFTBurn] = true
			case AssetTransfer:
				kinds[stacks.EventFTTransfer] = true
			}
		case ScopeNFTEvent:
			switch a {
			case AssetMint:
				kinds[stacks.EventNFTMint] = true
			case AssetBurn:
				kinds[stacks.EventNFTBurn] = true
			case AssetTransfer:
				kinds[stacks.EventNFTTransfer] = true
			}
		case ScopeSTXEvent:
			switch a {
			case AssetMint:
				kinds[stacks.EventSTXMint] = true
			case AssetBurn:
				kinds[stacks.EventSTXBurn] = true
			case AssetTransfer:
				kinds[stacks.EventSTXTransfer] = true
			case AssetLock:
				kinds[stacks.EventSTXLock] = true
			}
		}
	}
	return kinds
}

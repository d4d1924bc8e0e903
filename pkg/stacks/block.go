// Package stacks defines the read-only view of Stacks blocks, transactions,
// and events used by predicate evaluation. Blocks arrive already parsed from
// the node's event observer; Clarity values are carried as the observer's
// string renderings.
package stacks

import (
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// Header contains Stacks block metadata, including the Bitcoin anchor the
// block commits to.
type Header struct {
	BlockID    types.BlockID `json:"block_identifier"`
	ParentHash types.Hash    `json:"parent_hash"`
	Timestamp  uint64        `json:"timestamp"`
	// Anchor is the Bitcoin block this Stacks block is anchored to.
	Anchor types.BlockID `json:"burn_block_identifier"`
}

// Block is a Stacks block: header plus ordered transactions.
type Block struct {
	Header       Header        `json:"header"`
	Transactions []Transaction `json:"transactions"`
}

// TxKind classifies the top-level shape of a Stacks transaction.
type TxKind string

const (
	TxContractCall   TxKind = "contract_call"
	TxContractDeploy TxKind = "contract_deployment"
	TxTokenTransfer  TxKind = "token_transfer"
	TxCoinbase       TxKind = "coinbase"
	TxTenureChange   TxKind = "tenure_change"
)

// ContractCall describes a contract-call transaction payload.
type ContractCall struct {
	ContractIdentifier string `json:"contract_identifier"`
	Method             string `json:"method"`
	// Args holds the call arguments as Clarity value renderings.
	Args []string `json:"args,omitempty"`
}

// ContractDeployment describes a contract-deploy transaction payload.
type ContractDeployment struct {
	ContractIdentifier string `json:"contract_identifier"`
	// Traits lists trait identifiers the deployed contract implements,
	// as reported by the node's ABI analysis.
	Traits []string `json:"implemented_traits,omitempty"`
	Code   string   `json:"code,omitempty"`
	ABI    string   `json:"abi,omitempty"`
}

// EventKind names the Stacks event types the matcher understands.
type EventKind string

const (
	EventPrint       EventKind = "print"
	EventFTMint      EventKind = "ft_mint"
	EventFTBurn      EventKind = "ft_burn"
	EventFTTransfer  EventKind = "ft_transfer"
	EventNFTMint     EventKind = "nft_mint"
	EventNFTBurn     EventKind = "nft_burn"
	EventNFTTransfer EventKind = "nft_transfer"
	EventSTXMint     EventKind = "stx_mint"
	EventSTXBurn     EventKind = "stx_burn"
	EventSTXTransfer EventKind = "stx_transfer"
	EventSTXLock     EventKind = "stx_lock"
)

// Event is an emitted Stacks event. For print events, Value carries the
// printed Clarity value's string rendering; for asset events,
// AssetIdentifier names the asset.
type Event struct {
	Kind               EventKind `json:"kind"`
	ContractIdentifier string    `json:"contract_identifier,omitempty"`
	AssetIdentifier    string    `json:"asset_identifier,omitempty"`
	Value              string    `json:"value,omitempty"`
	Sender             string    `json:"sender,omitempty"`
	Recipient          string    `json:"recipient,omitempty"`
	Amount             uint64    `json:"amount,omitempty"`
}

// Transaction is a Stacks transaction with the payload and events predicate
// evaluation needs.
type Transaction struct {
	TxID    types.Hash `json:"txid"`
	Kind    TxKind     `json:"kind"`
	Sender  string     `json:"sender"`
	Success bool       `json:"success"`
	// Call is set when Kind == TxContractCall.
	Call *ContractCall `json:"contract_call,omitempty"`
	// Deploy is set when Kind == TxContractDeploy.
	Deploy *ContractDeployment `json:"contract_deployment,omitempty"`
	Events []Event             `json:"events,omitempty"`
}

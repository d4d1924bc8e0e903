// Package bitcoin defines the read-only view of Bitcoin blocks and
// transactions that predicate evaluation needs. The upstream node client
// delivers blocks already parsed into this shape; the router never touches
// raw wire encoding.
package bitcoin

import (
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

// Header contains Bitcoin block metadata.
type Header struct {
	BlockID    types.BlockID `json:"block_identifier"`
	ParentHash types.Hash    `json:"parent_hash"`
	Timestamp  uint64        `json:"timestamp"`
}

// Block is a Bitcoin block: header plus ordered transactions.
type Block struct {
	Header       Header        `json:"header"`
	Transactions []Transaction `json:"transactions"`
}

// Outpoint references a transaction output by txid and output index.
type Outpoint struct {
	TxID types.Hash `json:"txid"`
	Vout uint32     `json:"vout"`
}

// Input is a transaction input: the outpoint it consumes plus witness data.
type Input struct {
	PrevOut Outpoint `json:"previous_output"`
	// Witness holds the witness stack items, hex-encoded.
	Witness []string `json:"witness,omitempty"`
	// ScriptSig is the hex-encoded unlocking script (pre-segwit spends).
	ScriptSig string `json:"script_sig,omitempty"`
	Sequence  uint32 `json:"sequence"`
}

// ScriptKind classifies an output's locking script.
type ScriptKind string

const (
	ScriptP2PKH    ScriptKind = "p2pkh"
	ScriptP2SH     ScriptKind = "p2sh"
	ScriptP2WPKH   ScriptKind = "p2wpkh"
	ScriptP2WSH    ScriptKind = "p2wsh"
	ScriptP2TR     ScriptKind = "p2tr"
	ScriptOpReturn ScriptKind = "op_return"
	ScriptUnknown  ScriptKind = "unknown"
)

// Output is a transaction output as the matcher sees it: value, the raw
// script, and the upstream client's classification of that script.
type Output struct {
	Value uint64 `json:"value"`
	// ScriptPubKey is the hex-encoded locking script.
	ScriptPubKey string     `json:"script_pubkey"`
	Kind         ScriptKind `json:"kind"`
	// Address is the rendered address for standard script kinds ("" otherwise).
	Address string `json:"address,omitempty"`
	// OpReturnData is the hex-encoded pushed data for op_return outputs.
	OpReturnData string `json:"op_return_data,omitempty"`
}

// StacksOperationKind names the Stacks-protocol markers that can ride in a
// Bitcoin transaction.
type StacksOperationKind string

const (
	OpStackerRewarded  StacksOperationKind = "stacker_rewarded"
	OpBlockCommitted   StacksOperationKind = "block_committed"
	OpLeaderRegistered StacksOperationKind = "leader_registered"
	OpStxTransferred   StacksOperationKind = "stx_transferred"
	OpStxLocked        StacksOperationKind = "stx_locked"
)

// StacksOperation is a parsed Stacks-protocol marker carried by a Bitcoin
// transaction. The upstream client decodes the marker; the router only
// matches on its kind.
type StacksOperation struct {
	Kind StacksOperationKind `json:"kind"`
}

// Inscription is an ordinals inscription revealed by a transaction.
type Inscription struct {
	InscriptionID string `json:"inscription_id"`
	ContentType   string `json:"content_type,omitempty"`
	ContentLength uint64 `json:"content_length,omitempty"`
	Ordinal       uint64 `json:"ordinal_number,omitempty"`
}

// Transaction is a Bitcoin transaction with the annotations predicate
// evaluation needs.
type Transaction struct {
	TxID    types.Hash `json:"txid"`
	Inputs  []Input    `json:"inputs"`
	Outputs []Output   `json:"outputs"`
	// StacksOperations holds decoded Stacks-protocol markers, if any.
	StacksOperations []StacksOperation `json:"stacks_operations,omitempty"`
	// Inscriptions holds ordinals inscriptions revealed by this transaction.
	Inscriptions []Inscription `json:"inscriptions,omitempty"`
	// Proof is the hex-encoded merkle proof, populated when requested.
	Proof string `json:"proof,omitempty"`
}

package predicate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/tyler-smith/go-bip32"
	"golang.org/x/crypto/ripemd160"
)

// descriptorScript names the script template of a parsed descriptor.
type descriptorScript string

const (
	descriptorPKH  descriptorScript = "pkh"
	descriptorWPKH descriptorScript = "wpkh"
)

// descriptor is a parsed output descriptor: a script template over an
// extended public key with a wildcard derivation path.
type descriptor struct {
	script descriptorScript
	xpub   string
	// path holds the fixed child indexes before the trailing wildcard.
	path []uint32
}

// parseDescriptor parses expressions of the form
// pkh(<xpub>/0/*) or wpkh(<xpub>/1/*). The trailing /* is the index the
// range is substituted into.
func parseDescriptor(expr string) (*descriptor, error) {
	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return nil, fmt.Errorf("malformed descriptor %q", expr)
	}
	var script descriptorScript
	switch expr[:open] {
	case "pkh":
		script = descriptorPKH
	case "wpkh":
		script = descriptorWPKH
	default:
		return nil, fmt.Errorf("unsupported descriptor script %q", expr[:open])
	}

	inner := expr[open+1 : len(expr)-1]
	parts := strings.Split(inner, "/")
	if len(parts) < 2 || parts[len(parts)-1] != "*" {
		return nil, fmt.Errorf("descriptor %q must end with a /* wildcard", expr)
	}

	d := &descriptor{script: script, xpub: parts[0]}
	for _, p := range parts[1 : len(parts)-1] {
		idx, err := strconv.ParseUint(strings.TrimSuffix(p, "'"), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad derivation step %q: %w", p, err)
		}
		if strings.HasSuffix(p, "'") {
			return nil, fmt.Errorf("hardened step %q cannot be derived from an xpub", p)
		}
		d.path = append(d.path, uint32(idx))
	}

	if _, err := bip32.B58Deserialize(d.xpub); err != nil {
		return nil, fmt.Errorf("bad extended key: %w", err)
	}
	return d, nil
}

// scriptAt derives the child public key at the given wildcard index and
// renders the descriptor's locking script, hex-encoded.
func (d *descriptor) scriptAt(index uint32) (string, error) {
	key, err := bip32.B58Deserialize(d.xpub)
	if err != nil {
		return "", fmt.Errorf("deserialize xpub: %w", err)
	}
	for _, step := range d.path {
		key, err = key.NewChildKey(step)
		if err != nil {
			return "", fmt.Errorf("derive step %d: %w", step, err)
		}
	}
	key, err = key.NewChildKey(index)
	if err != nil {
		return "", fmt.Errorf("derive index %d: %w", index, err)
	}

	h160 := hash160(key.Key)
	switch d.script {
	case descriptorPKH:
		// OP_DUP OP_HASH160 <20> OP_EQUALVERIFY OP_CHECKSIG
		return "76a914" + hex.EncodeToString(h160) + "88ac", nil
	case descriptorWPKH:
		// OP_0 <20>
		return "0014" + hex.EncodeToString(h160), nil
	}
	return "", fmt.Errorf("unsupported descriptor script %q", d.script)
}

// hash160 is RIPEMD160(SHA256(data)), the standard pubkey hash.
func hash160(data []byte) []byte {
	sha := sha256.Sum256(data)
	r := ripemd160.New()
	r.Write(sha[:])
	return r.Sum(nil)
}

// matchDescriptor reports whether the output script matches the descriptor
// at any index in the inclusive range.
func matchDescriptor(spec *Descriptor, scriptPubKey string) bool {
	d, err := parseDescriptor(spec.Expression)
	if err != nil {
		return false
	}
	target := strings.ToLower(scriptPubKey)
	for i := spec.Range[0]; i <= spec.Range[1]; i++ {
		script, err := d.scriptAt(i)
		if err != nil {
			continue
		}
		if script == target {
			return true
		}
	}
	return false
}

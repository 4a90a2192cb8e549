package gun

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// InputID formats an outpoint as the canonical "txid:vout" string used in
// negotiation messages and presig storage.
func InputID(op wire.OutPoint) string {
	return fmt.Sprintf("%s:%d", op.Hash.String(), op.Index)
}

// ParseInputID parses a "txid:vout" string back into an outpoint.
func ParseInputID(inputID string) (wire.OutPoint, error) {
	parts := strings.Split(inputID, ":")
	if len(parts) != 2 {
		return wire.OutPoint{}, fmt.Errorf("bad input_id %q: want txid:vout", inputID)
	}
	voutU64, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("bad input_id %q: %w", inputID, err)
	}
	var h chainhash.Hash
	if err := chainhash.Decode(&h, parts[0]); err != nil {
		return wire.OutPoint{}, fmt.Errorf("bad txid %q: %w", parts[0], err)
	}
	return wire.OutPoint{Hash: h, Index: uint32(voutU64)}, nil
}

// FindInputIndex locates the unique input of tx spending inputID.
func FindInputIndex(tx *wire.MsgTx, inputID string) (int, error) {
	op, err := ParseInputID(inputID)
	if err != nil {
		return -1, err
	}
	matchCount := 0
	matchIdx := -1
	for i, ti := range tx.TxIn {
		if ti.PreviousOutPoint == op {
			matchCount++
			matchIdx = i
		}
	}
	if matchCount == 0 {
		return -1, fmt.Errorf("input %s not found in draft", inputID)
	}
	if matchCount > 1 {
		return -1, fmt.Errorf("input %s matches %d inputs in draft (ambiguous)", inputID, matchCount)
	}
	return matchIdx, nil
}

// GenerateEscrowKey returns a fresh private key normalized so its public
// key has even Y. All escrow and session keys in the protocol are x-only
// on the wire; normalizing at generation keeps signing and verification
// free of parity juggling.
func GenerateEscrowKey() (*btcec.PrivateKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	if priv.PubKey().SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd {
		k := priv.Key
		k.Negate()
		kb := k.Bytes()
		priv = secp256k1.PrivKeyFromBytes(kb[:])
	}
	return priv, nil
}

// ParseXOnlyPubKey lifts a 32-byte x-only key to the even-Y point.
func ParseXOnlyPubKey(xOnly []byte) (*btcec.PublicKey, error) {
	if len(xOnly) != 32 {
		return nil, fmt.Errorf("x-only pubkey must be 32 bytes, got %d", len(xOnly))
	}
	return schnorr.ParsePubKey(xOnly)
}

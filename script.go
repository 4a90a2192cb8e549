package gun

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// numsInternalKeyHex is the BIP341 "nothing up my sleeve" point H. Using it
// as the taproot internal key removes the key-path spend, so the funding
// output is only spendable through the 2-of-2 script leaf.
const numsInternalKeyHex = "0250929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

var numsInternalKey = func() *btcec.PublicKey {
	b, err := hex.DecodeString(numsInternalKeyHex)
	if err != nil {
		panic(err)
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		panic(err)
	}
	return pub
}()

// SortEscrowKeys returns the two 32-byte x-only keys in canonical
// (lexicographic) order. Both parties must apply this rule so they derive
// byte-identical scripts regardless of who proposed.
func SortEscrowKeys(a, b []byte) (first, second []byte) {
	if bytes.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// BuildEscrowLeafScript builds the funding output's tapscript leaf:
//
//	<k1> OP_CHECKSIGVERIFY <k2> OP_CHECKSIG
//
// requiring a BIP340 signature from each escrow key. Keys must already be
// in canonical order.
func BuildEscrowLeafScript(k1, k2 []byte) ([]byte, error) {
	if len(k1) != 32 || len(k2) != 32 {
		return nil, errors.New("need 32-byte x-only pubkeys")
	}
	b := txscript.NewScriptBuilder()
	b.AddData(k1).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddData(k2).
		AddOp(txscript.OP_CHECKSIG)
	return b.Script()
}

// EscrowScript holds everything derived from the two parties' escrow keys:
// the tapscript leaf, the P2TR pkScript of the funding output and the
// control block used by every spend of it.
type EscrowScript struct {
	Keys         [2][]byte // x-only, canonical order, matching script slots
	LeafScript   []byte
	Leaf         txscript.TapLeaf
	PkScript     []byte
	ControlBlock []byte
}

// NewEscrowScript derives the shared funding output script material from
// two x-only escrow keys (any order).
func NewEscrowScript(keyA, keyB []byte) (*EscrowScript, error) {
	k1, k2 := SortEscrowKeys(keyA, keyB)
	leafScript, err := BuildEscrowLeafScript(k1, k2)
	if err != nil {
		return nil, err
	}
	leaf := txscript.NewBaseTapLeaf(leafScript)
	tree := txscript.AssembleTaprootScriptTree(leaf)
	root := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(numsInternalKey, root[:])
	pkScript, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return nil, err
	}
	cb := tree.LeafMerkleProofs[0].ToControlBlock(numsInternalKey)
	cbBytes, err := cb.ToBytes()
	if err != nil {
		return nil, err
	}
	es := &EscrowScript{
		LeafScript:   leafScript,
		Leaf:         leaf,
		PkScript:     pkScript,
		ControlBlock: cbBytes,
	}
	es.Keys[0] = append([]byte(nil), k1...)
	es.Keys[1] = append([]byte(nil), k2...)
	return es, nil
}

// KeyIndex returns the script slot (0 or 1) the x-only key occupies.
func (es *EscrowScript) KeyIndex(xOnly []byte) (int, error) {
	switch {
	case bytes.Equal(xOnly, es.Keys[0]):
		return 0, nil
	case bytes.Equal(xOnly, es.Keys[1]):
		return 1, nil
	}
	return -1, fmt.Errorf("key %x not part of escrow script", xOnly)
}

// SettleSigHash computes the BIP342 tapscript sighash (SIGHASH_DEFAULT) for
// spending the funding output at input idx of tx.
func (es *EscrowScript) SettleSigHash(tx *wire.MsgTx, idx int, fundingValue int64) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(es.PkScript, fundingValue)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	m, err := txscript.CalcTapscriptSignaturehash(
		sigHashes, txscript.SigHashDefault, tx, idx, fetcher, es.Leaf,
	)
	if err != nil {
		return nil, err
	}
	if len(m) != 32 {
		return nil, fmt.Errorf("unexpected sighash length %d", len(m))
	}
	return m, nil
}

// Witness assembles the spend witness. sig1 is the signature for
// Keys[0] (the OP_CHECKSIGVERIFY slot), sig2 for Keys[1]. Script execution
// consumes sig1 first, so it sits on top of the initial stack.
func (es *EscrowScript) Witness(sig1, sig2 []byte) wire.TxWitness {
	return wire.TxWitness{sig2, sig1, es.LeafScript, es.ControlBlock}
}

package gun

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// newAdaptorSecret returns a random adaptor secret gamma and its point
// T = gamma*G.
func newAdaptorSecret(t *testing.T) (*secp256k1.ModNScalar, *btcec.PublicKey) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("gen gamma: %v", err)
	}
	gamma := priv.Key
	return &gamma, priv.PubKey()
}

// draftSpend builds a minimal draft spending one fake escrow outpoint.
func draftSpend(value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: value, PkScript: []byte{0x51}})
	return tx
}

func TestPreSigFinalizeSuccess(t *testing.T) {
	privA, err := GenerateEscrowKey()
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	privB, err := GenerateEscrowKey()
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	es, err := NewEscrowScript(
		schnorr.SerializePubKey(privA.PubKey()),
		schnorr.SerializePubKey(privB.PubKey()),
	)
	if err != nil {
		t.Fatalf("escrow script: %v", err)
	}

	tx := draftSpend(9000)
	m, err := es.SettleSigHash(tx, 0, 10000)
	if err != nil {
		t.Fatalf("sighash: %v", err)
	}

	gamma, T := newAdaptorSecret(t)

	ps, err := ComputePreSig(privA, m, T)
	if err != nil {
		t.Fatalf("ComputePreSig: %v", err)
	}
	if ps.RPrime[0] != 0x02 {
		t.Fatalf("R' not even-Y")
	}
	if err := VerifyPreSig(privA.PubKey(), m, T, ps); err != nil {
		t.Fatalf("VerifyPreSig: %v", err)
	}

	sig64, err := FinalizePreSig(ps, gamma, m, privA.PubKey())
	if err != nil {
		t.Fatalf("FinalizePreSig: %v", err)
	}
	sobj, err := schnorr.ParseSignature(sig64)
	if err != nil {
		t.Fatalf("parse sig: %v", err)
	}
	if !sobj.Verify(m, privA.PubKey()) {
		t.Fatalf("final signature does not verify")
	}
}

func TestPreSigDeterministic(t *testing.T) {
	priv, err := GenerateEscrowKey()
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	_, T := newAdaptorSecret(t)
	m := make([]byte, 32)
	m[0] = 0xab

	ps1, err := ComputePreSig(priv, m, T)
	if err != nil {
		t.Fatalf("ComputePreSig: %v", err)
	}
	ps2, err := ComputePreSig(priv, m, T)
	if err != nil {
		t.Fatalf("ComputePreSig: %v", err)
	}
	if !bytes.Equal(ps1.RPrime, ps2.RPrime) || !bytes.Equal(ps1.SPrime, ps2.SPrime) {
		t.Fatalf("presig not deterministic")
	}
}

func TestPreSigFailsClosed(t *testing.T) {
	priv, err := GenerateEscrowKey()
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	other, err := GenerateEscrowKey()
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	gamma, T := newAdaptorSecret(t)
	_, T2 := newAdaptorSecret(t)

	m := make([]byte, 32)
	m[31] = 0x01
	ps, err := ComputePreSig(priv, m, T)
	if err != nil {
		t.Fatalf("ComputePreSig: %v", err)
	}

	// Wrong signer key.
	if err := VerifyPreSig(other.PubKey(), m, T, ps); err == nil {
		t.Fatalf("verify passed under wrong pubkey")
	}

	// Wrong adaptor point.
	if err := VerifyPreSig(priv.PubKey(), m, T2, ps); err == nil {
		t.Fatalf("verify passed under wrong adaptor point")
	}

	// Mutated sighash.
	m2 := append([]byte(nil), m...)
	m2[0] ^= 0x01
	if err := VerifyPreSig(priv.PubKey(), m2, T, ps); err == nil {
		t.Fatalf("verify passed under mutated sighash")
	}

	// Mutated s'.
	bad := &PreSig{RPrime: append([]byte(nil), ps.RPrime...), SPrime: append([]byte(nil), ps.SPrime...)}
	bad.SPrime[31] ^= 0x01
	if err := VerifyPreSig(priv.PubKey(), m, T, bad); err == nil {
		t.Fatalf("verify passed under mutated s'")
	}

	// Odd-Y R' is rejected outright.
	bad2 := &PreSig{RPrime: append([]byte(nil), ps.RPrime...), SPrime: ps.SPrime}
	bad2.RPrime[0] = 0x03
	if err := VerifyPreSig(priv.PubKey(), m, T, bad2); err == nil {
		t.Fatalf("verify accepted odd-Y R'")
	}

	// Finalizing with the wrong secret must fail the internal re-check.
	var wrong secp256k1.ModNScalar
	wrong.SetInt(7)
	wrong.Add(gamma)
	if _, err := FinalizePreSig(ps, &wrong, m, priv.PubKey()); err == nil {
		t.Fatalf("finalize accepted wrong adaptor secret")
	}
}

func TestFinalizeFailsOnMutatedDraft(t *testing.T) {
	priv, err := GenerateEscrowKey()
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	es, err := NewEscrowScript(
		schnorr.SerializePubKey(priv.PubKey()),
		bytes.Repeat([]byte{0x02}, 32),
	)
	if err != nil {
		t.Fatalf("escrow script: %v", err)
	}

	tx := draftSpend(9000)
	m, err := es.SettleSigHash(tx, 0, 10000)
	if err != nil {
		t.Fatalf("sighash: %v", err)
	}
	gamma, T := newAdaptorSecret(t)
	ps, err := ComputePreSig(priv, m, T)
	if err != nil {
		t.Fatalf("ComputePreSig: %v", err)
	}
	sig64, err := FinalizePreSig(ps, gamma, m, priv.PubKey())
	if err != nil {
		t.Fatalf("FinalizePreSig: %v", err)
	}

	// Mutate the draft: the sighash moves and the completed signature must
	// no longer verify.
	tx.TxOut[0].Value--
	m2, err := es.SettleSigHash(tx, 0, 10000)
	if err != nil {
		t.Fatalf("sighash: %v", err)
	}
	if bytes.Equal(m, m2) {
		t.Fatalf("expected different sighash after mutation")
	}
	sobj, err := schnorr.ParseSignature(sig64)
	if err != nil {
		t.Fatalf("parse sig: %v", err)
	}
	if sobj.Verify(m2, priv.PubKey()) {
		t.Fatalf("signature verified against mutated draft")
	}
}

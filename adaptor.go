package gun

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// adaptorNonceTag domain-separates RFC6979 nonce derivation for adaptor
// pre-signatures from plain BIP340 signing.
var adaptorNonceTag = []byte("gun/adaptor/nonce/v0")

// PreSig is a Schnorr adaptor pre-signature over a 32-byte sighash m,
// bound to an adaptor point T. It binds:
//
//	R' = k*G + T  (even-Y, compressed)
//	s' = k + e*x  (mod n), e = H_tag(BIP0340/challenge, r'_x || p_x || m)
//
// Knowing the discrete log gamma of T (T = gamma*G) turns it into the
// valid BIP340 signature (r'_x, s' + gamma).
type PreSig struct {
	RPrime []byte // 33 bytes compressed, prefix 0x02
	SPrime []byte // 32 bytes
}

// challengeScalar computes the BIP340 challenge e reduced mod n.
func challengeScalar(rX, pX, m []byte) *secp256k1.ModNScalar {
	h := chainhash.TaggedHash(chainhash.TagBIP0340Challenge, rX, pX, m)
	var e secp256k1.ModNScalar
	e.SetByteSlice(h[:])
	return &e
}

// AddPoints returns P+Q as a *btcec.PublicKey using Jacobian add and affine
// conversion. Errors if the sum is the point at infinity.
func AddPoints(p, q *btcec.PublicKey) (*btcec.PublicKey, error) {
	var pj, qj, sum secp256k1.JacobianPoint
	p.AsJacobian(&pj)
	q.AsJacobian(&qj)

	secp256k1.AddNonConst(&pj, &qj, &sum)
	if sum.Z.IsZero() {
		return nil, errors.New("sum is point at infinity")
	}
	sum.ToAffine()

	var ax, ay secp256k1.FieldVal
	ax.Set(&sum.X)
	ay.Set(&sum.Y)
	return secp256k1.NewPublicKey(&ax, &ay), nil
}

// negatePoint returns -P.
func negatePoint(p *btcec.PublicKey) *btcec.PublicKey {
	var pj secp256k1.JacobianPoint
	p.AsJacobian(&pj)
	pj.Y.Negate(1)
	pj.Y.Normalize()
	var ax, ay secp256k1.FieldVal
	ax.Set(&pj.X)
	ay.Set(&pj.Y)
	return secp256k1.NewPublicKey(&ax, &ay)
}

// evenScalar returns the signing scalar for priv normalized to the even-Y
// form of its public key, as BIP340 lifts x-only keys to even Y.
func evenScalar(priv *btcec.PrivateKey) secp256k1.ModNScalar {
	x := priv.Key
	if priv.PubKey().SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd {
		x.Negate()
	}
	return x
}

// ComputePreSig derives k via RFC6979 and enforces even-Y on R' = k*G + T.
// The retry loop is deterministic: both the signer and any replay of the
// same inputs land on the same (R', s').
func ComputePreSig(priv *btcec.PrivateKey, m []byte, T *btcec.PublicKey) (*PreSig, error) {
	if len(m) != 32 {
		return nil, errors.New("need 32-byte sighash")
	}
	if T == nil {
		return nil, errors.New("nil adaptor point")
	}

	x := evenScalar(priv)
	if x.IsZero() {
		return nil, errors.New("bad private key scalar")
	}
	xb := x.Bytes()
	pX := schnorr.SerializePubKey(priv.PubKey())

	// Domain separation for nonce derivation: bind the adaptor point so a
	// presig for a different T never reuses k.
	extra := chainhash.TaggedHash(adaptorNonceTag, T.SerializeCompressed())

	for iter := uint32(0); ; iter++ {
		k := secp256k1.NonceRFC6979(xb[:], m, extra[:], nil, iter)
		if k == nil || k.IsZero() {
			continue // ultra-rare, but stay deterministic
		}
		kb := k.Bytes()
		R := secp256k1.PrivKeyFromBytes(kb[:]).PubKey()

		// R' = R + T (retry on infinity).
		Rp, err := AddPoints(R, T)
		if err != nil {
			continue
		}
		cp := Rp.SerializeCompressed()
		// BIP340 verification lifts r_x to even Y; retry until R' matches.
		if cp[0] != secp256k1.PubKeyFormatCompressedEven {
			continue
		}

		e := challengeScalar(cp[1:33], pX, m)

		// s' = k + e*x (mod n)
		var s secp256k1.ModNScalar
		s.Set(e)
		s.Mul(&x)
		s.Add(k)

		sb := s.Bytes()
		return &PreSig{
			RPrime: append([]byte(nil), cp...),
			SPrime: sb[:],
		}, nil
	}
}

// VerifyPreSig checks the adaptor relation s'*G - e*X == R' - T for the
// given even-Y counterparty key X. Any size, parse, or relation failure is
// an error; nothing is silently accepted.
func VerifyPreSig(pub *btcec.PublicKey, m []byte, T *btcec.PublicKey, ps *PreSig) error {
	if ps == nil || len(ps.RPrime) != 33 || len(ps.SPrime) != 32 {
		return errors.New("bad presig sizes")
	}
	if len(m) != 32 {
		return errors.New("need 32-byte sighash")
	}
	if ps.RPrime[0] != secp256k1.PubKeyFormatCompressedEven {
		return errors.New("R' must be even-Y")
	}
	Rp, err := secp256k1.ParsePubKey(ps.RPrime)
	if err != nil {
		return fmt.Errorf("parse R': %w", err)
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(ps.SPrime); overflow {
		return errors.New("s' overflow")
	}

	e := challengeScalar(ps.RPrime[1:33], schnorr.SerializePubKey(pub), m)

	// lhs = s'*G + (-e)*X
	var negE secp256k1.ModNScalar
	negE.NegateVal(e)
	var Xj, eX secp256k1.JacobianPoint
	pub.AsJacobian(&Xj)
	secp256k1.ScalarMultNonConst(&negE, &Xj, &eX)
	var sG secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s, &sG)
	var lhs secp256k1.JacobianPoint
	secp256k1.AddNonConst(&sG, &eX, &lhs)
	if lhs.Z.IsZero() {
		return errors.New("lhs is point at infinity")
	}
	lhs.ToAffine()

	// rhs = R' - T
	rhs, err := AddPoints(Rp, negatePoint(T))
	if err != nil {
		return err
	}

	var lx, ly secp256k1.FieldVal
	lx.Set(&lhs.X)
	ly.Set(&lhs.Y)
	lhsPub := secp256k1.NewPublicKey(&lx, &ly)
	if !bytes.Equal(lhsPub.SerializeCompressed(), rhs.SerializeCompressed()) {
		return errors.New("adaptor relation failed")
	}
	return nil
}

// FinalizePreSig completes a verified presig with the adaptor secret gamma
// and returns the canonical 64-byte BIP340 signature, re-verified against
// pub and m before release.
func FinalizePreSig(ps *PreSig, gamma *secp256k1.ModNScalar, m []byte, pub *btcec.PublicKey) ([]byte, error) {
	if ps == nil || len(ps.RPrime) != 33 || len(ps.SPrime) != 32 {
		return nil, errors.New("bad presig sizes")
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(ps.SPrime); overflow {
		return nil, errors.New("s' overflow")
	}
	s.Add(gamma)
	sb := s.Bytes()

	sig64 := make([]byte, 0, 64)
	sig64 = append(sig64, ps.RPrime[1:33]...)
	sig64 = append(sig64, sb[:]...)

	sig, err := schnorr.ParseSignature(sig64)
	if err != nil {
		return nil, err
	}
	if !sig.Verify(m, pub) {
		return nil, errors.New("bad signature after completion")
	}
	return sig.Serialize(), nil
}

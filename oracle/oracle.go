// Package oracle implements the attestation side of the bet protocol: an
// oracle announces an event (attestation key, one-time nonce, outcome
// space) and later attests to exactly one outcome with a BIP340 signature.
//
// The announced material fixes one adaptor point per outcome:
//
//	T_i = R + e_i*P, e_i = H_tag(BIP0340/challenge, r_x || p_x || m_i)
//
// and the attestation signature's s scalar is the discrete log of the
// matching T_i, so publishing it completes the pre-signed payout for that
// outcome and no other.
package oracle

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/rajarshimaitra/gun"
)

var (
	// ErrUnknownOracle reports an attestation keyed by a different oracle
	// than the one a contract was agreed against.
	ErrUnknownOracle = errors.New("attestation from unknown oracle key")

	// ErrInvalidAttestation reports a cryptographically invalid or
	// mismatched attestation. Verification fails closed.
	ErrInvalidAttestation = errors.New("invalid attestation")
)

// attestationTag domain-separates outcome digests.
var attestationTag = []byte("gun/oracle/attestation/v0")

// OutcomeDigest returns the 32-byte message the oracle signs for a given
// event/outcome pair.
func OutcomeDigest(eventID, outcome string) [32]byte {
	h := chainhash.TaggedHash(attestationTag, []byte(eventID), []byte{0x1f}, []byte(outcome))
	return [32]byte(*h)
}

// Announcement is the oracle's public commitment for one event. It is
// agreed between both bet parties before any coin moves.
type Announcement struct {
	PubKey   []byte   `json:"pubkey"`   // 32-byte x-only attestation key
	Nonce    []byte   `json:"nonce"`    // 32-byte x-only one-time nonce for this event
	EventID  string   `json:"event_id"`
	Outcomes []string `json:"outcomes"`
}

func (a *Announcement) Validate() error {
	if len(a.PubKey) != 32 {
		return fmt.Errorf("announcement pubkey must be 32 bytes, got %d", len(a.PubKey))
	}
	if len(a.Nonce) != 32 {
		return fmt.Errorf("announcement nonce must be 32 bytes, got %d", len(a.Nonce))
	}
	if len(a.Outcomes) < 2 {
		return errors.New("announcement needs at least two outcomes")
	}
	return nil
}

// HasOutcome reports whether outcome is part of the announced space.
func (a *Announcement) HasOutcome(outcome string) bool {
	for _, o := range a.Outcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

// AdaptorPoint derives the adaptor point T for one announced outcome.
func (a *Announcement) AdaptorPoint(outcome string) (*btcec.PublicKey, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if !a.HasOutcome(outcome) {
		return nil, fmt.Errorf("%w: outcome %q not announced", ErrInvalidAttestation, outcome)
	}
	R, err := gun.ParseXOnlyPubKey(a.Nonce)
	if err != nil {
		return nil, fmt.Errorf("parse nonce: %w", err)
	}
	P, err := gun.ParseXOnlyPubKey(a.PubKey)
	if err != nil {
		return nil, fmt.Errorf("parse pubkey: %w", err)
	}

	m := OutcomeDigest(a.EventID, outcome)
	h := chainhash.TaggedHash(chainhash.TagBIP0340Challenge, a.Nonce, a.PubKey, m[:])
	var e secp256k1.ModNScalar
	e.SetByteSlice(h[:])

	var Pj, eP secp256k1.JacobianPoint
	P.AsJacobian(&Pj)
	secp256k1.ScalarMultNonConst(&e, &Pj, &eP)
	if eP.Z.IsZero() {
		return nil, errors.New("e*P is point at infinity")
	}
	eP.ToAffine()
	var ex, ey secp256k1.FieldVal
	ex.Set(&eP.X)
	ey.Set(&eP.Y)
	return gun.AddPoints(R, secp256k1.NewPublicKey(&ex, &ey))
}

// Attestation is the oracle's signed statement that one outcome happened.
type Attestation struct {
	PubKey  []byte `json:"pubkey"` // 32-byte x-only, must match the announcement
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
	Sig     []byte `json:"sig"` // 64-byte BIP340 signature over OutcomeDigest
}

// VerifyAttestation checks att against the announcement and, on success,
// returns the adaptor secret gamma (the signature's s scalar) that
// completes the pre-signature for the attested outcome.
//
// The signature's nonce must equal the announced nonce: a valid signature
// under a fresh nonce would still verify as a plain Schnorr signature but
// its s would not unlock any pre-agreed payout.
func VerifyAttestation(ann *Announcement, att *Attestation) (*secp256k1.ModNScalar, error) {
	if err := ann.Validate(); err != nil {
		return nil, err
	}
	if att == nil || len(att.Sig) != 64 {
		return nil, fmt.Errorf("%w: bad signature size", ErrInvalidAttestation)
	}
	if !bytes.Equal(att.PubKey, ann.PubKey) {
		return nil, ErrUnknownOracle
	}
	if att.EventID != ann.EventID {
		return nil, fmt.Errorf("%w: event id mismatch", ErrInvalidAttestation)
	}
	if !ann.HasOutcome(att.Outcome) {
		return nil, fmt.Errorf("%w: outcome %q not announced", ErrInvalidAttestation, att.Outcome)
	}
	if !bytes.Equal(att.Sig[:32], ann.Nonce) {
		return nil, fmt.Errorf("%w: signature nonce differs from announced nonce", ErrInvalidAttestation)
	}

	pub, err := gun.ParseXOnlyPubKey(ann.PubKey)
	if err != nil {
		return nil, fmt.Errorf("parse oracle pubkey: %w", err)
	}
	sig, err := schnorr.ParseSignature(att.Sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	m := OutcomeDigest(att.EventID, att.Outcome)
	if !sig.Verify(m[:], pub) {
		return nil, fmt.Errorf("%w: signature does not verify", ErrInvalidAttestation)
	}

	var gamma secp256k1.ModNScalar
	if overflow := gamma.SetByteSlice(att.Sig[32:]); overflow {
		return nil, fmt.Errorf("%w: s overflow", ErrInvalidAttestation)
	}
	return &gamma, nil
}

// SigningOracle is an oracle that holds its own keys. Used in tests and by
// the demo `gun oracle` subcommands; a production deployment would consume
// announcements from a third party instead.
type SigningOracle struct {
	priv *btcec.PrivateKey

	mu     sync.Mutex
	events map[string]*signedEvent
}

type signedEvent struct {
	noncePriv *btcec.PrivateKey
	ann       *Announcement
}

func NewSigningOracle() (*SigningOracle, error) {
	priv, err := gun.GenerateEscrowKey()
	if err != nil {
		return nil, err
	}
	return &SigningOracle{
		priv:   priv,
		events: make(map[string]*signedEvent),
	}, nil
}

// PubKey returns the oracle's 32-byte x-only attestation key.
func (o *SigningOracle) PubKey() []byte {
	return schnorr.SerializePubKey(o.priv.PubKey())
}

// Announce commits to an event with a fresh one-time nonce.
func (o *SigningOracle) Announce(eventID string, outcomes []string) (*Announcement, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.events[eventID]; ok {
		return nil, fmt.Errorf("event %q already announced", eventID)
	}
	noncePriv, err := gun.GenerateEscrowKey()
	if err != nil {
		return nil, err
	}
	ann := &Announcement{
		PubKey:   o.PubKey(),
		Nonce:    schnorr.SerializePubKey(noncePriv.PubKey()),
		EventID:  eventID,
		Outcomes: append([]string(nil), outcomes...),
	}
	if err := ann.Validate(); err != nil {
		return nil, err
	}
	o.events[eventID] = &signedEvent{noncePriv: noncePriv, ann: ann}
	return ann, nil
}

// Attest signs the outcome digest with the announced nonce. Each event
// attests at most once; signing two outcomes under the same nonce would
// leak the oracle's private key, which is exactly the incentive alignment
// the scheme relies on.
func (o *SigningOracle) Attest(eventID, outcome string) (*Attestation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev, ok := o.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %q not announced", eventID)
	}
	if ev.noncePriv == nil {
		return nil, fmt.Errorf("event %q already attested", eventID)
	}
	if !ev.ann.HasOutcome(outcome) {
		return nil, fmt.Errorf("outcome %q not announced for event %q", outcome, eventID)
	}

	m := OutcomeDigest(eventID, outcome)
	h := chainhash.TaggedHash(chainhash.TagBIP0340Challenge, ev.ann.Nonce, ev.ann.PubKey, m[:])
	var e secp256k1.ModNScalar
	e.SetByteSlice(h[:])

	// s = k + e*x with both scalars in even-Y form.
	k := ev.noncePriv.Key
	x := o.priv.Key
	var s secp256k1.ModNScalar
	s.Set(&e)
	s.Mul(&x)
	s.Add(&k)
	sb := s.Bytes()

	sig := make([]byte, 0, 64)
	sig = append(sig, ev.ann.Nonce...)
	sig = append(sig, sb[:]...)

	att := &Attestation{
		PubKey:  ev.ann.PubKey,
		EventID: eventID,
		Outcome: outcome,
		Sig:     sig,
	}
	if _, err := VerifyAttestation(ev.ann, att); err != nil {
		return nil, fmt.Errorf("self-check: %w", err)
	}
	ev.noncePriv = nil
	return att, nil
}

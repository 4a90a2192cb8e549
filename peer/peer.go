// Package peer carries negotiation messages between the two bet
// participants. Delivery is reliable and ordered per connection; every
// envelope is signed by the sender's session key so each message is
// attributable to the peer's known public key regardless of the underlying
// transport.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rajarshimaitra/gun"
)

// ErrBadEnvelope reports an envelope failing authenticity checks.
var ErrBadEnvelope = errors.New("bad envelope")

var envelopeTag = []byte("gun/peer/envelope/v0")

// Envelope is one framed negotiation message.
type Envelope struct {
	ContractID string          `json:"contract_id"`
	Type       string          `json:"type"`
	From       []byte          `json:"from"` // 32-byte x-only sender key
	Payload    json.RawMessage `json:"payload"`
	Sig        []byte          `json:"sig"` // 64-byte BIP340 over Digest
}

// Digest returns the signed commitment over all envelope fields. Field
// separators keep (type, payload) pairs unambiguous.
func (e *Envelope) Digest() [32]byte {
	h := chainhash.TaggedHash(envelopeTag,
		[]byte(e.ContractID), []byte{0x1f},
		[]byte(e.Type), []byte{0x1f},
		e.From, e.Payload,
	)
	return [32]byte(*h)
}

// Seal marshals payload and signs the envelope with the sender's session
// key.
func Seal(priv *btcec.PrivateKey, contractID, typ string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	e := &Envelope{
		ContractID: contractID,
		Type:       typ,
		From:       schnorr.SerializePubKey(priv.PubKey()),
		Payload:    raw,
	}
	m := e.Digest()
	sig, err := schnorr.Sign(priv, m[:])
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	e.Sig = sig.Serialize()
	return e, nil
}

// Verify checks the envelope signature. If expectedFrom is non-nil the
// sender key must match it exactly; otherwise the embedded key is used
// (first-contact case, the caller pins it afterwards).
func (e *Envelope) Verify(expectedFrom []byte) error {
	if expectedFrom != nil && !equalBytes(e.From, expectedFrom) {
		return fmt.Errorf("%w: sender key mismatch", ErrBadEnvelope)
	}
	pub, err := gun.ParseXOnlyPubKey(e.From)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	sig, err := schnorr.ParseSignature(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	m := e.Digest()
	if !sig.Verify(m[:], pub) {
		return fmt.Errorf("%w: signature does not verify", ErrBadEnvelope)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Conn is a reliable, ordered message link to the counterparty.
type Conn interface {
	Send(ctx context.Context, e *Envelope) error
	Recv(ctx context.Context) (*Envelope, error)
	Close() error
}

// pipeConn is an in-process Conn; two of them form a pair. Used by tests
// and the simulation mode.
type pipeConn struct {
	in     <-chan *Envelope
	out    chan<- *Envelope
	closed chan struct{}
}

// Pipe returns two connected in-memory Conns.
func Pipe() (Conn, Conn) {
	ab := make(chan *Envelope, 16)
	ba := make(chan *Envelope, 16)
	closed := make(chan struct{})
	a := &pipeConn{in: ba, out: ab, closed: closed}
	b := &pipeConn{in: ab, out: ba, closed: closed}
	return a, b
}

func (p *pipeConn) Send(ctx context.Context, e *Envelope) error {
	select {
	case p.out <- e:
		return nil
	case <-p.closed:
		return errors.New("pipe closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Recv(ctx context.Context) (*Envelope, error) {
	select {
	case e := <-p.in:
		return e, nil
	case <-p.closed:
		return nil, errors.New("pipe closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

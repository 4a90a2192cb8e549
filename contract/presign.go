package contract

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/rajarshimaitra/gun"
)

// PreSigBundle is one party's full settlement commitment: an adaptor
// pre-signature per outcome plus a plain signature on the refund
// transaction. A party that holds the counterparty's complete bundle can
// settle every future of the contract without further cooperation.
type PreSigBundle struct {
	Outcomes  map[string]*gun.PreSig `json:"outcomes"` // by outcome id
	RefundSig []byte                 `json:"refund_sig"`
}

// settleReady witnesses that the counterparty's complete bundle was
// verified. It is the only way to unlock the local funding signatures:
// signFunding refuses to run without one, and the sole constructor is
// acceptBundle. This makes "funding signatures before verified
// pre-signatures" unrepresentable rather than merely checked.
type settleReady struct {
	contractID string
}

// localBundle computes this party's pre-signature bundle over the
// deterministic transaction set.
func (c *Contract) localBundle() (*PreSigBundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txs == nil {
		return nil, fmt.Errorf("%w: transactions not derived yet", ErrBadState)
	}

	b := &PreSigBundle{Outcomes: make(map[string]*gun.PreSig, len(c.terms.Outcomes))}
	for i, o := range c.terms.Outcomes {
		T, err := c.terms.Oracle.AdaptorPoint(o.ID)
		if err != nil {
			return nil, fmt.Errorf("adaptor point for %q: %w", o.ID, err)
		}
		m, err := c.txs.OutcomeSigHash(i)
		if err != nil {
			return nil, err
		}
		ps, err := gun.ComputePreSig(c.key, m, T)
		if err != nil {
			return nil, fmt.Errorf("pre-sign outcome %q: %w", o.ID, err)
		}
		b.Outcomes[o.ID] = ps
	}

	m, err := c.txs.RefundSigHash()
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.Sign(c.key, m)
	if err != nil {
		return nil, fmt.Errorf("sign refund: %w", err)
	}
	b.RefundSig = sig.Serialize()
	return b, nil
}

// acceptBundle verifies every pre-signature and the refund signature in
// the counterparty's bundle and stores them. Verification fails closed:
// one bad or missing signature rejects the whole bundle and no
// settleReady token is issued.
func (c *Contract) acceptBundle(b *PreSigBundle) (settleReady, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var none settleReady
	if c.txs == nil || c.remote == nil {
		return none, fmt.Errorf("%w: transactions not derived yet", ErrBadState)
	}
	if b == nil {
		return none, fmt.Errorf("%w: empty bundle", ErrInvalidSignature)
	}
	remotePub, err := gun.ParseXOnlyPubKey(c.remote.EscrowPub)
	if err != nil {
		return none, fmt.Errorf("counterparty escrow key: %w", err)
	}

	preSigs := make(map[string]*gun.PreSig, len(c.terms.Outcomes))
	for i, o := range c.terms.Outcomes {
		ps, ok := b.Outcomes[o.ID]
		if !ok {
			return none, fmt.Errorf("%w: no pre-signature for outcome %q", ErrInvalidSignature, o.ID)
		}
		T, err := c.terms.Oracle.AdaptorPoint(o.ID)
		if err != nil {
			return none, fmt.Errorf("adaptor point for %q: %w", o.ID, err)
		}
		m, err := c.txs.OutcomeSigHash(i)
		if err != nil {
			return none, err
		}
		if err := gun.VerifyPreSig(remotePub, m, T, ps); err != nil {
			return none, fmt.Errorf("%w: outcome %q: %v", ErrInvalidSignature, o.ID, err)
		}
		preSigs[o.ID] = ps
	}

	m, err := c.txs.RefundSigHash()
	if err != nil {
		return none, err
	}
	sig, err := schnorr.ParseSignature(b.RefundSig)
	if err != nil {
		return none, fmt.Errorf("%w: refund: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(m, remotePub) {
		return none, fmt.Errorf("%w: refund signature does not verify", ErrInvalidSignature)
	}

	c.theirPreSigs = preSigs
	c.theirRefundSig = append([]byte(nil), b.RefundSig...)
	return settleReady{contractID: c.terms.ContractID}, nil
}

// signFunding releases this party's funding input signatures. The
// settleReady token proves the counterparty's settlement bundle verified
// first; without it the local stake could be locked with no unilateral
// exit. After it runs the contract can no longer be aborted: the
// signatures are assumed to reach the counterparty.
func (c *Contract) signFunding(token settleReady) (map[string][][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token.contractID != c.terms.ContractID {
		return nil, fmt.Errorf("settle token for contract %q, want %q", token.contractID, c.terms.ContractID)
	}
	if c.txs == nil {
		return nil, fmt.Errorf("%w: transactions not derived yet", ErrBadState)
	}

	out := make(map[string][][]byte, len(c.local.FundingInputs))
	for _, u := range c.local.FundingInputs {
		idx, err := gun.FindInputIndex(c.txs.Funding, u.ID())
		if err != nil {
			return nil, err
		}
		wit, err := c.w.SignInput(c.txs.Funding, idx, u)
		if err != nil {
			return nil, fmt.Errorf("sign funding input %s: %w", u.ID(), err)
		}
		c.localWitness[u.ID()] = wit
		out[u.ID()] = wit
	}
	c.sigsReleased = true
	return out, nil
}

// addTheirFundingWitnesses stores the counterparty's funding input
// witnesses. Only inputs the counterparty funds are accepted.
func (c *Contract) addTheirFundingWitnesses(wits map[string][][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return fmt.Errorf("%w: no counterparty yet", ErrBadState)
	}
	for _, u := range c.remote.FundingInputs {
		wit, ok := wits[u.ID()]
		if !ok || len(wit) == 0 {
			return fmt.Errorf("%w: missing witness for input %s", ErrProtocolMismatch, u.ID())
		}
		c.theirWitness[u.ID()] = wit
	}
	return nil
}

package contract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rajarshimaitra/gun/oracle"
	"github.com/rajarshimaitra/gun/wallet"
)

var termsTag = []byte("gun/contract/terms/v0")

// Outcome is one possible event result and the payout split it triggers.
// Payouts are gross; the settlement fee is deducted pro rata at build
// time.
type Outcome struct {
	ID             string         `json:"id"`
	PayoutProposer btcutil.Amount `json:"payout_proposer"`
	PayoutAcceptor btcutil.Amount `json:"payout_acceptor"`
}

// Terms is the immutable bet proposal both parties must agree on
// byte-for-byte. Everything needed to derive the funding, outcome and
// refund transactions deterministically lives here or in the two
// PartyInfo blocks.
type Terms struct {
	ContractID     string              `json:"contract_id"`
	Network        string              `json:"network"`
	StakeProposer  btcutil.Amount      `json:"stake_proposer"`
	StakeAcceptor  btcutil.Amount      `json:"stake_acceptor"`
	Outcomes       []Outcome           `json:"outcomes"`
	Oracle         oracle.Announcement `json:"oracle"`
	RefundHeight   int64               `json:"refund_height"`
	FundingFee     btcutil.Amount      `json:"funding_fee"`
	SettleFee      btcutil.Amount      `json:"settle_fee"`
	RoundTimeoutMS int64               `json:"round_timeout_ms"`
}

// Total is the escrow value: both stakes combined.
func (t *Terms) Total() btcutil.Amount {
	return t.StakeProposer + t.StakeAcceptor
}

// Digest commits to every field of the terms. Both parties compare
// digests during negotiation; any disagreement aborts before signatures
// move.
func (t *Terms) Digest() ([32]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return [32]byte{}, fmt.Errorf("marshal terms: %w", err)
	}
	h := chainhash.TaggedHash(termsTag, raw)
	return [32]byte(*h), nil
}

// Validate checks structural soundness of the terms.
func (t *Terms) Validate() error {
	if t.ContractID == "" {
		return fmt.Errorf("terms: missing contract id")
	}
	if t.StakeProposer <= 0 || t.StakeAcceptor <= 0 {
		return fmt.Errorf("terms: stakes must be positive")
	}
	if len(t.Outcomes) < 2 {
		return fmt.Errorf("terms: need at least two outcomes, have %d", len(t.Outcomes))
	}
	seen := make(map[string]bool, len(t.Outcomes))
	for _, o := range t.Outcomes {
		if o.ID == "" {
			return fmt.Errorf("terms: outcome with empty id")
		}
		if seen[o.ID] {
			return fmt.Errorf("terms: duplicate outcome %q", o.ID)
		}
		seen[o.ID] = true
		if o.PayoutProposer < 0 || o.PayoutAcceptor < 0 {
			return fmt.Errorf("terms: negative payout for outcome %q", o.ID)
		}
		if o.PayoutProposer+o.PayoutAcceptor != t.Total() {
			return fmt.Errorf("terms: outcome %q payouts do not sum to the escrow value", o.ID)
		}
		if !t.Oracle.HasOutcome(o.ID) {
			return fmt.Errorf("terms: outcome %q not attested by the oracle event", o.ID)
		}
	}
	if err := t.Oracle.Validate(); err != nil {
		return fmt.Errorf("terms: oracle announcement: %w", err)
	}
	if t.RefundHeight <= 0 {
		return fmt.Errorf("terms: refund height must be positive")
	}
	if t.FundingFee < 0 || t.SettleFee < 0 {
		return fmt.Errorf("terms: fees must not be negative")
	}
	if t.SettleFee >= t.Total() {
		return fmt.Errorf("terms: settlement fee %s swallows the escrow %s", t.SettleFee, t.Total())
	}
	return nil
}

// Output is a value/script pair, used for change.
type Output struct {
	Value    btcutil.Amount `json:"value"`
	PkScript []byte         `json:"pk_script"`
}

// PartyInfo is one party's contribution to the contract: its escrow key,
// where it wants to be paid, and the coins it funds its stake with.
type PartyInfo struct {
	EscrowPub     []byte        `json:"escrow_pub"` // 32-byte x-only
	PayoutScript  []byte        `json:"payout_script"`
	FundingInputs []wallet.UTXO `json:"funding_inputs"`
	Change        *Output       `json:"change,omitempty"`
}

// Validate checks that the party funds exactly stake plus its fee share,
// with any surplus accounted for as change.
func (p *PartyInfo) Validate(stake, feeShare btcutil.Amount) error {
	if len(p.EscrowPub) != 32 {
		return fmt.Errorf("party: escrow key must be 32 bytes, got %d", len(p.EscrowPub))
	}
	if len(p.PayoutScript) == 0 {
		return fmt.Errorf("party: missing payout script")
	}
	if len(p.FundingInputs) == 0 {
		return fmt.Errorf("party: no funding inputs")
	}
	seen := make(map[string]bool, len(p.FundingInputs))
	in := wallet.Sum(p.FundingInputs)
	for _, u := range p.FundingInputs {
		if u.Value <= 0 {
			return fmt.Errorf("party: input %s has non-positive value", u.ID())
		}
		if seen[u.ID()] {
			return fmt.Errorf("party: duplicate funding input %s", u.ID())
		}
		seen[u.ID()] = true
	}
	change := btcutil.Amount(0)
	if p.Change != nil {
		if p.Change.Value <= 0 || len(p.Change.PkScript) == 0 {
			return fmt.Errorf("party: malformed change output")
		}
		change = p.Change.Value
	}
	if in != stake+feeShare+change {
		return fmt.Errorf("party: inputs %s do not balance stake %s + fee %s + change %s",
			in, stake, feeShare, change)
	}
	return nil
}

// equalParty reports whether two PartyInfo blocks are identical. Used to
// cross-check that the echoed negotiation state was not altered.
func equalParty(a, b *PartyInfo) bool {
	ar, err1 := json.Marshal(a)
	br, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ar, br)
}

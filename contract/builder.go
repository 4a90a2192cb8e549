package contract

import (
	"bytes"
	"fmt"
	"math/bits"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/rajarshimaitra/gun"
	"github.com/rajarshimaitra/gun/wallet"
)

// dustLimit is the minimum value a settlement output may carry.
const dustLimit = btcutil.Amount(546)

// Transactions is the full deterministic transaction set of one contract.
// Both parties derive it independently from (Terms, PartyInfo, PartyInfo)
// and must end up with byte-identical results; signatures cover these
// exact bytes.
type Transactions struct {
	Escrow  *gun.EscrowScript
	Funding *wire.MsgTx

	// Outcomes is index-aligned with Terms.Outcomes. Each spends the
	// funding escrow output (always output 0).
	Outcomes []*wire.MsgTx

	// Refund spends the escrow back to both parties, valid from the
	// agreed refund height on.
	Refund *wire.MsgTx

	fundingValue int64
}

// Build derives the contract transaction set. The construction is fully
// deterministic: inputs are sorted by (txid, vout), the escrow output is
// always funding output 0, change outputs are sorted by (value, script),
// and settlement fees are split pro rata with a fixed remainder rule.
func Build(t *Terms, proposer, acceptor *PartyInfo) (*Transactions, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	feeShareP := t.FundingFee / 2
	feeShareA := t.FundingFee - feeShareP
	if err := proposer.Validate(t.StakeProposer, feeShareP); err != nil {
		return nil, fmt.Errorf("proposer: %w", err)
	}
	if err := acceptor.Validate(t.StakeAcceptor, feeShareA); err != nil {
		return nil, fmt.Errorf("acceptor: %w", err)
	}
	for _, u := range proposer.FundingInputs {
		for _, v := range acceptor.FundingInputs {
			if u.ID() == v.ID() {
				return nil, fmt.Errorf("input %s funded by both parties", u.ID())
			}
		}
	}

	escrow, err := gun.NewEscrowScript(proposer.EscrowPub, acceptor.EscrowPub)
	if err != nil {
		return nil, fmt.Errorf("derive escrow script: %w", err)
	}

	funding, err := buildFunding(t, escrow, proposer, acceptor)
	if err != nil {
		return nil, err
	}
	fundingOut := wire.OutPoint{Hash: funding.TxHash(), Index: 0}

	txs := &Transactions{
		Escrow:       escrow,
		Funding:      funding,
		fundingValue: int64(t.Total()),
	}
	for i := range t.Outcomes {
		otx, err := buildOutcome(t, &t.Outcomes[i], fundingOut, proposer, acceptor)
		if err != nil {
			return nil, err
		}
		txs.Outcomes = append(txs.Outcomes, otx)
	}
	txs.Refund, err = buildRefund(t, fundingOut, proposer, acceptor)
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func buildFunding(t *Terms, escrow *gun.EscrowScript, proposer, acceptor *PartyInfo) (*wire.MsgTx, error) {
	inputs := make([]wallet.UTXO, 0, len(proposer.FundingInputs)+len(acceptor.FundingInputs))
	inputs = append(inputs, proposer.FundingInputs...)
	inputs = append(inputs, acceptor.FundingInputs...)
	sort.Slice(inputs, func(i, j int) bool {
		if inputs[i].TxID != inputs[j].TxID {
			return inputs[i].TxID < inputs[j].TxID
		}
		return inputs[i].Vout < inputs[j].Vout
	})

	tx := wire.NewMsgTx(2)
	for _, u := range inputs {
		op, err := u.OutPoint()
		if err != nil {
			return nil, err
		}
		in := wire.NewTxIn(&op, nil, nil)
		in.Sequence = wire.MaxTxInSequenceNum
		tx.AddTxIn(in)
	}

	// Escrow output first so settlement inputs can hardcode index 0.
	tx.AddTxOut(wire.NewTxOut(int64(t.Total()), escrow.PkScript))

	var changes []*Output
	if proposer.Change != nil {
		changes = append(changes, proposer.Change)
	}
	if acceptor.Change != nil {
		changes = append(changes, acceptor.Change)
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Value != changes[j].Value {
			return changes[i].Value < changes[j].Value
		}
		return bytes.Compare(changes[i].PkScript, changes[j].PkScript) < 0
	})
	for _, c := range changes {
		tx.AddTxOut(wire.NewTxOut(int64(c.Value), c.PkScript))
	}

	in := wallet.Sum(inputs)
	var out btcutil.Amount
	for _, o := range tx.TxOut {
		out += btcutil.Amount(o.Value)
	}
	if in-out != t.FundingFee {
		return nil, fmt.Errorf("funding tx does not balance: in %s, out %s, fee %s", in, out, t.FundingFee)
	}
	return tx, nil
}

func buildOutcome(t *Terms, o *Outcome, fundingOut wire.OutPoint, proposer, acceptor *PartyInfo) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	in := wire.NewTxIn(&fundingOut, nil, nil)
	in.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(in)

	netP, netA, err := splitSettleFee(t.SettleFee, o.PayoutProposer, o.PayoutAcceptor)
	if err != nil {
		return nil, fmt.Errorf("outcome %q: %w", o.ID, err)
	}
	if netP > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(netP), proposer.PayoutScript))
	}
	if netA > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(netA), acceptor.PayoutScript))
	}
	if len(tx.TxOut) == 0 {
		return nil, fmt.Errorf("outcome %q: no spendable payout", o.ID)
	}
	return tx, nil
}

func buildRefund(t *Terms, fundingOut wire.OutPoint, proposer, acceptor *PartyInfo) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	in := wire.NewTxIn(&fundingOut, nil, nil)
	// Non-final sequence so nLockTime is enforced.
	in.Sequence = wire.MaxTxInSequenceNum - 1
	tx.AddTxIn(in)
	tx.LockTime = uint32(t.RefundHeight)

	netP, netA, err := splitSettleFee(t.SettleFee, t.StakeProposer, t.StakeAcceptor)
	if err != nil {
		return nil, fmt.Errorf("refund: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(netP), proposer.PayoutScript))
	tx.AddTxOut(wire.NewTxOut(int64(netA), acceptor.PayoutScript))
	return tx, nil
}

// splitSettleFee deducts fee from the two payouts pro rata. The proposer
// side carries the integer remainder; a zero payout carries no fee.
// Returned values are net payouts.
func splitSettleFee(fee, payoutP, payoutA btcutil.Amount) (netP, netA btcutil.Amount, err error) {
	total := payoutP + payoutA
	if total <= 0 {
		return 0, 0, fmt.Errorf("empty payout")
	}
	// feeA = fee*payoutA/total in 128-bit space, then remainder to the
	// proposer side. fee < total is guaranteed by Terms.Validate, so the
	// division cannot overflow.
	hi, lo := bits.Mul64(uint64(fee), uint64(payoutA))
	q, _ := bits.Div64(hi, lo, uint64(total))
	feeA := btcutil.Amount(q)
	if payoutA == 0 {
		feeA = 0
	}
	feeP := fee - feeA
	if payoutP == 0 {
		feeP, feeA = 0, fee
	}
	netP, netA = payoutP-feeP, payoutA-feeA
	if payoutP > 0 && netP < dustLimit {
		return 0, 0, fmt.Errorf("payout %s below dust after fee", payoutP)
	}
	if payoutA > 0 && netA < dustLimit {
		return 0, 0, fmt.Errorf("payout %s below dust after fee", payoutA)
	}
	return netP, netA, nil
}

// FundingOutPoint returns the escrow outpoint every settlement spends.
func (x *Transactions) FundingOutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: x.Funding.TxHash(), Index: 0}
}

// OutcomeSigHash returns the tapscript sighash of the outcome tx at index
// i.
func (x *Transactions) OutcomeSigHash(i int) ([]byte, error) {
	if i < 0 || i >= len(x.Outcomes) {
		return nil, fmt.Errorf("outcome index %d out of range", i)
	}
	return x.Escrow.SettleSigHash(x.Outcomes[i], 0, x.fundingValue)
}

// RefundSigHash returns the tapscript sighash of the refund tx.
func (x *Transactions) RefundSigHash() ([]byte, error) {
	return x.Escrow.SettleSigHash(x.Refund, 0, x.fundingValue)
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

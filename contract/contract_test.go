package contract

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/rajarshimaitra/gun"
	"github.com/rajarshimaitra/gun/oracle"
	"github.com/rajarshimaitra/gun/peer"
	"github.com/rajarshimaitra/gun/wallet"
)

func testLog(t *testing.T) *logrus.Entry {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type negotiated struct {
	proposer, acceptor *Contract
	wp, wa             *wallet.Simulated
	resP, resA         *wallet.Reservations
	oracle             *oracle.SigningOracle
}

// negotiate runs a full honest negotiation over an in-process pipe and
// returns both signed contracts.
func negotiate(t *testing.T) *negotiated {
	t.Helper()
	orc, ann := testAnnouncement(t)
	terms := testTerms(t, ann)

	wp := wallet.NewSimulated(&chaincfg.RegressionNetParams)
	wa := wallet.NewSimulated(&chaincfg.RegressionNetParams)
	_, err := wp.Fund(5_000_500)
	require.NoError(t, err)
	_, err = wa.Fund(5_000_500)
	require.NoError(t, err)

	connP, connA := peer.Pipe()
	resP, resA := wallet.NewReservations(), wallet.NewReservations()
	log := testLog(t)
	ctx := context.Background()

	type result struct {
		c   *Contract
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := RunAcceptor(ctx, log, connA, wa, resA, nil, nil)
		done <- result{c, err}
	}()
	cp, err := RunProposer(ctx, log, connP, wp, resP, terms, nil)
	require.NoError(t, err)
	ra := <-done
	require.NoError(t, ra.err)

	require.Equal(t, StateSigned, cp.State())
	require.Equal(t, StateSigned, ra.c.State())
	return &negotiated{
		proposer: cp, acceptor: ra.c,
		wp: wp, wa: wa, resP: resP, resA: resA, oracle: orc,
	}
}

// verifySettlement runs the script engine over a settlement transaction
// spending the escrow output.
func verifySettlement(t *testing.T, txs *Transactions, spend *wire.MsgTx) {
	t.Helper()
	fetcher := txscript.NewCannedPrevOutputFetcher(txs.Escrow.PkScript, txs.fundingValue)
	sigHashes := txscript.NewTxSigHashes(spend, fetcher)
	vm, err := txscript.NewEngine(txs.Escrow.PkScript, spend, 0,
		txscript.StandardVerifyFlags|txscript.ScriptVerifyTaproot,
		nil, sigHashes, txs.fundingValue, fetcher)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestCoinFlipEndToEnd(t *testing.T) {
	n := negotiate(t)
	cp, ca := n.proposer, n.acceptor

	// Both parties derived byte-identical transaction sets.
	for _, pair := range [][2]*wire.MsgTx{
		{cp.txs.Funding, ca.txs.Funding},
		{cp.txs.Outcomes[0], ca.txs.Outcomes[0]},
		{cp.txs.Outcomes[1], ca.txs.Outcomes[1]},
		{cp.txs.Refund, ca.txs.Refund},
	} {
		pb, err := serializeTx(pair[0])
		require.NoError(t, err)
		ab, err := serializeTx(pair[1])
		require.NoError(t, err)
		require.Equal(t, pb, ab)
	}

	// The assembled funding transaction passes script verification for
	// every input.
	ftx, err := cp.FundingTx()
	require.NoError(t, err)
	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut))
	for _, u := range append(cp.FundingInputs(), ca.FundingInputs()...) {
		op, err := u.OutPoint()
		require.NoError(t, err)
		fetcher.AddPrevOut(op, wire.NewTxOut(int64(u.Value), u.PkScript))
	}
	sigHashes := txscript.NewTxSigHashes(ftx, fetcher)
	for i := range ftx.TxIn {
		prev := fetcher.FetchPrevOutput(ftx.TxIn[i].PreviousOutPoint)
		require.NotNil(t, prev)
		vm, err := txscript.NewEngine(prev.PkScript, ftx, i,
			txscript.StandardVerifyFlags, nil, sigHashes, prev.Value, fetcher)
		require.NoError(t, err)
		require.NoError(t, vm.Execute())
	}

	_, err = cp.BroadcastFunding()
	require.NoError(t, err)
	require.NoError(t, cp.MarkFunded())
	require.NoError(t, ca.MarkFunded())

	// Heads: the proposer takes 0.0995 BTC.
	att, err := n.oracle.Attest("coin-flip-42", "heads")
	require.NoError(t, err)
	spend, err := cp.Resolve(att)
	require.NoError(t, err)
	require.Len(t, spend.TxOut, 1)
	require.Equal(t, int64(9_950_000), spend.TxOut[0].Value)
	require.Equal(t, cp.local.PayoutScript, spend.TxOut[0].PkScript)
	verifySettlement(t, cp.txs, spend)
	require.Equal(t, StateResolved, cp.State())
	require.Equal(t, "heads", cp.SettledOutcome())

	// The acceptor can settle independently from the same attestation.
	spendA, err := ca.Resolve(att)
	require.NoError(t, err)
	require.Equal(t, spend.TxHash(), spendA.TxHash())
	verifySettlement(t, ca.txs, spendA)

	// Settling twice, or refunding after settlement, is rejected.
	_, err = cp.Resolve(att)
	require.ErrorIs(t, err, ErrAlreadySettled)
	_, err = cp.Refund(10_000)
	require.ErrorIs(t, err, ErrAlreadySettled)
}

func TestWrongOutcomeDoesNotUnlock(t *testing.T) {
	n := negotiate(t)
	ca := n.acceptor
	require.NoError(t, ca.MarkFunded())

	att, err := n.oracle.Attest("coin-flip-42", "heads")
	require.NoError(t, err)

	// A forged attestation naming the other outcome reuses the honest
	// signature and must fail closed.
	forged := *att
	forged.Outcome = "tails"
	_, err = ca.Resolve(&forged)
	require.ErrorIs(t, err, oracle.ErrInvalidAttestation)
	require.Equal(t, StateFunded, ca.State())

	// An attestation from a different oracle key is rejected as unknown.
	other, err := oracle.NewSigningOracle()
	require.NoError(t, err)
	_, err = other.Announce("coin-flip-42", []string{"heads", "tails"})
	require.NoError(t, err)
	att2, err := other.Attest("coin-flip-42", "tails")
	require.NoError(t, err)
	_, err = ca.Resolve(att2)
	require.ErrorIs(t, err, oracle.ErrUnknownOracle)
}

func TestRefundPath(t *testing.T) {
	n := negotiate(t)
	cp := n.proposer
	_, err := cp.BroadcastFunding()
	require.NoError(t, err)
	require.NoError(t, cp.MarkFunded())

	// Too early.
	_, err = cp.Refund(150)
	require.ErrorIs(t, err, ErrRefundNotDue)
	require.Equal(t, StateFunded, cp.State())

	refund, err := cp.Refund(200)
	require.NoError(t, err)
	verifySettlement(t, cp.txs, refund)
	require.Equal(t, StateRefunded, cp.State())
	require.Equal(t, int64(4_975_000), refund.TxOut[0].Value)
	require.Equal(t, int64(4_975_000), refund.TxOut[1].Value)

	att, err := n.oracle.Attest("coin-flip-42", "heads")
	require.NoError(t, err)
	_, err = cp.Resolve(att)
	require.ErrorIs(t, err, ErrAlreadySettled)
}

func TestDigestMismatchAborts(t *testing.T) {
	_, ann := testAnnouncement(t)
	terms := testTerms(t, ann)
	wp := wallet.NewSimulated(&chaincfg.RegressionNetParams)
	_, err := wp.Fund(5_000_500)
	require.NoError(t, err)

	connP, connA := peer.Pipe()
	ctx := context.Background()
	go func() {
		env, err := connA.Recv(ctx)
		if err != nil {
			return
		}
		var prop proposeMsg
		if err := env.Decode(&prop); err != nil {
			return
		}
		key, err := gun.GenerateEscrowKey()
		if err != nil {
			return
		}
		party := prop.Party
		party.EscrowPub = schnorrPub(key)
		_ = sendMsg(ctx, connA, key, env.ContractID, msgAccept,
			&acceptMsg{TermsDigest: make([]byte, 32), Party: party})
	}()

	res := wallet.NewReservations()
	cp, err := RunProposer(ctx, testLog(t), connP, wp, res, terms, nil)
	require.ErrorIs(t, err, ErrProtocolMismatch)
	require.Nil(t, cp)

	// The aborted negotiation released its coins.
	require.NoError(t, res.Claim("other", mustSelect(t, wp)))
}

func TestTamperedPreSigAborts(t *testing.T) {
	_, ann := testAnnouncement(t)
	terms := testTerms(t, ann)
	wp := wallet.NewSimulated(&chaincfg.RegressionNetParams)
	wa := wallet.NewSimulated(&chaincfg.RegressionNetParams)
	_, err := wp.Fund(5_000_500)
	require.NoError(t, err)
	_, err = wa.Fund(5_000_500)
	require.NoError(t, err)

	connP, connA := peer.Pipe()
	ctx := context.Background()
	log := testLog(t)

	// A dishonest acceptor that follows the protocol but corrupts one of
	// its pre-signatures.
	go func() {
		env, err := connA.Recv(ctx)
		if err != nil {
			return
		}
		var prop proposeMsg
		if err := env.Decode(&prop); err != nil {
			return
		}
		terms := prop.Terms
		key, err := gun.GenerateEscrowKey()
		if err != nil {
			return
		}
		local, err := newPartyInfo(wa, wallet.NewReservations(), terms.ContractID,
			key, terms.StakeAcceptor, terms.FundingFee-terms.FundingFee/2)
		if err != nil {
			return
		}
		c, err := New(log, wa, terms, RoleAcceptor, key, local)
		if err != nil {
			return
		}
		if err := c.beginNegotiation(&prop.Party); err != nil {
			return
		}
		d, err := terms.Digest()
		if err != nil {
			return
		}
		_ = sendMsg(ctx, connA, key, terms.ContractID, msgAccept,
			&acceptMsg{TermsDigest: d[:], Party: *local})
		b, err := c.localBundle()
		if err != nil {
			return
		}
		b.Outcomes["heads"].SPrime[5] ^= 0x40
		_ = sendMsg(ctx, connA, key, terms.ContractID, msgPreSigs, &preSigsMsg{Bundle: b})
	}()

	res := wallet.NewReservations()
	cp, err := RunProposer(ctx, log, connP, wp, res, terms, nil)
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Nil(t, cp)

	// The aborted negotiation released its coins.
	require.NoError(t, res.Claim("other", mustSelect(t, wp)))
}

func TestNegotiationTimeout(t *testing.T) {
	_, ann := testAnnouncement(t)
	terms := testTerms(t, ann)
	terms.RoundTimeoutMS = 50
	wp := wallet.NewSimulated(&chaincfg.RegressionNetParams)
	_, err := wp.Fund(5_000_500)
	require.NoError(t, err)

	connP, _ := peer.Pipe()
	res := wallet.NewReservations()
	cp, err := RunProposer(context.Background(), testLog(t), connP, wp, res, terms, nil)
	require.ErrorIs(t, err, ErrTimeout)
	require.Nil(t, cp)
	require.NoError(t, res.Claim("other", mustSelect(t, wp)))
}

func TestCoinsStayExclusiveAcrossContracts(t *testing.T) {
	n := negotiate(t)

	// The single coin is still reserved by the signed contract, so a
	// second proposal over the same wallet must fail before any message
	// leaves the node.
	_, ann2 := testAnnouncement(t)
	terms2 := testTerms(t, ann2)
	terms2.ContractID = "c-0002"
	connP, _ := peer.Pipe()
	_, err := RunProposer(context.Background(), testLog(t), connP, n.wp, n.resP, terms2, nil)
	require.ErrorIs(t, err, wallet.ErrUTXOConflict)
}

func TestSnapshotRoundTrip(t *testing.T) {
	n := negotiate(t)
	cp := n.proposer

	snap := cp.Snapshot()
	rc, err := Restore(testLog(t), n.wp, snap)
	require.NoError(t, err)
	require.Equal(t, StateSigned, rc.State())

	want, err := cp.FundingTx()
	require.NoError(t, err)
	got, err := rc.FundingTx()
	require.NoError(t, err)
	wb, err := serializeTx(want)
	require.NoError(t, err)
	gb, err := serializeTx(got)
	require.NoError(t, err)
	require.Equal(t, wb, gb)

	// The restored contract can still settle.
	require.NoError(t, rc.MarkFunded())
	att, err := n.oracle.Attest("coin-flip-42", "tails")
	require.NoError(t, err)
	spend, err := rc.Resolve(att)
	require.NoError(t, err)
	verifySettlement(t, rc.txs, spend)
	require.Equal(t, n.acceptor.local.PayoutScript, spend.TxOut[0].PkScript)
}

func TestSilentAcceptorCannotStrandProposer(t *testing.T) {
	_, ann := testAnnouncement(t)
	terms := testTerms(t, ann)
	terms.RoundTimeoutMS = 250
	wp := wallet.NewSimulated(&chaincfg.RegressionNetParams)
	wa := wallet.NewSimulated(&chaincfg.RegressionNetParams)
	_, err := wp.Fund(5_000_500)
	require.NoError(t, err)
	_, err = wa.Fund(5_000_500)
	require.NoError(t, err)

	connP, connA := peer.Pipe()
	ctx := context.Background()
	log := testLog(t)

	// A dishonest acceptor that completes every round up to receiving the
	// proposer's funding signatures, then never sends its own.
	got := make(chan *Contract, 1)
	go func() {
		env, err := connA.Recv(ctx)
		if err != nil {
			return
		}
		var prop proposeMsg
		if err := env.Decode(&prop); err != nil {
			return
		}
		terms := prop.Terms
		key, err := gun.GenerateEscrowKey()
		if err != nil {
			return
		}
		local, err := newPartyInfo(wa, wallet.NewReservations(), terms.ContractID,
			key, terms.StakeAcceptor, terms.FundingFee-terms.FundingFee/2)
		if err != nil {
			return
		}
		c, err := New(log, wa, terms, RoleAcceptor, key, local)
		if err != nil {
			return
		}
		if err := c.beginNegotiation(&prop.Party); err != nil {
			return
		}
		d, err := terms.Digest()
		if err != nil {
			return
		}
		_ = sendMsg(ctx, connA, key, terms.ContractID, msgAccept,
			&acceptMsg{TermsDigest: d[:], Party: *local})
		b, err := c.localBundle()
		if err != nil {
			return
		}
		_ = sendMsg(ctx, connA, key, terms.ContractID, msgPreSigs, &preSigsMsg{Bundle: b})
		env, err = connA.Recv(ctx)
		if err != nil {
			return
		}
		var theirs preSigsMsg
		if err := env.Decode(&theirs); err != nil {
			return
		}
		token, err := c.acceptBundle(theirs.Bundle)
		if err != nil {
			return
		}
		if err := c.addTheirFundingWitnesses(theirs.FundingWitnesses); err != nil {
			return
		}
		if _, err := c.signFunding(token); err != nil {
			return
		}
		if err := c.markSigned(); err != nil {
			return
		}
		got <- c
	}()

	res := wallet.NewReservations()
	cp, err := RunProposer(ctx, log, connP, wp, res, terms, nil)
	require.ErrorIs(t, err, ErrTimeout)
	require.NotNil(t, cp)
	require.True(t, cp.SigsReleased())

	// The acceptor holds everything it needs to broadcast the funding
	// transaction unilaterally.
	ca := <-got
	ftx, err := ca.FundingTx()
	require.NoError(t, err)
	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut))
	for _, u := range append(cp.FundingInputs(), ca.FundingInputs()...) {
		op, err := u.OutPoint()
		require.NoError(t, err)
		fetcher.AddPrevOut(op, wire.NewTxOut(int64(u.Value), u.PkScript))
	}
	sigHashes := txscript.NewTxSigHashes(ftx, fetcher)
	for i := range ftx.TxIn {
		prev := fetcher.FetchPrevOutput(ftx.TxIn[i].PreviousOutPoint)
		require.NotNil(t, prev)
		vm, err := txscript.NewEngine(prev.PkScript, ftx, i,
			txscript.StandardVerifyFlags, nil, sigHashes, prev.Value, fetcher)
		require.NoError(t, err)
		require.NoError(t, vm.Execute())
	}

	// So the proposer must have kept the contract: coins stay reserved,
	// aborting is refused, and once the funding confirms the refund path
	// still works.
	require.ErrorIs(t, res.Claim("other", cp.FundingInputs()), wallet.ErrUTXOConflict)
	require.ErrorIs(t, cp.Abort("give up"), ErrBadState)
	require.NoError(t, cp.MarkFunded())
	refund, err := cp.Refund(200)
	require.NoError(t, err)
	verifySettlement(t, cp.txs, refund)
	require.Equal(t, StateRefunded, cp.State())
}

type noAddressWallet struct {
	*wallet.Simulated
}

func (w *noAddressWallet) NewAddress() (btcutil.Address, error) {
	return nil, fmt.Errorf("keychain unavailable")
}

func TestPartyInfoFailureReleasesClaim(t *testing.T) {
	wp := wallet.NewSimulated(&chaincfg.RegressionNetParams)
	_, err := wp.Fund(5_000_500)
	require.NoError(t, err)
	key, err := gun.GenerateEscrowKey()
	require.NoError(t, err)

	res := wallet.NewReservations()
	_, err = newPartyInfo(&noAddressWallet{wp}, res, "c-leak", key, 5_000_000, 500)
	require.Error(t, err)

	// The failed setup left no reservation behind.
	require.NoError(t, res.Claim("other", mustSelect(t, wp)))
}

func schnorrPub(key *btcec.PrivateKey) []byte {
	return schnorr.SerializePubKey(key.PubKey())
}

func mustSelect(t *testing.T, w *wallet.Simulated) []wallet.UTXO {
	t.Helper()
	utxos, err := w.SelectUTXOs(1, 0)
	require.NoError(t, err)
	return utxos
}

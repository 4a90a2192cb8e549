package contract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/sirupsen/logrus"

	"github.com/rajarshimaitra/gun"
	"github.com/rajarshimaitra/gun/peer"
	"github.com/rajarshimaitra/gun/wallet"
)

// Negotiation message types, in protocol order.
const (
	msgPropose     = "propose"
	msgAccept      = "accept"
	msgPreSigs     = "presigs"
	msgFundingSigs = "funding_sigs"
)

// defaultRoundTimeout bounds each wait for a counterparty message.
const defaultRoundTimeout = 30 * time.Second

type proposeMsg struct {
	Terms Terms     `json:"terms"`
	Party PartyInfo `json:"party"`
}

type acceptMsg struct {
	TermsDigest []byte    `json:"terms_digest"`
	Party       PartyInfo `json:"party"`
}

type preSigsMsg struct {
	Bundle *PreSigBundle `json:"bundle"`
	// FundingWitnesses is set only by the proposer, whose pre-signature
	// round doubles as its funding signature release.
	FundingWitnesses map[string][][]byte `json:"funding_witnesses,omitempty"`
}

type fundingSigsMsg struct {
	FundingWitnesses map[string][][]byte `json:"funding_witnesses"`
}

func (t *Terms) roundTimeout() time.Duration {
	if t.RoundTimeoutMS <= 0 {
		return defaultRoundTimeout
	}
	return time.Duration(t.RoundTimeoutMS) * time.Millisecond
}

func sendMsg(ctx context.Context, conn peer.Conn, key *btcec.PrivateKey,
	contractID, typ string, payload any) error {

	env, err := peer.Seal(key, contractID, typ, payload)
	if err != nil {
		return err
	}
	return conn.Send(ctx, env)
}

// recvMsg waits one round timeout for the given message type. expectFrom
// pins the counterparty session key once it is known.
func recvMsg(ctx context.Context, conn peer.Conn, timeout time.Duration,
	contractID, wantType string, expectFrom []byte) (*peer.Envelope, error) {

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	env, err := conn.Recv(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: waiting for %s", ErrTimeout, wantType)
		}
		return nil, fmt.Errorf("receive %s: %w", wantType, err)
	}
	if err := env.Verify(expectFrom); err != nil {
		return nil, err
	}
	if contractID != "" && env.ContractID != contractID {
		return nil, fmt.Errorf("%w: message for contract %q, want %q",
			ErrProtocolMismatch, env.ContractID, contractID)
	}
	if env.Type != wantType {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrProtocolMismatch, env.Type, wantType)
	}
	return env, nil
}

// newPartyInfo selects and reserves coins for the stake plus fee share
// and assembles this side's contribution. Coins are reserved before the
// first message goes out so concurrent contracts cannot double-commit
// them.
func newPartyInfo(w wallet.Wallet, res *wallet.Reservations, contractID string,
	key *btcec.PrivateKey, stake, feeShare btcutil.Amount) (*PartyInfo, error) {

	utxos, err := w.SelectUTXOs(stake, feeShare)
	if err != nil {
		return nil, err
	}
	if err := res.Claim(contractID, utxos); err != nil {
		return nil, err
	}
	addr, err := w.NewAddress()
	if err != nil {
		res.Release(contractID)
		return nil, err
	}
	payoutScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		res.Release(contractID)
		return nil, err
	}
	p := &PartyInfo{
		EscrowPub:     schnorr.SerializePubKey(key.PubKey()),
		PayoutScript:  payoutScript,
		FundingInputs: utxos,
	}
	if surplus := wallet.Sum(utxos) - stake - feeShare; surplus > 0 {
		changeAddr, err := w.NewAddress()
		if err != nil {
			res.Release(contractID)
			return nil, err
		}
		changeScript, err := txscript.PayToAddrScript(changeAddr)
		if err != nil {
			res.Release(contractID)
			return nil, err
		}
		p.Change = &Output{Value: surplus, PkScript: changeScript}
	}
	return p, nil
}

// CommitFunc persists a contract just before its funding signatures are
// handed to the counterparty, so a crash at that point cannot lose the
// key material needed to refund. A nil CommitFunc skips persistence.
type CommitFunc func(*Contract) error

// RunProposer drives the proposing side of the negotiation to completion.
// On success the returned contract is in StateSigned with the funding
// transaction ready to broadcast. On a failure before this node's funding
// signatures are released the contract is aborted and its coin
// reservations released. After release the counterparty can complete and
// broadcast the funding transaction unilaterally, so a late failure keeps
// the contract (and its reservations) alive and returns it alongside the
// error; the refund path stays available once the funding confirms.
func RunProposer(ctx context.Context, log *logrus.Entry, conn peer.Conn,
	w wallet.Wallet, res *wallet.Reservations, terms Terms,
	commit CommitFunc) (c *Contract, err error) {

	if err := terms.Validate(); err != nil {
		return nil, err
	}
	key, err := gun.GenerateEscrowKey()
	if err != nil {
		return nil, err
	}
	local, err := newPartyInfo(w, res, terms.ContractID, key,
		terms.StakeProposer, terms.FundingFee/2)
	if err != nil {
		return nil, err
	}
	ct, err := New(log, w, terms, RoleProposer, key, local)
	if err != nil {
		res.Release(terms.ContractID)
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		if ct.SigsReleased() {
			ct.log.WithError(err).Warn("negotiation failed after signature release, keeping contract")
			c = ct
			return
		}
		ct.Abort(err.Error())
		res.Release(terms.ContractID)
	}()
	timeout := terms.roundTimeout()

	if err = sendMsg(ctx, conn, key, terms.ContractID, msgPropose,
		&proposeMsg{Terms: terms, Party: *local}); err != nil {
		return nil, err
	}

	env, err := recvMsg(ctx, conn, timeout, terms.ContractID, msgAccept, nil)
	if err != nil {
		return nil, err
	}
	var accept acceptMsg
	if err = env.Decode(&accept); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}
	if !bytes.Equal(env.From, accept.Party.EscrowPub) {
		return nil, fmt.Errorf("%w: session key differs from escrow key", ErrProtocolMismatch)
	}
	digest, err := terms.Digest()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(accept.TermsDigest, digest[:]) {
		return nil, fmt.Errorf("%w: terms digest differs", ErrProtocolMismatch)
	}
	if err = ct.beginNegotiation(&accept.Party); err != nil {
		return nil, err
	}
	remoteKey := accept.Party.EscrowPub

	// The acceptor commits its settlement bundle first.
	env, err = recvMsg(ctx, conn, timeout, terms.ContractID, msgPreSigs, remoteKey)
	if err != nil {
		return nil, err
	}
	var theirs preSigsMsg
	if err = env.Decode(&theirs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}
	token, err := ct.acceptBundle(theirs.Bundle)
	if err != nil {
		return nil, err
	}

	bundle, err := ct.localBundle()
	if err != nil {
		return nil, err
	}
	wits, err := ct.signFunding(token)
	if err != nil {
		return nil, err
	}
	if commit != nil {
		if err = commit(ct); err != nil {
			return nil, fmt.Errorf("commit before signature release: %w", err)
		}
	}
	if err = sendMsg(ctx, conn, key, terms.ContractID, msgPreSigs,
		&preSigsMsg{Bundle: bundle, FundingWitnesses: wits}); err != nil {
		return nil, err
	}

	env, err = recvMsg(ctx, conn, timeout, terms.ContractID, msgFundingSigs, remoteKey)
	if err != nil {
		return nil, err
	}
	var fin fundingSigsMsg
	if err = env.Decode(&fin); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}
	if err = ct.addTheirFundingWitnesses(fin.FundingWitnesses); err != nil {
		return nil, err
	}
	if err = ct.markSigned(); err != nil {
		return nil, err
	}
	return ct, nil
}

// RunAcceptor drives the accepting side. approve is consulted with the
// received terms before any coin is committed; a nil approve accepts
// everything (tests, simulation mode).
func RunAcceptor(ctx context.Context, log *logrus.Entry, conn peer.Conn,
	w wallet.Wallet, res *wallet.Reservations,
	approve func(*Terms) error, commit CommitFunc) (c *Contract, err error) {

	env, err := recvMsg(ctx, conn, defaultRoundTimeout, "", msgPropose, nil)
	if err != nil {
		return nil, err
	}
	var prop proposeMsg
	if err = env.Decode(&prop); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}
	terms := prop.Terms
	if err = terms.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}
	if env.ContractID != terms.ContractID {
		return nil, fmt.Errorf("%w: envelope contract id differs from terms", ErrProtocolMismatch)
	}
	if !bytes.Equal(env.From, prop.Party.EscrowPub) {
		return nil, fmt.Errorf("%w: session key differs from escrow key", ErrProtocolMismatch)
	}
	if approve != nil {
		if err = approve(&terms); err != nil {
			return nil, fmt.Errorf("proposal rejected: %w", err)
		}
	}

	key, err := gun.GenerateEscrowKey()
	if err != nil {
		return nil, err
	}
	feeShare := terms.FundingFee - terms.FundingFee/2
	local, err := newPartyInfo(w, res, terms.ContractID, key,
		terms.StakeAcceptor, feeShare)
	if err != nil {
		return nil, err
	}
	ct, err := New(log, w, terms, RoleAcceptor, key, local)
	if err != nil {
		res.Release(terms.ContractID)
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		if ct.SigsReleased() {
			ct.log.WithError(err).Warn("negotiation failed after signature release, keeping contract")
			c = ct
			return
		}
		ct.Abort(err.Error())
		res.Release(terms.ContractID)
	}()
	if err = ct.beginNegotiation(&prop.Party); err != nil {
		return nil, err
	}
	remoteKey := prop.Party.EscrowPub
	timeout := terms.roundTimeout()

	digest, err := terms.Digest()
	if err != nil {
		return nil, err
	}
	if err = sendMsg(ctx, conn, key, terms.ContractID, msgAccept,
		&acceptMsg{TermsDigest: digest[:], Party: *local}); err != nil {
		return nil, err
	}

	bundle, err := ct.localBundle()
	if err != nil {
		return nil, err
	}
	if err = sendMsg(ctx, conn, key, terms.ContractID, msgPreSigs,
		&preSigsMsg{Bundle: bundle}); err != nil {
		return nil, err
	}

	env, err = recvMsg(ctx, conn, timeout, terms.ContractID, msgPreSigs, remoteKey)
	if err != nil {
		return nil, err
	}
	var theirs preSigsMsg
	if err = env.Decode(&theirs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}
	token, err := ct.acceptBundle(theirs.Bundle)
	if err != nil {
		return nil, err
	}
	if err = ct.addTheirFundingWitnesses(theirs.FundingWitnesses); err != nil {
		return nil, err
	}

	wits, err := ct.signFunding(token)
	if err != nil {
		return nil, err
	}
	if commit != nil {
		if err = commit(ct); err != nil {
			return nil, fmt.Errorf("commit before signature release: %w", err)
		}
	}
	if err = sendMsg(ctx, conn, key, terms.ContractID, msgFundingSigs,
		&fundingSigsMsg{FundingWitnesses: wits}); err != nil {
		return nil, err
	}
	if err = ct.markSigned(); err != nil {
		return nil, err
	}
	return ct, nil
}

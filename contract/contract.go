// Package contract implements the two-party bet protocol: deterministic
// transaction construction, the adaptor pre-signature exchange, the
// contract lifecycle and settlement through oracle attestation or timeout
// refund.
package contract

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/sirupsen/logrus"

	"github.com/rajarshimaitra/gun"
	"github.com/rajarshimaitra/gun/oracle"
	"github.com/rajarshimaitra/gun/wallet"
)

// Role identifies which side of the contract this node plays.
type Role int

const (
	RoleProposer Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleProposer {
		return "proposer"
	}
	return "acceptor"
}

// State is the contract lifecycle state.
type State int

const (
	// StateProposed: terms are out, waiting for the counterparty's side.
	StateProposed State = iota
	// StateNegotiating: both sides known, transaction set derived,
	// signatures being exchanged.
	StateNegotiating
	// StateSigned: all signatures held, funding not yet confirmed.
	StateSigned
	// StateFunded: funding transaction confirmed, stake is live.
	StateFunded
	// StateResolved: an outcome transaction was broadcast.
	StateResolved
	// StateRefunded: the refund transaction was broadcast.
	StateRefunded
	// StateAborted: negotiation ended before any coin moved.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateProposed:
		return "proposed"
	case StateNegotiating:
		return "negotiating"
	case StateSigned:
		return "signed"
	case StateFunded:
		return "funded"
	case StateResolved:
		return "resolved"
	case StateRefunded:
		return "refunded"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	StateProposed: {StateNegotiating, StateAborted},
	// Negotiating -> Funded covers a counterparty that received our
	// funding signatures, went silent before the final round, and
	// broadcast the funding transaction anyway.
	StateNegotiating: {StateSigned, StateFunded, StateAborted},
	StateSigned:      {StateFunded, StateAborted},
	StateFunded:      {StateResolved, StateRefunded},
}

// Contract is one live bet. All methods are safe for concurrent use.
type Contract struct {
	mu  sync.Mutex
	log *logrus.Entry
	w   wallet.Wallet

	terms  Terms
	role   Role
	key    *btcec.PrivateKey // escrow/session key, even-Y
	local  *PartyInfo
	remote *PartyInfo
	txs    *Transactions

	state          State
	sigsReleased   bool
	theirPreSigs   map[string]*gun.PreSig
	theirRefundSig []byte
	localWitness   map[string][][]byte
	theirWitness   map[string][][]byte
	fundingTxID    *chainhash.Hash
	settledTxID    *chainhash.Hash
	settledOutcome string
}

// New creates a contract in StateProposed. The counterparty's side is
// attached later via beginNegotiation once it arrives.
func New(log *logrus.Entry, w wallet.Wallet, terms Terms, role Role,
	key *btcec.PrivateKey, local *PartyInfo) (*Contract, error) {

	if err := terms.Validate(); err != nil {
		return nil, err
	}
	if key == nil || local == nil {
		return nil, fmt.Errorf("missing key or party info")
	}
	return &Contract{
		log: log.WithFields(logrus.Fields{
			"contract": terms.ContractID,
			"role":     role.String(),
		}),
		w:            w,
		terms:        terms,
		role:         role,
		key:          key,
		local:        local,
		state:        StateProposed,
		localWitness: make(map[string][][]byte),
		theirWitness: make(map[string][][]byte),
	}, nil
}

func (c *Contract) ID() string   { return c.terms.ContractID }
func (c *Contract) Role() Role   { return c.role }
func (c *Contract) Terms() Terms { return c.terms }

// State returns the current lifecycle state.
func (c *Contract) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SigsReleased reports whether this side's funding signatures left the
// contract. From that point the counterparty may be able to broadcast
// the funding transaction, so the contract can no longer be aborted.
func (c *Contract) SigsReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sigsReleased
}

// SettledOutcome returns the attested outcome id once resolved.
func (c *Contract) SettledOutcome() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settledOutcome
}

// EscrowPkScript returns the funding escrow output script, the thing a
// chain watcher looks for.
func (c *Contract) EscrowPkScript() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txs == nil {
		return nil, fmt.Errorf("%w: transactions not derived yet", ErrBadState)
	}
	return c.txs.Escrow.PkScript, nil
}

// FundingInputs returns the coins this side committed, for reservation
// bookkeeping.
func (c *Contract) FundingInputs() []wallet.UTXO {
	return append([]wallet.UTXO(nil), c.local.FundingInputs...)
}

// transition moves the state machine, rejecting anything not in the
// lifecycle graph. Callers hold c.mu.
func (c *Contract) transition(to State) error {
	for _, next := range transitions[c.state] {
		if next == to {
			c.log.WithFields(logrus.Fields{
				"from": c.state.String(),
				"to":   to.String(),
			}).Info("contract state change")
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadState, c.state, to)
}

// beginNegotiation attaches the counterparty's side and derives the
// deterministic transaction set.
func (c *Contract) beginNegotiation(remote *PartyInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateProposed {
		return fmt.Errorf("%w: negotiation already started", ErrBadState)
	}
	proposer, acceptor := c.local, remote
	if c.role == RoleAcceptor {
		proposer, acceptor = remote, c.local
	}
	txs, err := Build(&c.terms, proposer, acceptor)
	if err != nil {
		return err
	}
	c.remote = remote
	c.txs = txs
	return c.transition(StateNegotiating)
}

// markSigned checks that every funding input carries a witness from one
// of the two sides and moves to StateSigned.
func (c *Contract) markSigned() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ti := range c.txs.Funding.TxIn {
		id := gun.InputID(ti.PreviousOutPoint)
		if _, ok := c.localWitness[id]; ok {
			continue
		}
		if _, ok := c.theirWitness[id]; ok {
			continue
		}
		return fmt.Errorf("%w: funding input %s has no witness", ErrProtocolMismatch, id)
	}
	return c.transition(StateSigned)
}

// Abort ends the contract before funding. It refuses once this side's
// funding signatures have been released: the counterparty may hold a
// broadcastable funding transaction, and dropping the contract then
// would strand the stake with no refund material.
func (c *Contract) Abort(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAborted {
		return nil
	}
	if c.sigsReleased {
		return fmt.Errorf("%w: funding signatures already released", ErrBadState)
	}
	if err := c.transition(StateAborted); err != nil {
		return err
	}
	c.log.WithField("reason", reason).Warn("contract aborted, no funds at risk")
	return nil
}

// FundingTx returns the fully witnessed funding transaction.
func (c *Contract) FundingTx() (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fundingTxLocked()
}

func (c *Contract) fundingTxLocked() (*wire.MsgTx, error) {
	if c.state != StateSigned && c.state != StateFunded {
		return nil, fmt.Errorf("%w: funding tx not fully signed", ErrBadState)
	}
	tx := c.txs.Funding.Copy()
	for i, ti := range tx.TxIn {
		id := gun.InputID(ti.PreviousOutPoint)
		wit, ok := c.localWitness[id]
		if !ok {
			wit = c.theirWitness[id]
		}
		tx.TxIn[i].Witness = wire.TxWitness(wit)
	}
	return tx, nil
}

// BroadcastFunding submits the funding transaction. Idempotent: the
// wallet deduplicates by txid.
func (c *Contract) BroadcastFunding() (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.fundingTxLocked()
	if err != nil {
		return nil, err
	}
	h, err := c.w.Broadcast(tx)
	if err != nil {
		return nil, fmt.Errorf("broadcast funding: %w", err)
	}
	c.fundingTxID = h
	c.log.WithField("txid", h.String()).Info("funding transaction broadcast")
	return h, nil
}

// MarkFunded records funding confirmation. Duplicate notifications are
// no-ops; the chain watcher may deliver the same event more than once.
func (c *Contract) MarkFunded() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateFunded || c.state == StateResolved || c.state == StateRefunded {
		return nil
	}
	return c.transition(StateFunded)
}

// Resolve settles the contract with an oracle attestation: it completes
// the counterparty's stored pre-signature for the attested outcome, signs
// locally and broadcasts the outcome transaction.
func (c *Contract) Resolve(att *oracle.Attestation) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateResolved, StateRefunded:
		return nil, ErrAlreadySettled
	case StateFunded:
	default:
		return nil, fmt.Errorf("%w: cannot resolve from %s", ErrBadState, c.state)
	}

	gamma, err := oracle.VerifyAttestation(&c.terms.Oracle, att)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, o := range c.terms.Outcomes {
		if o.ID == att.Outcome {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: outcome %q not part of this contract",
			oracle.ErrInvalidAttestation, att.Outcome)
	}

	m, err := c.txs.OutcomeSigHash(idx)
	if err != nil {
		return nil, err
	}
	remotePub, err := gun.ParseXOnlyPubKey(c.remote.EscrowPub)
	if err != nil {
		return nil, err
	}
	theirSig, err := gun.FinalizePreSig(c.theirPreSigs[att.Outcome], gamma, m, remotePub)
	if err != nil {
		return nil, fmt.Errorf("complete counterparty pre-signature: %w", err)
	}
	localSig, err := schnorr.Sign(c.key, m)
	if err != nil {
		return nil, fmt.Errorf("sign outcome: %w", err)
	}

	tx := c.txs.Outcomes[idx].Copy()
	tx.TxIn[0].Witness, err = c.settleWitness(localSig.Serialize(), theirSig)
	if err != nil {
		return nil, err
	}
	h, err := c.w.Broadcast(tx)
	if err != nil {
		return nil, fmt.Errorf("broadcast outcome: %w", err)
	}
	if err := c.transition(StateResolved); err != nil {
		return nil, err
	}
	c.settledTxID = h
	c.settledOutcome = att.Outcome
	c.log.WithFields(logrus.Fields{
		"outcome": att.Outcome,
		"txid":    h.String(),
	}).Info("contract resolved")
	return tx, nil
}

// Refund broadcasts the pre-signed refund transaction once the chain has
// reached the agreed refund height.
func (c *Contract) Refund(height int64) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateResolved, StateRefunded:
		return nil, ErrAlreadySettled
	case StateFunded:
	default:
		return nil, fmt.Errorf("%w: cannot refund from %s", ErrBadState, c.state)
	}
	if height < c.terms.RefundHeight {
		return nil, fmt.Errorf("%w: height %d, refundable at %d",
			ErrRefundNotDue, height, c.terms.RefundHeight)
	}

	m, err := c.txs.RefundSigHash()
	if err != nil {
		return nil, err
	}
	localSig, err := schnorr.Sign(c.key, m)
	if err != nil {
		return nil, fmt.Errorf("sign refund: %w", err)
	}

	tx := c.txs.Refund.Copy()
	tx.TxIn[0].Witness, err = c.settleWitness(localSig.Serialize(), c.theirRefundSig)
	if err != nil {
		return nil, err
	}
	h, err := c.w.Broadcast(tx)
	if err != nil {
		return nil, fmt.Errorf("broadcast refund: %w", err)
	}
	if err := c.transition(StateRefunded); err != nil {
		return nil, err
	}
	c.settledTxID = h
	c.log.WithFields(logrus.Fields{
		"txid":   h.String(),
		"height": height,
	}).Info("contract refunded")
	return tx, nil
}

// settleWitness places the two settlement signatures into their script
// slots. Callers hold c.mu.
func (c *Contract) settleWitness(localSig, theirSig []byte) (wire.TxWitness, error) {
	localIdx, err := c.txs.Escrow.KeyIndex(schnorr.SerializePubKey(c.key.PubKey()))
	if err != nil {
		return nil, err
	}
	if localIdx == 0 {
		return c.txs.Escrow.Witness(localSig, theirSig), nil
	}
	return c.txs.Escrow.Witness(theirSig, localSig), nil
}

// Snapshot captures everything needed to restore the contract after a
// restart. The local key travels in the snapshot; the store holding it is
// the wallet database.
type Snapshot struct {
	Terms          Terms                  `json:"terms"`
	Role           Role                   `json:"role"`
	State          State                  `json:"state"`
	SigsReleased   bool                   `json:"sigs_released,omitempty"`
	LocalKey       []byte                 `json:"local_key"`
	Local          *PartyInfo             `json:"local"`
	Remote         *PartyInfo             `json:"remote,omitempty"`
	TheirPreSigs   map[string]*gun.PreSig `json:"their_presigs,omitempty"`
	TheirRefundSig []byte                 `json:"their_refund_sig,omitempty"`
	LocalWitness   map[string][][]byte    `json:"local_witness,omitempty"`
	TheirWitness   map[string][][]byte    `json:"their_witness,omitempty"`
	FundingTxID    string                 `json:"funding_txid,omitempty"`
	SettledTxID    string                 `json:"settled_txid,omitempty"`
	SettledOutcome string                 `json:"settled_outcome,omitempty"`
}

// Snapshot returns a restorable copy of the contract state.
func (c *Contract) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Snapshot{
		Terms:          c.terms,
		Role:           c.role,
		State:          c.state,
		SigsReleased:   c.sigsReleased,
		LocalKey:       c.key.Serialize(),
		Local:          c.local,
		Remote:         c.remote,
		TheirPreSigs:   c.theirPreSigs,
		TheirRefundSig: c.theirRefundSig,
		LocalWitness:   c.localWitness,
		TheirWitness:   c.theirWitness,
		SettledOutcome: c.settledOutcome,
	}
	if c.fundingTxID != nil {
		s.FundingTxID = c.fundingTxID.String()
	}
	if c.settledTxID != nil {
		s.SettledTxID = c.settledTxID.String()
	}
	return s
}

// Restore rebuilds a contract from a snapshot, re-deriving the
// transaction set when both sides are present.
func Restore(log *logrus.Entry, w wallet.Wallet, s *Snapshot) (*Contract, error) {
	if len(s.LocalKey) != 32 {
		return nil, fmt.Errorf("snapshot: bad local key")
	}
	key := secp256k1.PrivKeyFromBytes(s.LocalKey)
	c, err := New(log, w, s.Terms, s.Role, key, s.Local)
	if err != nil {
		return nil, err
	}
	c.state = s.State
	c.sigsReleased = s.SigsReleased
	c.remote = s.Remote
	c.theirPreSigs = s.TheirPreSigs
	c.theirRefundSig = s.TheirRefundSig
	c.settledOutcome = s.SettledOutcome
	if s.LocalWitness != nil {
		c.localWitness = s.LocalWitness
	}
	if s.TheirWitness != nil {
		c.theirWitness = s.TheirWitness
	}
	if s.Remote != nil {
		proposer, acceptor := s.Local, s.Remote
		if s.Role == RoleAcceptor {
			proposer, acceptor = s.Remote, s.Local
		}
		c.txs, err = Build(&s.Terms, proposer, acceptor)
		if err != nil {
			return nil, fmt.Errorf("rebuild transactions: %w", err)
		}
	}
	if s.FundingTxID != "" {
		h, err := chainhash.NewHashFromStr(s.FundingTxID)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		c.fundingTxID = h
	}
	if s.SettledTxID != "" {
		h, err := chainhash.NewHashFromStr(s.SettledTxID)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		c.settledTxID = h
	}
	return c, nil
}

package contract

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"

	"github.com/rajarshimaitra/gun/oracle"
	"github.com/rajarshimaitra/gun/peer"
	"github.com/rajarshimaitra/gun/wallet"
)

// Store persists contract snapshots across restarts.
type Store interface {
	Put(s *Snapshot) error
	List() ([]*Snapshot, error)
}

// Manager owns every live contract of this node: it runs negotiations,
// keeps coin reservations exclusive across concurrent contracts, reacts
// to chain events and persists state after each step.
type Manager struct {
	log   *logrus.Entry
	w     wallet.Wallet
	res   *wallet.Reservations
	store Store

	mu        sync.Mutex
	contracts map[string]*Contract
}

func NewManager(log *logrus.Entry, w wallet.Wallet, store Store) *Manager {
	return &Manager{
		log:       log,
		w:         w,
		res:       wallet.NewReservations(),
		store:     store,
		contracts: make(map[string]*Contract),
	}
}

// Reservations exposes the coin reservation table, mainly for tests.
func (m *Manager) Reservations() *wallet.Reservations { return m.res }

// Load restores persisted contracts and re-reserves the coins of every
// contract that is not yet settled.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	snaps, err := m.store.List()
	if err != nil {
		return fmt.Errorf("load contracts: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		c, err := Restore(m.log, m.w, s)
		if err != nil {
			return fmt.Errorf("restore contract %q: %w", s.Terms.ContractID, err)
		}
		m.contracts[c.ID()] = c
		switch c.State() {
		case StateResolved, StateRefunded, StateAborted:
		default:
			if err := m.res.Claim(c.ID(), c.FundingInputs()); err != nil {
				return fmt.Errorf("re-reserve coins for %q: %w", c.ID(), err)
			}
		}
	}
	m.log.WithField("contracts", len(m.contracts)).Info("contracts restored")
	return nil
}

func (m *Manager) register(c *Contract) {
	m.mu.Lock()
	m.contracts[c.ID()] = c
	m.mu.Unlock()
	m.persist(c)
}

func (m *Manager) persist(c *Contract) {
	if m.store == nil {
		return
	}
	if err := m.store.Put(c.Snapshot()); err != nil {
		c.log.WithError(err).Error("persist contract snapshot")
	}
}

// Get returns the contract by id.
func (m *Manager) Get(id string) (*Contract, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	return c, ok
}

// List returns all known contracts.
func (m *Manager) List() []*Contract {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Contract, 0, len(m.contracts))
	for _, c := range m.contracts {
		out = append(out, c)
	}
	return out
}

// commitContract registers and persists a contract before its funding
// signatures leave this node, so a crash at that point cannot lose the
// refund material.
func (m *Manager) commitContract(c *Contract) error {
	m.mu.Lock()
	m.contracts[c.ID()] = c
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	if err := m.store.Put(c.Snapshot()); err != nil {
		return fmt.Errorf("persist contract %q: %w", c.ID(), err)
	}
	return nil
}

// Propose negotiates a new contract as proposer and broadcasts its
// funding transaction. A negotiation that fails after the funding
// signatures were released returns the still-live contract alongside the
// error; it stays registered and watched so the refund path survives a
// counterparty that broadcasts anyway.
func (m *Manager) Propose(ctx context.Context, conn peer.Conn, terms Terms) (*Contract, error) {
	c, err := RunProposer(ctx, m.log, conn, m.w, m.res, terms, m.commitContract)
	if err != nil {
		if c != nil {
			m.persist(c)
		}
		return c, err
	}
	m.register(c)
	return c, m.fund(c)
}

// Accept negotiates an incoming contract as acceptor and broadcasts its
// funding transaction. Late failures behave as in Propose.
func (m *Manager) Accept(ctx context.Context, conn peer.Conn, approve func(*Terms) error) (*Contract, error) {
	c, err := RunAcceptor(ctx, m.log, conn, m.w, m.res, approve, m.commitContract)
	if err != nil {
		if c != nil {
			m.persist(c)
		}
		return c, err
	}
	m.register(c)
	return c, m.fund(c)
}

func (m *Manager) fund(c *Contract) error {
	if _, err := c.BroadcastFunding(); err != nil {
		return err
	}
	m.persist(c)
	return nil
}

// OnFundingConfirmed marks a contract funded. Safe to call repeatedly;
// the chain watcher may redeliver events.
func (m *Manager) OnFundingConfirmed(id string) error {
	c, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("unknown contract %q", id)
	}
	if err := c.MarkFunded(); err != nil {
		return err
	}
	m.persist(c)
	return nil
}

// Resolve settles a contract with an oracle attestation and releases its
// coin reservations.
func (m *Manager) Resolve(id string, att *oracle.Attestation) (*chainhash.Hash, error) {
	c, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown contract %q", id)
	}
	tx, err := c.Resolve(att)
	if err != nil {
		return nil, err
	}
	m.res.Release(id)
	m.persist(c)
	h := tx.TxHash()
	return &h, nil
}

// OnHeight refunds every funded contract whose refund height the chain
// has passed. Contracts that settled in the meantime are skipped.
func (m *Manager) OnHeight(height int64) {
	for _, c := range m.List() {
		if c.State() != StateFunded || height < c.Terms().RefundHeight {
			continue
		}
		if _, err := c.Refund(height); err != nil {
			if errors.Is(err, ErrAlreadySettled) {
				continue
			}
			c.log.WithError(err).Error("refund attempt failed")
			continue
		}
		m.res.Release(c.ID())
		m.persist(c)
	}
}

// RefundNow refunds a single contract at the given chain height.
func (m *Manager) RefundNow(id string, height int64) (*chainhash.Hash, error) {
	c, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown contract %q", id)
	}
	tx, err := c.Refund(height)
	if err != nil {
		return nil, err
	}
	m.res.Release(id)
	m.persist(c)
	h := tx.TxHash()
	return &h, nil
}

// Abort cancels an unfunded contract and frees its coins.
func (m *Manager) Abort(id, reason string) error {
	c, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("unknown contract %q", id)
	}
	if err := c.Abort(reason); err != nil {
		return err
	}
	m.res.Release(id)
	m.persist(c)
	return nil
}

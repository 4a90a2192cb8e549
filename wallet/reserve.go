package wallet

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUTXOConflict reports coins already reserved by another contract. Two
// concurrent negotiations must never fund from the same outpoint.
var ErrUTXOConflict = errors.New("utxo already reserved by another contract")

// Reservations is an explicit claim table keyed by contract id. A contract
// claims its funding coins before the first negotiation message goes out
// and holds them until it reaches a terminal state.
type Reservations struct {
	mu         sync.Mutex
	byOutpoint map[string]string   // "txid:vout" -> contract id
	byContract map[string][]string // contract id -> claimed outpoints
}

func NewReservations() *Reservations {
	return &Reservations{
		byOutpoint: make(map[string]string),
		byContract: make(map[string][]string),
	}
}

// Claim reserves every outpoint for contractID. All-or-nothing: on any
// conflict nothing is reserved and ErrUTXOConflict is returned naming the
// holder.
func (r *Reservations) Claim(contractID string, utxos []UTXO) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range utxos {
		if holder, ok := r.byOutpoint[u.ID()]; ok && holder != contractID {
			return fmt.Errorf("%w: %s held by %s", ErrUTXOConflict, u.ID(), holder)
		}
	}
	for _, u := range utxos {
		if _, ok := r.byOutpoint[u.ID()]; ok {
			continue
		}
		r.byOutpoint[u.ID()] = contractID
		r.byContract[contractID] = append(r.byContract[contractID], u.ID())
	}
	return nil
}

// Release frees every outpoint held by contractID.
func (r *Reservations) Release(contractID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.byContract[contractID] {
		delete(r.byOutpoint, id)
	}
	delete(r.byContract, contractID)
}

// Holder returns the contract currently holding the outpoint, if any.
func (r *Reservations) Holder(outpointID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.byOutpoint[outpointID]
	return holder, ok
}

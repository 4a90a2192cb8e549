// Package wallet defines the interface the bet protocol needs from a
// Bitcoin wallet engine: fresh addresses, coin selection, input signing,
// broadcast and chain height. Key management and sync strategy live behind
// this boundary.
package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrInsufficientFunds reports that coin selection could not cover the
// requested amount plus fee.
var ErrInsufficientFunds = errors.New("insufficient funds")

// UTXO is one spendable output of the wallet. PkScript is carried so both
// bet parties can validate and sign against the exact previous output.
type UTXO struct {
	TxID     string         `json:"txid"`
	Vout     uint32         `json:"vout"`
	Value    btcutil.Amount `json:"value"`
	PkScript []byte         `json:"pk_script"`
}

// ID returns the canonical "txid:vout" identifier.
func (u UTXO) ID() string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Vout)
}

// OutPoint converts the UTXO reference to a wire outpoint.
func (u UTXO) OutPoint() (wire.OutPoint, error) {
	var h chainhash.Hash
	if err := chainhash.Decode(&h, u.TxID); err != nil {
		return wire.OutPoint{}, fmt.Errorf("bad txid %q: %w", u.TxID, err)
	}
	return wire.OutPoint{Hash: h, Index: u.Vout}, nil
}

// Sum returns the total value of the set.
func Sum(utxos []UTXO) btcutil.Amount {
	var total btcutil.Amount
	for _, u := range utxos {
		total += u.Value
	}
	return total
}

// Wallet is the external collaborator the protocol escrows through.
// Implementations must be safe for concurrent use; exclusivity of selected
// coins across concurrent contracts is enforced separately by Reservations.
type Wallet interface {
	// NewAddress returns a fresh receive address.
	NewAddress() (btcutil.Address, error)

	// SelectUTXOs picks spendable outputs covering amount plus fee.
	SelectUTXOs(amount, fee btcutil.Amount) ([]UTXO, error)

	// SignInput produces the witness for input idx of tx, which spends utxo.
	SignInput(tx *wire.MsgTx, idx int, utxo UTXO) (wire.TxWitness, error)

	// Broadcast submits the transaction. Re-broadcasting an already
	// submitted transaction must be a no-op returning the same txid.
	Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error)

	// CurrentHeight returns the best known chain height.
	CurrentHeight() (int64, error)

	// EstimateFeeRate returns a sat/vB estimate to confirm within the
	// given number of blocks.
	EstimateFeeRate(blocks uint32) (float64, error)
}

package wallet

import (
	crand "crypto/rand"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Simulated is an in-memory wallet holding P2WPKH coins. It backs the
// protocol tests and the end-to-end simulation mode of the CLI; no chain
// is involved.
type Simulated struct {
	params *chaincfg.Params

	mu        sync.Mutex
	keys      map[string]*btcec.PrivateKey // by pkScript hex-free string key
	utxos     []UTXO
	spent     map[string]bool
	broadcast map[chainhash.Hash]*wire.MsgTx
	height    int64
	feeRate   float64 // sat/vB
}

func NewSimulated(params *chaincfg.Params) *Simulated {
	return &Simulated{
		params:    params,
		keys:      make(map[string]*btcec.PrivateKey),
		spent:     make(map[string]bool),
		broadcast: make(map[chainhash.Hash]*wire.MsgTx),
		height:    100,
		feeRate:   1.0,
	}
}

func (w *Simulated) newKeyedScript() (*btcec.PrivateKey, btcutil.Address, []byte, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, nil, err
	}
	pubHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubHash, w.params)
	if err != nil {
		return nil, nil, nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, nil, err
	}
	return priv, addr, pkScript, nil
}

// Fund credits the wallet with a fresh coin of the given value and returns
// it.
func (w *Simulated) Fund(value btcutil.Amount) (UTXO, error) {
	priv, _, pkScript, err := w.newKeyedScript()
	if err != nil {
		return UTXO{}, err
	}
	var h chainhash.Hash
	if _, err := crand.Read(h[:]); err != nil {
		return UTXO{}, err
	}
	u := UTXO{TxID: h.String(), Vout: 0, Value: value, PkScript: pkScript}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys[string(pkScript)] = priv
	w.utxos = append(w.utxos, u)
	return u, nil
}

func (w *Simulated) NewAddress() (btcutil.Address, error) {
	priv, addr, pkScript, err := w.newKeyedScript()
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.keys[string(pkScript)] = priv
	w.mu.Unlock()
	return addr, nil
}

// SelectUTXOs accumulates unspent coins until they cover amount+fee.
func (w *Simulated) SelectUTXOs(amount, fee btcutil.Amount) ([]UTXO, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var picked []UTXO
	var sum btcutil.Amount
	for _, u := range w.utxos {
		if w.spent[u.ID()] {
			continue
		}
		picked = append(picked, u)
		sum += u.Value
		if sum >= amount+fee {
			return picked, nil
		}
	}
	return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, sum, amount+fee)
}

func (w *Simulated) SignInput(tx *wire.MsgTx, idx int, utxo UTXO) (wire.TxWitness, error) {
	w.mu.Lock()
	priv, ok := w.keys[string(utxo.PkScript)]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no key for utxo %s", utxo.ID())
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(utxo.PkScript, int64(utxo.Value))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	return txscript.WitnessSignature(
		tx, sigHashes, idx, int64(utxo.Value), utxo.PkScript,
		txscript.SigHashAll, priv, true,
	)
}

// Broadcast records the transaction and marks its inputs spent.
// Re-broadcasting the same transaction is a no-op.
func (w *Simulated) Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error) {
	h := tx.TxHash()
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.broadcast[h]; ok {
		return &h, nil
	}
	w.broadcast[h] = tx
	for _, ti := range tx.TxIn {
		key := ti.PreviousOutPoint.Hash.String()
		w.spent[UTXO{TxID: key, Vout: ti.PreviousOutPoint.Index}.ID()] = true
	}
	return &h, nil
}

// Broadcasts returns a snapshot of everything broadcast so far.
func (w *Simulated) Broadcasts() []*wire.MsgTx {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*wire.MsgTx, 0, len(w.broadcast))
	for _, tx := range w.broadcast {
		out = append(out, tx)
	}
	return out
}

// WasBroadcast reports whether the txid has been broadcast.
func (w *Simulated) WasBroadcast(h chainhash.Hash) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.broadcast[h]
	return ok
}

func (w *Simulated) CurrentHeight() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.height, nil
}

// SetHeight advances the simulated chain tip.
func (w *Simulated) SetHeight(h int64) {
	w.mu.Lock()
	w.height = h
	w.mu.Unlock()
}

func (w *Simulated) EstimateFeeRate(blocks uint32) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.feeRate, nil
}

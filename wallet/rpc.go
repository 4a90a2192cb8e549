package wallet

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"
)

// RPC is a Wallet backed by a bitcoind node with its wallet enabled. Key
// management stays in the node; this type only selects coins, asks the
// node to sign, and relays transactions.
type RPC struct {
	log      *logrus.Entry
	client   *rpcclient.Client
	params   *chaincfg.Params
	minConfs int
}

func NewRPC(log *logrus.Entry, client *rpcclient.Client, params *chaincfg.Params, minConfs int) *RPC {
	if minConfs < 0 {
		minConfs = 0
	}
	return &RPC{log: log, client: client, params: params, minConfs: minConfs}
}

func (w *RPC) NewAddress() (btcutil.Address, error) {
	addr, err := w.client.GetNewAddress("")
	if err != nil {
		return nil, fmt.Errorf("getnewaddress: %w", err)
	}
	return addr, nil
}

// SelectUTXOs picks confirmed spendable outputs, largest first, until
// they cover amount plus fee.
func (w *RPC) SelectUTXOs(amount, fee btcutil.Amount) ([]UTXO, error) {
	unspent, err := w.client.ListUnspent()
	if err != nil {
		return nil, fmt.Errorf("listunspent: %w", err)
	}
	sort.Slice(unspent, func(i, j int) bool {
		return unspent[i].Amount > unspent[j].Amount
	})

	var picked []UTXO
	var sum btcutil.Amount
	for _, u := range unspent {
		if !u.Spendable || int(u.Confirmations) < w.minConfs {
			continue
		}
		value, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			continue
		}
		pkScript, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			continue
		}
		picked = append(picked, UTXO{
			TxID:     u.TxID,
			Vout:     u.Vout,
			Value:    value,
			PkScript: pkScript,
		})
		sum += value
		if sum >= amount+fee {
			return picked, nil
		}
	}
	return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, sum, amount+fee)
}

// SignInput asks the node wallet to sign and extracts the witness for
// the one input this call is about.
func (w *RPC) SignInput(tx *wire.MsgTx, idx int, utxo UTXO) (wire.TxWitness, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("input index %d out of range", idx)
	}
	signed, complete, err := w.client.SignRawTransactionWithWallet(tx)
	if err != nil {
		return nil, fmt.Errorf("signrawtransactionwithwallet: %w", err)
	}
	_ = complete // other parties' inputs are expected to stay unsigned
	wit := signed.TxIn[idx].Witness
	if len(wit) == 0 {
		return nil, fmt.Errorf("node wallet produced no witness for input %s", utxo.ID())
	}
	return wit, nil
}

// Broadcast relays the transaction. A transaction the network already
// knows is treated as successfully broadcast.
func (w *RPC) Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error) {
	h, err := w.client.SendRawTransaction(tx, false)
	if err != nil {
		if alreadyKnown(err) {
			known := tx.TxHash()
			w.log.WithField("txid", known.String()).Debug("transaction already known to network")
			return &known, nil
		}
		return nil, fmt.Errorf("sendrawtransaction: %w", err)
	}
	return h, nil
}

func alreadyKnown(err error) bool {
	msg := err.Error()
	for _, s := range []string{
		"txn-already-in-mempool",
		"txn-already-known",
		"already in block chain",
		"already have transaction",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (w *RPC) CurrentHeight() (int64, error) {
	h, err := w.client.GetBlockCount()
	if err != nil {
		return 0, fmt.Errorf("getblockcount: %w", err)
	}
	return h, nil
}

// EstimateFeeRate returns sat/vB from the node's smart fee estimator,
// falling back to 1 sat/vB when the node has no estimate (fresh regtest
// nodes never do).
func (w *RPC) EstimateFeeRate(blocks uint32) (float64, error) {
	mode := btcjson.EstimateModeConservative
	res, err := w.client.EstimateSmartFee(int64(blocks), &mode)
	if err != nil {
		return 0, fmt.Errorf("estimatesmartfee: %w", err)
	}
	if res.FeeRate == nil || *res.FeeRate <= 0 {
		return 1.0, nil
	}
	// BTC/kvB -> sat/vB.
	return *res.FeeRate * 1e8 / 1000, nil
}

// Package chainwatcher polls a bitcoind/btcd node for two things the bet
// protocol cares about: confirmation of funding escrow outputs and the
// chain tip height that arms the refund path.
package chainwatcher

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/rajarshimaitra/gun/wallet"
)

// RPCClient is the subset of rpcclient.Client the watcher uses. Tests
// substitute a fake chain.
type RPCClient interface {
	GetBestBlock() (*chainhash.Hash, int32, error)
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawMempool() ([]*chainhash.Hash, error)
	GetRawTransactionVerbose(hash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetTxOut(hash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error)
}

// FundingUpdate reports the escrow output state for one watched pkScript.
type FundingUpdate struct {
	PkScriptHex string
	Confs       uint32
	OK          bool
	At          time.Time
	UTXOs       []wallet.UTXO
}

// ChainWatcher scans blocks and the mempool for every pkScript that
// currently has a subscriber and pushes a FundingUpdate each tick. It
// keeps no per-contract protocol state.
type ChainWatcher struct {
	log    *logrus.Entry
	client RPCClient
	tick   time.Duration

	mu          sync.RWMutex
	tip         int64
	lastScanned int64
	subs        map[string]map[chan FundingUpdate]struct{} // pkScriptHex -> set(chan)
	tipSubs     map[chan int64]struct{}
	pkBytes     map[string][]byte
	// known caches unspent escrow outputs found in earlier ticks so funding
	// keeps being reported when later blocks carry nothing for the script.
	known map[string]map[string]wallet.UTXO // pkScriptHex -> "txid:vout" -> utxo

	quit chan struct{}
}

func New(log *logrus.Entry, client RPCClient) *ChainWatcher {
	return &ChainWatcher{
		log:         log,
		client:      client,
		tick:        5 * time.Second,
		lastScanned: -1,
		subs:        make(map[string]map[chan FundingUpdate]struct{}),
		tipSubs:     make(map[chan int64]struct{}),
		pkBytes:     make(map[string][]byte),
		known:       make(map[string]map[string]wallet.UTXO),
		quit:        make(chan struct{}),
	}
}

func (w *ChainWatcher) Stop() { close(w.quit) }

// Run polls until the context ends or Stop is called.
func (w *ChainWatcher) Run(ctx context.Context) {
	w.log.Info("chain watcher started")
	t := time.NewTicker(w.tick)
	defer t.Stop()
	defer w.log.Info("chain watcher stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			w.pollOnce()
		}
	}
}

func (w *ChainWatcher) pollOnce() {
	if _, h, err := w.client.GetBestBlock(); err == nil {
		w.setTip(int64(h))
	} else {
		w.log.WithError(err).Debug("GetBestBlock failed")
	}

	w.mu.RLock()
	keys := make([]string, 0, len(w.subs))
	for k := range w.subs {
		keys = append(keys, k)
	}
	pkbByKey := make(map[string][]byte, len(keys))
	knownSize := make(map[string]int, len(keys))
	for _, k := range keys {
		pkbByKey[k] = w.pkBytes[k]
		knownSize[k] = len(w.known[k])
	}
	w.mu.RUnlock()
	if len(keys) == 0 {
		return
	}

	tip := w.Tip()
	discovered := make(map[string][]wallet.UTXO, len(keys))

	// Scan blocks since the last tick; on first run or reorg only the
	// current tip.
	if tip >= 0 && tip != w.lastScanned {
		start := w.lastScanned + 1
		if w.lastScanned == -1 || start < 0 || start > tip {
			start = tip
		}
		for bh := start; bh <= tip; bh++ {
			hash, err := w.client.GetBlockHash(bh)
			if err != nil {
				continue
			}
			block, err := w.client.GetBlock(hash)
			if err != nil || block == nil {
				continue
			}
			for _, mtx := range block.Transactions {
				txid := mtx.TxHash().String()
				for voutIdx, o := range mtx.TxOut {
					for _, pkHex := range keys {
						if pkb := pkbByKey[pkHex]; pkb != nil && bytes.Equal(o.PkScript, pkb) {
							discovered[pkHex] = append(discovered[pkHex], wallet.UTXO{
								TxID:     txid,
								Vout:     uint32(voutIdx),
								Value:    btcutil.Amount(o.Value),
								PkScript: pkb,
							})
						}
					}
				}
			}
		}
		w.lastScanned = tip
	}

	// Mempool scan for scripts that still have nothing.
	needMempool := false
	for _, pkHex := range keys {
		if len(discovered[pkHex]) == 0 && knownSize[pkHex] == 0 {
			needMempool = true
			break
		}
	}
	if needMempool {
		if txids, err := w.client.GetRawMempool(); err == nil {
			for _, th := range txids {
				v, err := w.client.GetRawTransactionVerbose(th)
				if err != nil || v == nil {
					continue
				}
				for voutIdx, vout := range v.Vout {
					spk, err := hex.DecodeString(vout.ScriptPubKey.Hex)
					if err != nil {
						continue
					}
					for _, pkHex := range keys {
						if pkb := pkbByKey[pkHex]; pkb != nil && bytes.Equal(spk, pkb) {
							value, err := btcutil.NewAmount(vout.Value)
							if err != nil {
								continue
							}
							discovered[pkHex] = append(discovered[pkHex], wallet.UTXO{
								TxID:     v.Txid,
								Vout:     uint32(voutIdx),
								Value:    value,
								PkScript: pkb,
							})
						}
					}
				}
			}
		} else {
			w.log.WithError(err).Debug("GetRawMempool failed, skipping mempool scan")
		}
	}

	for _, pkHex := range keys {
		if list := discovered[pkHex]; len(list) > 0 {
			w.mu.Lock()
			km := w.known[pkHex]
			if km == nil {
				km = make(map[string]wallet.UTXO)
				w.known[pkHex] = km
			}
			for _, u := range list {
				km[u.ID()] = u
			}
			w.mu.Unlock()
		}
		w.broadcastUpdate(pkHex, w.checkKnown(pkHex, tip))
	}
	w.broadcastTip(tip)
}

// checkKnown re-validates the cached outputs for one script against the
// node and returns the current funding state.
func (w *ChainWatcher) checkKnown(pkHex string, tip int64) FundingUpdate {
	w.mu.RLock()
	km := w.known[pkHex]
	ids := make([]string, 0, len(km))
	utxos := make(map[string]wallet.UTXO, len(km))
	for id, u := range km {
		ids = append(ids, id)
		utxos[id] = u
	}
	w.mu.RUnlock()

	current := make([]wallet.UTXO, 0, len(ids))
	minConfs := int64(-1)
	for _, id := range ids {
		u := utxos[id]
		var h chainhash.Hash
		if err := chainhash.Decode(&h, u.TxID); err != nil {
			continue
		}
		res, err := w.client.GetTxOut(&h, u.Vout, true)
		if err != nil || res == nil {
			// Spent or gone; forget it.
			w.mu.Lock()
			if set := w.known[pkHex]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(w.known, pkHex)
				}
			}
			w.mu.Unlock()
			continue
		}
		current = append(current, u)
		if minConfs == -1 || res.Confirmations < minConfs {
			minConfs = res.Confirmations
		}
	}

	var confs uint32
	if len(current) > 0 && minConfs > 0 {
		confs = uint32(minConfs)
	}
	return FundingUpdate{
		PkScriptHex: pkHex,
		Confs:       confs,
		OK:          len(current) > 0,
		At:          time.Now(),
		UTXOs:       current,
	}
}

func (w *ChainWatcher) setTip(h int64) {
	w.mu.Lock()
	w.tip = h
	w.mu.Unlock()
}

// Tip returns the last seen chain height.
func (w *ChainWatcher) Tip() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tip
}

// Subscribe registers a listener for an escrow pkScript. No snapshot is
// sent; the first update arrives on the next tick.
func (w *ChainWatcher) Subscribe(pkScriptHex string) (<-chan FundingUpdate, func()) {
	k := strings.ToLower(pkScriptHex)
	if b, err := hex.DecodeString(k); err == nil {
		w.mu.Lock()
		w.pkBytes[k] = b
		w.mu.Unlock()
	}

	ch := make(chan FundingUpdate, 8)
	w.mu.Lock()
	if _, ok := w.subs[k]; !ok {
		w.subs[k] = make(map[chan FundingUpdate]struct{})
	}
	w.subs[k][ch] = struct{}{}
	n := len(w.subs[k])
	w.mu.Unlock()
	w.log.WithFields(logrus.Fields{"pkscript": k, "subs": n}).Info("escrow subscription added")

	unsub := func() {
		w.mu.Lock()
		if set, ok := w.subs[k]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.subs, k)
				delete(w.known, k)
			}
		}
		w.mu.Unlock()
		// ch is not closed: the poller may still send; receivers stop via
		// their own context.
	}
	return ch, unsub
}

// SubscribeTip registers a listener for chain height ticks.
func (w *ChainWatcher) SubscribeTip() (<-chan int64, func()) {
	ch := make(chan int64, 8)
	w.mu.Lock()
	w.tipSubs[ch] = struct{}{}
	w.mu.Unlock()
	unsub := func() {
		w.mu.Lock()
		delete(w.tipSubs, ch)
		w.mu.Unlock()
	}
	return ch, unsub
}

// broadcastUpdate best-effort delivers to every subscriber; slow
// receivers drop updates rather than stall the poller.
func (w *ChainWatcher) broadcastUpdate(pk string, u FundingUpdate) {
	w.mu.RLock()
	chs := make([]chan FundingUpdate, 0, len(w.subs[pk]))
	for ch := range w.subs[pk] {
		chs = append(chs, ch)
	}
	w.mu.RUnlock()
	for _, ch := range chs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (w *ChainWatcher) broadcastTip(tip int64) {
	w.mu.RLock()
	chs := make([]chan int64, 0, len(w.tipSubs))
	for ch := range w.tipSubs {
		chs = append(chs, ch)
	}
	w.mu.RUnlock()
	for _, ch := range chs {
		select {
		case ch <- tip:
		default:
		}
	}
}

// WaitForConfirmation blocks until the pkScript is funded with the given
// number of confirmations, the context ends, or the refund deadline
// passes on chain.
func (w *ChainWatcher) WaitForConfirmation(ctx context.Context, pkScriptHex string, minConfs uint32) (*FundingUpdate, error) {
	ch, unsub := w.Subscribe(pkScriptHex)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case u := <-ch:
			if u.OK && u.Confs >= minConfs {
				return &u, nil
			}
		}
	}
}

// SetTickInterval overrides the poll interval, mainly for tests.
func (w *ChainWatcher) SetTickInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	w.tick = d
	return nil
}

package chainwatcher

import (
	"encoding/hex"
	"io"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeChain is an in-memory node for the poller.
type fakeChain struct {
	mu      sync.Mutex
	height  int64
	blocks  map[int64]*wire.MsgBlock
	utxos   map[wire.OutPoint]*btcjson.GetTxOutResult
	mempool []*chainhash.Hash
	rawTxs  map[chainhash.Hash]*btcjson.TxRawResult
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks: make(map[int64]*wire.MsgBlock),
		utxos:  make(map[wire.OutPoint]*btcjson.GetTxOutResult),
		rawTxs: make(map[chainhash.Hash]*btcjson.TxRawResult),
	}
}

func (f *fakeChain) GetBestBlock() (*chainhash.Hash, int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &chainhash.Hash{}, int32(f.height), nil
}

func (f *fakeChain) GetBlockHash(height int64) (*chainhash.Hash, error) {
	var h chainhash.Hash
	h[0] = byte(height)
	return &h, nil
}

func (f *fakeChain) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[int64(hash[0])]
	if !ok {
		return &wire.MsgBlock{}, nil
	}
	return b, nil
}

func (f *fakeChain) GetRawMempool() ([]*chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mempool, nil
}

func (f *fakeChain) GetRawTransactionVerbose(hash *chainhash.Hash) (*btcjson.TxRawResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rawTxs[*hash], nil
}

func (f *fakeChain) GetTxOut(hash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.utxos[wire.OutPoint{Hash: *hash, Index: index}], nil
}

func testWatcher(t *testing.T) (*ChainWatcher, *fakeChain) {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	chain := newFakeChain()
	return New(logrus.NewEntry(l), chain), chain
}

func TestWatcherReportsFunding(t *testing.T) {
	w, chain := testWatcher(t)
	escrowScript := []byte{0x51, 0x20, 1, 2, 3, 4}
	pkHex := hex.EncodeToString(escrowScript)

	ch, unsub := w.Subscribe(pkHex)
	defer unsub()
	tips, unsubTip := w.SubscribeTip()
	defer unsubTip()

	// Block 1 funds the escrow.
	fundTx := wire.NewMsgTx(2)
	fundTx.AddTxOut(wire.NewTxOut(10_000_000, escrowScript))
	chain.mu.Lock()
	chain.height = 1
	chain.blocks[1] = &wire.MsgBlock{Transactions: []*wire.MsgTx{fundTx}}
	h := fundTx.TxHash()
	chain.utxos[wire.OutPoint{Hash: h, Index: 0}] = &btcjson.GetTxOutResult{Confirmations: 1}
	chain.mu.Unlock()

	w.pollOnce()
	u := <-ch
	require.True(t, u.OK)
	require.Equal(t, uint32(1), u.Confs)
	require.Len(t, u.UTXOs, 1)
	require.Equal(t, h.String(), u.UTXOs[0].TxID)
	require.Equal(t, int64(1), <-tips)

	// More confirmations on the next tick.
	chain.mu.Lock()
	chain.height = 3
	chain.utxos[wire.OutPoint{Hash: h, Index: 0}].Confirmations = 3
	chain.mu.Unlock()
	w.pollOnce()
	u = <-ch
	require.True(t, u.OK)
	require.Equal(t, uint32(3), u.Confs)
	require.Equal(t, int64(3), <-tips)

	// Escrow spent: the cached output disappears.
	chain.mu.Lock()
	chain.height = 4
	delete(chain.utxos, wire.OutPoint{Hash: h, Index: 0})
	chain.mu.Unlock()
	w.pollOnce()
	u = <-ch
	require.False(t, u.OK)
	require.Empty(t, u.UTXOs)
}

func TestWatcherSeesMempoolFunding(t *testing.T) {
	w, chain := testWatcher(t)
	escrowScript := []byte{0x51, 0x20, 9, 9}
	pkHex := hex.EncodeToString(escrowScript)
	ch, unsub := w.Subscribe(pkHex)
	defer unsub()

	var txh chainhash.Hash
	txh[5] = 0xee
	chain.mu.Lock()
	chain.height = 2
	chain.mempool = []*chainhash.Hash{&txh}
	chain.rawTxs[txh] = &btcjson.TxRawResult{
		Txid: txh.String(),
		Vout: []btcjson.Vout{{
			Value:        0.1,
			ScriptPubKey: btcjson.ScriptPubKeyResult{Hex: pkHex},
		}},
	}
	chain.utxos[wire.OutPoint{Hash: txh, Index: 0}] = &btcjson.GetTxOutResult{Confirmations: 0}
	chain.mu.Unlock()

	w.pollOnce()
	u := <-ch
	require.True(t, u.OK)
	require.Equal(t, uint32(0), u.Confs)
	require.Len(t, u.UTXOs, 1)
	require.Equal(t, int64(10_000_000), int64(u.UTXOs[0].Value))
}

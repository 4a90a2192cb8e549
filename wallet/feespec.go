package wallet

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// FeeSpec is the operator-facing fee specification: an absolute amount, a
// sat/vB rate, or a confirm-within-N-blocks target resolved against the
// wallet's estimator.
//
//	abs:300        300 satoshis
//	abs:0.000003   BTC decimal
//	rate:3.5       sat/vB
//	in-blocks:5    estimator target
type FeeSpec struct {
	kind   feeKind
	abs    btcutil.Amount
	rate   float64
	blocks uint32
}

type feeKind int

const (
	feeAbsolute feeKind = iota
	feeRate
	feeHeight
)

// DefaultFeeSpec targets confirmation in the next block.
func DefaultFeeSpec() FeeSpec {
	return FeeSpec{kind: feeHeight, blocks: 1}
}

// AbsoluteFee returns a fixed-amount spec.
func AbsoluteFee(amt btcutil.Amount) FeeSpec {
	return FeeSpec{kind: feeAbsolute, abs: amt}
}

// ParseFeeSpec parses the CLI fee syntax.
func ParseFeeSpec(s string) (FeeSpec, error) {
	if rate, ok := strings.CutPrefix(s, "rate:"); ok {
		f, err := strconv.ParseFloat(rate, 64)
		if err != nil || f <= 0 {
			return FeeSpec{}, fmt.Errorf("bad fee rate %q", rate)
		}
		return FeeSpec{kind: feeRate, rate: f}, nil
	}
	if amount, ok := strings.CutPrefix(s, "abs:"); ok {
		if sats, err := strconv.ParseInt(amount, 10, 64); err == nil {
			return FeeSpec{kind: feeAbsolute, abs: btcutil.Amount(sats)}, nil
		}
		btc, err := strconv.ParseFloat(amount, 64)
		if err != nil {
			return FeeSpec{}, fmt.Errorf("bad absolute fee %q", amount)
		}
		amt, err := btcutil.NewAmount(btc)
		if err != nil {
			return FeeSpec{}, fmt.Errorf("bad absolute fee %q: %w", amount, err)
		}
		return FeeSpec{kind: feeAbsolute, abs: amt}, nil
	}
	if inBlocks, ok := strings.CutPrefix(s, "in-blocks:"); ok {
		n, err := strconv.ParseUint(inBlocks, 10, 32)
		if err != nil || n == 0 {
			return FeeSpec{}, fmt.Errorf("bad block target %q", inBlocks)
		}
		return FeeSpec{kind: feeHeight, blocks: uint32(n)}, nil
	}
	return FeeSpec{}, fmt.Errorf("%q is not a valid fee specification", s)
}

func (f FeeSpec) String() string {
	switch f.kind {
	case feeRate:
		return "rate:" + strconv.FormatFloat(f.rate, 'g', -1, 64)
	case feeAbsolute:
		return "abs:" + strconv.FormatInt(int64(f.abs), 10)
	default:
		return "in-blocks:" + strconv.FormatUint(uint64(f.blocks), 10)
	}
}

// Fee resolves the spec to an absolute amount for a transaction of the
// given virtual size.
func (f FeeSpec) Fee(w Wallet, vsize int) (btcutil.Amount, error) {
	switch f.kind {
	case feeAbsolute:
		return f.abs, nil
	case feeRate:
		return btcutil.Amount(math.Ceil(f.rate * float64(vsize))), nil
	default:
		rate, err := w.EstimateFeeRate(f.blocks)
		if err != nil {
			return 0, fmt.Errorf("estimate fee: %w", err)
		}
		return btcutil.Amount(math.Ceil(rate * float64(vsize))), nil
	}
}

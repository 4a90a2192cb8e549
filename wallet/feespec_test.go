package wallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestParseFeeSpec(t *testing.T) {
	fs, err := ParseFeeSpec("abs:300")
	require.NoError(t, err)
	require.Equal(t, AbsoluteFee(300), fs)

	fs, err = ParseFeeSpec("abs:0.000003")
	require.NoError(t, err)
	require.Equal(t, AbsoluteFee(300), fs)

	fs, err = ParseFeeSpec("rate:3.5")
	require.NoError(t, err)
	require.Equal(t, FeeSpec{kind: feeRate, rate: 3.5}, fs)

	fs, err = ParseFeeSpec("in-blocks:5")
	require.NoError(t, err)
	require.Equal(t, FeeSpec{kind: feeHeight, blocks: 5}, fs)

	for _, bad := range []string{"", "300", "abs:x", "rate:-1", "in-blocks:0"} {
		_, err := ParseFeeSpec(bad)
		require.Error(t, err, "input %q", bad)
	}
}

func TestFeeSpecRoundTrip(t *testing.T) {
	for _, s := range []string{"abs:300", "rate:3.5", "in-blocks:5"} {
		fs, err := ParseFeeSpec(s)
		require.NoError(t, err)
		require.Equal(t, s, fs.String())
	}
	require.Equal(t, "in-blocks:1", DefaultFeeSpec().String())
}

func TestFeeSpecResolve(t *testing.T) {
	w := NewSimulated(&chaincfg.RegressionNetParams)

	fee, err := AbsoluteFee(500).Fee(w, 250)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(500), fee)

	fs, err := ParseFeeSpec("rate:2")
	require.NoError(t, err)
	fee, err = fs.Fee(w, 250)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(500), fee)

	// Height target resolves through the wallet estimator (1 sat/vB in the
	// simulated wallet).
	fee, err = DefaultFeeSpec().Fee(w, 250)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(250), fee)
}

package wallet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReservationsClaimRelease(t *testing.T) {
	r := NewReservations()
	u1 := UTXO{TxID: "aa", Vout: 0, Value: 1000}
	u2 := UTXO{TxID: "aa", Vout: 1, Value: 2000}

	require.NoError(t, r.Claim("c1", []UTXO{u1, u2}))

	// Same contract may re-claim its own coins (idempotent).
	require.NoError(t, r.Claim("c1", []UTXO{u1}))

	// A second contract must not take any of them.
	err := r.Claim("c2", []UTXO{u2})
	require.ErrorIs(t, err, ErrUTXOConflict)

	holder, ok := r.Holder(u1.ID())
	require.True(t, ok)
	require.Equal(t, "c1", holder)

	r.Release("c1")
	_, ok = r.Holder(u1.ID())
	require.False(t, ok)
	require.NoError(t, r.Claim("c2", []UTXO{u1, u2}))
}

func TestReservationsAllOrNothing(t *testing.T) {
	r := NewReservations()
	u1 := UTXO{TxID: "bb", Vout: 0}
	u2 := UTXO{TxID: "bb", Vout: 1}
	require.NoError(t, r.Claim("c1", []UTXO{u2}))

	// c2 wants both; the claim must fail without reserving u1.
	err := r.Claim("c2", []UTXO{u1, u2})
	require.ErrorIs(t, err, ErrUTXOConflict)
	_, ok := r.Holder(u1.ID())
	require.False(t, ok)
}

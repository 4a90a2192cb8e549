package contractdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rajarshimaitra/gun/contract"
)

func testSnapshot(id string, state contract.State) *contract.Snapshot {
	s := &contract.Snapshot{
		Role:     contract.RoleProposer,
		State:    state,
		LocalKey: make([]byte, 32),
	}
	s.Terms.ContractID = id
	s.Terms.StakeProposer = 5_000_000
	s.Terms.StakeAcceptor = 5_000_000
	return s
}

func TestPutGetList(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "contracts.db"))
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get("missing")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, db.Put(testSnapshot("c-1", contract.StateSigned)))
	require.NoError(t, db.Put(testSnapshot("c-2", contract.StateFunded)))

	got, err = db.Get("c-1")
	require.NoError(t, err)
	require.Equal(t, "c-1", got.Terms.ContractID)
	require.Equal(t, contract.StateSigned, got.State)

	// Upsert replaces the stored state.
	require.NoError(t, db.Put(testSnapshot("c-1", contract.StateResolved)))
	got, err = db.Get("c-1")
	require.NoError(t, err)
	require.Equal(t, contract.StateResolved, got.State)

	all, err := db.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

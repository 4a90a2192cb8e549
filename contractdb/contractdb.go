// Package contractdb persists contract snapshots in SQLite so contracts
// survive restarts. Table is contracts.
package contractdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rajarshimaitra/gun/contract"
)

type SQLiteContractDB struct {
	db *sql.DB
}

// New opens (creating if needed) the contract database at dbPath. Use
// ":memory:" for an ephemeral store.
func New(dbPath string) (*SQLiteContractDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open contract db: %w", err)
	}
	s := &SQLiteContractDB{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteContractDB) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS contracts (
		ContractID TEXT PRIMARY KEY,
		State INTEGER NOT NULL,
		Role INTEGER NOT NULL,
		Snapshot BLOB NOT NULL,
		UpdatedAt INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contracts_state ON contracts (State);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteContractDB) Close() error {
	return s.db.Close()
}

// Put upserts one contract snapshot.
func (s *SQLiteContractDB) Put(snap *contract.Snapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	query := `
	INSERT INTO contracts (ContractID, State, Role, Snapshot, UpdatedAt)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(ContractID) DO UPDATE SET
		State = excluded.State,
		Snapshot = excluded.Snapshot,
		UpdatedAt = excluded.UpdatedAt;
	`
	_, err = s.db.Exec(query, snap.Terms.ContractID, int(snap.State), int(snap.Role),
		blob, time.Now().Unix())
	return err
}

// Get returns the snapshot for one contract, or nil when unknown.
func (s *SQLiteContractDB) Get(contractID string) (*contract.Snapshot, error) {
	query := `SELECT Snapshot FROM contracts WHERE ContractID = ?;`
	var blob []byte
	err := s.db.QueryRow(query, contractID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap := &contract.Snapshot{}
	if err := json.Unmarshal(blob, snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %q: %w", contractID, err)
	}
	return snap, nil
}

// List returns every stored snapshot.
func (s *SQLiteContractDB) List() ([]*contract.Snapshot, error) {
	query := `SELECT Snapshot FROM contracts ORDER BY UpdatedAt;`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*contract.Snapshot
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		snap := &contract.Snapshot{}
		if err := json.Unmarshal(blob, snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

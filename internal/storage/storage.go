// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage persists positions, activities and swap keys.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	sealer *Sealer
}

// Config holds storage configuration.
type Config struct {
	DataDir string

	// KeyPassphrase seals swap private keys at rest. Empty stores them
	// in the clear.
	KeyPassphrase string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "fujiswap.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}
	if cfg.KeyPassphrase != "" {
		s.sealer = NewSealer(cfg.KeyPassphrase)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables. Position state is derived on
// read, so contracts carry only the marker and confirmation flag.
func (s *Storage) initSchema() error {
	schema := `
	-- Ephemeral swap keys, one per contract, overwritten by a fresh attempt
	CREATE TABLE IF NOT EXISTS swap_keys (
		contract_id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		public_key TEXT NOT NULL,
		private_key BLOB NOT NULL,
		preimage BLOB,
		sealed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		swap_id TEXT,
		timeout_block_height INTEGER,
		redeem_script TEXT,
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		network TEXT NOT NULL,
		collateral TEXT NOT NULL,             -- JSON ledger.Asset
		synthetic TEXT NOT NULL,              -- JSON ledger.Asset
		oracles TEXT NOT NULL,                -- JSON array
		payout TEXT NOT NULL,
		thresholds TEXT NOT NULL,             -- JSON ledger.Thresholds
		txid TEXT,
		vout INTEGER NOT NULL DEFAULT 0,
		confirmed INTEGER NOT NULL DEFAULT 0,
		marker TEXT,
		covenant_script TEXT,
		payout_script TEXT,
		borrower_pubkey TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_network ON contracts(network);
	CREATE INDEX IF NOT EXISTS idx_contracts_txid ON contracts(txid);

	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		type TEXT NOT NULL,
		txid TEXT,
		message TEXT,
		network TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activities_contract ON activities(contract_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

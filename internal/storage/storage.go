// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage persists orders, escrows, and transaction history for the
// lockswap daemon. A single daemon instance owns the database file.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (or creates) the database under cfg.DataDir.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "lockswap.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
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

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Orders table
	-- One row per swap intent. Status moves monotonically:
	-- pending -> matched -> escrowed -> claimed | refunded | failed
	-- (cancelled is reachable from pending only). Terminal rows are
	-- never deleted; they are the audit trail.
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'pending',

		-- Participants (chain-native address strings)
		maker TEXT NOT NULL,
		taker TEXT,

		-- What is being swapped
		from_chain TEXT NOT NULL,
		to_chain TEXT NOT NULL,
		from_token TEXT,
		to_token TEXT,
		amount TEXT NOT NULL,

		-- HTLC parameters
		hashlock TEXT NOT NULL,
		secret TEXT,
		timelock INTEGER NOT NULL,
		swap_key TEXT NOT NULL,

		-- Result tracking
		failure_reason TEXT,

		-- Timing
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_swap_key ON orders(swap_key);
	CREATE INDEX IF NOT EXISTS idx_orders_pair ON orders(from_chain, to_chain);
	CREATE INDEX IF NOT EXISTS idx_orders_updated ON orders(updated_at);

	-- Escrows table
	-- Two rows per escrowed order: one per chain. Role records which
	-- side of the swap the row belongs to.
	CREATE TABLE IF NOT EXISTS escrows (
		order_id TEXT NOT NULL,
		chain TEXT NOT NULL,
		role TEXT NOT NULL,

		status TEXT NOT NULL DEFAULT 'created',

		-- HTLC parameters as submitted on chain
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		token TEXT,
		amount TEXT NOT NULL,
		hashlock TEXT NOT NULL,
		timelock INTEGER NOT NULL,

		-- Submission results
		create_tx_hash TEXT,
		create_marker INTEGER DEFAULT 0,
		claim_tx_hash TEXT,
		refund_tx_hash TEXT,

		-- Timing
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		PRIMARY KEY (order_id, chain, role),
		FOREIGN KEY (order_id) REFERENCES orders(id)
	);

	CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);
	CREATE INDEX IF NOT EXISTS idx_escrows_chain ON escrows(chain, status);
	CREATE INDEX IF NOT EXISTS idx_escrows_timelock ON escrows(timelock);

	-- Transactions table (append-only audit log)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		chain TEXT NOT NULL,

		-- creation, claim, refund
		tx_type TEXT NOT NULL,
		tx_hash TEXT,

		-- pending, confirmed, failed
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT,

		created_at INTEGER NOT NULL,

		FOREIGN KEY (order_id) REFERENCES orders(id)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_order ON transactions(order_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_chain ON transactions(chain, tx_type);

	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SetSetting stores a key/value setting.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// GetSetting retrieves a setting value. Returns "" if the key is unset.
func (s *Storage) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixToTimeOrZero(u int64) time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

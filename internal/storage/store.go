package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store persists cursors and the records derived from chain events.
// SQLite (modernc) and Postgres (lib/pq) share one schema; queries are
// written with ? placeholders and rebound per driver.
type Store struct {
	db *sqlx.DB
}

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open connects to dsn. postgres:// and postgresql:// URLs use lib/pq;
// anything else is a SQLite path, optionally prefixed with sqlite://.
func Open(dsn string) (*Store, error) {
	driver, source := parseDSN(dsn)
	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == "sqlite" {
		// One connection keeps pragmas in effect and serializes writers.
		db.SetMaxOpenConns(1)
		if err := configure(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle without migrating; driverName picks the bind style.
func NewWithDB(db *sql.DB, driverName string) *Store {
	return &Store{db: sqlx.NewDb(db, driverName)}
}

func parseDSN(dsn string) (driver, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return "sqlite", dsn
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS cursors (
  listener_key TEXT PRIMARY KEY,
  block_number BIGINT NOT NULL,
  updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS season_contracts (
  season_id     BIGINT PRIMARY KEY,
  name          TEXT NOT NULL DEFAULT '',
  raffle_token  TEXT NOT NULL,
  bonding_curve TEXT NOT NULL,
  start_time    BIGINT NOT NULL DEFAULT 0,
  end_time      BIGINT NOT NULL DEFAULT 0,
  status        TEXT NOT NULL DEFAULT 'active',
  created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS position_events (
  tx_hash       TEXT NOT NULL,
  log_index     BIGINT NOT NULL,
  season_id     BIGINT NOT NULL,
  player        TEXT NOT NULL,
  old_tickets   BIGINT NOT NULL,
  new_tickets   BIGINT NOT NULL,
  total_tickets BIGINT NOT NULL,
  block_number  BIGINT NOT NULL,
  processed     BOOLEAN NOT NULL DEFAULT FALSE,
  PRIMARY KEY(tx_hash, log_index)
);

CREATE TABLE IF NOT EXISTS positions (
  season_id       BIGINT NOT NULL,
  player          TEXT NOT NULL,
  tickets         BIGINT NOT NULL,
  probability_bps BIGINT NOT NULL DEFAULT 0,
  updated_block   BIGINT NOT NULL,
  PRIMARY KEY(season_id, player)
);

CREATE TABLE IF NOT EXISTS markets (
  market_address  TEXT PRIMARY KEY,
  season_id       BIGINT NOT NULL,
  player          TEXT NOT NULL,
  market_type     TEXT NOT NULL,
  market_id       TEXT NOT NULL DEFAULT '',
  probability_bps BIGINT NOT NULL DEFAULT 0,
  sentiment_bps   BIGINT NOT NULL DEFAULT 0,
  status          TEXT NOT NULL DEFAULT 'open',
  winner          TEXT NOT NULL DEFAULT '',
  outcome         TEXT NOT NULL DEFAULT '',
  created_tx      TEXT NOT NULL DEFAULT '',
  UNIQUE(season_id, player, market_type)
);

CREATE TABLE IF NOT EXISTS trades (
  tx_hash        TEXT NOT NULL,
  log_index      BIGINT NOT NULL,
  market_address TEXT NOT NULL,
  trader         TEXT NOT NULL,
  buy_yes        TEXT NOT NULL,
  amount_in      TEXT NOT NULL,
  shares_out     TEXT NOT NULL,
  block_number   BIGINT NOT NULL,
  processed      BOOLEAN NOT NULL DEFAULT FALSE,
  PRIMARY KEY(tx_hash, log_index)
);

CREATE TABLE IF NOT EXISTS failed_attempts (
  id            TEXT PRIMARY KEY,
  source        TEXT NOT NULL,
  season_id     BIGINT NOT NULL DEFAULT 0,
  player        TEXT NOT NULL DEFAULT '',
  function_name TEXT NOT NULL,
  attempt       BIGINT NOT NULL,
  error_message TEXT NOT NULL,
  created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transactions (
  tx_hash      TEXT PRIMARY KEY,
  kind         TEXT NOT NULL,
  target       TEXT NOT NULL,
  status       TEXT NOT NULL,
  block_number BIGINT NOT NULL DEFAULT 0,
  created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Addr is the canonical stored form of an address.
func Addr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// Cursor is the last fully processed block of one listener.
type Cursor struct {
	Key       string    `db:"listener_key"`
	Block     uint64    `db:"block_number"`
	UpdatedAt time.Time `db:"updated_at"`
}

// UpsertCursor records the latest processed block for a listener.
func (s *Store) UpsertCursor(ctx context.Context, key string, block uint64) error {
	if key == "" {
		return errors.New("listener key required")
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO cursors (listener_key, block_number, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP) ON CONFLICT(listener_key) DO UPDATE SET block_number=excluded.block_number, updated_at=CURRENT_TIMESTAMP`), key, block)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// GetCursor retrieves the cursor for a listener.
func (s *Store) GetCursor(ctx context.Context, key string) (block uint64, ok bool, err error) {
	err = s.db.GetContext(ctx, &block, s.db.Rebind(`SELECT block_number FROM cursors WHERE listener_key = ?`), key)
	switch {
	case err == nil:
		return block, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
}

// ListCursors returns every cursor ordered by key.
func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	var out []Cursor
	if err := s.db.SelectContext(ctx, &out, `SELECT listener_key, block_number, updated_at FROM cursors ORDER BY listener_key`); err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	return out, nil
}

// WithTx executes a callback inside a transaction for callers needing atomicity.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func inserted(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_info (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	login           TEXT NOT NULL UNIQUE COLLATE NOCASE,
	email           TEXT NOT NULL,
	password_hash   BLOB NOT NULL,
	password_salt   BLOB NOT NULL,
	subscribe_key   BLOB NOT NULL,
	verify_interval INTEGER NOT NULL,
	alert_delay     INTEGER NOT NULL,
	created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	account_id    INTEGER NOT NULL REFERENCES accounts(id),
	cookie_token  BLOB NOT NULL,
	request_token BLOB NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_account ON sessions(account_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS devices (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint              TEXT NOT NULL UNIQUE,
	account_id               INTEGER NOT NULL REFERENCES accounts(id),
	label                    TEXT,

	pinned_certificates      BLOB NOT NULL, -- concatenated length-prefixed DER, up to 4 certs
	pinned_verified_boot_key TEXT NOT NULL,
	pinned_security_level    TEXT NOT NULL,

	pinned_os_version          INTEGER NOT NULL,
	pinned_os_patch_level      INTEGER NOT NULL,
	pinned_vendor_patch_level  INTEGER,
	pinned_boot_patch_level    INTEGER,
	pinned_app_version         INTEGER NOT NULL,

	verified_boot_hash   TEXT,

	flag_user_profile_secure   INTEGER NOT NULL DEFAULT 0,
	flag_enrolled_biometrics   INTEGER NOT NULL DEFAULT 0,
	flag_accessibility         INTEGER NOT NULL DEFAULT 0,
	flag_adb_enabled           INTEGER NOT NULL DEFAULT 0,
	flag_add_users_when_locked INTEGER NOT NULL DEFAULT 0,
	flag_deny_new_usb          INTEGER NOT NULL DEFAULT 0,
	flag_oem_unlock_allowed    INTEGER NOT NULL DEFAULT 0,
	flag_system_user           INTEGER NOT NULL DEFAULT 0,
	device_admin               INTEGER NOT NULL DEFAULT 0,

	tee_enforced        TEXT,
	os_enforced         TEXT,

	verified_time_first INTEGER NOT NULL,
	verified_time_last  INTEGER NOT NULL,
	expired_time_last   INTEGER,
	failure_time_last   INTEGER,
	deletion_time       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_devices_account ON devices(account_id, deletion_time);

CREATE TABLE IF NOT EXISTS attestations (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id    INTEGER NOT NULL REFERENCES devices(id),
	verified_at  INTEGER NOT NULL,
	strong       INTEGER NOT NULL,
	outcome      TEXT NOT NULL,
	chain_depth  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attestations_device ON attestations(device_id, verified_at);
`

// Store is the primary SQLite-backed store: accounts, sessions, pinned
// devices, and attestation history. Sample blobs live in a separate
// database opened via OpenSamples.
type Store struct {
	db            *sql.DB
	busyTimeout   time.Duration
}

// Open opens or creates the primary database at path in WAL mode with
// foreign keys enforced, and applies the schema.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	db, err := openSQLite(path, busyTimeout)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_info`).Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("check schema_info: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_info (version) VALUES (?)`, schemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed schema_info: %w", err)
		}
	}

	return &Store{db: db, busyTimeout: busyTimeout}, nil
}

func openSQLite(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows only one writer; the driver's own connection pool
	// would otherwise serialize through SQLITE_BUSY retries rather than
	// Go-level contention, which is what we want for a single-writer file.
	db.SetMaxOpenConns(1)

	return db, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for components that need raw access
// (maintenance VACUUM/ANALYZE, VACUUM INTO backups).
func (s *Store) DB() *sql.DB { return s.db }

// withImmediate runs fn inside a BEGIN IMMEDIATE ... COMMIT transaction,
// retrying exactly once on SQLITE_BUSY since a concurrent writer holding
// the reserved lock typically releases it within the configured busy
// timeout. database/sql's own Tx always issues a deferred BEGIN, so the
// immediate lock is taken by hand on a single checked-out connection.
func (s *Store) withImmediate(ctx context.Context, fn func(conn *sql.Conn) error) error {
	run := func() error {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("checkout connection: %w", err)
		}
		defer conn.Close()

		if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
			return fmt.Errorf("begin immediate: %w", err)
		}

		if err := fn(conn); err != nil {
			conn.ExecContext(ctx, `ROLLBACK`)
			return err
		}

		if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
			conn.ExecContext(ctx, `ROLLBACK`)
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	}

	err := run()
	if isBusy(err) {
		time.Sleep(50 * time.Millisecond)
		err = run()
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy
	}
	return strings.Contains(err.Error(), "database is locked")
}

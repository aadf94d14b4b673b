// Package storage persists device state in a local sqlite database: the key
// store, its one-time pre-keys and the app state collections.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/crypto"
	"github.com/ZentaChain/wamd/pkg/log"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidPassword = errors.New("invalid password")
)

// DeviceDB manages the device database. Secret key material is sealed with a
// key derived from the passphrase when one is given.
type DeviceDB struct {
	db         *sql.DB
	sealingKey []byte
	logger     *zap.Logger
}

// NewDeviceDB opens or creates the database at dbPath.
func NewDeviceDB(dbPath, passphrase string) (*DeviceDB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	ddb := &DeviceDB{
		db:     db,
		logger: log.Named("storage"),
	}
	if err := ddb.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if passphrase != "" {
		salt, err := ddb.kdfSalt()
		if err != nil {
			db.Close()
			return nil, err
		}
		ddb.sealingKey = crypto.DeriveKey(passphrase, salt)
	}
	return ddb, nil
}

// kdfSalt returns the per-database passphrase salt, creating it on first use.
func (d *DeviceDB) kdfSalt() ([]byte, error) {
	fresh, err := crypto.RandomBytes(crypto.SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := d.db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('kdf_salt', ?)`, fresh); err != nil {
		return nil, fmt.Errorf("failed to store salt: %w", err)
	}
	var salt []byte
	if err := d.db.QueryRow(`SELECT value FROM meta WHERE key = 'kdf_salt'`).Scan(&salt); err != nil {
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}
	return salt, nil
}

func (d *DeviceDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		jid TEXT,
		registration_id INTEGER NOT NULL,
		state BLOB NOT NULL,
		sealed INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS prekeys (
		key_id INTEGER PRIMARY KEY,
		private_key BLOB NOT NULL,
		uploaded INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS appstate_entries (
		name TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		data BLOB,
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS appstate_versions (
		collection TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS appstate_sync_keys (
		key_id BLOB PRIMARY KEY,
		key_data BLOB NOT NULL,
		sealed INTEGER NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_keys_timestamp ON appstate_sync_keys(timestamp DESC);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// seal encrypts secret blobs when the database has a passphrase.
func (d *DeviceDB) seal(data []byte) ([]byte, bool, error) {
	if d.sealingKey == nil {
		return data, false, nil
	}
	out, err := crypto.Encrypt(d.sealingKey, data, nil)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (d *DeviceDB) unseal(data []byte, sealed bool) ([]byte, error) {
	if !sealed {
		return data, nil
	}
	if d.sealingKey == nil {
		return nil, ErrInvalidPassword
	}
	out, err := crypto.Decrypt(d.sealingKey, data, nil)
	if err != nil {
		return nil, ErrInvalidPassword
	}
	return out, nil
}

// Close closes the database connection
func (d *DeviceDB) Close() error {
	return d.db.Close()
}

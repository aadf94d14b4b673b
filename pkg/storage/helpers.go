package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

// withTx runs fn in a transaction, rolling back on error.
func (d *DeviceDB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ExportAppState exports the app state tables as JSON (for backup). Sync
// key data is omitted.
func (d *DeviceDB) ExportAppState() ([]byte, error) {
	entries, err := d.LoadEntries()
	if err != nil {
		return nil, err
	}
	versions, err := d.LoadCollectionVersions()
	if err != nil {
		return nil, err
	}
	keys, err := d.LoadSyncKeys()
	if err != nil {
		return nil, err
	}

	type exportedKey struct {
		KeyID       []byte
		Fingerprint string
		Timestamp   int64
	}
	data := struct {
		Entries  any
		Versions any
		Keys     []exportedKey
	}{Entries: entries, Versions: versions}
	for _, k := range keys {
		data.Keys = append(data.Keys, exportedKey{KeyID: k.KeyID, Fingerprint: k.Fingerprint, Timestamp: k.Timestamp})
	}
	return json.MarshalIndent(data, "", "  ")
}

package storage

import (
	"database/sql"
	"fmt"

	"github.com/ZentaChain/wamd/pkg/appstate"
)

var _ appstate.Persister = (*DeviceDB)(nil)

// SavePatch stores the entries of one accepted patch and raises the
// collection version in a single transaction.
func (d *DeviceDB) SavePatch(collection appstate.Type, version uint64, entries []appstate.Entry) error {
	return d.withTx(func(tx *sql.Tx) error {
		if err := saveEntries(tx, entries); err != nil {
			return err
		}
		if collection == "" {
			return nil
		}
		return saveCollectionVersion(tx, collection, version)
	})
}

// ReplaceState swaps the stored app state for a snapshot.
func (d *DeviceDB) ReplaceState(versions map[appstate.Type]uint64, entries []appstate.Entry) error {
	return d.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM appstate_entries`); err != nil {
			return fmt.Errorf("failed to clear entries: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM appstate_versions`); err != nil {
			return fmt.Errorf("failed to clear versions: %w", err)
		}
		if err := saveEntries(tx, entries); err != nil {
			return err
		}
		for t, v := range versions {
			if err := saveCollectionVersion(tx, t, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveEntries(tx *sql.Tx, entries []appstate.Entry) error {
	for _, e := range entries {
		_, err := tx.Exec(`
			INSERT INTO appstate_entries (name, version, data, timestamp)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				version = excluded.version,
				data = excluded.data,
				timestamp = excluded.timestamp
		`, e.Name, e.Version, e.Data, e.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to save entry %q: %w", e.Name, err)
		}
	}
	return nil
}

func saveCollectionVersion(tx *sql.Tx, collection appstate.Type, version uint64) error {
	_, err := tx.Exec(`
		INSERT INTO appstate_versions (collection, version) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET version = excluded.version
	`, string(collection), version)
	if err != nil {
		return fmt.Errorf("failed to save version of %s: %w", collection, err)
	}
	return nil
}

// LoadEntries returns all stored entries sorted by name.
func (d *DeviceDB) LoadEntries() ([]appstate.Entry, error) {
	rows, err := d.db.Query(`SELECT name, version, data, timestamp FROM appstate_entries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	defer rows.Close()

	var entries []appstate.Entry
	for rows.Next() {
		var e appstate.Entry
		if err := rows.Scan(&e.Name, &e.Version, &e.Data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LoadCollectionVersions returns the stored version of every collection.
func (d *DeviceDB) LoadCollectionVersions() (map[appstate.Type]uint64, error) {
	rows, err := d.db.Query(`SELECT collection, version FROM appstate_versions`)
	if err != nil {
		return nil, fmt.Errorf("failed to load versions: %w", err)
	}
	defer rows.Close()

	out := make(map[appstate.Type]uint64)
	for rows.Next() {
		var (
			name    string
			version uint64
		)
		if err := rows.Scan(&name, &version); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		out[appstate.Type(name)] = version
	}
	return out, rows.Err()
}

// SaveSyncKey stores an app state sync key.
func (d *DeviceDB) SaveSyncKey(key appstate.SyncKey) error {
	data, sealed, err := d.seal(key.KeyData)
	if err != nil {
		return fmt.Errorf("failed to seal sync key: %w", err)
	}
	_, err = d.db.Exec(`
		INSERT INTO appstate_sync_keys (key_id, key_data, sealed, fingerprint, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET
			key_data = excluded.key_data,
			sealed = excluded.sealed,
			fingerprint = excluded.fingerprint,
			timestamp = excluded.timestamp
	`, key.KeyID, data, boolToInt(sealed), key.Fingerprint, key.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save sync key: %w", err)
	}
	return nil
}

// LoadSyncKeys returns every stored sync key, newest first.
func (d *DeviceDB) LoadSyncKeys() ([]appstate.SyncKey, error) {
	rows, err := d.db.Query(`SELECT key_id, key_data, sealed, fingerprint, timestamp FROM appstate_sync_keys ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync keys: %w", err)
	}
	defer rows.Close()

	var keys []appstate.SyncKey
	for rows.Next() {
		var (
			k      appstate.SyncKey
			sealed int
		)
		if err := rows.Scan(&k.KeyID, &k.KeyData, &sealed, &k.Fingerprint, &k.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan sync key: %w", err)
		}
		if k.KeyData, err = d.unseal(k.KeyData, intToBool(sealed)); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RestoreAppState loads persisted entries, versions and keys into m and
// installs the database as its persister.
func (d *DeviceDB) RestoreAppState(m *appstate.Manager) error {
	keys, err := d.LoadSyncKeys()
	if err != nil {
		return err
	}
	entries, err := d.LoadEntries()
	if err != nil {
		return err
	}
	versions, err := d.LoadCollectionVersions()
	if err != nil {
		return err
	}

	for _, k := range keys {
		m.Keys().Register(k)
	}
	for _, e := range entries {
		m.AddEntry(e)
	}
	for t, v := range versions {
		m.SetCollectionVersion(t, v)
	}
	m.SetPersister(d)
	return nil
}

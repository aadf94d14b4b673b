package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/keystore"
)

// SaveKeyStore replaces the stored device state. One-time pre-keys go to
// their own table so they can be counted and marked uploaded.
func (d *DeviceDB) SaveKeyStore(st keystore.State) error {
	prekeys := st.OneTimeKeys
	st.OneTimeKeys = nil

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode device state: %w", err)
	}
	blob, sealed, err := d.seal(raw)
	if err != nil {
		return fmt.Errorf("failed to seal device state: %w", err)
	}

	err = d.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO device (id, jid, registration_id, state, sealed, updated_at)
			VALUES (1, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				jid = excluded.jid,
				registration_id = excluded.registration_id,
				state = excluded.state,
				sealed = excluded.sealed,
				updated_at = excluded.updated_at
		`, st.JID, st.RegistrationID, blob, boolToInt(sealed), time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to save device: %w", err)
		}

		uploaded, err := uploadedPreKeys(tx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM prekeys`); err != nil {
			return fmt.Errorf("failed to clear prekeys: %w", err)
		}
		for id, priv := range prekeys {
			sealedKey, _, err := d.seal(priv)
			if err != nil {
				return fmt.Errorf("failed to seal prekey %d: %w", id, err)
			}
			if _, err := tx.Exec(
				`INSERT INTO prekeys (key_id, private_key, uploaded) VALUES (?, ?, ?)`,
				id, sealedKey, boolToInt(uploaded[id]),
			); err != nil {
				return fmt.Errorf("failed to save prekey %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.logger.Debug("device state saved", zap.Int("prekeys", len(prekeys)), zap.Bool("sealed", sealed))
	return nil
}

func uploadedPreKeys(tx *sql.Tx) (map[uint32]bool, error) {
	rows, err := tx.Query(`SELECT key_id FROM prekeys WHERE uploaded = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query prekeys: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32]bool)
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan prekey: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// LoadKeyStore reads the stored device state. It returns ErrNotFound when
// no device has been saved yet.
func (d *DeviceDB) LoadKeyStore() (*keystore.State, error) {
	var (
		blob      []byte
		sealedInt int
	)
	err := d.db.QueryRow(`SELECT state, sealed FROM device WHERE id = 1`).Scan(&blob, &sealedInt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	sealed := intToBool(sealedInt)

	raw, err := d.unseal(blob, sealed)
	if err != nil {
		return nil, err
	}
	var st keystore.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to decode device state: %w", err)
	}

	rows, err := d.db.Query(`SELECT key_id, private_key FROM prekeys ORDER BY key_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load prekeys: %w", err)
	}
	defer rows.Close()

	st.OneTimeKeys = make(map[uint32][]byte)
	for rows.Next() {
		var (
			id   uint32
			priv []byte
		)
		if err := rows.Scan(&id, &priv); err != nil {
			return nil, fmt.Errorf("failed to scan prekey: %w", err)
		}
		if priv, err = d.unseal(priv, sealed); err != nil {
			return nil, err
		}
		st.OneTimeKeys[id] = priv
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &st, nil
}

// MarkPreKeysUploaded flags one-time pre-keys as published to the server.
func (d *DeviceDB) MarkPreKeysUploaded(ids []uint32) error {
	return d.withTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.Exec(`UPDATE prekeys SET uploaded = 1 WHERE key_id = ?`, id); err != nil {
				return fmt.Errorf("failed to mark prekey %d: %w", id, err)
			}
		}
		return nil
	})
}

// PreKeyCounts returns the number of stored and uploaded one-time pre-keys.
func (d *DeviceDB) PreKeyCounts() (total, uploaded int, err error) {
	err = d.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(uploaded), 0) FROM prekeys`).Scan(&total, &uploaded)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count prekeys: %w", err)
	}
	return total, uploaded, nil
}

// DeleteDevice removes the device state and all pre-keys, e.g. on logout.
func (d *DeviceDB) DeleteDevice() error {
	return d.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM device`); err != nil {
			return fmt.Errorf("failed to delete device: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM prekeys`); err != nil {
			return fmt.Errorf("failed to delete prekeys: %w", err)
		}
		return nil
	})
}

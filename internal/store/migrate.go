package store

import (
	"database/sql"
	"fmt"

	"github.com/sakif/identity-vault/internal/apperror"
)

// A migration is a named, ordered, one-shot schema change. Applied
// migrations are recorded in the migration table, so each runs exactly once;
// each runs inside its own transaction and is either fully applied or not
// applied at all.
type migration struct {
	name string
	up   func(tx *sql.Tx, box *boxer) error
}

// migrations is the ordered registry. Append only — never reorder or rename
// an entry that has shipped.
var migrations = []migration{
	{name: "2025-06-01-create-identities", up: migrateCreateIdentities},
	{name: "2025-06-01-key-check", up: migrateKeyCheck},
}

// keyCheckValue is sealed into the database at first migration and opened at
// every subsequent Open. If the stored value can't be decrypted, the caller
// supplied a different encryption key than the one the database was created
// with.
const keyCheckValue = "identity-vault"

func migrateCreateIdentities(tx *sql.Tx, _ *boxer) error {
	// Sealed columns are BLOBs (nonce || ciphertext); key columns and
	// last_used_at stay plaintext for primary keys, joins, and ordering.
	_, err := tx.Exec(`
		CREATE TABLE instance (
			uri           TEXT PRIMARY KEY,
			title         BLOB NOT NULL,
			thumbnail_url BLOB NOT NULL,
			streaming_url BLOB NOT NULL
		);

		CREATE TABLE identity_record (
			id                           TEXT PRIMARY KEY,
			url                          BLOB NOT NULL,
			authenticated                INTEGER NOT NULL,
			last_used_at                 INTEGER NOT NULL,
			instance_uri                 TEXT REFERENCES instance(uri),
			preferences                  BLOB NOT NULL,
			push_subscription_alerts     BLOB NOT NULL,
			last_registered_device_token BLOB
		);
		CREATE INDEX idx_identity_record_last_used_at
			ON identity_record(last_used_at);

		CREATE TABLE account (
			id                TEXT PRIMARY KEY,
			identity_id       TEXT NOT NULL
				REFERENCES identity_record(id) ON DELETE CASCADE,
			username          BLOB NOT NULL,
			display_name      BLOB NOT NULL,
			url               BLOB NOT NULL,
			avatar_url        BLOB NOT NULL,
			avatar_static_url BLOB NOT NULL,
			header_url        BLOB NOT NULL,
			header_static_url BLOB NOT NULL,
			emojis            BLOB NOT NULL
		);
		CREATE INDEX idx_account_identity_id ON account(identity_id);
	`)
	return err
}

func migrateKeyCheck(tx *sql.Tx, box *boxer) error {
	sealed, err := box.sealString(keyCheckValue)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE TABLE store_check (
			id    INTEGER PRIMARY KEY CHECK (id = 1),
			value BLOB NOT NULL
		);
	`); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO store_check (id, value) VALUES (1, ?)`, sealed)
	return err
}

// migrate applies every unapplied migration in registration order. A history
// entry this binary doesn't know means the database was written by a newer
// version — that is an error, not something to repair.
func (s *Store) migrate() error {
	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS migration (
			name       TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("%w: creating migration table: %w", apperror.ErrMigration, err)
	}

	applied := make(map[string]bool)
	rows, err := s.conn.Query(`SELECT name FROM migration`)
	if err != nil {
		return fmt.Errorf("%w: reading migration history: %w", apperror.ErrMigration, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("%w: scanning migration history: %w", apperror.ErrMigration, err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterating migration history: %w", apperror.ErrMigration, err)
	}

	known := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		known[m.name] = true
	}
	for name := range applied {
		if !known[name] {
			return fmt.Errorf("%w: database schema is ahead of this binary (unknown migration %q)",
				apperror.ErrMigration, name)
		}
	}

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("%w: beginning %s: %w", apperror.ErrMigration, m.name, err)
		}
		if err := m.up(tx, s.box); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: applying %s: %w", apperror.ErrMigration, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO migration (name) VALUES (?)`, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: recording %s: %w", apperror.ErrMigration, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: committing %s: %w", apperror.ErrMigration, m.name, err)
		}
		s.logger.Info("migration applied", "name", m.name)
	}

	return nil
}

// verifyKey decrypts the key-check sentinel. Failure means the encryption
// key doesn't match the database.
func (s *Store) verifyKey() error {
	var sealed []byte
	if err := s.conn.QueryRow(`SELECT value FROM store_check WHERE id = 1`).Scan(&sealed); err != nil {
		return fmt.Errorf("%w: reading key check: %w", apperror.ErrCannotOpen, err)
	}
	value, err := s.box.openString(sealed)
	if err != nil || value != keyCheckValue {
		return fmt.Errorf("%w: encryption key does not match this database", apperror.ErrCannotOpen)
	}
	return nil
}

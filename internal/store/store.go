// Package store implements the encrypted, migration-versioned, observable
// identity store.
//
// One Store owns one sqlite database holding three tables — instance,
// identity_record, and account — plus a migration history table and an
// encryption key check. All writes funnel through a single serialized
// writer; after every commit the store broadcasts a commit signal that wakes
// every live observation, which re-runs its query and delivers the result
// only when it differs from the last delivered value. See observe.go.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" driver with database/sql

	"github.com/sakif/identity-vault/internal/apperror"
	"github.com/sakif/identity-vault/internal/secret"
)

// Ephemeral is the storage location for an in-memory store that is never
// persisted. Everything else is treated as a filesystem path.
const Ephemeral = ":memory:"

// Store is the durable, encrypted identity store.
type Store struct {
	conn   *sql.DB
	box    *boxer
	logger *slog.Logger

	// writeMu serializes all writes: concurrent write calls queue and apply
	// in arrival order, each as one transaction.
	writeMu sync.Mutex

	// mu guards the commit generation and its broadcast channel.
	mu     sync.Mutex
	closed bool
	// commitCh is closed and replaced after every committed write. Observers
	// block on the current channel to learn that something may have changed.
	commitCh chan struct{}
}

// Open opens (or creates) the store at the given location.
//
// The column encryption key is derived from the store-scoped database
// passphrase in the secret backend; if none is stored yet, one is generated
// and persisted. Opening an existing database with a different passphrase
// fails with ErrCannotOpen — a sentinel value written at first migration is
// decrypted as a key check. A database whose migration history is ahead of
// this binary fails with ErrMigration.
func Open(location string, secrets secret.Store, logger *slog.Logger) (*Store, error) {
	passphrase, err := databasePassphrase(secrets)
	if err != nil {
		return nil, fmt.Errorf("%w: obtaining passphrase: %w", apperror.ErrCannotOpen, err)
	}
	key, err := deriveKey(passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperror.ErrCannotOpen, err)
	}
	box, err := newBoxer(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperror.ErrCannotOpen, err)
	}

	conn, err := sql.Open("sqlite", location)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %w", apperror.ErrCannotOpen, err)
	}

	if location == Ephemeral {
		// Each pooled connection to ":memory:" would get its own empty
		// database, so pin the pool to a single connection.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: pinging database: %w", apperror.ErrCannotOpen, err)
	}

	// WAL lets observation reads run concurrently with the single writer.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: setting WAL mode: %w", apperror.ErrCannotOpen, err)
	}
	// Foreign keys are off by default in sqlite; the account table's
	// ON DELETE CASCADE depends on them.
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: enabling foreign keys: %w", apperror.ErrCannotOpen, err)
	}

	s := &Store{
		conn:     conn,
		box:      box,
		logger:   logger,
		commitCh: make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.verifyKey(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("identity store opened", slog.String("location", location))
	return s, nil
}

// databasePassphrase fetches the store-scoped passphrase, generating and
// persisting a fresh one only when none is stored yet. Any other read
// failure (a wrong backend passphrase, a corrupted file) must propagate:
// overwriting the stored passphrase on such a failure would re-seal it under
// the wrong key and lock the database out permanently. The passphrase is
// independent of every identity's secrets, so deleting identities can never
// lock the store.
func databasePassphrase(secrets secret.Store) ([]byte, error) {
	passphrase, err := secrets.Get("", secret.KindDatabasePassphrase)
	if err == nil {
		return passphrase, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("reading stored passphrase: %w", err)
	}
	passphrase = []byte(newID() + newID())
	if err := secrets.Set("", secret.KindDatabasePassphrase, passphrase); err != nil {
		return nil, fmt.Errorf("storing generated passphrase: %w", err)
	}
	return passphrase, nil
}

// Close tears down the store. Open observations drain and their channels
// close; no operation may run after Close begins.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.commitCh)
	}
	s.mu.Unlock()
	return s.conn.Close()
}

// commit broadcasts that a write has been committed. Every observation
// blocked on the previous channel wakes and re-runs its query.
func (s *Store) commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.commitCh)
	s.commitCh = make(chan struct{})
}

// commitWait returns the channel that will be closed on the next commit and
// whether the store is still open.
func (s *Store) commitWait() (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitCh, !s.closed
}

// write runs fn inside one serialized transaction and broadcasts the commit.
// Each write is atomic: every column update inside fn commits together or
// not at all.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperror.WriteFailed("beginning transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperror.WriteFailed("committing transaction", err)
	}

	s.commit()
	return nil
}

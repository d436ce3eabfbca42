// Package sqlitestore implements storage.Store on an SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/binkos/mls-messenger-sample/storage"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens the database file at path.  ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		dsn = path +
			"?_pragma=journal_mode(WAL)" +
			"&_pragma=busy_timeout(5000)" +
			"&_pragma=synchronous(FULL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" on one database
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: path}, nil
}

func (s *Store) DBPath() string {
	return s.dbPath
}

func groupKey(groupID []byte) string {
	return hex.EncodeToString(groupID)
}

func (s *Store) Get(ctx context.Context, groupID []byte) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM groups WHERE group_id = ?`,
		groupKey(groupID)).Scan(&sealed)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return storage.Open(sealed)
}

func (s *Store) Put(ctx context.Context, groupID, state []byte, entry *storage.EpochEntry) error {
	sealed, err := storage.Seal(state)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO groups (group_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		groupKey(groupID), sealed, now)
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	if entry != nil {
		sealedEntry, err := storage.Seal(entry.Secrets)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger (group_id, epoch, secrets) VALUES (?, ?, ?)
			 ON CONFLICT(group_id, epoch) DO UPDATE SET secrets = excluded.secrets`,
			groupKey(groupID), int64(entry.Epoch), sealedEntry)
		if err != nil {
			return fmt.Errorf("write ledger: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) Ledger(ctx context.Context, groupID []byte) ([]storage.EpochEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, secrets FROM ledger WHERE group_id = ? ORDER BY epoch`,
		groupKey(groupID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []storage.EpochEntry{}
	for rows.Next() {
		var epoch int64
		var sealed []byte
		if err := rows.Scan(&epoch, &sealed); err != nil {
			return nil, err
		}

		secrets, err := storage.Open(sealed)
		if err != nil {
			return nil, err
		}
		entries = append(entries, storage.EpochEntry{Epoch: uint64(epoch), Secrets: secrets})
	}
	return entries, rows.Err()
}

func (s *Store) Prune(ctx context.Context, groupID []byte, before uint64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger WHERE group_id = ? AND epoch < ?`,
		groupKey(groupID), int64(before))
	return err
}

func (s *Store) Delete(ctx context.Context, groupID []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger WHERE group_id = ?`, groupKey(groupID)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE group_id = ?`, groupKey(groupID)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.Store = (*Store)(nil)

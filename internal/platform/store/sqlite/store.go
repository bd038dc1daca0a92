// Package sqlite keeps the laboratory state in memory and snapshots it into a
// single SQLite table after every committed transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/lims/lims/internal/domain/lims"
	"github.com/lims/lims/internal/platform/store/memory"
)

var _ lims.Store = (*Store)(nil)

const DefaultPath = "lims.db"

type Store struct {
	*memory.Store
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// Open creates the database file and its parent directories when missing and
// loads any persisted state.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}

	s := &Store{
		Store:  memory.NewStore(),
		db:     conn,
		path:   path,
		logger: logger.With().Str("component", "store.sqlite").Str("path", path).Logger(),
	}
	if err := s.load(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.SetCommitHook(s.persist)
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	payloads := make(map[string][]byte)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		payloads[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if len(payloads) == 0 {
		return nil
	}

	snap, err := memory.DecodeBuckets(payloads)
	if err != nil {
		return err
	}
	s.ImportState(snap)
	s.logger.Info().Int("samples", len(snap.Samples)).Msg("state loaded")
	return nil
}

func (s *Store) persist(ctx context.Context, snap memory.Snapshot) error {
	payloads, err := memory.EncodeBuckets(snap)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range memory.Buckets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state(bucket, payload) VALUES(?, ?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`,
			bucket, payloads[bucket],
		); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

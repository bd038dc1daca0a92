// Package postgres keeps the laboratory state in memory and writes every
// committed transaction to the lims_state table.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/lims"
	"github.com/lims/lims/internal/platform/store/memory"
)

var _ lims.Store = (*Store)(nil)

const upsertState = `INSERT INTO lims_state (bucket, payload, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (bucket) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`

const insertCommitLog = `INSERT INTO lims_commit_log (sample_count, audit_count) VALUES ($1, $2)`

// Store is a memory.Store whose commits are persisted to postgres. A commit
// that cannot be written is not applied.
type Store struct {
	*memory.Store
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open loads the persisted state into memory. The schema must already be
// migrated.
func Open(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		Store:  memory.NewStore(),
		pool:   pool,
		logger: logger.With().Str("component", "store.postgres").Logger(),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	s.SetCommitHook(s.persist)
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT bucket, payload FROM lims_state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer rows.Close()

	payloads := make(map[string][]byte)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan state: %w", err)
		}
		payloads[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if len(payloads) == 0 {
		s.logger.Info().Msg("no persisted state, starting empty")
		return nil
	}

	snap, err := memory.DecodeBuckets(payloads)
	if err != nil {
		return err
	}
	s.ImportState(snap)
	s.logger.Info().Int("samples", len(snap.Samples)).Int("buckets", len(payloads)).Msg("state loaded")
	return nil
}

func (s *Store) persist(ctx context.Context, snap memory.Snapshot) error {
	payloads, err := memory.EncodeBuckets(snap)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, bucket := range memory.Buckets {
		batch.Queue(upsertState, bucket, payloads[bucket])
	}
	batch.Queue(insertCommitLog, len(snap.Samples), len(snap.Audit))

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("persist state failed")
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

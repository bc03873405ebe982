package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Storage owns the Postgres pool shared by the trade lookup and PgImageStore.
type Storage struct {
	pool *pgxpool.Pool
}

// NewStorage migrates the database at dsn and opens a connection pool to it.
func NewStorage(ctx context.Context, dsn string, logger zerolog.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	if err := RunMigrations(dsn, logger); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

// Images returns the database-backed ImageStore sharing this pool.
func (s *Storage) Images() *PgImageStore {
	return NewPgImageStore(s.pool)
}

const tradeOwnedByQuery = `SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1 AND user_id = $2)`

// TradeOwnedBy reports whether tradeID exists and belongs to userID.
func (s *Storage) TradeOwnedBy(ctx context.Context, tradeID string, userID int64) (bool, error) {
	const op = "storage.TradeOwnedBy"

	id, err := uuid.Parse(tradeID)
	if err != nil {
		return false, nil
	}

	var owned bool
	if err := s.pool.QueryRow(ctx, tradeOwnedByQuery, id, userID).Scan(&owned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return owned, nil
}

const existingTradesQuery = `SELECT id::text FROM trades WHERE id = ANY($1::uuid[])`

// ExistingTrades returns the subset of ids that name a trade. Ids that are not
// UUIDs cannot name one and are left out.
func (s *Storage) ExistingTrades(ctx context.Context, ids []string) (map[string]struct{}, error) {
	const op = "storage.ExistingTrades"

	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if parsed, err := uuid.Parse(id); err == nil {
			valid = append(valid, parsed.String())
		}
	}

	existing := make(map[string]struct{}, len(valid))
	if len(valid) == 0 {
		return existing, nil
	}

	rows, err := s.pool.Query(ctx, existingTradesQuery, valid)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, id := range found {
		existing[id] = struct{}{}
	}
	return existing, nil
}

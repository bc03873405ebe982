package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradejournal/internal/contenthash"
	"tradejournal/internal/models"
)

var _ ImageStore = (*PgImageStore)(nil)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

var errConcurrentInsert = errors.New("concurrent insert for image key")

// PgImageStore keeps image payloads in the trade_images table.
type PgImageStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPgImageStore(pool *pgxpool.Pool) *PgImageStore {
	return &PgImageStore{pool: pool, now: time.Now}
}

const (
	selectImageForUpdateQuery = `
		SELECT id, mime, sha256, byte_size, created_at, updated_at
		FROM trade_images
		WHERE trade_id = $1 AND kind = $2
		FOR UPDATE`

	insertImageQuery = `
		INSERT INTO trade_images (id, trade_id, kind, mime, sha256, byte_size, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`

	updateImageQuery = `
		UPDATE trade_images
		SET mime = $2, sha256 = $3, byte_size = $4, data = $5, updated_at = $6
		WHERE id = $1`

	getImageQuery = `
		SELECT id, mime, sha256, byte_size, data, created_at, updated_at
		FROM trade_images
		WHERE trade_id = $1 AND kind = $2`

	deleteImageQuery = `DELETE FROM trade_images WHERE trade_id = $1 AND kind = $2`
)

// Save stores data for (ownerID, kind). Identical content is a no-op; different
// content overwrites the existing row in place. A first insert that loses a race
// against another writer is retried once and then resolves against the winner's row.
func (s *PgImageStore) Save(ctx context.Context, ownerID string, kind models.Kind, data []byte, mime string) (SaveResult, error) {
	const op = "storage.PgImageStore.Save"

	if err := validateKey(ownerID, kind); err != nil {
		return SaveResult{}, fmt.Errorf("%s: %w", op, err)
	}
	owner, err := uuid.Parse(ownerID)
	if err != nil {
		return SaveResult{}, fmt.Errorf("%s: %w: owner id %q", op, ErrInvalidKey, ownerID)
	}

	hash := contenthash.Digest(data)
	res, err := s.save(ctx, owner, kind, data, mime, hash)
	if errors.Is(err, errConcurrentInsert) {
		res, err = s.save(ctx, owner, kind, data, mime, hash)
	}
	if err != nil {
		return SaveResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

func (s *PgImageStore) save(ctx context.Context, owner uuid.UUID, kind models.Kind, data []byte, mime, hash string) (SaveResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SaveResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := lockImage(ctx, tx, owner, kind)
	if err != nil {
		return SaveResult{}, err
	}

	outcome := DecideSave(existing, hash)
	now := s.now().UTC()

	var rec *Record
	switch outcome {
	case OutcomeUnchanged:
		existing.OwnerID = owner.String()
		existing.Kind = kind
		return SaveResult{StoredImage: existing.metadata(), Outcome: outcome}, nil

	case OutcomeOverwritten:
		rec = existing
		rec.Mime, rec.SHA256, rec.ByteSize, rec.Data, rec.UpdatedAt = mime, hash, int64(len(data)), data, now
		if _, err := tx.Exec(ctx, updateImageQuery, rec.ID, rec.Mime, rec.SHA256, rec.ByteSize, rec.Data, rec.UpdatedAt); err != nil {
			return SaveResult{}, fmt.Errorf("update: %w", err)
		}

	case OutcomeCreated:
		rec = &Record{
			ID:        uuid.New(),
			Mime:      mime,
			SHA256:    hash,
			ByteSize:  int64(len(data)),
			Data:      data,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err := tx.Exec(ctx, insertImageQuery, rec.ID, owner, string(kind), rec.Mime, rec.SHA256, rec.ByteSize, rec.Data, now)
		if err != nil {
			return SaveResult{}, classifyInsertError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if outcome == OutcomeCreated {
			return SaveResult{}, classifyInsertError(err)
		}
		return SaveResult{}, fmt.Errorf("commit: %w", err)
	}

	rec.OwnerID = owner.String()
	rec.Kind = kind
	return SaveResult{StoredImage: rec.metadata(), Outcome: outcome}, nil
}

func lockImage(ctx context.Context, tx pgx.Tx, owner uuid.UUID, kind models.Kind) (*Record, error) {
	var rec Record
	err := tx.QueryRow(ctx, selectImageForUpdateQuery, owner, string(kind)).Scan(
		&rec.ID,
		&rec.Mime,
		&rec.SHA256,
		&rec.ByteSize,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	return &rec, nil
}

func classifyInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return errConcurrentInsert
		case pgForeignKeyViolation:
			return ErrOwnerNotFound
		}
	}
	return fmt.Errorf("insert: %w", err)
}

func (s *PgImageStore) Get(ctx context.Context, ownerID string, kind models.Kind) (models.StoredImageData, bool, error) {
	const op = "storage.PgImageStore.Get"

	owner, err := uuid.Parse(ownerID)
	if err != nil {
		return models.StoredImageData{}, false, nil
	}

	var rec Record
	err = s.pool.QueryRow(ctx, getImageQuery, owner, string(kind)).Scan(
		&rec.ID,
		&rec.Mime,
		&rec.SHA256,
		&rec.ByteSize,
		&rec.Data,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StoredImageData{}, false, nil
	}
	if err != nil {
		return models.StoredImageData{}, false, fmt.Errorf("%s: %w", op, err)
	}

	rec.OwnerID = owner.String()
	rec.Kind = kind
	return rec.imageData(), true, nil
}

func (s *PgImageStore) Delete(ctx context.Context, ownerID string, kind models.Kind) error {
	const op = "storage.PgImageStore.Delete"

	owner, err := uuid.Parse(ownerID)
	if err != nil {
		return nil
	}
	if _, err := s.pool.Exec(ctx, deleteImageQuery, owner, string(kind)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

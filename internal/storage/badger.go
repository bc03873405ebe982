package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"tradejournal/internal/contenthash"
	"tradejournal/internal/models"
)

var _ ImageStore = (*BadgerImageStore)(nil)

const badgerKeyPrefix = "trade_images/"

// BadgerImageStore keeps image records in an embedded badger database, one JSON
// value per (owner, kind) key.
type BadgerImageStore struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadgerImageStore opens a store at path. An empty path keeps everything in memory.
func NewBadgerImageStore(path string) (*BadgerImageStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerImageStore{db: db, now: time.Now}, nil
}

func badgerKey(ownerID string, kind models.Kind) []byte {
	return []byte(badgerKeyPrefix + ownerID + "/" + string(kind))
}

func (b *BadgerImageStore) Save(ctx context.Context, ownerID string, kind models.Kind, data []byte, mime string) (SaveResult, error) {
	const op = "storage.BadgerImageStore.Save"

	if err := validateKey(ownerID, kind); err != nil {
		return SaveResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := ctx.Err(); err != nil {
		return SaveResult{}, fmt.Errorf("%s: %w", op, err)
	}

	hash := contenthash.Digest(data)
	res, err := b.save(ownerID, kind, data, mime, hash)
	if errors.Is(err, badger.ErrConflict) {
		res, err = b.save(ownerID, kind, data, mime, hash)
	}
	if err != nil {
		return SaveResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

func (b *BadgerImageStore) save(ownerID string, kind models.Kind, data []byte, mime, hash string) (SaveResult, error) {
	key := badgerKey(ownerID, kind)

	var res SaveResult
	err := b.db.Update(func(txn *badger.Txn) error {
		existing, err := readRecord(txn, key)
		if err != nil {
			return err
		}

		outcome := DecideSave(existing, hash)
		now := b.now().UTC()

		var rec *Record
		switch outcome {
		case OutcomeUnchanged:
			res = SaveResult{StoredImage: existing.metadata(), Outcome: outcome}
			return nil
		case OutcomeOverwritten:
			rec = existing
			rec.Mime, rec.SHA256, rec.ByteSize, rec.Data, rec.UpdatedAt = mime, hash, int64(len(data)), data, now
		case OutcomeCreated:
			rec = &Record{
				ID:        uuid.New(),
				OwnerID:   ownerID,
				Kind:      kind,
				Mime:      mime,
				SHA256:    hash,
				ByteSize:  int64(len(data)),
				Data:      data,
				CreatedAt: now,
				UpdatedAt: now,
			}
		}

		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
		res = SaveResult{StoredImage: rec.metadata(), Outcome: outcome}
		return nil
	})
	return res, err
}

func readRecord(txn *badger.Txn, key []byte) (*Record, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode record %q: %w", key, err)
	}
	return &rec, nil
}

func (b *BadgerImageStore) Get(ctx context.Context, ownerID string, kind models.Kind) (models.StoredImageData, bool, error) {
	const op = "storage.BadgerImageStore.Get"

	if err := ctx.Err(); err != nil {
		return models.StoredImageData{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if validateKey(ownerID, kind) != nil {
		return models.StoredImageData{}, false, nil
	}

	var rec *Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, badgerKey(ownerID, kind))
		return err
	})
	if err != nil {
		return models.StoredImageData{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if rec == nil {
		return models.StoredImageData{}, false, nil
	}
	return rec.imageData(), true, nil
}

func (b *BadgerImageStore) Delete(ctx context.Context, ownerID string, kind models.Kind) error {
	const op = "storage.BadgerImageStore.Delete"

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if validateKey(ownerID, kind) != nil {
		return nil
	}

	// Deleting a missing key is not an error in badger.
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(ownerID, kind))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteOwner removes every image of ownerID, mirroring the cascade the relational
// schema applies when a trade is deleted.
func (b *BadgerImageStore) DeleteOwner(ctx context.Context, ownerID string) (int, error) {
	const op = "storage.BadgerImageStore.DeleteOwner"

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if err := validateKey(ownerID, models.KindChart); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	prefix := []byte(badgerKeyPrefix + ownerID + "/")
	var removed int
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return removed, nil
}

// Owners lists every owner id that has at least one image.
func (b *BadgerImageStore) Owners(ctx context.Context) ([]string, error) {
	const op = "storage.BadgerImageStore.Owners"

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var owners []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		last := ""
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), badgerKeyPrefix)
			owner, _, ok := strings.Cut(rest, "/")
			if !ok || owner == last {
				continue
			}
			owners = append(owners, owner)
			last = owner
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return owners, nil
}

func (b *BadgerImageStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

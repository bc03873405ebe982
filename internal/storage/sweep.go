package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const sweepBatchSize = 500

// TradeSet reports which of a batch of trade ids still exist.
type TradeSet interface {
	ExistingTrades(ctx context.Context, ids []string) (map[string]struct{}, error)
}

// OrphanSweeper removes badger images whose trade no longer exists. The badger
// backend has no foreign key, so this replaces the ON DELETE CASCADE of
// trade_images.
type OrphanSweeper struct {
	store  *BadgerImageStore
	trades TradeSet
	logger zerolog.Logger
}

func NewOrphanSweeper(store *BadgerImageStore, trades TradeSet, logger zerolog.Logger) *OrphanSweeper {
	return &OrphanSweeper{store: store, trades: trades, logger: logger}
}

// Sweep deletes the images of every owner missing from the trade set and returns
// the number of records removed.
func (s *OrphanSweeper) Sweep(ctx context.Context) (int, error) {
	const op = "storage.OrphanSweeper.Sweep"

	owners, err := s.store.Owners(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	removed := 0
	for start := 0; start < len(owners); start += sweepBatchSize {
		batch := owners[start:min(start+sweepBatchSize, len(owners))]

		existing, err := s.trades.ExistingTrades(ctx, batch)
		if err != nil {
			return removed, fmt.Errorf("%s: %w", op, err)
		}

		for _, owner := range batch {
			if _, ok := existing[owner]; ok {
				continue
			}
			n, err := s.store.DeleteOwner(ctx, owner)
			if err != nil {
				return removed, fmt.Errorf("%s: %w", op, err)
			}
			removed += n
		}
	}
	return removed, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *OrphanSweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		removed, err := s.Sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Error().Err(err).Msg("orphan image sweep failed")
		case removed > 0:
			s.logger.Info().Int("removed", removed).Msg("removed images of deleted trades")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Package charts implements the trade chart upload, retrieval and removal flow on
// top of an ImageStore.
package charts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradejournal/internal/codec"
	"tradejournal/internal/events"
	"tradejournal/internal/models"
	"tradejournal/internal/storage"
)

var ErrUnsupportedType = errors.New("unsupported image type")

type Service struct {
	store     storage.ImageStore
	publisher events.Publisher
	opts      codec.Options
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(store storage.ImageStore, publisher events.Publisher, opts codec.Options, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		store:     store,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Upload normalizes raw and stores it as the chart of tradeID. The caller has
// already checked that the trade belongs to the requesting user.
func (s *Service) Upload(ctx context.Context, tradeID, contentType string, raw []byte) (storage.SaveResult, error) {
	const op = "charts.Upload"

	if !codec.IsAllowedContentType(contentType) {
		return storage.SaveResult{}, fmt.Errorf("%s: %w: %q", op, ErrUnsupportedType, contentType)
	}

	data, mime, err := codec.Normalize(raw, s.opts)
	if err != nil {
		return storage.SaveResult{}, fmt.Errorf("%s: %w", op, err)
	}

	res, err := s.store.Save(ctx, tradeID, models.KindChart, data, mime)
	if err != nil {
		return storage.SaveResult{}, fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info().
		Str("trade_id", tradeID).
		Str("outcome", res.Outcome.String()).
		Str("sha256", res.SHA256).
		Int("raw_bytes", len(raw)).
		Int64("stored_bytes", res.ByteSize).
		Msg("chart saved")

	if res.Outcome != storage.OutcomeUnchanged {
		s.publish(ctx, events.ImageEvent{
			Type:     events.TypeImageSaved,
			OwnerID:  tradeID,
			Kind:     models.KindChart,
			SHA256:   res.SHA256,
			ByteSize: res.ByteSize,
			At:       s.now().UTC(),
		})
	}
	return res, nil
}

// Get returns the stored chart of tradeID; found is false when there is none.
func (s *Service) Get(ctx context.Context, tradeID string) (models.StoredImageData, bool, error) {
	img, found, err := s.store.Get(ctx, tradeID, models.KindChart)
	if err != nil {
		return models.StoredImageData{}, false, fmt.Errorf("charts.Get: %w", err)
	}
	return img, found, nil
}

// Delete removes the chart of tradeID. The image.deleted event is published even
// when nothing was stored, so a peer still caching an entry it missed the removal
// of drops it.
func (s *Service) Delete(ctx context.Context, tradeID string) error {
	if err := s.store.Delete(ctx, tradeID, models.KindChart); err != nil {
		return fmt.Errorf("charts.Delete: %w", err)
	}

	s.publish(ctx, events.ImageEvent{
		Type:    events.TypeImageDeleted,
		OwnerID: tradeID,
		Kind:    models.KindChart,
		At:      s.now().UTC(),
	})
	return nil
}

// publish never fails the request: the store write has already committed.
func (s *Service) publish(ctx context.Context, evt events.ImageEvent) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).
			Str("trade_id", evt.OwnerID).
			Str("event", string(evt.Type)).
			Msg("failed to publish image event")
	}
}

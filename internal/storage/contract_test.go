package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradejournal/internal/contenthash"
	"tradejournal/internal/models"
)

// storeHarness gives the contract tests a fresh store and a way to obtain owner
// ids that the backend accepts.
type storeHarness struct {
	store    ImageStore
	newOwner func(t *testing.T) string
	// recordID returns the persisted identity of the record for (owner, kind).
	recordID func(t *testing.T, ownerID string, kind models.Kind) uuid.UUID
	// rowCount returns how many records exist for (owner, kind).
	rowCount func(t *testing.T, ownerID string, kind models.Kind) int
}

func runImageStoreContract(t *testing.T, newHarness func(t *testing.T) storeHarness) {
	ctx := context.Background()
	first := []byte("first chart payload")
	second := []byte("second chart payload, different")

	t.Run("save creates then get round-trips", func(t *testing.T) {
		h := newHarness(t)
		owner := h.newOwner(t)

		res, err := h.store.Save(ctx, owner, models.KindChart, first, "image/webp")
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, res.Outcome)
		assert.Equal(t, models.StoredImage{
			OwnerID:  owner,
			Kind:     models.KindChart,
			Mime:     "image/webp",
			SHA256:   contenthash.Digest(first),
			ByteSize: int64(len(first)),
		}, res.StoredImage)

		got, found, err := h.store.Get(ctx, owner, models.KindChart)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, first, got.Data)
		assert.Equal(t, res.StoredImage, got.StoredImage)
		assert.True(t, contenthash.Matches(got.Data, got.SHA256))
	})

	t.Run("identical content is a no-op", func(t *testing.T) {
		h := newHarness(t)
		owner := h.newOwner(t)

		created, err := h.store.Save(ctx, owner, models.KindChart, first, "image/webp")
		require.NoError(t, err)
		id := h.recordID(t, owner, models.KindChart)

		again, err := h.store.Save(ctx, owner, models.KindChart, first, "image/webp")
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnchanged, again.Outcome)
		assert.Equal(t, created.StoredImage, again.StoredImage)
		assert.Equal(t, id, h.recordID(t, owner, models.KindChart))
		assert.Equal(t, 1, h.rowCount(t, owner, models.KindChart))
	})

	t.Run("different content overwrites in place", func(t *testing.T) {
		h := newHarness(t)
		owner := h.newOwner(t)

		_, err := h.store.Save(ctx, owner, models.KindChart, first, "image/webp")
		require.NoError(t, err)
		id := h.recordID(t, owner, models.KindChart)

		res, err := h.store.Save(ctx, owner, models.KindChart, second, "image/png")
		require.NoError(t, err)
		assert.Equal(t, OutcomeOverwritten, res.Outcome)
		assert.Equal(t, contenthash.Digest(second), res.SHA256)
		assert.Equal(t, int64(len(second)), res.ByteSize)
		assert.Equal(t, "image/png", res.Mime)

		assert.Equal(t, id, h.recordID(t, owner, models.KindChart))
		assert.Equal(t, 1, h.rowCount(t, owner, models.KindChart))

		got, found, err := h.store.Get(ctx, owner, models.KindChart)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, second, got.Data)
	})

	t.Run("kinds are independent slots", func(t *testing.T) {
		h := newHarness(t)
		owner := h.newOwner(t)

		_, err := h.store.Save(ctx, owner, models.KindChart, first, "image/webp")
		require.NoError(t, err)
		res, err := h.store.Save(ctx, owner, models.Kind("ENTRY"), first, "image/webp")
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, res.Outcome)
	})

	t.Run("get of missing key is absent", func(t *testing.T) {
		h := newHarness(t)

		_, found, err := h.store.Get(ctx, h.newOwner(t), models.KindChart)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("delete then get is absent and delete is idempotent", func(t *testing.T) {
		h := newHarness(t)
		owner := h.newOwner(t)

		_, err := h.store.Save(ctx, owner, models.KindChart, first, "image/webp")
		require.NoError(t, err)

		require.NoError(t, h.store.Delete(ctx, owner, models.KindChart))
		_, found, err := h.store.Get(ctx, owner, models.KindChart)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, h.store.Delete(ctx, owner, models.KindChart))
		require.NoError(t, h.store.Delete(ctx, h.newOwner(t), models.KindChart))
	})

	t.Run("save after delete creates a new record", func(t *testing.T) {
		h := newHarness(t)
		owner := h.newOwner(t)

		_, err := h.store.Save(ctx, owner, models.KindChart, first, "image/webp")
		require.NoError(t, err)
		require.NoError(t, h.store.Delete(ctx, owner, models.KindChart))

		res, err := h.store.Save(ctx, owner, models.KindChart, first, "image/webp")
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, res.Outcome)
	})

	t.Run("empty key is rejected", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.store.Save(ctx, "", models.KindChart, first, "image/webp")
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = h.store.Save(ctx, h.newOwner(t), "", first, "image/webp")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("key separator is rejected", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.store.Save(ctx, h.newOwner(t)+"/x", models.KindChart, first, "image/webp")
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = h.store.Save(ctx, h.newOwner(t), "CHART/x", first, "image/webp")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}

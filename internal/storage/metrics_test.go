package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradejournal/internal/models"
)

func TestInstrumentedStore_RecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	observer, err := NewPrometheusObserver("test", reg)
	require.NoError(t, err)

	store := NewInstrumentedStore(newTestBadgerStore(t), observer)
	ctx := context.Background()
	owner := uuid.NewString()

	_, err = store.Save(ctx, owner, models.KindChart, []byte("abcd"), "image/webp")
	require.NoError(t, err)
	_, err = store.Save(ctx, owner, models.KindChart, []byte("abcd"), "image/webp")
	require.NoError(t, err)
	_, err = store.Save(ctx, owner, models.KindChart, []byte("efghij"), "image/webp")
	require.NoError(t, err)
	_, err = store.Save(ctx, "", models.KindChart, []byte("x"), "image/webp")
	require.Error(t, err)

	_, _, err = store.Get(ctx, owner, models.KindChart)
	require.NoError(t, err)
	_, _, err = store.Get(ctx, uuid.NewString(), models.KindChart)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, owner, models.KindChart))

	assert.Equal(t, 1.0, testutil.ToFloat64(observer.saveOutcomes.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.saveOutcomes.WithLabelValues("unchanged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.saveOutcomes.WithLabelValues("overwritten")))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.errors.WithLabelValues("save")))
	assert.Equal(t, 10.0, testutil.ToFloat64(observer.storedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.lookups.WithLabelValues("found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.lookups.WithLabelValues("absent")))
	assert.Equal(t, 3, testutil.CollectAndCount(observer.duration))
}

func TestNewPrometheusObserver_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := NewPrometheusObserver("dup", reg)
	require.NoError(t, err)
	second, err := NewPrometheusObserver("dup", reg)
	require.NoError(t, err)

	assert.Same(t, first.duration, second.duration)
	assert.Same(t, first.saveOutcomes, second.saveOutcomes)
}

func TestPrometheusObserver_NilIsSafe(t *testing.T) {
	var o *PrometheusObserver
	assert.NotPanics(t, func() {
		o.RecordSave(0, OutcomeCreated, 1, nil)
		o.RecordGet(0, true, nil)
		o.RecordDelete(0, nil)
	})
}

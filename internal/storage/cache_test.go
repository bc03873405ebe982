package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradejournal/internal/models"
)

const (
	testTimeout = time.Second
	testTick    = 5 * time.Millisecond
)

// countingStore counts reads that reach the backing store.
type countingStore struct {
	ImageStore
	gets    atomic.Int64
	release chan struct{}
	getErr  error
}

func (c *countingStore) Get(ctx context.Context, ownerID string, kind models.Kind) (models.StoredImageData, bool, error) {
	c.gets.Add(1)
	if c.release != nil {
		<-c.release
	}
	if c.getErr != nil {
		return models.StoredImageData{}, false, c.getErr
	}
	return c.ImageStore.Get(ctx, ownerID, kind)
}

func newCachedTestStore(t *testing.T) (*CachedStore, *countingStore) {
	t.Helper()
	backing := &countingStore{ImageStore: newTestBadgerStore(t)}
	cached, err := NewCachedStore(backing, 16)
	require.NoError(t, err)
	return cached, backing
}

func TestCachedStore_Contract(t *testing.T) {
	runImageStoreContract(t, func(t *testing.T) storeHarness {
		badgerStore := newTestBadgerStore(t)
		cached, err := NewCachedStore(badgerStore, 16)
		require.NoError(t, err)
		return storeHarness{
			store:    cached,
			newOwner: func(*testing.T) string { return uuid.NewString() },
			recordID: func(t *testing.T, ownerID string, kind models.Kind) uuid.UUID {
				return badgerRecord(t, badgerStore, ownerID, kind).ID
			},
			rowCount: func(t *testing.T, ownerID string, kind models.Kind) int {
				if badgerRecord(t, badgerStore, ownerID, kind) == nil {
					return 0
				}
				return 1
			},
		}
	})
}

func TestCachedStore_ServesRepeatedReadsFromCache(t *testing.T) {
	cached, backing := newCachedTestStore(t)
	ctx := context.Background()
	owner := uuid.NewString()

	_, err := cached.Save(ctx, owner, models.KindChart, []byte("v1"), "image/webp")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, found, err := cached.Get(ctx, owner, models.KindChart)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("v1"), got.Data)
	}
	assert.Equal(t, int64(1), backing.gets.Load())
	assert.Equal(t, 1, cached.Len())
}

func TestCachedStore_AbsentIsNotCached(t *testing.T) {
	cached, backing := newCachedTestStore(t)
	ctx := context.Background()
	owner := uuid.NewString()

	for i := 0; i < 2; i++ {
		_, found, err := cached.Get(ctx, owner, models.KindChart)
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, int64(2), backing.gets.Load())
}

func TestCachedStore_SaveAndDeleteEvict(t *testing.T) {
	cached, _ := newCachedTestStore(t)
	ctx := context.Background()
	owner := uuid.NewString()

	_, err := cached.Save(ctx, owner, models.KindChart, []byte("v1"), "image/webp")
	require.NoError(t, err)
	_, _, err = cached.Get(ctx, owner, models.KindChart)
	require.NoError(t, err)

	_, err = cached.Save(ctx, owner, models.KindChart, []byte("v2"), "image/webp")
	require.NoError(t, err)
	got, found, err := cached.Get(ctx, owner, models.KindChart)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), got.Data)

	require.NoError(t, cached.Delete(ctx, owner, models.KindChart))
	_, found, err = cached.Get(ctx, owner, models.KindChart)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCachedStore_Invalidate(t *testing.T) {
	cached, backing := newCachedTestStore(t)
	ctx := context.Background()
	owner := uuid.NewString()

	_, err := cached.Save(ctx, owner, models.KindChart, []byte("v1"), "image/webp")
	require.NoError(t, err)
	_, _, err = cached.Get(ctx, owner, models.KindChart)
	require.NoError(t, err)

	cached.Invalidate(owner, models.KindChart)
	assert.Equal(t, 0, cached.Len())

	_, _, err = cached.Get(ctx, owner, models.KindChart)
	require.NoError(t, err)
	assert.Equal(t, int64(2), backing.gets.Load())
}

func TestCachedStore_CoalescesConcurrentMisses(t *testing.T) {
	cached, backing := newCachedTestStore(t)
	ctx := context.Background()
	owner := uuid.NewString()

	_, err := cached.Save(ctx, owner, models.KindChart, []byte("v1"), "image/webp")
	require.NoError(t, err)

	backing.release = make(chan struct{})
	const readers = 4
	var wg sync.WaitGroup
	started := make(chan struct{}, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			_, found, err := cached.Get(ctx, owner, models.KindChart)
			assert.NoError(t, err)
			assert.True(t, found)
		}()
	}
	for i := 0; i < readers; i++ {
		<-started
	}
	close(backing.release)
	wg.Wait()

	assert.LessOrEqual(t, backing.gets.Load(), int64(readers))
	assert.GreaterOrEqual(t, backing.gets.Load(), int64(1))
}

func TestCachedStore_CanceledCallerDoesNotFailOthers(t *testing.T) {
	cached, backing := newCachedTestStore(t)
	owner := uuid.NewString()

	_, err := cached.Save(context.Background(), owner, models.KindChart, []byte("v1"), "image/webp")
	require.NoError(t, err)

	backing.release = make(chan struct{})
	firstCtx, cancelFirst := context.WithCancel(context.Background())

	firstErr := make(chan error, 1)
	go func() {
		_, _, err := cached.Get(firstCtx, owner, models.KindChart)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return backing.gets.Load() == 1 }, testTimeout, testTick)

	type lookup struct {
		data  models.StoredImageData
		found bool
		err   error
	}
	second := make(chan lookup, 1)
	go func() {
		data, found, err := cached.Get(context.Background(), owner, models.KindChart)
		second <- lookup{data: data, found: found, err: err}
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(testTimeout):
		t.Fatal("canceled caller kept waiting")
	}

	close(backing.release)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.True(t, got.found)
		assert.Equal(t, []byte("v1"), got.data.Data)
	case <-time.After(testTimeout):
		t.Fatal("second caller did not finish")
	}
}

func TestCachedStore_InvalidateDuringReadSkipsFill(t *testing.T) {
	cached, backing := newCachedTestStore(t)
	ctx := context.Background()
	owner := uuid.NewString()

	_, err := cached.Save(ctx, owner, models.KindChart, []byte("v1"), "image/webp")
	require.NoError(t, err)

	backing.release = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = cached.Get(ctx, owner, models.KindChart)
	}()

	require.Eventually(t, func() bool { return backing.gets.Load() == 1 }, testTimeout, testTick)
	cached.Invalidate(owner, models.KindChart)
	close(backing.release)
	<-done

	assert.Equal(t, 0, cached.Len())
}

func TestCachedStore_PropagatesErrors(t *testing.T) {
	cached, backing := newCachedTestStore(t)
	backing.getErr = errors.New("boom")

	_, _, err := cached.Get(context.Background(), uuid.NewString(), models.KindChart)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 0, cached.Len())
}

func TestNewCachedStore_RejectsZeroSize(t *testing.T) {
	_, err := NewCachedStore(newTestBadgerStore(t), 0)
	assert.Error(t, err)
}

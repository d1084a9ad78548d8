package repos

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"event-tracking-service/api/internal/models"
	"event-tracking-service/shared/cachex"
	"event-tracking-service/shared/logx"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Exists(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Create(ctx context.Context, event models.Event) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockStore) ListBetween(ctx context.Context, start time.Time, end time.Time) ([]models.Event, error) {
	args := m.Called(ctx, start, end)
	events, _ := args.Get(0).([]models.Event)
	return events, args.Error(1)
}

func newCached(t *testing.T, store EventStore) (CachedEvents, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return CachedEvents{
		Store:  store,
		Cache:  cachex.NewFromRedis(rdb),
		TTL:    time.Hour,
		Logger: logx.Nop(),
	}, mr
}

func TestCachedExistsHitSkipsStore(t *testing.T) {
	store := &mockStore{}
	cached, mr := newCached(t, store)
	require.NoError(t, mr.Set("event:seen:e1", "1"))

	exists, err := cached.Exists(context.Background(), "e1")
	require.NoError(t, err)
	assert.True(t, exists)
	store.AssertNotCalled(t, "Exists", mock.Anything, mock.Anything)
}

func TestCachedExistsMissFallsBackAndPopulates(t *testing.T) {
	store := &mockStore{}
	store.On("Exists", mock.Anything, "e1").Return(true, nil).Once()
	cached, mr := newCached(t, store)

	exists, err := cached.Exists(context.Background(), "e1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, mr.Exists("event:seen:e1"))
	store.AssertExpectations(t)
}

func TestCachedExistsNegativeIsNotCached(t *testing.T) {
	store := &mockStore{}
	store.On("Exists", mock.Anything, "e1").Return(false, nil).Twice()
	cached, mr := newCached(t, store)

	for i := 0; i < 2; i++ {
		exists, err := cached.Exists(context.Background(), "e1")
		require.NoError(t, err)
		assert.False(t, exists)
	}
	assert.False(t, mr.Exists("event:seen:e1"))
	store.AssertExpectations(t)
}

func TestCachedExistsRedisDownUsesStore(t *testing.T) {
	store := &mockStore{}
	store.On("Exists", mock.Anything, "e1").Return(false, nil).Once()
	cached, mr := newCached(t, store)
	mr.Close()

	exists, err := cached.Exists(context.Background(), "e1")
	require.NoError(t, err)
	assert.False(t, exists)
	store.AssertExpectations(t)
}

func TestCachedExistsStoreErrorPropagates(t *testing.T) {
	store := &mockStore{}
	store.On("Exists", mock.Anything, "e1").Return(false, errors.New("db down")).Once()
	cached, _ := newCached(t, store)

	_, err := cached.Exists(context.Background(), "e1")
	assert.Error(t, err)
}

func TestCachedCreateMarksSeen(t *testing.T) {
	store := &mockStore{}
	e1 := models.Event{ID: "e1"}
	e2 := models.Event{ID: "e2"}
	e3 := models.Event{ID: "e3"}
	store.On("Create", mock.Anything, e1).Return(nil).Once()
	store.On("Create", mock.Anything, e2).Return(fmt.Errorf("insert event e2: %w", ErrDuplicateEvent)).Once()
	store.On("Create", mock.Anything, e3).Return(errors.New("db down")).Once()
	cached, mr := newCached(t, store)

	require.NoError(t, cached.Create(context.Background(), e1))
	assert.ErrorIs(t, cached.Create(context.Background(), e2), ErrDuplicateEvent)
	assert.Error(t, cached.Create(context.Background(), e3))

	assert.True(t, mr.Exists("event:seen:e1"))
	assert.True(t, mr.Exists("event:seen:e2"))
	assert.False(t, mr.Exists("event:seen:e3"))
	assert.Equal(t, time.Hour, mr.TTL("event:seen:e1"))
}

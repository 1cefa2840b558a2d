package state

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/page-colorizer/internal/models"
	"github.com/feichai0017/page-colorizer/pkg/logger"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "test:", logger.NewNop())
	s.retries = 1000
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  newRedisStore(t),
	}
}

func newState(t *testing.T, id string) *models.ProcessingState {
	t.Helper()
	s, err := models.NewProcessingState(id, id+".pdf", 25, 10, "prompt")
	require.NoError(t, err)
	return s
}

func TestStore_PutGetDelete(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			in := newState(t, "doc1")
			require.NoError(t, store.Put(ctx, in))
			assert.False(t, in.CreatedAt.IsZero())

			got, err := store.Get(ctx, "doc1")
			require.NoError(t, err)
			assert.Equal(t, in.DocumentID, got.DocumentID)
			assert.Equal(t, 3, got.TotalBatches)
			assert.Equal(t, models.StatusIdle, got.Status)
			assert.Len(t, got.Batches, 3)

			require.NoError(t, store.Delete(ctx, "doc1"))
			_, err = store.Get(ctx, "doc1")
			assert.ErrorIs(t, err, ErrNotFound)

			// deleting twice is fine
			assert.NoError(t, store.Delete(ctx, "doc1"))
		})
	}
}

func TestStore_Update(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, newState(t, "doc1")))

			out, err := store.Update(ctx, "doc1", func(s *models.ProcessingState) error {
				s.SetStatus(models.StatusProcessing, "")
				return s.MarkPageComplete(4)
			})
			require.NoError(t, err)
			assert.Equal(t, models.StatusProcessing, out.Status)
			assert.Equal(t, []int{4}, out.CompletedPages)

			got, err := store.Get(ctx, "doc1")
			require.NoError(t, err)
			assert.Equal(t, []int{4}, got.Batch(1).CompletedPages)

			boom := errors.New("boom")
			_, err = store.Update(ctx, "doc1", func(s *models.ProcessingState) error {
				s.SetStatus(models.StatusError, "x")
				return boom
			})
			assert.ErrorIs(t, err, boom)

			got, err = store.Get(ctx, "doc1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusProcessing, got.Status, "failed update must not be written")

			_, err = store.Update(ctx, "missing", func(*models.ProcessingState) error { return nil })
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_UpdateIsAtomic(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := models.NewProcessingState("doc1", "a.pdf", 40, 10, "p")
			require.NoError(t, err)
			require.NoError(t, store.Put(ctx, st))

			var wg sync.WaitGroup
			for page := 1; page <= 20; page++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					_, err := store.Update(ctx, "doc1", func(s *models.ProcessingState) error {
						return s.MarkPageComplete(p)
					})
					assert.NoError(t, err)
				}(page)
			}
			wg.Wait()

			got, err := store.Get(ctx, "doc1")
			require.NoError(t, err)
			assert.Len(t, got.CompletedPages, 20)
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			list, err := store.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, list)

			require.NoError(t, store.Put(ctx, newState(t, "a")))
			require.NoError(t, store.Put(ctx, newState(t, "b")))
			_, err = store.Update(ctx, "a", func(s *models.ProcessingState) error {
				s.SetPrompt("newer")
				return nil
			})
			require.NoError(t, err)

			list, err = store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			ids := []string{list[0].DocumentID, list[1].DocumentID}
			assert.ElementsMatch(t, []string{"a", "b"}, ids)
		})
	}
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "", logger.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, newState(t, "abcd1234")))

	assert.True(t, mr.Exists("colorizer:state:abcd1234"))
	members, err := mr.Members("colorizer:states")
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd1234"}, members)

	// a dangling index entry is skipped by List
	_, err = mr.SetAdd("colorizer:states", "ghost")
	require.NoError(t, err)
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "abcd1234", list[0].DocumentID)
}

func TestMemoryStore_PutKeepsCreatedAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := newState(t, "doc1")
	require.NoError(t, store.Put(ctx, first))
	created := first.CreatedAt

	again := newState(t, "doc1")
	require.NoError(t, store.Put(ctx, again))
	assert.Equal(t, created, again.CreatedAt)
}

func TestOpenMemoryAndUnknownBackend(t *testing.T) {
	s, err := Open(context.Background(), Config{Backend: BackendMemory}, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(context.Background(), Config{Backend: "etcd"}, logger.NewNop())
	assert.ErrorContains(t, err, "unsupported state backend")
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), Config{
		Backend: BackendRedis,
		Redis:   RedisConfig{Addr: mr.Addr(), Prefix: "t:"},
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.IsType(t, &RedisStore{}, s)
}

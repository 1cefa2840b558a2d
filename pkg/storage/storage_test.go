package storage

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/page-colorizer/pkg/logger"
)

func backends(t *testing.T) map[string]Storage {
	local, err := NewLocalStorage(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	return map[string]Storage{
		"local":  local,
		"memory": NewMemoryStorage(logger.NewNop()),
	}
}

func TestStorage_StoreGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key, err := s.Store(ctx, bytes.NewReader([]byte("png bytes")), "doc1/original/page_0001.png")
			require.NoError(t, err)
			assert.Equal(t, "doc1/original/page_0001.png", key)

			data, err := ReadAll(ctx, s, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("png bytes"), data)

			ok, err := s.Exists(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, key))
			require.NoError(t, s.Delete(ctx, key), "deleting twice is fine")

			_, err = s.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)
			ok, err = s.Exists(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorage_ListAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{
				"doc1/manifest.json",
				"doc1/original/page_0001.png",
				"doc1/colorized/page_0001.png",
				"doc10/manifest.json",
				"doc2/manifest.json",
			} {
				require.NoError(t, PutBytes(ctx, s, key, []byte(key)))
			}

			objs, err := s.List(ctx, "doc1/")
			require.NoError(t, err)
			var keys []string
			for _, o := range objs {
				keys = append(keys, o.Key)
				assert.Equal(t, int64(len(o.Key)), o.Size)
			}
			assert.Equal(t, []string{
				"doc1/colorized/page_0001.png",
				"doc1/manifest.json",
				"doc1/original/page_0001.png",
			}, keys)

			require.NoError(t, s.DeletePrefix(ctx, "doc1/colorized/"))
			objs, err = s.List(ctx, "doc1/")
			require.NoError(t, err)
			assert.Len(t, objs, 2)

			require.NoError(t, s.DeletePrefix(ctx, "doc1/"))
			objs, err = s.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, objs, 2)
			assert.Equal(t, "doc10/manifest.json", objs[0].Key)
			assert.Equal(t, "doc2/manifest.json", objs[1].Key)
		})
	}
}

func TestStorage_CleanupBefore(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, PutBytes(ctx, s, "old/a.png", []byte("a")))
			require.NoError(t, PutBytes(ctx, s, "keep/b.png", []byte("b")))

			require.NoError(t, s.CleanupBefore(ctx, "old/", time.Now().Add(-time.Hour)))
			objs, err := s.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, objs, 2)

			require.NoError(t, s.CleanupBefore(ctx, "old/", time.Now().Add(time.Hour)))
			objs, err = s.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, objs, 1)
			assert.Equal(t, "keep/b.png", objs[0].Key)
		})
	}
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir(), logger.NewNop())
	require.NoError(t, err)

	for _, key := range []string{"", "../etc/passwd", "a/../../b", "/"} {
		_, err := s.Store(context.Background(), bytes.NewReader(nil), key)
		assert.Error(t, err, key)
	}
}

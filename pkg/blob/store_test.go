package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStore_PutGetListDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "cart/user-1/00000000000000000000-00000000000000000009.chunk", []byte("a")))
	require.NoError(t, s.Put(ctx, "cart/user-1/00000000000000000010-00000000000000000019.chunk", []byte("b")))
	require.NoError(t, s.Put(ctx, "cart/user-2/00000000000000000000-00000000000000000004.chunk", []byte("c")))

	data, err := s.Get(ctx, "cart/user-1/00000000000000000010-00000000000000000019.chunk")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), data)

	keys, err := s.List(ctx, "cart/user-1/")
	require.NoError(t, err)
	require.Equal(t, []string{
		"cart/user-1/00000000000000000000-00000000000000000009.chunk",
		"cart/user-1/00000000000000000010-00000000000000000019.chunk",
	}, keys)

	ok, err := s.Exists(ctx, "cart/user-2/00000000000000000000-00000000000000000004.chunk")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Delete(ctx, "cart/user-2/00000000000000000000-00000000000000000004.chunk"))
	ok, err = s.Exists(ctx, "cart/user-2/00000000000000000000-00000000000000000004.chunk")
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting twice is not an error.
	require.NoError(t, s.Delete(ctx, "cart/user-2/00000000000000000000-00000000000000000004.chunk"))

	_, err = s.Get(ctx, "cart/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.Error(t, s.Put(context.Background(), "../outside", []byte("x")))
	require.Error(t, s.Put(context.Background(), "/abs", []byte("x")))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(context.Background(), Options{Dir: dir})
	require.NoError(t, err)
	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	require.Equal(t, dir, fs.baseDir)

	_, err = Open(context.Background(), Options{Type: StoreTypeS3})
	require.Error(t, err)

	_, err = Open(context.Background(), Options{Type: "tape"})
	require.Error(t, err)
}

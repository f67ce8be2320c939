package artifact

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestLocalStore_PutAndOpen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n, err := store.Put(ctx, "export-1.csv", strings.NewReader("id,name\n1,ada\n"))
	require.NoError(t, err)
	require.Equal(t, int64(14), n)

	r, err := store.Open(ctx, "export-1.csv")
	require.NoError(t, err)
	defer r.Close()

	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "id,name\n1,ada\n", string(content))

	size, err := store.Size(ctx, "export-1.csv")
	require.NoError(t, err)
	require.Equal(t, int64(14), size)
}

func TestLocalStore_PutRejectsOverwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "dup.bin", strings.NewReader("one"))
	require.NoError(t, err)

	_, err = store.Put(ctx, "dup.bin", strings.NewReader("two"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
}

func TestLocalStore_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Open(ctx, "missing.bin")
	require.True(t, IsNotFound(err))

	_, err = store.Size(ctx, "missing.bin")
	require.True(t, IsNotFound(err))

	err = store.Delete(ctx, "missing.bin")
	require.True(t, IsNotFound(err))
}

func TestLocalStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "gone.bin", strings.NewReader("bye"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "gone.bin"))

	_, err = store.Open(ctx, "gone.bin")
	require.True(t, IsNotFound(err))
}

func TestLocalStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "a.bin", strings.NewReader("aa"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "b.bin", strings.NewReader("bbbb"))
	require.NoError(t, err)

	infos, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byRef := make(map[string]Info, len(infos))
	for _, info := range infos {
		byRef[info.Ref] = info
		require.False(t, info.CreatedAt.IsZero())
	}
	require.Equal(t, int64(2), byRef["a.bin"].SizeBytes)
	require.Equal(t, int64(4), byRef["b.bin"].SizeBytes)
}

func TestLocalStore_ListSkipsStaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Nothing stored yet: the .tmp staging dir must not surface.
	infos, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestValidateRef(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		wantErr bool
	}{
		{"simple", "export-abc.csv", false},
		{"underscores and dots", "backup_full.tar.gz", false},
		{"empty", "", true},
		{"path separator", "a/b.csv", true},
		{"parent traversal", "..secret", true},
		{"leading dot", ".hidden", true},
		{"space", "a b.csv", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRef(tt.ref)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

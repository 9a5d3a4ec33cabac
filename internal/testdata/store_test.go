package testdata

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhj/judger/internal/platform"
)

type stubSource struct {
	files     []platform.SyncFile
	content   map[string][]byte
	downloads []string
}

func (s *stubSource) GetFileList(_ context.Context, _ int64) ([]platform.SyncFile, error) {
	return s.files, nil
}

func (s *stubSource) DownloadFile(_ context.Context, _ int64, filename string) ([]byte, error) {
	s.downloads = append(s.downloads, filename)
	data, ok := s.content[filename]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", filename)
	}
	return data, nil
}

func newTestStore(t *testing.T, src *stubSource) *Store {
	t.Helper()
	return NewStore(src, t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSyncDownloadsNewFiles(t *testing.T) {
	src := &stubSource{
		files: []platform.SyncFile{
			{Name: "1.in", Size: 4, LastModifiedTime: 100},
			{Name: "1.out", Size: 4, LastModifiedTime: 100},
		},
		content: map[string][]byte{
			"1.in":  []byte("1 2\n"),
			"1.out": []byte("3\n"),
		},
	}
	store := newTestStore(t, src)

	var progress []string
	require.NoError(t, store.Sync(context.Background(), 42, func(m string) { progress = append(progress, m) }))

	got, err := store.ReadFile(42, "1.in")
	require.NoError(t, err)
	assert.Equal(t, []byte("1 2\n"), got)
	assert.FileExists(t, filepath.Join(store.Dir(42), "1.in.lock"))
	assert.Contains(t, progress, "Syncing file: 1.in")
}

func TestSyncSkipsFreshFiles(t *testing.T) {
	src := &stubSource{
		files:   []platform.SyncFile{{Name: "1.in", LastModifiedTime: 100}},
		content: map[string][]byte{"1.in": []byte("data")},
	}
	store := newTestStore(t, src)

	require.NoError(t, store.Sync(context.Background(), 7, nil))
	require.NoError(t, store.Sync(context.Background(), 7, nil))
	assert.Equal(t, []string{"1.in"}, src.downloads)
}

func TestSyncRefetchesWhenServerIsNewer(t *testing.T) {
	src := &stubSource{
		files:   []platform.SyncFile{{Name: "1.in", LastModifiedTime: 100}},
		content: map[string][]byte{"1.in": []byte("old")},
	}
	store := newTestStore(t, src)
	require.NoError(t, store.Sync(context.Background(), 7, nil))

	// server file modified far in the future
	src.files[0].LastModifiedTime = 1e12
	src.content["1.in"] = []byte("new")
	require.NoError(t, store.Sync(context.Background(), 7, nil))

	got, err := store.ReadFile(7, "1.in")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
	assert.Len(t, src.downloads, 2)
}

func TestSyncRemovesDroppedFiles(t *testing.T) {
	src := &stubSource{
		files: []platform.SyncFile{
			{Name: "keep.in", LastModifiedTime: 1},
			{Name: "drop.in", LastModifiedTime: 1},
		},
		content: map[string][]byte{
			"keep.in": []byte("k"),
			"drop.in": []byte("d"),
		},
	}
	store := newTestStore(t, src)
	require.NoError(t, store.Sync(context.Background(), 9, nil))

	src.files = src.files[:1]
	require.NoError(t, store.Sync(context.Background(), 9, nil))

	assert.FileExists(t, filepath.Join(store.Dir(9), "keep.in"))
	assert.NoFileExists(t, filepath.Join(store.Dir(9), "drop.in"))
	assert.NoFileExists(t, filepath.Join(store.Dir(9), "drop.in.lock"))
}

func TestSyncDecompressesZstd(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	packed := enc.EncodeAll([]byte("big testcase body"), nil)
	require.NoError(t, enc.Close())

	src := &stubSource{
		files:   []platform.SyncFile{{Name: "2.in.zst", LastModifiedTime: 1}},
		content: map[string][]byte{"2.in.zst": packed},
	}
	store := newTestStore(t, src)
	require.NoError(t, store.Sync(context.Background(), 3, nil))

	got, err := store.ReadFile(3, "2.in")
	require.NoError(t, err)
	assert.Equal(t, []byte("big testcase body"), got)
}

func TestSyncIgnoresLocalDirectories(t *testing.T) {
	src := &stubSource{
		files:   []platform.SyncFile{{Name: "1.in", LastModifiedTime: 1}},
		content: map[string][]byte{"1.in": []byte("x")},
	}
	store := newTestStore(t, src)
	require.NoError(t, os.MkdirAll(filepath.Join(store.Dir(5), "scratch"), 0755))

	require.NoError(t, store.Sync(context.Background(), 5, nil))
	assert.DirExists(t, filepath.Join(store.Dir(5), "scratch"))
}

package fetcher_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/fetcher"
	"hrs-launcher/internal/testutil"
)

type offsetBook struct {
	mu sync.Mutex
	m  map[string]int64
}

func (b *offsetBook) Offset(id string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[id]
	return v, ok
}

func (b *offsetBook) set(id string, v int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[id] = v
}

func setupFetcher(t *testing.T) (*fetcher.Fetcher, *offsetBook, *testutil.ArtifactServer, string) {
	book := &offsetBook{m: map[string]int64{}}
	f := fetcher.New(fetcher.Options{
		ConnectTimeout: 2 * time.Second,
		StallTimeout:   2 * time.Second,
	}, book)
	return f, book, testutil.NewArtifactServer(t), t.TempDir()
}

func artifact(url string, data []byte) fetcher.ArtifactRef {
	return fetcher.ArtifactRef{
		ID:       "game",
		Version:  "1.0.0",
		URL:      url,
		Size:     int64(len(data)),
		Checksum: fetcher.Checksum{Algorithm: "sha256", Digest: testutil.SHA256(data)},
	}
}

func TestFetchResumesFromRecordedOffset(t *testing.T) {
	f, book, srv, dir := setupFetcher(t)
	data := testutil.RandomBytes(1_000_000)
	ref := artifact(srv.Add("game.zip", data), data)
	dest := filepath.Join(dir, "game.zip")

	srv.CutAt(400_000)
	_, err := f.Fetch(context.Background(), ref, dest, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))

	offset, ok := apperr.Offset(err)
	require.True(t, ok)
	require.Equal(t, int64(400_000), offset)
	book.set(ref.ID, offset)

	var last fetcher.DownloadState
	got, err := f.Fetch(context.Background(), ref, dest, func(s fetcher.DownloadState) { last = s })
	require.NoError(t, err)
	assert.Equal(t, dest, got)

	ranges := srv.Ranges()
	require.Len(t, ranges, 2)
	assert.Equal(t, "", ranges[0])
	assert.Equal(t, "bytes=400000-", ranges[1])

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Len(t, written, 1_000_000)
	assert.Equal(t, testutil.SHA256(data), testutil.SHA256(written))
	assert.Equal(t, fetcher.StatusCompleted, last.Status)
	assert.NoFileExists(t, fetcher.PartPath(dest))
}

func TestFetchRestartsWhenRangeIgnored(t *testing.T) {
	f, book, srv, dir := setupFetcher(t)
	data := testutil.RandomBytes(300_000)
	ref := artifact(srv.Add("game.zip", data), data)
	dest := filepath.Join(dir, "game.zip")

	require.NoError(t, os.WriteFile(fetcher.PartPath(dest), data[:100_000], 0o644))
	book.set(ref.ID, 100_000)
	srv.IgnoreRange(true)

	_, err := f.Fetch(context.Background(), ref, dest, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"bytes=100000-"}, srv.Ranges())
	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, written)
}

func TestFetchWithoutRecordedOffsetStartsOver(t *testing.T) {
	f, _, srv, dir := setupFetcher(t)
	data := testutil.RandomBytes(50_000)
	ref := artifact(srv.Add("game.zip", data), data)
	dest := filepath.Join(dir, "game.zip")

	// Garbage that was never recorded must not be trusted.
	require.NoError(t, os.WriteFile(fetcher.PartPath(dest), []byte("garbage"), 0o644))

	_, err := f.Fetch(context.Background(), ref, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, srv.Ranges())
}

func TestFetchChecksumMismatchDiscardsPartial(t *testing.T) {
	f, _, srv, dir := setupFetcher(t)
	data := testutil.RandomBytes(10_000)
	ref := artifact(srv.Add("game.zip", data), data)
	ref.Checksum.Digest = testutil.SHA256([]byte("something else"))
	dest := filepath.Join(dir, "game.zip")

	var states []fetcher.Status
	_, err := f.Fetch(context.Background(), ref, dest, func(s fetcher.DownloadState) { states = append(states, s.Status) })
	require.Error(t, err)

	assert.ErrorIs(t, err, apperr.New(apperr.CodeChecksumMismatch, ""))
	assert.Equal(t, apperr.KindIntegrity, apperr.KindOf(err))
	assert.NoFileExists(t, fetcher.PartPath(dest))
	assert.NoFileExists(t, dest)
	assert.Contains(t, states, fetcher.StatusVerifying)
	assert.Equal(t, fetcher.StatusFailed, states[len(states)-1])
}

func TestFetchCancelKeepsPartial(t *testing.T) {
	f, _, srv, dir := setupFetcher(t)
	data := testutil.RandomBytes(2_000_000)
	ref := artifact(srv.Add("game.zip", data), data)
	dest := filepath.Join(dir, "game.zip")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var last fetcher.DownloadState
	_, err := f.Fetch(ctx, ref, dest, func(s fetcher.DownloadState) {
		last = s
		if s.Fetched >= 200_000 {
			cancel()
		}
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))

	offset, ok := apperr.Offset(err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, offset, int64(200_000))
	assert.Less(t, offset, int64(len(data)))

	info, err := os.Stat(fetcher.PartPath(dest))
	require.NoError(t, err)
	assert.Equal(t, offset, info.Size())
	assert.Equal(t, fetcher.StatusPaused, last.Status)
}

func TestFetchCacheHitSkipsNetwork(t *testing.T) {
	f, _, srv, dir := setupFetcher(t)
	data := testutil.RandomBytes(4096)
	ref := artifact(srv.Add("game.zip", data), data)
	dest := filepath.Join(dir, "game.zip")
	require.NoError(t, os.WriteFile(dest, data, 0o644))

	_, err := f.Fetch(context.Background(), ref, dest, nil)
	require.NoError(t, err)
	assert.Zero(t, srv.Hits("game.zip"))
}

func TestFetchServerErrorsAreTransient(t *testing.T) {
	f, _, srv, dir := setupFetcher(t)
	data := testutil.RandomBytes(1024)
	ref := artifact(srv.Add("game.zip", data), data)
	srv.FailNext(1)

	_, err := f.Fetch(context.Background(), ref, filepath.Join(dir, "game.zip"), nil)
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))

	ref.URL = srv.URL + "/missing.zip"
	_, err = f.Fetch(context.Background(), ref, filepath.Join(dir, "other.zip"), nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindIntegrity, apperr.KindOf(err))
}

func TestArtifactRefValidate(t *testing.T) {
	ref := fetcher.ArtifactRef{ID: "a", URL: "http://x/a.zip", Checksum: fetcher.Checksum{Algorithm: "md5", Digest: "00"}}
	assert.Error(t, ref.Validate())

	ref.Checksum.Algorithm = "sha1"
	assert.NoError(t, ref.Validate())

	ref.Unpack = "rar"
	assert.Error(t, ref.Validate())
	assert.Equal(t, "a.zip", fetcher.ArtifactRef{ID: "a", URL: "http://x/dl/a.zip"}.TargetPath())
	assert.Equal(t, ".", fetcher.ArtifactRef{ID: "a", URL: "http://x/dl/a.zip", Unpack: "zip"}.TargetPath())
}

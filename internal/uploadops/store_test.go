package uploadops

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tusup/internal/tus"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "uploads.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestSQLiteStore_GetSetRemove(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "fp")
	require.ErrorIs(t, err, tus.ErrFingerprintNotFound)

	require.NoError(t, s.Set(ctx, "fp", "https://example.com/files/1"))

	got, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/files/1", got)

	require.NoError(t, s.Set(ctx, "fp", "https://example.com/files/2"))

	got, err = s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/files/2", got)

	require.NoError(t, s.Remove(ctx, "fp"))
	require.NoError(t, s.Remove(ctx, "fp"))

	_, err = s.Get(ctx, "fp")
	require.ErrorIs(t, err, tus.ErrFingerprintNotFound)
}

func TestSQLiteStore_RecordsAndList(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	require.NoError(t, s.Set(ctx, "a", "https://example.com/files/a"))
	require.NoError(t, s.SetRecord(ctx, Record{
		Fingerprint: "a",
		URL:         "https://example.com/files/a",
		FilePath:    "/data/a.bin",
		FileSize:    10,
	}))

	s.nowFunc = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, s.SetRecord(ctx, Record{Fingerprint: "b", URL: "https://example.com/files/b", FilePath: "/data/b.bin"}))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "a", recs[0].Fingerprint)
	assert.Equal(t, "/data/a.bin", recs[0].FilePath)
	assert.Equal(t, int64(10), recs[0].FileSize)
	assert.True(t, recs[0].CreatedAt.Equal(base), "SetRecord keeps the original creation time")
	assert.Equal(t, "b", recs[1].Fingerprint)

	n, err := s.RemoveByPath(ctx, "/data/b.bin")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLiteStore_CleanStale(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	s.nowFunc = func() time.Time { return now.Add(-10 * 24 * time.Hour) }
	require.NoError(t, s.Set(ctx, "old", "https://example.com/files/old"))

	s.nowFunc = func() time.Time { return now.Add(-time.Hour) }
	require.NoError(t, s.Set(ctx, "new", "https://example.com/files/new"))

	s.nowFunc = func() time.Time { return now }

	n, err := s.CleanStale(ctx, DefaultStaleAge)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "old")
	require.ErrorIs(t, err, tus.ErrFingerprintNotFound)

	_, err = s.Get(ctx, "new")
	require.NoError(t, err)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "uploads.db")
	ctx := context.Background()

	s, err := NewStore(ctx, dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "fp", "https://example.com/files/1"))
	require.NoError(t, s.Close())

	s, err = NewStore(ctx, dbPath, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/files/1", got)
}

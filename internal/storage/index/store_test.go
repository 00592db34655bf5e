package index

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/cidroute/pkg/routes"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(cid, locator, source string, seen time.Time) RouteRecord {
	return RouteRecord{
		Locator:   locator,
		CID:       cid,
		SourceRef: source,
		Kind:      routes.KindGCS,
		Method:    json.RawMessage(`{"bucket":"b","object":"` + locator + `"}`),
		Size:      42,
		Stamp:     "gen-1",
		FirstSeen: seen,
		LastSeen:  seen,
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := record("bafyaaa", "gs://b/one", "gcs://b", now)
	require.NoError(t, s.UpsertRoute(ctx, rec))

	entry, err := s.Get(ctx, "bafyaaa")
	require.NoError(t, err)
	assert.Equal(t, "bafyaaa", entry.CID)
	require.Len(t, entry.Routes, 1)
	assert.Equal(t, "gs://b/one", entry.Routes[0].Locator)
	assert.Equal(t, routes.KindGCS, entry.Routes[0].Kind)
	assert.Equal(t, "gen-1", entry.Routes[0].Stamp)
	assert.Equal(t, now.UnixNano(), entry.Routes[0].LastSeen.UnixNano())
}

func TestStore_GetUnknown(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), "bafyunknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SameContentTwoLocators(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertRoute(ctx, record("bafyaaa", "gs://b/one", "gcs://b", now)))
	require.NoError(t, s.UpsertRoute(ctx, record("bafyaaa", "gs://b/two", "gcs://b", now)))

	entry, err := s.Get(ctx, "bafyaaa")
	require.NoError(t, err)
	assert.Len(t, entry.Routes, 2)

	n, err := s.CountEntries(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := record("bafyaaa", "gs://b/one", "gcs://b", now)
	require.NoError(t, s.UpsertRoute(ctx, rec))
	require.NoError(t, s.UpsertRoute(ctx, rec))

	entry, err := s.Get(ctx, "bafyaaa")
	require.NoError(t, err)
	assert.Len(t, entry.Routes, 1)
}

func TestStore_LocatorContentChanged(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertRoute(ctx, record("bafyold", "gs://b/one", "gcs://b", now)))

	changed := record("bafynew", "gs://b/one", "gcs://b", now.Add(time.Minute))
	changed.Stamp = "gen-2"
	require.NoError(t, s.UpsertRoute(ctx, changed))

	// Old entry lost its only route and must be gone.
	_, err := s.Get(ctx, "bafyold")
	require.ErrorIs(t, err, ErrNotFound)

	entry, err := s.Get(ctx, "bafynew")
	require.NoError(t, err)
	require.Len(t, entry.Routes, 1)
	assert.Equal(t, "gen-2", entry.Routes[0].Stamp)
}

func TestStore_LocatorContentChangedKeepsSharedEntry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertRoute(ctx, record("bafyshared", "gs://b/one", "gcs://b", now)))
	require.NoError(t, s.UpsertRoute(ctx, record("bafyshared", "gs://b/two", "gcs://b", now)))
	require.NoError(t, s.UpsertRoute(ctx, record("bafyother", "gs://b/one", "gcs://b", now)))

	// One locator moved away, but the other still holds the entry.
	entry, err := s.Get(ctx, "bafyshared")
	require.NoError(t, err)
	assert.Len(t, entry.Routes, 1)
	assert.Equal(t, "gs://b/two", entry.Routes[0].Locator)
}

func TestStore_MarkSeen(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertRoute(ctx, record("bafyaaa", "gs://b/one", "gcs://b", now)))

	later := now.Add(time.Hour)
	require.NoError(t, s.MarkSeen(ctx, "gs://b/one", later))

	rec, err := s.LookupLocator(ctx, "gs://b/one")
	require.NoError(t, err)
	assert.Equal(t, later.UnixNano(), rec.LastSeen.UnixNano())

	entry, err := s.Get(ctx, "bafyaaa")
	require.NoError(t, err)
	assert.Equal(t, later.UnixNano(), entry.LastSeen.UnixNano())

	require.ErrorIs(t, s.MarkSeen(ctx, "gs://b/missing", later), ErrNotFound)
}

func TestStore_EvictStale(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	cycleStart := time.Now().UTC()

	require.NoError(t, s.UpsertRoute(ctx, record("bafystale", "gs://b/stale", "gcs://b", old)))
	require.NoError(t, s.UpsertRoute(ctx, record("bafyfresh", "gs://b/fresh", "gcs://b", cycleStart)))
	// Same scope boundaries: another source's stale route must survive.
	require.NoError(t, s.UpsertRoute(ctx, record("bafyother", "o/stale", "github://o", old)))

	evicted, err := s.EvictStale(ctx, "gcs://b", cycleStart)
	require.NoError(t, err)
	assert.EqualValues(t, 1, evicted)

	_, err = s.Get(ctx, "bafystale")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "bafyfresh")
	require.NoError(t, err)

	_, err = s.Get(ctx, "bafyother")
	require.NoError(t, err)
}

func TestStore_Delete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertRoute(ctx, record("bafyaaa", "gs://b/one", "gcs://b", now)))
	require.NoError(t, s.Delete(ctx, "bafyaaa"))

	_, err := s.Get(ctx, "bafyaaa")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.LookupLocator(ctx, "gs://b/one")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ScanAll(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertRoute(ctx, record("bafyaaa", "gs://b/one", "gcs://b", now)))
	require.NoError(t, s.UpsertRoute(ctx, record("bafyaaa", "gs://b/two", "gcs://b", now)))
	require.NoError(t, s.UpsertRoute(ctx, record("bafybbb", "gs://b/three", "gcs://b", now)))

	var cids []string
	var routeCount int
	err := s.ScanAll(ctx, func(e Entry) error {
		cids = append(cids, e.CID)
		routeCount += len(e.Routes)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bafyaaa", "bafybbb"}, cids)
	assert.Equal(t, 3, routeCount)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")
	ctx := context.Background()
	now := time.Now().UTC()

	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	require.NoError(t, s.UpsertRoute(ctx, record("bafyaaa", "gs://b/one", "gcs://b", now)))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	entry, err := s2.Get(ctx, "bafyaaa")
	require.NoError(t, err)
	assert.Len(t, entry.Routes, 1)
}

func TestStore_OpenReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")
	ctx := context.Background()
	now := time.Now().UTC()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.UpsertRoute(ctx, record("bafyaaa", "gs://b/one", "gcs://b", now)))

	ro, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()

	entry, err := ro.Get(ctx, "bafyaaa")
	require.NoError(t, err)
	assert.Len(t, entry.Routes, 1)

	require.Error(t, ro.UpsertRoute(ctx, record("bafybbb", "gs://b/two", "gcs://b", now)))
	require.NoError(t, s.Close())
}

func TestStore_OpenReadOnlyMissingFile(t *testing.T) {
	_, err := OpenReadOnly(filepath.Join(t.TempDir(), "absent.db"))
	require.Error(t, err)
}

package crp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/multiformats/go-multicodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/cidroute/internal/storage/index"
	"github.com/relves/cidroute/pkg/cidkit"
	"github.com/relves/cidroute/pkg/routes"
)

func testServer(t *testing.T, cfg Config) (*Server, *index.Store) {
	t.Helper()
	store, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(cfg, store, nil, nil), store
}

func seedRoute(t *testing.T, store *index.Store, content string) string {
	t.Helper()
	c, err := cidkit.ComputeBytes([]byte(content), cidkit.DefaultAlgorithm, cidkit.DefaultCodec)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.UpsertRoute(context.Background(), index.RouteRecord{
		Locator:   "gs://b/" + content,
		CID:       c.String(),
		SourceRef: "gcs://b",
		Kind:      routes.KindGCS,
		Method:    json.RawMessage(`{"bucket":"b","object":"` + content + `"}`),
		Size:      int64(len(content)),
		Stamp:     "gen-1",
		FirstSeen: now,
		LastSeen:  now,
	}))
	return c.String()
}

func TestRoutes_Known(t *testing.T) {
	srv, store := testServer(t, Config{})
	cid := seedRoute(t, store, "alpha")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crp/routes/"+cid, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp routesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, cid, resp.CID)
	require.Len(t, resp.Routes, 1)
	assert.Equal(t, routes.KindGCS, resp.Routes[0].Type)
}

func TestRoutes_UnknownCIDIsEmptyList(t *testing.T) {
	srv, _ := testServer(t, Config{})

	c, err := cidkit.ComputeBytes([]byte("never indexed"), cidkit.DefaultAlgorithm, cidkit.DefaultCodec)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crp/routes/"+c.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp routesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Routes)
	assert.Empty(t, resp.Routes)
}

func TestRoutes_InvalidCID(t *testing.T) {
	srv, _ := testServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crp/routes/not-a-cid", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFilter(t *testing.T) {
	want := cidkit.EligibilityFilter(cidkit.SHA2_256, multicodec.Raw)
	srv, _ := testServer(t, Config{Filter: want})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crp/filter", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got cidkit.CIDFilter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, want, got)
}

func TestStatus(t *testing.T) {
	srv, store := testServer(t, Config{})
	seedRoute(t, store, "alpha")
	seedRoute(t, store, "beta")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crp/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 2, resp.Entries)
	assert.NotEmpty(t, resp.Uptime)
}

func TestAuth(t *testing.T) {
	srv, store := testServer(t, Config{AuthToken: "sekrit"})
	cid := seedRoute(t, store, "alpha")

	// No token.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/crp/routes/"+cid, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token.
	req := httptest.NewRequest(http.MethodGet, "/v1/crp/routes/"+cid, nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Right token.
	req = httptest.NewRequest(http.MethodGet, "/v1/crp/routes/"+cid, nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

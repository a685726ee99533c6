package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offlinenav/pkg/cache"
	"offlinenav/pkg/db"
	"offlinenav/pkg/errs"
	"offlinenav/pkg/geo"
	"offlinenav/pkg/location"
	"offlinenav/pkg/model"
	"offlinenav/pkg/nav"
	"offlinenav/pkg/pack"
	"offlinenav/pkg/store"
	"offlinenav/pkg/tracker"
)

type fakeNav struct {
	nearby *nav.NearbyResult
	route  *nav.RouteResponse
	err    error
	calls  []string
}

func (f *fakeNav) NearbyPOIs(_ context.Context, lat, lon float64, radius int) (*nav.NearbyResult, error) {
	f.calls = append(f.calls, fmt.Sprintf("nearby %.2f,%.2f r=%d", lat, lon, radius))
	return f.nearby, f.err
}

func (f *fakeNav) LatestNearby(_ context.Context, lat, lon float64, radius int) (*nav.NearbyResult, error) {
	f.calls = append(f.calls, fmt.Sprintf("latest %.2f,%.2f r=%d", lat, lon, radius))
	return f.nearby, f.err
}

func (f *fakeNav) NearbyHere(_ context.Context, radius int) (*nav.NearbyResult, error) {
	f.calls = append(f.calls, fmt.Sprintf("here r=%d", radius))
	return f.nearby, f.err
}

func (f *fakeNav) Route(_ context.Context, from, to geo.Point) (*nav.RouteResponse, error) {
	f.calls = append(f.calls, "route")
	return f.route, f.err
}

func (f *fakeNav) LatestRoute(_ context.Context, from, to geo.Point) (*nav.RouteResponse, error) {
	f.calls = append(f.calls, "latest route")
	return f.route, f.err
}

func (f *fakeNav) DownloadPack(_ context.Context, req nav.DownloadRequest) (*model.PackManifest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.PackManifest{ID: req.ID, RadiusMeters: float64(req.RadiusMeters)}, nil
}

type fakeLocation struct {
	last    *model.Location
	current model.Location
	err     error
}

func (f *fakeLocation) Current(context.Context) (model.Location, error) { return f.current, f.err }

func (f *fakeLocation) Last() (model.Location, bool) {
	if f.last == nil {
		return model.Location{}, false
	}
	return *f.last, true
}

func (f *fakeLocation) Update(_ context.Context, fix model.Position) (model.Location, error) {
	if fix.Lat > 90 {
		return model.Location{}, fmt.Errorf("%w: latitude out of range", errs.ErrInvalid)
	}
	return model.Location{Lat: fix.Lat, Lon: fix.Lon, City: "Paris"}, nil
}

type testEnv struct {
	srv *httptest.Server
	nav *fakeNav
	loc *fakeLocation
	tr  *tracker.Tracker
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	d, err := db.Init(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	mgr := pack.NewManager(store.NewSQLiteStore(d))
	env := &testEnv{nav: &fakeNav{}, loc: &fakeLocation{}, tr: tracker.New()}

	s := NewServer("",
		env.tr,
		NewStatsHandler(env.tr, mgr),
		NewPackHandler(mgr, env.nav),
		NewNavHandler(env.nav, 1000),
		NewLocationHandler(env.loc),
		nil,
	)
	env.srv = httptest.NewServer(s.Handler)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e), "body: %s", body)
	return e.Error
}

func TestHealthAndVersion(t *testing.T) {
	env := setupServer(t)

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, body = env.do(t, http.MethodGet, "/api/version", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var v map[string]string
	require.NoError(t, json.Unmarshal(body, &v))
	assert.NotEmpty(t, v["version"])
}

func TestPackLifecycle(t *testing.T) {
	env := setupServer(t)
	text := `{"id":1,"lat":48.85,"lon":2.35,"name":"Hôtel-Dieu","category":"hospital"}` + "\n" +
		`{"id":2,"lat":48.86,"lon":2.34,"category":"atm"}` + "\n"

	resp, body := env.do(t, http.MethodPost, "/api/packs", CreatePackRequest{
		Manifest: &model.PackManifest{
			ID:              "paris",
			BBox:            model.BBox{MinLon: 2.2, MinLat: 48.8, MaxLon: 2.4, MaxLat: 48.9},
			SizeBytes:       int64(len(text)),
			ItemCount:       2,
			ContentEncoding: model.EncodingGzip,
		},
		Text: &text,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created model.PackManifest
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "paris", created.ID)
	require.NotNil(t, created.CompressedBytes)

	resp, body = env.do(t, http.MethodGet, "/api/packs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []model.PackManifest
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	resp, body = env.do(t, http.MethodGet, "/api/packs/paris/text", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, text, string(body))
	assert.Empty(t, resp.Header.Get("X-Pack-Degraded"))

	resp, body = env.do(t, http.MethodGet, "/api/packs/paris/data", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, store.IsGzip(body))
	assert.Equal(t, "gzip", resp.Header.Get("X-Content-Encoding"))

	resp, body = env.do(t, http.MethodGet, "/api/packs/paris/geojson", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"FeatureCollection"`)
	assert.Contains(t, string(body), "Hôtel-Dieu")

	resp, body = env.do(t, http.MethodGet, "/api/packs/estimate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var est pack.SizeEstimate
	require.NoError(t, json.Unmarshal(body, &est))
	assert.Equal(t, int64(len(text)), est.TotalBytes)
	assert.Equal(t, 1, est.Count)

	resp, body = env.do(t, http.MethodGet, "/api/packs/covering?lat=48.85&lon=2.3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, body = env.do(t, http.MethodGet, "/api/packs/covering?lat=10&lon=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))

	resp, _ = env.do(t, http.MethodDelete, "/api/packs/paris", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.do(t, http.MethodDelete, "/api/packs/paris", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not found", errorMessage(t, body))

	for _, path := range []string{"/api/packs/paris", "/api/packs/paris/data", "/api/packs/paris/text", "/api/packs/paris/geojson"} {
		resp, _ = env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestCreatePack_Variants(t *testing.T) {
	env := setupServer(t)

	data := base64.StdEncoding.EncodeToString([]byte("raw bytes"))
	resp, body := env.do(t, http.MethodPost, "/api/packs", CreatePackRequest{
		Manifest: &model.PackManifest{SizeBytes: 9},
		Data:     data,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created model.PackManifest
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ID, "an id is generated when omitted")

	resp, body = env.do(t, http.MethodPost, "/api/packs", CreatePackRequest{
		Download: &nav.DownloadRequest{ID: "dl", Lat: 1, Lon: 2, RadiusMeters: 500},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "dl", created.ID)

	tests := []struct {
		name   string
		req    any
		status int
	}{
		{"MissingManifest", CreatePackRequest{Data: data}, http.StatusBadRequest},
		{"BadBase64", CreatePackRequest{Manifest: &model.PackManifest{}, Data: "%%%"}, http.StatusBadRequest},
		{"GzipMismatch", CreatePackRequest{Manifest: &model.PackManifest{ContentEncoding: model.EncodingGzip}, Data: data}, http.StatusUnprocessableEntity},
		{"UnknownEncoding", CreatePackRequest{Manifest: &model.PackManifest{ContentEncoding: "br"}, Data: data}, http.StatusBadRequest},
		{"NotJSON", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/api/packs", tt.req)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			assert.NotEmpty(t, errorMessage(t, body))
		})
	}
}

func TestNearby(t *testing.T) {
	env := setupServer(t)
	env.nav.nearby = &nav.NearbyResult{
		POIs:   []model.POI{{ID: 7, Lat: 48.85, Lon: 2.35, Category: "atm"}},
		Source: nav.SourceFetched,
	}

	resp, body := env.do(t, http.MethodGet, "/api/nearby?lat=48.85&lon=2.35&radius=500", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "fetched", resp.Header.Get("X-Offlinenav-Source"))
	var res nav.NearbyResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Len(t, res.POIs, 1)

	resp, body = env.do(t, http.MethodGet, "/api/nearby?lat=48.85&lon=2.35&latest=true&format=geojson", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/geo+json", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), `"Point"`)

	resp, _ = env.do(t, http.MethodGet, "/api/nearby", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{
		"nearby 48.85,2.35 r=500",
		"latest 48.85,2.35 r=1000",
		"here r=1000",
	}, env.nav.calls)
}

func TestNearby_Errors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		err     error
		status  int
		message string
	}{
		{"MissingLon", "/api/nearby?lat=1", nil, http.StatusBadRequest, "invalid request: missing lon"},
		{"BadRadius", "/api/nearby?lat=1&lon=2&radius=far", nil, http.StatusBadRequest, "invalid request: radius is not an integer"},
		{"Network", "/api/nearby?lat=1&lon=2", fmt.Errorf("search: %w", errs.ErrNetwork), http.StatusBadGateway, "Network unavailable, please try again later"},
		{"NoResult", "/api/nearby?lat=1&lon=2", errs.ErrNoResult, http.StatusNotFound, "No results found"},
		{"Superseded", "/api/nearby?lat=1&lon=2&latest=1", cache.ErrSuperseded, http.StatusConflict, "Superseded by a newer request"},
		{"Cancelled", "/api/nearby?lat=1&lon=2", fmt.Errorf("%w: k", cache.ErrCancelled), http.StatusServiceUnavailable, "Lookup was cancelled, try again"},
		{"Unsupported", "/api/nearby", errs.ErrUnsupported, http.StatusNotImplemented, "This feature is not supported on this device"},
		{"Opaque", "/api/nearby?lat=1&lon=2", io.ErrUnexpectedEOF, http.StatusInternalServerError, "Something went wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupServer(t)
			env.nav.err = tt.err
			resp, body := env.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.message, errorMessage(t, body))
		})
	}
}

func TestRoute(t *testing.T) {
	env := setupServer(t)
	env.nav.route = &nav.RouteResponse{
		Route:  &model.RouteResult{Geometry: [][2]float64{{48.85, 2.35}, {48.86, 2.36}}, Distance: 1500, Duration: 120},
		Source: nav.SourceFresh,
	}

	resp, body := env.do(t, http.MethodGet, "/api/route?from_lat=48.85&from_lon=2.35&to_lat=48.86&to_lon=2.36", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "fresh", resp.Header.Get("X-Offlinenav-Source"))

	resp, body = env.do(t, http.MethodGet, "/api/route?from_lat=48.85&from_lon=2.35&to_lat=48.86&to_lon=2.36&format=geojson&latest=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `[2.35,48.85]`, "geojson uses lon,lat order")

	resp, body = env.do(t, http.MethodGet, "/api/route?from_lat=48.85&from_lon=2.35&to_lat=48.86", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid request: missing to_lon", errorMessage(t, body))

	assert.Equal(t, []string{"route", "latest route"}, env.nav.calls)
}

func TestLocation(t *testing.T) {
	env := setupServer(t)
	env.loc.current = model.Location{Lat: 1, Lon: 2, City: "Current Location", Address: "1.000000, 2.000000"}

	resp, body := env.do(t, http.MethodGet, "/api/location", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loc model.Location
	require.NoError(t, json.Unmarshal(body, &loc))
	assert.Equal(t, "Current Location", loc.City)

	resp, _ = env.do(t, http.MethodGet, "/api/location?cached=true", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.loc.last = &model.Location{City: "Lyon"}
	resp, body = env.do(t, http.MethodGet, "/api/location?cached=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &loc))
	assert.Equal(t, "Lyon", loc.City)

	resp, body = env.do(t, http.MethodPost, "/api/location", model.Position{Lat: 48.85, Lon: 2.35})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &loc))
	assert.Equal(t, "Paris", loc.City)

	resp, _ = env.do(t, http.MethodPost, "/api/location", model.Position{Lat: 100})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.loc.err = errs.ErrUnsupported
	resp, _ = env.do(t, http.MethodGet, "/api/location", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestStatsAndMetrics(t *testing.T) {
	env := setupServer(t)
	env.tr.TrackCacheHit("nearby")
	env.tr.TrackCacheHit("nearby")
	env.tr.TrackCacheMiss("nearby")
	env.tr.TrackFetchFailure("overpass")

	resp, body := env.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(66), stats.Sources["nearby"].HitRate)
	assert.Equal(t, int64(1), stats.Sources["overpass"].FetchFailure)
	require.NotNil(t, stats.Packs)
	assert.Equal(t, 0, stats.Packs.Count)
	assert.Positive(t, stats.Runtime.Goroutines)

	resp, body = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text := string(body)
	assert.Contains(t, text, `offlinenav_cache_hits_total{source="nearby"} 2`)
	assert.Contains(t, text, `offlinenav_fetch_failures_total{source="overpass"} 1`)
	assert.True(t, strings.Contains(text, "go_goroutines"))
}

func TestMethodNotAllowed(t *testing.T) {
	env := setupServer(t)
	resp, _ := env.do(t, http.MethodPut, "/api/packs", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRecoverMiddleware(t *testing.T) {
	h := recoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Something went wrong"}`, rec.Body.String())
}

type cityGeocoder struct{}

func (cityGeocoder) Reverse(_ context.Context, lat, lon float64) model.Location {
	return model.Location{City: "Lyon", Country: "France"}
}

func TestLocationWatch(t *testing.T) {
	ctx := context.Background()
	svc, err := location.NewService(&location.ManualPositioner{}, cityGeocoder{}, location.Config{})
	require.NoError(t, err)
	_, err = svc.Update(ctx, model.Position{Lat: 45.76, Lon: 4.83})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(NewLocationHandler(svc).HandleWatch))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var got model.Location
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, 45.76, got.Lat, "last known location is sent first")
	assert.Equal(t, "Lyon", got.City)

	require.Eventually(t, func() bool { return svc.Watchers() == 1 }, time.Second, 5*time.Millisecond)
	_, err = svc.Update(ctx, model.Position{Lat: 45.77, Lon: 4.84})
	require.NoError(t, err)
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, 45.77, got.Lat)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return svc.Watchers() == 0 }, 2*time.Second, 5*time.Millisecond,
		"watch is stopped when the client disconnects")
}

func TestLocationWatch_Unsupported(t *testing.T) {
	env := setupServer(t)
	resp, body := env.do(t, http.MethodGet, "/api/location/watch", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	assert.Equal(t, "This feature is not supported on this device", errorMessage(t, body))
}

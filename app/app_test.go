package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nxdus/asf-fieldmap/config"
	"github.com/Nxdus/asf-fieldmap/loader"
	"github.com/Nxdus/asf-fieldmap/services"
	"github.com/Nxdus/asf-fieldmap/session"
)

type recordingInjector struct {
	mu      sync.Mutex
	urls    []string
	install bool
}

func (r *recordingInjector) Inject(ctx context.Context, url string, env *loader.Environment) error {
	r.mu.Lock()
	r.urls = append(r.urls, url)
	r.mu.Unlock()
	if r.install {
		env.Install(config.DefaultNamespace)
	}
	return nil
}

func (r *recordingInjector) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

func newBackendServer(t *testing.T, keys string, keysStatus int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var caseCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/keys":
			w.WriteHeader(keysStatus)
			io.WriteString(w, keys)
		case "/api/cases":
			caseCalls.Add(1)
			io.WriteString(w, `[{"lat":10,"lng":20,"prob":0.91,"user":"ana","org":"VetLab","date":"2024-05-01"}]`)
		case "/api/positive-count":
			io.WriteString(w, `{"positiveCount":7}`)
		case "/api/negative-count":
			io.WriteString(w, `{"negativeCount":3}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &caseCalls
}

func testConfig(backendURL string) config.Config {
	cfg := config.Default()
	cfg.BackendURL = backendURL
	cfg.Map.ScriptURL = "https://maps.example.test/js?key=%s&libraries=places"
	cfg.Map.LoadTimeout = time.Second
	cfg.Poll.Interval = time.Hour
	cfg.HTTPTimeout = time.Second
	return cfg
}

func newTestApp(cfg config.Config, inj loader.Injector) *App {
	return New(cfg, Deps{
		Backend:  services.NewBackend(cfg.BackendURL, cfg.HTTPTimeout),
		Fetcher:  services.NewHTTPFetcher(cfg.BackendURL, cfg.HTTPTimeout),
		Injector: inj,
	})
}

func waitReady(t *testing.T, a *App) {
	t.Helper()
	select {
	case <-a.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("map boot did not finish")
	}
}

func TestEndToEndStartup(t *testing.T) {
	srv, _ := newBackendServer(t, `{"mapTileKey":"abc","geocodeKey":"xyz"}`, http.StatusOK)
	inj := &recordingInjector{install: true}
	a := newTestApp(testConfig(srv.URL), inj)

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	ws, err := a.Workspace(context.Background(), "")
	require.NoError(t, err)
	ws.BindInput("city")

	waitReady(t, a)

	require.Equal(t, []string{"https://maps.example.test/js?key=xyz&libraries=places"}, inj.URLs())
	assert.True(t, ws.Binder.Bound())

	require.Eventually(t, func() bool { return len(a.MapView().Markers) == 1 }, 2*time.Second, 10*time.Millisecond)
	v := a.MapView()
	assert.False(t, v.Blocked)
	assert.Contains(t, v.TileURL, "access_token=abc")
	assert.Equal(t, 10.0, v.Markers[0].Lat)
	assert.Equal(t, 20.0, v.Markers[0].Lng)

	st := a.Status()
	assert.True(t, st.KeysReady)
	assert.True(t, st.Geocoding)
	assert.Equal(t, "ready", st.Script)
}

func TestMissingKeysBlockMapButNotPolling(t *testing.T) {
	srv, caseCalls := newBackendServer(t, `{"error":"vault unreachable"}`, http.StatusInternalServerError)
	inj := &recordingInjector{install: true}
	a := newTestApp(testConfig(srv.URL), inj)

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	waitReady(t, a)

	assert.Empty(t, inj.URLs())
	_, err := a.Widget()
	assert.ErrorIs(t, err, ErrGeocodeUnavailable)

	require.Eventually(t, func() bool { return caseCalls.Load() >= 1 && len(a.Cases()) == 1 }, 2*time.Second, 10*time.Millisecond)
	v := a.MapView()
	assert.True(t, v.Blocked)
	assert.Empty(t, v.Markers)
}

func TestWorkspaceCreatedAfterScriptBinds(t *testing.T) {
	srv, _ := newBackendServer(t, `{"mapTileKey":"abc","geocodeKey":"xyz"}`, http.StatusOK)
	a := newTestApp(testConfig(srv.URL), &recordingInjector{install: true})

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	waitReady(t, a)

	ws, err := a.Workspace(context.Background(), "")
	require.NoError(t, err)
	in := ws.BindInput("city")
	assert.True(t, ws.Binder.Bound())

	again, err := a.Workspace(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Same(t, ws, again)
	assert.Same(t, in, again.BindInput("city"))

	w, err := a.Widget()
	require.NoError(t, err)
	assert.Equal(t, ws.ID+"/city", in.ID())
	assert.Equal(t, 1, w.ListenerCount(in.ID()))
}

func TestMissingNamespaceLeavesGeocodingOff(t *testing.T) {
	srv, _ := newBackendServer(t, `{"mapTileKey":"abc","geocodeKey":"xyz"}`, http.StatusOK)
	a := newTestApp(testConfig(srv.URL), &recordingInjector{install: false})

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	waitReady(t, a)

	st := a.Status()
	assert.False(t, st.Geocoding)
	assert.Equal(t, "not_started", st.Script)
	assert.NotEmpty(t, st.ScriptErr)
	assert.False(t, a.MapView().Blocked)
}

func TestSweepReleasesIdleWorkspaces(t *testing.T) {
	srv, _ := newBackendServer(t, `{"mapTileKey":"abc","geocodeKey":"xyz"}`, http.StatusOK)
	cfg := testConfig(srv.URL)
	cfg.SessionTTL = time.Minute
	a := newTestApp(cfg, &recordingInjector{install: true})

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	waitReady(t, a)

	ws, err := a.Workspace(context.Background(), "")
	require.NoError(t, err)
	ws.BindInput("city")
	require.True(t, ws.Binder.Bound())

	assert.Equal(t, 0, a.sweepIdle(time.Now()))
	assert.Equal(t, 1, a.sweepIdle(time.Now().Add(2*time.Minute)))
	assert.False(t, ws.Binder.Bound())
	assert.Equal(t, 0, a.Status().Workspaces)
}

func TestSweepPurgesExpiredSessions(t *testing.T) {
	srv, _ := newBackendServer(t, `{"mapTileKey":"abc","geocodeKey":"xyz"}`, http.StatusOK)
	cfg := testConfig(srv.URL)
	store := session.NewMemoryStore(time.Minute)
	a := New(cfg, Deps{
		Backend:  services.NewBackend(cfg.BackendURL, cfg.HTTPTimeout),
		Fetcher:  services.NewHTTPFetcher(cfg.BackendURL, cfg.HTTPTimeout),
		Sessions: store,
		Injector: &recordingInjector{install: true},
	})

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "never-back", session.State{SignedIn: true, Username: "ana", Organization: "VetLab"}))

	a.sweepIdle(time.Now())
	_, err := store.Get(ctx, "never-back")
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Minute)
	a.sweepIdle(later)
	assert.Equal(t, 0, store.PurgeExpired(later))
}

func TestStats(t *testing.T) {
	srv, _ := newBackendServer(t, `{"mapTileKey":"abc","geocodeKey":"xyz"}`, http.StatusOK)
	a := newTestApp(testConfig(srv.URL), &recordingInjector{install: true})

	counts, err := a.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, services.Counts{Positive: 7, Negative: 3}, counts)
}

func TestRankOrdersByScore(t *testing.T) {
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	cases := []services.CaseRecord{
		{Lat: 1, Lng: 1, Probability: 0.3, Organization: "A", Date: "2024-01-01"},
		{Lat: 2, Lng: 2, Probability: 0.95, Organization: "B", Date: "2024-05-09"},
		{Lat: 3, Lng: 3, Probability: 0.6, Organization: "C", Date: "2024-05-08"},
	}

	ranked := Rank(cases, 10, now, "", 0)
	require.Len(t, ranked, 3)
	assert.Equal(t, 0.95, ranked[0].Probability)
	assert.Equal(t, 0.3, ranked[2].Probability)

	assert.Len(t, Rank(cases, 10, now, "all", 2), 2)
	for _, it := range Rank(cases, 10, now, "low", 0) {
		assert.Equal(t, "low", it.Priority.Level)
	}
}

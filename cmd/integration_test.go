package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/skycast/internal/cache"
	"github.com/l0p7/skycast/internal/config"
	"github.com/l0p7/skycast/internal/offline"
	"github.com/l0p7/skycast/internal/server"
	"github.com/l0p7/skycast/internal/weather"
	"github.com/l0p7/skycast/internal/web"
)

// fakeProvider mimics the upstream weather API, echoing the queried city and
// counting hits so cache behavior is observable end to end.
type fakeProvider struct {
	calls atomic.Int64
	down  atomic.Bool
}

func (p *fakeProvider) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		p.calls.Add(1)
		city := r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"name": %q,
			"sys": {"country": "GB", "sunrise": 1700000000, "sunset": 1700040000},
			"main": {"temp": 52.6, "feels_like": 50.2, "humidity": 81, "pressure": 1012},
			"weather": [{"description": "scattered clouds", "icon": "03d"}],
			"wind": {"speed": 7.26},
			"visibility": 10000,
			"timezone": 0
		}`, city)
	})
}

// startStack assembles the full application the way main does, against the
// fake provider, and returns the public base URL.
func startStack(t *testing.T, provider *fakeProvider, cacheTTL time.Duration, edgeEnabled bool) string {
	t.Helper()

	upstream := httptest.NewServer(provider.handler())
	t.Cleanup(upstream.Close)

	cfg := config.DefaultConfig()
	cfg.Server.Upstream.BaseURL = upstream.URL
	cfg.Server.Upstream.APIKey = "abcdef0123456789abcdef0123456789"
	cfg.Server.Edge.Enabled = edgeEnabled
	cfg.Cities = []config.City{{Name: "London", Country: "GB"}, {Name: "Paris", Country: "FR"}}

	store := cache.NewMemory(cacheTTL, cfg.Server.Cache.Capacity)
	weatherCache := cache.NewWeatherCache(store, cacheTTL, newTestLogger(), nil)
	t.Cleanup(func() { _ = weatherCache.Close(context.Background()) })

	source := weather.NewClient(cfg.Server.Upstream, newTestLogger(), nil)

	site, err := web.New(web.Params{
		CacheVersion: cfg.Server.Edge.Version,
		APITTLMillis: cfg.Server.Edge.APITTLMillis,
	})
	require.NoError(t, err)

	handler, err := server.NewHandler(source, weatherCache, site.Handler(), newTestLogger(), nil)
	require.NoError(t, err)
	handler.SetRoster(cfg.Cities)

	var app http.Handler = handler
	if edgeEnabled {
		edge, err := offline.NewEdgeHandler(context.Background(), handler, offline.NewMemoryStorage(), offline.Options{
			Version:           cfg.Server.Edge.Version,
			APITTL:            time.Duration(cfg.Server.Edge.APITTLMillis) * time.Millisecond,
			RuntimeMaxEntries: cfg.Server.Edge.RuntimeMaxEntries,
			Precache:          site.PrecachePaths(),
		}, newTestLogger())
		require.NoError(t, err)
		app = edge
	}

	srv := httptest.NewServer(app)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestIntegrationWeatherAndCities(t *testing.T) {
	provider := &fakeProvider{}
	baseURL := startStack(t, provider, time.Minute, false)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  baseURL,
		Reporter: httpexpect.NewRequireReporter(t),
	})

	report := expect.GET("/api/weather").
		WithQuery("city", "London").WithQuery("country", "GB").
		Expect().Status(http.StatusOK).JSON().Object()
	report.HasValue("temperature", 53)
	report.HasValue("description", "Scattered Clouds")

	cities := expect.GET("/api/cities").
		Expect().Status(http.StatusOK).JSON().Array()
	cities.Length().IsEqual(2)

	expect.GET("/healthz").
		Expect().Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")

	expect.GET("/").
		Expect().Status(http.StatusOK).
		Header("Content-Type").Contains("text/html")

	expect.GET("/sw.js").
		Expect().Status(http.StatusOK).
		Body().Contains(`const VERSION = "v1";`)
}

func TestIntegrationCacheSuppressesUpstream(t *testing.T) {
	provider := &fakeProvider{}
	baseURL := startStack(t, provider, time.Minute, false)

	client := &http.Client{Timeout: 5 * time.Second}
	for i := 0; i < 3; i++ {
		resp, err := client.Get(baseURL + "/api/weather?city=London&country=GB")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, resp.Body.Close())
	}
	require.Equal(t, int64(1), provider.calls.Load(), "repeat lookups within ttl must reuse the cached payload")
}

func TestIntegrationEdgeServesOffline(t *testing.T) {
	provider := &fakeProvider{}
	baseURL := startStack(t, provider, time.Millisecond, true)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  baseURL,
		Reporter: httpexpect.NewRequireReporter(t),
	})

	// Warm the edge api bucket with a live response.
	expect.GET("/api/weather").
		WithQuery("city", "London").WithQuery("country", "GB").
		Expect().Status(http.StatusOK)

	// Take the provider down; the server cache expires almost immediately,
	// so the inner handler now answers 502 and the edge serves its copy.
	provider.down.Store(true)
	time.Sleep(10 * time.Millisecond)

	resp, err := http.Get(baseURL + "/api/weather?city=London&country=GB")
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hit", resp.Header.Get("X-Edge-Cache"))

	var report map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.Equal(t, "London,GB", report["city"])
}

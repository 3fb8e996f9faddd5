package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/skycast/internal/cache"
	"github.com/l0p7/skycast/internal/config"
	"github.com/l0p7/skycast/internal/metrics"
	"github.com/l0p7/skycast/internal/weather"
)

// cityFanout bounds the concurrent upstream lookups issued by /api/cities.
const cityFanout = 4

// WeatherSource is the upstream surface the handler depends on, kept narrow
// so tests can substitute a scripted provider.
type WeatherSource interface {
	Fetch(ctx context.Context, q weather.Query) (weather.Report, error)
	Configured() bool
}

// ResponseCache fronts the weather source with the bounded TTL cache.
type ResponseCache interface {
	GetOrFetch(ctx context.Context, key string, fetch cache.FetchFunc) ([]byte, bool, error)
	Size(ctx context.Context) (int64, error)
}

// Handler is the application's HTTP surface: the JSON API plus the embedded
// static site as the fallthrough.
type Handler struct {
	source  WeatherSource
	cache   ResponseCache
	static  http.Handler
	logger  *slog.Logger
	metrics *metrics.Recorder
	roster  atomic.Pointer[[]config.City]
}

// NewHandler wires the API routes over the weather cache. static serves every
// path outside /api/; pass nil to 404 those instead.
func NewHandler(source WeatherSource, respCache ResponseCache, static http.Handler, logger *slog.Logger, rec *metrics.Recorder) (*Handler, error) {
	if source == nil {
		return nil, errors.New("server: weather source required")
	}
	if respCache == nil {
		return nil, errors.New("server: response cache required")
	}
	if static == nil {
		static = http.NotFoundHandler()
	}
	h := &Handler{
		source:  source,
		cache:   respCache,
		static:  static,
		logger:  logger.With(slog.String("component", "api")),
		metrics: rec,
	}
	h.SetRoster(nil)
	return h, nil
}

// SetRoster swaps the city list served by /api/cities. Safe to call while
// serving; in-flight requests finish against the roster they started with.
func (h *Handler) SetRoster(cities []config.City) {
	roster := make([]config.City, len(cities))
	copy(roster, cities)
	h.roster.Store(&roster)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/api/") && r.URL.Path != "/healthz" {
		h.static.ServeHTTP(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch r.URL.Path {
	case "/api/weather":
		h.serveWeather(w, r)
	case "/api/cities":
		h.serveCities(w, r)
	case "/healthz":
		h.serveHealth(w, r)
	default:
		h.writeError(w, http.StatusNotFound, "not found")
	}
}

// serveWeather resolves one location, by name or by coordinates, through the
// response cache.
func (h *Handler) serveWeather(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	query, key, err := parseWeatherQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		h.metrics.ObserveRequest("weather", http.StatusBadRequest, false, time.Since(start))
		return
	}

	payload, fromCache, err := h.cache.GetOrFetch(r.Context(), key, func(ctx context.Context) ([]byte, error) {
		report, err := h.source.Fetch(ctx, query)
		if err != nil {
			return nil, err
		}
		return json.Marshal(report)
	})
	if err != nil {
		status, msg := upstreamErrorStatus(err)
		h.logger.Warn("weather lookup failed",
			slog.String("key", key),
			slog.Int("status", status),
			slog.Any("error", err))
		h.writeError(w, status, msg)
		h.metrics.ObserveRequest("weather", status, false, time.Since(start))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if fromCache {
		w.Header().Set("X-Cache", "hit")
	} else {
		w.Header().Set("X-Cache", "miss")
	}
	_, _ = w.Write(payload)
	h.metrics.ObserveRequest("weather", http.StatusOK, fromCache, time.Since(start))
}

// serveCities fans out over the current roster with bounded concurrency. A
// city that fails resolves to an error entry instead of failing the grid.
func (h *Handler) serveCities(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	roster := *h.roster.Load()

	entries := make([]json.RawMessage, len(roster))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(cityFanout)
	for i, city := range roster {
		g.Go(func() error {
			query := weather.Query{City: city.Name, State: city.State, Country: city.Country}
			key := cache.Key(city.Name, city.State, city.Country)
			payload, _, err := h.cache.GetOrFetch(ctx, key, func(ctx context.Context) ([]byte, error) {
				report, err := h.source.Fetch(ctx, query)
				if err != nil {
					return nil, err
				}
				return json.Marshal(report)
			})
			if err != nil {
				_, msg := upstreamErrorStatus(err)
				h.logger.Warn("city lookup failed",
					slog.String("city", city.Name),
					slog.Any("error", err))
				payload, err = json.Marshal(map[string]string{"city": city.Name, "error": msg})
				if err != nil {
					return fmt.Errorf("server: encode city error: %w", err)
				}
			}
			entries[i] = payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal error")
		h.metrics.ObserveRequest("cities", http.StatusInternalServerError, false, time.Since(start))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
	h.metrics.ObserveRequest("cities", http.StatusOK, false, time.Since(start))
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if size, err := h.cache.Size(r.Context()); err == nil {
		body["cache_entries"] = size
	} else {
		h.logger.Warn("cache size unavailable", slog.Any("error", err))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// parseWeatherQuery accepts either a city triple or a lat/lon pair and
// returns the upstream query with its cache key.
func parseWeatherQuery(r *http.Request) (weather.Query, string, error) {
	params := r.URL.Query()
	latStr := strings.TrimSpace(params.Get("lat"))
	lonStr := strings.TrimSpace(params.Get("lon"))
	if latStr != "" || lonStr != "" {
		lat, err := strconv.ParseFloat(latStr, 64)
		if err != nil {
			return weather.Query{}, "", errors.New("invalid lat parameter")
		}
		lon, err := strconv.ParseFloat(lonStr, 64)
		if err != nil {
			return weather.Query{}, "", errors.New("invalid lon parameter")
		}
		q := weather.Query{Lat: lat, Lon: lon, ByCoords: true}
		return q, cache.CoordKey(lat, lon), nil
	}

	city := strings.TrimSpace(params.Get("city"))
	if city == "" {
		return weather.Query{}, "", errors.New("city or lat/lon required")
	}
	state := strings.TrimSpace(params.Get("state"))
	country := strings.TrimSpace(params.Get("country"))
	q := weather.Query{City: city, State: state, Country: country}
	return q, cache.Key(city, state, country), nil
}

// upstreamErrorStatus maps provider failures onto the statuses the JSON API
// exposes. Anything unrecognized reads as a bad gateway.
func upstreamErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, weather.ErrMissingAPIKey), errors.Is(err, weather.ErrBadAPIKey):
		return http.StatusBadGateway, "weather provider rejected the api key"
	case errors.Is(err, weather.ErrNotFound):
		return http.StatusNotFound, "location not found"
	case errors.Is(err, weather.ErrRateLimited):
		return http.StatusTooManyRequests, "weather provider rate limit exceeded"
	default:
		return http.StatusBadGateway, "weather provider unavailable"
	}
}

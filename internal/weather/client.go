package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/skycast/internal/config"
	"github.com/l0p7/skycast/internal/metrics"
)

// Sentinel errors the handlers map onto HTTP statuses. The upstream message is
// wrapped around them so callers can both branch and log.
var (
	ErrMissingAPIKey = errors.New("weather: api key not configured")
	ErrBadAPIKey     = errors.New("weather: invalid api key")
	ErrNotFound      = errors.New("weather: location not found")
	ErrRateLimited   = errors.New("weather: rate limit exceeded")
)

// httpDoer abstracts the HTTP client so tests can stub provider responses.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Query names one location lookup, either by place name or by coordinates.
type Query struct {
	City    string
	State   string
	Country string

	Lat, Lon float64
	ByCoords bool
}

// Report is the trimmed weather payload returned to browsers. Field set and
// rounding follow the provider envelope: whole-degree temperatures, one
// decimal of wind speed, visibility in kilometres.
type Report struct {
	City        string   `json:"city"`
	Country     string   `json:"country"`
	Temperature int      `json:"temperature"`
	FeelsLike   int      `json:"feels_like"`
	Description string   `json:"description"`
	Icon        string   `json:"icon"`
	Humidity    int      `json:"humidity"`
	WindSpeed   float64  `json:"wind_speed"`
	Pressure    int      `json:"pressure"`
	Visibility  *float64 `json:"visibility,omitempty"`
	Sunrise     int64    `json:"sunrise"`
	Sunset      int64    `json:"sunset"`
	Timezone    int      `json:"timezone"`
}

// envelope mirrors the slice of the OpenWeatherMap response the service consumes.
type envelope struct {
	Name    string `json:"name"`
	Sys     struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
		Pressure  int     `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Visibility *int `json:"visibility"`
	Timezone   int  `json:"timezone"`
}

// Client calls the weather provider and shapes its envelope into Reports.
type Client struct {
	baseURL string
	apiKey  string
	units   string
	client  httpDoer
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewClient builds a provider client from the upstream config block. The
// metrics recorder may be nil.
func NewClient(cfg config.UpstreamConfig, logger *slog.Logger, rec *metrics.Recorder) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	units := strings.TrimSpace(strings.ToLower(cfg.Units))
	if units == "" {
		units = "imperial"
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "?"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		units:   units,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		metrics: rec,
	}
}

// Configured reports whether an API key is present. A missing key is a startup
// warning rather than a fatal error, matching the service's historical behavior.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Fetch resolves one location query against the provider. Failures are never
// cached by callers; the error carries the provider's diagnosis.
func (c *Client) Fetch(ctx context.Context, q Query) (Report, error) {
	if c.apiKey == "" {
		return Report{}, ErrMissingAPIKey
	}

	params := url.Values{}
	if q.ByCoords {
		params.Set("lat", strconv.FormatFloat(q.Lat, 'f', 4, 64))
		params.Set("lon", strconv.FormatFloat(q.Lon, 'f', 4, 64))
	} else {
		parts := []string{strings.TrimSpace(q.City)}
		if s := strings.TrimSpace(q.State); s != "" {
			parts = append(parts, s)
		}
		if s := strings.TrimSpace(q.Country); s != "" {
			parts = append(parts, s)
		}
		params.Set("q", strings.Join(parts, ","))
	}
	params.Set("appid", c.apiKey)
	params.Set("units", c.units)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return Report{}, fmt.Errorf("weather: build request: %w", err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.ObserveUpstreamCall(0, time.Since(start))
		return Report{}, fmt.Errorf("weather: fetch: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	c.metrics.ObserveUpstreamCall(resp.StatusCode, time.Since(start))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return Report{}, ErrBadAPIKey
	case http.StatusNotFound:
		return Report{}, fmt.Errorf("%w: %q", ErrNotFound, params.Get("q"))
	case http.StatusTooManyRequests:
		return Report{}, ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Report{}, fmt.Errorf("weather: provider status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Report{}, fmt.Errorf("weather: decode response: %w", err)
	}
	report, err := shapeReport(env)
	if err != nil {
		return Report{}, err
	}
	if c.logger != nil {
		c.logger.Debug("provider fetch complete",
			slog.String("city", report.City),
			slog.String("country", report.Country))
	}
	return report, nil
}

func shapeReport(env envelope) (Report, error) {
	if len(env.Weather) == 0 {
		return Report{}, errors.New("weather: provider response missing conditions")
	}
	report := Report{
		City:        env.Name,
		Country:     env.Sys.Country,
		Temperature: int(math.Round(env.Main.Temp)),
		FeelsLike:   int(math.Round(env.Main.FeelsLike)),
		Description: titleCase(env.Weather[0].Description),
		Icon:        env.Weather[0].Icon,
		Humidity:    env.Main.Humidity,
		WindSpeed:   math.Round(env.Wind.Speed*10) / 10,
		Pressure:    env.Main.Pressure,
		Sunrise:     env.Sys.Sunrise,
		Sunset:      env.Sys.Sunset,
		Timezone:    env.Timezone,
	}
	if env.Visibility != nil && *env.Visibility > 0 {
		km := math.Round(float64(*env.Visibility)/100) / 10
		report.Visibility = &km
	}
	return report, nil
}

// titleCase capitalizes each word of a provider condition description
// ("scattered clouds" -> "Scattered Clouds").
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

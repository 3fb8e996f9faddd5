package weather

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/l0p7/skycast/internal/config"
	"github.com/stretchr/testify/require"
)

type stubDoer struct {
	status  int
	body    string
	err     error
	lastURL string
}

func (s *stubDoer) Do(req *http.Request) (*http.Response, error) {
	s.lastURL = req.URL.String()
	if s.err != nil {
		return nil, s.err
	}
	return &http.Response{
		StatusCode: s.status,
		Body:       io.NopCloser(strings.NewReader(s.body)),
		Header:     make(http.Header),
	}, nil
}

const providerBody = `{
	"name": "London",
	"sys": {"country": "GB", "sunrise": 1700000000, "sunset": 1700040000},
	"main": {"temp": 52.6, "feels_like": 50.2, "humidity": 81, "pressure": 1012},
	"weather": [{"description": "scattered clouds", "icon": "03d"}],
	"wind": {"speed": 7.26},
	"visibility": 10000,
	"timezone": 0
}`

func newTestClient(doer httpDoer) *Client {
	c := NewClient(config.UpstreamConfig{
		BaseURL: "https://api.example.test/data/2.5/weather",
		APIKey:  "abcdef0123456789abcdef0123456789",
	}, nil, nil)
	c.client = doer
	return c
}

func TestFetchShapesReport(t *testing.T) {
	doer := &stubDoer{status: http.StatusOK, body: providerBody}
	c := newTestClient(doer)

	report, err := c.Fetch(context.Background(), Query{City: "London", Country: "GB"})
	require.NoError(t, err)

	require.Equal(t, "London", report.City)
	require.Equal(t, "GB", report.Country)
	require.Equal(t, 53, report.Temperature)
	require.Equal(t, 50, report.FeelsLike)
	require.Equal(t, "Scattered Clouds", report.Description)
	require.Equal(t, "03d", report.Icon)
	require.Equal(t, 81, report.Humidity)
	require.Equal(t, 7.3, report.WindSpeed)
	require.Equal(t, 1012, report.Pressure)
	require.NotNil(t, report.Visibility)
	require.Equal(t, 10.0, *report.Visibility)
	require.Contains(t, doer.lastURL, "q=London%2CGB")
	require.Contains(t, doer.lastURL, "units=imperial")
}

func TestFetchByCoordinates(t *testing.T) {
	doer := &stubDoer{status: http.StatusOK, body: providerBody}
	c := newTestClient(doer)

	_, err := c.Fetch(context.Background(), Query{ByCoords: true, Lat: 51.5074, Lon: -0.1278})
	require.NoError(t, err)
	require.Contains(t, doer.lastURL, "lat=51.5074")
	require.Contains(t, doer.lastURL, "lon=-0.1278")
}

func TestFetchErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unauthorized maps to bad api key", status: http.StatusUnauthorized, want: ErrBadAPIKey},
		{name: "not found maps to unknown location", status: http.StatusNotFound, want: ErrNotFound},
		{name: "too many requests maps to rate limit", status: http.StatusTooManyRequests, want: ErrRateLimited},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(&stubDoer{status: tc.status, body: `{}`})
			_, err := c.Fetch(context.Background(), Query{City: "Atlantis"})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFetchRequiresAPIKey(t *testing.T) {
	c := NewClient(config.UpstreamConfig{BaseURL: "https://api.example.test"}, nil, nil)
	require.False(t, c.Configured())
	_, err := c.Fetch(context.Background(), Query{City: "London"})
	require.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestFetchPropagatesTransportErrors(t *testing.T) {
	boom := errors.New("connection refused")
	c := newTestClient(&stubDoer{err: boom})
	_, err := c.Fetch(context.Background(), Query{City: "London"})
	require.ErrorIs(t, err, boom)
}

func TestFetchRejectsEmptyConditions(t *testing.T) {
	c := newTestClient(&stubDoer{status: http.StatusOK, body: `{"name":"X","weather":[]}`})
	_, err := c.Fetch(context.Background(), Query{City: "X"})
	require.Error(t, err)
}

package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every server-level option plus the city roster once it is loaded.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Cities []City       `koanf:"cities"`

	// InlineCities preserves the roster as it appeared in the main config
	// document so file-driven reloads can fall back to it when the cities
	// file disappears. Excluded from koanf on purpose.
	InlineCities []City `koanf:"-"`

	// CitySource records where the effective roster came from ("default",
	// "inline", or the resolved cities file path).
	CitySource string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs consumed at process start.
type ServerConfig struct {
	Listen   ListenConfig      `koanf:"listen"`
	Logging  LoggingConfig     `koanf:"logging"`
	Cache    ServerCacheConfig `koanf:"cache"`
	Upstream UpstreamConfig    `koanf:"upstream"`
	Cities   CitiesConfig      `koanf:"cities"`
	Edge     EdgeConfig        `koanf:"edge"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ServerCacheConfig bounds the weather response cache.
type ServerCacheConfig struct {
	Backend    string                 `koanf:"backend"`
	TTLSeconds int                    `koanf:"ttlSeconds"`
	Capacity   int                    `koanf:"capacity"`
	Redis      ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// UpstreamConfig points at the weather provider.
type UpstreamConfig struct {
	BaseURL        string `koanf:"baseURL"`
	APIKey         string `koanf:"apiKey"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
	Units          string `koanf:"units"`
}

// CitiesConfig announces an optional external roster document that overrides
// the inline city list and is eligible for hot reload.
type CitiesConfig struct {
	CitiesFile string `koanf:"citiesFile"`
}

// EdgeConfig controls the service-worker-style edge cache that can sit in
// front of the handler chain.
type EdgeConfig struct {
	Enabled           bool   `koanf:"enabled"`
	Version           string `koanf:"version"`
	APITTLMillis      int    `koanf:"apiTTLMillis"`
	RuntimeMaxEntries int    `koanf:"runtimeMaxEntries"`
}

// City is one roster entry shown on the landing grid.
type City struct {
	Name    string `koanf:"name" json:"name"`
	State   string `koanf:"state" json:"state,omitempty"`
	Country string `koanf:"country" json:"country,omitempty"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	if c.Server.Cache.Capacity < 0 {
		return fmt.Errorf("config: server.cache.capacity invalid: %d", c.Server.Cache.Capacity)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if strings.TrimSpace(c.Server.Upstream.BaseURL) == "" {
		return errors.New("config: server.upstream.baseURL required")
	}
	if c.Server.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("config: server.upstream.timeoutSeconds invalid: %d", c.Server.Upstream.TimeoutSeconds)
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Upstream.Units)) {
	case "", "imperial", "metric", "standard":
	default:
		return fmt.Errorf("config: server.upstream.units unsupported: %s", c.Server.Upstream.Units)
	}
	if c.Server.Edge.APITTLMillis < 0 {
		return fmt.Errorf("config: server.edge.apiTTLMillis invalid: %d", c.Server.Edge.APITTLMillis)
	}
	if c.Server.Edge.RuntimeMaxEntries < 0 {
		return fmt.Errorf("config: server.edge.runtimeMaxEntries invalid: %d", c.Server.Edge.RuntimeMaxEntries)
	}
	if c.Server.Edge.Enabled && strings.TrimSpace(c.Server.Edge.Version) == "" {
		return errors.New("config: server.edge.version required when edge cache is enabled")
	}
	for i, city := range c.Cities {
		if strings.TrimSpace(city.Name) == "" {
			return fmt.Errorf("config: cities[%d] name empty", i)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: ServerCacheConfig{
				Backend:    "memory",
				TTLSeconds: 300,
				Capacity:   256,
			},
			Upstream: UpstreamConfig{
				BaseURL:        "https://api.openweathermap.org/data/2.5/weather",
				TimeoutSeconds: 10,
				Units:          "imperial",
			},
			Edge: EdgeConfig{
				Enabled:           false,
				Version:           "v1",
				APITTLMillis:      300_000,
				RuntimeMaxEntries: 64,
			},
		},
	}
}

// DefaultCities returns the roster shown when no inline list or cities file is
// configured.
func DefaultCities() []City {
	return []City{
		{Name: "Fremont", State: "CA", Country: "US"},
		{Name: "New York", State: "NY", Country: "US"},
		{Name: "Los Angeles", State: "CA", Country: "US"},
		{Name: "Chennai", State: "Tamil Nadu", Country: "IN"},
		{Name: "Beijing", Country: "CN"},
		{Name: "Tokyo", Country: "JP"},
		{Name: "Budapest", Country: "HU"},
		{Name: "Phuket", Country: "TH"},
		{Name: "Dubai", Country: "AE"},
	}
}

func cloneCities(in []City) []City {
	if in == nil {
		return nil
	}
	out := make([]City, len(in))
	copy(out, in)
	return out
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so the lifecycle wiring can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.cache.ttlseconds":        "server.cache.ttlSeconds",
			"server.cache.redis.tls.cafile":  "server.cache.redis.tls.caFile",
			"server.upstream.baseurl":        "server.upstream.baseURL",
			"server.upstream.apikey":         "server.upstream.apiKey",
			"server.upstream.timeoutseconds": "server.upstream.timeoutSeconds",
			"server.cities.citiesfile":       "server.cities.citiesFile",
			"server.edge.apittlmillis":       "server.edge.apiTTLMillis",
			"server.edge.runtimemaxentries":  "server.edge.runtimeMaxEntries",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineCities = cloneCities(cfg.Cities)

	roster, source, err := buildCityRoster(ctx, cfg.InlineCities, cfg.Server.Cities)
	if err != nil {
		return Config{}, err
	}
	cfg.Cities = roster
	cfg.CitySource = source
	return cfg, nil
}

// buildCityRoster resolves the effective city list: an external cities file
// wins over the inline list, which wins over the built-in defaults.
func buildCityRoster(ctx context.Context, inline []City, src CitiesConfig) ([]City, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	default:
	}

	path := strings.TrimSpace(src.CitiesFile)
	if path == "" {
		if len(inline) > 0 {
			return cloneCities(inline), "inline", nil
		}
		return DefaultCities(), "default", nil
	}

	parser, err := parserFor(path)
	if err != nil {
		return nil, "", err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, "", fmt.Errorf("config: load cities file %s: %w", path, err)
	}
	var doc struct {
		Cities []City `koanf:"cities"`
	}
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, "", fmt.Errorf("config: unmarshal cities file %s: %w", path, err)
	}
	if len(doc.Cities) == 0 {
		return nil, "", fmt.Errorf("config: cities file %s lists no cities", path)
	}
	for i, city := range doc.Cities {
		if strings.TrimSpace(city.Name) == "" {
			return nil, "", fmt.Errorf("config: cities file %s: cities[%d] name empty", path, i)
		}
	}
	return doc.Cities, path, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	}
	return nil, fmt.Errorf("config: unsupported file extension %q", ext)
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"cache": map[string]any{
				"backend":    cfg.Server.Cache.Backend,
				"ttlSeconds": cfg.Server.Cache.TTLSeconds,
				"capacity":   cfg.Server.Cache.Capacity,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
			"upstream": map[string]any{
				"baseURL":        cfg.Server.Upstream.BaseURL,
				"apiKey":         cfg.Server.Upstream.APIKey,
				"timeoutSeconds": cfg.Server.Upstream.TimeoutSeconds,
				"units":          cfg.Server.Upstream.Units,
			},
			"cities": map[string]any{
				"citiesFile": cfg.Server.Cities.CitiesFile,
			},
			"edge": map[string]any{
				"enabled":           cfg.Server.Edge.Enabled,
				"version":           cfg.Server.Edge.Version,
				"apiTTLMillis":      cfg.Server.Edge.APITTLMillis,
				"runtimeMaxEntries": cfg.Server.Edge.RuntimeMaxEntries,
			},
		},
	}
}

package web

import (
	"bytes"
	"embed"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

//go:embed static
var staticFS embed.FS

// templated lists the assets rendered through the template engine at startup
// so the cache version and TTL knobs are stamped into the shipped sources.
var templated = map[string]bool{
	"sw.js":      true,
	"index.html": true,
}

var contentTypes = map[string]string{
	".html":        "text/html; charset=utf-8",
	".js":          "application/javascript; charset=utf-8",
	".css":         "text/css; charset=utf-8",
	".webmanifest": "application/manifest+json",
	".json":        "application/json",
	".svg":         "image/svg+xml",
}

// Params are the values stamped into the templated assets.
type Params struct {
	CacheVersion string
	APITTLMillis int
}

type asset struct {
	body        []byte
	contentType string
}

// Site serves the embedded browser UI: the landing page, the offline fallback
// page, the service worker, and supporting static files.
type Site struct {
	assets map[string]asset
}

// New renders the embedded assets once with the supplied parameters.
func New(params Params) (*Site, error) {
	if strings.TrimSpace(params.CacheVersion) == "" {
		params.CacheVersion = "v1"
	}
	if params.APITTLMillis <= 0 {
		params.APITTLMillis = 300_000
	}

	entries, err := staticFS.ReadDir("static")
	if err != nil {
		return nil, fmt.Errorf("web: read embedded assets: %w", err)
	}

	site := &Site{assets: make(map[string]asset, len(entries))}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		raw, err := staticFS.ReadFile("static/" + name)
		if err != nil {
			return nil, fmt.Errorf("web: read asset %s: %w", name, err)
		}
		body := raw
		if templated[name] {
			tmpl, err := template.New(name).Funcs(sprig.FuncMap()).Parse(string(raw))
			if err != nil {
				return nil, fmt.Errorf("web: parse asset %s: %w", name, err)
			}
			var buf bytes.Buffer
			if err := tmpl.Execute(&buf, params); err != nil {
				return nil, fmt.Errorf("web: render asset %s: %w", name, err)
			}
			body = buf.Bytes()
		}
		ext := name[strings.LastIndex(name, "."):]
		contentType, ok := contentTypes[ext]
		if !ok {
			contentType = "application/octet-stream"
		}
		site.assets["/"+name] = asset{body: body, contentType: contentType}
	}
	site.assets["/"] = site.assets["/index.html"]
	return site, nil
}

// Handler serves the rendered assets. Navigation to "/" gets the landing
// page; unknown paths 404.
func (s *Site) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := s.assets[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", a.contentType)
		if r.URL.Path == "/sw.js" {
			// Browsers honor this scope hint when the worker is served
			// from a non-root path in future layouts.
			w.Header().Set("Service-Worker-Allowed", "/")
		}
		_, _ = w.Write(a.body)
	})
}

// PrecachePaths lists every served asset path, suitable as the edge worker's
// install-time precache set.
func (s *Site) PrecachePaths() []string {
	paths := make([]string, 0, len(s.assets))
	for path := range s.assets {
		if path == "/index.html" {
			continue // "/" already covers it
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Defaults applied when the worker options leave a knob unset.
const (
	defaultAPITTL     = 5 * time.Minute
	defaultRuntimeMax = 64
	offlinePage       = "/offline.html"
)

// ErrNavigationExhausted is returned when every navigation fallback tier is
// empty. The offline page is expected to be precached at install time, so
// hitting this is a deployment defect rather than a runtime condition.
var ErrNavigationExhausted = errors.New("offline: no navigation fallback available")

// Fetch produces a live response for a request, or an error when the network
// (or inner handler) is unavailable.
type Fetch func(ctx context.Context, req *http.Request) (Snapshot, error)

// requestClass partitions incoming requests into the three policy lanes.
type requestClass int

const (
	classAPI requestClass = iota
	classNavigation
	classStatic
)

// Options configures a Worker.
type Options struct {
	// Version suffixes the bucket names; bumping it orphans the previous
	// deployment's buckets so Activate can collect them.
	Version string
	// APITTL bounds how stale an api-bucket entry may be when served as a
	// network fallback. Zero means the 5 minute default.
	APITTL time.Duration
	// RuntimeMaxEntries bounds the runtime bucket; the oldest entries by
	// insertion order are dropped beyond it. Zero means the default of 64.
	RuntimeMaxEntries int
	// Precache lists the asset paths populated at install time.
	Precache []string
}

// Worker applies the layered offline caching strategy: network-first for
// every class, with per-class fallback tiers and a TTL-stamped api bucket.
type Worker struct {
	storage    CacheStorage
	fetch      Fetch
	version    string
	apiTTL     time.Duration
	runtimeMax int
	precache   []string
	logger     *slog.Logger
}

// NewWorker wires a worker over a cache-store backend and a network function.
func NewWorker(storage CacheStorage, fetch Fetch, opts Options, logger *slog.Logger) (*Worker, error) {
	if storage == nil {
		return nil, errors.New("offline: cache storage required")
	}
	if fetch == nil {
		return nil, errors.New("offline: fetch function required")
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		return nil, errors.New("offline: version required")
	}
	apiTTL := opts.APITTL
	if apiTTL <= 0 {
		apiTTL = defaultAPITTL
	}
	runtimeMax := opts.RuntimeMaxEntries
	if runtimeMax <= 0 {
		runtimeMax = defaultRuntimeMax
	}
	return &Worker{
		storage:    storage,
		fetch:      fetch,
		version:    version,
		apiTTL:     apiTTL,
		runtimeMax: runtimeMax,
		precache:   append([]string(nil), opts.Precache...),
		logger:     logger,
	}, nil
}

func (w *Worker) precacheName() string { return "precache-" + w.version }
func (w *Worker) runtimeName() string  { return "runtime-" + w.version }
func (w *Worker) apiName() string      { return "api-cache-" + w.version }

// Install populates the precache bucket with the configured asset list.
// Individual asset failures are logged and skipped so one broken asset cannot
// block installation.
func (w *Worker) Install(ctx context.Context) error {
	bucket, err := w.storage.Open(w.precacheName())
	if err != nil {
		return fmt.Errorf("offline: open precache: %w", err)
	}
	for _, path := range w.precache {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return fmt.Errorf("offline: precache request %s: %w", path, err)
		}
		snap, err := w.fetch(ctx, req)
		if err != nil || snap.Status < 200 || snap.Status > 299 {
			if w.logger != nil {
				w.logger.Warn("precache asset skipped", slog.String("path", path), slog.Any("error", err))
			}
			continue
		}
		snap.CachedAt = time.Now()
		bucket.Put(path, snap)
	}
	return nil
}

// Activate garbage-collects buckets left behind by previous versions. The
// current version's three buckets survive; everything else is deleted.
func (w *Worker) Activate(ctx context.Context) error {
	keep := map[string]bool{
		w.precacheName(): true,
		w.runtimeName():  true,
		w.apiName():      true,
	}
	for _, name := range w.storage.Names() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if keep[name] {
			continue
		}
		if err := w.storage.Delete(name); err != nil {
			return fmt.Errorf("offline: delete stale bucket %s: %w", name, err)
		}
		if w.logger != nil {
			w.logger.Info("stale cache bucket removed", slog.String("bucket", name))
		}
	}
	return nil
}

// Handle serves one request under the class's caching policy. The bool result
// reports whether the response came from a cache tier rather than the network.
func (w *Worker) Handle(ctx context.Context, req *http.Request) (Snapshot, bool, error) {
	switch classify(req) {
	case classAPI:
		return w.handleAPI(ctx, req)
	case classNavigation:
		return w.handleNavigation(ctx, req)
	default:
		return w.handleStatic(ctx, req)
	}
}

func classify(req *http.Request) requestClass {
	if strings.HasPrefix(req.URL.Path, "/api/") {
		return classAPI
	}
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" ||
		strings.Contains(req.Header.Get("Accept"), "text/html") {
		return classNavigation
	}
	return classStatic
}

func (w *Worker) handleAPI(ctx context.Context, req *http.Request) (Snapshot, bool, error) {
	key := cacheKey(req)
	snap, err := w.fetch(ctx, req)
	if err == nil {
		if snap.Status >= 200 && snap.Status <= 299 {
			if bucket, openErr := w.storage.Open(w.apiName()); openErr == nil {
				snap.CachedAt = time.Now()
				bucket.Put(key, snap)
			}
		}
		return snap, false, nil
	}

	bucket, openErr := w.storage.Open(w.apiName())
	if openErr == nil {
		if cached, ok := bucket.Match(key); ok {
			// TTL is enforced at read time; stale entries are skipped, not swept.
			if time.Since(cached.CachedAt) <= w.apiTTL {
				return cached, true, nil
			}
		}
	}
	return offlineAPIResponse(), false, nil
}

func (w *Worker) handleNavigation(ctx context.Context, req *http.Request) (Snapshot, bool, error) {
	key := cacheKey(req)
	snap, err := w.fetch(ctx, req)
	if err == nil {
		if snap.Status >= 200 && snap.Status <= 299 {
			w.putRuntime(key, snap)
		}
		return snap, false, nil
	}

	precache, _ := w.storage.Open(w.precacheName())
	runtime, _ := w.storage.Open(w.runtimeName())
	for _, tier := range []struct {
		bucket Bucket
		key    string
	}{
		{precache, key},
		{runtime, key},
		{runtime, "/"},
		{precache, "/"},
		{precache, offlinePage},
	} {
		if tier.bucket == nil {
			continue
		}
		if cached, ok := tier.bucket.Match(tier.key); ok {
			return cached, true, nil
		}
	}
	return Snapshot{}, false, ErrNavigationExhausted
}

func (w *Worker) handleStatic(ctx context.Context, req *http.Request) (Snapshot, bool, error) {
	key := cacheKey(req)
	snap, err := w.fetch(ctx, req)
	if err == nil {
		if snap.Status >= 200 && snap.Status <= 299 {
			w.putRuntime(key, snap)
		}
		return snap, false, nil
	}

	if precache, openErr := w.storage.Open(w.precacheName()); openErr == nil {
		if cached, ok := precache.Match(key); ok {
			return cached, true, nil
		}
	}
	if runtime, openErr := w.storage.Open(w.runtimeName()); openErr == nil {
		if cached, ok := runtime.Match(key); ok {
			return cached, true, nil
		}
	}
	return Snapshot{}, false, err
}

// putRuntime stores a runtime entry and opportunistically trims the bucket
// back under its bound, oldest insertion first.
func (w *Worker) putRuntime(key string, snap Snapshot) {
	bucket, err := w.storage.Open(w.runtimeName())
	if err != nil {
		return
	}
	snap.CachedAt = time.Now()
	bucket.Put(key, snap)
	keys := bucket.Keys()
	for len(keys) > w.runtimeMax {
		bucket.Remove(keys[0])
		keys = keys[1:]
	}
}

func cacheKey(req *http.Request) string {
	if req.URL.RawQuery != "" {
		return req.URL.Path + "?" + req.URL.RawQuery
	}
	return req.URL.Path
}

func offlineAPIResponse() Snapshot {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return Snapshot{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   []byte(`{"error":"offline and no fresh cached data available"}`),
	}
}

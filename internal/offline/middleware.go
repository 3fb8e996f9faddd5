package offline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// snapshotWriter captures an inner handler's response so it can be cached
// whole and replayed. It never streams to the client directly.
type snapshotWriter struct {
	status int
	header http.Header
	body   []byte
}

func newSnapshotWriter() *snapshotWriter {
	return &snapshotWriter{status: http.StatusOK, header: make(http.Header)}
}

func (w *snapshotWriter) Header() http.Header { return w.header }

func (w *snapshotWriter) WriteHeader(status int) { w.status = status }

func (w *snapshotWriter) Write(p []byte) (int, error) {
	w.body = append(w.body, p...)
	return len(p), nil
}

func (w *snapshotWriter) snapshot() Snapshot {
	return Snapshot{
		Status: w.status,
		Header: w.header,
		Body:   w.body,
	}
}

// NewEdgeHandler runs a worker in front of an inner handler, treating the
// inner handler as the network. Install and Activate run before the handler
// is returned so the precache set is warm and stale buckets from a previous
// version are collected.
func NewEdgeHandler(ctx context.Context, inner http.Handler, storage CacheStorage, opts Options, logger *slog.Logger) (http.Handler, error) {
	if inner == nil {
		return nil, fmt.Errorf("offline: inner handler required")
	}
	fetch := func(ctx context.Context, req *http.Request) (Snapshot, error) {
		writer := newSnapshotWriter()
		inner.ServeHTTP(writer, req.WithContext(ctx))
		// Upstream-style outages surface as 502/503/504 from the handlers;
		// the worker treats those as network failures so fallback tiers apply.
		if writer.status == http.StatusBadGateway ||
			writer.status == http.StatusServiceUnavailable ||
			writer.status == http.StatusGatewayTimeout {
			return Snapshot{}, fmt.Errorf("offline: inner handler status %d", writer.status)
		}
		return writer.snapshot(), nil
	}

	worker, err := NewWorker(storage, fetch, opts, logger)
	if err != nil {
		return nil, err
	}
	if err := worker.Install(ctx); err != nil {
		return nil, err
	}
	if err := worker.Activate(ctx); err != nil {
		return nil, err
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		snap, fromCache, err := worker.Handle(r.Context(), r)
		if err != nil {
			if logger != nil {
				logger.Error("edge cache exhausted", slog.String("path", r.URL.Path), slog.Any("error", err))
			}
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		for name, values := range snap.Header {
			for _, value := range values {
				w.Header().Add(name, value)
			}
		}
		if fromCache {
			w.Header().Set("X-Edge-Cache", "hit")
		} else {
			w.Header().Set("X-Edge-Cache", "miss")
		}
		w.WriteHeader(snap.Status)
		_, _ = w.Write(snap.Body)
		if logger != nil {
			logger.Debug("edge request served",
				slog.String("path", r.URL.Path),
				slog.Bool("from_cache", fromCache),
				slog.Duration("elapsed", time.Since(start)))
		}
	}), nil
}

package offline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestEdgeHandlerServesCachedAPIDuringOutage(t *testing.T) {
	var down atomic.Bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"city":"London"}`))
	})

	handler, err := NewEdgeHandler(context.Background(), inner, NewMemoryStorage(), Options{
		Version: "v1",
		APITTL:  time.Minute,
	}, nil)
	if err != nil {
		t.Fatalf("new edge handler: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/weather?city=London", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("online request: %d", rr.Code)
	}
	if rr.Header().Get("X-Edge-Cache") != "miss" {
		t.Fatalf("expected miss marker, got %q", rr.Header().Get("X-Edge-Cache"))
	}

	down.Store(true)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/weather?city=London", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("outage request: %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Edge-Cache") != "hit" {
		t.Fatalf("expected hit marker, got %q", rr.Header().Get("X-Edge-Cache"))
	}
	if rr.Body.String() != `{"city":"London"}` {
		t.Fatalf("unexpected cached body: %s", rr.Body.String())
	}
}

func TestEdgeHandlerSynthesizesErrorForColdAPIOutage(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	handler, err := NewEdgeHandler(context.Background(), inner, NewMemoryStorage(), Options{Version: "v1"}, nil)
	if err != nil {
		t.Fatalf("new edge handler: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/weather?city=Nowhere", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected json error, got %q", rr.Header().Get("Content-Type"))
	}
}

func TestEdgeHandlerPrecachesAtConstruction(t *testing.T) {
	var hits atomic.Int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("asset " + r.URL.Path))
	})

	storage := NewMemoryStorage()
	_, err := NewEdgeHandler(context.Background(), inner, storage, Options{
		Version:  "v3",
		Precache: []string{"/", "/static/app.js", "/offline.html"},
	}, nil)
	if err != nil {
		t.Fatalf("new edge handler: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected 3 precache fetches, got %d", got)
	}

	bucket, err := storage.Open("precache-v3")
	if err != nil {
		t.Fatalf("open precache: %v", err)
	}
	for _, path := range []string{"/", "/static/app.js", "/offline.html"} {
		if _, ok := bucket.Match(path); !ok {
			t.Fatalf("expected %s to be precached", path)
		}
	}
}

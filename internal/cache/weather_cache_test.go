package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrFetchCachesSuccess(t *testing.T) {
	wc := NewWeatherCache(NewMemory(time.Minute, 8), time.Minute, nil, nil)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("payload"), nil
	}

	payload, fromCache, err := wc.GetOrFetch(ctx, "k", fetch)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if fromCache {
		t.Fatalf("first call should not come from cache")
	}
	if string(payload) != "payload" {
		t.Fatalf("unexpected payload: %s", payload)
	}

	payload, fromCache, err = wc.GetOrFetch(ctx, "k", fetch)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if !fromCache {
		t.Fatalf("second call should come from cache")
	}
	if string(payload) != "payload" {
		t.Fatalf("unexpected cached payload: %s", payload)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one upstream fetch, got %d", got)
	}
}

func TestGetOrFetchNeverCachesFailures(t *testing.T) {
	wc := NewWeatherCache(NewMemory(time.Minute, 8), time.Minute, nil, nil)
	ctx := context.Background()

	boom := errors.New("upstream down")
	var calls atomic.Int32
	failing := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, boom
	}

	if _, _, err := wc.GetOrFetch(ctx, "k", failing); !errors.Is(err, boom) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if _, _, err := wc.GetOrFetch(ctx, "k", failing); !errors.Is(err, boom) {
		t.Fatalf("expected upstream error on retry, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected two upstream fetches for uncached failures, got %d", got)
	}
	if size, _ := wc.Size(ctx); size != 0 {
		t.Fatalf("expected failures to stay uncached, size %d", size)
	}
}

func TestGetOrFetchExpiryTriggersRefetch(t *testing.T) {
	ttl := 30 * time.Millisecond
	wc := NewWeatherCache(NewMemory(ttl, 8), ttl, nil, nil)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("v"), nil
	}

	if _, _, err := wc.GetOrFetch(ctx, "k", fetch); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, fromCache, _ := wc.GetOrFetch(ctx, "k", fetch); !fromCache {
		t.Fatalf("expected hit before expiry")
	}

	time.Sleep(2 * ttl)
	if _, fromCache, _ := wc.GetOrFetch(ctx, "k", fetch); fromCache {
		t.Fatalf("expected refetch after expiry")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected two upstream fetches, got %d", got)
	}
}

func TestGetOrFetchSuppressesDuplicateFetches(t *testing.T) {
	wc := NewWeatherCache(NewMemory(time.Minute, 8), time.Minute, nil, nil)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("shared"), nil
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make([][]byte, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = wc.GetOrFetch(ctx, "same-key", fetch)
		}(i)
	}

	// Let every goroutine reach the cache before the flight completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one upstream fetch, got %d", got)
	}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d error: %v", i, errs[i])
		}
		if string(results[i]) != "shared" {
			t.Fatalf("worker %d payload: %s", i, results[i])
		}
	}
}

func TestGetOrFetchDistinctKeysDoNotSerialize(t *testing.T) {
	wc := NewWeatherCache(NewMemory(time.Minute, 8), time.Minute, nil, nil)
	ctx := context.Background()

	firstStarted := make(chan struct{})
	firstRelease := make(chan struct{})
	go func() {
		_, _, _ = wc.GetOrFetch(ctx, "slow", func(context.Context) ([]byte, error) {
			close(firstStarted)
			<-firstRelease
			return []byte("slow"), nil
		})
	}()
	<-firstStarted

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = wc.GetOrFetch(ctx, "fast", func(context.Context) ([]byte, error) {
			return []byte("fast"), nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch for a distinct key blocked behind an unrelated in-flight fetch")
	}
	close(firstRelease)
}

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lucia-home/lucia/runtime/lucia"
)

// TestMemoryCacheGetSetDelete tests basic cache operations.
func TestMemoryCacheGetSetDelete(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	card := &lucia.AgentCard{
		ID:          "test-id",
		Name:        "test-agent",
		Description: "A test agent",
		Version:     "1.0.0",
		Capabilities: []string{"timers"},
	}

	err := cache.Set(ctx, "key1", card, time.Hour)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := cache.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for existing key")
	}
	if got.ID != card.ID {
		t.Errorf("Get returned wrong ID: got %q, want %q", got.ID, card.ID)
	}
	if got.Name != card.Name {
		t.Errorf("Get returned wrong Name: got %q, want %q", got.Name, card.Name)
	}

	got, err = cache.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get for nonexistent key failed: %v", err)
	}
	if got != nil {
		t.Error("Get returned non-nil for nonexistent key")
	}

	err = cache.Delete(ctx, "key1")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err = cache.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get after Delete failed: %v", err)
	}
	if got != nil {
		t.Error("Get returned non-nil after Delete")
	}
}

// TestMemoryCacheTTLExpiration tests that entries expire after TTL.
func TestMemoryCacheTTLExpiration(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	card := &lucia.AgentCard{ID: "expiring-id", Name: "expiring-agent"}

	err := cache.Set(ctx, "expiring-key", card, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := cache.Get(ctx, "expiring-key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil before TTL expiration")
	}

	time.Sleep(100 * time.Millisecond)

	got, err = cache.Get(ctx, "expiring-key")
	if err != nil {
		t.Fatalf("Get after expiration failed: %v", err)
	}
	if got != nil {
		t.Error("Get returned non-nil after TTL expiration")
	}
}

// TestMemoryCacheClear tests the Clear method.
func TestMemoryCacheClear(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	for i := range 5 {
		card := &lucia.AgentCard{
			ID:   string(rune('a' + i)),
			Name: string(rune('a' + i)),
		}
		if err := cache.Set(ctx, card.ID, card, time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	if cache.Len() != 5 {
		t.Errorf("Len before Clear: got %d, want 5", cache.Len())
	}

	cache.Clear()

	if cache.Len() != 0 {
		t.Errorf("Len after Clear: got %d, want 0", cache.Len())
	}
}

// TestMemoryCacheLen tests the Len method.
func TestMemoryCacheLen(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	if cache.Len() != 0 {
		t.Errorf("Len of empty cache: got %d, want 0", cache.Len())
	}

	card := &lucia.AgentCard{ID: "test", Name: "test"}
	if err := cache.Set(ctx, "key1", card, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if cache.Len() != 1 {
		t.Errorf("Len after one Set: got %d, want 1", cache.Len())
	}

	if err := cache.Set(ctx, "key2", card, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if cache.Len() != 2 {
		t.Errorf("Len after two Sets: got %d, want 2", cache.Len())
	}
}

// TestMemoryCacheOverwrite tests that Set overwrites existing entries.
func TestMemoryCacheOverwrite(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	card1 := &lucia.AgentCard{ID: "id1", Name: "name1", Version: "1.0"}
	card2 := &lucia.AgentCard{ID: "id2", Name: "name2", Version: "2.0"}

	if err := cache.Set(ctx, "key", card1, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, _ := cache.Get(ctx, "key")
	if got.Version != "1.0" {
		t.Errorf("Version before overwrite: got %q, want %q", got.Version, "1.0")
	}

	if err := cache.Set(ctx, "key", card2, time.Hour); err != nil {
		t.Fatalf("Set (overwrite) failed: %v", err)
	}

	got, _ = cache.Get(ctx, "key")
	if got.Version != "2.0" {
		t.Errorf("Version after overwrite: got %q, want %q", got.Version, "2.0")
	}

	if cache.Len() != 1 {
		t.Errorf("Len after overwrite: got %d, want 1", cache.Len())
	}
}

// TestMemoryCacheConcurrency tests concurrent access to the cache.
func TestMemoryCacheConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache := NewMemoryCache()

	var wg sync.WaitGroup
	numGoroutines := 10
	numOperations := 100

	for i := range numGoroutines {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range numOperations {
				card := &lucia.AgentCard{ID: "concurrent", Name: "concurrent"}
				key := string(rune('a' + (id+j)%26))
				_ = cache.Set(ctx, key, card, time.Hour)
			}
		}(i)
	}

	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range numOperations {
				key := string(rune('a' + j%26))
				_, _ = cache.Get(ctx, key)
			}
		}()
	}

	wg.Wait()
}

// TestMemoryCacheDeleteNonExistent tests deleting a non-existent key.
func TestMemoryCacheDeleteNonExistent(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	err := cache.Delete(ctx, "nonexistent")
	if err != nil {
		t.Errorf("Delete of nonexistent key returned error: %v", err)
	}
}

// TestMemoryCacheBackgroundRefresh tests the background refresh functionality.
func TestMemoryCacheBackgroundRefresh(t *testing.T) {
	ctx := context.Background()

	refreshCalled := make(chan string, 10)
	refreshFunc := func(_ context.Context, key string) (*lucia.AgentCard, error) {
		refreshCalled <- key
		return &lucia.AgentCard{ID: "refreshed-" + key, Name: "refreshed", Version: "2.0"}, nil
	}

	cache := NewMemoryCache(
		WithRefreshFunc(refreshFunc),
		WithRefreshCooldown(10*time.Millisecond),
	)

	cache.StartRefresh(ctx)
	defer cache.StopRefresh()

	card := &lucia.AgentCard{ID: "original", Name: "original", Version: "1.0"}
	if err := cache.Set(ctx, "refresh-key", card, 100*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(90 * time.Millisecond)

	_, _ = cache.Get(ctx, "refresh-key")

	select {
	case key := <-refreshCalled:
		if key != "refresh-key" {
			t.Errorf("Refresh called with wrong key: got %q, want %q", key, "refresh-key")
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("Refresh was not triggered within timeout")
	}

	time.Sleep(50 * time.Millisecond)

	got, _ := cache.Get(ctx, "refresh-key")
	if got == nil {
		t.Fatal("Get returned nil after refresh")
	}
	if got.Version != "2.0" {
		t.Errorf("Version after refresh: got %q, want %q", got.Version, "2.0")
	}
}

// TestMemoryCacheRefreshCooldown tests that refresh respects cooldown period.
func TestMemoryCacheRefreshCooldown(t *testing.T) {
	ctx := context.Background()

	refreshCount := 0
	var mu sync.Mutex
	refreshFunc := func(_ context.Context, _ string) (*lucia.AgentCard, error) {
		mu.Lock()
		refreshCount++
		mu.Unlock()
		return &lucia.AgentCard{ID: "refreshed", Name: "refreshed"}, nil
	}

	cache := NewMemoryCache(
		WithRefreshFunc(refreshFunc),
		WithRefreshCooldown(200*time.Millisecond),
	)

	cache.StartRefresh(ctx)
	defer cache.StopRefresh()

	card := &lucia.AgentCard{ID: "original", Name: "original"}
	if err := cache.Set(ctx, "cooldown-key", card, 50*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(45 * time.Millisecond)

	for range 5 {
		_, _ = cache.Get(ctx, "cooldown-key")
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	count := refreshCount
	mu.Unlock()

	if count > 1 {
		t.Errorf("Refresh called %d times, expected at most 1 due to cooldown", count)
	}
}

// TestMemoryCacheRefreshNotStarted tests that refresh doesn't trigger when not started.
func TestMemoryCacheRefreshNotStarted(t *testing.T) {
	ctx := context.Background()

	refreshCalled := false
	refreshFunc := func(_ context.Context, _ string) (*lucia.AgentCard, error) {
		refreshCalled = true
		return &lucia.AgentCard{ID: "refreshed", Name: "refreshed"}, nil
	}

	cache := NewMemoryCache(WithRefreshFunc(refreshFunc))
	// Note: NOT calling StartRefresh

	card := &lucia.AgentCard{ID: "original", Name: "original"}
	if err := cache.Set(ctx, "no-refresh-key", card, 50*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(45 * time.Millisecond)

	_, _ = cache.Get(ctx, "no-refresh-key")

	time.Sleep(50 * time.Millisecond)

	if refreshCalled {
		t.Error("Refresh was called even though StartRefresh was not called")
	}
}

// TestNoopCacheImplementsInterface tests that noopCache implements Cache interface.
func TestNoopCacheImplementsInterface(t *testing.T) {
	var _ Cache = &noopCache{}

	ctx := context.Background()
	cache := &noopCache{}

	got, err := cache.Get(ctx, "any-key")
	if err != nil {
		t.Errorf("noopCache.Get returned error: %v", err)
	}
	if got != nil {
		t.Error("noopCache.Get returned non-nil")
	}

	err = cache.Set(ctx, "any-key", &lucia.AgentCard{}, time.Hour)
	if err != nil {
		t.Errorf("noopCache.Set returned error: %v", err)
	}

	err = cache.Delete(ctx, "any-key")
	if err != nil {
		t.Errorf("noopCache.Delete returned error: %v", err)
	}
}

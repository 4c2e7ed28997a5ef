package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucia-home/lucia/runtime/lucia"
)

// mockPeerClient implements PeerClient for testing.
type mockPeerClient struct {
	available atomic.Bool
	cards     []lucia.AgentCard
}

func newMockPeerClient(cards ...lucia.AgentCard) *mockPeerClient {
	c := &mockPeerClient{cards: cards}
	c.available.Store(true)
	return c
}

func (c *mockPeerClient) SetAvailable(available bool) { c.available.Store(available) }

func (c *mockPeerClient) ListAgents(_ context.Context) ([]lucia.AgentCard, error) {
	if !c.available.Load() {
		return nil, errors.New("peer unavailable")
	}
	return c.cards, nil
}

func (c *mockPeerClient) GetAgent(_ context.Context, id string) (lucia.AgentCard, error) {
	if !c.available.Load() {
		return lucia.AgentCard{}, errors.New("peer unavailable")
	}
	for _, card := range c.cards {
		if card.ID == id {
			return card, nil
		}
	}
	return lucia.AgentCard{}, errors.New("not found")
}

func TestNewRegistry(t *testing.T) {
	t.Run("creates registry with defaults", func(t *testing.T) {
		r := NewRegistry()
		if r == nil {
			t.Fatal("NewRegistry returned nil")
		}
		if r.local == nil || r.peers == nil {
			t.Fatal("maps not initialized")
		}
		if r.cache == nil || r.logger == nil || r.metrics == nil || r.tracer == nil {
			t.Error("noop dependencies not defaulted")
		}
	})

	t.Run("applies options", func(t *testing.T) {
		cache := NewMemoryCache()
		r := NewRegistry(WithCache(cache))
		if r.cache != cache {
			t.Error("custom cache not applied")
		}
	})
}

func TestRegisterGetList(t *testing.T) {
	r := NewRegistry()
	card := lucia.AgentCard{ID: "timer", Name: "Timer Agent", Capabilities: []string{"timers"}}
	invoker := lucia.InvokerFunc(noopInvoke)

	if err := r.Register(card, invoker); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, ok := r.Get("timer")
	if !ok {
		t.Fatal("Get returned not found")
	}
	if got.Name != "Timer Agent" {
		t.Errorf("Get: got name %q, want %q", got.Name, "Timer Agent")
	}

	list := r.List()
	if len(list) != 1 || list[0].ID != "timer" {
		t.Errorf("List: got %+v", list)
	}

	r.Unregister("timer")
	if _, ok := r.Get("timer"); ok {
		t.Error("agent should be gone after Unregister")
	}
}

func TestRegisterRejectsMissingID(t *testing.T) {
	r := NewRegistry()
	invoker := lucia.InvokerFunc(noopInvoke)
	if err := r.Register(lucia.AgentCard{}, invoker); err == nil {
		t.Error("expected error for card without id")
	}
	if err := r.Register(lucia.AgentCard{ID: "x"}, nil); err == nil {
		t.Error("expected error for nil invoker")
	}
}

func TestFindByCapability(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(lucia.AgentCard{ID: "timer", Capabilities: []string{"timers"}}, lucia.InvokerFunc(noopInvoke))
	_ = r.Register(lucia.AgentCard{ID: "lights", Capabilities: []string{"lighting"}}, lucia.InvokerFunc(noopInvoke))
	_ = r.Register(lucia.AgentCard{ID: "scenes", Capabilities: []string{"lighting", "timers"}}, lucia.InvokerFunc(noopInvoke))

	got := r.FindByCapability("timers")
	if len(got) != 2 {
		t.Fatalf("expected 2 agents with 'timers', got %d: %+v", len(got), got)
	}
	if got[0].ID != "scenes" || got[1].ID != "timer" {
		t.Errorf("expected stable id order [scenes, timer], got %v", []string{got[0].ID, got[1].ID})
	}
}

func TestResolveInvokerPrefersLocal(t *testing.T) {
	r := NewRegistry()
	called := false
	_ = r.Register(lucia.AgentCard{ID: "timer", URL: "https://remote.example.com"}, lucia.InvokerFunc(
		func(_ context.Context, req lucia.InvokeRequest) (lucia.AgentResponse, error) {
			called = true
			return lucia.AgentResponse{AgentID: req.AgentID, Success: true}, nil
		}))

	inv, err := r.ResolveInvoker(context.Background(), "timer")
	if err != nil {
		t.Fatalf("ResolveInvoker failed: %v", err)
	}
	if _, err := inv.Invoke(context.Background(), lucia.InvokeRequest{AgentID: "timer"}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !called {
		t.Error("expected local invoker to be used even though card has a URL")
	}
}

func TestResolveInvokerUnknownAgent(t *testing.T) {
	r := NewRegistry()
	_, err := r.ResolveInvoker(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
	var unknown *lucia.UnknownAgent
	if !errors.As(err, &unknown) {
		t.Errorf("expected *lucia.UnknownAgent, got %T", err)
	}
}

func TestAddPeerAndSync(t *testing.T) {
	r := NewRegistry()
	client := newMockPeerClient(
		lucia.AgentCard{ID: "weather", Capabilities: []string{"weather"}},
	)
	r.AddPeer("home-b", client, PeerConfig{CacheTTL: time.Hour})

	r.mu.RLock()
	entry := r.peers["home-b"]
	r.mu.RUnlock()
	if entry == nil {
		t.Fatal("peer not registered")
	}

	r.syncCtx = context.Background()
	r.doSync("home-b", entry)

	card, ok := r.Get("weather")
	if !ok {
		t.Fatal("expected synced card to be found")
	}
	if card.ID != "weather" {
		t.Errorf("got card %+v", card)
	}

	list := r.List()
	if len(list) != 1 {
		t.Errorf("expected 1 card in list, got %d", len(list))
	}
}

func TestDoSyncFederationFilter(t *testing.T) {
	r := NewRegistry()
	client := newMockPeerClient(
		lucia.AgentCard{ID: "weather", Capabilities: []string{"weather"}},
		lucia.AgentCard{ID: "internal-debug", Capabilities: []string{"debug"}},
	)
	r.AddPeer("home-b", client, PeerConfig{
		Federation: &FederationConfig{Exclude: []string{"debug"}},
	})

	r.mu.RLock()
	entry := r.peers["home-b"]
	r.mu.RUnlock()
	r.syncCtx = context.Background()
	r.doSync("home-b", entry)

	if _, ok := r.Get("internal-debug"); ok {
		t.Error("excluded capability should not be imported")
	}
	if _, ok := r.Get("weather"); !ok {
		t.Error("non-excluded capability should be imported")
	}
}

func TestDoSyncKeepsLastSnapshotOnFailure(t *testing.T) {
	r := NewRegistry()
	client := newMockPeerClient(lucia.AgentCard{ID: "weather"})
	r.AddPeer("home-b", client, PeerConfig{})

	r.mu.RLock()
	entry := r.peers["home-b"]
	r.mu.RUnlock()
	r.syncCtx = context.Background()
	r.doSync("home-b", entry)

	client.SetAvailable(false)
	r.doSync("home-b", entry)

	if _, ok := r.Get("weather"); !ok {
		t.Error("last-known snapshot should survive a failed sync")
	}
}

func TestStartStopSync(t *testing.T) {
	r := NewRegistry()
	client := newMockPeerClient(lucia.AgentCard{ID: "weather"})
	r.AddPeer("home-b", client, PeerConfig{SyncInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.StartSync(ctx); err != nil {
		t.Fatalf("StartSync failed: %v", err)
	}
	if err := r.StartSync(ctx); err == nil {
		t.Error("expected error starting sync twice")
	}

	time.Sleep(30 * time.Millisecond)
	r.StopSync()

	if _, ok := r.Get("weather"); !ok {
		t.Error("expected card discovered by background sync")
	}
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"timers", "timers", true},
		{"*", "anything", true},
		{"light*", "lighting", true},
		{"light*", "timers", false},
		{"timers", "lighting", false},
	}
	for _, tc := range cases {
		if got := matchGlob(tc.pattern, tc.name); got != tc.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func noopInvoke(_ context.Context, req lucia.InvokeRequest) (lucia.AgentResponse, error) {
	return lucia.AgentResponse{AgentID: req.AgentID, Success: true}, nil
}

// Package registry implements the agent registry and card resolver: the
// component every request starts from to turn an agent id into a callable
// Invoker. Local agents register directly in-process; remote agents are
// discovered from federation peers (other Lucia instances) and cached with
// a fallback-on-unavailability policy.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lucia-home/lucia/runtime/a2a"
	"github.com/lucia-home/lucia/runtime/a2a/httpclient"
	"github.com/lucia-home/lucia/runtime/a2a/types"
	"github.com/lucia-home/lucia/runtime/agent/telemetry"
	"github.com/lucia-home/lucia/runtime/lucia"
)

type (
	// Registry resolves agent ids to Invokers, preferring a locally
	// registered agent over a federated one with the same id.
	Registry struct {
		mu      sync.RWMutex
		local   map[string]localAgent
		remote  map[string]lucia.AgentCard
		peers   map[string]*peerEntry
		cache   Cache
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		obs     *Observability

		syncCtx    context.Context
		syncCancel context.CancelFunc
		syncWg     sync.WaitGroup
	}

	// localAgent pairs a card with the in-process invoker that serves it.
	localAgent struct {
		card    lucia.AgentCard
		invoker lucia.Invoker
	}

	// peerEntry holds a federation peer client and its last-known catalog.
	peerEntry struct {
		client       PeerClient
		syncInterval time.Duration
		cacheTTL     time.Duration
		federation   *FederationConfig

		mu    sync.RWMutex
		cards map[string]lucia.AgentCard
	}

	// FederationConfig filters which agents are imported from a peer.
	FederationConfig struct {
		// Include patterns for capability tags to import. Empty means all.
		Include []string
		// Exclude patterns for capability tags to skip.
		Exclude []string
	}

	// PeerClient is how the registry talks to a federation peer: another
	// Lucia instance exposing its own agent catalog over HTTP.
	PeerClient interface {
		// ListAgents returns the peer's full agent catalog.
		ListAgents(ctx context.Context) ([]lucia.AgentCard, error)
		// GetAgent retrieves a single agent card by id.
		GetAgent(ctx context.Context, id string) (lucia.AgentCard, error)
	}

	// Option configures a Registry.
	Option func(*Registry)
)

// WithCache sets the cache implementation used for federated card lookups.
func WithCache(c Cache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithLogger sets the logger for the registry.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics recorder for the registry.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer sets the tracer for the registry.
func WithTracer(t telemetry.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// NewRegistry creates an empty registry with the given options.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		local:  make(map[string]localAgent),
		remote: make(map[string]lucia.AgentCard),
		peers:  make(map[string]*peerEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.cache == nil {
		r.cache = &noopCache{}
	}
	if r.logger == nil {
		r.logger = &noopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &noopMetrics{}
	}
	if r.tracer == nil {
		r.tracer = &noopTracer{}
	}
	r.obs = NewObservability(r.logger, r.metrics, r.tracer)
	return r
}

// PeerConfig holds configuration for a federation peer.
type PeerConfig struct {
	// SyncInterval specifies how often to refresh the peer's catalog. Zero
	// disables background sync; ResolveInvoker/List still work on demand.
	SyncInterval time.Duration
	// CacheTTL specifies how long an individually-resolved card stays cached
	// once the peer becomes unavailable. Zero defaults to one hour.
	CacheTTL time.Duration
	// Federation filters which capability tags are imported from this peer.
	Federation *FederationConfig
}

// Register adds or replaces a local agent. Registering under an id already
// held by a federation peer makes the local agent win future resolutions.
func (r *Registry) Register(card lucia.AgentCard, invoker lucia.Invoker) error {
	if card.ID == "" {
		return fmt.Errorf("agent card must have an id")
	}
	if invoker == nil {
		return fmt.Errorf("agent %q: invoker must not be nil", card.ID)
	}

	ctx := context.Background()
	start := time.Now()
	r.mu.Lock()
	r.local[card.ID] = localAgent{card: card, invoker: invoker}
	r.mu.Unlock()

	event := OperationEvent{
		Operation: OpRegister,
		AgentID:   card.ID,
		Duration:  time.Since(start),
		Outcome:   OutcomeSuccess,
	}
	r.obs.LogOperation(ctx, event)
	r.obs.RecordOperationMetrics(event)
	return nil
}

// RegisterRemote registers a card for a remote agent directly, without going
// through federation peer discovery. This is the §4.1 "construct a remote
// invoker bound to the card's url" path for an agent known up front (for
// example from static configuration) rather than synced from another Lucia
// instance. The card must carry a non-empty URL.
func (r *Registry) RegisterRemote(card lucia.AgentCard) error {
	if card.ID == "" {
		return fmt.Errorf("agent card must have an id")
	}
	if card.URL == "" {
		return fmt.Errorf("agent %q: remote card must have a url", card.ID)
	}

	ctx := context.Background()
	start := time.Now()
	r.mu.Lock()
	r.remote[card.ID] = card
	r.mu.Unlock()

	event := OperationEvent{
		Operation: OpRegister,
		AgentID:   card.ID,
		Registry:  "a2a",
		Duration:  time.Since(start),
		Outcome:   OutcomeSuccess,
	}
	r.obs.LogOperation(ctx, event)
	r.obs.RecordOperationMetrics(event)
	return nil
}

// Unregister removes a local or directly-registered remote agent. It is a
// no-op if the id is unknown or only known via a federation peer.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.local, id)
	delete(r.remote, id)
	r.mu.Unlock()

	r.obs.LogOperation(context.Background(), OperationEvent{
		Operation: OpDeregister,
		AgentID:   id,
		Outcome:   OutcomeSuccess,
	})
}

// Get returns the card for id, checking local agents first, then the
// last-known snapshot of every federation peer.
func (r *Registry) Get(id string) (lucia.AgentCard, bool) {
	r.mu.RLock()
	local, ok := r.local[id]
	remote, remoteOK := r.remote[id]
	peers := make([]*peerEntry, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	if ok {
		return local.card, true
	}
	if remoteOK {
		return remote, true
	}
	for _, p := range peers {
		p.mu.RLock()
		card, ok := p.cards[id]
		p.mu.RUnlock()
		if ok {
			return card, true
		}
	}
	return lucia.AgentCard{}, false
}

// List returns every known card sorted by id so callers (catalog endpoints,
// routing prompts) see deterministic output. A local agent hides a remote or
// peer card with the same id.
func (r *Registry) List() []lucia.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]lucia.AgentCard, 0, len(r.local)+len(r.remote))
	for _, a := range r.local {
		out = append(out, a.card)
	}
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[c.ID] = true
	}
	for id, card := range r.remote {
		if !seen[id] {
			out = append(out, card)
			seen[id] = true
		}
	}
	for _, p := range r.peers {
		p.mu.RLock()
		for id, card := range p.cards {
			if !seen[id] {
				out = append(out, card)
				seen[id] = true
			}
		}
		p.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByCapability returns every known card declaring tag, sorted by id.
func (r *Registry) FindByCapability(tag string) []lucia.AgentCard {
	var out []lucia.AgentCard
	for _, c := range r.List() {
		if c.HasCapability(tag) {
			out = append(out, c)
		}
	}
	return out
}

// ResolveInvoker resolves id to an Invoker: the local invoker if registered,
// otherwise an A2A client wrapping the remote card's URL. It logs which
// source ("local" or "a2a") served the resolution.
func (r *Registry) ResolveInvoker(ctx context.Context, id string) (lucia.Invoker, error) {
	start := time.Now()
	ctx, span := r.obs.StartSpan(ctx, OpResolveInvoker, attribute.String("agent_id", id))

	var outcome OperationOutcome
	var opErr error
	source := "local"
	defer func() {
		event := OperationEvent{
			Operation: OpResolveInvoker,
			AgentID:   id,
			Registry:  source,
			Duration:  time.Since(start),
			Outcome:   outcome,
		}
		if opErr != nil {
			event.Error = opErr.Error()
		}
		r.obs.LogOperation(ctx, event)
		r.obs.RecordOperationMetrics(event)
		r.obs.EndSpan(span, outcome, opErr)
	}()

	r.mu.RLock()
	local, ok := r.local[id]
	r.mu.RUnlock()
	if ok {
		outcome = OutcomeSuccess
		return local.invoker, nil
	}

	source = "a2a"
	r.mu.RLock()
	card, ok := r.remote[id]
	r.mu.RUnlock()
	if !ok {
		card, ok = r.Get(id)
	}
	if !ok {
		r.mu.RLock()
		peerNames := make([]string, 0, len(r.peers))
		for name := range r.peers {
			peerNames = append(peerNames, name)
		}
		r.mu.RUnlock()
		for _, name := range peerNames {
			if fetched, err := r.discoverAgentCard(ctx, name, id); err == nil && fetched != nil {
				card, ok = *fetched, true
				break
			}
		}
	}
	if !ok {
		outcome = OutcomeError
		opErr = &lucia.UnknownAgent{AgentID: id}
		return nil, opErr
	}
	if !card.IsRemote() {
		outcome = OutcomeError
		opErr = fmt.Errorf("agent %q has no url and no local invoker", id)
		return nil, opErr
	}

	client, err := httpclient.New(card.URL)
	if err != nil {
		outcome = OutcomeError
		opErr = fmt.Errorf("building a2a client for agent %q: %w", id, err)
		return nil, opErr
	}

	outcome = OutcomeSuccess
	return remoteInvoker{agentID: id, caller: client}, nil
}

// AddPeer registers a federation peer so its agents become resolvable once
// synced or looked up on demand.
func (r *Registry) AddPeer(name string, client PeerClient, cfg PeerConfig) {
	ctx := context.Background()
	start := time.Now()

	r.mu.Lock()
	r.peers[name] = &peerEntry{
		client:       client,
		syncInterval: cfg.SyncInterval,
		cacheTTL:     cfg.CacheTTL,
		federation:   cfg.Federation,
		cards:        make(map[string]lucia.AgentCard),
	}
	r.mu.Unlock()

	event := OperationEvent{
		Operation: OpRegister,
		Registry:  name,
		Duration:  time.Since(start),
		Outcome:   OutcomeSuccess,
	}
	r.obs.LogOperation(ctx, event)
	r.obs.RecordOperationMetrics(event)
}

// StartSync starts the background sync loop for every federation peer that
// has a non-zero SyncInterval.
func (r *Registry) StartSync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.syncCancel != nil {
		return fmt.Errorf("sync loop already running")
	}

	r.syncCtx, r.syncCancel = context.WithCancel(ctx)

	for name, entry := range r.peers {
		if entry.syncInterval <= 0 {
			continue
		}
		r.syncWg.Add(1)
		go r.syncPeer(name, entry)
	}

	r.logger.Info(ctx, "federation sync loop started")
	return nil
}

// StopSync stops the background sync loop.
func (r *Registry) StopSync() {
	r.mu.Lock()
	cancel := r.syncCancel
	r.syncCancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.syncWg.Wait()

	r.logger.Info(context.Background(), "federation sync loop stopped")
}

// syncPeer runs the periodic catalog refresh for one federation peer.
func (r *Registry) syncPeer(name string, entry *peerEntry) {
	defer r.syncWg.Done()

	ticker := time.NewTicker(entry.syncInterval)
	defer ticker.Stop()

	r.doSync(name, entry)

	for {
		select {
		case <-r.syncCtx.Done():
			return
		case <-ticker.C:
			r.doSync(name, entry)
		}
	}
}

// doSync fetches the peer's full catalog and replaces its cards snapshot.
// On failure, the previous snapshot is left in place (fallback on
// unavailability) and the error is logged, never propagated.
func (r *Registry) doSync(name string, entry *peerEntry) {
	ctx := r.syncCtx
	start := time.Now()

	ctx, span := r.obs.StartSpan(ctx, OpSync, attribute.String("registry", name))

	var outcome OperationOutcome
	var opErr error
	var count int
	defer func() {
		event := OperationEvent{
			Operation:   OpSync,
			Registry:    name,
			Duration:    time.Since(start),
			Outcome:     outcome,
			ResultCount: count,
		}
		if opErr != nil {
			event.Error = opErr.Error()
		}
		r.obs.LogOperation(ctx, event)
		r.obs.RecordOperationMetrics(event)
		r.obs.EndSpan(span, outcome, opErr)
	}()

	cards, err := entry.client.ListAgents(ctx)
	if err != nil {
		outcome = OutcomeFallback
		opErr = err
		return
	}

	if entry.federation != nil {
		before := len(cards)
		cards = r.filterFederated(cards, entry.federation)
		span.AddEvent("federation_filter_applied",
			"original_count", before,
			"filtered_count", len(cards),
		)
	}

	count = len(cards)
	snapshot := make(map[string]lucia.AgentCard, len(cards))
	for _, c := range cards {
		snapshot[c.ID] = c
	}

	entry.mu.Lock()
	entry.cards = snapshot
	entry.mu.Unlock()

	outcome = OutcomeSuccess
}

// discoverAgentCard resolves a single card from a named peer, checking the
// cache first and falling back to it again if the live fetch fails.
func (r *Registry) discoverAgentCard(ctx context.Context, peerName, id string) (*lucia.AgentCard, error) {
	r.mu.RLock()
	entry, ok := r.peers[peerName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("federation peer %q not found", peerName)
	}

	start := time.Now()
	ctx, span := r.obs.StartSpan(ctx, OpGet,
		attribute.String("registry", peerName),
		attribute.String("agent_id", id),
	)

	var outcome OperationOutcome
	var opErr error
	key := cacheKey(peerName, id)
	defer func() {
		event := OperationEvent{
			Operation: OpGet,
			Registry:  peerName,
			AgentID:   id,
			Duration:  time.Since(start),
			Outcome:   outcome,
			CacheKey:  key,
		}
		if opErr != nil {
			event.Error = opErr.Error()
		}
		r.obs.LogOperation(ctx, event)
		r.obs.RecordOperationMetrics(event)
		r.obs.EndSpan(span, outcome, opErr)
	}()

	if cached, err := r.cache.Get(ctx, key); err == nil && cached != nil {
		outcome = OutcomeCacheHit
		return cached, nil
	}

	card, err := entry.client.GetAgent(ctx, id)
	if err != nil {
		if cached, cacheErr := r.cache.Get(ctx, key); cacheErr == nil && cached != nil {
			outcome = OutcomeFallback
			return cached, nil
		}
		outcome = OutcomeError
		opErr = fmt.Errorf("fetching agent %q from peer %q: %w", id, peerName, err)
		return nil, opErr
	}

	ttl := entry.cacheTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	if err := r.cache.Set(ctx, key, &card, ttl); err != nil {
		r.logger.Warn(ctx, "failed to cache agent card", "peer", peerName, "agent_id", id, "error", err)
	}

	outcome = OutcomeSuccess
	return &card, nil
}

// cacheKey generates a cache key for a peer/agent pair.
func cacheKey(peer, agentID string) string {
	return peer + "/" + agentID
}

// filterFederated applies Include/Exclude capability-tag patterns.
func (r *Registry) filterFederated(cards []lucia.AgentCard, cfg *FederationConfig) []lucia.AgentCard {
	if cfg == nil {
		return cards
	}
	var filtered []lucia.AgentCard
	for _, c := range cards {
		if r.shouldInclude(c, cfg) {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// shouldInclude determines if a card should be imported based on its
// capability tags matching the federation config's patterns.
func (r *Registry) shouldInclude(card lucia.AgentCard, cfg *FederationConfig) bool {
	for _, pattern := range cfg.Exclude {
		for _, tag := range card.Capabilities {
			if matchGlob(pattern, tag) {
				return false
			}
		}
	}
	if len(cfg.Include) == 0 {
		return true
	}
	for _, pattern := range cfg.Include {
		for _, tag := range card.Capabilities {
			if matchGlob(pattern, tag) {
				return true
			}
		}
	}
	return false
}

// matchGlob performs simple glob matching supporting a trailing * wildcard.
func matchGlob(pattern, name string) bool {
	if pattern == name || pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(name) >= len(prefix) && name[:len(prefix)] == prefix
	}
	return false
}

// remoteInvoker adapts an a2a.Caller to the lucia.Invoker contract. It is
// what ResolveInvoker returns for a remote card; the orchestrator wraps it in
// an executor.Wrapper, which adds a timeout. Neither layer retries the call.
type remoteInvoker struct {
	agentID string
	caller  a2a.Caller
}

var _ lucia.Invoker = remoteInvoker{}

// Invoke implements lucia.Invoker by translating the request into a
// message/send call and mapping the reply back to an AgentResponse.
func (r remoteInvoker) Invoke(ctx context.Context, req lucia.InvokeRequest) (lucia.AgentResponse, error) {
	start := time.Now()
	params := types.MessageSendParams{
		Message: types.Message{
			Kind:      "message",
			Role:      "user",
			Parts:     []types.Part{{Kind: types.PartKindText, Text: req.Instruction}},
			MessageID: req.SessionID + ":" + req.AgentID,
			ContextID: req.SessionID,
			TaskID:    req.ThreadHandle,
		},
	}

	msg, err := r.caller.SendMessage(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		return lucia.NewFailureResponse(r.agentID, err.Error(), elapsed), nil
	}

	text, _ := msg.FirstText()
	return lucia.AgentResponse{
		AgentID:         r.agentID,
		Content:         text,
		Success:         true,
		ExecutionTimeMs: elapsed.Milliseconds(),
		ThreadHandle:    msg.TaskID,
	}, nil
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

// noopMetrics is a no-op metrics implementation.
type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, ...string)        {}
func (noopMetrics) RecordTimer(string, time.Duration, ...string) {}
func (noopMetrics) RecordGauge(string, float64, ...string)       {}

// noopCache is a no-op cache implementation.
type noopCache struct{}

func (noopCache) Get(context.Context, string) (*lucia.AgentCard, error) { return nil, nil }
func (noopCache) Set(context.Context, string, *lucia.AgentCard, time.Duration) error {
	return nil
}
func (noopCache) Delete(context.Context, string) error { return nil }

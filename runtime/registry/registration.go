package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lucia-home/lucia/runtime/lucia"
)

type (
	// RegistrationManager publishes this instance's local agents to
	// federation peers and keeps them alive with periodic heartbeats, so a
	// peer's sync loop can tell a genuinely-removed agent from one whose
	// owning instance simply restarted without deregistering.
	RegistrationManager struct {
		mu            sync.RWMutex
		registrations map[string]*agentRegistration
		obs           *Observability
		logger        Logger
	}

	// agentRegistration tracks a single agent's registration state with one peer.
	agentRegistration struct {
		agentID           string
		peerName          string
		client            RegistrationClient
		card              lucia.AgentCard
		heartbeatInterval time.Duration
		heartbeatCtx      context.Context
		heartbeatCancel   context.CancelFunc
		heartbeatWg       sync.WaitGroup
	}

	// RegistrationClient defines the interface for registering this
	// instance's agents with a federation peer's registry.
	RegistrationClient interface {
		// Register publishes an agent card with the peer.
		Register(ctx context.Context, card lucia.AgentCard) error
		// Deregister removes an agent from the peer's registry.
		Deregister(ctx context.Context, agentID string) error
		// Heartbeat signals that the agent is still alive.
		Heartbeat(ctx context.Context, agentID string) error
	}

	// Logger is the logging interface used by RegistrationManager.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// RegistrationOption configures a RegistrationManager.
	RegistrationOption func(*RegistrationManager)
)

// WithRegistrationLogger sets the logger for the registration manager.
func WithRegistrationLogger(l Logger) RegistrationOption {
	return func(m *RegistrationManager) {
		m.logger = l
	}
}

// WithRegistrationObservability sets the observability helper for the registration manager.
func WithRegistrationObservability(obs *Observability) RegistrationOption {
	return func(m *RegistrationManager) {
		m.obs = obs
	}
}

// NewRegistrationManager creates a new registration manager.
func NewRegistrationManager(opts ...RegistrationOption) *RegistrationManager {
	m := &RegistrationManager{
		registrations: make(map[string]*agentRegistration),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = &noopLogger{}
	}
	if m.obs == nil {
		m.obs = NewObservability(nil, nil, nil)
	}
	return m
}

// RegistrationConfig holds configuration for publishing an agent to a peer.
type RegistrationConfig struct {
	// HeartbeatInterval specifies how often to send heartbeats.
	// If zero, defaults to 30 seconds.
	HeartbeatInterval time.Duration
}

// PublishAgent registers a local agent card with a federation peer and
// starts the heartbeat loop. The agent stays published until Withdraw or
// WithdrawAll is called; the heartbeat loop runs on its own context, so
// cancelling ctx does not stop it.
func (m *RegistrationManager) PublishAgent(ctx context.Context, peerName string, client RegistrationClient, card lucia.AgentCard, cfg RegistrationConfig) error {
	start := time.Now()

	ctx, span := m.obs.StartSpan(ctx, OpRegister,
		attribute.String("registry", peerName),
		attribute.String("agent_id", card.ID),
	)

	var outcome OperationOutcome
	var opErr error
	defer func() {
		event := OperationEvent{
			Operation: OpRegister,
			Registry:  peerName,
			AgentID:   card.ID,
			Duration:  time.Since(start),
			Outcome:   outcome,
		}
		if opErr != nil {
			event.Error = opErr.Error()
		}
		m.obs.LogOperation(ctx, event)
		m.obs.RecordOperationMetrics(event)
		m.obs.EndSpan(span, outcome, opErr)
	}()

	regKey := registrationKey(peerName, card.ID)
	m.mu.RLock()
	_, exists := m.registrations[regKey]
	m.mu.RUnlock()
	if exists {
		outcome = OutcomeError
		opErr = fmt.Errorf("agent %q already published to peer %q", card.ID, peerName)
		return opErr
	}

	if err := client.Register(ctx, card); err != nil {
		outcome = OutcomeError
		opErr = fmt.Errorf("publishing agent %q to peer %q: %w", card.ID, peerName, err)
		return opErr
	}

	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval == 0 {
		heartbeatInterval = 30 * time.Second
	}

	heartbeatCtx, heartbeatCancel := context.WithCancel(context.Background())
	reg := &agentRegistration{
		agentID:           card.ID,
		peerName:          peerName,
		client:            client,
		card:              card,
		heartbeatInterval: heartbeatInterval,
		heartbeatCtx:      heartbeatCtx,
		heartbeatCancel:   heartbeatCancel,
	}

	m.mu.Lock()
	m.registrations[regKey] = reg
	m.mu.Unlock()

	reg.heartbeatWg.Add(1)
	go m.heartbeatLoop(reg)

	m.logger.Info(ctx, "agent published to federation peer",
		"peer", peerName,
		"agent_id", card.ID,
		"heartbeat_interval", heartbeatInterval.String(),
	)

	outcome = OutcomeSuccess
	return nil
}

// Withdraw removes an agent from a peer and stops its heartbeat loop.
func (m *RegistrationManager) Withdraw(ctx context.Context, peerName, agentID string) error {
	start := time.Now()

	ctx, span := m.obs.StartSpan(ctx, OpDeregister,
		attribute.String("registry", peerName),
		attribute.String("agent_id", agentID),
	)

	var outcome OperationOutcome
	var opErr error
	defer func() {
		event := OperationEvent{
			Operation: OpDeregister,
			Registry:  peerName,
			AgentID:   agentID,
			Duration:  time.Since(start),
			Outcome:   outcome,
		}
		if opErr != nil {
			event.Error = opErr.Error()
		}
		m.obs.LogOperation(ctx, event)
		m.obs.RecordOperationMetrics(event)
		m.obs.EndSpan(span, outcome, opErr)
	}()

	regKey := registrationKey(peerName, agentID)
	m.mu.Lock()
	reg, exists := m.registrations[regKey]
	if exists {
		delete(m.registrations, regKey)
	}
	m.mu.Unlock()

	if !exists {
		outcome = OutcomeError
		opErr = fmt.Errorf("agent %q not published to peer %q", agentID, peerName)
		return opErr
	}

	reg.heartbeatCancel()
	reg.heartbeatWg.Wait()

	if err := reg.client.Deregister(ctx, agentID); err != nil {
		outcome = OutcomeError
		opErr = fmt.Errorf("withdrawing agent %q from peer %q: %w", agentID, peerName, err)
		return opErr
	}

	m.logger.Info(ctx, "agent withdrawn from federation peer",
		"peer", peerName,
		"agent_id", agentID,
	)

	outcome = OutcomeSuccess
	return nil
}

// WithdrawAll withdraws every published agent from every peer. Call during
// graceful shutdown.
func (m *RegistrationManager) WithdrawAll(ctx context.Context) error {
	m.mu.Lock()
	regs := make([]*agentRegistration, 0, len(m.registrations))
	for _, reg := range m.registrations {
		regs = append(regs, reg)
	}
	m.registrations = make(map[string]*agentRegistration)
	m.mu.Unlock()

	var errs []error
	for _, reg := range regs {
		reg.heartbeatCancel()
		reg.heartbeatWg.Wait()

		if err := reg.client.Deregister(ctx, reg.agentID); err != nil {
			m.logger.Error(ctx, "failed to withdraw agent",
				"peer", reg.peerName,
				"agent_id", reg.agentID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("withdrawing agent %q from peer %q: %w", reg.agentID, reg.peerName, err))
		} else {
			m.logger.Info(ctx, "agent withdrawn from federation peer",
				"peer", reg.peerName,
				"agent_id", reg.agentID,
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to withdraw %d agents: %v", len(errs), errs)
	}
	return nil
}

// heartbeatLoop sends periodic heartbeats to keep a published agent alive.
func (m *RegistrationManager) heartbeatLoop(reg *agentRegistration) {
	defer reg.heartbeatWg.Done()

	ticker := time.NewTicker(reg.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-reg.heartbeatCtx.Done():
			return
		case <-ticker.C:
			m.sendHeartbeat(reg)
		}
	}
}

// sendHeartbeat sends a single heartbeat to the peer.
func (m *RegistrationManager) sendHeartbeat(reg *agentRegistration) {
	ctx := reg.heartbeatCtx
	start := time.Now()

	ctx, span := m.obs.StartSpan(ctx, OpHeartbeat,
		attribute.String("registry", reg.peerName),
		attribute.String("agent_id", reg.agentID),
	)

	var outcome OperationOutcome
	var opErr error
	defer func() {
		event := OperationEvent{
			Operation: OpHeartbeat,
			Registry:  reg.peerName,
			AgentID:   reg.agentID,
			Duration:  time.Since(start),
			Outcome:   outcome,
		}
		if opErr != nil {
			event.Error = opErr.Error()
		}
		m.obs.LogOperation(ctx, event)
		m.obs.RecordOperationMetrics(event)
		m.obs.EndSpan(span, outcome, opErr)
	}()

	if err := reg.client.Heartbeat(ctx, reg.agentID); err != nil {
		outcome = OutcomeError
		opErr = err
		m.logger.Warn(ctx, "heartbeat failed",
			"peer", reg.peerName,
			"agent_id", reg.agentID,
			"error", err,
		)
		return
	}

	outcome = OutcomeSuccess
	m.logger.Debug(ctx, "heartbeat sent",
		"peer", reg.peerName,
		"agent_id", reg.agentID,
	)
}

// IsPublished returns true if the agent is currently published to the peer.
func (m *RegistrationManager) IsPublished(peerName, agentID string) bool {
	regKey := registrationKey(peerName, agentID)
	m.mu.RLock()
	_, exists := m.registrations[regKey]
	m.mu.RUnlock()
	return exists
}

// PublishedAgents returns the ids of every agent currently published to a peer.
func (m *RegistrationManager) PublishedAgents(peerName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var agents []string
	for _, reg := range m.registrations {
		if reg.peerName == peerName {
			agents = append(agents, reg.agentID)
		}
	}
	return agents
}

// registrationKey generates a unique key for a registration.
func registrationKey(peerName, agentID string) string {
	return peerName + ":" + agentID
}

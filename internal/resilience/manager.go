package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"broker-resilience/internal/cache"
	"broker-resilience/internal/circuit"
	"broker-resilience/internal/cluster"
	"broker-resilience/internal/degrade"
	"broker-resilience/internal/events"
	"broker-resilience/internal/metrics"
)

// reasonClusterConsensus marks transitions applied from a cluster
// decision; they must not start another voting round.
const reasonClusterConsensus = "cluster_consensus"

// CallSpec names one guarded call: which breaker protects it, which
// operation category gates it, and how its fallback chain is keyed.
type CallSpec struct {
	Breaker   string
	Operation string
	Service   string
	CacheKey  string
	Fallback  func(ctx context.Context) (interface{}, error)
}

// Manager is the distributed circuit breaker manager: it owns the
// per-resource breakers, reports their transitions to the cluster
// coordinator, applies cluster decisions back, and routes every guarded
// call through the degradation fallback chain.
type Manager struct {
	breakerConfig circuit.Config
	coordinator   *cluster.Coordinator // nil when coordination is disabled
	degrade       *degrade.Manager
	cache         cache.Store
	events        *events.EventBus
	logger        zerolog.Logger

	mu       sync.RWMutex
	breakers map[string]*circuit.Breaker
}

// NewManager wires the resilience aggregate. A nil coordinator runs
// every breaker standalone.
func NewManager(breakerConfig circuit.Config, coordinator *cluster.Coordinator, degradeMgr *degrade.Manager, store cache.Store, eventBus *events.EventBus, logger zerolog.Logger) *Manager {
	m := &Manager{
		breakerConfig: breakerConfig,
		coordinator:   coordinator,
		degrade:       degradeMgr,
		cache:         store,
		events:        eventBus,
		logger:        logger.With().Str("component", "ResilienceManager").Logger(),
		breakers:      make(map[string]*circuit.Breaker),
	}

	if coordinator != nil {
		coordinator.SetStateProvider(m.snapshotStates)
		coordinator.OnDecision(m.ApplyDecision)
	}
	return m
}

// Breaker returns the breaker guarding the named resource, creating it
// on first use.
func (m *Manager) Breaker(name string) *circuit.Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}

	b = circuit.NewBreaker(name, &m.breakerConfig)
	b.OnTransition(m.onTransition)
	m.breakers[name] = b
	metrics.CircuitState.WithLabelValues(name).Set(metrics.StateValue(string(circuit.StateClosed)))
	return b
}

// onTransition reacts to every breaker state change: metrics, event
// fan-out, and — unless the change came from the cluster itself — a
// coordination round.
func (m *Manager) onTransition(name string, from, to circuit.State, reason string) {
	metrics.CircuitState.WithLabelValues(name).Set(metrics.StateValue(string(to)))
	metrics.CircuitTransitions.WithLabelValues(name, string(to)).Inc()

	if m.events != nil {
		m.events.PublishCircuitTransition(name, string(from), string(to), reason)
	}

	m.logger.Info().
		Str("breaker", name).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Circuit breaker transition")

	if m.coordinator == nil || reason == reasonClusterConsensus {
		return
	}

	b := m.Breaker(name)
	decision, err := m.coordinator.UpdateCircuitState(context.Background(), name, to, b.FailureCount())
	if err != nil {
		m.logger.Error().Err(err).Str("breaker", name).Msg("Coordination failed")
		return
	}
	if decision != nil && decision.Decision != to {
		m.logger.Info().
			Str("breaker", name).
			Str("local", string(to)).
			Str("decided", string(decision.Decision)).
			Float64("confidence", decision.ConfidenceScore).
			Msg("Cluster decision overrides local transition")
		b.Apply(decision.Decision, reasonClusterConsensus)
	}
}

// ApplyDecision applies a cluster-decided state to the local breaker.
// Invoked for decisions initiated by peers.
func (m *Manager) ApplyDecision(d cluster.DistributedDecision) {
	b := m.Breaker(d.BreakerName)
	if b.GetState() == d.Decision {
		return
	}

	m.logger.Info().
		Str("breaker", d.BreakerName).
		Str("decision", string(d.Decision)).
		Str("decision_id", d.DecisionID).
		Bool("consensus", d.ConsensusReached).
		Msg("Applying cluster decision")
	b.Apply(d.Decision, reasonClusterConsensus)
}

// snapshotStates supplies the coordinator's heartbeat and voting view
func (m *Manager) snapshotStates() (map[string]circuit.State, map[string]int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]circuit.State, len(m.breakers))
	counts := make(map[string]int, len(m.breakers))
	for name, b := range m.breakers {
		states[name] = b.GetState()
		counts[name] = b.FailureCount()
	}
	return states, counts
}

// Execute routes one guarded call: degradation gate, then the breaker-
// wrapped primary, then the fallback chain. Failures feed the
// degradation manager before any fallback is consulted; breaker-open
// rejections skip straight to the fallbacks without escalating.
func (m *Manager) Execute(ctx context.Context, spec CallSpec, primary func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	b := m.Breaker(spec.Breaker)

	wrapped := func(ctx context.Context) (interface{}, error) {
		var result interface{}
		err := b.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			result, callErr = primary(ctx)
			return callErr
		})
		if err != nil {
			if !errors.Is(err, circuit.ErrOpen) {
				m.degrade.HandleFailure(ctx, spec.Service, err, nil)
			}
			return nil, err
		}
		return result, nil
	}

	return m.degrade.ExecuteWithFallback(ctx, spec.Operation, wrapped, degrade.FallbackOptions{
		Fallback: spec.Fallback,
		CacheKey: spec.CacheKey,
	})
}

// BreakerSnapshots returns every breaker's state, sorted by name
func (m *Manager) BreakerSnapshots() []circuit.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]circuit.Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.GetSnapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetBreaker force-closes a breaker by name. Returns false when no
// such breaker exists.
func (m *Manager) ResetBreaker(name string) bool {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	b.ForceReset()
	return true
}

// Degrade exposes the degradation manager
func (m *Manager) Degrade() *degrade.Manager {
	return m.degrade
}

// Coordinator exposes the cluster coordinator; nil when standalone
func (m *Manager) Coordinator() *cluster.Coordinator {
	return m.coordinator
}

// Cache exposes the fallback cache
func (m *Manager) Cache() cache.Store {
	return m.cache
}

// GetStats returns aggregate resilience statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	breakers := make(map[string]interface{}, len(m.breakers))
	openCount := 0
	for name, b := range m.breakers {
		breakers[name] = b.GetStats()
		if b.GetState() == circuit.StateOpen {
			openCount++
		}
	}
	m.mu.RUnlock()

	stats := map[string]interface{}{
		"breakers":      breakers,
		"open_breakers": openCount,
		"degradation":   m.degrade.GetStats(),
		"cache":         m.cache.Stats(),
	}
	if m.coordinator != nil {
		stats["cluster"] = m.coordinator.GetStats()
	}
	return stats
}

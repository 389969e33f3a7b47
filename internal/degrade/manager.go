package degrade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"broker-resilience/config"
	"broker-resilience/internal/cache"
	"broker-resilience/internal/events"
	"broker-resilience/internal/metrics"
)

const historyLimit = 100

// HealthCheck probes one service. A returned error or a panic marks
// the service unavailable; panics never propagate.
type HealthCheck func(ctx context.Context) error

// FailureContext carries optional escalation hints for HandleFailure
type FailureContext struct {
	SuggestedLevel    *Level   // Explicit target level, wins over classification
	CascadingServices []string // Peer services failing alongside this one
}

// FallbackOptions tunes the fallback chain for one guarded call
type FallbackOptions struct {
	Fallback func(ctx context.Context) (interface{}, error)
	CacheKey string
}

// Manager is the graceful degradation state machine: it classifies
// failures into the severity ladder, gates operations per level, widens
// the fallback cache TTL as severity grows, and drives recovery.
type Manager struct {
	config config.DegradationConfig
	cache  cache.Store
	events *events.EventBus
	logger zerolog.Logger

	mu            sync.RWMutex
	level         Level
	services      map[string]*ServiceStatus
	history       []Event
	healthChecks  map[string]HealthCheck
	allowed       map[Level]map[string]bool
	recoveryTimer *time.Timer
	onChange      []func(Event)

	baseTTL time.Duration
	now     func() time.Time
}

// NewManager creates a degradation manager around the given fallback
// cache. The cache's current default TTL is remembered as the baseline
// restored on recovery.
func NewManager(cfg config.DegradationConfig, store cache.Store, eventBus *events.EventBus, logger zerolog.Logger) *Manager {
	ops := cfg.AllowedOperations
	if ops == nil {
		ops = defaultAllowedOperations()
	}

	return &Manager{
		config:       cfg,
		cache:        store,
		events:       eventBus,
		logger:       logger.With().Str("component", "DegradationManager").Logger(),
		level:        LevelNone,
		services:     make(map[string]*ServiceStatus),
		healthChecks: make(map[string]HealthCheck),
		allowed:      buildAllowTables(ops),
		baseTTL:      store.DefaultTTL(),
		now:          time.Now,
	}
}

// defaultAllowedOperations is the built-in per-level policy table.
// Levels absent from the map allow every operation.
func defaultAllowedOperations() map[string][]string {
	return map[string][]string{
		"cached_data": {
			"get_account", "get_balance", "get_positions", "get_orders",
			"get_prices", "get_transactions", "risk_check", "emergency_close",
		},
		"read_only": {
			"get_account", "get_balance", "get_positions", "get_prices",
			"risk_check", "emergency_close",
		},
		"emergency": {
			"emergency_close", "get_balance", "risk_check",
		},
	}
}

func buildAllowTables(src map[string][]string) map[Level]map[string]bool {
	tables := make(map[Level]map[string]bool, len(src))
	for name, ops := range src {
		level, ok := ParseLevel(name)
		if !ok {
			continue
		}
		table := make(map[string]bool, len(ops))
		for _, op := range ops {
			table[op] = true
		}
		tables[level] = table
	}
	return tables
}

// RegisterHealthCheck adds a recovery probe for a service and starts
// tracking it.
func (m *Manager) RegisterHealthCheck(service string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthChecks[service] = check
	m.ensureServiceLocked(service)
}

// OnChange registers a callback invoked (on its own goroutine) for
// every level transition.
func (m *Manager) OnChange(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// CurrentLevel returns the active degradation level
func (m *Manager) CurrentLevel() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// ServiceStatuses returns tracked services sorted by name
func (m *Manager) ServiceStatuses() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.services))
	for _, st := range m.services {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })
	return out
}

// History returns recorded transitions, newest first
func (m *Manager) History() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Event, len(m.history))
	for i, ev := range m.history {
		out[len(m.history)-1-i] = ev
	}
	return out
}

// HandleFailure records a service failure and escalates the level when
// the classified target is strictly more severe than the current one.
// Failures never downgrade; only recovery does. Returns the level in
// effect afterwards.
func (m *Manager) HandleFailure(ctx context.Context, service string, err error, fc *FailureContext) Level {
	kind := Classify(err)

	var cascading []string
	if fc != nil {
		cascading = fc.CascadingServices
	}

	m.mu.Lock()
	st := m.ensureServiceLocked(service)
	st.ErrorCount++
	st.LastError = err.Error()
	st.LastCheck = m.now()
	if kind == KindRateLimit {
		st.Health = HealthDegraded
	} else {
		st.Health = HealthUnavailable
	}

	for _, peer := range cascading {
		if peer == service {
			continue
		}
		ps := m.ensureServiceLocked(peer)
		ps.Health = HealthUnavailable
		ps.LastCheck = m.now()
	}

	target := m.DetermineLevel(err, fc)
	if m.config.Enabled && target > m.level {
		reason := fmt.Sprintf("%s_failure:%s", kind, service)
		if m.criticalCascadeCount(cascading) >= 2 {
			reason = "cascading_failure_detected:" + service
		}
		affected := append([]string{service}, cascading...)
		m.applyLevelLocked(target, reason, dedupe(affected))
	}
	level := m.level
	m.mu.Unlock()

	m.logger.Warn().
		Str("service", service).
		Str("kind", string(kind)).
		Str("level", level.String()).
		Err(err).
		Msg("API failure handled")

	return level
}

// DetermineLevel computes the target level for a failure without
// applying it. An explicit suggested level wins verbatim; otherwise the
// classification decides, escalated one step when two or more critical
// services are failing together. Auth failures always mean EMERGENCY.
func (m *Manager) DetermineLevel(err error, fc *FailureContext) Level {
	if fc != nil && fc.SuggestedLevel != nil {
		return *fc.SuggestedLevel
	}

	kind := Classify(err)
	if kind == KindAuth {
		return LevelEmergency
	}

	var cascading []string
	if fc != nil {
		cascading = fc.CascadingServices
	}
	if m.criticalCascadeCount(cascading) >= 2 {
		return kind.cascadeLevel()
	}
	return kind.baseLevel()
}

// applyLevelLocked performs one level transition with its side effects:
// cache TTL, per-service flags, event history, metrics, fan-out, and
// the auto-recovery timer. Caller holds m.mu.
func (m *Manager) applyLevelLocked(newLevel Level, reason string, affected []string) {
	old := m.level
	if newLevel == old {
		return
	}
	m.level = newLevel

	if ttl := m.ttlForLevel(newLevel); ttl > 0 {
		m.cache.SetDefaultTTL(ttl)
	} else {
		m.cache.SetDefaultTTL(m.baseTTL)
	}

	for _, st := range m.services {
		st.Level = newLevel
		st.FallbackActive = newLevel > LevelNone
	}

	ev := Event{
		OldLevel:         old,
		NewLevel:         newLevel,
		TriggerReason:    reason,
		AffectedServices: affected,
		Timestamp:        m.now(),
	}

	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	if newLevel > old && m.config.AutoRecovery {
		delay := m.recoveryDelayForLevel(newLevel)
		ev.EstimatedRecovery = m.now().Add(delay)
		m.recoveryTimer = time.AfterFunc(delay, func() {
			m.AttemptRecovery(context.Background())
		})
	}

	m.history = append(m.history, ev)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}

	metrics.DegradationLevel.Set(float64(newLevel))
	metrics.DegradationTransitions.WithLabelValues(old.String(), newLevel.String()).Inc()

	if m.events != nil {
		m.events.PublishDegradationChange(old.String(), newLevel.String(), reason, affected)
	}
	for _, fn := range m.onChange {
		go fn(ev)
	}

	if newLevel > old {
		m.logger.Warn().
			Str("old_level", old.String()).
			Str("new_level", newLevel.String()).
			Str("reason", reason).
			Strs("affected_services", affected).
			Msg("Degradation level escalated")
	} else {
		m.logger.Info().
			Str("old_level", old.String()).
			Str("new_level", newLevel.String()).
			Str("reason", reason).
			Msg("Degradation level lowered")
	}
}

// AttemptRecovery health-checks every registered service and recovers
// according to the healthy fraction: full recovery to NONE at or above
// the full ratio, partial recovery to CACHED_DATA at or above the
// partial ratio when currently READ_ONLY or worse. A failed attempt
// schedules no retry; recovery then relies on new failures or a manual
// trigger.
func (m *Manager) AttemptRecovery(ctx context.Context) bool {
	m.mu.Lock()
	if m.level == LevelNone {
		m.mu.Unlock()
		return false
	}
	from := m.level
	checks := make(map[string]HealthCheck, len(m.healthChecks))
	for name, check := range m.healthChecks {
		checks[name] = check
	}
	m.mu.Unlock()

	healthy, total := 0, len(checks)
	for name, check := range checks {
		err := runHealthCheck(ctx, check)

		m.mu.Lock()
		st := m.ensureServiceLocked(name)
		st.LastCheck = m.now()
		if err != nil {
			st.Health = HealthUnavailable
			st.LastError = err.Error()
			st.ErrorCount++
		} else {
			st.Health = HealthHealthy
			st.LastError = ""
			st.ErrorCount = 0
			healthy++
		}
		m.mu.Unlock()
	}

	ratio := 0.0
	if total > 0 {
		ratio = float64(healthy) / float64(total)
	}

	recovered := false
	target := from
	m.mu.Lock()
	switch {
	case total > 0 && ratio >= m.fullRecoveryRatio():
		m.applyLevelLocked(LevelNone, "auto_recovery:full", nil)
		target = LevelNone
		recovered = true
	case total > 0 && ratio >= m.partialRecoveryRatio() && m.level >= LevelReadOnly:
		m.applyLevelLocked(LevelCachedData, "auto_recovery:partial", nil)
		target = LevelCachedData
		recovered = true
	}
	m.mu.Unlock()

	if m.events != nil {
		m.events.PublishRecoveryAttempt(from.String(), target.String(), ratio, recovered)
	}
	m.logger.Info().
		Str("from_level", from.String()).
		Str("to_level", target.String()).
		Float64("healthy_ratio", ratio).
		Bool("recovered", recovered).
		Msg("Recovery attempt finished")

	return recovered
}

// ManualRecovery is the operator override: every service resets to
// UNKNOWN with zeroed counters and the level drops straight to NONE,
// bypassing health checks. Cached content is preserved; only the TTL
// returns to baseline.
func (m *Manager) ManualRecovery(ctx context.Context, reason string) {
	m.mu.Lock()
	for _, st := range m.services {
		st.Health = HealthUnknown
		st.ErrorCount = 0
		st.LastError = ""
		st.LastCheck = m.now()
	}
	if m.level != LevelNone {
		m.applyLevelLocked(LevelNone, "manual_recovery:"+reason, nil)
	} else {
		if m.recoveryTimer != nil {
			m.recoveryTimer.Stop()
			m.recoveryTimer = nil
		}
		m.cache.SetDefaultTTL(m.baseTTL)
	}
	m.mu.Unlock()

	// Manual recovery is a full reset: cached fallback data goes with it.
	if err := m.cache.Clear(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to clear fallback cache")
	}

	m.logger.Info().Str("reason", reason).Msg("Manual recovery applied")
}

// IsOperationAllowed consults the per-level policy table. Levels
// without a table permit everything.
func (m *Manager) IsOperationAllowed(operation string) bool {
	if !m.config.Enabled {
		return true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	table, ok := m.allowed[m.level]
	if !ok {
		return true
	}
	return table[operation]
}

// ExecuteWithFallback is the central fallback chain for guarded calls:
// degradation gate, then primary, then the explicit fallback, then the
// cache. Only this path surfaces terminal failures.
func (m *Manager) ExecuteWithFallback(ctx context.Context, operation string, primary func(ctx context.Context) (interface{}, error), opts FallbackOptions) (interface{}, error) {
	if !m.IsOperationAllowed(operation) {
		level := m.CurrentLevel()
		metrics.OperationsRejected.WithLabelValues(operation, level.String()).Inc()
		m.logger.Warn().
			Str("operation", operation).
			Str("level", level.String()).
			Msg("Operation rejected by degradation gate")
		return nil, &OperationError{Operation: operation, Level: level}
	}

	result, primaryErr := primary(ctx)
	if primaryErr == nil {
		// Stale-but-recent data is the fallback currency while degraded
		if opts.CacheKey != "" && m.CurrentLevel() > LevelNone {
			if err := m.cache.Set(ctx, opts.CacheKey, result); err != nil {
				m.logger.Debug().Err(err).Str("key", opts.CacheKey).Msg("Failed to cache response")
			}
		}
		metrics.FallbackResults.WithLabelValues(operation, "primary").Inc()
		return result, nil
	}

	var fallbackErr error
	if opts.Fallback != nil {
		var fromFallback interface{}
		fromFallback, fallbackErr = opts.Fallback(ctx)
		if fallbackErr == nil {
			metrics.FallbackResults.WithLabelValues(operation, "fallback").Inc()
			if m.events != nil {
				m.events.PublishFallbackServed(operation, "fallback")
			}
			m.logger.Info().Str("operation", operation).Msg("Served from fallback")
			return fromFallback, nil
		}
	}

	if opts.CacheKey != "" {
		if cached, ok := m.cache.Get(ctx, opts.CacheKey); ok {
			metrics.CacheHits.Inc()
			metrics.FallbackResults.WithLabelValues(operation, "cache").Inc()
			if m.events != nil {
				m.events.PublishFallbackServed(operation, "cache")
			}
			m.logger.Info().
				Str("operation", operation).
				Str("key", opts.CacheKey).
				Msg("Served from cache")
			return cached, nil
		}
		metrics.CacheMisses.Inc()
	}

	metrics.FallbackResults.WithLabelValues(operation, "exhausted").Inc()
	return nil, &FallbackExhaustedError{
		Operation:   operation,
		PrimaryErr:  primaryErr,
		FallbackErr: fallbackErr,
	}
}

// DetectCascadingFailures reports services that look like part of a
// cascade: currently unavailable, checked within the window, and with
// enough accumulated errors.
func (m *Manager) DetectCascadingFailures() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-m.cascadeWindow())
	var detected []string
	for name, st := range m.services {
		if st.Health == HealthUnavailable && st.LastCheck.After(cutoff) && st.ErrorCount >= m.cascadeMinErrors() {
			detected = append(detected, name)
		}
	}
	sort.Strings(detected)
	return detected
}

// HandleCascadingScenario checks for a cascade and, when two or more
// services qualify, re-runs failure handling with the full cascading
// context so the level escalates beyond a single-service failure.
// Returns the detected services, or nil when no cascade is present.
func (m *Manager) HandleCascadingScenario(ctx context.Context) []string {
	detected := m.DetectCascadingFailures()
	if len(detected) < 2 {
		return nil
	}

	first := detected[0]
	m.mu.RLock()
	lastErr := ""
	if st, ok := m.services[first]; ok {
		lastErr = st.LastError
	}
	m.mu.RUnlock()
	if lastErr == "" {
		lastErr = "cascading failure detected"
	}

	m.logger.Warn().Strs("services", detected).Msg("Cascading failure scenario detected")
	m.HandleFailure(ctx, first, errors.New(lastErr), &FailureContext{CascadingServices: detected})
	return detected
}

// GetStats returns degradation statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	unavailable := 0
	for _, st := range m.services {
		if st.Health == HealthUnavailable {
			unavailable++
		}
	}

	return map[string]interface{}{
		"level":                m.level.String(),
		"tracked_services":     len(m.services),
		"unavailable_services": unavailable,
		"history_size":         len(m.history),
		"auto_recovery":        m.config.AutoRecovery,
		"recovery_scheduled":   m.recoveryTimer != nil,
	}
}

func (m *Manager) ensureServiceLocked(name string) *ServiceStatus {
	st, ok := m.services[name]
	if !ok {
		st = &ServiceStatus{
			ServiceName:    name,
			Health:         HealthUnknown,
			Level:          m.level,
			FallbackActive: m.level > LevelNone,
		}
		m.services[name] = st
	}
	return st
}

func (m *Manager) criticalCascadeCount(cascading []string) int {
	critical := m.config.CriticalServices
	if len(critical) == 0 {
		critical = []string{"oanda_api", "pricing_stream", "order_execution"}
	}

	n := 0
	for _, svc := range cascading {
		for _, c := range critical {
			if svc == c {
				n++
				break
			}
		}
	}
	return n
}

func runHealthCheck(ctx context.Context, check HealthCheck) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	return check(ctx)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) ttlForLevel(level Level) time.Duration {
	switch level {
	case LevelRateLimited:
		return minutes(m.config.RateLimitedCacheTTLMins, 10)
	case LevelCachedData:
		return minutes(m.config.CachedDataCacheTTLMins, 30)
	case LevelReadOnly:
		return minutes(m.config.ReadOnlyCacheTTLMins, 60)
	case LevelEmergency:
		return minutes(m.config.EmergencyCacheTTLMins, 120)
	}
	return 0
}

func (m *Manager) recoveryDelayForLevel(level Level) time.Duration {
	switch level {
	case LevelRateLimited:
		return minutes(m.config.RateLimitedRecoveryMins, 5)
	case LevelCachedData:
		return minutes(m.config.CachedDataRecoveryMins, 15)
	case LevelReadOnly:
		return minutes(m.config.ReadOnlyRecoveryMins, 30)
	}
	return minutes(m.config.EmergencyRecoveryMins, 60)
}

func (m *Manager) fullRecoveryRatio() float64 {
	if m.config.FullRecoveryRatio > 0 {
		return m.config.FullRecoveryRatio
	}
	return 0.8
}

func (m *Manager) partialRecoveryRatio() float64 {
	if m.config.PartialRecoveryRatio > 0 {
		return m.config.PartialRecoveryRatio
	}
	return 0.6
}

func (m *Manager) cascadeWindow() time.Duration {
	if m.config.CascadeWindowSecs > 0 {
		return time.Duration(m.config.CascadeWindowSecs) * time.Second
	}
	return 5 * time.Minute
}

func (m *Manager) cascadeMinErrors() int {
	if m.config.CascadeMinErrors > 0 {
		return m.config.CascadeMinErrors
	}
	return 3
}

func minutes(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Minute
}

package degrade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"broker-resilience/config"
	"broker-resilience/internal/broker"
	"broker-resilience/internal/cache"
)

func newTestManager() (*Manager, *cache.MemoryStore) {
	store := cache.NewMemoryStore(5 * time.Minute)
	cfg := config.DegradationConfig{
		Enabled:          true,
		AutoRecovery:     false,
		CriticalServices: []string{"oanda_api", "pricing_stream", "order_execution"},
	}
	return NewManager(cfg, store, nil, zerolog.Nop()), store
}

func levelPtr(l Level) *Level {
	return &l
}

func serverError() error {
	return &broker.APIError{StatusCode: 500, Message: "internal server error"}
}

func authError() error {
	return &broker.APIError{StatusCode: 401, Message: "token expired"}
}

// ============================================================================
// ESCALATION
// ============================================================================

func TestEscalationIsMonotonic(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if got := m.HandleFailure(ctx, "oanda_api", serverError(), nil); got != LevelCachedData {
		t.Fatalf("Server error should reach cached_data, got %s", got)
	}

	// A milder failure must not lower the level
	if got := m.HandleFailure(ctx, "oanda_api", errors.New("rate limit exceeded"), nil); got != LevelCachedData {
		t.Errorf("Rate limit failure should not downgrade, got %s", got)
	}

	// A worse failure escalates
	if got := m.HandleFailure(ctx, "pricing_stream", errors.New("connection refused"), nil); got != LevelReadOnly {
		t.Errorf("Connection failure should escalate to read_only, got %s", got)
	}

	if got := m.HandleFailure(ctx, "oanda_api", serverError(), nil); got != LevelReadOnly {
		t.Errorf("Repeat server error should not downgrade, got %s", got)
	}

	history := m.History()
	if len(history) != 2 {
		t.Errorf("Expected 2 recorded transitions, got %d", len(history))
	}
}

func TestAuthFailureGoesStraightToEmergency(t *testing.T) {
	m, _ := newTestManager()

	level := m.HandleFailure(context.Background(), "oanda_api", authError(), nil)
	if level != LevelEmergency {
		t.Fatalf("Auth failure should reach emergency, got %s", level)
	}

	if m.IsOperationAllowed("get_positions") {
		t.Error("get_positions should be blocked in emergency")
	}
	if !m.IsOperationAllowed("emergency_close") {
		t.Error("emergency_close should stay allowed in emergency")
	}
	if !m.IsOperationAllowed("get_balance") {
		t.Error("get_balance should stay allowed in emergency")
	}
}

func TestSuggestedLevelWinsVerbatim(t *testing.T) {
	m, _ := newTestManager()

	fc := &FailureContext{SuggestedLevel: levelPtr(LevelReadOnly)}
	level := m.HandleFailure(context.Background(), "oanda_api", errors.New("rate limit exceeded"), fc)
	if level != LevelReadOnly {
		t.Errorf("Suggested level should win over classification, got %s", level)
	}
}

func TestCascadeEscalatesOneStep(t *testing.T) {
	cascading := []string{"oanda_api", "pricing_stream"}
	cases := []struct {
		name        string
		err         error
		base        Level
		withCascade Level
	}{
		{"connection", errors.New("connection refused"), LevelReadOnly, LevelEmergency},
		{"rate_limit", errors.New("rate limit exceeded"), LevelRateLimited, LevelCachedData},
		{"server", serverError(), LevelCachedData, LevelReadOnly},
	}

	for _, tc := range cases {
		m, _ := newTestManager()

		if got := m.DetermineLevel(tc.err, nil); got != tc.base {
			t.Errorf("%s without cascade: expected %s, got %s", tc.name, tc.base, got)
		}
		got := m.DetermineLevel(tc.err, &FailureContext{CascadingServices: cascading})
		if got != tc.withCascade {
			t.Errorf("%s with cascade: expected %s, got %s", tc.name, tc.withCascade, got)
		}
		if got <= tc.base {
			t.Errorf("%s cascade level must be strictly higher than base", tc.name)
		}
	}
}

func TestCascadeNeedsTwoCriticalServices(t *testing.T) {
	m, _ := newTestManager()

	// One critical plus one unrelated service does not qualify
	fc := &FailureContext{CascadingServices: []string{"oanda_api", "email_service"}}
	if got := m.DetermineLevel(errors.New("connection refused"), fc); got != LevelReadOnly {
		t.Errorf("Single critical service should not escalate, got %s", got)
	}
}

func TestCascadingPeersMarkedUnhealthy(t *testing.T) {
	m, _ := newTestManager()

	fc := &FailureContext{CascadingServices: []string{"pricing_stream", "order_execution"}}
	m.HandleFailure(context.Background(), "oanda_api", errors.New("connection refused"), fc)

	for _, st := range m.ServiceStatuses() {
		if st.ServiceName == "oanda_api" {
			continue
		}
		if st.Health != HealthUnavailable {
			t.Errorf("Cascading peer %s should be unavailable, got %s", st.ServiceName, st.Health)
		}
	}
}

// ============================================================================
// OPERATION GATING AND FALLBACK CHAIN
// ============================================================================

func TestForbiddenOperationSkipsPrimary(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	m.HandleFailure(ctx, "oanda_api", serverError(), nil) // cached_data

	calls := 0
	_, err := m.ExecuteWithFallback(ctx, "create_order", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, nil
	}, FallbackOptions{})

	if calls != 0 {
		t.Errorf("Primary must not run for a forbidden operation, ran %d times", calls)
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("Expected OperationError, got %v", err)
	}
	if opErr.Level != LevelCachedData {
		t.Errorf("Error should carry the rejecting level, got %s", opErr.Level)
	}
}

func TestFallbackServesCachedValue(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()
	m.HandleFailure(ctx, "oanda_api", serverError(), nil) // cached_data

	// Stale-but-valid positions answer cached earlier
	if err := store.Set(ctx, "positions", []interface{}{}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	failing := func(ctx context.Context) (interface{}, error) {
		return nil, serverError()
	}

	for i := 0; i < 2; i++ {
		result, err := m.ExecuteWithFallback(ctx, "get_positions", failing, FallbackOptions{CacheKey: "positions"})
		if err != nil {
			t.Fatalf("Call %d: expected cached answer, got error %v", i, err)
		}
		list, ok := result.([]interface{})
		if !ok || len(list) != 0 {
			t.Errorf("Call %d: expected empty list verbatim, got %#v", i, result)
		}
	}
}

func TestFallbackRunsBeforeCache(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	store.Set(ctx, "k", "from-cache")

	result, err := m.ExecuteWithFallback(ctx, "get_prices",
		func(ctx context.Context) (interface{}, error) { return nil, serverError() },
		FallbackOptions{
			Fallback: func(ctx context.Context) (interface{}, error) { return "from-fallback", nil },
			CacheKey: "k",
		})

	if err != nil || result != "from-fallback" {
		t.Errorf("Explicit fallback should win over cache, got %v err %v", result, err)
	}
}

func TestFallbackExhausted(t *testing.T) {
	m, _ := newTestManager()

	primaryErr := serverError()
	fallbackErr := errors.New("fallback also down")
	_, err := m.ExecuteWithFallback(context.Background(), "get_prices",
		func(ctx context.Context) (interface{}, error) { return nil, primaryErr },
		FallbackOptions{
			Fallback: func(ctx context.Context) (interface{}, error) { return nil, fallbackErr },
			CacheKey: "missing",
		})

	var exhausted *FallbackExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected FallbackExhaustedError, got %v", err)
	}
	if exhausted.PrimaryErr != primaryErr || exhausted.FallbackErr != fallbackErr {
		t.Error("Exhausted error should carry both underlying errors")
	}
	if !errors.Is(err, primaryErr) {
		t.Error("Exhausted error should unwrap to the primary error")
	}
}

func TestPrimarySuccessCachedWhileDegraded(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	// Healthy: successes are not cached
	m.ExecuteWithFallback(ctx, "get_account", func(ctx context.Context) (interface{}, error) {
		return "fresh", nil
	}, FallbackOptions{CacheKey: "account"})
	if _, ok := store.Get(ctx, "account"); ok {
		t.Error("Successes should not be cached at level none")
	}

	m.HandleFailure(ctx, "oanda_api", serverError(), nil)

	m.ExecuteWithFallback(ctx, "get_account", func(ctx context.Context) (interface{}, error) {
		return "fresh", nil
	}, FallbackOptions{CacheKey: "account"})
	if cached, ok := store.Get(ctx, "account"); !ok || cached != "fresh" {
		t.Error("Successes should be cached while degraded")
	}
}

// ============================================================================
// RECOVERY
// ============================================================================

func TestAttemptRecoveryFull(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	m.HandleFailure(ctx, "oanda_api", serverError(), nil)

	healthy := func(ctx context.Context) error { return nil }
	m.RegisterHealthCheck("oanda_api", healthy)
	m.RegisterHealthCheck("pricing_stream", healthy)

	if !m.AttemptRecovery(ctx) {
		t.Fatal("All-healthy recovery should succeed")
	}
	if m.CurrentLevel() != LevelNone {
		t.Errorf("Expected full recovery to none, got %s", m.CurrentLevel())
	}

	for _, st := range m.ServiceStatuses() {
		if st.Health != HealthHealthy || st.ErrorCount != 0 {
			t.Errorf("Service %s should be reset healthy, got %s count=%d",
				st.ServiceName, st.Health, st.ErrorCount)
		}
		if st.FallbackActive {
			t.Errorf("Service %s should have fallback_active cleared", st.ServiceName)
		}
	}
}

func TestAttemptRecoveryPartial(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	m.HandleFailure(ctx, "oanda_api", authError(), nil) // emergency

	healthy := func(ctx context.Context) error { return nil }
	failing := func(ctx context.Context) error { return errors.New("still down") }
	m.RegisterHealthCheck("a", healthy)
	m.RegisterHealthCheck("b", healthy)
	m.RegisterHealthCheck("c", healthy)
	m.RegisterHealthCheck("d", failing)
	m.RegisterHealthCheck("e", failing)

	if !m.AttemptRecovery(ctx) {
		t.Fatal("60% healthy from emergency should partially recover")
	}
	if m.CurrentLevel() != LevelCachedData {
		t.Errorf("Expected partial recovery to cached_data, got %s", m.CurrentLevel())
	}
}

func TestAttemptRecoveryBelowThreshold(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	m.HandleFailure(ctx, "oanda_api", serverError(), nil) // cached_data

	m.RegisterHealthCheck("a", func(ctx context.Context) error { return nil })
	m.RegisterHealthCheck("b", func(ctx context.Context) error { return errors.New("down") })

	if m.AttemptRecovery(ctx) {
		t.Error("50% healthy should not recover")
	}
	if m.CurrentLevel() != LevelCachedData {
		t.Errorf("Level should be unchanged, got %s", m.CurrentLevel())
	}

	// Partial recovery needs read_only or worse; cached_data stays put
	m.RegisterHealthCheck("c", func(ctx context.Context) error { return nil })
	m.RegisterHealthCheck("d", func(ctx context.Context) error { return nil })
	m.RegisterHealthCheck("e", func(ctx context.Context) error { return errors.New("down") })
	if m.AttemptRecovery(ctx) {
		t.Error("60% healthy at cached_data should not trigger partial recovery")
	}
}

func TestAttemptRecoveryWithoutChecks(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	m.HandleFailure(ctx, "oanda_api", serverError(), nil)

	if m.AttemptRecovery(ctx) {
		t.Error("Recovery without registered checks cannot verify health")
	}
}

func TestHealthCheckPanicIsContained(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	m.HandleFailure(ctx, "oanda_api", serverError(), nil)

	m.RegisterHealthCheck("panicky", func(ctx context.Context) error { panic("boom") })
	m.RegisterHealthCheck("fine", func(ctx context.Context) error { return nil })

	if m.AttemptRecovery(ctx) {
		t.Error("50% healthy should not recover")
	}

	for _, st := range m.ServiceStatuses() {
		if st.ServiceName == "panicky" && st.Health != HealthUnavailable {
			t.Errorf("Panicking check should mark service unavailable, got %s", st.Health)
		}
	}
}

func TestManualRecoveryResetsEverything(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	m.HandleFailure(ctx, "oanda_api", authError(), nil)
	store.Set(ctx, "positions", "stale-but-useful")

	m.ManualRecovery(ctx, "operator override")

	if m.CurrentLevel() != LevelNone {
		t.Errorf("Manual recovery must reach none, got %s", m.CurrentLevel())
	}
	for _, st := range m.ServiceStatuses() {
		if st.Health != HealthUnknown || st.ErrorCount != 0 || st.LastError != "" {
			t.Errorf("Service %s should be reset to unknown, got %+v", st.ServiceName, st)
		}
	}
	// Full reset drops cached fallback data and restores the baseline TTL
	if _, ok := store.Get(ctx, "positions"); ok {
		t.Error("Manual recovery should clear cached content")
	}
	if store.DefaultTTL() != 5*time.Minute {
		t.Errorf("Default TTL should return to baseline, got %v", store.DefaultTTL())
	}
}

// ============================================================================
// CACHE TTL LADDER
// ============================================================================

func TestCacheTTLWidensWithSeverity(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	m.HandleFailure(ctx, "oanda_api", serverError(), nil)
	if store.DefaultTTL() != 30*time.Minute {
		t.Errorf("cached_data should widen TTL to 30m, got %v", store.DefaultTTL())
	}

	m.HandleFailure(ctx, "pricing_stream", errors.New("connection refused"), nil)
	if store.DefaultTTL() != time.Hour {
		t.Errorf("read_only should widen TTL to 1h, got %v", store.DefaultTTL())
	}

	m.HandleFailure(ctx, "oanda_api", authError(), nil)
	if store.DefaultTTL() != 2*time.Hour {
		t.Errorf("emergency should widen TTL to 2h, got %v", store.DefaultTTL())
	}
}

// ============================================================================
// CASCADE DETECTION
// ============================================================================

func TestDetectCascadingFailures(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		m.HandleFailure(ctx, "oanda_api", errors.New("connection refused"), nil)
		m.HandleFailure(ctx, "pricing_stream", errors.New("connection refused"), nil)
	}
	m.HandleFailure(ctx, "email_service", errors.New("connection refused"), nil) // only 1 error

	detected := m.DetectCascadingFailures()
	if len(detected) != 2 {
		t.Fatalf("Expected 2 cascading services, got %v", detected)
	}
	if detected[0] != "oanda_api" || detected[1] != "pricing_stream" {
		t.Errorf("Unexpected cascade set: %v", detected)
	}

	// Outside the 5 minute window nothing qualifies
	m.now = func() time.Time { return base.Add(6 * time.Minute) }
	if detected := m.DetectCascadingFailures(); len(detected) != 0 {
		t.Errorf("Stale failures should age out of the window, got %v", detected)
	}
}

func TestHandleCascadingScenario(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.HandleFailure(ctx, "oanda_api", errors.New("connection refused"), nil)
		m.HandleFailure(ctx, "pricing_stream", errors.New("connection refused"), nil)
	}
	if m.CurrentLevel() != LevelReadOnly {
		t.Fatalf("Isolated connection failures should sit at read_only, got %s", m.CurrentLevel())
	}

	detected := m.HandleCascadingScenario(ctx)
	if len(detected) != 2 {
		t.Fatalf("Expected cascade handling for 2 services, got %v", detected)
	}
	if m.CurrentLevel() != LevelEmergency {
		t.Errorf("Cascade across critical services should escalate to emergency, got %s", m.CurrentLevel())
	}

	history := m.History()
	if len(history) == 0 || history[0].TriggerReason != "cascading_failure_detected:oanda_api" {
		t.Errorf("Latest event should record the cascade trigger, got %+v", history)
	}
}

func TestHandleCascadingScenarioNeedsTwo(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.HandleFailure(ctx, "oanda_api", errors.New("connection refused"), nil)
	}

	if detected := m.HandleCascadingScenario(ctx); detected != nil {
		t.Errorf("Single failing service is not a cascade, got %v", detected)
	}
}

// ============================================================================
// CALLBACKS
// ============================================================================

func TestOnChangeCallbackFires(t *testing.T) {
	m, _ := newTestManager()

	received := make(chan Event, 1)
	m.OnChange(func(ev Event) { received <- ev })

	m.HandleFailure(context.Background(), "oanda_api", serverError(), nil)

	select {
	case ev := <-received:
		if ev.OldLevel != LevelNone || ev.NewLevel != LevelCachedData {
			t.Errorf("Unexpected transition %s -> %s", ev.OldLevel, ev.NewLevel)
		}
	case <-time.After(time.Second):
		t.Fatal("Change callback never fired")
	}
}

func TestDisabledManagerNeverEscalates(t *testing.T) {
	store := cache.NewMemoryStore(5 * time.Minute)
	m := NewManager(config.DegradationConfig{Enabled: false}, store, nil, zerolog.Nop())
	ctx := context.Background()

	if got := m.HandleFailure(ctx, "oanda_api", authError(), nil); got != LevelNone {
		t.Errorf("Disabled manager should stay at none, got %s", got)
	}
	if !m.IsOperationAllowed("create_order") {
		t.Error("Disabled manager should allow everything")
	}
}

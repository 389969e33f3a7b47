package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"broker-resilience/config"
	"broker-resilience/internal/broker"
	"broker-resilience/internal/bus"
	"broker-resilience/internal/cache"
	"broker-resilience/internal/circuit"
	"broker-resilience/internal/cluster"
	"broker-resilience/internal/degrade"
)

func newTestStack() (*Manager, *Guard, *broker.MockClient, *cache.MemoryStore) {
	store := cache.NewMemoryStore(5 * time.Minute)
	dm := degrade.NewManager(config.DegradationConfig{
		Enabled:          true,
		CriticalServices: []string{"oanda_api", "pricing_stream", "order_execution"},
	}, store, nil, zerolog.Nop())

	m := NewManager(circuit.Config{
		Enabled:          true,
		FailureThreshold: 3,
		Cooldown:         50 * time.Millisecond,
		HalfOpenProbes:   1,
	}, nil, dm, store, nil, zerolog.Nop())

	mock := broker.NewMockClient()
	return m, NewGuard(m, mock), mock, store
}

func serverError() error {
	return &broker.APIError{StatusCode: 500, Message: "internal server error"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestGuardedCallReturnsPrimaryResult(t *testing.T) {
	_, guard, mock, _ := newTestStack()

	balance, err := guard.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 100000.00 {
		t.Errorf("Expected mock balance, got %f", balance)
	}
	if mock.CallCount(broker.OpGetBalance) != 1 {
		t.Errorf("Expected 1 client call, got %d", mock.CallCount(broker.OpGetBalance))
	}
}

func TestBreakerTripsAndShortCircuits(t *testing.T) {
	m, guard, mock, _ := newTestStack()
	ctx := context.Background()
	mock.SetFailure(broker.OpGetPositions, serverError())

	// No cache, no fallback: every attempt fails terminally
	for i := 0; i < 3; i++ {
		if _, err := guard.GetPositions(ctx); err == nil {
			t.Fatalf("Call %d should fail", i)
		}
	}

	if state := m.Breaker(ServiceAPI).GetState(); state != circuit.StateOpen {
		t.Fatalf("Breaker should be open after 3 failures, got %s", state)
	}

	// Open breaker rejects without reaching the client
	if _, err := guard.GetPositions(ctx); err == nil {
		t.Fatal("Open breaker with empty cache should still fail")
	}
	if got := mock.CallCount(broker.OpGetPositions); got != 3 {
		t.Errorf("Open breaker must not call the client, got %d calls", got)
	}
}

func TestOpenBreakerServesFromCache(t *testing.T) {
	m, guard, mock, store := newTestStack()
	ctx := context.Background()

	store.Set(ctx, cache.ResponseKey(broker.OpGetPositions), []broker.Position{})
	mock.SetFailure(broker.OpGetPositions, serverError())

	for i := 0; i < 4; i++ {
		positions, err := guard.GetPositions(ctx)
		if err != nil {
			t.Fatalf("Call %d: cache should cover the failure, got %v", i, err)
		}
		if len(positions) != 0 {
			t.Errorf("Call %d: expected cached empty list, got %v", i, positions)
		}
	}

	// Breaker tripped along the way; the last call never reached the client
	if state := m.Breaker(ServiceAPI).GetState(); state != circuit.StateOpen {
		t.Errorf("Breaker should be open, got %s", state)
	}
	if got := mock.CallCount(broker.OpGetPositions); got != 3 {
		t.Errorf("Expected 3 client calls before the breaker opened, got %d", got)
	}
}

func TestDegradationGateBlocksBeforeClient(t *testing.T) {
	m, guard, mock, _ := newTestStack()
	ctx := context.Background()

	m.Degrade().HandleFailure(ctx, ServiceAPI, serverError(), nil) // cached_data

	_, err := guard.CreateOrder(ctx, broker.OrderRequest{Instrument: "EUR_USD", Units: 100})
	var opErr *degrade.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("Expected OperationError, got %v", err)
	}
	if mock.CallCount(broker.OpCreateOrder) != 0 {
		t.Errorf("Blocked operation must not reach the client, got %d calls",
			mock.CallCount(broker.OpCreateOrder))
	}
}

func TestEmergencyCloseAllowedWhileDegraded(t *testing.T) {
	m, guard, mock, _ := newTestStack()
	ctx := context.Background()

	// Open a position, then force emergency
	if _, err := guard.CreateOrder(ctx, broker.OrderRequest{Instrument: "EUR_USD", Units: 100}); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	m.Degrade().HandleFailure(ctx, ServiceAPI, &broker.APIError{StatusCode: 401, Message: "token expired"}, nil)

	closed, err := guard.EmergencyClose(ctx)
	if err != nil {
		t.Fatalf("EmergencyClose must work in emergency, got %v", err)
	}
	if closed != 1 {
		t.Errorf("Expected 1 closed position, got %d", closed)
	}
	if mock.CallCount(broker.OpEmergencyClose) != 1 {
		t.Error("EmergencyClose should reach the client")
	}
}

func TestRejectedCallDoesNotCountAsServiceFailure(t *testing.T) {
	m, guard, mock, _ := newTestStack()
	ctx := context.Background()
	mock.SetFailure(broker.OpGetPositions, serverError())

	for i := 0; i < 3; i++ {
		guard.GetPositions(ctx)
	}

	errorsBefore := serviceErrorCount(m, ServiceAPI)
	guard.GetPositions(ctx) // breaker open, client untouched
	if got := serviceErrorCount(m, ServiceAPI); got != errorsBefore {
		t.Errorf("Breaker rejection should not grow the error count: %d -> %d", errorsBefore, got)
	}
}

func serviceErrorCount(m *Manager, service string) int {
	for _, st := range m.Degrade().ServiceStatuses() {
		if st.ServiceName == service {
			return st.ErrorCount
		}
	}
	return 0
}

func TestGuardDecodesCachedGenericValues(t *testing.T) {
	_, guard, mock, store := newTestStack()
	ctx := context.Background()

	// A value that crossed a JSON boundary loses its Go type
	store.Set(ctx, cache.ResponseKey(broker.OpGetAccount), map[string]interface{}{
		"id":       "acc-001",
		"currency": "USD",
		"balance":  "123.50",
	})
	mock.SetFailure(broker.OpGetAccount, serverError())

	account, err := guard.GetAccount(ctx)
	if err != nil {
		t.Fatalf("Cached account should decode, got %v", err)
	}
	if account.ID != "acc-001" || account.Balance != 123.50 {
		t.Errorf("Decoded account mismatch: %+v", account)
	}
}

func TestLocalTripRunsCoordinationRound(t *testing.T) {
	store := cache.NewMemoryStore(5 * time.Minute)
	dm := degrade.NewManager(config.DegradationConfig{Enabled: true}, store, nil, zerolog.Nop())

	coord := cluster.NewCoordinator(&cluster.Config{
		HeartbeatInterval:  time.Second,
		CleanupInterval:    time.Second,
		InstanceTimeout:    time.Minute,
		DecisionRetention:  time.Hour,
		VoteTimeout:        200 * time.Millisecond,
		VotePollInterval:   10 * time.Millisecond,
		PeerFailureVoteMin: 2,
	}, cluster.InstanceInfo{InstanceID: "test-1", LoadFactor: 1.0},
		bus.NewSyncMemoryBus(), cluster.MajorityStrategy{}, nil, zerolog.Nop())

	m := NewManager(circuit.Config{
		Enabled:          true,
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		HalfOpenProbes:   1,
	}, coord, dm, store, nil, zerolog.Nop())

	guard := NewGuard(m, func() *broker.MockClient {
		mc := broker.NewMockClient()
		mc.SetFailure(broker.OpGetPositions, serverError())
		return mc
	}())

	ctx := context.Background()
	guard.GetPositions(ctx)
	guard.GetPositions(ctx) // trips the breaker, coordination runs async

	waitFor(t, "coordination round", func() bool {
		return len(coord.RecentDecisions()) == 1
	})

	decision := coord.RecentDecisions()[0]
	if decision.BreakerName != ServiceAPI || decision.Decision != circuit.StateOpen {
		t.Errorf("Unexpected decision %+v", decision)
	}
	if !decision.ConsensusReached || decision.ConfidenceScore != 1.0 {
		t.Errorf("Solo round should reach consensus at 1.0, got %v %f",
			decision.ConsensusReached, decision.ConfidenceScore)
	}
}

func TestClusterDecisionAppliesLocally(t *testing.T) {
	store := cache.NewMemoryStore(5 * time.Minute)
	dm := degrade.NewManager(config.DegradationConfig{Enabled: true}, store, nil, zerolog.Nop())
	coord := cluster.NewCoordinator(nil, cluster.InstanceInfo{InstanceID: "test-1"},
		bus.NewSyncMemoryBus(), cluster.MajorityStrategy{}, nil, zerolog.Nop())
	m := NewManager(*circuit.DefaultConfig(), coord, dm, store, nil, zerolog.Nop())

	m.ApplyDecision(cluster.DistributedDecision{
		BreakerName:      "pricing_stream",
		Decision:         circuit.StateOpen,
		ConsensusReached: true,
		DecisionID:       "remote-1",
		ConfidenceScore:  1.0,
	})

	if state := m.Breaker("pricing_stream").GetState(); state != circuit.StateOpen {
		t.Errorf("Peer decision should open the local breaker, got %s", state)
	}

	// Applying the same state again is a no-op
	m.ApplyDecision(cluster.DistributedDecision{
		BreakerName: "pricing_stream",
		Decision:    circuit.StateOpen,
		DecisionID:  "remote-2",
	})
}

func TestResetBreaker(t *testing.T) {
	m, guard, mock, _ := newTestStack()
	ctx := context.Background()
	mock.SetFailure(broker.OpGetPositions, serverError())

	for i := 0; i < 3; i++ {
		guard.GetPositions(ctx)
	}
	if m.Breaker(ServiceAPI).GetState() != circuit.StateOpen {
		t.Fatal("Breaker should be open")
	}

	if !m.ResetBreaker(ServiceAPI) {
		t.Fatal("ResetBreaker should find the breaker")
	}
	if m.Breaker(ServiceAPI).GetState() != circuit.StateClosed {
		t.Error("Reset breaker should be closed")
	}
	if m.ResetBreaker("no_such_breaker") {
		t.Error("Unknown breaker should report false")
	}
}

func TestBreakerSnapshotsSorted(t *testing.T) {
	m, _, _, _ := newTestStack()
	m.Breaker("zeta")
	m.Breaker("alpha")

	snaps := m.BreakerSnapshots()
	if len(snaps) != 2 || snaps[0].Name != "alpha" || snaps[1].Name != "zeta" {
		t.Errorf("Snapshots should be sorted by name, got %v", snaps)
	}
}

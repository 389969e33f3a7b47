package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// MockClient simulates the broker API for development and testing.
// Failures are injected per operation name and persist until cleared,
// so repeated calls can walk a circuit breaker through its states.
type MockClient struct {
	mu         sync.RWMutex
	prices     map[string]float64
	lastUpdate time.Time
	balance    float64
	positions  []Position
	orderSeq   int64
	failures   map[string]error
	callCounts map[string]int
}

// NewMockClient creates a mock client with realistic forex quotes
func NewMockClient() *MockClient {
	return &MockClient{
		prices: map[string]float64{
			"EUR_USD": 1.0850,
			"GBP_USD": 1.2700,
			"USD_JPY": 149.50,
			"AUD_USD": 0.6550,
			"USD_CAD": 1.3600,
			"EUR_GBP": 0.8540,
			"NZD_USD": 0.6100,
			"USD_CHF": 0.8800,
		},
		lastUpdate: time.Now(),
		balance:    100000.00,
		failures:   make(map[string]error),
		callCounts: make(map[string]int),
	}
}

// SetFailure makes every call to the named operation return err until
// cleared.
func (mc *MockClient) SetFailure(operation string, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.failures[operation] = err
}

// ClearFailure removes an injected failure
func (mc *MockClient) ClearFailure(operation string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.failures, operation)
}

// ClearFailures removes all injected failures
func (mc *MockClient) ClearFailures() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.failures = make(map[string]error)
}

// CallCount returns how many times an operation was invoked
func (mc *MockClient) CallCount(operation string) int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.callCounts[operation]
}

// begin counts the call and returns any injected failure
func (mc *MockClient) begin(operation string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.callCounts[operation]++
	return mc.failures[operation]
}

// updatePrices adds small random variations to simulate market movement
func (mc *MockClient) updatePrices() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if time.Since(mc.lastUpdate) < time.Second {
		return
	}

	for instrument, price := range mc.prices {
		// Random walk: -0.05% to +0.05%
		change := (rand.Float64() - 0.5) * 0.001
		mc.prices[instrument] = price * (1 + change)
	}
	mc.lastUpdate = time.Now()
}

func (mc *MockClient) GetAccount(ctx context.Context) (*Account, error) {
	if err := mc.begin(OpGetAccount); err != nil {
		return nil, err
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	unrealized := 0.0
	for _, p := range mc.positions {
		unrealized += p.UnrealizedPL
	}

	return &Account{
		ID:                "mock-account-001",
		Alias:             "Mock Practice",
		Currency:          "USD",
		Balance:           mc.balance,
		NAV:               mc.balance + unrealized,
		UnrealizedPL:      unrealized,
		MarginUsed:        float64(len(mc.positions)) * 250.0,
		MarginAvailable:   mc.balance - float64(len(mc.positions))*250.0,
		OpenPositionCount: len(mc.positions),
		OpenTradeCount:    len(mc.positions),
	}, nil
}

func (mc *MockClient) GetBalance(ctx context.Context) (float64, error) {
	if err := mc.begin(OpGetBalance); err != nil {
		return 0, err
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.balance, nil
}

func (mc *MockClient) GetPositions(ctx context.Context) ([]Position, error) {
	if err := mc.begin(OpGetPositions); err != nil {
		return nil, err
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	out := make([]Position, len(mc.positions))
	copy(out, mc.positions)
	return out, nil
}

func (mc *MockClient) GetPricing(ctx context.Context, instruments []string) ([]Price, error) {
	if err := mc.begin(OpGetPricing); err != nil {
		return nil, err
	}
	mc.updatePrices()

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	now := time.Now()
	prices := make([]Price, 0, len(instruments))
	for _, instrument := range instruments {
		mid, ok := mc.prices[instrument]
		if !ok {
			mid = 1.0
		}
		spread := mid * 0.0001
		prices = append(prices, Price{
			Instrument: instrument,
			Time:       now,
			Bid:        mid - spread/2,
			Ask:        mid + spread/2,
		})
	}
	return prices, nil
}

func (mc *MockClient) GetOrders(ctx context.Context) ([]Order, error) {
	if err := mc.begin(OpGetOrders); err != nil {
		return nil, err
	}
	return []Order{}, nil
}

func (mc *MockClient) GetTransactions(ctx context.Context, sinceID string) ([]Transaction, error) {
	if err := mc.begin(OpGetTransactions); err != nil {
		return nil, err
	}
	return []Transaction{}, nil
}

func (mc *MockClient) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := mc.begin(OpCreateOrder); err != nil {
		return nil, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	mid, ok := mc.prices[req.Instrument]
	if !ok {
		mid = 1.0
	}

	mc.orderSeq++
	mc.positions = append(mc.positions, Position{
		Instrument:   req.Instrument,
		Units:        req.Units,
		AveragePrice: mid,
	})

	return &OrderResult{
		OrderID:    fmt.Sprintf("mock-%d", mc.orderSeq),
		Instrument: req.Instrument,
		Units:      req.Units,
		Price:      mid,
		Time:       time.Now(),
		Filled:     true,
	}, nil
}

func (mc *MockClient) ClosePosition(ctx context.Context, instrument string) error {
	if err := mc.begin(OpClosePosition); err != nil {
		return err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	kept := mc.positions[:0]
	for _, p := range mc.positions {
		if p.Instrument != instrument {
			kept = append(kept, p)
		}
	}
	mc.positions = kept
	return nil
}

func (mc *MockClient) CloseAllPositions(ctx context.Context) (int, error) {
	if err := mc.begin(OpEmergencyClose); err != nil {
		return 0, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	closed := len(mc.positions)
	mc.positions = nil
	return closed, nil
}

func (mc *MockClient) Ping(ctx context.Context) error {
	return mc.begin("ping")
}

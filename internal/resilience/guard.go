package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"broker-resilience/internal/broker"
	"broker-resilience/internal/cache"
)

// Service names used as breaker identities and degradation bookkeeping
// keys. These are the critical services for cascade detection.
const (
	ServiceAPI     = "oanda_api"
	ServicePricing = "pricing_stream"
	ServiceOrders  = "order_execution"
)

// Guard wraps a broker client so every call runs through the resilience
// pipeline: circuit breaker, cluster coordination, degradation gate,
// and the fallback chain with per-operation cache keys.
type Guard struct {
	manager *Manager
	client  broker.Client
}

// NewGuard creates a guarded view of the broker client
func NewGuard(manager *Manager, client broker.Client) *Guard {
	return &Guard{manager: manager, client: client}
}

// Client returns the underlying broker client
func (g *Guard) Client() broker.Client {
	return g.client
}

// decode rebuilds a typed value from a guarded result. Cached answers
// that crossed a JSON boundary come back as generic maps, so a plain
// type assertion is not enough.
func decode(value interface{}, out interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("error encoding cached value: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("error decoding cached value: %w", err)
	}
	return nil
}

func (g *Guard) GetAccount(ctx context.Context) (*broker.Account, error) {
	result, err := g.manager.Execute(ctx, CallSpec{
		Breaker:   ServiceAPI,
		Operation: broker.OpGetAccount,
		Service:   ServiceAPI,
		CacheKey:  cache.ResponseKey(broker.OpGetAccount),
	}, func(ctx context.Context) (interface{}, error) {
		return g.client.GetAccount(ctx)
	})
	if err != nil {
		return nil, err
	}

	var account broker.Account
	if err := decode(result, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (g *Guard) GetBalance(ctx context.Context) (float64, error) {
	result, err := g.manager.Execute(ctx, CallSpec{
		Breaker:   ServiceAPI,
		Operation: broker.OpGetBalance,
		Service:   ServiceAPI,
		CacheKey:  cache.ResponseKey(broker.OpGetBalance),
	}, func(ctx context.Context) (interface{}, error) {
		return g.client.GetBalance(ctx)
	})
	if err != nil {
		return 0, err
	}

	var balance float64
	if err := decode(result, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func (g *Guard) GetPositions(ctx context.Context) ([]broker.Position, error) {
	result, err := g.manager.Execute(ctx, CallSpec{
		Breaker:   ServiceAPI,
		Operation: broker.OpGetPositions,
		Service:   ServiceAPI,
		CacheKey:  cache.ResponseKey(broker.OpGetPositions),
	}, func(ctx context.Context) (interface{}, error) {
		return g.client.GetPositions(ctx)
	})
	if err != nil {
		return nil, err
	}

	var positions []broker.Position
	if err := decode(result, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (g *Guard) GetPricing(ctx context.Context, instruments []string) ([]broker.Price, error) {
	key := cache.ResponseKey(broker.OpGetPricing + ":" + strings.Join(instruments, ","))
	result, err := g.manager.Execute(ctx, CallSpec{
		Breaker:   ServicePricing,
		Operation: broker.OpGetPricing,
		Service:   ServicePricing,
		CacheKey:  key,
	}, func(ctx context.Context) (interface{}, error) {
		return g.client.GetPricing(ctx, instruments)
	})
	if err != nil {
		return nil, err
	}

	var prices []broker.Price
	if err := decode(result, &prices); err != nil {
		return nil, err
	}
	return prices, nil
}

func (g *Guard) GetOrders(ctx context.Context) ([]broker.Order, error) {
	result, err := g.manager.Execute(ctx, CallSpec{
		Breaker:   ServiceAPI,
		Operation: broker.OpGetOrders,
		Service:   ServiceAPI,
		CacheKey:  cache.ResponseKey(broker.OpGetOrders),
	}, func(ctx context.Context) (interface{}, error) {
		return g.client.GetOrders(ctx)
	})
	if err != nil {
		return nil, err
	}

	var orders []broker.Order
	if err := decode(result, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (g *Guard) GetTransactions(ctx context.Context, sinceID string) ([]broker.Transaction, error) {
	result, err := g.manager.Execute(ctx, CallSpec{
		Breaker:   ServiceAPI,
		Operation: broker.OpGetTransactions,
		Service:   ServiceAPI,
		CacheKey:  cache.ResponseKey(broker.OpGetTransactions),
	}, func(ctx context.Context) (interface{}, error) {
		return g.client.GetTransactions(ctx, sinceID)
	})
	if err != nil {
		return nil, err
	}

	var transactions []broker.Transaction
	if err := decode(result, &transactions); err != nil {
		return nil, err
	}
	return transactions, nil
}

// CreateOrder places an order. Mutations are never cached; the breaker
// and degradation gate are the whole protection.
func (g *Guard) CreateOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	result, err := g.manager.Execute(ctx, CallSpec{
		Breaker:   ServiceOrders,
		Operation: broker.OpCreateOrder,
		Service:   ServiceOrders,
	}, func(ctx context.Context) (interface{}, error) {
		return g.client.CreateOrder(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	var placed broker.OrderResult
	if err := decode(result, &placed); err != nil {
		return nil, err
	}
	return &placed, nil
}

func (g *Guard) ClosePosition(ctx context.Context, instrument string) error {
	_, err := g.manager.Execute(ctx, CallSpec{
		Breaker:   ServiceOrders,
		Operation: broker.OpClosePosition,
		Service:   ServiceOrders,
	}, func(ctx context.Context) (interface{}, error) {
		return nil, g.client.ClosePosition(ctx, instrument)
	})
	return err
}

// EmergencyClose flattens the account. Allowed at every degradation
// level; this is the safety valve the rest of the ladder protects.
func (g *Guard) EmergencyClose(ctx context.Context) (int, error) {
	result, err := g.manager.Execute(ctx, CallSpec{
		Breaker:   ServiceOrders,
		Operation: broker.OpEmergencyClose,
		Service:   ServiceOrders,
	}, func(ctx context.Context) (interface{}, error) {
		return g.client.CloseAllPositions(ctx)
	})
	if err != nil {
		return 0, err
	}

	var closed int
	if err := decode(result, &closed); err != nil {
		return 0, err
	}
	return closed, nil
}

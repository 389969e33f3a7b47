package broker

import (
	"context"
	"testing"
)

func newTestMockClient() *MockClient {
	return NewMockClient()
}

func TestMockSeedsPrices(t *testing.T) {
	client := newTestMockClient()

	prices, err := client.GetPricing(context.Background(), []string{"EUR_USD"})
	if err != nil {
		t.Fatalf("GetPricing failed: %v", err)
	}
	if len(prices) != 1 {
		t.Fatalf("Expected one price, got %d", len(prices))
	}
	p := prices[0]
	if p.Bid >= p.Ask {
		t.Errorf("Expected bid below ask, got %f/%f", p.Bid, p.Ask)
	}
	if p.Bid < 1.08 || p.Ask > 1.09 {
		t.Errorf("EUR_USD should be around 1.0850, got %f/%f", p.Bid, p.Ask)
	}
}

func TestMockUnknownInstrumentGetsDefaultMid(t *testing.T) {
	client := newTestMockClient()

	prices, err := client.GetPricing(context.Background(), []string{"XAU_XAG"})
	if err != nil {
		t.Fatalf("GetPricing failed: %v", err)
	}
	if len(prices) != 1 {
		t.Fatalf("Expected one price, got %d", len(prices))
	}
	mid := (prices[0].Bid + prices[0].Ask) / 2
	if mid < 0.99 || mid > 1.01 {
		t.Errorf("Unknown instruments default to mid 1.0, got %f", mid)
	}
}

func TestMockFailureInjection(t *testing.T) {
	client := newTestMockClient()
	injected := &APIError{StatusCode: 500, Message: "simulated outage"}
	client.SetFailure(OpGetAccount, injected)

	if _, err := client.GetAccount(context.Background()); err == nil {
		t.Fatal("Expected injected failure")
	}
	if got := client.CallCount(OpGetAccount); got != 1 {
		t.Errorf("Failed calls still count, expected 1, got %d", got)
	}

	client.ClearFailure(OpGetAccount)
	if _, err := client.GetAccount(context.Background()); err != nil {
		t.Fatalf("Expected success after ClearFailure, got %v", err)
	}
	if got := client.CallCount(OpGetAccount); got != 2 {
		t.Errorf("Expected 2 calls, got %d", got)
	}
}

func TestMockOrderLifecycle(t *testing.T) {
	client := newTestMockClient()
	ctx := context.Background()

	result, err := client.CreateOrder(ctx, OrderRequest{Instrument: "EUR_USD", Units: 1000, Type: "MARKET"})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if !result.Filled || result.OrderID != "mock-1" {
		t.Errorf("Expected filled mock-1, got %+v", result)
	}

	positions, err := client.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 1 || positions[0].Instrument != "EUR_USD" {
		t.Fatalf("Expected one EUR_USD position, got %+v", positions)
	}

	if err := client.ClosePosition(ctx, "EUR_USD"); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	positions, _ = client.GetPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("Expected no positions after close, got %+v", positions)
	}
}

func TestMockCloseAllPositions(t *testing.T) {
	client := newTestMockClient()
	ctx := context.Background()

	client.CreateOrder(ctx, OrderRequest{Instrument: "EUR_USD", Units: 1000})
	client.CreateOrder(ctx, OrderRequest{Instrument: "GBP_USD", Units: -500})

	closed, err := client.CloseAllPositions(ctx)
	if err != nil {
		t.Fatalf("CloseAllPositions failed: %v", err)
	}
	if closed != 2 {
		t.Errorf("Expected 2 closed positions, got %d", closed)
	}

	positions, _ := client.GetPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("Expected empty book after emergency close, got %+v", positions)
	}
	if got := client.CallCount(OpEmergencyClose); got != 1 {
		t.Errorf("Expected emergency close to be counted once, got %d", got)
	}
}

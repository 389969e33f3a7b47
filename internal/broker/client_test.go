package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"broker-resilience/config"
)

func newTestRESTClient(t *testing.T, handler http.Handler) *RESTClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewRESTClient(config.BrokerConfig{
		APIToken:  "test-token",
		AccountID: "001-004-1234567-001",
		BaseURL:   server.URL,
		Timeout:   2,
	}, zerolog.Nop())
}

func TestGetAccountParsesSummary(t *testing.T) {
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/accounts/001-004-1234567-001/summary" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Missing bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"account": {
			"id": "001-004-1234567-001",
			"currency": "USD",
			"balance": "10234.56",
			"NAV": "10250.00",
			"unrealizedPL": "15.44",
			"marginUsed": "120.00",
			"marginAvailable": "10130.00",
			"openPositionCount": 2
		}}`))
	}))

	account, err := client.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.Balance != 10234.56 {
		t.Errorf("Expected balance 10234.56, got %f", account.Balance)
	}
	if account.OpenPositionCount != 2 {
		t.Errorf("Expected 2 open positions, got %d", account.OpenPositionCount)
	}
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"errorMessage": "Requests per second exceeded"}`))
	}))

	_, err := client.GetAccount(context.Background())
	if err == nil {
		t.Fatal("Expected an error for a 429 answer")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != 429 || !apiErr.IsRateLimit() {
		t.Errorf("Expected rate-limit error, got %+v", apiErr)
	}
	if apiErr.Message != "Requests per second exceeded" {
		t.Errorf("Expected parsed errorMessage, got %q", apiErr.Message)
	}
}

func TestAPIErrorClassification(t *testing.T) {
	cases := []struct {
		status     int
		auth, rate bool
		server     bool
	}{
		{401, true, false, false},
		{403, true, false, false},
		{429, false, true, false},
		{500, false, false, true},
		{503, false, false, true},
		{400, false, false, false},
	}
	for _, tc := range cases {
		err := &APIError{StatusCode: tc.status}
		if err.IsAuthError() != tc.auth {
			t.Errorf("Status %d: IsAuthError = %v", tc.status, err.IsAuthError())
		}
		if err.IsRateLimit() != tc.rate {
			t.Errorf("Status %d: IsRateLimit = %v", tc.status, err.IsRateLimit())
		}
		if err.IsServerError() != tc.server {
			t.Errorf("Status %d: IsServerError = %v", tc.status, err.IsServerError())
		}
	}
}

func TestGetPricingTakesTopOfBook(t *testing.T) {
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("instruments"); got != "EUR_USD,USD_JPY" {
			t.Errorf("Unexpected instruments query %q", got)
		}
		w.Write([]byte(`{"prices": [{
			"instrument": "EUR_USD",
			"time": "2026-08-25T10:00:00Z",
			"bids": [{"price": "1.08500"}, {"price": "1.08498"}],
			"asks": [{"price": "1.08512"}]
		}]}`))
	}))

	prices, err := client.GetPricing(context.Background(), []string{"EUR_USD", "USD_JPY"})
	if err != nil {
		t.Fatalf("GetPricing failed: %v", err)
	}
	if len(prices) != 1 {
		t.Fatalf("Expected one price, got %d", len(prices))
	}
	if prices[0].Bid != 1.08500 || prices[0].Ask != 1.08512 {
		t.Errorf("Expected top of book 1.08500/1.08512, got %f/%f", prices[0].Bid, prices[0].Ask)
	}
	if prices[0].Spread() <= 0 {
		t.Errorf("Expected positive spread, got %f", prices[0].Spread())
	}
}

func TestGetPositionsPicksActiveSide(t *testing.T) {
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"positions": [
			{
				"instrument": "EUR_USD",
				"long": {"units": "1000", "averagePrice": "1.0800", "unrealizedPL": "5.00"},
				"short": {"units": "0", "averagePrice": "0", "unrealizedPL": "0"},
				"unrealizedPL": "5.00"
			},
			{
				"instrument": "USD_JPY",
				"long": {"units": "0", "averagePrice": "0", "unrealizedPL": "0"},
				"short": {"units": "-500", "averagePrice": "149.20", "unrealizedPL": "-2.50"},
				"unrealizedPL": "-2.50"
			}
		]}`))
	}))

	positions, err := client.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("Expected two positions, got %d", len(positions))
	}
	if positions[0].Units != 1000 || positions[0].AveragePrice != 1.0800 {
		t.Errorf("Long side parsed wrong: %+v", positions[0])
	}
	if positions[1].Units != -500 || positions[1].AveragePrice != 149.20 {
		t.Errorf("Short side parsed wrong: %+v", positions[1])
	}
}

func TestCreateOrderMarketFill(t *testing.T) {
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}

		var body struct {
			Order map[string]interface{} `json:"order"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode order body: %v", err)
		}
		if body.Order["units"] != "1000" {
			t.Errorf("Units must be encoded as string, got %v", body.Order["units"])
		}
		if body.Order["timeInForce"] != "FOK" {
			t.Errorf("Market orders are FOK, got %v", body.Order["timeInForce"])
		}

		w.Write([]byte(`{
			"orderCreateTransaction": {"id": "42", "time": "2026-08-25T10:00:00Z"},
			"orderFillTransaction": {"price": "1.08505"}
		}`))
	}))

	result, err := client.CreateOrder(context.Background(), OrderRequest{
		Instrument: "EUR_USD",
		Units:      1000,
		Type:       "MARKET",
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if result.OrderID != "42" || !result.Filled {
		t.Errorf("Expected filled order 42, got %+v", result)
	}
	if result.Price != 1.08505 {
		t.Errorf("Expected fill price 1.08505, got %f", result.Price)
	}
}

func TestPingUsesAccountsEndpoint(t *testing.T) {
	var gotPath string
	client := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if gotPath != "/v3/accounts" {
		t.Errorf("Expected /v3/accounts, got %s", gotPath)
	}
}

package broker

import (
	"fmt"
	"time"
)

// Operation names used for degradation gating and cache keys
const (
	OpGetAccount      = "get_account"
	OpGetBalance      = "get_balance"
	OpGetPositions    = "get_positions"
	OpGetPricing      = "get_prices"
	OpGetOrders       = "get_orders"
	OpGetTransactions = "get_transactions"
	OpCreateOrder     = "create_order"
	OpClosePosition   = "close_position"
	OpEmergencyClose  = "emergency_close"
	OpRiskCheck       = "risk_check"
)

// Account summarizes the trading account state
type Account struct {
	ID                string  `json:"id"`
	Alias             string  `json:"alias,omitempty"`
	Currency          string  `json:"currency"`
	Balance           float64 `json:"balance,string"`
	NAV               float64 `json:"NAV,string"`
	UnrealizedPL      float64 `json:"unrealizedPL,string"`
	MarginUsed        float64 `json:"marginUsed,string"`
	MarginAvailable   float64 `json:"marginAvailable,string"`
	OpenPositionCount int     `json:"openPositionCount"`
	OpenTradeCount    int     `json:"openTradeCount"`
	PendingOrderCount int     `json:"pendingOrderCount"`
}

// Position is a net open position in one instrument
type Position struct {
	Instrument   string  `json:"instrument"`
	Units        float64 `json:"units"`        // Positive long, negative short
	AveragePrice float64 `json:"average_price"`
	UnrealizedPL float64 `json:"unrealized_pl"`
}

// Price is a bid/ask quote for one instrument
type Price struct {
	Instrument string    `json:"instrument"`
	Time       time.Time `json:"time"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
}

// Spread returns the bid/ask spread
func (p Price) Spread() float64 {
	return p.Ask - p.Bid
}

// Order is a pending order on the account
type Order struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	Units      float64   `json:"units,string"`
	Type       string    `json:"type"`
	State      string    `json:"state"`
	CreateTime time.Time `json:"createTime"`
}

// OrderRequest describes a new order to place
type OrderRequest struct {
	Instrument string  `json:"instrument"`
	Units      float64 `json:"units"` // Positive buy, negative sell
	Type       string  `json:"type"`  // MARKET or LIMIT
	Price      float64 `json:"price,omitempty"`
}

// OrderResult is the outcome of placing an order
type OrderResult struct {
	OrderID    string    `json:"order_id"`
	Instrument string    `json:"instrument"`
	Units      float64   `json:"units"`
	Price      float64   `json:"price"`
	Time       time.Time `json:"time"`
	Filled     bool      `json:"filled"`
}

// Transaction is one account ledger entry
type Transaction struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Instrument string    `json:"instrument,omitempty"`
	Units      float64   `json:"units,string,omitempty"`
	Price      float64   `json:"price,string,omitempty"`
	Time       time.Time `json:"time"`
}

// APIError is a non-2xx answer from the broker API. Callers branch on
// StatusCode to classify the failure.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether the error means credentials are bad
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// IsRateLimit reports whether the broker throttled us
func (e *APIError) IsRateLimit() bool {
	return e.StatusCode == 429
}

// IsServerError reports a broker-side failure
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500
}

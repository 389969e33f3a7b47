package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"broker-resilience/config"
)

// Client is the broker API surface the resilience layer guards. Every
// method is a blocking remote call.
type Client interface {
	GetAccount(ctx context.Context) (*Account, error)
	GetBalance(ctx context.Context) (float64, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetPricing(ctx context.Context, instruments []string) ([]Price, error)
	GetOrders(ctx context.Context) ([]Order, error)
	GetTransactions(ctx context.Context, sinceID string) ([]Transaction, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	ClosePosition(ctx context.Context, instrument string) error
	CloseAllPositions(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// NewClient returns the mock client in mock mode, the REST client
// otherwise.
func NewClient(cfg config.BrokerConfig, logger zerolog.Logger) Client {
	if cfg.MockMode {
		return NewMockClient()
	}
	return NewRESTClient(cfg, logger)
}

// RESTClient talks to the OANDA v20 REST API
type RESTClient struct {
	baseURL    string
	accountID  string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewRESTClient creates a REST client from broker config
func NewRESTClient(cfg config.BrokerConfig, logger zerolog.Logger) *RESTClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &RESTClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accountID:  cfg.AccountID,
		token:      cfg.APIToken,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "BrokerClient").Logger(),
	}
}

// doRequest performs one API call. Non-2xx answers become *APIError so
// the degradation layer can classify them by status code; transport
// errors are wrapped and keep their net.Error identity.
func (c *RESTClient) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("error building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw),
		}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("error parsing response: %w", err)
		}
	}
	return nil
}

// errorMessage extracts the API's errorMessage field, falling back to
// the raw body.
func errorMessage(raw []byte) string {
	var parsed struct {
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.ErrorMessage != "" {
		return parsed.ErrorMessage
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func (c *RESTClient) GetAccount(ctx context.Context) (*Account, error) {
	var resp struct {
		Account Account `json:"account"`
	}
	path := fmt.Sprintf("/v3/accounts/%s/summary", c.accountID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Account, nil
}

func (c *RESTClient) GetBalance(ctx context.Context) (float64, error) {
	account, err := c.GetAccount(ctx)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// positionSide is the long or short leg of an open position
type positionSide struct {
	Units        float64 `json:"units,string"`
	AveragePrice float64 `json:"averagePrice,string"`
	UnrealizedPL float64 `json:"unrealizedPL,string"`
}

func (c *RESTClient) GetPositions(ctx context.Context) ([]Position, error) {
	var resp struct {
		Positions []struct {
			Instrument   string       `json:"instrument"`
			Long         positionSide `json:"long"`
			Short        positionSide `json:"short"`
			UnrealizedPL float64      `json:"unrealizedPL,string"`
		} `json:"positions"`
	}
	path := fmt.Sprintf("/v3/accounts/%s/openPositions", c.accountID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		side := p.Long
		if p.Short.Units != 0 {
			side = p.Short
		}
		positions = append(positions, Position{
			Instrument:   p.Instrument,
			Units:        p.Long.Units + p.Short.Units,
			AveragePrice: side.AveragePrice,
			UnrealizedPL: p.UnrealizedPL,
		})
	}
	return positions, nil
}

func (c *RESTClient) GetPricing(ctx context.Context, instruments []string) ([]Price, error) {
	var resp struct {
		Prices []struct {
			Instrument string    `json:"instrument"`
			Time       time.Time `json:"time"`
			Bids       []struct {
				Price float64 `json:"price,string"`
			} `json:"bids"`
			Asks []struct {
				Price float64 `json:"price,string"`
			} `json:"asks"`
		} `json:"prices"`
	}
	path := fmt.Sprintf("/v3/accounts/%s/pricing?instruments=%s",
		c.accountID, strings.Join(instruments, ","))
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	prices := make([]Price, 0, len(resp.Prices))
	for _, p := range resp.Prices {
		price := Price{Instrument: p.Instrument, Time: p.Time}
		if len(p.Bids) > 0 {
			price.Bid = p.Bids[0].Price
		}
		if len(p.Asks) > 0 {
			price.Ask = p.Asks[0].Price
		}
		prices = append(prices, price)
	}
	return prices, nil
}

func (c *RESTClient) GetOrders(ctx context.Context) ([]Order, error) {
	var resp struct {
		Orders []Order `json:"orders"`
	}
	path := fmt.Sprintf("/v3/accounts/%s/orders?state=PENDING", c.accountID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

func (c *RESTClient) GetTransactions(ctx context.Context, sinceID string) ([]Transaction, error) {
	if sinceID == "" {
		sinceID = "1"
	}
	var resp struct {
		Transactions []Transaction `json:"transactions"`
	}
	path := fmt.Sprintf("/v3/accounts/%s/transactions/sinceid?id=%s", c.accountID, sinceID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

func (c *RESTClient) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	orderType := req.Type
	if orderType == "" {
		orderType = "MARKET"
	}

	order := map[string]interface{}{
		"instrument":   req.Instrument,
		"units":        strconv.FormatFloat(req.Units, 'f', -1, 64),
		"type":         orderType,
		"timeInForce":  "FOK",
		"positionFill": "DEFAULT",
	}
	if orderType == "LIMIT" {
		order["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		order["timeInForce"] = "GTC"
	}

	var resp struct {
		OrderCreateTransaction struct {
			ID   string    `json:"id"`
			Time time.Time `json:"time"`
		} `json:"orderCreateTransaction"`
		OrderFillTransaction struct {
			Price float64 `json:"price,string"`
		} `json:"orderFillTransaction"`
	}
	path := fmt.Sprintf("/v3/accounts/%s/orders", c.accountID)
	body := map[string]interface{}{"order": order}
	if err := c.doRequest(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}

	return &OrderResult{
		OrderID:    resp.OrderCreateTransaction.ID,
		Instrument: req.Instrument,
		Units:      req.Units,
		Price:      resp.OrderFillTransaction.Price,
		Time:       resp.OrderCreateTransaction.Time,
		Filled:     resp.OrderFillTransaction.Price != 0,
	}, nil
}

func (c *RESTClient) ClosePosition(ctx context.Context, instrument string) error {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return err
	}

	var target *Position
	for i := range positions {
		if positions[i].Instrument == instrument {
			target = &positions[i]
			break
		}
	}
	if target == nil {
		return nil // Nothing open
	}

	// The API rejects close requests for a side with no units
	body := map[string]string{}
	if target.Units > 0 {
		body["longUnits"] = "ALL"
	} else {
		body["shortUnits"] = "ALL"
	}

	path := fmt.Sprintf("/v3/accounts/%s/positions/%s/close", c.accountID, instrument)
	return c.doRequest(ctx, http.MethodPut, path, body, nil)
}

func (c *RESTClient) CloseAllPositions(ctx context.Context) (int, error) {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	var firstErr error
	for _, p := range positions {
		if err := c.ClosePosition(ctx, p.Instrument); err != nil {
			c.logger.Error().Err(err).Str("instrument", p.Instrument).Msg("Failed to close position")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		closed++
	}
	return closed, firstErr
}

func (c *RESTClient) Ping(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/v3/accounts", nil, nil)
}

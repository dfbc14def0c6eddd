package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// BaseURL is the production Bybit v5 API URL
	BaseURL = "https://api.bybit.com"
	// TestnetURL is the testnet Bybit v5 API URL
	TestnetURL = "https://api-testnet.bybit.com"

	recvWindow = "10000" // ms tolerance for clock skew
	category   = "linear"
)

// Retry configuration for API calls
const (
	maxRetries       = 3
	initialRetryWait = 500 * time.Millisecond
	maxRetryWait     = 5 * time.Second
	throttleCooldown = 10 * time.Second
)

// Gateway call errors
var (
	ErrGatewayTimeout  = errors.New("gateway call timed out")
	ErrGatewayRejected = errors.New("gateway rejected the request")
)

// RestClient implements Client against the Bybit v5 REST API for one account.
type RestClient struct {
	account    Account
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     zerolog.Logger
}

// NewRestClient creates a client for a single account.
func NewRestClient(account Account, apiKey, secretKey string, testnet bool, logger zerolog.Logger) *RestClient {
	baseURL := BaseURL
	if testnet {
		baseURL = TestnetURL
	}

	// Trim whitespace from keys - stray newlines break signature generation
	return &RestClient{
		account:    account,
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    NewRateLimiter(120, time.Minute),
		logger:     logger.With().Str("component", "BybitClient").Str("account", string(account)).Logger(),
	}
}

// Account returns the account this client was built for.
func (c *RestClient) Account() Account {
	return c.account
}

// GetPosition retrieves the live position for a symbol. A flat position is
// returned with zero size.
func (c *RestClient) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)

	body, err := c.signedGet(ctx, "/v5/position/list", params, PriorityHigh)
	if err != nil {
		return nil, fmt.Errorf("fetching position for %s: %w", symbol, err)
	}

	var result positionListResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parsing position list: %w", err)
	}

	pos := &Position{
		Account: c.account,
		Symbol:  symbol,
		Size:    decimal.Zero,
	}
	for _, entry := range result.List {
		if entry.Symbol != symbol {
			continue
		}
		size, err := decimal.NewFromString(entry.Size)
		if err != nil {
			return nil, fmt.Errorf("parsing position size %q: %w", entry.Size, err)
		}
		avg, err := parseDecimalOrZero(entry.AvgPrice)
		if err != nil {
			return nil, fmt.Errorf("parsing avg price %q: %w", entry.AvgPrice, err)
		}
		pos.Side = Side(entry.Side)
		pos.Size = size
		pos.AvgPrice = avg
		break
	}
	return pos, nil
}

// GetOpenOrders retrieves all resting orders for a symbol, including
// untriggered conditional orders.
func (c *RestClient) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("openOnly", "0")

	body, err := c.signedGet(ctx, "/v5/order/realtime", params, PriorityHigh)
	if err != nil {
		return nil, fmt.Errorf("fetching open orders for %s: %w", symbol, err)
	}

	var result orderListResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parsing order list: %w", err)
	}

	orders := make([]Order, 0, len(result.List))
	for _, entry := range result.List {
		price, err := parseDecimalOrZero(entry.Price)
		if err != nil {
			return nil, fmt.Errorf("parsing order price %q: %w", entry.Price, err)
		}
		qty, err := parseDecimalOrZero(entry.Qty)
		if err != nil {
			return nil, fmt.Errorf("parsing order qty %q: %w", entry.Qty, err)
		}
		trigger, err := parseDecimalOrZero(entry.TriggerPrice)
		if err != nil {
			return nil, fmt.Errorf("parsing trigger price %q: %w", entry.TriggerPrice, err)
		}

		orders = append(orders, Order{
			OrderID:      entry.OrderID,
			Symbol:       entry.Symbol,
			Side:         Side(entry.Side),
			Kind:         classifyOrder(entry.OrderType, entry.StopOrderType, entry.ReduceOnly),
			Price:        price,
			Quantity:     qty,
			ReduceOnly:   entry.ReduceOnly,
			Status:       entry.OrderStatus,
			TriggerPrice: trigger,
		})
	}
	return orders, nil
}

// PlaceOrder places a new order and returns the exchange order id.
func (c *RestClient) PlaceOrder(ctx context.Context, params OrderParams) (string, error) {
	req := map[string]any{
		"category":   category,
		"symbol":     params.Symbol,
		"side":       string(params.Side),
		"qty":        params.Quantity.String(),
		"reduceOnly": params.ReduceOnly,
	}
	if params.OrderLinkID != "" {
		req["orderLinkId"] = params.OrderLinkID
	}

	switch params.Kind {
	case OrderKindLimit, OrderKindTakeProfit:
		req["orderType"] = "Limit"
		req["price"] = params.Price.String()
	case OrderKindStopLoss:
		req["orderType"] = "Market"
		req["triggerPrice"] = params.TriggerPrice.String()
		// direction the mark price must cross: down for long stops, up for shorts
		if params.Side == SideSell {
			req["triggerDirection"] = 2
		} else {
			req["triggerDirection"] = 1
		}
	default:
		return "", fmt.Errorf("unsupported order kind %q", params.Kind)
	}

	body, err := c.signedPost(ctx, "/v5/order/create", req, PriorityCritical)
	if err != nil {
		return "", fmt.Errorf("placing %s order for %s: %w", params.Kind, params.Symbol, err)
	}

	var result orderCreateResult
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parsing order create response: %w", err)
	}
	return result.OrderID, nil
}

// CancelOrder cancels a resting order.
func (c *RestClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	req := map[string]any{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	if _, err := c.signedPost(ctx, "/v5/order/cancel", req, PriorityCritical); err != nil {
		return fmt.Errorf("cancelling order %s: %w", orderID, err)
	}
	return nil
}

// AmendOrderQuantity changes a resting order's quantity in place.
func (c *RestClient) AmendOrderQuantity(ctx context.Context, symbol, orderID string, qty string) error {
	req := map[string]any{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
		"qty":      qty,
	}
	if _, err := c.signedPost(ctx, "/v5/order/amend", req, PriorityCritical); err != nil {
		return fmt.Errorf("amending order %s qty to %s: %w", orderID, qty, err)
	}
	return nil
}

// ==================== REQUEST PLUMBING ====================

// signedGet performs an authenticated GET with rate limiting and bounded
// retry. The payload signed is the raw query string.
func (c *RestClient) signedGet(ctx context.Context, endpoint string, params url.Values, priority RequestPriority) ([]byte, error) {
	return c.doWithRetry(ctx, priority, func() (*http.Request, error) {
		query := params.Encode()
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		c.signRequest(req, timestamp, query)
		return req, nil
	}, endpoint)
}

// signedPost performs an authenticated POST with a JSON body. The payload
// signed is the serialized body.
func (c *RestClient) signedPost(ctx context.Context, endpoint string, payload map[string]any, priority RequestPriority) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	return c.doWithRetry(ctx, priority, func() (*http.Request, error) {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.signRequest(req, timestamp, string(body))
		return req, nil
	}, endpoint)
}

// signRequest sets the v5 auth headers. The signature covers
// timestamp + apiKey + recvWindow + payload.
func (c *RestClient) signRequest(req *http.Request, timestamp, payload string) {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", signature)
}

// doWithRetry executes the request with exponential backoff. Requests are
// rebuilt per attempt so each carries a fresh timestamp and signature.
func (c *RestClient) doWithRetry(ctx context.Context, priority RequestPriority, build func() (*http.Request, error), endpoint string) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialRetryWait
	policy.MaxInterval = maxRetryWait

	var result []byte
	attempt := 0

	operation := func() error {
		attempt++

		if !c.limiter.WaitForSlot(priority, 30*time.Second) {
			return backoff.Permanent(fmt.Errorf("%w: rate limiter circuit open", ErrGatewayRejected))
		}

		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrGatewayTimeout, err))
			}
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempt).Msg("Request failed, retrying")
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if resp.StatusCode == http.StatusTooManyRequests {
				c.limiter.RecordThrottle(throttleCooldown)
			}
			c.logger.Warn().Int("status", resp.StatusCode).Str("endpoint", endpoint).Int("attempt", attempt).Msg("Retryable HTTP status")
			return fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("%w: http status %d: %s", ErrGatewayRejected, resp.StatusCode, string(body)))
		}

		var envelope apiResponse
		if err := json.Unmarshal(body, &envelope); err != nil {
			return backoff.Permanent(fmt.Errorf("parsing response envelope: %w", err))
		}
		if envelope.RetCode != 0 {
			if isRetryableRetCode(envelope.RetCode) {
				if envelope.RetCode == retCodeRateLimit {
					c.limiter.RecordThrottle(throttleCooldown)
				}
				return fmt.Errorf("retCode %d: %s", envelope.RetCode, envelope.RetMsg)
			}
			return backoff.Permanent(fmt.Errorf("%w: retCode %d: %s", ErrGatewayRejected, envelope.RetCode, envelope.RetMsg))
		}

		result = envelope.Result
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrGatewayRejected) {
			return nil, fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
		}
		return nil, err
	}
	return result, nil
}

// Bybit transient retCodes
const (
	retCodeRateLimit = 10006
	retCodeTimeout   = 10016
	retCodeBusy      = 10018
)

func isRetryableRetCode(code int) bool {
	switch code {
	case retCodeRateLimit, retCodeTimeout, retCodeBusy:
		return true
	default:
		return false
	}
}

// classifyOrder maps Bybit order fields onto the ladder roles the engine
// tracks. Reduce-only limits are TP legs; conditional reduce-only orders
// are stops; everything else is an entry leg.
func classifyOrder(orderType, stopOrderType string, reduceOnly bool) OrderKind {
	if stopOrderType != "" && stopOrderType != "UNKNOWN" {
		return OrderKindStopLoss
	}
	if reduceOnly && orderType == "Limit" {
		return OrderKindTakeProfit
	}
	return OrderKindLimit
}

func parseDecimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

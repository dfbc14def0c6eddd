package bybit

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MockClient implements the Client interface for dry-run mode and tests.
// Positions and orders are scripted by the caller; every mutating call is
// recorded so tests can assert on gateway traffic (e.g. rebalancer
// idempotence).
type MockClient struct {
	mu        sync.RWMutex
	account   Account
	positions map[string]*Position
	orders    map[string]*Order

	// CallLog records each mutating call as "op symbol detail".
	callLog []string

	// Error injection, keyed by operation name: "place", "cancel", "amend",
	// "position", "orders".
	failures map[string]error
}

// NewMockClient creates a mock client for the given account.
func NewMockClient(account Account) *MockClient {
	return &MockClient{
		account:   account,
		positions: make(map[string]*Position),
		orders:    make(map[string]*Order),
		failures:  make(map[string]error),
	}
}

// Account returns the account this client was built for.
func (c *MockClient) Account() Account {
	return c.account
}

// SetPosition scripts the live position for a symbol.
func (c *MockClient) SetPosition(symbol string, side Side, size, avgPrice decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[symbol] = &Position{
		Account:  c.account,
		Symbol:   symbol,
		Side:     side,
		Size:     size,
		AvgPrice: avgPrice,
	}
}

// AddOrder scripts a resting order and returns its generated id.
func (c *MockClient) AddOrder(order Order) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}
	c.orders[order.OrderID] = &order
	return order.OrderID
}

// FailWith injects an error for the named operation.
func (c *MockClient) FailWith(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = err
}

// CallLog returns a copy of the recorded mutating calls.
func (c *MockClient) CallLog() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	log := make([]string, len(c.callLog))
	copy(log, c.callLog)
	return log
}

// ResetCallLog clears recorded calls without touching scripted state.
func (c *MockClient) ResetCallLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callLog = nil
}

// GetPosition returns the scripted position, or a flat one if none is set.
func (c *MockClient) GetPosition(_ context.Context, symbol string) (*Position, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.failures["position"]; err != nil {
		return nil, err
	}
	if pos, ok := c.positions[symbol]; ok {
		copied := *pos
		return &copied, nil
	}
	return &Position{Account: c.account, Symbol: symbol, Size: decimal.Zero}, nil
}

// GetOpenOrders returns the scripted orders for a symbol.
func (c *MockClient) GetOpenOrders(_ context.Context, symbol string) ([]Order, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.failures["orders"]; err != nil {
		return nil, err
	}
	var orders []Order
	for _, o := range c.orders {
		if o.Symbol == symbol {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

// PlaceOrder records the placement and adds the order to the book.
func (c *MockClient) PlaceOrder(_ context.Context, params OrderParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failures["place"]; err != nil {
		return "", err
	}

	orderID := uuid.NewString()
	c.orders[orderID] = &Order{
		OrderID:      orderID,
		Symbol:       params.Symbol,
		Side:         params.Side,
		Kind:         params.Kind,
		Price:        params.Price,
		Quantity:     params.Quantity,
		ReduceOnly:   params.ReduceOnly,
		Status:       "New",
		TriggerPrice: params.TriggerPrice,
	}
	c.callLog = append(c.callLog, fmt.Sprintf("place %s %s qty=%s", params.Symbol, params.Kind, params.Quantity))
	return orderID, nil
}

// CancelOrder records the cancellation and removes the order.
func (c *MockClient) CancelOrder(_ context.Context, symbol, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failures["cancel"]; err != nil {
		return err
	}
	if _, ok := c.orders[orderID]; !ok {
		return fmt.Errorf("%w: order %s not found", ErrGatewayRejected, orderID)
	}
	delete(c.orders, orderID)
	c.callLog = append(c.callLog, fmt.Sprintf("cancel %s %s", symbol, orderID))
	return nil
}

// AmendOrderQuantity records the amendment and updates the resting order.
func (c *MockClient) AmendOrderQuantity(_ context.Context, symbol, orderID string, qty string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failures["amend"]; err != nil {
		return err
	}
	order, ok := c.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s not found", ErrGatewayRejected, orderID)
	}
	parsed, err := decimal.NewFromString(qty)
	if err != nil {
		return fmt.Errorf("%w: bad qty %q", ErrGatewayRejected, qty)
	}
	order.Quantity = parsed
	c.callLog = append(c.callLog, fmt.Sprintf("amend %s %s qty=%s", symbol, orderID, qty))
	return nil
}

// Order returns a scripted order by id, for test assertions.
func (c *MockClient) Order(orderID string) (Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if o, ok := c.orders[orderID]; ok {
		return *o, true
	}
	return Order{}, false
}

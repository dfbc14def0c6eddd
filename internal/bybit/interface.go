package bybit

import (
	"context"
	"fmt"
)

// Client defines the gateway operations the reconciliation engine consumes.
// A Client instance is bound to a single exchange account at construction;
// account isolation is structural, not parameter-discipline.
type Client interface {
	// Account returns the account this client was built for.
	Account() Account

	// GetPosition retrieves the live position for a symbol.
	// A flat position is returned with zero size, not an error.
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// GetOpenOrders retrieves all resting orders for a symbol.
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// PlaceOrder places a new order and returns its exchange order id.
	PlaceOrder(ctx context.Context, params OrderParams) (string, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// AmendOrderQuantity changes a resting order's quantity without
	// touching its price.
	AmendOrderQuantity(ctx context.Context, symbol, orderID string, qty string) error
}

// ClientSet holds one authenticated client per account. The scheduler asks
// for the client matching a monitor's account; there is no default.
type ClientSet struct {
	clients map[Account]Client
}

// NewClientSet builds a set from the given clients, keyed by each client's
// own account.
func NewClientSet(clients ...Client) *ClientSet {
	set := &ClientSet{clients: make(map[Account]Client, len(clients))}
	for _, c := range clients {
		set.clients[c.Account()] = c
	}
	return set
}

// ForAccount returns the client for the given account. There is
// deliberately no fallback: asking for an account that was not configured
// is an error, never a silent swap to the main account.
func (s *ClientSet) ForAccount(account Account) (Client, error) {
	c, ok := s.clients[account]
	if !ok {
		return nil, fmt.Errorf("no client configured for account %q", account)
	}
	return c, nil
}

// Accounts returns the accounts with a configured client.
func (s *ClientSet) Accounts() []Account {
	accounts := make([]Account, 0, len(s.clients))
	for a := range s.clients {
		accounts = append(accounts, a)
	}
	return accounts
}

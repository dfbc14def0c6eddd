package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	privateStreamURL        = "wss://stream.bybit.com/v5/private"
	privateStreamTestnetURL = "wss://stream-testnet.bybit.com/v5/private"

	streamPingInterval = 20 * time.Second
	maxReconnects      = 10
)

// OrderUpdate is a decoded execution update from the private order stream.
// It is a hint for the reconciliation engine: the poll loop remains the
// source of truth, the stream only wakes the affected monitor early.
type OrderUpdate struct {
	Account     Account
	Symbol      string
	Side        Side
	OrderID     string
	OrderStatus string // New, PartiallyFilled, Filled, Cancelled, ...
	CumExecQty  string
}

// OrderStream maintains the Bybit v5 private websocket for one account and
// forwards order execution updates to a callback.
type OrderStream struct {
	mu sync.Mutex

	account   Account
	apiKey    string
	secretKey string
	url       string
	logger    zerolog.Logger

	conn       *websocket.Conn
	isRunning  bool
	stopChan   chan struct{}
	reconnects int

	onOrderUpdate func(OrderUpdate)
}

// NewOrderStream creates a stream handler for one account.
func NewOrderStream(account Account, apiKey, secretKey string, testnet bool, logger zerolog.Logger) *OrderStream {
	url := privateStreamURL
	if testnet {
		url = privateStreamTestnetURL
	}
	return &OrderStream{
		account:   account,
		apiKey:    apiKey,
		secretKey: secretKey,
		url:       url,
		logger:    logger.With().Str("component", "OrderStream").Str("account", string(account)).Logger(),
	}
}

// OnOrderUpdate registers the callback invoked for each order update.
// Must be called before Start.
func (s *OrderStream) OnOrderUpdate(fn func(OrderUpdate)) {
	s.onOrderUpdate = fn
}

// Start connects, authenticates, subscribes to the order topic and begins
// reading in a background goroutine.
func (s *OrderStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}
	if err := s.connectLocked(); err != nil {
		return err
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})

	go s.readLoop()
	go s.pingLoop()

	s.logger.Info().Msg("Order stream started")
	return nil
}

// Stop closes the stream and stops the background goroutines.
func (s *OrderStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.logger.Info().Msg("Order stream stopped")
}

func (s *OrderStream) connectLocked() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dialling private stream: %w", err)
	}

	// Auth: signature over "GET/realtime" + expiry
	expires := strconv.FormatInt(time.Now().Add(10*time.Second).UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte("GET/realtime" + expires))
	signature := hex.EncodeToString(mac.Sum(nil))

	authMsg := map[string]any{
		"op":   "auth",
		"args": []any{s.apiKey, expires, signature},
	}
	if err := conn.WriteJSON(authMsg); err != nil {
		conn.Close()
		return fmt.Errorf("sending auth: %w", err)
	}

	subMsg := map[string]any{
		"op":   "subscribe",
		"args": []string{"order"},
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		conn.Close()
		return fmt.Errorf("subscribing to order topic: %w", err)
	}

	s.conn = conn
	return nil
}

func (s *OrderStream) pingLoop() {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn != nil {
				if err := s.conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					s.logger.Warn().Err(err).Msg("Ping failed")
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *OrderStream) readLoop() {
	for {
		s.mu.Lock()
		conn := s.conn
		running := s.isRunning
		s.mu.Unlock()

		if !running {
			return
		}
		if conn == nil {
			if !s.reconnect() {
				return
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("Read failed, reconnecting")
			s.mu.Lock()
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.mu.Unlock()
			continue
		}

		s.handleMessage(message)
	}
}

func (s *OrderStream) reconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return false
	}
	if s.reconnects >= maxReconnects {
		s.logger.Error().Int("attempts", s.reconnects).Msg("Giving up on stream reconnects; poll loop remains authoritative")
		s.isRunning = false
		return false
	}
	s.reconnects++

	wait := time.Duration(s.reconnects) * time.Second
	s.mu.Unlock()
	time.Sleep(wait)
	s.mu.Lock()

	if err := s.connectLocked(); err != nil {
		s.logger.Warn().Err(err).Int("attempt", s.reconnects).Msg("Reconnect failed")
		return true
	}
	s.logger.Info().Int("attempt", s.reconnects).Msg("Stream reconnected")
	return true
}

type streamEnvelope struct {
	Topic string `json:"topic"`
	Op    string `json:"op"`
	Data  []struct {
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		OrderID     string `json:"orderId"`
		OrderStatus string `json:"orderStatus"`
		CumExecQty  string `json:"cumExecQty"`
	} `json:"data"`
}

func (s *OrderStream) handleMessage(message []byte) {
	var envelope streamEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		s.logger.Debug().Err(err).Msg("Unparseable stream message")
		return
	}
	if envelope.Topic != "order" || s.onOrderUpdate == nil {
		return
	}

	for _, entry := range envelope.Data {
		s.onOrderUpdate(OrderUpdate{
			Account:     s.account,
			Symbol:      entry.Symbol,
			Side:        Side(entry.Side),
			OrderID:     entry.OrderID,
			OrderStatus: entry.OrderStatus,
			CumExecQty:  entry.CumExecQty,
		})
	}
}

package upbit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	wsURL            = "wss://api.upbit.com/websocket/v1"
	reconnectBackoff = 5 * time.Second
)

// Stream maintains a websocket subscription to a market's ticker channel
// and caches the latest trade price. It reconnects forever until Stop.
type Stream struct {
	market string

	mu      sync.RWMutex
	conn    *websocket.Conn
	price   decimal.Decimal
	updated time.Time
	running bool

	onPrice func(decimal.Decimal)
	stopCh  chan struct{}
}

// NewStream creates a ticker stream for one market.
func NewStream(market string) *Stream {
	return &Stream{
		market: market,
		stopCh: make(chan struct{}),
	}
}

// SetPriceCallback registers a callback invoked on every tick.
func (s *Stream) SetPriceCallback(cb func(decimal.Decimal)) {
	s.onPrice = cb
}

// Start connects and begins streaming in the background.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run()
	log.Info().Str("market", s.market).Msg("Ticker stream started")
}

// Stop closes the stream.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	log.Info().Str("market", s.market).Msg("Ticker stream stopped")
}

// Last returns the cached price and whether a tick for the market has been
// seen recently enough to trust.
func (s *Stream) Last(market string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if market != s.market || s.updated.IsZero() {
		return decimal.Zero, false
	}
	if time.Since(s.updated) > 30*time.Second {
		return decimal.Zero, false
	}
	return s.price, true
}

func (s *Stream) run() {
	for s.isRunning() {
		if err := s.connect(); err != nil {
			log.Error().Err(err).Msg("Websocket connection failed, retrying")
			select {
			case <-s.stopCh:
				return
			case <-time.After(reconnectBackoff):
			}
			continue
		}

		s.readMessages()

		if s.isRunning() {
			log.Warn().Msg("Websocket disconnected, reconnecting")
			select {
			case <-s.stopCh:
				return
			case <-time.After(reconnectBackoff):
			}
		}
	}
}

func (s *Stream) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Stream) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	sub := []interface{}{
		map[string]string{"ticket": uuid.NewString()},
		map[string]interface{}{
			"type":           "ticker",
			"codes":          []string{s.market},
			"isOnlyRealtime": true,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("websocket subscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	log.Info().Str("market", s.market).Msg("Websocket connected")
	return nil
}

func (s *Stream) readMessages() {
	for s.isRunning() {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.isRunning() {
				log.Error().Err(err).Msg("Websocket read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *Stream) handleMessage(data []byte) {
	var tick struct {
		TradePrice decimal.Decimal `json:"trade_price"`
	}
	if err := json.Unmarshal(data, &tick); err != nil || tick.TradePrice.IsZero() {
		return
	}

	s.mu.Lock()
	s.price = tick.TradePrice
	s.updated = time.Now()
	s.mu.Unlock()

	if s.onPrice != nil {
		s.onPrice(tick.TradePrice)
	}
}

// Package upbit implements the Upbit exchange adapter: an authenticated
// REST client for orders and balances plus a websocket ticker stream.
//
// This is the only package that speaks the exchange protocol. Errors map to
// the engine's expectations: status lookups for unknown orders return nil
// (not yet visible), listings degrade to empty slices, and order placement
// surfaces explicit rejections.
package upbit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.upbit.com/v1"

// Order states reported by the exchange
const (
	StateWait   = "wait"
	StateDone   = "done"
	StateCancel = "cancel"
)

// Order sides
const (
	SideBid = "bid"
	SideAsk = "ask"
)

// Order is the exchange's view of a single order.
type Order struct {
	ID             string          `json:"uuid"`
	Side           string          `json:"side"`
	State          string          `json:"state"`
	Market         string          `json:"market"`
	Price          decimal.Decimal `json:"price"`
	Volume         decimal.Decimal `json:"volume"`
	ExecutedVolume decimal.Decimal `json:"executed_volume"`
	CreatedAt      string          `json:"created_at"`
}

// account is one row of GET /accounts.
type account struct {
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Locked   decimal.Decimal `json:"locked"`
}

type apiError struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client is the Upbit REST API client. All methods are safe for concurrent
// use; requests are rate-limited below the exchange's published caps
// (8 order requests/s, 30 exchange requests/s).
type Client struct {
	http      *resty.Client
	accessKey string
	secretKey string

	orderLimit *rate.Limiter
	restLimit  *rate.Limiter

	stream *Stream // optional, serves cached ticks for CurrentPrice
}

// NewClient creates a REST client with retry and rate limiting.
func NewClient(accessKey, secretKey string) *Client {
	httpClient := resty.New().
		SetBaseURL(defaultBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:       httpClient,
		accessKey:  accessKey,
		secretKey:  secretKey,
		orderLimit: rate.NewLimiter(rate.Limit(8), 8),
		restLimit:  rate.NewLimiter(rate.Limit(25), 25),
	}
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (c *Client) SetBaseURL(u string) {
	c.http.SetBaseURL(u)
}

// UseStream attaches a ticker stream whose cached price is preferred by
// CurrentPrice over a REST round trip.
func (c *Client) UseStream(s *Stream) {
	c.stream = s
}

// CurrentPrice returns the latest trade price for a market.
func (c *Client) CurrentPrice(market string) (decimal.Decimal, error) {
	if c.stream != nil {
		if p, ok := c.stream.Last(market); ok {
			return p, nil
		}
	}

	_ = c.restLimit.Wait(context.Background())

	var result []struct {
		TradePrice decimal.Decimal `json:"trade_price"`
	}
	resp, err := c.http.R().
		SetQueryParam("markets", market).
		SetResult(&result).
		Get("/ticker")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get ticker: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || len(result) == 0 {
		return decimal.Zero, fmt.Errorf("get ticker: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result[0].TradePrice, nil
}

// PlaceBuy places a limit buy order and returns the exchange order id.
func (c *Client) PlaceBuy(market string, price, volume decimal.Decimal) (string, error) {
	return c.placeOrder(market, SideBid, price, volume)
}

// PlaceSell places a limit sell order and returns the exchange order id.
func (c *Client) PlaceSell(market string, price, volume decimal.Decimal) (string, error) {
	return c.placeOrder(market, SideAsk, price, volume)
}

func (c *Client) placeOrder(market, side string, price, volume decimal.Decimal) (string, error) {
	_ = c.orderLimit.Wait(context.Background())

	params := url.Values{}
	params.Set("market", market)
	params.Set("side", side)
	params.Set("price", price.String())
	params.Set("volume", volume.String())
	params.Set("ord_type", "limit")

	token, err := c.authToken(params)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}

	var result Order
	var apiErr apiError
	resp, err := c.http.R().
		SetHeader("Authorization", "Bearer "+token).
		SetBody(map[string]string{
			"market":   market,
			"side":     side,
			"price":    price.String(),
			"volume":   volume.String(),
			"ord_type": "limit",
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/orders")
	if err != nil {
		return "", fmt.Errorf("place %s order: %w", side, err)
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("place %s order rejected: %s (%s)", side, apiErr.Error.Name, apiErr.Error.Message)
	}
	if result.ID == "" {
		return "", fmt.Errorf("place %s order: empty uuid in response", side)
	}

	log.Info().
		Str("market", market).
		Str("side", side).
		Str("price", price.String()).
		Str("volume", volume.String()).
		Str("uuid", result.ID).
		Msg("Order placed")
	return result.ID, nil
}

// Cancel cancels an order by id.
func (c *Client) Cancel(orderID string) (bool, error) {
	_ = c.orderLimit.Wait(context.Background())

	params := url.Values{}
	params.Set("uuid", orderID)

	token, err := c.authToken(params)
	if err != nil {
		return false, err
	}

	var result Order
	resp, err := c.http.R().
		SetHeader("Authorization", "Bearer "+token).
		SetQueryParam("uuid", orderID).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, nil
	}

	log.Info().Str("uuid", orderID).Msg("Order cancelled")
	return true, nil
}

// OrderStatus looks up one order. An unknown id returns (nil, nil): the
// order may simply not be visible yet, the caller retries next tick.
func (c *Client) OrderStatus(orderID string) (*Order, error) {
	_ = c.restLimit.Wait(context.Background())

	params := url.Values{}
	params.Set("uuid", orderID)

	token, err := c.authToken(params)
	if err != nil {
		return nil, err
	}

	var result Order
	resp, err := c.http.R().
		SetHeader("Authorization", "Bearer "+token).
		SetQueryParam("uuid", orderID).
		SetResult(&result).
		Get("/order")
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusBadRequest {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// OpenOrders lists open (wait) orders for a market.
func (c *Client) OpenOrders(market string) ([]Order, error) {
	return c.listOrders(market, StateWait, 100)
}

// CompletedOrders lists the most recent completed orders for a market,
// newest first, up to limit.
func (c *Client) CompletedOrders(market string, limit int) ([]Order, error) {
	return c.listOrders(market, StateDone, limit)
}

func (c *Client) listOrders(market, state string, limit int) ([]Order, error) {
	_ = c.restLimit.Wait(context.Background())

	params := url.Values{}
	params.Set("market", market)
	params.Set("state", state)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("order_by", "desc")

	token, err := c.authToken(params)
	if err != nil {
		return nil, err
	}

	var result []Order
	resp, err := c.http.R().
		SetHeader("Authorization", "Bearer "+token).
		SetQueryParam("market", market).
		SetQueryParam("state", state).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetQueryParam("order_by", "desc").
		SetResult(&result).
		Get("/orders")
	if err != nil {
		return nil, fmt.Errorf("list %s orders: %w", state, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list %s orders: status %d: %s", state, resp.StatusCode(), resp.String())
	}
	return result, nil
}

// FreeBalance returns the available (unlocked) balance of a currency.
func (c *Client) FreeBalance(currency string) (decimal.Decimal, error) {
	accounts, err := c.accounts()
	if err != nil {
		return decimal.Zero, err
	}
	for _, a := range accounts {
		if a.Currency == currency {
			return a.Balance, nil
		}
	}
	return decimal.Zero, nil
}

// TotalBalance returns available + locked balance of a currency.
func (c *Client) TotalBalance(currency string) (decimal.Decimal, error) {
	accounts, err := c.accounts()
	if err != nil {
		return decimal.Zero, err
	}
	for _, a := range accounts {
		if a.Currency == currency {
			return a.Balance.Add(a.Locked), nil
		}
	}
	return decimal.Zero, nil
}

func (c *Client) accounts() ([]account, error) {
	_ = c.restLimit.Wait(context.Background())

	token, err := c.authToken(nil)
	if err != nil {
		return nil, err
	}

	var result []account
	resp, err := c.http.R().
		SetHeader("Authorization", "Bearer "+token).
		SetResult(&result).
		Get("/accounts")
	if err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get accounts: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// priceEpsilon is the equality tolerance for grid price comparisons, in
// quote-currency units. Two orders occupy the same grid line when their
// prices agree within it.
var priceEpsilon = decimal.NewFromFloat(1e-4)

// priceEq reports whether two prices sit on the same grid line.
func priceEq(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(priceEpsilon)
}

// containsPrice reports whether any price in the set matches p within epsilon.
func containsPrice(set []decimal.Decimal, p decimal.Decimal) bool {
	for _, q := range set {
		if priceEq(q, p) {
			return true
		}
	}
	return false
}

// GridConfig describes one grid: equally spaced buy levels between MinPrice
// and MaxPrice, a fixed base volume per level, and a fixed profit increment
// for the matching sell.
type GridConfig struct {
	Market         string          `json:"market"`
	MinPrice       decimal.Decimal `json:"min_price"`
	MaxPrice       decimal.Decimal `json:"max_price"`
	GridInterval   decimal.Decimal `json:"grid_interval"`
	AmountPerGrid  decimal.Decimal `json:"amount_per_grid"`
	ProfitInterval decimal.Decimal `json:"profit_interval"`
}

// Validate checks the configuration. Invalid configuration is fatal on start.
func (c *GridConfig) Validate() error {
	if c.Market == "" || !strings.Contains(c.Market, "-") {
		return fmt.Errorf("market must be a QUOTE-BASE pair, got %q", c.Market)
	}
	if !c.GridInterval.IsPositive() {
		return fmt.Errorf("grid_interval must be positive, got %s", c.GridInterval)
	}
	if !c.AmountPerGrid.IsPositive() {
		return fmt.Errorf("amount_per_grid must be positive, got %s", c.AmountPerGrid)
	}
	if !c.ProfitInterval.IsPositive() {
		return fmt.Errorf("profit_interval must be positive, got %s", c.ProfitInterval)
	}
	if !c.MinPrice.IsPositive() || c.MaxPrice.LessThanOrEqual(c.MinPrice) {
		return fmt.Errorf("price range invalid: min %s, max %s", c.MinPrice, c.MaxPrice)
	}
	return nil
}

// Lines returns the grid levels: min + k*interval for every k with the
// value still at or below max.
func (c *GridConfig) Lines() []decimal.Decimal {
	var lines []decimal.Decimal
	for g := c.MinPrice; g.LessThanOrEqual(c.MaxPrice); g = g.Add(c.GridInterval) {
		lines = append(lines, g)
	}
	return lines
}

// QuoteCurrency returns the currency prices are denominated in (KRW in KRW-USDT).
func (c *GridConfig) QuoteCurrency() string {
	return strings.SplitN(c.Market, "-", 2)[0]
}

// BaseCurrency returns the currency being bought (USDT in KRW-USDT).
func (c *GridConfig) BaseCurrency() string {
	parts := strings.SplitN(c.Market, "-", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Marshal serializes the configuration for the config table.
func (c *GridConfig) Marshal() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseGridConfig deserializes and validates a persisted configuration.
func ParseGridConfig(raw string) (*GridConfig, error) {
	var cfg GridConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse grid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stored grid config invalid: %w", err)
	}
	return &cfg, nil
}

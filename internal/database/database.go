// Package database is the durable ledger behind the grid engine.
//
// Three tables: contracts (one row per intended buy/sell round trip),
// trades (append-only audit log) and config (key/value, holds the last
// grid configuration for crash recovery). SQLite in WAL mode by default,
// PostgreSQL when the path looks like a connection string.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Contract statuses
const (
	StatusActive = "ACTIVE"
	StatusClosed = "CLOSED"
)

// Trade types
const (
	TradeBuy  = "BUY"
	TradeSell = "SELL"
)

type Database struct {
	db *gorm.DB
}

// Models

// Contract is one grid round trip: a filled buy waiting for (or settled by)
// its matching sell. BuyOrderID never changes and is the idempotency key for
// fill events. CurrentOrderID tracks the live sell order while ACTIVE; it is
// nil when the sell placement failed and a re-place is pending.
type Contract struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	Market         string          `gorm:"index"`
	BuyPrice       decimal.Decimal `gorm:"type:decimal(20,8)"`
	BuyAmount      decimal.Decimal `gorm:"type:decimal(20,8)"`
	TargetPrice    decimal.Decimal `gorm:"type:decimal(20,8)"`
	Status         string          `gorm:"index"`
	BuyOrderID     string          `gorm:"uniqueIndex"`
	CurrentOrderID *string         `gorm:"index"`
	SellPrice      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Profit         decimal.Decimal `gorm:"type:decimal(20,8)"`
	ProfitRate     decimal.Decimal `gorm:"type:decimal(20,8)"`
	CreatedAt      time.Time
	FinishedAt     *time.Time
}

// Trade is an append-only audit record. Exactly one BUY row per contract,
// at most one SELL row.
type Trade struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	ContractID uint            `gorm:"index"`
	Type       string          // BUY or SELL
	Price      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,8)"`
	Fee        decimal.Decimal `gorm:"type:decimal(20,8)"`
	Profit     decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExecutedAt time.Time
}

type ConfigEntry struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		// WAL so crash recovery only ever sees committed state
		db.Exec("PRAGMA journal_mode=WAL;")
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Contract{}, &Trade{}, &ConfigEntry{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Contract operations

// CreateContract inserts a new contract. Fails if BuyOrderID already exists.
func (d *Database) CreateContract(c *Contract) error {
	if c.BuyOrderID == "" {
		return fmt.Errorf("contract missing buy order id")
	}
	c.CreatedAt = time.Now()
	return d.db.Create(c).Error
}

// ExistsByBuyOrderID reports whether a contract was already created for the
// given buy order. This is the duplicate-event guard.
func (d *Database) ExistsByBuyOrderID(orderID string) (bool, error) {
	var count int64
	err := d.db.Model(&Contract{}).Where("buy_order_id = ?", orderID).Count(&count).Error
	return count > 0, err
}

func (d *Database) ListActive() ([]Contract, error) {
	var contracts []Contract
	err := d.db.Where("status = ?", StatusActive).Order("buy_price ASC").Find(&contracts).Error
	return contracts, err
}

func (d *Database) FindByID(id uint) (*Contract, error) {
	var c Contract
	err := d.db.First(&c, "id = ?", id).Error
	return &c, err
}

func (d *Database) FindByCurrentOrderID(orderID string) (*Contract, error) {
	var c Contract
	err := d.db.First(&c, "current_order_id = ?", orderID).Error
	return &c, err
}

func (d *Database) UpdateCurrentOrderID(contractID uint, orderID string) error {
	return d.db.Model(&Contract{}).
		Where("id = ? AND status = ?", contractID, StatusActive).
		Update("current_order_id", orderID).Error
}

// ClearCurrentOrderID marks the contract as having no live sell order, so
// the monitor queues a re-place instead of polling a stale buy order id.
func (d *Database) ClearCurrentOrderID(contractID uint) error {
	return d.db.Model(&Contract{}).
		Where("id = ? AND status = ?", contractID, StatusActive).
		Update("current_order_id", nil).Error
}

// CloseContract settles a contract. Closed contracts are immutable; the
// status guard makes a second close a no-op.
func (d *Database) CloseContract(contractID uint, sellPrice, profit, profitRate decimal.Decimal, finishedAt time.Time) error {
	return d.db.Model(&Contract{}).
		Where("id = ? AND status = ?", contractID, StatusActive).
		Updates(map[string]interface{}{
			"status":      StatusClosed,
			"sell_price":  sellPrice,
			"profit":      profit,
			"profit_rate": profitRate,
			"finished_at": finishedAt,
		}).Error
}

// RecentClosed returns the most recently settled contracts, newest first.
func (d *Database) RecentClosed(limit int) ([]Contract, error) {
	var contracts []Contract
	err := d.db.Where("status = ?", StatusClosed).
		Order("finished_at DESC").Limit(limit).Find(&contracts).Error
	return contracts, err
}

// Trade operations

func (d *Database) AppendTrade(t *Trade) error {
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now()
	}
	return d.db.Create(t).Error
}

func (d *Database) TradesByContract(contractID uint) ([]Trade, error) {
	var trades []Trade
	err := d.db.Where("contract_id = ?", contractID).Order("executed_at ASC").Find(&trades).Error
	return trades, err
}

// TotalProfit sums realized profit across all closed contracts.
func (d *Database) TotalProfit() (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := d.db.Model(&Contract{}).
		Where("status = ?", StatusClosed).
		Select("COALESCE(SUM(profit), 0) as total").Scan(&result).Error
	return result.Total, err
}

// Config operations

func (d *Database) SetConfig(key, value string) error {
	entry := ConfigEntry{Key: key, Value: value, UpdatedAt: time.Now()}
	return d.db.Save(&entry).Error
}

// GetConfig returns the stored value, or "" when the key is absent.
func (d *Database) GetConfig(key string) (string, error) {
	var entry ConfigEntry
	err := d.db.First(&entry, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return entry.Value, nil
}

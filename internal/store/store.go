package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"minidesk/internal/trading"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Trade is one trade-log row, keyed by wallet address. The log exists for
// analytics and revenue tracking only; trading decisions never read it back.
type Trade struct {
	ID            string              `gorm:"primaryKey;type:uuid"`
	WalletAddress string              `gorm:"index;not null"`
	Pair          string              `gorm:"not null"`
	MarketType    string              `gorm:"not null"`
	Side          string              `gorm:"not null"`
	Size          decimal.Decimal     `gorm:"type:decimal(30,18);not null"`
	Price         decimal.Decimal     `gorm:"type:decimal(30,18);not null"`
	Status        string              `gorm:"not null;default:pending"`
	HlOrderID     string              `gorm:"index"`
	FilledPrice   decimal.NullDecimal `gorm:"type:decimal(30,18)"`
	Fees          decimal.NullDecimal `gorm:"type:decimal(30,18)"`
	BuilderFee    decimal.NullDecimal `gorm:"type:decimal(30,18)"`
	CreatedAt     time.Time
	FilledAt      *time.Time
}

func (Trade) TableName() string { return "trades" }

// BuilderFeeApproval tracks which wallets have run the one-time builder-fee
// authorization.
type BuilderFeeApproval struct {
	ID            string `gorm:"primaryKey;type:uuid"`
	WalletAddress string `gorm:"uniqueIndex;not null"`
	ApprovedAt    time.Time
	TxHash        string
}

func (BuilderFeeApproval) TableName() string { return "builder_fee_approvals" }

// Store is the relational trade log.
type Store struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ trading.TradeRecorder = (*Store)(nil)

func Open(dsn string, log logrus.FieldLogger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&Trade{}, &BuilderFeeApproval{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// NewWithDB wraps an existing gorm handle; used by tests.
func NewWithDB(db *gorm.DB, log logrus.FieldLogger) (*Store, error) {
	if err := db.AutoMigrate(&Trade{}, &BuilderFeeApproval{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// RecordTrade appends one trade-log row for a submission attempt.
func (s *Store) RecordTrade(ctx context.Context, rec trading.TradeRecord) error {
	row := Trade{
		ID:            uuid.NewString(),
		WalletAddress: rec.Wallet,
		Pair:          rec.Symbol,
		MarketType:    "perp",
		Side:          string(rec.Side),
		Size:          rec.Size,
		Price:         rec.Price,
		Status:        rec.Status,
		HlOrderID:     rec.OrderID,
		CreatedAt:     time.Now(),
	}
	if rec.Status == "filled" {
		now := time.Now()
		row.FilledAt = &now
		row.FilledPrice = decimal.NewNullDecimal(rec.Price)
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// MarkTradeStatus updates the status of the row carrying the venue order id,
// recording the fill price when one is supplied.
func (s *Store) MarkTradeStatus(ctx context.Context, orderID, status string, filledPrice *decimal.Decimal) error {
	updates := map[string]interface{}{"status": status}
	if filledPrice != nil {
		updates["filled_price"] = *filledPrice
		updates["filled_at"] = time.Now()
	}
	res := s.db.WithContext(ctx).Model(&Trade{}).Where("hl_order_id = ?", orderID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no trade with order id %s", orderID)
	}
	return nil
}

// TradesByWallet returns the newest trades for one wallet.
func (s *Store) TradesByWallet(ctx context.Context, wallet string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var trades []Trade
	err := s.db.WithContext(ctx).
		Where("wallet_address = ?", wallet).
		Order("created_at DESC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

// RecordBuilderFeeApproval stores the one-time approval for a wallet.
// Recording the same wallet twice is not an error.
func (s *Store) RecordBuilderFeeApproval(ctx context.Context, wallet string) error {
	row := BuilderFeeApproval{
		ID:            uuid.NewString(),
		WalletAddress: wallet,
		ApprovedAt:    time.Now(),
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// HasBuilderFeeApproval reports whether the wallet already approved the fee.
func (s *Store) HasBuilderFeeApproval(ctx context.Context, wallet string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&BuilderFeeApproval{}).
		Where("wallet_address = ?", wallet).
		Count(&count).Error
	return count > 0, err
}

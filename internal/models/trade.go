package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one confirmed on-chain match between a buy and a sell order.
// Rows are written once and never updated.
type Trade struct {
	ID uint `gorm:"primaryKey" json:"-"`

	Contract string `gorm:"type:varchar(42);not null;uniqueIndex:idx_trades_tx_log,priority:1" json:"contract"`

	BuyOrderID  uint64 `gorm:"not null;index" json:"buy_order_id"`
	SellOrderID uint64 `gorm:"not null;index" json:"sell_order_id"`

	Amount decimal.Decimal `gorm:"type:numeric(78,0);not null" json:"amount"`
	Price  decimal.Decimal `gorm:"type:numeric(78,0);not null" json:"price"`

	Buyer  string `gorm:"type:varchar(42)" json:"buyer"`
	Seller string `gorm:"type:varchar(42)" json:"seller"`

	// TxHash and LogIndex locate the OrdersMatched log the trade came from.
	TxHash      string `gorm:"type:varchar(66);not null;uniqueIndex:idx_trades_tx_log,priority:2" json:"tx_hash"`
	LogIndex    uint   `gorm:"not null;uniqueIndex:idx_trades_tx_log,priority:3" json:"log_index"`
	BlockNumber uint64 `gorm:"not null" json:"block_number"`

	CreatedAt time.Time `json:"created_at"`
}

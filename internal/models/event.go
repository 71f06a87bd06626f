package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event names double as the first routing-key segment.
const (
	EventOrderCreated   = "order.created"
	EventOrderCancelled = "order.cancelled"
	EventOrdersMatched  = "orders.matched"
	EventMatchRequest   = "match.request"
)

// OrderEvent is the broker payload for order.created and order.cancelled.
// Created events carry the full order struct read from the contract.
type OrderEvent struct {
	Event    string `json:"event"`
	Contract string `json:"contract"`
	OrderID  uint64 `json:"order_id"`
	Trader   string `json:"trader"`

	Side      Side            `json:"side,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Remaining decimal.Decimal `json:"remaining"`
	Active    bool            `json:"active"`

	// SnapshotBlock is the block Remaining and Active were read at; zero
	// when they come from the event itself.
	SnapshotBlock uint64 `json:"snapshot_block,omitempty"`

	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint      `json:"log_index"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Order converts a created event into an order projection.
func (e *OrderEvent) Order() *Order {
	return &Order{
		Contract:        e.Contract,
		OrderID:         e.OrderID,
		Side:            e.Side,
		Trader:          e.Trader,
		Amount:          e.Amount,
		Price:           e.Price,
		Remaining:       e.Remaining,
		Active:          e.Active,
		SnapshotBlock:   e.SnapshotBlock,
		CreatedBlock:    e.BlockNumber,
		CreatedTx:       e.TxHash,
		CreatedLogIndex: e.LogIndex,
	}
}

// MatchedEvent is the broker payload for orders.matched.
type MatchedEvent struct {
	Contract    string          `json:"contract"`
	BuyOrderID  uint64          `json:"buy_order_id"`
	SellOrderID uint64          `json:"sell_order_id"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	BlockNumber uint64          `json:"block_number"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    uint            `json:"log_index"`
	ObservedAt  time.Time       `json:"observed_at"`
}

// MatchRequest asks the engine of Contract to re-run matching for OrderID.
type MatchRequest struct {
	Contract string `json:"contract"`
	OrderID  uint64 `json:"order_id"`
	Reason   string `json:"reason,omitempty"`
	Priority uint8  `json:"priority,omitempty"`
}

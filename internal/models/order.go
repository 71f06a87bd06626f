// Package models defines the domain models shared by the poller, the
// matching engine and the exchange manager.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SideFromBool maps the contract's isBuy flag to a Side.
func SideFromBool(isBuy bool) Side {
	if isBuy {
		return SideBuy
	}
	return SideSell
}

// Opposite returns the side an order can be matched against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

var ErrInvalidRemaining = errors.New("remaining must satisfy 0 <= remaining <= amount")

// Order is the off-chain projection of one on-chain order.
// The chain is authoritative; this row is rebuilt from events.
type Order struct {
	ID uint `gorm:"primaryKey" json:"-"`

	// Contract is the lowercase hex address of the exchange contract.
	Contract string `gorm:"type:varchar(42);not null;uniqueIndex:idx_orders_contract_order,priority:1;index:idx_orders_book,priority:1" json:"contract"`

	// OrderID is the on-chain order id.
	OrderID uint64 `gorm:"not null;uniqueIndex:idx_orders_contract_order,priority:2" json:"order_id"`

	Side   Side   `gorm:"type:varchar(4);not null;index:idx_orders_book,priority:2" json:"side"`
	Trader string `gorm:"type:varchar(42);not null" json:"trader"`

	// Amount, Price and Remaining are integer token units (uint256 on chain).
	Amount    decimal.Decimal `gorm:"type:numeric(78,0);not null" json:"amount"`
	Price     decimal.Decimal `gorm:"type:numeric(78,0);not null;index:idx_orders_book,priority:4" json:"price"`
	Remaining decimal.Decimal `gorm:"type:numeric(78,0);not null" json:"remaining"`

	Active bool `gorm:"not null;default:true;index:idx_orders_book,priority:3" json:"active"`

	// SnapshotBlock is the block Remaining was read at from the contract.
	// Fills from trades at or before it are already part of Remaining.
	SnapshotBlock uint64 `gorm:"not null;default:0" json:"snapshot_block"`

	CreatedBlock    uint64 `gorm:"not null" json:"created_block"`
	CreatedTx       string `gorm:"type:varchar(66)" json:"created_tx"`
	CreatedLogIndex uint   `json:"created_log_index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key identifies the order across the pipeline: "<contract>:<orderId>".
func (o *Order) Key() string {
	return OrderKey(o.Contract, o.OrderID)
}

// OrderKey formats the broker/idempotency key of an order.
func OrderKey(contract string, orderID uint64) string {
	return fmt.Sprintf("%s:%d", contract, orderID)
}

func (o *Order) IsBuy() bool { return o.Side == SideBuy }

// Validate checks the amount invariants.
func (o *Order) Validate() error {
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("unknown side %q", o.Side)
	}
	if o.Amount.IsNegative() || o.Remaining.IsNegative() || o.Remaining.GreaterThan(o.Amount) {
		return fmt.Errorf("order %s: %w", o.Key(), ErrInvalidRemaining)
	}
	return nil
}

// Fillable reports whether the order can still take part in a match.
func (o *Order) Fillable() bool {
	return o.Active && o.Remaining.IsPositive()
}

// Crosses reports whether o and counter are on opposite sides with
// buy price >= sell price.
func (o *Order) Crosses(counter *Order) bool {
	if o.Side == counter.Side {
		return false
	}
	buy, sell := o, counter
	if !o.IsBuy() {
		buy, sell = counter, o
	}
	return buy.Price.GreaterThanOrEqual(sell.Price)
}

// Fill subtracts amount from Remaining and deactivates the order at zero.
// Fills larger than Remaining clamp to zero.
func (o *Order) Fill(amount decimal.Decimal) {
	o.Remaining = o.Remaining.Sub(amount)
	if !o.Remaining.IsPositive() {
		o.Remaining = decimal.Zero
		o.Active = false
	}
}

// FillPending reports whether a trade mined at block still has to be
// subtracted from Remaining.
func (o *Order) FillPending(block uint64) bool {
	return block > o.SnapshotBlock
}

// NormalizeAddress returns the lowercase 0x form of a hex address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(common.HexToAddress(addr).Hex())
}

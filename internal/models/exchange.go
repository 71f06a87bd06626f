package models

import (
	"strings"
	"time"
)

// TradingPair is the base/quote token pair an exchange contract trades.
type TradingPair struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Symbol     string `gorm:"type:varchar(32);not null" json:"symbol"`
	BaseToken  string `gorm:"type:varchar(42);not null" json:"base_token"`
	QuoteToken string `gorm:"type:varchar(42);not null" json:"quote_token"`
}

// Exchange is a registered exchange contract. Rows are owned by the
// registration service and only read here.
type Exchange struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Contract string `gorm:"type:varchar(42);not null;uniqueIndex" json:"contract"`
	Network  string `gorm:"type:varchar(32);not null" json:"network"`

	// ABI overrides the built-in orderbook ABI when non-empty.
	ABI string `gorm:"type:text" json:"-"`

	// GenesisBlock is where catch-up starts when no marker is cached.
	GenesisBlock uint64 `json:"genesis_block"`

	TradingPairID uint        `json:"trading_pair_id"`
	TradingPair   TradingPair `json:"trading_pair"`

	Active    bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OperatorKey is the signing key allowed to submit matches for one contract.
type OperatorKey struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Contract string `gorm:"type:varchar(42);not null;uniqueIndex" json:"contract"`
	Address  string `gorm:"type:varchar(42);not null" json:"address"`

	// KeyRef is either a hex private key or "env:NAME" pointing at one.
	KeyRef string `gorm:"type:text;not null" json:"-"`
	Active bool   `gorm:"not null;default:true" json:"active"`
}

// SecurityPolicy bounds what one worker may run.
type SecurityPolicy struct {
	ID                     uint `gorm:"primaryKey" json:"id"`
	MaxConcurrentContracts int  `gorm:"not null" json:"max_concurrent_contracts"`

	// AuthorizedOperators is a comma-separated address list.
	AuthorizedOperators string    `gorm:"type:text" json:"authorized_operators"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Operators returns the normalized authorized operator addresses.
func (p *SecurityPolicy) Operators() []string {
	var out []string
	for _, addr := range strings.Split(p.AuthorizedOperators, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, NormalizeAddress(addr))
		}
	}
	return out
}

// IsAuthorized reports whether addr may sign match transactions.
func (p *SecurityPolicy) IsAuthorized(addr string) bool {
	addr = NormalizeAddress(addr)
	for _, op := range p.Operators() {
		if op == addr {
			return true
		}
	}
	return false
}

package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// OnChainOrder is the struct returned by the contract's order getter.
type OnChainOrder struct {
	Trader    common.Address
	IsBuy     bool
	Amount    *big.Int
	Price     *big.Int
	Remaining *big.Int
	Active    bool
	CreatedAt *big.Int
}

// GetOrder reads the authoritative order struct.
func (b *Binding) GetOrder(ctx context.Context, caller ContractCaller, orderID *big.Int) (*OnChainOrder, error) {
	return b.GetOrderAt(ctx, caller, orderID, nil)
}

// GetOrderAt reads the order as of block.
func (b *Binding) GetOrderAt(ctx context.Context, caller ContractCaller, orderID, block *big.Int) (*OnChainOrder, error) {
	out, err := b.CallAt(ctx, caller, block, MethodGetOrder, orderID)
	if err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, fmt.Errorf("%s returned %d values, want 7", MethodGetOrder, len(out))
	}

	o := &OnChainOrder{}
	var ok [7]bool
	o.Trader, ok[0] = out[0].(common.Address)
	o.IsBuy, ok[1] = out[1].(bool)
	o.Amount, ok[2] = out[2].(*big.Int)
	o.Price, ok[3] = out[3].(*big.Int)
	o.Remaining, ok[4] = out[4].(*big.Int)
	o.Active, ok[5] = out[5].(bool)
	o.CreatedAt, ok[6] = out[6].(*big.Int)
	for i, good := range ok {
		if !good {
			return nil, fmt.Errorf("%s output %d has unexpected type %T", MethodGetOrder, i, out[i])
		}
	}
	return o, nil
}

// CreatedLog is a decoded OrderCreated event.
type CreatedLog struct {
	OrderID *big.Int
	Trader  common.Address
	IsBuy   bool
	Amount  *big.Int
	Price   *big.Int
}

type CancelledLog struct {
	OrderID *big.Int
	Trader  common.Address
}

type MatchedLog struct {
	BuyOrderID  *big.Int
	SellOrderID *big.Int
	Amount      *big.Int
	Price       *big.Int
}

func (b *Binding) ParseCreated(log types.Log) (*CreatedLog, error) {
	m, err := b.DecodeEvent(EventOrderCreated, log)
	if err != nil {
		return nil, err
	}
	ev := &CreatedLog{}
	var ok [5]bool
	ev.OrderID, ok[0] = m["orderId"].(*big.Int)
	ev.Trader, ok[1] = m["trader"].(common.Address)
	ev.IsBuy, ok[2] = m["isBuy"].(bool)
	ev.Amount, ok[3] = m["amount"].(*big.Int)
	ev.Price, ok[4] = m["price"].(*big.Int)
	if !all(ok[:]) {
		return nil, fmt.Errorf("%s: unexpected argument types", EventOrderCreated)
	}
	return ev, nil
}

func (b *Binding) ParseCancelled(log types.Log) (*CancelledLog, error) {
	m, err := b.DecodeEvent(EventOrderCancelled, log)
	if err != nil {
		return nil, err
	}
	ev := &CancelledLog{}
	var ok [2]bool
	ev.OrderID, ok[0] = m["orderId"].(*big.Int)
	ev.Trader, ok[1] = m["trader"].(common.Address)
	if !all(ok[:]) {
		return nil, fmt.Errorf("%s: unexpected argument types", EventOrderCancelled)
	}
	return ev, nil
}

func (b *Binding) ParseMatched(log types.Log) (*MatchedLog, error) {
	m, err := b.DecodeEvent(EventOrdersMatched, log)
	if err != nil {
		return nil, err
	}
	ev := &MatchedLog{}
	var ok [4]bool
	ev.BuyOrderID, ok[0] = m["buyOrderId"].(*big.Int)
	ev.SellOrderID, ok[1] = m["sellOrderId"].(*big.Int)
	ev.Amount, ok[2] = m["amount"].(*big.Int)
	ev.Price, ok[3] = m["price"].(*big.Int)
	if !all(ok[:]) {
		return nil, fmt.Errorf("%s: unexpected argument types", EventOrdersMatched)
	}
	return ev, nil
}

// MatchedLogs decodes every OrdersMatched log this contract emitted in a receipt.
func (b *Binding) MatchedLogs(receipt *types.Receipt) ([]*types.Log, []*MatchedLog, error) {
	id, err := b.EventID(EventOrdersMatched)
	if err != nil {
		return nil, nil, err
	}
	var (
		raws []*types.Log
		evs  []*MatchedLog
	)
	for _, l := range receipt.Logs {
		if l.Address != b.address || len(l.Topics) == 0 || l.Topics[0] != id {
			continue
		}
		ev, err := b.ParseMatched(*l)
		if err != nil {
			return nil, nil, err
		}
		raws = append(raws, l)
		evs = append(evs, ev)
	}
	return raws, evs, nil
}

// PackMatchOrders encodes matchOrders(uint256[]).
func (b *Binding) PackMatchOrders(ids []uint64) ([]byte, error) {
	args := make([]*big.Int, len(ids))
	for i, id := range ids {
		args[i] = new(big.Int).SetUint64(id)
	}
	return b.Pack(MethodMatchOrders, args)
}

func all(ok []bool) bool {
	for _, v := range ok {
		if !v {
			return false
		}
	}
	return true
}

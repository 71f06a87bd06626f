// Package chain talks to exchange contracts over JSON-RPC. Contract ABIs
// are data: methods and events are resolved by name at runtime.
package chain

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

//go:embed orderbook.abi.json
var orderbookABI string

// Contract entry names the pipeline relies on.
const (
	EventOrderCreated   = "OrderCreated"
	EventOrderCancelled = "OrderCancelled"
	EventOrdersMatched  = "OrdersMatched"

	MethodGetOrder    = "getOrder"
	MethodMatchOrders = "matchOrders"
)

var (
	ErrUnknownMethod = errors.New("abi has no such method")
	ErrUnknownEvent  = errors.New("abi has no such event")
)

// DefaultABI returns the built-in orderbook ABI JSON.
func DefaultABI() string { return orderbookABI }

// ContractCaller is the read-only call surface a binding needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Binding pairs a parsed ABI with a deployed address.
type Binding struct {
	abi     abi.ABI
	address common.Address
}

// NewBinding parses abiJSON, or the built-in orderbook ABI when empty.
func NewBinding(address common.Address, abiJSON string) (*Binding, error) {
	if strings.TrimSpace(abiJSON) == "" {
		abiJSON = orderbookABI
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &Binding{abi: parsed, address: address}, nil
}

func (b *Binding) Address() common.Address { return b.address }

func (b *Binding) HasMethod(name string) bool {
	_, ok := b.abi.Methods[name]
	return ok
}

func (b *Binding) HasEvent(name string) bool {
	_, ok := b.abi.Events[name]
	return ok
}

// EventID returns topic0 of the named event.
func (b *Binding) EventID(name string) (common.Hash, error) {
	ev, ok := b.abi.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	return ev.ID, nil
}

// EventName maps topic0 back to an event name.
func (b *Binding) EventName(topic common.Hash) (string, bool) {
	ev, err := b.abi.EventByID(topic)
	if err != nil {
		return "", false
	}
	return ev.Name, true
}

// Pack encodes a call to method.
func (b *Binding) Pack(method string, args ...any) ([]byte, error) {
	if !b.HasMethod(method) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return b.abi.Pack(method, args...)
}

// Call performs a read-only call at the latest block and unpacks the outputs.
func (b *Binding) Call(ctx context.Context, caller ContractCaller, method string, args ...any) ([]any, error) {
	return b.CallAt(ctx, caller, nil, method, args...)
}

// CallAt is Call against the state at block. A nil block means latest.
func (b *Binding) CallAt(ctx context.Context, caller ContractCaller, block *big.Int, method string, args ...any) ([]any, error) {
	data, err := b.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	to := b.address
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := b.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// DecodeEvent returns every argument of the named event, indexed and not,
// keyed by ABI input name.
func (b *Binding) DecodeEvent(name string, log types.Log) (map[string]any, error) {
	ev, ok := b.abi.Events[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if len(log.Topics) == 0 || log.Topics[0] != ev.ID {
		return nil, fmt.Errorf("log is not a %s event", name)
	}

	out := make(map[string]any, len(ev.Inputs))
	if len(log.Data) > 0 {
		if err := b.abi.UnpackIntoMap(out, name, log.Data); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", name, err)
		}
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(out, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("decode %s topics: %w", name, err)
	}
	return out, nil
}

// FilterQuery builds a query for the named events over [from, to].
// The events are OR-ed in topic position 0.
func (b *Binding) FilterQuery(from, to uint64, events ...string) (ethereum.FilterQuery, error) {
	ids := make([]common.Hash, 0, len(events))
	for _, name := range events {
		id, err := b.EventID(name)
		if err != nil {
			return ethereum.FilterQuery{}, err
		}
		ids = append(ids, id)
	}
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{b.address},
		Topics:    [][]common.Hash{ids},
	}, nil
}

// Package chaintest provides an in-memory orderbook chain for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/navid-fn/dexmatch/internal/chain"
)

// Order mirrors the contract's order struct.
type Order struct {
	Trader    common.Address
	IsBuy     bool
	Amount    *big.Int
	Price     *big.Int
	Remaining *big.Int
	Active    bool
	CreatedAt *big.Int
}

// Chain implements chain.Client over a single simulated ledger shared by
// any number of orderbook contracts. matchOrders settles buy and sell ids
// pairwise at the sell price and emits one OrdersMatched log per fill.
type Chain struct {
	mu sync.Mutex

	abi     abi.ABI
	chainID *big.Int
	head    uint64

	orders   map[common.Address]map[uint64]*Order
	nextID   map[common.Address]uint64
	logs     []types.Log
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	nonces   map[common.Address]uint64

	gasPrice *big.Int

	// MinGas makes match transactions below it run out of gas.
	MinGas uint64

	revertNext int
	failures   map[string][]error
	calls      map[string]int
}

func New() *Chain {
	parsed, err := abi.JSON(strings.NewReader(chain.DefaultABI()))
	if err != nil {
		panic(err)
	}
	return &Chain{
		abi:      parsed,
		chainID:  big.NewInt(1337),
		head:     1,
		orders:   make(map[common.Address]map[uint64]*Order),
		nextID:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		nonces:   make(map[common.Address]uint64),
		gasPrice: big.NewInt(1_000_000_000),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Dial returns a chain.DialFunc serving this chain for every URL.
func (c *Chain) Dial() chain.DialFunc {
	return func(context.Context, string) (chain.Client, error) { return c, nil }
}

func (c *Chain) SetGasPrice(p *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasPrice = new(big.Int).Set(p)
}

func (c *Chain) SetMinGas(g uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MinGas = g
}

// RevertNext makes the next n match transactions revert without consuming
// their gas limit.
func (c *Chain) RevertNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revertNext = n
}

// Fail queues errors returned by the next calls of the named method.
func (c *Chain) Fail(method string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = append(c.failures[method], errs...)
}

// Calls reports how often the named method was invoked.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Mine advances the head by n empty blocks.
func (c *Chain) Mine(n uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head += n
	return c.head
}

func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Order returns a copy of the stored order.
func (c *Chain) Order(contract common.Address, id uint64) (Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[contract][id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Sent returns every submitted transaction.
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// Logs returns every emitted log.
func (c *Chain) Logs() []types.Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Log(nil), c.logs...)
}

// CreateOrder stores an order and emits OrderCreated in a new block.
func (c *Chain) CreateOrder(contract, trader common.Address, isBuy bool, amount, price int64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID[contract]++
	id := c.nextID[contract]
	if c.orders[contract] == nil {
		c.orders[contract] = make(map[uint64]*Order)
	}
	c.head++
	c.orders[contract][id] = &Order{
		Trader:    trader,
		IsBuy:     isBuy,
		Amount:    big.NewInt(amount),
		Price:     big.NewInt(price),
		Remaining: big.NewInt(amount),
		Active:    true,
		CreatedAt: new(big.Int).SetUint64(c.head),
	}
	c.emit(contract, common.Hash{}, chain.EventOrderCreated,
		[]common.Hash{idTopic(id), addrTopic(trader)},
		isBuy, big.NewInt(amount), big.NewInt(price))
	return id
}

// CancelOrder deactivates an order and emits OrderCancelled in a new block.
func (c *Chain) CancelOrder(contract common.Address, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o := c.orders[contract][id]
	if o == nil {
		return
	}
	o.Active = false
	c.head++
	c.emit(contract, common.Hash{}, chain.EventOrderCancelled, []common.Hash{idTopic(id), addrTopic(o.Trader)})
}

func (c *Chain) emit(contract common.Address, tx common.Hash, event string, indexed []common.Hash, args ...any) *types.Log {
	ev := c.abi.Events[event]
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		panic(fmt.Sprintf("pack %s: %v", event, err))
	}
	if tx == (common.Hash{}) {
		tx = crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%d-%d", event, c.head, len(c.logs))))
	}
	var index uint
	for _, l := range c.logs {
		if l.BlockNumber == c.head {
			index++
		}
	}
	l := types.Log{
		Address:     contract,
		Topics:      append([]common.Hash{ev.ID}, indexed...),
		Data:        data,
		BlockNumber: c.head,
		TxHash:      tx,
		Index:       index,
	}
	c.logs = append(c.logs, l)
	return &l
}

func idTopic(id uint64) common.Hash { return common.BigToHash(new(big.Int).SetUint64(id)) }

func addrTopic(a common.Address) common.Hash { return common.BytesToHash(a.Bytes()) }

func (c *Chain) fail(method string) error {
	c.calls[method]++
	if q := c.failures[method]; len(q) > 0 {
		c.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("BlockNumber"); err != nil {
		return 0, err
	}
	return c.head, nil
}

func (c *Chain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("FilterLogs"); err != nil {
		return nil, err
	}

	var out []types.Log
	for _, l := range c.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && !containsHash(q.Topics[0], l.Topics[0]) {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (c *Chain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("CallContract"); err != nil {
		return nil, err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("execution reverted")
	}
	method, err := c.abi.MethodById(msg.Data[:4])
	if err != nil || method.Name != chain.MethodGetOrder {
		return nil, errors.New("execution reverted")
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	id := args[0].(*big.Int).Uint64()

	o, ok := c.orders[*msg.To][id]
	if !ok {
		o = &Order{Amount: new(big.Int), Price: new(big.Int), Remaining: new(big.Int), CreatedAt: new(big.Int)}
	}
	return method.Outputs.Pack(o.Trader, o.IsBuy, o.Amount, o.Price, o.Remaining, o.Active, o.CreatedAt)
}

func (c *Chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("SuggestGasPrice"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *Chain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("PendingNonceAt"); err != nil {
		return 0, err
	}
	return c.nonces[account], nil
}

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.chainID), nil
}

// SendTransaction mines tx immediately into its own block.
func (c *Chain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("SendTransaction"); err != nil {
		return err
	}

	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() != c.nonces[from] {
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), c.nonces[from])
	}
	c.nonces[from]++
	c.sent = append(c.sent, tx)
	c.head++

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(c.head),
		GasUsed:     tx.Gas() / 2,
	}
	c.receipts[tx.Hash()] = receipt

	switch {
	case c.MinGas > 0 && tx.Gas() < c.MinGas:
		receipt.Status = types.ReceiptStatusFailed
		receipt.GasUsed = tx.Gas()
		return nil
	case c.revertNext > 0:
		c.revertNext--
		receipt.Status = types.ReceiptStatusFailed
		return nil
	}

	logs, ok := c.settle(*tx.To(), tx.Hash(), tx.Data())
	if !ok {
		receipt.Status = types.ReceiptStatusFailed
		return nil
	}
	receipt.Logs = logs
	return nil
}

func (c *Chain) settle(contract common.Address, txHash common.Hash, data []byte) ([]*types.Log, bool) {
	if len(data) < 4 {
		return nil, false
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil || method.Name != chain.MethodMatchOrders {
		return nil, false
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, false
	}
	ids := args[0].([]*big.Int)

	var buys, sells []uint64
	for _, id := range ids {
		o, ok := c.orders[contract][id.Uint64()]
		if !ok || !o.Active {
			return nil, false
		}
		if o.IsBuy {
			buys = append(buys, id.Uint64())
		} else {
			sells = append(sells, id.Uint64())
		}
	}

	var logs []*types.Log
	i, j := 0, 0
	for i < len(buys) && j < len(sells) {
		b, s := c.orders[contract][buys[i]], c.orders[contract][sells[j]]
		if b.Price.Cmp(s.Price) < 0 {
			break
		}
		fill := new(big.Int).Set(b.Remaining)
		if s.Remaining.Cmp(fill) < 0 {
			fill.Set(s.Remaining)
		}
		b.Remaining.Sub(b.Remaining, fill)
		s.Remaining.Sub(s.Remaining, fill)
		logs = append(logs, c.emit(contract, txHash, chain.EventOrdersMatched,
			[]common.Hash{idTopic(buys[i]), idTopic(sells[j])}, fill, new(big.Int).Set(s.Price)))
		if b.Remaining.Sign() == 0 {
			b.Active = false
			i++
		}
		if s.Remaining.Sign() == 0 {
			s.Active = false
			j++
		}
	}
	return logs, len(logs) > 0
}

func (c *Chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("TransactionReceipt"); err != nil {
		return nil, err
	}
	r, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Chain) Close() {}

func containsAddr(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

package matching_test

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/navid-fn/dexmatch/internal/broker"
	"github.com/navid-fn/dexmatch/internal/cache"
	"github.com/navid-fn/dexmatch/internal/chain"
	"github.com/navid-fn/dexmatch/internal/chain/chaintest"
	"github.com/navid-fn/dexmatch/internal/matching"
	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/navid-fn/dexmatch/internal/storage"
	"github.com/navid-fn/dexmatch/internal/storage/storagetest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	contract = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

const gwei = 1_000_000_000

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func contractKey() string { return models.NormalizeAddress(contract.Hex()) }

// trackingClient counts match transactions sent but not yet observed mined.
type trackingClient struct {
	*chaintest.Chain

	mu          sync.Mutex
	pending     map[common.Hash]bool
	inflight    int
	maxInflight int
}

func (c *trackingClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.Chain.SendTransaction(ctx, tx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[tx.Hash()] = true
	c.inflight++
	c.maxInflight = max(c.maxInflight, c.inflight)
	return nil
}

func (c *trackingClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := c.Chain.TransactionReceipt(ctx, hash)
	if err == nil {
		c.mu.Lock()
		if c.pending[hash] {
			delete(c.pending, hash)
			c.inflight--
		}
		c.mu.Unlock()
	}
	return r, err
}

func (c *trackingClient) peak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInflight
}

type staticClients struct{ client chain.Client }

func (s staticClients) Next(context.Context) (chain.Client, string, error) {
	return s.client, "static", nil
}

type recordingRaiser struct {
	mu     sync.Mutex
	raised map[string]models.Severity
}

func (r *recordingRaiser) Raise(_ context.Context, alertType string, severity models.Severity, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised[alertType] = severity
	return nil
}

func (r *recordingRaiser) severity(alertType string) (models.Severity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.raised[alertType]
	return s, ok
}

type harness struct {
	engine *matching.Engine
	chain  *chaintest.Chain
	client *trackingClient
	store  storage.Storage
	db     *gorm.DB
	cache  *cache.Cache
	alerts *recordingRaiser
}

func testConfig() matching.Config {
	return matching.Config{
		MaxBatch:            10,
		GasPriceCeiling:     big.NewInt(100 * gwei),
		GasLimit:            500_000,
		GasLimitMax:         3_000_000,
		GasBumpFactor:       1.5,
		GasRecheckDelay:     20 * time.Millisecond,
		RetryDelay:          5 * time.Millisecond,
		MailboxSize:         64,
		ReceiptPollInterval: time.Millisecond,
		ReceiptTimeout:      2 * time.Second,
	}
}

func newHarness(t *testing.T, mutate func(*matching.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	store, db := storagetest.NewSQLite(t)
	mr := miniredis.RunT(t)
	c := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", time.Hour)

	fake := chaintest.New()
	client := &trackingClient{Chain: fake, pending: make(map[common.Hash]bool)}

	binding, err := chain.NewBinding(contract, "")
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tr, err := chain.NewTransactor(common.Bytes2Hex(crypto.FromECDSA(key)))
	require.NoError(t, err)

	raiser := &recordingRaiser{raised: make(map[string]models.Severity)}
	engine, err := matching.New(cfg, matching.Deps{
		Binding:    binding,
		Clients:    staticClients{client},
		Transactor: tr,
		Storage:    store,
		Cache:      c,
		Alerts:     raiser,
		Collectors: matching.NewCollectors(prometheus.NewRegistry()),
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(func() {
		_ = engine.Stop(context.Background())
		cancel()
	})

	return &harness{engine: engine, chain: fake, client: client, store: store, db: db, cache: c, alerts: raiser}
}

// place creates an order on chain and returns the event projection the
// poller would publish for it.
func (h *harness) place(trader common.Address, isBuy bool, amount, price int64) *models.Order {
	id := h.chain.CreateOrder(contract, trader, isBuy, amount, price)
	return &models.Order{
		Contract:     contractKey(),
		OrderID:      id,
		Side:         models.SideFromBool(isBuy),
		Trader:       models.NormalizeAddress(trader.Hex()),
		Amount:       decimal.NewFromInt(amount),
		Price:        decimal.NewFromInt(price),
		Remaining:    decimal.NewFromInt(amount),
		Active:       true,
		CreatedBlock: h.chain.Head(),
	}
}

func (h *harness) trades(t *testing.T) []models.Trade {
	t.Helper()
	var trades []models.Trade
	require.NoError(t, h.db.Order("id").Find(&trades).Error)
	return trades
}

func (h *harness) stored(t *testing.T, id uint64) *models.Order {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), contractKey(), id)
	require.NoError(t, err)
	return o
}

func TestTwoOrderScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	buy := h.place(alice, true, 100, 50)
	sell := h.place(bob, false, 100, 45)

	require.NoError(t, h.engine.ProcessNewOrder(ctx, buy))
	assert.Empty(t, h.chain.Sent(), "a lone order rests")
	ok, err := h.cache.Exists(ctx, contractKey(), cache.KindOrder, "1")
	require.NoError(t, err)
	assert.True(t, ok, "resting order is cached")

	require.NoError(t, h.engine.ProcessNewOrder(ctx, sell))

	trades := h.trades(t)
	require.Len(t, trades, 1)
	assert.Equal(t, buy.OrderID, trades[0].BuyOrderID)
	assert.Equal(t, sell.OrderID, trades[0].SellOrderID)
	assert.True(t, trades[0].Amount.Equal(decimal.NewFromInt(100)))
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(45)))
	assert.Equal(t, buy.Trader, trades[0].Buyer)
	assert.Equal(t, sell.Trader, trades[0].Seller)

	for _, id := range []uint64{buy.OrderID, sell.OrderID} {
		o := h.stored(t, id)
		assert.False(t, o.Active)
		assert.True(t, o.Remaining.IsZero())
	}

	ok, err = h.cache.Exists(ctx, contractKey(), cache.KindOrder, "1")
	require.NoError(t, err)
	assert.False(t, ok, "consumed orders are invalidated")
	assert.Equal(t, matching.StateIdle, h.engine.State())

	snap := h.engine.Snapshot()
	assert.Equal(t, uint64(2), snap.Processed)
	assert.InDelta(t, 0.2, snap.SuccessesEMA, 1e-9)
	assert.InDelta(t, 0.2, snap.AttemptsEMA, 1e-9)
	assert.Zero(t, snap.FailuresEMA)
}

func TestOrderScenarios(t *testing.T) {
	type placed struct {
		trader        common.Address
		isBuy         bool
		amount, price int64
	}
	tests := []struct {
		name          string
		first, second placed
		wantIDs       []uint64
		wantAmount    int64
		wantPrice     int64
		wantRemaining [2]int64
		wantActive    [2]bool
	}{
		{
			name:          "buy 100@10 then sell 60@10",
			first:         placed{alice, true, 100, 10},
			second:        placed{bob, false, 60, 10},
			wantIDs:       []uint64{1, 2},
			wantAmount:    60,
			wantPrice:     10,
			wantRemaining: [2]int64{40, 0},
			wantActive:    [2]bool{true, false},
		},
		{
			name:          "sell 60@10 then buy 100@12",
			first:         placed{bob, false, 60, 10},
			second:        placed{alice, true, 100, 12},
			wantIDs:       []uint64{2, 1},
			wantAmount:    60,
			wantPrice:     10,
			wantRemaining: [2]int64{0, 40},
			wantActive:    [2]bool{false, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, nil)
			binding, err := chain.NewBinding(contract, "")
			require.NoError(t, err)

			first := h.place(tt.first.trader, tt.first.isBuy, tt.first.amount, tt.first.price)
			require.NoError(t, h.engine.ProcessNewOrder(ctx, first))
			assert.Empty(t, h.chain.Sent(), "no match, the order rests")
			ok, err := h.cache.Exists(ctx, contractKey(), cache.KindOrder, "1")
			require.NoError(t, err)
			assert.True(t, ok)

			second := h.place(tt.second.trader, tt.second.isBuy, tt.second.amount, tt.second.price)
			require.NoError(t, h.engine.ProcessNewOrder(ctx, second))

			sent := h.chain.Sent()
			require.Len(t, sent, 1)
			want, err := binding.PackMatchOrders(tt.wantIDs)
			require.NoError(t, err)
			assert.Equal(t, want, sent[0].Data())

			trades := h.trades(t)
			require.Len(t, trades, 1)
			assert.True(t, trades[0].Amount.Equal(decimal.NewFromInt(tt.wantAmount)))
			assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(tt.wantPrice)))

			for i, id := range []uint64{first.OrderID, second.OrderID} {
				o := h.stored(t, id)
				assert.True(t, o.Remaining.Equal(decimal.NewFromInt(tt.wantRemaining[i])), "order %d remaining %s", id, o.Remaining)
				assert.Equal(t, tt.wantActive[i], o.Active, "order %d", id)
			}
		})
	}
}

func TestReplayOnFreshStoreAppliesFillsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	// The poller read order 1 after a 60 fill at block 3 had already
	// mined, so the created event carries remaining 40 as of block 5.
	buy := h.place(alice, true, 100, 10)
	buy.Remaining = decimal.NewFromInt(40)
	buy.SnapshotBlock = 5
	require.NoError(t, h.engine.ProcessNewOrder(ctx, buy))

	fill := &models.MatchedEvent{
		Contract:    contractKey(),
		BuyOrderID:  buy.OrderID,
		SellOrderID: 9,
		Amount:      decimal.NewFromInt(60),
		Price:       decimal.NewFromInt(10),
		BlockNumber: 3,
		TxHash:      common.HexToHash("0xa1").Hex(),
	}
	require.NoError(t, h.engine.RecordMatched(ctx, fill))

	o := h.stored(t, buy.OrderID)
	assert.True(t, o.Remaining.Equal(decimal.NewFromInt(40)), "remaining %s", o.Remaining)
	assert.True(t, o.Active)
	require.Len(t, h.trades(t), 1, "the trade itself is still recorded")

	later := *fill
	later.Amount = decimal.NewFromInt(15)
	later.BlockNumber = 6
	later.TxHash = common.HexToHash("0xa2").Hex()
	require.NoError(t, h.engine.RecordMatched(ctx, &later))
	assert.True(t, h.stored(t, buy.OrderID).Remaining.Equal(decimal.NewFromInt(25)))
}

func TestEitherArrivalOrderMatchesOnce(t *testing.T) {
	tests := []struct {
		name      string
		sellFirst bool
	}{
		{"buy then sell", false},
		{"sell then buy", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, nil)
			buy := h.place(alice, true, 100, 50)
			sell := h.place(bob, false, 100, 45)

			first, second := buy, sell
			if tt.sellFirst {
				first, second = sell, buy
			}
			require.NoError(t, h.engine.ProcessNewOrder(ctx, first))
			require.NoError(t, h.engine.ProcessNewOrder(ctx, second))
			// Redelivery of an already matched order is a no-op.
			require.NoError(t, h.engine.ProcessNewOrder(ctx, first))

			assert.Len(t, h.chain.Sent(), 1)
			assert.Len(t, h.trades(t), 1)
		})
	}
}

func TestPartialFillKeepsRemainder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	sell1 := h.place(bob, false, 30, 40)
	sell2 := h.place(bob, false, 30, 44)
	buy := h.place(alice, true, 100, 50)

	require.NoError(t, h.engine.ProcessNewOrder(ctx, sell1))
	require.NoError(t, h.engine.ProcessNewOrder(ctx, sell2))
	require.NoError(t, h.engine.ProcessNewOrder(ctx, buy))

	trades := h.trades(t)
	require.Len(t, trades, 2)
	assert.Equal(t, sell1.OrderID, trades[0].SellOrderID, "best price first")
	assert.Equal(t, sell2.OrderID, trades[1].SellOrderID)

	o := h.stored(t, buy.OrderID)
	assert.True(t, o.Active)
	assert.True(t, o.Remaining.Equal(decimal.NewFromInt(40)))

	onChain, ok := h.chain.Order(contract, buy.OrderID)
	require.True(t, ok)
	assert.Equal(t, int64(40), onChain.Remaining.Int64())
}

func TestGasCeilingDefersThenExecutesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.chain.SetGasPrice(big.NewInt(200 * gwei))

	buy := h.place(alice, true, 100, 50)
	sell := h.place(bob, false, 100, 45)
	require.NoError(t, h.engine.ProcessNewOrder(ctx, buy))
	require.NoError(t, h.engine.ProcessNewOrder(ctx, sell))

	assert.Empty(t, h.chain.Sent())
	pending, err := h.cache.Exists(ctx, contractKey(), cache.KindPending, "2")
	require.NoError(t, err)
	assert.True(t, pending)
	_, deferred := h.alerts.severity(models.AlertMatchDeferred)
	assert.True(t, deferred)

	// A redelivery while deferred waits for the pending recheck.
	require.NoError(t, h.engine.ProcessNewOrder(ctx, sell))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.chain.Sent(), "still above the ceiling")

	h.chain.SetGasPrice(big.NewInt(gwei))
	require.Eventually(t, func() bool { return len(h.trades(t)) == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.chain.Sent(), 1, "executes at most once")
	assert.Len(t, h.trades(t), 1)
	assert.Zero(t, h.engine.PendingRetries())

	pending, err = h.cache.Exists(ctx, contractKey(), cache.KindPending, "2")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestDeferredOrderKeepsOneRecheck(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(cfg *matching.Config) { cfg.GasRecheckDelay = time.Hour })
	h.chain.SetGasPrice(big.NewInt(200 * gwei))

	buy := h.place(alice, true, 100, 50)
	sell := h.place(bob, false, 100, 45)
	require.NoError(t, h.engine.ProcessNewOrder(ctx, buy))
	require.NoError(t, h.engine.ProcessNewOrder(ctx, sell))
	require.Equal(t, 1, h.engine.PendingRetries())
	require.Equal(t, 1, h.chain.Calls("SuggestGasPrice"))

	for range 3 {
		require.NoError(t, h.engine.ProcessNewOrder(ctx, sell))
	}
	require.NoError(t, h.engine.Rematch(ctx, sell.OrderID))

	assert.Equal(t, 1, h.engine.PendingRetries())
	assert.Equal(t, 1, h.chain.Calls("SuggestGasPrice"), "no gas reads while the recheck is pending")
	assert.Empty(t, h.chain.Sent())
}

func TestAtMostOneTransactionInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var orders []*models.Order
	for i := 0; i < 8; i++ {
		orders = append(orders, h.place(alice, true, 10, 50), h.place(bob, false, 10, 45))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(orders))
	for _, o := range orders {
		wg.Add(1)
		go func(o *models.Order) {
			defer wg.Done()
			errs <- h.engine.ProcessNewOrder(ctx, o)
		}(o)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, h.client.peak())

	total := decimal.Zero
	for _, tr := range h.trades(t) {
		total = total.Add(tr.Amount)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(80)), "every order filled exactly once, got %s", total)
}

func TestNonGasRevertRecordsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.chain.RevertNext(1)

	buy := h.place(alice, true, 100, 50)
	sell := h.place(bob, false, 100, 45)
	require.NoError(t, h.engine.ProcessNewOrder(ctx, buy))
	require.NoError(t, h.engine.ProcessNewOrder(ctx, sell))

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.chain.Sent(), 1, "no retry")
	assert.Empty(t, h.trades(t))
	assert.Zero(t, h.engine.PendingRetries())

	for _, id := range []uint64{buy.OrderID, sell.OrderID} {
		o := h.stored(t, id)
		assert.True(t, o.Active)
		assert.True(t, o.Remaining.Equal(decimal.NewFromInt(100)))
	}
	sev, ok := h.alerts.severity(models.AlertMatchReverted)
	assert.True(t, ok)
	assert.Equal(t, models.SeverityWarning, sev)
	assert.Greater(t, h.engine.Snapshot().FailuresEMA, 0.0)
}

func TestGasFailureBumpsLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.chain.SetMinGas(700_000)

	require.NoError(t, h.engine.ProcessNewOrder(ctx, h.place(alice, true, 100, 50)))
	require.NoError(t, h.engine.ProcessNewOrder(ctx, h.place(bob, false, 100, 45)))

	require.Eventually(t, func() bool { return len(h.trades(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	sent := h.chain.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(500_000), sent[0].Gas())
	assert.Equal(t, uint64(750_000), sent[1].Gas())
}

func TestGasFailureStopsAtCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *matching.Config) { c.GasLimitMax = 600_000 })
	h.chain.SetMinGas(10_000_000)

	buy := h.place(alice, true, 100, 50)
	require.NoError(t, h.engine.ProcessNewOrder(ctx, buy))
	require.NoError(t, h.engine.ProcessNewOrder(ctx, h.place(bob, false, 100, 45)))

	require.Eventually(t, func() bool {
		_, ok := h.alerts.severity(models.AlertMatchReverted)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	sent := h.chain.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(600_000), sent[1].Gas())
	assert.Empty(t, h.trades(t))
	assert.True(t, h.stored(t, buy.OrderID).Active)

	sev, _ := h.alerts.severity(models.AlertMatchReverted)
	assert.Equal(t, models.SeverityCritical, sev)
}

func TestTransientFailureRetriesOnce(t *testing.T) {
	tests := []struct {
		name     string
		failures []error
		trades   int
	}{
		{"recovers on retry", []error{io.EOF}, 1},
		{"gives up after retry", []error{io.EOF, errors.New("503 service unavailable")}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, nil)

			require.NoError(t, h.engine.ProcessNewOrder(ctx, h.place(alice, true, 100, 50)))
			h.chain.Fail("SuggestGasPrice", tt.failures...)
			require.NoError(t, h.engine.ProcessNewOrder(ctx, h.place(bob, false, 100, 45)))

			require.Eventually(t, func() bool {
				return h.chain.Calls("SuggestGasPrice") >= 2 && h.engine.PendingRetries() == 0 && h.engine.State() == matching.StateIdle
			}, 2*time.Second, 5*time.Millisecond)
			time.Sleep(30 * time.Millisecond)

			assert.Equal(t, 2, h.chain.Calls("SuggestGasPrice"))
			assert.Len(t, h.trades(t), tt.trades)
		})
	}
}

func TestCancelledOrderIsNotMatched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	buy := h.place(alice, true, 100, 50)
	require.NoError(t, h.engine.ProcessNewOrder(ctx, buy))
	require.NoError(t, h.engine.Cancel(ctx, buy.OrderID))
	assert.False(t, h.stored(t, buy.OrderID).Active)

	ok, err := h.cache.Exists(ctx, contractKey(), cache.KindOrder, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.engine.ProcessNewOrder(ctx, h.place(bob, false, 100, 45)))
	assert.Empty(t, h.chain.Sent())

	// A replayed created event cannot revive it.
	require.NoError(t, h.engine.ProcessNewOrder(ctx, buy))
	assert.False(t, h.stored(t, buy.OrderID).Active)
	assert.Empty(t, h.chain.Sent())
}

func TestRecordMatchedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.engine.ProcessNewOrder(ctx, h.place(alice, true, 100, 50)))
	require.NoError(t, h.engine.ProcessNewOrder(ctx, h.place(bob, false, 100, 45)))
	require.Len(t, h.trades(t), 1)

	binding, err := chain.NewBinding(contract, "")
	require.NoError(t, err)
	logs := h.chain.Logs()
	last := logs[len(logs)-1]
	m, err := binding.ParseMatched(last)
	require.NoError(t, err)

	own := &models.MatchedEvent{
		Contract:    contractKey(),
		BuyOrderID:  m.BuyOrderID.Uint64(),
		SellOrderID: m.SellOrderID.Uint64(),
		Amount:      decimal.NewFromBigInt(m.Amount, 0),
		Price:       decimal.NewFromBigInt(m.Price, 0),
		BlockNumber: last.BlockNumber,
		TxHash:      last.TxHash.Hex(),
		LogIndex:    last.Index,
	}
	require.NoError(t, h.engine.RecordMatched(ctx, own))
	assert.Len(t, h.trades(t), 1, "own match already recorded")

	external := *own
	external.TxHash = common.HexToHash("0xfeed").Hex()
	external.BuyOrderID, external.SellOrderID = 77, 78
	require.NoError(t, h.engine.RecordMatched(ctx, &external))
	require.NoError(t, h.engine.RecordMatched(ctx, &external))
	assert.Len(t, h.trades(t), 2)
}

func TestHandlersDecodeDeliveries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	buy := h.place(alice, true, 100, 50)

	ev := models.OrderEvent{
		Event:       models.EventOrderCreated,
		Contract:    contractKey(),
		OrderID:     buy.OrderID,
		Trader:      buy.Trader,
		Side:        buy.Side,
		Amount:      buy.Amount,
		Price:       buy.Price,
		Remaining:   buy.Remaining,
		Active:      true,
		BlockNumber: buy.CreatedBlock,
	}
	msg, err := broker.NewMessage(broker.ExchangeOrders, "order.created."+contractKey(), buy.Key(), ev)
	require.NoError(t, err)
	require.NoError(t, h.engine.Handler(broker.QueueOrdersCreated)(ctx, msg))
	assert.True(t, h.stored(t, buy.OrderID).Active)

	ev.Event = models.EventOrderCancelled
	msg, err = broker.NewMessage(broker.ExchangeOrders, "order.cancelled."+contractKey(), buy.Key(), ev)
	require.NoError(t, err)
	assert.Error(t, h.engine.HandleOrderCreated(ctx, msg), "wrong event on the created queue")
	require.NoError(t, h.engine.Handler(broker.QueueOrdersCancelled)(ctx, msg))
	assert.False(t, h.stored(t, buy.OrderID).Active)

	req, err := broker.NewMessage(broker.ExchangeMatching, models.EventMatchRequest, buy.Key(), models.MatchRequest{Contract: contractKey(), OrderID: 999})
	require.NoError(t, err)
	assert.ErrorIs(t, h.engine.Handler(broker.QueueMatchRequests)(ctx, req), storage.ErrNotFound)

	assert.Nil(t, h.engine.Handler(broker.QueueNotifications))
}

func TestWrongContractAndStoppedEngine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	other := h.place(alice, true, 1, 1)
	other.Contract = "0x00000000000000000000000000000000000000ff"
	assert.ErrorIs(t, h.engine.ProcessNewOrder(ctx, other), matching.ErrWrongContract)

	require.NoError(t, h.engine.Stop(ctx))
	require.NoError(t, h.engine.Stop(ctx))
	assert.ErrorIs(t, h.engine.ProcessNewOrder(ctx, h.place(alice, true, 1, 1)), matching.ErrEngineStopped)
	assert.ErrorIs(t, h.engine.Start(ctx), matching.ErrEngineStopped)
}

func TestNewRequiresTransactor(t *testing.T) {
	binding, err := chain.NewBinding(contract, "")
	require.NoError(t, err)
	_, err = matching.New(testConfig(), matching.Deps{Binding: binding, Logger: quietLogger()})
	assert.ErrorIs(t, err, matching.ErrMissingOperator)
}

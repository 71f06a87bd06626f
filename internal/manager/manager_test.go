package manager_test

import (
	"context"
	"crypto/ecdsa"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/internal/broker"
	"github.com/navid-fn/dexmatch/internal/broker/brokertest"
	"github.com/navid-fn/dexmatch/internal/cache"
	"github.com/navid-fn/dexmatch/internal/chain"
	"github.com/navid-fn/dexmatch/internal/chain/chaintest"
	"github.com/navid-fn/dexmatch/internal/manager"
	"github.com/navid-fn/dexmatch/internal/matching"
	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/navid-fn/dexmatch/internal/storage/storagetest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func contractAt(n int64) common.Address {
	return common.BigToAddress(big.NewInt(0xc000 + n))
}

type env struct {
	mgr   *manager.Manager
	chain *chaintest.Chain
	db    *gorm.DB
	cache *cache.Cache
	bus   *brokertest.Bus
}

func testConfig() manager.Config {
	return manager.Config{
		Manager: configs.ManagerConfig{
			MaxContracts:    10,
			StartupBatch:    2,
			StartupCooldown: time.Millisecond,
			HealthInterval:  time.Hour,
			PingTimeout:     time.Second,
			UnhealthyGrace:  time.Minute,
			MetricsInterval: time.Hour,
			StopGrace:       2 * time.Second,
		},
		Poller: configs.PollerConfig{
			Interval:             20 * time.Millisecond,
			MaxBlockRange:        100,
			MaxReconnectAttempts: 3,
			BackoffBase:          time.Millisecond,
			BackoffMax:           time.Millisecond,
			PublishRetryDelay:    time.Millisecond,
		},
		Matching: matching.Config{
			MaxBatch:            10,
			ReceiptPollInterval: time.Millisecond,
			ReceiptTimeout:      2 * time.Second,
		},
		GroupPrefix: "test",
		ShardCount:  1,
	}
}

func newEnv(t *testing.T, mutate func(*manager.Config)) *env {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	store, db := storagetest.NewSQLite(t)
	mr := miniredis.RunT(t)
	c := cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", time.Hour)

	bus := brokertest.NewBus()
	b := broker.New(broker.DefaultTopology("test", 0), bus, bus, bus.Readers(), configs.KafkaConfig{
		Prefetch:       4,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		ReconnectDelay: time.Millisecond,
	}, quietLogger())

	fake := chaintest.New()
	pool, err := chain.NewPool(configs.ChainConfig{
		RPCEndpoints:      []string{"http://rpc-a", "http://rpc-b"},
		RequestsPerSecond: 10_000,
		CallTimeout:       time.Second,
	}, fake.Dial(), quietLogger())
	require.NoError(t, err)

	mgr := manager.New(cfg, manager.Deps{
		Storage:    store,
		Cache:      c,
		Broker:     b,
		Pool:       pool,
		Collectors: matching.NewCollectors(prometheus.NewRegistry()),
		Logger:     quietLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		bus.Shutdown()
	})

	return &env{mgr: mgr, chain: fake, db: db, cache: c, bus: bus}
}

func (e *env) register(t *testing.T, contract common.Address, symbol string) *models.Exchange {
	t.Helper()
	ex := &models.Exchange{
		Contract: models.NormalizeAddress(contract.Hex()),
		Network:  "devnet",
		TradingPair: models.TradingPair{
			Symbol:     symbol,
			BaseToken:  "0x0000000000000000000000000000000000000001",
			QuoteToken: "0x0000000000000000000000000000000000000002",
		},
		Active: true,
	}
	require.NoError(t, e.db.Create(ex).Error)
	return ex
}

func (e *env) operator(t *testing.T, contract common.Address, key *ecdsa.PrivateKey, address common.Address) {
	t.Helper()
	require.NoError(t, e.db.Create(&models.OperatorKey{
		Contract: models.NormalizeAddress(contract.Hex()),
		Address:  models.NormalizeAddress(address.Hex()),
		KeyRef:   common.Bytes2Hex(crypto.FromECDSA(key)),
		Active:   true,
	}).Error)
}

func (e *env) policy(t *testing.T, max int, operators ...common.Address) {
	t.Helper()
	var list string
	for i, op := range operators {
		if i > 0 {
			list += ","
		}
		list += op.Hex()
	}
	require.NoError(t, e.db.Create(&models.SecurityPolicy{
		MaxConcurrentContracts: max,
		AuthorizedOperators:    list,
	}).Error)
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func TestInitializeStartsEveryExchangeWithTheRightMode(t *testing.T) {
	e := newEnv(t, nil)
	authorizedKey, authorized := newKey(t)
	strangerKey, stranger := newKey(t)

	matched := contractAt(1)
	unauthorized := contractAt(2)
	readOnly := contractAt(3)
	e.register(t, matched, "WETH/USDC")
	e.register(t, unauthorized, "WBTC/USDC")
	e.register(t, readOnly, "DAI/USDC")
	e.operator(t, matched, authorizedKey, authorized)
	e.operator(t, unauthorized, strangerKey, stranger)
	e.policy(t, 10, authorized)

	require.NoError(t, e.mgr.Initialize(context.Background()))

	assert.True(t, e.mgr.Ready())
	assert.Len(t, e.mgr.Contracts(), 3)
	assert.NotNil(t, e.mgr.Engine(matched.Hex()))
	assert.Nil(t, e.mgr.Engine(unauthorized.Hex()), "unauthorized operator runs read-only")
	assert.Nil(t, e.mgr.Engine(readOnly.Hex()), "no operator key runs read-only")

	for _, st := range e.mgr.Status() {
		assert.True(t, st.Polling, st.Contract)
		assert.Equal(t, st.Contract == models.NormalizeAddress(matched.Hex()), st.Matching != nil, st.Contract)
	}
	assert.Equal(t, 1, e.bus.Declared())
}

func TestPolicyIsCachedAndCapsTheCeiling(t *testing.T) {
	e := newEnv(t, nil)
	for i := int64(1); i <= 3; i++ {
		e.register(t, contractAt(i), "PAIR")
	}
	e.policy(t, 2)

	require.NoError(t, e.mgr.Initialize(context.Background()))

	assert.Equal(t, 2, e.mgr.Ceiling())
	assert.Len(t, e.mgr.Contracts(), 2)

	var cached models.SecurityPolicy
	found, err := e.cache.GetGlobalJSON(context.Background(), cache.KindPolicy, &cached)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, cached.MaxConcurrentContracts)

	err = e.mgr.AddExchange(context.Background(), &models.Exchange{Contract: contractAt(9).Hex()})
	assert.ErrorIs(t, err, manager.ErrCapacityReached)
}

func TestAddExchangeRejectsDuplicates(t *testing.T) {
	e := newEnv(t, nil)
	ex := e.register(t, contractAt(1), "PAIR")

	require.NoError(t, e.mgr.AddExchange(context.Background(), ex))
	err := e.mgr.AddExchange(context.Background(), &models.Exchange{Contract: contractAt(1).Hex()})
	assert.ErrorIs(t, err, manager.ErrAlreadyTracked)
	assert.Len(t, e.mgr.Contracts(), 1)
}

func TestAddExchangeRollsBackOnFailure(t *testing.T) {
	e := newEnv(t, func(c *manager.Config) { c.Manager.MaxContracts = 1 })
	key, _ := newKey(t)
	_, claimed := newKey(t)

	bad := e.register(t, contractAt(1), "BAD")
	e.operator(t, contractAt(1), key, claimed)
	e.policy(t, 0, claimed)
	require.NoError(t, e.mgr.Initialize(context.Background()))

	assert.Empty(t, e.mgr.Contracts(), "mismatched key is not tracked")
	err := e.mgr.AddExchange(context.Background(), bad)
	assert.ErrorIs(t, err, manager.ErrOperatorMismatch)

	good := e.register(t, contractAt(2), "GOOD")
	require.NoError(t, e.mgr.AddExchange(context.Background(), good), "failed add released its slot")
	assert.Equal(t, []string{models.NormalizeAddress(contractAt(2).Hex())}, e.mgr.Contracts())
}

func TestRemoveExchangePurgesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	ex := e.register(t, contractAt(1), "PAIR")
	require.NoError(t, e.mgr.AddExchange(ctx, ex))

	require.Eventually(t, func() bool {
		_, found, err := e.cache.LastBlock(ctx, ex.Contract)
		return err == nil && found
	}, 2*time.Second, 10*time.Millisecond, "poller writes its marker")

	require.NoError(t, e.mgr.RemoveExchange(ctx, ex.Contract))
	_, found, err := e.cache.LastBlock(ctx, ex.Contract)
	require.NoError(t, err)
	assert.False(t, found, "namespace purged")
	assert.Empty(t, e.mgr.Contracts())
	assert.Empty(t, e.mgr.Health())

	require.NoError(t, e.mgr.RemoveExchange(ctx, ex.Contract))
}

func TestOrdersFlowFromChainToMatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	key, operator := newKey(t)
	contract := contractAt(1)
	e.register(t, contract, "WETH/USDC")
	e.operator(t, contract, key, operator)
	e.policy(t, 10, operator)

	e.chain.CreateOrder(contract, alice, true, 100, 50)
	e.chain.CreateOrder(contract, bob, false, 100, 45)

	require.NoError(t, e.mgr.Initialize(ctx))

	require.Eventually(t, func() bool {
		var n int64
		return e.db.Model(&models.Trade{}).Count(&n).Error == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Len(t, e.chain.Sent(), 1)
	buy, ok := e.chain.Order(contract, 1)
	require.True(t, ok)
	assert.False(t, buy.Active)

	require.Eventually(t, func() bool {
		return len(e.bus.Messages(broker.DefaultTopology("test", 0).Topic(broker.QueueOrdersMatched))) == 1
	}, 5*time.Second, 10*time.Millisecond, "poller republishes the on-chain match")

	e.mgr.CollectMetrics(ctx)
	var snap matching.Snapshot
	found, err := e.cache.GetJSON(ctx, models.NormalizeAddress(contract.Hex()), cache.KindMetrics, "engine", &snap)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(2), snap.Processed)
}

func TestRequestMatchRoutesToEngineQueue(t *testing.T) {
	e := newEnv(t, nil)

	require.NoError(t, e.mgr.RequestMatch(context.Background(), contractAt(1).Hex(), 7, "manual", 20))

	msgs := e.bus.Messages(broker.DefaultTopology("test", 0).Topic(broker.QueueMatchRequests))
	require.Len(t, msgs, 1)
	assert.Equal(t, models.OrderKey(models.NormalizeAddress(contractAt(1).Hex()), 7), string(msgs[0].Key))
}

func TestShutdownStopsEverything(t *testing.T) {
	e := newEnv(t, nil)
	e.register(t, contractAt(1), "A")
	e.register(t, contractAt(2), "B")
	require.NoError(t, e.mgr.Initialize(context.Background()))
	require.Len(t, e.mgr.Contracts(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.mgr.Shutdown(ctx))

	assert.Empty(t, e.mgr.Contracts())
	assert.False(t, e.mgr.Ready())
	err := e.mgr.AddExchange(context.Background(), &models.Exchange{Contract: contractAt(3).Hex()})
	assert.ErrorIs(t, err, manager.ErrShutdown)
	require.NoError(t, e.mgr.Shutdown(ctx), "second shutdown is a no-op")
}

func TestShardOfSplitsContracts(t *testing.T) {
	seen := make(map[int]int)
	for i := int64(0); i < 200; i++ {
		c := contractAt(i).Hex()
		shard := manager.ShardOf(c, 4)
		require.GreaterOrEqual(t, shard, 0)
		require.Less(t, shard, 4)
		assert.Equal(t, shard, manager.ShardOf(models.NormalizeAddress(c), 4), "case-insensitive")
		seen[shard]++
	}
	assert.Len(t, seen, 4, "every shard gets contracts")
	assert.Equal(t, 0, manager.ShardOf(contractAt(1).Hex(), 1))
}

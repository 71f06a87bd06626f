// Package manager runs the pollers and matching engines of one worker.
//
// A Manager owns every contract assigned to its shard. For each contract it
// starts a Poller and, when an authorized operator key is on file, a
// matching Engine. Broker consumers are shared: one per queue, dispatching
// each delivery to the engine of the contract named in its key.
package manager

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/internal/alerts"
	"github.com/navid-fn/dexmatch/internal/broker"
	"github.com/navid-fn/dexmatch/internal/cache"
	"github.com/navid-fn/dexmatch/internal/chain"
	"github.com/navid-fn/dexmatch/internal/matching"
	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/navid-fn/dexmatch/internal/poller"
	"github.com/navid-fn/dexmatch/internal/storage"
	"github.com/navid-fn/dexmatch/pkg/faulttolerance"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyTracked   = errors.New("exchange already tracked")
	ErrCapacityReached  = errors.New("contract ceiling reached")
	ErrOperatorMismatch = errors.New("operator key does not match its address")
	ErrShutdown         = errors.New("manager is shut down")
)

// consumedQueues feed the engines.
var consumedQueues = []string{
	broker.QueueOrdersCreated,
	broker.QueueOrdersCancelled,
	broker.QueueOrdersMatched,
	broker.QueueMatchRequests,
}

type Config struct {
	Manager  configs.ManagerConfig
	Poller   configs.PollerConfig
	Matching matching.Config

	// GroupPrefix names the worker's consumer group together with ShardIndex.
	GroupPrefix string
	ShardIndex  int
	ShardCount  int
}

// NewConfig derives the manager settings of worker index out of count.
func NewConfig(app *configs.AppConfig, index, count int) Config {
	return Config{
		Manager:     app.Manager,
		Poller:      app.Poller,
		Matching:    matching.NewConfig(app.Matching, app.Chain),
		GroupPrefix: app.Kafka.GroupPrefix,
		ShardIndex:  index,
		ShardCount:  count,
	}
}

func (c Config) normalized() Config {
	if c.Manager.MaxContracts <= 0 {
		c.Manager.MaxContracts = 50
	}
	if c.Manager.StartupBatch <= 0 {
		c.Manager.StartupBatch = 5
	}
	if c.Manager.HealthInterval <= 0 {
		c.Manager.HealthInterval = 30 * time.Second
	}
	if c.Manager.PingTimeout <= 0 {
		c.Manager.PingTimeout = 5 * time.Second
	}
	if c.Manager.UnhealthyGrace <= 0 {
		c.Manager.UnhealthyGrace = time.Minute
	}
	if c.Manager.MetricsInterval <= 0 {
		c.Manager.MetricsInterval = 30 * time.Second
	}
	if c.Manager.StopGrace <= 0 {
		c.Manager.StopGrace = 10 * time.Second
	}
	if c.ShardCount <= 0 {
		c.ShardCount = 1
	}
	return c
}

// Deps are the worker's shared connections. The manager closes them on
// Shutdown.
type Deps struct {
	Storage    storage.Storage
	Cache      *cache.Cache
	Broker     *broker.Broker
	Pool       *chain.Pool
	Alerts     alerts.Raiser
	Collectors *matching.Collectors
	Logger     logrus.FieldLogger
}

type exchange struct {
	registration *models.Exchange
	poller       *poller.Poller

	// engine is nil for read-only contracts.
	engine *matching.Engine
}

type Manager struct {
	cfg        Config
	store      storage.Storage
	cache      *cache.Cache
	broker     *broker.Broker
	pool       *chain.Pool
	alerts     alerts.Raiser
	collectors *matching.Collectors
	logger     logrus.FieldLogger
	health     *faulttolerance.HealthMonitor

	// runCtx outlives Initialize; Shutdown cancels it.
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	exchanges   map[string]*exchange
	reserved    map[string]struct{}
	transactors map[string]*chain.Transactor
	policy      *models.SecurityPolicy
	ceiling     int
	initialized bool
	closed      bool

	healthMu      sync.Mutex
	reconnectedAt map[string]time.Time
	degraded      bool

	now func() time.Time
}

func New(cfg Config, deps Deps) *Manager {
	cfg = cfg.normalized()
	if deps.Alerts == nil {
		deps.Alerts = alerts.Discard{Logger: deps.Logger}
	}
	logger := deps.Logger.WithFields(logrus.Fields{"component": "manager", "shard": cfg.ShardIndex})
	runCtx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:           cfg,
		store:         deps.Storage,
		cache:         deps.Cache,
		broker:        deps.Broker,
		pool:          deps.Pool,
		alerts:        deps.Alerts,
		collectors:    deps.Collectors,
		logger:        logger,
		health:        faulttolerance.NewHealthMonitor(logger, cfg.Manager.HealthInterval, cfg.Manager.PingTimeout),
		runCtx:        runCtx,
		cancel:        cancel,
		exchanges:     make(map[string]*exchange),
		reserved:      make(map[string]struct{}),
		transactors:   make(map[string]*chain.Transactor),
		ceiling:       cfg.Manager.MaxContracts,
		reconnectedAt: make(map[string]time.Time),
		now:           time.Now,
	}
	m.health.OnCycle = func(results map[string]faulttolerance.HealthCheck) {
		m.guard("health", func() { m.onHealthCycle(results) })
	}
	return m
}

// Initialize verifies the shared connections, loads the security policy,
// adds this shard's active exchanges in batches and starts the health,
// metrics and consumer loops. ctx bounds startup only.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	if err := m.broker.Declare(ctx); err != nil {
		return fmt.Errorf("declare broker topology: %w", err)
	}
	if err := m.cache.Ping(ctx); err != nil {
		return fmt.Errorf("ping cache: %w", err)
	}
	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping storage: %w", err)
	}

	policy, err := m.loadPolicy(ctx)
	if err != nil {
		return err
	}
	m.applyPolicy(policy)

	registrations, err := m.store.ListActiveExchanges(ctx)
	if err != nil {
		return fmt.Errorf("list exchanges: %w", err)
	}
	var mine []*models.Exchange
	for _, ex := range registrations {
		if m.Owns(ex.Contract) {
			mine = append(mine, ex)
		}
	}
	m.logger.Infof("Shard %d/%d owns %d of %d active exchanges (ceiling %d)",
		m.cfg.ShardIndex, m.cfg.ShardCount, len(mine), len(registrations), m.Ceiling())

	if err := m.addInBatches(ctx, mine); err != nil {
		return err
	}

	m.health.Start(m.runCtx)
	m.safeGo("metrics", m.metricsLoop)
	if err := m.startConsumers(); err != nil {
		return err
	}

	m.logger.Infof("Manager initialized with %d exchanges", len(m.Contracts()))
	return nil
}

// Owns reports whether contract belongs to this worker's shard.
func (m *Manager) Owns(contract string) bool {
	return ShardOf(contract, m.cfg.ShardCount) == m.cfg.ShardIndex
}

// ShardOf maps a contract onto one of count shards.
func ShardOf(contract string, count int) int {
	if count <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(models.NormalizeAddress(contract)))
	return int(h.Sum32() % uint32(count))
}

func (m *Manager) addInBatches(ctx context.Context, registrations []*models.Exchange) error {
	size := m.cfg.Manager.StartupBatch
	for start := 0; start < len(registrations); start += size {
		end := min(start+size, len(registrations))

		var g errgroup.Group
		for _, ex := range registrations[start:end] {
			g.Go(func() error {
				if err := m.AddExchange(ctx, ex); err != nil {
					m.logger.WithField("contract", ex.Contract).Errorf("Failed to add exchange: %v", err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if end < len(registrations) {
			if err := sleepContext(ctx, m.cfg.Manager.StartupCooldown); err != nil {
				return fmt.Errorf("startup interrupted: %w", err)
			}
		}
	}
	return nil
}

// AddExchange starts monitoring one contract, and matching on it when an
// authorized operator key exists. Any failure leaves nothing behind.
func (m *Manager) AddExchange(ctx context.Context, ex *models.Exchange) (err error) {
	contract := models.NormalizeAddress(ex.Contract)
	if err := m.reserve(contract); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			m.release(contract)
		}
	}()

	log := m.logger.WithField("contract", contract)

	abiJSON := ex.ABI
	if abiJSON == "" {
		abiJSON = chain.DefaultABI()
	}
	binding, err := chain.NewBinding(common.HexToAddress(contract), abiJSON)
	if err != nil {
		return fmt.Errorf("bind contract: %w", err)
	}

	client, endpoint, err := m.pool.Next(ctx)
	if err != nil {
		return fmt.Errorf("pick rpc endpoint: %w", err)
	}

	p, err := poller.New(poller.NewConfig(m.cfg.Poller, ex.GenesisBlock), binding, client, m.cache, m.broker.Publisher, m.alerts, m.logger)
	if err != nil {
		return fmt.Errorf("create poller: %w", err)
	}

	engine, err := m.newEngine(ctx, contract, binding)
	if err != nil {
		return err
	}
	if engine != nil {
		if err := engine.Start(m.runCtx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
	}

	if err := p.Start(m.runCtx); err != nil {
		if engine != nil {
			m.stopEngine(engine)
		}
		return fmt.Errorf("start poller: %w", err)
	}

	m.mu.Lock()
	delete(m.reserved, contract)
	m.exchanges[contract] = &exchange{registration: ex, poller: p, engine: engine}
	m.mu.Unlock()
	m.health.AddCheck(checkName(contract), p.Ping)

	mode := "read-only"
	if engine != nil {
		mode = "matching"
	}
	log.Infof("Exchange %s added on %s (%s)", ex.TradingPair.Symbol, endpoint, mode)
	return nil
}

// reserve claims a slot so concurrent adds respect the ceiling.
func (m *Manager) reserve(contract string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrShutdown
	}
	if _, ok := m.exchanges[contract]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, contract)
	}
	if _, ok := m.reserved[contract]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, contract)
	}
	if len(m.exchanges)+len(m.reserved) >= m.ceiling {
		return fmt.Errorf("%w: %d contracts", ErrCapacityReached, m.ceiling)
	}
	m.reserved[contract] = struct{}{}
	return nil
}

func (m *Manager) release(contract string) {
	m.mu.Lock()
	delete(m.reserved, contract)
	m.mu.Unlock()
}

// newEngine returns nil without error when the contract has no usable
// operator key.
func (m *Manager) newEngine(ctx context.Context, contract string, binding *chain.Binding) (*matching.Engine, error) {
	log := m.logger.WithField("contract", contract)

	key, err := m.store.OperatorKey(ctx, contract)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("No operator key, monitoring only")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load operator key: %w", err)
	}
	if !key.Active {
		log.Info("Operator key inactive, monitoring only")
		return nil, nil
	}
	if !m.Policy().IsAuthorized(key.Address) {
		log.Warnf("Operator %s is not authorized by the security policy, monitoring only", key.Address)
		return nil, nil
	}

	transactor, err := m.transactor(key)
	if err != nil {
		return nil, err
	}

	engine, err := matching.New(m.cfg.Matching, matching.Deps{
		Binding:    binding,
		Clients:    m.pool,
		Transactor: transactor,
		Storage:    m.store,
		Cache:      m.cache,
		Alerts:     m.alerts,
		Collectors: m.collectors,
		Logger:     m.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return engine, nil
}

// transactor returns one signer per operator address so engines sharing a
// key share its nonce sequence.
func (m *Manager) transactor(key *models.OperatorKey) (*chain.Transactor, error) {
	addr := models.NormalizeAddress(key.Address)

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transactors[addr]; ok {
		return t, nil
	}

	keyHex, err := chain.ResolveKey(key.KeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve operator key: %w", err)
	}
	t, err := chain.NewTransactor(keyHex)
	if err != nil {
		return nil, fmt.Errorf("load operator key: %w", err)
	}
	if got := models.NormalizeAddress(t.From().Hex()); got != addr {
		return nil, fmt.Errorf("%w: expected %s, signs as %s", ErrOperatorMismatch, addr, got)
	}
	m.transactors[addr] = t
	return t, nil
}

// RemoveExchange stops the contract's poller and engine and purges its
// cache namespace. Removing an untracked contract is a no-op.
func (m *Manager) RemoveExchange(ctx context.Context, contract string) error {
	contract = models.NormalizeAddress(contract)

	m.mu.Lock()
	ex, ok := m.exchanges[contract]
	delete(m.exchanges, contract)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.health.RemoveCheck(checkName(contract))

	var errs []error
	if ex.engine != nil {
		if err := ex.engine.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop engine: %w", err))
		}
	}
	if err := ex.poller.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop poller: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("remove %s: %w", contract, err)
	}
	m.logger.WithField("contract", contract).Info("Exchange removed")
	return nil
}

func (m *Manager) stopEngine(engine *matching.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Manager.StopGrace)
	defer cancel()
	if err := engine.Stop(ctx); err != nil {
		m.logger.Warnf("Stop engine: %v", err)
	}
}

func (m *Manager) startConsumers() error {
	group := fmt.Sprintf("%s-worker-%d", m.cfg.GroupPrefix, m.cfg.ShardIndex)
	for _, queue := range consumedQueues {
		c, err := m.broker.Consumer(queue, group, m.dispatch(queue), m.deadLettered)
		if err != nil {
			return fmt.Errorf("consumer %s: %w", queue, err)
		}
		m.safeGo("consumer:"+queue, func(ctx context.Context) {
			if err := c.Run(ctx); err != nil {
				m.logger.Errorf("Consumer %s exited: %v", queue, err)
			}
		})
	}
	return nil
}

// dispatch routes a delivery to the engine of the contract in its key.
// Deliveries for contracts without an engine here are acknowledged.
func (m *Manager) dispatch(queue string) broker.Handler {
	return func(ctx context.Context, msg broker.Message) error {
		contract, _, _ := strings.Cut(msg.Key, ":")
		engine := m.Engine(contract)
		if engine == nil {
			return nil
		}
		handler := engine.Handler(queue)
		if handler == nil {
			return nil
		}
		return handler(ctx, msg)
	}
}

func (m *Manager) deadLettered(msg broker.Message, reason string) {
	err := m.alerts.Raise(m.runCtx, models.AlertDeadLettered, models.SeverityWarning, map[string]any{
		"queue":  msg.Queue,
		"key":    msg.Key,
		"id":     msg.ID,
		"reason": reason,
	})
	if err != nil {
		m.logger.Warnf("Raise dead-letter alert: %v", err)
	}
}

// RequestMatch asks the contract's engine, on whichever worker owns it, to
// re-run matching for a stored order.
func (m *Manager) RequestMatch(ctx context.Context, contract string, orderID uint64, reason string, priority uint8) error {
	contract = models.NormalizeAddress(contract)
	req := models.MatchRequest{Contract: contract, OrderID: orderID, Reason: reason, Priority: priority}
	msg, err := broker.NewMessage(broker.ExchangeMatching, models.EventMatchRequest, models.OrderKey(contract, orderID), req)
	if err != nil {
		return err
	}
	msg.Priority = min(priority, broker.MaxMatchPriority)
	return m.broker.Publisher.Publish(ctx, msg)
}

// Engine returns the contract's engine, or nil when it is not matched here.
func (m *Manager) Engine(contract string) *matching.Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ex, ok := m.exchanges[models.NormalizeAddress(contract)]; ok {
		return ex.engine
	}
	return nil
}

// Storage is the manager's persistence, for read-only surfaces.
func (m *Manager) Storage() storage.Storage { return m.store }

// Contracts returns the tracked contracts in order.
func (m *Manager) Contracts() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.exchanges))
	for c := range m.exchanges {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ExchangeStatus is a tracked contract as reported by the status server.
type ExchangeStatus struct {
	Contract string             `json:"contract"`
	Symbol   string             `json:"symbol"`
	Network  string             `json:"network"`
	Polling  bool               `json:"polling"`
	Parked   bool               `json:"parked"`
	Matching *matching.Snapshot `json:"matching,omitempty"`
}

func (m *Manager) Status() []ExchangeStatus {
	m.mu.RLock()
	out := make([]ExchangeStatus, 0, len(m.exchanges))
	for contract, ex := range m.exchanges {
		st := ExchangeStatus{
			Contract: contract,
			Symbol:   ex.registration.TradingPair.Symbol,
			Network:  ex.registration.Network,
			Polling:  ex.poller.Running(),
			Parked:   ex.poller.Parked(),
		}
		if ex.engine != nil {
			snap := ex.engine.Snapshot()
			st.Matching = &snap
		}
		out = append(out, st)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out
}

// Ready reports whether Initialize completed and Shutdown has not begun.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized && !m.closed
}

// Shutdown stops the loops and consumers, then every poller and engine in
// parallel, each bounded by the stop grace, and closes the shared
// connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("Shutting down manager")
	m.health.Stop()
	m.cancel()

	loops := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(loops)
	}()
	select {
	case <-loops:
	case <-ctx.Done():
		m.logger.Warn("Background loops did not exit before the deadline")
	}

	var g errgroup.Group
	for _, contract := range m.Contracts() {
		g.Go(func() error {
			stopCtx, cancel := context.WithTimeout(ctx, m.cfg.Manager.StopGrace)
			defer cancel()
			return m.RemoveExchange(stopCtx, contract)
		})
	}
	err := g.Wait()

	m.pool.Close()
	m.broker.Close()
	if cerr := m.cache.Close(); cerr != nil {
		m.logger.Warnf("Error closing cache: %v", cerr)
	}
	if cerr := m.store.Close(); cerr != nil {
		m.logger.Warnf("Error closing storage: %v", cerr)
	}

	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	m.logger.Info("Manager shut down")
	return nil
}

// safeGo runs fn on the manager's run context and turns a panic into a
// critical alert.
func (m *Manager) safeGo(name string, fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.guard(name, func() { fn(m.runCtx) })
	}()
}

func (m *Manager) guard(name string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		m.logger.Errorf("Panic in %s: %v\n%s", name, r, debug.Stack())
		err := m.alerts.Raise(context.Background(), models.AlertComponentPanic, models.SeverityCritical, map[string]any{
			"component": name,
			"panic":     fmt.Sprint(r),
			"shard":     m.cfg.ShardIndex,
		})
		if err != nil {
			m.logger.Errorf("Raise panic alert: %v", err)
		}
	}()
	fn()
}

func (m *Manager) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Manager.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CollectMetrics(ctx)
		}
	}
}

// CollectMetrics snapshots every engine and the RPC pool into the cache.
func (m *Manager) CollectMetrics(ctx context.Context) {
	ttl := 2 * m.cfg.Manager.MetricsInterval

	m.mu.RLock()
	engines := make(map[string]*matching.Engine, len(m.exchanges))
	for contract, ex := range m.exchanges {
		if ex.engine != nil {
			engines[contract] = ex.engine
		}
	}
	m.mu.RUnlock()

	for contract, engine := range engines {
		if err := m.cache.SetJSON(ctx, contract, cache.KindMetrics, "engine", engine.Snapshot(), ttl); err != nil {
			m.logger.WithField("contract", contract).Warnf("Store engine metrics: %v", err)
		}
	}
	if err := m.cache.SetGlobalJSON(ctx, fmt.Sprintf("rpc_pool:%d", m.cfg.ShardIndex), m.pool.Stats(), ttl); err != nil {
		m.logger.Warnf("Store pool metrics: %v", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

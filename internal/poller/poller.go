// Package poller turns exchange contract logs into broker events.
//
// A Poller owns one contract. Every interval it reads the last processed
// block from the cache, asks the chain for the tracked events over the gap
// and publishes them in log order. The cache marker only moves forward once
// a whole block window has been handled, so a crash replays at most one
// window. A publish that is dropped holds the marker before its block, and
// the next cycle finds it again. Published-event markers are set after a
// successful publish and keep replays from reaching the broker twice.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/internal/alerts"
	"github.com/navid-fn/dexmatch/internal/broker"
	"github.com/navid-fn/dexmatch/internal/cache"
	"github.com/navid-fn/dexmatch/internal/chain"
	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/navid-fn/dexmatch/pkg/faulttolerance"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotRunning  = errors.New("poller is not running")
	ErrStale       = errors.New("poller heartbeat is stale")
	ErrNoEvents    = errors.New("abi defines none of the tracked events")
	ErrNoRPCClient = errors.New("poller has no rpc client")

	errPublishDropped = errors.New("publish dropped")
)

// trackedEvents are fetched with one OR-ed topic filter.
var trackedEvents = []string{chain.EventOrderCreated, chain.EventOrderCancelled, chain.EventOrdersMatched}

// Publisher is satisfied by *broker.Publisher.
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey, key string, v any) error
}

// Cache is the subset of *cache.Cache the poller uses.
type Cache interface {
	LastBlock(ctx context.Context, contract string) (uint64, bool, error)
	SetLastBlock(ctx context.Context, contract string, block uint64) error
	SetJSON(ctx context.Context, contract, kind, id string, v any, ttl time.Duration) error
	Delete(ctx context.Context, contract, kind, id string) error
	Exists(ctx context.Context, contract, kind, id string) (bool, error)
	Claim(ctx context.Context, contract, kind, id string, ttl time.Duration) (bool, error)
	PurgeNamespace(ctx context.Context, contract string) (int, error)
}

type Config struct {
	Interval          time.Duration
	MaxBlockRange     uint64
	GenesisBlock      uint64
	PublishRetryDelay time.Duration

	// Retry drives reconnect backoff; MaxAttempts bounds it before the
	// poller parks.
	Retry faulttolerance.RetryPolicy
}

// NewConfig derives a poller config from the worker settings.
func NewConfig(cfg configs.PollerConfig, genesis uint64) Config {
	return Config{
		Interval:          cfg.Interval,
		MaxBlockRange:     cfg.MaxBlockRange,
		GenesisBlock:      genesis,
		PublishRetryDelay: cfg.PublishRetryDelay,
		Retry: faulttolerance.RetryPolicy{
			MaxAttempts: cfg.MaxReconnectAttempts,
			BaseDelay:   cfg.BackoffBase,
			MaxDelay:    cfg.BackoffMax,
			Multiplier:  2,
			JitterRange: 0.1,
		},
	}
}

type Poller struct {
	cfg       Config
	contract  string
	binding   *chain.Binding
	events    []string
	cache     Cache
	publisher Publisher
	alerts    alerts.Raiser
	logger    logrus.FieldLogger
	retryer   *faulttolerance.Retryer

	mu      sync.Mutex
	client  chain.Client
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	parked  bool

	// catchUp serializes cycles; an external CatchUp never overlaps the loop.
	catchUp  sync.Mutex
	lastBeat atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, binding *chain.Binding, client chain.Client, c Cache, publisher Publisher, raiser alerts.Raiser, logger logrus.FieldLogger) (*Poller, error) {
	var events []string
	for _, name := range trackedEvents {
		if binding.HasEvent(name) {
			events = append(events, name)
		}
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	if cfg.PublishRetryDelay <= 0 {
		cfg.PublishRetryDelay = 2 * time.Second
	}
	if raiser == nil {
		raiser = alerts.Discard{}
	}

	contract := models.NormalizeAddress(binding.Address().Hex())
	cfg.Retry.Name = "poller-" + contract
	logger = logger.WithField("component", "poller").WithField("contract", contract)

	return &Poller{
		cfg:       cfg,
		contract:  contract,
		binding:   binding,
		events:    events,
		cache:     c,
		publisher: publisher,
		alerts:    raiser,
		logger:    logger,
		retryer:   faulttolerance.NewRetryer(cfg.Retry, logger),
		client:    client,
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

func (p *Poller) Contract() string { return p.contract }

// Running reports whether the poll loop is active. A parked poller is
// not running.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) Parked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parked
}

// Start begins the poll loop. Calling it on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.client == nil {
		return ErrNoRPCClient
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.parked = false
	p.beat()

	go p.loop(loopCtx, p.done)
	p.logger.Infof("Poller started (interval %v)", p.cfg.Interval)
	return nil
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if !p.cycle(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle runs one catch-up under the reconnect backoff. It reports false
// when the loop must end.
func (p *Poller) cycle(ctx context.Context) bool {
	err := p.retryer.Execute(ctx, p.CatchUp)
	switch {
	case err == nil:
		p.beat()
		return true
	case ctx.Err() != nil:
		return false
	}

	p.logger.Errorf("Poller parked after repeated failures: %v", err)
	if aerr := p.alerts.Raise(context.WithoutCancel(ctx), models.AlertPollerStopped, models.SeverityCritical, map[string]any{
		"contract": p.contract,
		"attempts": p.cfg.Retry.MaxAttempts,
		"error":    err.Error(),
	}); aerr != nil {
		p.logger.Warnf("Raise poller alert: %v", aerr)
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel, p.done = nil, nil
	}
	p.running = false
	p.parked = true
	p.mu.Unlock()
	return false
}

func (p *Poller) beat() { p.lastBeat.Store(p.now().UnixNano()) }

// LastHeartbeat is the time of the last successful cycle.
func (p *Poller) LastHeartbeat() time.Time { return time.Unix(0, p.lastBeat.Load()) }

// CatchUp processes every tracked event between the last processed block
// and the current head.
func (p *Poller) CatchUp(ctx context.Context) error {
	p.catchUp.Lock()
	defer p.catchUp.Unlock()

	client := p.currentClient()
	if client == nil {
		return ErrNoRPCClient
	}

	from := p.cfg.GenesisBlock
	last, found, err := p.cache.LastBlock(ctx, p.contract)
	if err != nil {
		return fmt.Errorf("read block marker: %w", err)
	}
	if found {
		from = last + 1
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if from > head {
		return nil
	}

	for start := from; start <= head; {
		end := min(start+p.cfg.MaxBlockRange-1, head)
		next, err := p.processWindow(ctx, client, start, end, head)
		if err != nil {
			return err
		}
		if next <= end {
			// Resume at the dropped event's block next cycle.
			if next > start {
				if err := p.cache.SetLastBlock(ctx, p.contract, next-1); err != nil {
					return fmt.Errorf("advance block marker: %w", err)
				}
			}
			return nil
		}
		if err := p.cache.SetLastBlock(ctx, p.contract, end); err != nil {
			return fmt.Errorf("advance block marker: %w", err)
		}
		start = end + 1
	}
	return nil
}

// processWindow publishes the window's events in log order. It returns the
// block of the first dropped event, or to+1 when every event went out.
func (p *Poller) processWindow(ctx context.Context, client chain.Client, from, to, head uint64) (uint64, error) {
	q, err := p.binding.FilterQuery(from, to, p.events...)
	if err != nil {
		return 0, err
	}
	logs, err := client.FilterLogs(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	if len(logs) > 0 {
		p.logger.Debugf("Processing %d logs in blocks %d-%d", len(logs), from, to)
	}
	for _, l := range logs {
		if l.Removed || len(l.Topics) == 0 {
			continue
		}
		name, ok := p.binding.EventName(l.Topics[0])
		if !ok {
			continue
		}
		err := p.handle(ctx, client, name, l, head)
		if errors.Is(err, errPublishDropped) {
			return l.BlockNumber, nil
		}
		if err != nil {
			return 0, fmt.Errorf("%s at block %d index %d: %w", name, l.BlockNumber, l.Index, err)
		}
	}
	return to + 1, nil
}

func (p *Poller) handle(ctx context.Context, client chain.Client, name string, l types.Log, head uint64) error {
	marker := l.TxHash.Hex() + ":" + strconv.FormatUint(uint64(l.Index), 10)
	done, err := p.cache.Exists(ctx, p.contract, cache.KindPublished, marker)
	if err != nil {
		return fmt.Errorf("read published marker: %w", err)
	}
	if done {
		return nil
	}

	var (
		routingKey string
		key        string
		payload    any
	)
	switch name {
	case chain.EventOrderCreated:
		ev, err := p.orderCreated(ctx, client, l, head)
		if err != nil {
			return err
		}
		routingKey, key, payload = models.EventOrderCreated, models.OrderKey(p.contract, ev.OrderID), ev
	case chain.EventOrderCancelled:
		ev, err := p.orderCancelled(ctx, l)
		if err != nil {
			return err
		}
		routingKey, key, payload = models.EventOrderCancelled, models.OrderKey(p.contract, ev.OrderID), ev
	case chain.EventOrdersMatched:
		ev, err := p.ordersMatched(ctx, l)
		if err != nil {
			return err
		}
		routingKey, key, payload = models.EventOrdersMatched, models.OrderKey(p.contract, ev.BuyOrderID), ev
	default:
		return nil
	}

	if err := p.publish(ctx, routingKey+"."+p.contract, key, payload); err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.logger.Errorf("Dropping %s for %s until next cycle: %v", routingKey, key, err)
		return fmt.Errorf("%w: %v", errPublishDropped, err)
	}
	if _, err := p.cache.Claim(ctx, p.contract, cache.KindPublished, marker, cache.MarkerTTL); err != nil {
		p.logger.Warnf("Set published marker %s: %v", marker, err)
	}
	return nil
}

// orderCreated reads the order from the contract as of head. Trades up to
// head are already in the snapshot; SnapshotBlock keeps them from being
// applied again.
func (p *Poller) orderCreated(ctx context.Context, client chain.Client, l types.Log, head uint64) (*models.OrderEvent, error) {
	created, err := p.binding.ParseCreated(l)
	if err != nil {
		return nil, err
	}
	ev := &models.OrderEvent{
		Event:       models.EventOrderCreated,
		Contract:    p.contract,
		OrderID:     created.OrderID.Uint64(),
		Trader:      models.NormalizeAddress(created.Trader.Hex()),
		Side:        models.SideFromBool(created.IsBuy),
		Amount:      decimal.NewFromBigInt(created.Amount, 0),
		Price:       decimal.NewFromBigInt(created.Price, 0),
		Remaining:   decimal.NewFromBigInt(created.Amount, 0),
		Active:      true,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
		ObservedAt:  p.now().UTC(),
	}

	if p.binding.HasMethod(chain.MethodGetOrder) {
		onChain, err := p.binding.GetOrderAt(ctx, client, created.OrderID, new(big.Int).SetUint64(head))
		if err != nil {
			return nil, fmt.Errorf("read order %d: %w", ev.OrderID, err)
		}
		// A zero trader means the getter has no such order yet.
		if onChain.Trader == created.Trader {
			ev.Remaining = decimal.NewFromBigInt(onChain.Remaining, 0)
			ev.Active = onChain.Active
			ev.SnapshotBlock = head
		}
	}

	if err := p.cache.SetJSON(ctx, p.contract, cache.KindOrder, strconv.FormatUint(ev.OrderID, 10), ev.Order(), 0); err != nil {
		p.logger.Warnf("Cache order %d: %v", ev.OrderID, err)
	}
	return ev, nil
}

func (p *Poller) orderCancelled(ctx context.Context, l types.Log) (*models.OrderEvent, error) {
	cancelled, err := p.binding.ParseCancelled(l)
	if err != nil {
		return nil, err
	}
	ev := &models.OrderEvent{
		Event:       models.EventOrderCancelled,
		Contract:    p.contract,
		OrderID:     cancelled.OrderID.Uint64(),
		Trader:      models.NormalizeAddress(cancelled.Trader.Hex()),
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
		ObservedAt:  p.now().UTC(),
	}
	if err := p.cache.Delete(ctx, p.contract, cache.KindOrder, strconv.FormatUint(ev.OrderID, 10)); err != nil {
		p.logger.Warnf("Invalidate order %d: %v", ev.OrderID, err)
	}
	return ev, nil
}

func (p *Poller) ordersMatched(ctx context.Context, l types.Log) (*models.MatchedEvent, error) {
	matched, err := p.binding.ParseMatched(l)
	if err != nil {
		return nil, err
	}
	ev := &models.MatchedEvent{
		Contract:    p.contract,
		BuyOrderID:  matched.BuyOrderID.Uint64(),
		SellOrderID: matched.SellOrderID.Uint64(),
		Amount:      decimal.NewFromBigInt(matched.Amount, 0),
		Price:       decimal.NewFromBigInt(matched.Price, 0),
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
		ObservedAt:  p.now().UTC(),
	}
	id := ev.TxHash + ":" + strconv.FormatUint(uint64(ev.LogIndex), 10)
	if err := p.cache.SetJSON(ctx, p.contract, cache.KindMatchedTx, id, ev, 0); err != nil {
		p.logger.Warnf("Cache matched tx %s: %v", ev.TxHash, err)
	}
	return ev, nil
}

// publish tries twice, PublishRetryDelay apart.
func (p *Poller) publish(ctx context.Context, routingKey, key string, v any) error {
	err := p.publisher.PublishJSON(ctx, broker.ExchangeOrders, routingKey, key, v)
	if err == nil {
		return nil
	}
	p.logger.Warnf("Publish %s failed, retrying in %v: %v", routingKey, p.cfg.PublishRetryDelay, err)
	if err := p.sleep(ctx, p.cfg.PublishRetryDelay); err != nil {
		return err
	}
	return p.publisher.PublishJSON(ctx, broker.ExchangeOrders, routingKey, key, v)
}

// Stop ends the loop and purges the contract's cache namespace.
func (p *Poller) Stop(ctx context.Context) error {
	if err := p.halt(ctx); err != nil {
		return err
	}
	n, err := p.cache.PurgeNamespace(ctx, p.contract)
	if err != nil {
		return fmt.Errorf("purge cache: %w", err)
	}
	p.logger.Infof("Poller stopped, %d cache entries purged", n)
	return nil
}

// halt cancels the loop and waits for it within ctx.
func (p *Poller) halt(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.running = false
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for poll loop: %w", ctx.Err())
	}
}

// Ping fails when the loop is down, its heartbeat is older than three
// intervals, or the chain head cannot be read within ctx.
func (p *Poller) Ping(ctx context.Context) error {
	p.mu.Lock()
	running, client := p.running, p.client
	p.mu.Unlock()

	if !running {
		return ErrNotRunning
	}
	if age := p.now().Sub(p.LastHeartbeat()); age > 3*p.cfg.Interval {
		return fmt.Errorf("%w: last cycle %v ago", ErrStale, age.Round(time.Second))
	}
	if _, err := client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	return nil
}

// Reconnect swaps the RPC client and restarts the loop on it.
func (p *Poller) Reconnect(ctx context.Context, client chain.Client) error {
	haltCtx, cancel := context.WithTimeout(ctx, p.cfg.Interval)
	defer cancel()
	if err := p.halt(haltCtx); err != nil {
		p.logger.Warnf("Reconnect: %v", err)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info("Poller reconnected to a new rpc endpoint")
	return p.Start(ctx)
}

func (p *Poller) currentClient() chain.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

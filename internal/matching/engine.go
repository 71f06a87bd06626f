// Package matching runs one matching engine per exchange contract.
//
// An Engine is an actor: a single goroutine drains a FIFO mailbox, so at
// most one order is processed and at most one match transaction is in
// flight per contract. Callers enqueue a command and wait for its reply.
package matching

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/internal/alerts"
	"github.com/navid-fn/dexmatch/internal/chain"
	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/navid-fn/dexmatch/internal/storage"
	"github.com/sirupsen/logrus"
)

var (
	ErrEngineStopped   = errors.New("matching engine stopped")
	ErrGasPriceTooHigh = errors.New("network gas price above ceiling")
	ErrWrongContract   = errors.New("order belongs to another contract")
	ErrMissingOperator = errors.New("matching engine needs an operator transactor")
)

// State is the engine's position in the match lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateMatchFound State = "match_found"
	StateExecuting  State = "executing"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
)

// ClientSource hands out RPC clients. *chain.Pool implements it.
type ClientSource interface {
	Next(ctx context.Context) (chain.Client, string, error)
}

// Cache is the subset of *cache.Cache the engine uses.
type Cache interface {
	SetJSON(ctx context.Context, contract, kind, id string, v any, ttl time.Duration) error
	Delete(ctx context.Context, contract, kind, id string) error
}

type Config struct {
	// MaxBatch bounds the orders referenced by one match transaction,
	// the new order included.
	MaxBatch        int
	GasPriceCeiling *big.Int
	GasLimit        uint64
	GasLimitMax     uint64
	GasBumpFactor   float64
	GasRecheckDelay time.Duration
	RetryDelay      time.Duration
	MailboxSize     int

	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
}

// NewConfig combines the matching and chain settings.
func NewConfig(m configs.MatchingConfig, c configs.ChainConfig) Config {
	return Config{
		MaxBatch:            m.MaxBatch,
		GasPriceCeiling:     m.GasPriceCeiling,
		GasLimit:            m.GasLimit,
		GasLimitMax:         m.GasLimitMax,
		GasBumpFactor:       m.GasBumpFactor,
		GasRecheckDelay:     m.GasRecheckDelay,
		RetryDelay:          m.RetryDelay,
		MailboxSize:         m.MailboxSize,
		ReceiptPollInterval: c.ReceiptPollInterval,
		ReceiptTimeout:      c.ReceiptTimeout,
	}
}

func (c Config) normalized() Config {
	if c.MaxBatch < 2 {
		c.MaxBatch = 10
	}
	if c.GasLimit == 0 {
		c.GasLimit = 500_000
	}
	if c.GasLimitMax < c.GasLimit {
		c.GasLimitMax = c.GasLimit
	}
	if c.GasBumpFactor <= 1 {
		c.GasBumpFactor = 1.5
	}
	if c.GasRecheckDelay <= 0 {
		c.GasRecheckDelay = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	return c
}

type commandKind int

const (
	cmdNewOrder commandKind = iota
	cmdCancel
	cmdRematch
	cmdMatched
	cmdRetry
)

type command struct {
	kind     commandKind
	order    *models.Order
	orderID  uint64
	matched  *models.MatchedEvent
	gasLimit uint64
	attempt  int
	recheck  bool
	reply    chan error
}

// Deps are the engine's collaborators.
type Deps struct {
	Binding    *chain.Binding
	Clients    ClientSource
	Transactor *chain.Transactor
	Storage    storage.Storage
	Cache      Cache
	Alerts     alerts.Raiser
	Collectors *Collectors
	Logger     logrus.FieldLogger
}

type Engine struct {
	cfg        Config
	contract   string
	binding    *chain.Binding
	clients    ClientSource
	transactor *chain.Transactor
	store      storage.Storage
	cache      Cache
	alerts     alerts.Raiser
	metrics    *metrics
	logger     logrus.FieldLogger

	mailbox chan command
	state   atomic.Value

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	timers  map[*time.Timer]struct{}

	// deferred holds orders waiting for a gas price recheck. Only the
	// actor goroutine touches it.
	deferred map[uint64]struct{}

	now func() time.Time
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Transactor == nil {
		return nil, ErrMissingOperator
	}
	if deps.Alerts == nil {
		deps.Alerts = alerts.Discard{}
	}
	cfg = cfg.normalized()
	contract := models.NormalizeAddress(deps.Binding.Address().Hex())

	e := &Engine{
		cfg:        cfg,
		contract:   contract,
		binding:    deps.Binding,
		clients:    deps.Clients,
		transactor: deps.Transactor,
		store:      deps.Storage,
		cache:      deps.Cache,
		alerts:     deps.Alerts,
		metrics:    newMetrics(contract, deps.Collectors),
		logger:     deps.Logger.WithField("component", "matching").WithField("contract", contract),
		mailbox:    make(chan command, cfg.MailboxSize),
		done:       make(chan struct{}),
		timers:     make(map[*time.Timer]struct{}),
		deferred:   make(map[uint64]struct{}),
		now:        time.Now,
	}
	e.state.Store(StateIdle)
	return e, nil
}

func (e *Engine) Contract() string { return e.contract }

func (e *Engine) State() State { return e.state.Load().(State) }

func (e *Engine) setState(s State) {
	if prev := e.state.Swap(s); prev != s {
		e.logger.Debugf("State %s -> %s", prev, s)
	}
}

// Snapshot returns the current metrics record.
func (e *Engine) Snapshot() Snapshot { return e.metrics.snapshot(e.State()) }

// Start launches the actor goroutine. It is a no-op when already started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true
	go e.run(runCtx)
	e.logger.Infof("Matching engine started (operator %s)", e.transactor.From().Hex())
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.mailbox:
			err := e.dispatch(ctx, cmd)
			if cmd.reply != nil {
				cmd.reply <- err
			} else if err != nil {
				e.logger.Errorf("Retry of order %d failed: %v", cmd.orderID, err)
			}
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, cmd command) error {
	defer e.setState(StateIdle)

	switch cmd.kind {
	case cmdNewOrder:
		return e.processNewOrder(ctx, cmd.order)
	case cmdCancel:
		return e.cancelOrder(ctx, cmd.orderID)
	case cmdRematch:
		return e.rematch(ctx, cmd.orderID, e.cfg.GasLimit, 0)
	case cmdRetry:
		if cmd.recheck {
			delete(e.deferred, cmd.orderID)
		}
		return e.rematch(ctx, cmd.orderID, cmd.gasLimit, cmd.attempt)
	case cmdMatched:
		return e.recordMatched(ctx, cmd.matched)
	default:
		return fmt.Errorf("unknown command %d", cmd.kind)
	}
}

// Stop cancels pending retries and waits for the actor to finish its
// current command within ctx. Queued commands fail with ErrEngineStopped.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	cancel, started := e.cancel, e.started
	e.mu.Unlock()

	defer e.metrics.close()
	if !started {
		close(e.done)
		return nil
	}
	cancel()
	select {
	case <-e.done:
	case <-ctx.Done():
		return fmt.Errorf("wait for engine: %w", ctx.Err())
	}
	e.logger.Info("Matching engine stopped")
	return nil
}

// enqueue posts cmd and waits for its reply.
func (e *Engine) enqueue(ctx context.Context, cmd command) error {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return ErrEngineStopped
	}

	cmd.reply = make(chan error, 1)
	select {
	case e.mailbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineStopped
	}
}

// ProcessNewOrder stores the order and tries to match it.
func (e *Engine) ProcessNewOrder(ctx context.Context, order *models.Order) error {
	if models.NormalizeAddress(order.Contract) != e.contract {
		return fmt.Errorf("%w: %s", ErrWrongContract, order.Contract)
	}
	order.Contract = e.contract
	return e.enqueue(ctx, command{kind: cmdNewOrder, order: order})
}

// Cancel marks the order inactive and purges its cache entries. An
// in-flight match transaction is left alone.
func (e *Engine) Cancel(ctx context.Context, orderID uint64) error {
	return e.enqueue(ctx, command{kind: cmdCancel, orderID: orderID})
}

// Rematch re-runs matching for a stored order.
func (e *Engine) Rematch(ctx context.Context, orderID uint64) error {
	return e.enqueue(ctx, command{kind: cmdRematch, orderID: orderID})
}

// RecordMatched records a match observed on chain. Matches this engine
// executed itself are already stored and are skipped.
func (e *Engine) RecordMatched(ctx context.Context, ev *models.MatchedEvent) error {
	return e.enqueue(ctx, command{kind: cmdMatched, matched: ev})
}

// scheduleRetry posts cmd to the mailbox after delay.
func (e *Engine) scheduleRetry(delay time.Duration, cmd command) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, t)
		e.mu.Unlock()

		select {
		case e.mailbox <- cmd:
		case <-e.done:
		}
	})
	e.timers[t] = struct{}{}
}

// PendingRetries reports scheduled retries.
func (e *Engine) PendingRetries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

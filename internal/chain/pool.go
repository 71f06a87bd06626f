package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/pkg/faulttolerance"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	ErrNoEndpoints         = errors.New("no rpc endpoints configured")
	ErrNoHealthyEndpoint   = errors.New("no healthy rpc endpoint")
	ErrEndpointUnavailable = errors.New("rpc endpoint circuit open")
)

// Pool hands out RPC clients round-robin. Every endpoint has its own rate
// limiter and circuit breaker, shared by all pollers and engines of the
// worker.
type Pool struct {
	endpoints []*endpoint
	next      atomic.Uint64
	logger    logrus.FieldLogger
}

type endpoint struct {
	url     string
	dial    DialFunc
	limiter *rate.Limiter
	breaker *faulttolerance.CircuitBreaker
	timeout time.Duration

	mu     sync.Mutex
	client Client
}

// NewPool prepares one endpoint per URL. Connections are dialed lazily.
func NewPool(cfg configs.ChainConfig, dial DialFunc, logger logrus.FieldLogger) (*Pool, error) {
	if len(cfg.RPCEndpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	p := &Pool{logger: logger}
	for i, url := range cfg.RPCEndpoints {
		p.endpoints = append(p.endpoints, &endpoint{
			url:     url,
			dial:    dial,
			limiter: rate.NewLimiter(rate.Limit(rps), max(int(rps), 1)),
			breaker: faulttolerance.NewCircuitBreaker(faulttolerance.CircuitBreakerConfig{
				MaxFailures:      5,
				Timeout:          30 * time.Second,
				SuccessThreshold: 2,
				Name:             fmt.Sprintf("rpc-%d", i),
				IsFailure:        IsTransient,
			}, logger),
			timeout: timeout,
		})
	}
	return p, nil
}

func (p *Pool) Len() int { return len(p.endpoints) }

// Next returns the next endpoint in rotation whose breaker admits calls.
// The returned label identifies the endpoint in logs without leaking keys
// embedded in URLs.
func (p *Pool) Next(ctx context.Context) (Client, string, error) {
	n := len(p.endpoints)
	start := p.next.Add(1) - 1
	var lastErr error
	for i := 0; i < n; i++ {
		idx := int((start + uint64(i)) % uint64(n))
		ep := p.endpoints[idx]
		if !ep.breaker.Allow() {
			continue
		}
		inner, err := ep.connect(ctx)
		if err != nil {
			p.logger.Warnf("Dial of rpc-%d failed: %v", idx, err)
			ep.breaker.Record(err)
			lastErr = err
			continue
		}
		return &guardedClient{ep: ep, inner: inner}, fmt.Sprintf("rpc-%d", idx), nil
	}
	if lastErr != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrNoHealthyEndpoint, lastErr)
	}
	return nil, "", ErrNoHealthyEndpoint
}

// Stats reports breaker state per endpoint.
func (p *Pool) Stats() []map[string]any {
	out := make([]map[string]any, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep.breaker.Stats())
	}
	return out
}

func (p *Pool) Close() {
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		if ep.client != nil {
			ep.client.Close()
			ep.client = nil
		}
		ep.mu.Unlock()
	}
}

func (ep *endpoint) connect(ctx context.Context) (Client, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.client != nil {
		return ep.client, nil
	}
	c, err := ep.dial(ctx, ep.url)
	if err != nil {
		return nil, err
	}
	ep.client = c
	return c, nil
}

// guardedClient rate-limits every call, bounds it with the endpoint call
// timeout and feeds transient failures to the endpoint's breaker.
// Reverts and "not found" answers prove the endpoint is up.
type guardedClient struct {
	ep    *endpoint
	inner Client
}

func (c *guardedClient) do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := c.ep.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := c.ep.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.ep.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if errors.Is(err, faulttolerance.ErrCircuitBreakerOpen) {
		return ErrEndpointUnavailable
	}
	return err
}

func (c *guardedClient) BlockNumber(ctx context.Context) (n uint64, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		n, err = c.inner.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (c *guardedClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) (logs []types.Log, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		logs, err = c.inner.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

func (c *guardedClient) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) (out []byte, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		out, err = c.inner.CallContract(ctx, msg, block)
		return err
	})
	return out, err
}

func (c *guardedClient) SuggestGasPrice(ctx context.Context) (price *big.Int, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		price, err = c.inner.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

func (c *guardedClient) PendingNonceAt(ctx context.Context, account common.Address) (nonce uint64, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		nonce, err = c.inner.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (c *guardedClient) ChainID(ctx context.Context) (id *big.Int, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		id, err = c.inner.ChainID(ctx)
		return err
	})
	return id, err
}

func (c *guardedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.inner.SendTransaction(ctx, tx)
	})
}

func (c *guardedClient) TransactionReceipt(ctx context.Context, hash common.Hash) (receipt *types.Receipt, err error) {
	err = c.do(ctx, func(ctx context.Context) error {
		receipt, err = c.inner.TransactionReceipt(ctx, hash)
		return err
	})
	return receipt, err
}

// Close is a no-op: the pool owns the underlying connection.
func (c *guardedClient) Close() {}

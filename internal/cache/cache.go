// Package cache is the disposable, namespaced projection store. Every entry
// can be rebuilt from the chain or the database, so a miss is never an error.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/navid-fn/dexmatch/configs"
	"github.com/redis/go-redis/v9"
)

// Kinds of per-contract entries.
const (
	KindOrder     = "order"
	KindBlock     = "block"
	KindPending   = "pending"
	KindPublished = "published"
	KindMatchedTx = "matched"
	KindMetrics   = "metrics"
	KindPolicy    = "policy"
)

// MarkerTTL bounds the last-processed-block marker. Losing it only costs a
// longer catch-up.
const MarkerTTL = 7 * 24 * time.Hour

const maxAlerts = 1000

// Cache wraps a redis client with key namespacing and TTL defaults.
type Cache struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
}

// New connects to redis with the given settings. It does not ping.
func New(cfg configs.RedisConfig) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.Prefix, cfg.DefaultTTL)
}

func NewWithClient(client redis.UniversalClient, prefix string, defaultTTL time.Duration) *Cache {
	if prefix == "" {
		prefix = "dexmatch"
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Cache{client: client, prefix: prefix, defaultTTL: defaultTTL}
}

// Key returns "<prefix>:<contract>:<kind>:<id>".
func (c *Cache) Key(contract, kind, id string) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.prefix, contract, kind, id)
}

func (c *Cache) namespace(contract string) string {
	return fmt.Sprintf("%s:%s:*", c.prefix, contract)
}

func (c *Cache) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// SetJSON stores v under the entry key. A zero ttl uses the default.
func (c *Cache) SetJSON(ctx context.Context, contract, kind, id string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", kind, err)
	}
	if err := c.client.Set(ctx, c.Key(contract, kind, id), data, c.ttl(ttl)).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", kind, err)
	}
	return nil
}

// GetJSON loads the entry into dst. found is false on a miss.
func (c *Cache) GetJSON(ctx context.Context, contract, kind, id string, dst any) (found bool, err error) {
	data, err := c.client.Get(ctx, c.Key(contract, kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", kind, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		// A corrupt entry is as good as a miss.
		return false, nil
	}
	return true, nil
}

func (c *Cache) Delete(ctx context.Context, contract, kind, id string) error {
	return c.client.Del(ctx, c.Key(contract, kind, id)).Err()
}

// Exists reports whether the entry is present.
func (c *Cache) Exists(ctx context.Context, contract, kind, id string) (bool, error) {
	n, err := c.client.Exists(ctx, c.Key(contract, kind, id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Claim sets a marker only if absent and reports whether this caller set it.
func (c *Cache) Claim(ctx context.Context, contract, kind, id string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.Key(contract, kind, id), strconv.FormatInt(time.Now().Unix(), 10), c.ttl(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("cache claim %s: %w", kind, err)
	}
	return ok, nil
}

// LastBlock returns the last fully processed block for contract.
func (c *Cache) LastBlock(ctx context.Context, contract string) (block uint64, found bool, err error) {
	s, err := c.client.Get(ctx, c.Key(contract, KindBlock, "last")).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache get last block: %w", err)
	}
	block, err = strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return block, true, nil
}

func (c *Cache) SetLastBlock(ctx context.Context, contract string, block uint64) error {
	return c.client.Set(ctx, c.Key(contract, KindBlock, "last"), strconv.FormatUint(block, 10), MarkerTTL).Err()
}

func (c *Cache) DeleteLastBlock(ctx context.Context, contract string) error {
	return c.client.Del(ctx, c.Key(contract, KindBlock, "last")).Err()
}

// PurgeNamespace deletes every entry of contract and returns how many were removed.
func (c *Cache) PurgeNamespace(ctx context.Context, contract string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.namespace(contract), 200).Result()
		if err != nil {
			return removed, fmt.Errorf("scan namespace %s: %w", contract, err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("purge namespace %s: %w", contract, err)
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// PushAlert appends an encoded alert to the capped alert list. Persistent
// alerts also go to a list without TTL that is never trimmed by age.
func (c *Cache) PushAlert(ctx context.Context, payload []byte, persistent bool) error {
	pipe := c.client.TxPipeline()
	list := c.prefix + ":alerts"
	pipe.LPush(ctx, list, payload)
	pipe.LTrim(ctx, list, 0, maxAlerts-1)
	pipe.Expire(ctx, list, c.defaultTTL*24)
	if persistent {
		critical := c.prefix + ":alerts:critical"
		pipe.LPush(ctx, critical, payload)
		pipe.LTrim(ctx, critical, 0, maxAlerts-1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Alerts returns up to n most recent alerts, newest first.
func (c *Cache) Alerts(ctx context.Context, n int64, persistent bool) ([]string, error) {
	list := c.prefix + ":alerts"
	if persistent {
		list += ":critical"
	}
	return c.client.LRange(ctx, list, 0, n-1).Result()
}

// SetGlobalJSON stores a worker-wide entry outside any contract namespace.
func (c *Cache) SetGlobalJSON(ctx context.Context, name string, v any, ttl time.Duration) error {
	return c.SetJSON(ctx, "global", name, "current", v, ttl)
}

func (c *Cache) GetGlobalJSON(ctx context.Context, name string, dst any) (bool, error) {
	return c.GetJSON(ctx, "global", name, "current", dst)
}

package broker_test

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/internal/broker"
	"github.com/navid-fn/dexmatch/internal/broker/brokertest"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() configs.KafkaConfig {
	return configs.KafkaConfig{
		Prefetch:       4,
		MaxRetries:     3,
		RetryBaseDelay: 2 * time.Second,
		ReconnectDelay: time.Millisecond,
	}
}

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func runConsumer(t *testing.T, c *broker.Consumer, bus *brokertest.Bus) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	return func() {
		cancelCtx()
		bus.Shutdown()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func TestRequeueWithGrowingDelayThenDeadLetter(t *testing.T) {
	bus := brokertest.NewBus()
	b := broker.New(broker.DefaultTopology("t", 0), bus, bus, bus.Readers(), testConfig(), quietLogger())

	var calls atomic.Int32
	var deadLettered atomic.Int32
	c, err := b.Consumer(broker.QueueOrdersMatched, "g", func(ctx context.Context, msg broker.Message) error {
		calls.Add(1)
		return errors.New("handler down")
	}, func(broker.Message, string) { deadLettered.Add(1) })
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c.SetClock(clock.Now, clock.Sleep)

	require.NoError(t, b.Publisher.PublishJSON(context.Background(), broker.ExchangeOrders, "orders.matched.0xc1", "0xc1:1", map[string]int{"id": 1}))

	stop := runConsumer(t, c, bus)
	require.Eventually(t, func() bool { return len(bus.Messages("t.orders.dlq")) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int32(4), calls.Load(), "attempts 1..N requeue, attempt N+1 dead-letters")
	assert.Equal(t, int32(1), deadLettered.Load())

	queued := bus.Messages("t.orders.matched")
	require.Len(t, queued, 4)
	for i, m := range queued {
		assert.Equal(t, strconv.Itoa(i+1), headerValue(m, broker.HeaderAttempt))
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, clock.Slept())

	dead := bus.Messages("t.orders.dlq")[0]
	assert.Equal(t, "4", headerValue(dead, broker.HeaderAttempt))
	assert.Equal(t, "handler down", headerValue(dead, broker.HeaderDeathReason))
	assert.Equal(t, broker.QueueOrdersMatched, headerValue(dead, broker.HeaderDeathQueue))

	assert.Equal(t, int64(4), bus.Committed("t.orders.matched", "g"), "nothing is redelivered after dead-lettering")
}

func TestNoRequeueQueueDeadLettersImmediately(t *testing.T) {
	bus := brokertest.NewBus()
	b := broker.New(broker.DefaultTopology("t", 0), bus, bus, bus.Readers(), testConfig(), quietLogger())

	var calls atomic.Int32
	c, err := b.Consumer(broker.QueueMatchRequests, "g", func(ctx context.Context, msg broker.Message) error {
		calls.Add(1)
		return errors.New("revert")
	}, nil)
	require.NoError(t, err)

	require.NoError(t, b.Publisher.PublishJSON(context.Background(), broker.ExchangeMatching, "match.request", "0xc1:1", map[string]int{"id": 1}))

	stop := runConsumer(t, c, bus)
	require.Eventually(t, func() bool { return len(bus.Messages("t.matching.dlq")) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, bus.Messages("t.matching.requests"), 1)
}

func TestExpiredMessageSkipsHandler(t *testing.T) {
	bus := brokertest.NewBus()
	b := broker.New(broker.DefaultTopology("t", time.Minute), bus, bus, bus.Readers(), testConfig(), quietLogger())

	var calls atomic.Int32
	c, err := b.Consumer(broker.QueueOrdersCreated, "g", func(ctx context.Context, msg broker.Message) error {
		calls.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	msg, err := broker.NewMessage(broker.ExchangeOrders, "order.created.0xc1", "0xc1:1", map[string]int{"id": 1})
	require.NoError(t, err)
	msg.PublishedAt = time.Now().Add(-time.Hour)
	require.NoError(t, b.Publisher.Publish(context.Background(), msg))

	stop := runConsumer(t, c, bus)
	require.Eventually(t, func() bool { return len(bus.Messages("t.orders.dlq")) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Zero(t, calls.Load())
	assert.Equal(t, "expired", headerValue(bus.Messages("t.orders.dlq")[0], broker.HeaderDeathReason))
}

type countingReader struct {
	broker.Reader
	mu          sync.Mutex
	outstanding int
	max         int
}

func (r *countingReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	m, err := r.Reader.FetchMessage(ctx)
	if err == nil {
		r.mu.Lock()
		r.outstanding++
		r.max = max(r.max, r.outstanding)
		r.mu.Unlock()
	}
	return m, err
}

func (r *countingReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.outstanding -= len(msgs)
	r.mu.Unlock()
	return r.Reader.CommitMessages(ctx, msgs...)
}

func TestPrefetchBoundsUnacknowledged(t *testing.T) {
	bus := brokertest.NewBus()
	cfg := testConfig()
	cfg.Prefetch = 3

	var counting *countingReader
	factory := func(topic, group string) broker.Reader {
		counting = &countingReader{Reader: bus.Readers()(topic, group)}
		return counting
	}
	b := broker.New(broker.DefaultTopology("t", 0), bus, bus, factory, cfg, quietLogger())

	var mu sync.Mutex
	var seen []string
	c, err := b.Consumer(broker.QueueOrdersCreated, "g", func(ctx context.Context, msg broker.Message) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, msg.Key)
		mu.Unlock()
		return nil
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publisher.PublishJSON(context.Background(), broker.ExchangeOrders, "order.created.0xc1", strconv.Itoa(i), i))
	}

	stop := runConsumer(t, c, bus)
	require.Eventually(t, func() bool { return bus.Committed("t.orders.created", "g") == 20 }, 2*time.Second, 5*time.Millisecond)
	stop()

	counting.mu.Lock()
	defer counting.mu.Unlock()
	assert.LessOrEqual(t, counting.max, 3)
	require.Len(t, seen, 20)
	for i, key := range seen {
		assert.Equal(t, strconv.Itoa(i), key, "delivery keeps log order")
	}
}

type failingReader struct{}

func (failingReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	return kafka.Message{}, errors.New("broker connection reset")
}
func (failingReader) CommitMessages(context.Context, ...kafka.Message) error { return nil }
func (failingReader) Close() error { return nil }

func TestReconnectRedeclaresTopology(t *testing.T) {
	bus := brokertest.NewBus()
	var opened atomic.Int32
	factory := func(topic, group string) broker.Reader {
		if opened.Add(1) == 1 {
			return failingReader{}
		}
		return bus.Readers()(topic, group)
	}
	b := broker.New(broker.DefaultTopology("t", 0), bus, bus, factory, testConfig(), quietLogger())

	handled := make(chan struct{}, 1)
	c, err := b.Consumer(broker.QueueOrdersCreated, "g", func(ctx context.Context, msg broker.Message) error {
		handled <- struct{}{}
		return nil
	}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Publisher.PublishJSON(context.Background(), broker.ExchangeOrders, "order.created.0xc1", "k", 1))

	stop := runConsumer(t, c, bus)
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("message not handled after reconnect")
	}
	stop()

	assert.Equal(t, int32(2), opened.Load())
	assert.Equal(t, 1, bus.Declared())
}

func TestPublishUnroutable(t *testing.T) {
	bus := brokertest.NewBus()
	b := broker.New(broker.DefaultTopology("t", 0), bus, nil, bus.Readers(), testConfig(), quietLogger())

	err := b.Publisher.PublishJSON(context.Background(), broker.ExchangeOrders, "order.updated.0xc1", "k", 1)
	assert.ErrorIs(t, err, broker.ErrUnroutable)

	_, err = b.Consumer("missing", "g", nil, nil)
	assert.Error(t, err)
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/pkg/faulttolerance"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a reader on topic for a consumer group.
type ReaderFactory func(topic, groupID string) Reader

// Handler processes one delivery. A nil return acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// NewKafkaReaderFactory returns a factory for group readers that commit
// explicitly.
func NewKafkaReaderFactory(cfg configs.KafkaConfig, logger logrus.FieldLogger) ReaderFactory {
	return func(topic, groupID string) Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        time.Second,
			QueueCapacity:  cfg.Prefetch,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				logger.Errorf(msg, args...)
			}),
		})
	}
}

// ConsumerConfig tunes delivery for one queue.
type ConsumerConfig struct {
	GroupID string

	// Prefetch caps fetched but unacknowledged messages.
	Prefetch int

	// MaxRetries is N: failures on attempts 1..N are requeued, a failure
	// on attempt N+1 is dead-lettered.
	MaxRetries int

	// Retry supplies the growing requeue delay.
	Retry faulttolerance.RetryPolicy

	ReconnectDelay time.Duration

	// OnDeadLetter is called after a message was moved to its DLQ.
	OnDeadLetter func(msg Message, reason string)
}

// Declarer re-declares the topology, typically after reconnecting.
type Declarer interface {
	Declare(ctx context.Context, topology Topology) error
}

// Consumer delivers one queue's messages to a handler, one at a time, and
// acknowledges them only after the handler succeeds.
type Consumer struct {
	queue     Queue
	topology  Topology
	cfg       ConsumerConfig
	newReader ReaderFactory
	publisher *Publisher
	declarer  Declarer
	handler   Handler
	logger    logrus.FieldLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func (c *Consumer) Queue() string { return c.queue.Name }

// Run consumes until ctx is cancelled. Fetch failures close the reader,
// wait the reconnect delay, re-declare the topology and reopen.
func (c *Consumer) Run(ctx context.Context) error {
	topic := c.topology.Topic(c.queue.Name)
	c.logger.Infof("Starting consumer on %s (group %s, prefetch %d)", topic, c.cfg.GroupID, c.cfg.Prefetch)

	for {
		reader := c.newReader(topic, c.cfg.GroupID)
		err := c.consume(ctx, reader)
		if cerr := reader.Close(); cerr != nil {
			c.logger.Warnf("Error closing reader: %v", cerr)
		}

		if ctx.Err() != nil {
			c.logger.Info("Consumer stopped")
			return nil
		}
		c.logger.Errorf("Consumer connection lost: %v", err)

		if err := c.reconnect(ctx); err != nil {
			return nil
		}
	}
}

func (c *Consumer) reconnect(ctx context.Context) error {
	if err := c.sleep(ctx, c.cfg.ReconnectDelay); err != nil {
		return err
	}
	if c.declarer == nil {
		return nil
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.ReconnectDelay), ctx)
	return backoff.RetryNotify(func() error {
		return c.declarer.Declare(ctx, c.topology)
	}, b, func(err error, next time.Duration) {
		c.logger.Warnf("Topology declare failed: %v, retrying in %s", err, next)
	})
}

// consume pumps one reader until it fails. A slot is taken before each
// fetch and released after the commit, so at most Prefetch messages are
// fetched but unacknowledged.
func (c *Consumer) consume(ctx context.Context, reader Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := make(chan struct{}, c.cfg.Prefetch)
	deliveries := make(chan kafka.Message, c.cfg.Prefetch)
	fetchErr := make(chan error, 1)

	go func() {
		defer close(deliveries)
		for {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				fetchErr <- err
				return
			}
			deliveries <- m
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-deliveries:
			if !ok {
				select {
				case err := <-fetchErr:
					return err
				default:
					return ctx.Err()
				}
			}
			if err := c.deliver(ctx, reader, m); err != nil {
				return err
			}
			<-slots
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, reader Reader, km kafka.Message) error {
	msg := fromKafka(c.queue.Name, km)
	log := c.logger.WithFields(logrus.Fields{"message_id": msg.ID, "key": msg.Key, "attempt": msg.Attempt})

	if c.expired(msg) {
		log.Warn("Message expired before delivery")
		if err := c.deadLetter(ctx, msg, "expired"); err != nil {
			return err
		}
		return reader.CommitMessages(ctx, km)
	}

	if wait := msg.NotBefore.Sub(c.now()); wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}

	herr := c.handler(ctx, msg)
	if herr != nil && ctx.Err() != nil {
		// Shutting down: leave it uncommitted for redelivery.
		return ctx.Err()
	}
	if herr != nil {
		if err := c.fail(ctx, msg, herr, log); err != nil {
			return err
		}
	}

	if err := reader.CommitMessages(ctx, km); err != nil {
		return fmt.Errorf("commit offset: %w", err)
	}
	return nil
}

func (c *Consumer) fail(ctx context.Context, msg Message, herr error, log logrus.FieldLogger) error {
	if c.queue.NoRequeue {
		log.Errorf("Handler failed, dead-lettering without requeue: %v", herr)
		return c.deadLetter(ctx, msg, herr.Error())
	}
	if msg.Attempt > c.cfg.MaxRetries {
		log.Errorf("Handler failed on final attempt, dead-lettering: %v", herr)
		return c.deadLetter(ctx, msg, herr.Error())
	}

	delay := c.cfg.Retry.Delay(msg.Attempt)
	log.Warnf("Handler failed, requeueing in %s: %v", delay, herr)

	next := msg
	next.Attempt = msg.Attempt + 1
	next.NotBefore = c.now().Add(delay)
	return c.publisher.requeue(ctx, c.queue.Name, next)
}

func (c *Consumer) deadLetter(ctx context.Context, msg Message, reason string) error {
	if err := c.publisher.deadLetter(ctx, c.queue, msg, reason); err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	if c.cfg.OnDeadLetter != nil {
		c.cfg.OnDeadLetter(msg, reason)
	}
	return nil
}

func (c *Consumer) expired(msg Message) bool {
	if c.queue.MessageTTL <= 0 || msg.PublishedAt.IsZero() {
		return false
	}
	return c.now().Sub(msg.PublishedAt) > c.queue.MessageTTL
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

var errNoQueue = errors.New("unknown queue")

var timeNow = time.Now

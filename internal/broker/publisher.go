package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/navid-fn/dexmatch/configs"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var ErrUnroutable = errors.New("message routed to no queue")

// NewKafkaWriter builds a writer with per-message topics. Records are
// hashed by key so one order's events stay in one partition, and a write
// only succeeds once all in-sync replicas have it.
func NewKafkaWriter(cfg configs.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		MaxAttempts:            3,
		AllowAutoTopicCreation: false,
	}
}

// Publisher routes messages through the topology and writes one record per
// bound queue.
type Publisher struct {
	topology Topology
	writer   Writer
	logger   logrus.FieldLogger
	timeout  time.Duration
	now      func() time.Time
}

func NewPublisher(topology Topology, writer Writer, logger logrus.FieldLogger) *Publisher {
	return &Publisher{
		topology: topology,
		writer:   writer,
		logger:   logger,
		timeout:  5 * time.Second,
		now:      time.Now,
	}
}

// PublishJSON encodes v and publishes it to exchange with routingKey.
// key partitions the record and identifies it for idempotent handling.
func (p *Publisher) PublishJSON(ctx context.Context, exchange, routingKey, key string, v any) error {
	msg, err := NewMessage(exchange, routingKey, key, v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return p.Publish(ctx, msg)
}

// Publish routes msg and writes it to every bound queue.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	queues, err := p.topology.Route(msg.Exchange, msg.RoutingKey)
	if err != nil {
		return err
	}
	if len(queues) == 0 {
		return fmt.Errorf("%w: %s/%s", ErrUnroutable, msg.Exchange, msg.RoutingKey)
	}

	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = p.now()
	}

	records := make([]kafka.Message, 0, len(queues))
	for _, q := range queues {
		records = append(records, msg.toKafka(p.topology.Topic(q)))
	}
	return p.write(ctx, records...)
}

// requeue writes msg back to its own queue for another attempt.
func (p *Publisher) requeue(ctx context.Context, queue string, msg Message) error {
	return p.write(ctx, msg.toKafka(p.topology.Topic(queue)))
}

// deadLetter routes msg through the queue's dead-letter exchange.
func (p *Publisher) deadLetter(ctx context.Context, queue Queue, msg Message, reason string) error {
	if queue.DeadLetterExchange == "" {
		return fmt.Errorf("queue %s has no dead-letter exchange", queue.Name)
	}
	targets, err := p.topology.Route(queue.DeadLetterExchange, queue.DeadLetterKey)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: dead-letter %s/%s", ErrUnroutable, queue.DeadLetterExchange, queue.DeadLetterKey)
	}

	msg.DeathReason = reason
	msg.DeathQueue = queue.Name
	msg.NotBefore = time.Time{}

	records := make([]kafka.Message, 0, len(targets))
	for _, q := range targets {
		records = append(records, msg.toKafka(p.topology.Topic(q)))
	}
	return p.write(ctx, records...)
}

func (p *Publisher) write(ctx context.Context, records ...kafka.Message) error {
	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(writeCtx, records...); err != nil {
		return fmt.Errorf("failed to send message to Kafka: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		p.logger.Errorf("Error closing Kafka producer: %v", err)
		return err
	}
	p.logger.Info("Kafka Producer closed")
	return nil
}

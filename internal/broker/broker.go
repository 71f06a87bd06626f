package broker

import (
	"context"
	"fmt"

	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/pkg/faulttolerance"
	"github.com/sirupsen/logrus"
)

// Broker bundles the topology with one shared writer and the admin client.
// Each consumer gets its own reader.
type Broker struct {
	Topology  Topology
	Publisher *Publisher

	admin     Admin
	newReader ReaderFactory
	cfg       configs.KafkaConfig
	logger    logrus.FieldLogger
}

// Connect declares the topology on Kafka and opens the shared writer.
func Connect(ctx context.Context, cfg configs.KafkaConfig, logger logrus.FieldLogger) (*Broker, error) {
	admin, err := NewAdmin(cfg)
	if err != nil {
		return nil, err
	}
	topology := DefaultTopology(cfg.GroupPrefix, cfg.MessageTTL)

	b := New(topology, NewKafkaWriter(cfg), admin, NewKafkaReaderFactory(cfg, logger), cfg, logger)
	if err := b.Declare(ctx); err != nil {
		b.Close()
		return nil, err
	}
	logger.Info("Kafka topology declared")
	return b, nil
}

// New assembles a broker from its parts.
func New(topology Topology, writer Writer, admin Admin, newReader ReaderFactory, cfg configs.KafkaConfig, logger logrus.FieldLogger) *Broker {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Broker{
		Topology:  topology,
		Publisher: NewPublisher(topology, writer, logger.WithField("component", "publisher")),
		admin:     admin,
		newReader: newReader,
		cfg:       cfg,
		logger:    logger,
	}
}

func (b *Broker) Declare(ctx context.Context) error {
	if err := b.Topology.Validate(); err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}
	if b.admin == nil {
		return nil
	}
	return b.admin.Declare(ctx, b.Topology)
}

func (b *Broker) Ping(ctx context.Context) error {
	if b.admin == nil {
		return nil
	}
	return b.admin.Ping(ctx)
}

// Consumer builds a consumer for queue in consumer group groupID.
func (b *Broker) Consumer(queue, groupID string, handler Handler, onDeadLetter func(Message, string)) (*Consumer, error) {
	q, ok := b.Topology.Queue(queue)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoQueue, queue)
	}

	retry := faulttolerance.RetryPolicy{
		BaseDelay:  b.cfg.RetryBaseDelay,
		Multiplier: 2,
		Name:       queue,
	}

	var declarer Declarer
	if b.admin != nil {
		declarer = b.admin
	}

	return &Consumer{
		queue:    q,
		topology: b.Topology,
		cfg: ConsumerConfig{
			GroupID:        groupID,
			Prefetch:       b.cfg.Prefetch,
			MaxRetries:     b.cfg.MaxRetries,
			Retry:          retry,
			ReconnectDelay: b.cfg.ReconnectDelay,
			OnDeadLetter:   onDeadLetter,
		},
		newReader: b.newReader,
		publisher: b.Publisher,
		declarer:  declarer,
		handler:   handler,
		logger:    b.logger.WithFields(logrus.Fields{"component": "consumer", "queue": queue}),
		now:       timeNow,
		sleep:     sleepContext,
	}, nil
}

func (b *Broker) Close() {
	if err := b.Publisher.Close(); err != nil {
		b.logger.Warnf("Error closing publisher: %v", err)
	}
	if b.admin != nil {
		if err := b.admin.Close(); err != nil {
			b.logger.Warnf("Error closing admin client: %v", err)
		}
	}
}

package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	ckafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/navid-fn/dexmatch/configs"
)

// Admin declares queue topics and answers liveness probes.
type Admin interface {
	Declarer
	Ping(ctx context.Context) error
	Close() error
}

type kafkaAdmin struct {
	client            *ckafka.AdminClient
	partitions        int
	replicationFactor int
}

// NewAdmin connects an admin client to the bootstrap brokers.
func NewAdmin(cfg configs.KafkaConfig) (Admin, error) {
	client, err := ckafka.NewAdminClient(&ckafka.ConfigMap{
		"bootstrap.servers": strings.Join(cfg.Brokers, ","),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka admin client: %w", err)
	}
	return &kafkaAdmin{
		client:            client,
		partitions:        max(cfg.Partitions, 1),
		replicationFactor: max(cfg.ReplicationFactor, 1),
	}, nil
}

// Declare creates every queue topic. Topics that already exist are left
// untouched, so declaring is idempotent.
func (a *kafkaAdmin) Declare(ctx context.Context, topology Topology) error {
	specs := make([]ckafka.TopicSpecification, 0, len(topology.Queues))
	for _, q := range topology.Queues {
		spec := ckafka.TopicSpecification{
			Topic:             topology.Topic(q.Name),
			NumPartitions:     a.partitions,
			ReplicationFactor: a.replicationFactor,
			Config:            map[string]string{},
		}
		if q.MessageTTL > 0 {
			spec.Config["retention.ms"] = strconv.FormatInt(q.MessageTTL.Milliseconds(), 10)
		}
		specs = append(specs, spec)
	}

	results, err := a.client.CreateTopics(ctx, specs, ckafka.SetAdminOperationTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, r := range results {
		switch r.Error.Code() {
		case ckafka.ErrNoError, ckafka.ErrTopicAlreadyExists:
		default:
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Error)
		}
	}
	return nil
}

func (a *kafkaAdmin) Ping(ctx context.Context) error {
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	_, err := a.client.GetMetadata(nil, false, int(timeout.Milliseconds()))
	return err
}

func (a *kafkaAdmin) Close() error {
	a.client.Close()
	return nil
}

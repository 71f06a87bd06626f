// Package brokertest provides an in-memory Kafka stand-in for tests.
package brokertest

import (
	"context"
	"errors"
	"sync"

	"github.com/navid-fn/dexmatch/internal/broker"
	"github.com/segmentio/kafka-go"
)

// Bus stores records per topic and tracks committed offsets per group.
// It implements broker.Writer and broker.Admin, and Readers hands out
// broker.Reader values.
type Bus struct {
	mu        sync.Mutex
	cond      *sync.Cond
	topics    map[string][]kafka.Message
	committed map[string]int64
	declared  int
	closed    bool

	// FailWrites makes every write fail while set.
	FailWrites error
}

func NewBus() *Bus {
	b := &Bus{
		topics:    make(map[string][]kafka.Message),
		committed: make(map[string]int64),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Bus) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWrites != nil {
		return b.FailWrites
	}
	for _, m := range msgs {
		m.Offset = int64(len(b.topics[m.Topic]))
		b.topics[m.Topic] = append(b.topics[m.Topic], m)
	}
	b.cond.Broadcast()
	return nil
}

func (b *Bus) Close() error { return nil }

// SetFailWrites toggles write failures.
func (b *Bus) SetFailWrites(err error) {
	b.mu.Lock()
	b.FailWrites = err
	b.mu.Unlock()
}

func (b *Bus) Declare(ctx context.Context, topology broker.Topology) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declared++
	for _, q := range topology.Queues {
		topic := topology.Topic(q.Name)
		if _, ok := b.topics[topic]; !ok {
			b.topics[topic] = nil
		}
	}
	return nil
}

func (b *Bus) Ping(ctx context.Context) error { return nil }

// Declared counts Declare calls.
func (b *Bus) Declared() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declared
}

// Messages returns a copy of every record written to topic.
func (b *Bus) Messages(topic string) []kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]kafka.Message(nil), b.topics[topic]...)
}

// Committed returns the next offset group will read from topic.
func (b *Bus) Committed(topic, groupID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed[groupID+"/"+topic]
}

// Readers returns a factory that resumes each group at its committed offset.
func (b *Bus) Readers() broker.ReaderFactory {
	return func(topic, groupID string) broker.Reader {
		b.mu.Lock()
		defer b.mu.Unlock()
		return &reader{bus: b, topic: topic, group: groupID, next: b.committed[groupID+"/"+topic]}
	}
}

// Shutdown wakes every blocked reader so it can observe cancellation.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

type reader struct {
	bus   *Bus
	topic string
	group string
	next  int64
}

var errReaderClosed = errors.New("bus closed")

func (r *reader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	stop := context.AfterFunc(ctx, func() {
		r.bus.mu.Lock()
		r.bus.cond.Broadcast()
		r.bus.mu.Unlock()
	})
	defer stop()

	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for int64(len(b.topics[r.topic])) <= r.next {
		if err := ctx.Err(); err != nil {
			return kafka.Message{}, err
		}
		if b.closed {
			return kafka.Message{}, errReaderClosed
		}
		b.cond.Wait()
	}
	m := b.topics[r.topic][r.next]
	r.next++
	return m, nil
}

func (r *reader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	b := r.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	key := r.group + "/" + r.topic
	for _, m := range msgs {
		if m.Offset+1 > b.committed[key] {
			b.committed[key] = m.Offset + 1
		}
	}
	return nil
}

func (r *reader) Close() error { return nil }

// Package broker realises an exchange/queue/dead-letter topology on Kafka.
// Exchanges and bindings live in-process; every queue is a Kafka topic.
package broker

import (
	"errors"
	"fmt"
	"time"
)

type ExchangeKind string

const (
	KindTopic  ExchangeKind = "topic"
	KindDirect ExchangeKind = "direct"
	KindFanout ExchangeKind = "fanout"
)

// Exchange names.
const (
	ExchangeOrders        = "dexmatch.orders"
	ExchangeMatching      = "dexmatch.matching"
	ExchangeNotifications = "dexmatch.notifications"
	ExchangeDeadLetter    = "dexmatch.dlx"
)

// Queue names.
const (
	QueueOrdersCreated   = "orders.created"
	QueueOrdersCancelled = "orders.cancelled"
	QueueOrdersMatched   = "orders.matched"
	QueueMatchRequests   = "matching.requests"
	QueueNotifications   = "notifications"
	QueueOrdersDLQ       = "orders.dlq"
	QueueMatchingDLQ     = "matching.dlq"
)

// MaxMatchPriority is the highest priority a match request may carry.
const MaxMatchPriority = 10

type Exchange struct {
	Name string
	Kind ExchangeKind
}

// Queue describes one durable queue.
type Queue struct {
	Name string

	// DeadLetterExchange and DeadLetterKey receive messages that exhaust
	// their retry budget or expire.
	DeadLetterExchange string
	DeadLetterKey      string

	// MessageTTL expires undelivered messages; zero keeps them forever.
	MessageTTL time.Duration

	// MaxPriority is advisory: Kafka has no broker-side priority.
	MaxPriority uint8

	// NoRequeue dead-letters on the first handler failure.
	NoRequeue bool
}

type Binding struct {
	Exchange string
	Queue    string

	// Pattern is the routing key for direct exchanges and a
	// "*"/"#" pattern for topic exchanges. Fanout ignores it.
	Pattern string
}

// Topology is the full declaration. Prefix namespaces the Kafka topics.
type Topology struct {
	Prefix    string
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// DefaultTopology returns the order pipeline topology. Work queues expire
// messages after ttl when ttl is positive.
func DefaultTopology(prefix string, ttl time.Duration) Topology {
	orderQueue := func(name string, noRequeue bool) Queue {
		return Queue{
			Name:               name,
			DeadLetterExchange: ExchangeDeadLetter,
			DeadLetterKey:      "orders",
			MessageTTL:         ttl,
			NoRequeue:          noRequeue,
		}
	}

	return Topology{
		Prefix: prefix,
		Exchanges: []Exchange{
			{Name: ExchangeOrders, Kind: KindTopic},
			{Name: ExchangeMatching, Kind: KindDirect},
			{Name: ExchangeNotifications, Kind: KindFanout},
			{Name: ExchangeDeadLetter, Kind: KindDirect},
		},
		Queues: []Queue{
			// The matching engine consumes created/cancelled; a requeue there
			// could reorder a contract's orders, so they dead-letter at once.
			orderQueue(QueueOrdersCreated, true),
			orderQueue(QueueOrdersCancelled, true),
			orderQueue(QueueOrdersMatched, false),
			{
				Name:               QueueMatchRequests,
				DeadLetterExchange: ExchangeDeadLetter,
				DeadLetterKey:      "matching",
				MessageTTL:         ttl,
				MaxPriority:        MaxMatchPriority,
				NoRequeue:          true,
			},
			{Name: QueueNotifications, MessageTTL: ttl},
			{Name: QueueOrdersDLQ},
			{Name: QueueMatchingDLQ},
		},
		Bindings: []Binding{
			{Exchange: ExchangeOrders, Queue: QueueOrdersCreated, Pattern: "order.created.*"},
			{Exchange: ExchangeOrders, Queue: QueueOrdersCancelled, Pattern: "order.cancelled.*"},
			{Exchange: ExchangeOrders, Queue: QueueOrdersMatched, Pattern: "orders.matched.#"},
			{Exchange: ExchangeMatching, Queue: QueueMatchRequests, Pattern: "match.request"},
			{Exchange: ExchangeNotifications, Queue: QueueNotifications},
			{Exchange: ExchangeDeadLetter, Queue: QueueOrdersDLQ, Pattern: "orders"},
			{Exchange: ExchangeDeadLetter, Queue: QueueMatchingDLQ, Pattern: "matching"},
		},
	}
}

// Topic returns the Kafka topic backing a queue.
func (t Topology) Topic(queue string) string {
	if t.Prefix == "" {
		return queue
	}
	return t.Prefix + "." + queue
}

// Queue looks up a queue by name.
func (t Topology) Queue(name string) (Queue, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return Queue{}, false
}

func (t Topology) exchange(name string) (Exchange, bool) {
	for _, e := range t.Exchanges {
		if e.Name == name {
			return e, true
		}
	}
	return Exchange{}, false
}

// Validate checks that every binding and dead-letter target resolves.
func (t Topology) Validate() error {
	var errs []error
	for _, b := range t.Bindings {
		if _, ok := t.exchange(b.Exchange); !ok {
			errs = append(errs, fmt.Errorf("binding to unknown exchange %q", b.Exchange))
		}
		if _, ok := t.Queue(b.Queue); !ok {
			errs = append(errs, fmt.Errorf("binding to unknown queue %q", b.Queue))
		}
	}
	for _, q := range t.Queues {
		if q.DeadLetterExchange == "" {
			continue
		}
		targets, err := t.Route(q.DeadLetterExchange, q.DeadLetterKey)
		if err != nil || len(targets) == 0 {
			errs = append(errs, fmt.Errorf("queue %q dead-letters to nothing", q.Name))
		}
	}
	return errors.Join(errs...)
}

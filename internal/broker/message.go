package broker

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Header names carried on every Kafka record.
const (
	HeaderMessageID   = "x-message-id"
	HeaderExchange    = "x-exchange"
	HeaderRoutingKey  = "x-routing-key"
	HeaderAttempt     = "x-attempt"
	HeaderNotBefore   = "x-not-before"
	HeaderPublishedAt = "x-published-at"
	HeaderPriority    = "x-priority"
	HeaderDeathReason = "x-death-reason"
	HeaderDeathQueue  = "x-death-queue"
)

// Message is one delivery as seen by publishers and handlers.
type Message struct {
	ID         string
	Exchange   string
	RoutingKey string

	// Queue is set on delivery.
	Queue string

	// Key orders records within a Kafka partition.
	Key  string
	Body []byte

	// Attempt is 1 on first delivery.
	Attempt     int
	NotBefore   time.Time
	PublishedAt time.Time
	Priority    uint8

	DeathReason string
	DeathQueue  string

	raw kafka.Message
}

// NewMessage encodes v as the JSON body of a fresh message.
func NewMessage(exchange, routingKey, key string, v any) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:         uuid.NewString(),
		Exchange:   exchange,
		RoutingKey: routingKey,
		Key:        key,
		Body:       body,
		Attempt:    1,
	}, nil
}

// Decode unmarshals the body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

func (m Message) toKafka(topic string) kafka.Message {
	headers := []kafka.Header{
		{Key: HeaderMessageID, Value: []byte(m.ID)},
		{Key: HeaderExchange, Value: []byte(m.Exchange)},
		{Key: HeaderRoutingKey, Value: []byte(m.RoutingKey)},
		{Key: HeaderAttempt, Value: []byte(strconv.Itoa(m.Attempt))},
		{Key: HeaderPublishedAt, Value: []byte(strconv.FormatInt(m.PublishedAt.UnixMilli(), 10))},
	}
	if !m.NotBefore.IsZero() {
		headers = append(headers, kafka.Header{Key: HeaderNotBefore, Value: []byte(strconv.FormatInt(m.NotBefore.UnixMilli(), 10))})
	}
	if m.Priority > 0 {
		headers = append(headers, kafka.Header{Key: HeaderPriority, Value: []byte(strconv.Itoa(int(m.Priority)))})
	}
	if m.DeathReason != "" {
		headers = append(headers,
			kafka.Header{Key: HeaderDeathReason, Value: []byte(m.DeathReason)},
			kafka.Header{Key: HeaderDeathQueue, Value: []byte(m.DeathQueue)},
		)
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(m.Key),
		Value:   m.Body,
		Headers: headers,
		Time:    m.PublishedAt,
	}
}

func fromKafka(queue string, km kafka.Message) Message {
	m := Message{
		Queue:   queue,
		Key:     string(km.Key),
		Body:    km.Value,
		Attempt: 1,
		raw:     km,
	}
	for _, h := range km.Headers {
		v := string(h.Value)
		switch h.Key {
		case HeaderMessageID:
			m.ID = v
		case HeaderExchange:
			m.Exchange = v
		case HeaderRoutingKey:
			m.RoutingKey = v
		case HeaderAttempt:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				m.Attempt = n
			}
		case HeaderNotBefore:
			m.NotBefore = parseMillis(v)
		case HeaderPublishedAt:
			m.PublishedAt = parseMillis(v)
		case HeaderPriority:
			if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= MaxMatchPriority {
				m.Priority = uint8(n)
			}
		case HeaderDeathReason:
			m.DeathReason = v
		case HeaderDeathQueue:
			m.DeathQueue = v
		}
	}
	if m.PublishedAt.IsZero() {
		m.PublishedAt = km.Time
	}
	return m
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

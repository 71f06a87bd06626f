package broker_test

import (
	"testing"

	"github.com/navid-fn/dexmatch/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"order.created.*", "order.created.0xabc", true},
		{"order.created.*", "order.created", false},
		{"order.created.*", "order.created.0xabc.extra", false},
		{"order.*.*", "order.cancelled.0xabc", true},
		{"orders.matched.#", "orders.matched", true},
		{"orders.matched.#", "orders.matched.0xabc.1", true},
		{"#", "anything.at.all", true},
		{"#.0xabc", "order.created.0xabc", true},
		{"#.0xabc", "order.created.0xdef", false},
		{"order.#.0xabc", "order.0xabc", true},
		{"order.created.0xabc", "order.created.0xabc", true},
		{"order.created.0xabc", "order.cancelled.0xabc", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, broker.MatchTopic(tt.pattern, tt.key))
		})
	}
}

func TestDefaultTopologyRoutes(t *testing.T) {
	top := broker.DefaultTopology("dex", 0)
	require.NoError(t, top.Validate())

	tests := []struct {
		name     string
		exchange string
		key      string
		want     []string
	}{
		{"created", broker.ExchangeOrders, "order.created.0xabc", []string{broker.QueueOrdersCreated}},
		{"cancelled", broker.ExchangeOrders, "order.cancelled.0xabc", []string{broker.QueueOrdersCancelled}},
		{"matched", broker.ExchangeOrders, "orders.matched.0xabc", []string{broker.QueueOrdersMatched}},
		{"unbound topic key", broker.ExchangeOrders, "order.updated.0xabc", nil},
		{"match request", broker.ExchangeMatching, "match.request", []string{broker.QueueMatchRequests}},
		{"fanout ignores key", broker.ExchangeNotifications, "whatever", []string{broker.QueueNotifications}},
		{"dlx orders", broker.ExchangeDeadLetter, "orders", []string{broker.QueueOrdersDLQ}},
		{"dlx matching", broker.ExchangeDeadLetter, "matching", []string{broker.QueueMatchingDLQ}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := top.Route(tt.exchange, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := top.Route("nope", "x")
	assert.Error(t, err)
	assert.Equal(t, "dex.orders.created", top.Topic(broker.QueueOrdersCreated))
}

func TestValidateCatchesDanglingBindings(t *testing.T) {
	top := broker.DefaultTopology("", 0)
	top.Bindings = append(top.Bindings, broker.Binding{Exchange: "ghost", Queue: "phantom"})
	top.Queues = append(top.Queues, broker.Queue{Name: "lost", DeadLetterExchange: broker.ExchangeDeadLetter, DeadLetterKey: "nowhere"})

	err := top.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
	assert.Contains(t, err.Error(), "phantom")
	assert.Contains(t, err.Error(), "lost")
}

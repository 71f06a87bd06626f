package broker

import (
	"fmt"
	"strings"
)

// Route resolves the queues a message published to exchange with
// routingKey is delivered to.
func (t Topology) Route(exchange, routingKey string) ([]string, error) {
	ex, ok := t.exchange(exchange)
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", exchange)
	}

	var queues []string
	for _, b := range t.Bindings {
		if b.Exchange != exchange {
			continue
		}
		var match bool
		switch ex.Kind {
		case KindFanout:
			match = true
		case KindDirect:
			match = b.Pattern == routingKey
		case KindTopic:
			match = MatchTopic(b.Pattern, routingKey)
		}
		if match {
			queues = append(queues, b.Queue)
		}
	}
	return queues, nil
}

// MatchTopic reports whether a dot-separated routing key matches pattern,
// where "*" matches exactly one word and "#" zero or more.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

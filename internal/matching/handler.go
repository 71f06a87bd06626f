package matching

import (
	"context"
	"fmt"

	"github.com/navid-fn/dexmatch/internal/broker"
	"github.com/navid-fn/dexmatch/internal/models"
)

// HandleOrderCreated feeds an order.created delivery to the engine.
func (e *Engine) HandleOrderCreated(ctx context.Context, msg broker.Message) error {
	var ev models.OrderEvent
	if err := msg.Decode(&ev); err != nil {
		return fmt.Errorf("decode %s: %w", models.EventOrderCreated, err)
	}
	if ev.Event != models.EventOrderCreated {
		return fmt.Errorf("unexpected event %q on %s", ev.Event, msg.Queue)
	}
	return e.ProcessNewOrder(ctx, ev.Order())
}

func (e *Engine) HandleOrderCancelled(ctx context.Context, msg broker.Message) error {
	var ev models.OrderEvent
	if err := msg.Decode(&ev); err != nil {
		return fmt.Errorf("decode %s: %w", models.EventOrderCancelled, err)
	}
	return e.Cancel(ctx, ev.OrderID)
}

// HandleMatchRequest re-runs matching for a stored order on request.
func (e *Engine) HandleMatchRequest(ctx context.Context, msg broker.Message) error {
	var req models.MatchRequest
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("decode %s: %w", models.EventMatchRequest, err)
	}
	e.logger.Debugf("Match requested for order %d (%s)", req.OrderID, req.Reason)
	return e.Rematch(ctx, req.OrderID)
}

// HandleOrdersMatched records an on-chain match, whoever submitted it.
func (e *Engine) HandleOrdersMatched(ctx context.Context, msg broker.Message) error {
	var ev models.MatchedEvent
	if err := msg.Decode(&ev); err != nil {
		return fmt.Errorf("decode %s: %w", models.EventOrdersMatched, err)
	}
	if models.NormalizeAddress(ev.Contract) != e.contract {
		return fmt.Errorf("%w: %s", ErrWrongContract, ev.Contract)
	}
	return e.RecordMatched(ctx, &ev)
}

// Handler returns the engine handler for a queue, or nil when the engine
// does not consume it.
func (e *Engine) Handler(queue string) broker.Handler {
	switch queue {
	case broker.QueueOrdersCreated:
		return e.HandleOrderCreated
	case broker.QueueOrdersCancelled:
		return e.HandleOrderCancelled
	case broker.QueueMatchRequests:
		return e.HandleMatchRequest
	case broker.QueueOrdersMatched:
		return e.HandleOrdersMatched
	default:
		return nil
	}
}

package cluster

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Agent is the worker side of the control channel.
type Agent struct {
	conn   *Conn
	index  int
	logger logrus.FieldLogger

	// Health, when set, is consulted for every HEALTH_CHECK.
	Health func(ctx context.Context) (map[string]any, error)
}

func NewAgent(conn *Conn, index int, logger logrus.FieldLogger) *Agent {
	return &Agent{conn: conn, index: index, logger: logger.WithField("component", "agent")}
}

// Online tells the coordinator the worker is ready.
func (a *Agent) Online() error {
	return a.conn.Send(Message{Type: TypeOnline, Worker: a.index, PID: os.Getpid()})
}

// Serve answers health checks until the coordinator requests a shutdown,
// which it returns. Losing the channel means the coordinator is gone and
// is returned as an error.
func (a *Agent) Serve(ctx context.Context) (Message, error) {
	type received struct {
		msg Message
		err error
	}
	inbox := make(chan received)
	go func() {
		for {
			msg, err := a.conn.Receive()
			select {
			case inbox <- received{msg, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case in := <-inbox:
			if in.err != nil {
				return Message{}, fmt.Errorf("coordinator lost: %w", in.err)
			}
			switch in.msg.Type {
			case TypeHealthCheck:
				a.answerHealth(ctx, in.msg)
			case TypeShutdown:
				a.logger.Info("Shutdown requested by coordinator")
				return in.msg, nil
			default:
				a.logger.Warnf("Ignoring unexpected %s", in.msg.Type)
			}
		}
	}
}

func (a *Agent) answerHealth(ctx context.Context, req Message) {
	ack := Reply(req, TypeHealthAck)
	ack.Worker = a.index
	if a.Health != nil {
		detail, err := a.Health(ctx)
		ack.Detail = detail
		if err != nil {
			ack.Error = err.Error()
		}
	}
	if err := a.conn.Send(ack); err != nil {
		a.logger.Warnf("Answer health check: %v", err)
	}
}

// AckShutdown confirms a completed shutdown. stopErr, if any, is reported
// to the coordinator.
func (a *Agent) AckShutdown(req Message, stopErr error) error {
	ack := Reply(req, TypeShutdownAck)
	ack.Worker = a.index
	if stopErr != nil {
		ack.Error = stopErr.Error()
	}
	return a.conn.Send(ack)
}

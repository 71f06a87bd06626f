// Package cluster supervises worker processes.
//
// The coordinator re-executes the binary once per worker and talks to each
// over two inherited pipes carrying newline-delimited JSON messages. A
// worker announces itself with ONLINE, answers HEALTH_CHECK with
// HEALTH_ACK and SHUTDOWN with SHUTDOWN_ACK. Requests and their answers
// share an id.
package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeOnline      MessageType = "ONLINE"
	TypeHealthCheck MessageType = "HEALTH_CHECK"
	TypeHealthAck   MessageType = "HEALTH_ACK"
	TypeShutdown    MessageType = "SHUTDOWN"
	TypeShutdownAck MessageType = "SHUTDOWN_ACK"
)

// Inherited descriptors of the control channel inside a worker.
const (
	controlInFD  = 3
	controlOutFD = 4
)

var ErrChannelClosed = errors.New("control channel closed")

// Message is one line on the control channel.
type Message struct {
	Type   MessageType `json:"type"`
	ID     string      `json:"id,omitempty"`
	Worker int         `json:"worker"`
	PID    int         `json:"pid,omitempty"`

	// Error carries a failed health check or shutdown.
	Error string `json:"error,omitempty"`

	Detail map[string]any `json:"detail,omitempty"`
}

// NewRequest returns a message with a fresh correlation id.
func NewRequest(t MessageType, worker int) Message {
	return Message{Type: t, ID: uuid.NewString(), Worker: worker}
}

// Reply answers req with the same id.
func Reply(req Message, t MessageType) Message {
	return Message{Type: t, ID: req.ID, Worker: req.Worker, PID: os.Getpid()}
}

// Conn is one side of the control channel. Send is safe for concurrent
// use; Receive must be called from one goroutine.
type Conn struct {
	r   io.ReadCloser
	w   io.WriteCloser
	dec *json.Decoder

	mu     sync.Mutex
	once   sync.Once
	closed atomic.Bool
}

func NewConn(r io.ReadCloser, w io.WriteCloser) *Conn {
	return &Conn{r: r, w: w, dec: json.NewDecoder(r)}
}

// OpenInherited opens the channel a coordinator passed to this process.
func OpenInherited() (*Conn, error) {
	in := os.NewFile(controlInFD, "control-in")
	out := os.NewFile(controlOutFD, "control-out")
	if in == nil || out == nil {
		return nil, fmt.Errorf("control descriptors %d/%d not inherited", controlInFD, controlOutFD)
	}
	return NewConn(in, out), nil
}

func (c *Conn) Send(msg Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if _, err := c.w.Write(line); err != nil {
		if c.closed.Load() {
			return ErrChannelClosed
		}
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Receive blocks for the next message. It returns ErrChannelClosed once the
// peer hangs up.
func (c *Conn) Receive() (Message, error) {
	var msg Message
	if err := c.dec.Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			return Message{}, ErrChannelClosed
		}
		return Message{}, fmt.Errorf("decode control message: %w", err)
	}
	return msg, nil
}

// Close unblocks pending Send and Receive calls. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = errors.Join(c.w.Close(), c.r.Close())
	})
	return err
}

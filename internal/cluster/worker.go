package cluster

import (
	"os"
	"sync"
	"time"
)

func exitProcess(code int) { os.Exit(code) }

// worker is the coordinator's record of one spawned process.
type worker struct {
	index int
	proc  Process

	online     chan struct{}
	onlineOnce sync.Once
	exited     chan struct{}

	startedAt time.Time

	mu      sync.Mutex
	beatAt  time.Time
	healthy bool
	pending map[string]chan Message
	detail  map[string]any
}

func newWorker(index int, proc Process, now time.Time) *worker {
	return &worker{
		index:     index,
		proc:      proc,
		online:    make(chan struct{}),
		exited:    make(chan struct{}),
		startedAt: now,
		beatAt:    now,
		pending:   make(map[string]chan Message),
	}
}

func (w *worker) markOnline() { w.onlineOnce.Do(func() { close(w.online) }) }

func (w *worker) isOnline() bool {
	select {
	case <-w.online:
		return true
	default:
		return false
	}
}

func (w *worker) beat(t time.Time) {
	w.mu.Lock()
	w.beatAt = t
	w.mu.Unlock()
}

func (w *worker) lastBeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.beatAt
}

// report stores the outcome of the latest health check.
func (w *worker) report(healthy bool, detail map[string]any) {
	w.mu.Lock()
	w.healthy = healthy
	if detail != nil {
		w.detail = detail
	}
	w.mu.Unlock()
}

func (w *worker) health() (bool, map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy, w.detail
}

// expect registers a reply slot for request id.
func (w *worker) expect(id string) chan Message {
	ch := make(chan Message, 1)
	w.mu.Lock()
	if w.pending == nil {
		close(ch)
	} else {
		w.pending[id] = ch
	}
	w.mu.Unlock()
	return ch
}

func (w *worker) forget(id string) {
	w.mu.Lock()
	if w.pending != nil {
		delete(w.pending, id)
	}
	w.mu.Unlock()
}

// resolve hands a reply to its waiting request. Unknown ids are late
// replies and are dropped.
func (w *worker) resolve(msg Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.pending[msg.ID]; ok {
		ch <- msg
		delete(w.pending, msg.ID)
	}
}

// failPending closes every outstanding reply slot once the process is gone.
func (w *worker) failPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.pending {
		close(ch)
	}
	w.pending = nil
}

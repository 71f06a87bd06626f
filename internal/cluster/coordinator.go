package cluster

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/internal/alerts"
	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/navid-fn/dexmatch/pkg/faulttolerance"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrWorkerStartup  = errors.New("worker failed to start")
	ErrWorkerExited   = errors.New("worker exited")
	ErrRequestTimeout = errors.New("control request timed out")
)

// crashReportMaxAge bounds which diagnostics are surfaced at startup.
const crashReportMaxAge = 7 * 24 * time.Hour

type Deps struct {
	Spawner Spawner

	// Alerts may be nil; the coordinator only logs then.
	Alerts alerts.Raiser

	// Crash receives diagnostics on emergency shutdown. Optional.
	Crash  *faulttolerance.PersistenceManager
	Logger logrus.FieldLogger
}

// Coordinator forks the workers, keeps them alive and stops them. It holds
// no exchange state.
type Coordinator struct {
	cfg     configs.ClusterConfig
	spawner Spawner
	alerts  alerts.Raiser
	crash   *faulttolerance.PersistenceManager
	logger  logrus.FieldLogger

	mu           sync.Mutex
	workers      map[int]*worker
	failures     map[int]int
	running      bool
	shuttingDown bool
	loopCtx      context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	now  func() time.Time
	exit func(code int)
}

func New(cfg configs.ClusterConfig, deps Deps) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 15 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if deps.Alerts == nil {
		deps.Alerts = alerts.Discard{Logger: deps.Logger}
	}
	return &Coordinator{
		cfg:      cfg,
		spawner:  deps.Spawner,
		alerts:   deps.Alerts,
		crash:    deps.Crash,
		logger:   deps.Logger.WithField("component", "coordinator"),
		workers:  make(map[int]*worker),
		failures: make(map[int]int),
		now:      time.Now,
		exit:     exitProcess,
	}
}

// Run starts the workers, supervises them until ctx ends and then shuts
// them down gracefully.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownGrace)
		defer cancel()
		_ = c.Shutdown(stopCtx)
		return err
	}
	<-ctx.Done()

	budget := time.Duration(c.cfg.Workers+1) * c.cfg.ShutdownGrace
	stopCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	return c.Shutdown(stopCtx)
}

// Start spawns the workers one at a time, each of which must come online
// within the startup timeout, and begins health checking.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Infof("Starting %d workers", c.cfg.Workers)
	for i := 0; i < c.cfg.Workers; i++ {
		if i > 0 {
			if err := sleepContext(ctx, c.cfg.SpawnStagger); err != nil {
				return err
			}
		}
		if err := c.startWorker(ctx, i); err != nil {
			return fmt.Errorf("worker %d: %w", i, err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.running = true
	c.loopCtx = loopCtx
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go c.healthLoop(loopCtx)
	c.logger.Info("All workers online")
	return nil
}

func (c *Coordinator) startWorker(ctx context.Context, index int) error {
	proc, err := c.spawner.Spawn(ctx, index, c.cfg.Workers)
	if err != nil {
		return err
	}
	w := newWorker(index, proc, c.now())

	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		c.kill(w, "cluster is shutting down")
		go c.waitLoop(w)
		return ErrWorkerExited
	}
	c.workers[index] = w
	c.mu.Unlock()

	go c.readLoop(w)
	go c.waitLoop(w)

	timer := time.NewTimer(c.cfg.StartupTimeout)
	defer timer.Stop()
	select {
	case <-w.online:
		c.logger.Infof("Worker %d online (pid %d)", index, proc.PID())
		return nil
	case <-w.exited:
		return fmt.Errorf("%w: exited before coming online", ErrWorkerStartup)
	case <-timer.C:
		c.kill(w, "startup timeout")
		return fmt.Errorf("%w: not online within %s", ErrWorkerStartup, c.cfg.StartupTimeout)
	case <-ctx.Done():
		c.kill(w, "startup cancelled")
		return ctx.Err()
	}
}

func (c *Coordinator) readLoop(w *worker) {
	for {
		msg, err := w.proc.Conn().Receive()
		if err != nil {
			if !errors.Is(err, ErrChannelClosed) {
				c.logger.Warnf("Worker %d control channel: %v", w.index, err)
			}
			return
		}
		w.beat(c.now())

		switch msg.Type {
		case TypeOnline:
			w.markOnline()
		case TypeHealthAck, TypeShutdownAck:
			w.resolve(msg)
		default:
			c.logger.Warnf("Worker %d sent unexpected %s", w.index, msg.Type)
		}
	}
}

func (c *Coordinator) waitLoop(w *worker) {
	err := w.proc.Wait()
	w.failPending()
	c.onExit(w, err)
	close(w.exited)
}

// onExit counts the death and restarts the worker unless the cluster is
// stopping.
func (c *Coordinator) onExit(w *worker, exitErr error) {
	c.mu.Lock()
	if c.workers[w.index] == w {
		delete(c.workers, w.index)
	}
	if c.shuttingDown {
		c.mu.Unlock()
		c.logger.Infof("Worker %d exited", w.index)
		return
	}
	c.failures[w.index]++
	failures := c.failures[w.index]
	restart := c.running && c.cfg.RestartOnExit
	if restart {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	c.logger.Errorf("Worker %d died (failure %d): %v", w.index, failures, exitErr)
	data := map[string]any{"worker": w.index, "failures": failures}
	if exitErr != nil {
		data["error"] = exitErr.Error()
	}
	if err := c.alerts.Raise(context.Background(), models.AlertWorkerFailed, models.SeverityWarning, data); err != nil {
		c.logger.Warnf("Raise worker alert: %v", err)
	}

	if restart {
		go c.restart(w.index)
	}
}

func (c *Coordinator) restart(index int) {
	defer c.wg.Done()

	c.mu.Lock()
	ctx := c.loopCtx
	c.mu.Unlock()

	if err := sleepContext(ctx, c.cfg.SpawnStagger); err != nil {
		return
	}
	if err := c.startWorker(ctx, index); err != nil {
		c.logger.Errorf("Restart of worker %d failed: %v", index, err)
		return
	}
	c.logger.Infof("Worker %d restarted", index)
}

func (c *Coordinator) healthLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckHealth(ctx)
		}
	}
}

// CheckHealth sends one HEALTH_CHECK to every online worker, then kills
// workers whose last heartbeat is older than the stale threshold. Their
// exit triggers the restart.
func (c *Coordinator) CheckHealth(ctx context.Context) {
	workers := c.onlineWorkers()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := c.request(ctx, w, TypeHealthCheck, c.cfg.HealthTimeout)
			switch {
			case err != nil:
				c.logger.Warnf("Worker %d health check: %v", w.index, err)
				w.report(false, nil)
			case ack.Error != "":
				c.logger.Warnf("Worker %d reports unhealthy: %s", w.index, ack.Error)
				w.report(false, ack.Detail)
			default:
				w.report(true, ack.Detail)
			}
		}()
	}
	wg.Wait()

	now := c.now()
	for _, w := range workers {
		if age := now.Sub(w.lastBeat()); age > c.cfg.StaleAfter {
			c.kill(w, fmt.Sprintf("stale for %s", age.Round(time.Millisecond)))
		}
	}
}

func (c *Coordinator) request(ctx context.Context, w *worker, t MessageType, timeout time.Duration) (Message, error) {
	req := NewRequest(t, w.index)
	ch := w.expect(req.ID)
	defer w.forget(req.ID)

	if err := w.proc.Conn().Send(req); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			return Message{}, ErrWorkerExited
		}
		return msg, nil
	case <-timer.C:
		return Message{}, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, t, timeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *Coordinator) kill(w *worker, reason string) {
	c.logger.Warnf("Killing worker %d: %s", w.index, reason)
	if err := w.proc.Kill(); err != nil {
		c.logger.Warnf("Kill worker %d: %v", w.index, err)
	}
}

// Shutdown disables restarts and asks every worker to stop, killing those
// still running after the shutdown grace.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil
	}
	c.shuttingDown = true
	cancel := c.cancel
	workers := c.snapshot()
	c.mu.Unlock()

	c.logger.Infof("Shutting down %d workers", len(workers))
	if cancel != nil {
		cancel()
	}

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error { return c.stopWorker(ctx, w) })
	}
	err := g.Wait()
	c.wg.Wait()

	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	c.logger.Info("All workers stopped")
	return nil
}

func (c *Coordinator) stopWorker(ctx context.Context, w *worker) error {
	grace := time.NewTimer(c.cfg.ShutdownGrace)
	defer grace.Stop()

	req := NewRequest(TypeShutdown, w.index)
	acks := w.expect(req.ID)
	defer w.forget(req.ID)
	if err := w.proc.Conn().Send(req); err != nil {
		c.logger.Warnf("Send shutdown to worker %d: %v", w.index, err)
	}

	for {
		select {
		case <-w.exited:
			return nil
		case ack, ok := <-acks:
			acks = nil
			if ok && ack.Error != "" {
				c.logger.Warnf("Worker %d stopped with error: %s", w.index, ack.Error)
			}
		case <-grace.C:
			c.kill(w, "shutdown grace elapsed")
			return c.awaitExit(ctx, w)
		case <-ctx.Done():
			c.kill(w, "shutdown deadline")
			return ctx.Err()
		}
	}
}

func (c *Coordinator) awaitExit(ctx context.Context, w *worker) error {
	select {
	case <-w.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker %d did not exit: %w", w.index, ctx.Err())
	}
}

// Emergency kills every worker at once, hands crash diagnostics to a
// background flush and exits with status 1 after the emergency delay.
func (c *Coordinator) Emergency(cause any) {
	c.mu.Lock()
	c.shuttingDown = true
	cancel := c.cancel
	workers := c.snapshot()
	failures := make(map[string]int, len(c.failures))
	for i, n := range c.failures {
		failures[fmt.Sprint(i)] = n
	}
	c.mu.Unlock()

	c.logger.Errorf("Emergency shutdown: %v", cause)
	if cancel != nil {
		cancel()
	}
	for _, w := range workers {
		c.kill(w, "emergency")
	}

	if c.crash != nil {
		c.crash.Record(faulttolerance.CrashReport{
			Reason: fmt.Sprint(cause),
			Metadata: map[string]any{
				"stack":    string(debug.Stack()),
				"workers":  len(workers),
				"failures": failures,
			},
		})
		c.crash.FlushAsync(c.cfg.EmergencyExitDelay)
	}

	time.Sleep(c.cfg.EmergencyExitDelay)
	c.exit(1)
}

// Recover is deferred by the coordinator's goroutines; a panic becomes an
// emergency shutdown.
func (c *Coordinator) Recover() {
	if r := recover(); r != nil {
		c.Emergency(r)
	}
}

// RecoverDiagnostics logs crash reports left by earlier runs.
func (c *Coordinator) RecoverDiagnostics() []faulttolerance.CrashReport {
	if c.crash == nil {
		return nil
	}
	reports, err := c.crash.RecoverReports(crashReportMaxAge)
	if err != nil {
		c.logger.Warnf("Recover crash reports: %v", err)
		return nil
	}
	for _, r := range reports {
		c.logger.WithFields(logrus.Fields{"pid": r.PID, "at": r.Timestamp}).Warnf("Previous run crashed: %s", r.Reason)
	}
	c.logger.WithFields(c.crash.GetStats()).Debugf("Recovered %d crash reports", len(reports))
	return reports
}

// WorkerStatus describes one worker slot.
type WorkerStatus struct {
	Index         int       `json:"index"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	Online        bool      `json:"online"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Healthy is the outcome of the latest health check; false until one
	// has answered.
	Healthy  bool           `json:"healthy"`
	Failures int            `json:"failures"`
	Detail   map[string]any `json:"detail,omitempty"`
}

func (c *Coordinator) Workers() []WorkerStatus {
	c.mu.Lock()
	out := make([]WorkerStatus, 0, len(c.workers))
	for i, w := range c.workers {
		healthy, detail := w.health()
		out = append(out, WorkerStatus{
			Index:         i,
			PID:           w.proc.PID(),
			StartedAt:     w.startedAt,
			Online:        w.isOnline(),
			LastHeartbeat: w.lastBeat(),
			Healthy:       healthy,
			Failures:      c.failures[i],
			Detail:        detail,
		})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Failures is how many times worker index has died.
func (c *Coordinator) Failures(index int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[index]
}

func (c *Coordinator) onlineWorkers() []*worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*worker
	for _, w := range c.snapshot() {
		if w.isOnline() {
			out = append(out, w)
		}
	}
	return out
}

// snapshot requires c.mu.
func (c *Coordinator) snapshot() []*worker {
	out := make([]*worker, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

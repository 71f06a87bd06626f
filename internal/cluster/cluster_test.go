package cluster

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/navid-fn/dexmatch/pkg/faulttolerance"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errKilled = errors.New("killed")

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type behavior int

const (
	cooperative behavior = iota
	// silent never announces itself.
	silent
	// deaf comes online, then reads and ignores every request.
	deaf
)

// inProcess is a worker running as goroutines behind io.Pipe pairs.
type inProcess struct {
	pid        int
	conn       *Conn
	workerConn *Conn

	done chan struct{}
	once sync.Once
	err  error
}

func (p *inProcess) PID() int    { return p.pid }
func (p *inProcess) Conn() *Conn { return p.conn }

func (p *inProcess) Wait() error {
	<-p.done
	p.conn.Close()
	return p.err
}

func (p *inProcess) Kill() error {
	p.exit(errKilled)
	return nil
}

func (p *inProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		p.workerConn.Close()
		close(p.done)
	})
}

func (p *inProcess) exitErr() error {
	<-p.done
	return p.err
}

type fakeSpawner struct {
	mu       sync.Mutex
	pids     atomic.Int32
	procs    map[int][]*inProcess
	behavior func(index, generation int) behavior
}

func newSpawner(b func(index, generation int) behavior) *fakeSpawner {
	if b == nil {
		b = func(int, int) behavior { return cooperative }
	}
	return &fakeSpawner{procs: make(map[int][]*inProcess), behavior: b}
}

func (s *fakeSpawner) Spawn(ctx context.Context, index, count int) (Process, error) {
	coordR, workerW := io.Pipe()
	workerR, coordW := io.Pipe()
	p := &inProcess{
		pid:        int(s.pids.Add(1)) + 1000,
		conn:       NewConn(coordR, coordW),
		workerConn: NewConn(workerR, workerW),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	generation := len(s.procs[index])
	s.procs[index] = append(s.procs[index], p)
	s.mu.Unlock()

	go s.run(p, index, s.behavior(index, generation))
	return p, nil
}

func (s *fakeSpawner) run(p *inProcess, index int, b behavior) {
	switch b {
	case silent:
		<-p.done
		return
	case deaf:
		if err := p.workerConn.Send(Message{Type: TypeOnline, Worker: index}); err != nil {
			return
		}
		for {
			if _, err := p.workerConn.Receive(); err != nil {
				return
			}
		}
	}

	agent := NewAgent(p.workerConn, index, quietLogger())
	agent.Health = func(context.Context) (map[string]any, error) {
		return map[string]any{"contracts": 2}, nil
	}
	if err := agent.Online(); err != nil {
		return
	}
	req, err := agent.Serve(context.Background())
	if err != nil {
		p.exit(err)
		return
	}
	_ = agent.AckShutdown(req, nil)
	p.exit(nil)
}

func (s *fakeSpawner) spawned(index int) []*inProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*inProcess(nil), s.procs[index]...)
}

type recordingRaiser struct {
	mu     sync.Mutex
	raised []string
}

func (r *recordingRaiser) Raise(_ context.Context, alertType string, _ models.Severity, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised = append(r.raised, alertType)
	return nil
}

func (r *recordingRaiser) count(alertType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.raised {
		if a == alertType {
			n++
		}
	}
	return n
}

func testConfig(workers int) configs.ClusterConfig {
	return configs.ClusterConfig{
		Workers:            workers,
		SpawnStagger:       time.Millisecond,
		StartupTimeout:     time.Second,
		HealthInterval:     time.Hour,
		HealthTimeout:      100 * time.Millisecond,
		StaleAfter:         time.Minute,
		ShutdownGrace:      time.Second,
		EmergencyExitDelay: 10 * time.Millisecond,
		RestartOnExit:      true,
	}
}

func newCoordinator(t *testing.T, cfg configs.ClusterConfig, spawner Spawner) (*Coordinator, *recordingRaiser) {
	t.Helper()
	raiser := &recordingRaiser{}
	c := New(cfg, Deps{Spawner: spawner, Alerts: raiser, Logger: quietLogger()})
	c.exit = func(int) { t.Error("unexpected process exit") }
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, raiser
}

func TestStartThenGracefulShutdown(t *testing.T) {
	spawner := newSpawner(nil)
	c, _ := newCoordinator(t, testConfig(3), spawner)

	require.NoError(t, c.Start(context.Background()))

	workers := c.Workers()
	require.Len(t, workers, 3)
	for i, w := range workers {
		assert.Equal(t, i, w.Index)
		assert.True(t, w.Online)
	}

	assert.False(t, workers[0].Healthy, "unknown until checked")
	c.CheckHealth(context.Background())
	checked := c.Workers()[0]
	assert.True(t, checked.Healthy)
	assert.Equal(t, map[string]any{"contracts": float64(2)}, checked.Detail)

	require.NoError(t, c.Shutdown(context.Background()))
	for i := 0; i < 3; i++ {
		procs := spawner.spawned(i)
		require.Len(t, procs, 1, "no restarts during shutdown")
		assert.NoError(t, procs[0].exitErr(), "worker %d exited on its own", i)
		assert.Zero(t, c.Failures(i))
	}
	assert.Empty(t, c.Workers())
}

func TestWorkerRestartsAfterDeath(t *testing.T) {
	spawner := newSpawner(nil)
	c, raiser := newCoordinator(t, testConfig(2), spawner)
	require.NoError(t, c.Start(context.Background()))

	first := spawner.spawned(1)[0]
	first.exit(errors.New("segfault"))

	require.Eventually(t, func() bool {
		procs := spawner.spawned(1)
		if len(procs) != 2 {
			return false
		}
		for _, w := range c.Workers() {
			if w.Index == 1 {
				return w.Online && w.PID == procs[1].PID()
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, c.Failures(1), "one death, one count")
	assert.Zero(t, c.Failures(0))
	assert.Len(t, spawner.spawned(0), 1)
	assert.Equal(t, 1, raiser.count(models.AlertWorkerFailed))
}

func TestRestartDisabled(t *testing.T) {
	cfg := testConfig(1)
	cfg.RestartOnExit = false
	spawner := newSpawner(nil)
	c, _ := newCoordinator(t, cfg, spawner)
	require.NoError(t, c.Start(context.Background()))

	spawner.spawned(0)[0].exit(errors.New("crash"))

	require.Eventually(t, func() bool { return c.Failures(0) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, spawner.spawned(0), 1)
	assert.Empty(t, c.Workers())
}

func TestStartupTimeoutFailsStart(t *testing.T) {
	cfg := testConfig(2)
	cfg.StartupTimeout = 30 * time.Millisecond
	spawner := newSpawner(func(index, _ int) behavior {
		if index == 1 {
			return silent
		}
		return cooperative
	})
	c, _ := newCoordinator(t, cfg, spawner)

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrWorkerStartup)

	procs := spawner.spawned(1)
	require.Len(t, procs, 1)
	assert.ErrorIs(t, procs[0].exitErr(), errKilled)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, spawner.spawned(1), 1, "startup failures are not restarted")
}

func TestStaleWorkerIsKilledAndReplaced(t *testing.T) {
	cfg := testConfig(1)
	cfg.HealthTimeout = 10 * time.Millisecond
	cfg.StaleAfter = 30 * time.Millisecond
	spawner := newSpawner(func(_, generation int) behavior {
		if generation == 0 {
			return deaf
		}
		return cooperative
	})
	c, _ := newCoordinator(t, cfg, spawner)
	require.NoError(t, c.Start(context.Background()))

	time.Sleep(40 * time.Millisecond)
	c.CheckHealth(context.Background())

	assert.ErrorIs(t, spawner.spawned(0)[0].exitErr(), errKilled)
	require.Eventually(t, func() bool {
		w := c.Workers()
		return len(spawner.spawned(0)) == 2 && len(w) == 1 && w[0].Online
	}, 2*time.Second, 5*time.Millisecond)

	c.CheckHealth(context.Background())
	assert.Len(t, spawner.spawned(0), 2, "a responsive worker is left alone")
}

func TestShutdownKillsStragglers(t *testing.T) {
	cfg := testConfig(2)
	cfg.ShutdownGrace = 30 * time.Millisecond
	spawner := newSpawner(func(index, _ int) behavior {
		if index == 0 {
			return deaf
		}
		return cooperative
	})
	c, _ := newCoordinator(t, cfg, spawner)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Shutdown(context.Background()))
	assert.ErrorIs(t, spawner.spawned(0)[0].exitErr(), errKilled)
	assert.NoError(t, spawner.spawned(1)[0].exitErr())
}

func TestEmergencyKillsWorkersAndPersistsDiagnostics(t *testing.T) {
	dir := t.TempDir()
	crash, err := faulttolerance.NewPersistenceManager(dir, quietLogger())
	require.NoError(t, err)

	spawner := newSpawner(nil)
	c := New(testConfig(2), Deps{Spawner: spawner, Crash: crash, Logger: quietLogger()})
	exitCode := make(chan int, 1)
	c.exit = func(code int) { exitCode <- code }
	require.NoError(t, c.Start(context.Background()))

	func() {
		defer c.Recover()
		panic("coordinator bug")
	}()

	select {
	case code := <-exitCode:
		assert.Equal(t, 1, code)
	case <-time.After(time.Second):
		t.Fatal("emergency did not exit")
	}
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, spawner.spawned(i)[0].exitErr(), errKilled)
	}

	next, err := faulttolerance.NewPersistenceManager(dir, quietLogger())
	require.NoError(t, err)
	var reports []faulttolerance.CrashReport
	require.Eventually(t, func() bool {
		reports, err = next.RecoverReports(time.Hour)
		return err == nil && len(reports) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "coordinator bug", reports[0].Reason)

	restarted := New(testConfig(1), Deps{Spawner: newSpawner(nil), Crash: crash, Logger: quietLogger()})
	assert.Empty(t, restarted.RecoverDiagnostics(), "reports are surfaced once")
}

func TestAgentProtocol(t *testing.T) {
	coordR, workerW := io.Pipe()
	workerR, coordW := io.Pipe()
	coord := NewConn(coordR, coordW)
	agent := NewAgent(NewConn(workerR, workerW), 4, quietLogger())
	agent.Health = func(context.Context) (map[string]any, error) {
		return nil, errors.New("rpc pool exhausted")
	}

	served := make(chan Message, 1)
	go func() {
		assert.NoError(t, agent.Online())
		req, err := agent.Serve(context.Background())
		if err == nil {
			served <- req
		}
	}()

	online, err := coord.Receive()
	require.NoError(t, err)
	assert.Equal(t, TypeOnline, online.Type)
	assert.Equal(t, 4, online.Worker)

	check := NewRequest(TypeHealthCheck, 4)
	require.NoError(t, coord.Send(check))
	ack, err := coord.Receive()
	require.NoError(t, err)
	assert.Equal(t, TypeHealthAck, ack.Type)
	assert.Equal(t, check.ID, ack.ID)
	assert.Equal(t, "rpc pool exhausted", ack.Error)

	shutdown := NewRequest(TypeShutdown, 4)
	require.NoError(t, coord.Send(shutdown))
	select {
	case req := <-served:
		assert.Equal(t, shutdown.ID, req.ID)
	case <-time.After(time.Second):
		t.Fatal("agent did not return the shutdown request")
	}
	require.NoError(t, coord.Close())
}

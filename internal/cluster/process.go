package cluster

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Process is a running worker as seen by the coordinator.
type Process interface {
	PID() int
	Conn() *Conn

	// Wait blocks until the worker exits.
	Wait() error
	Kill() error
}

// Spawner starts worker index out of count.
type Spawner interface {
	Spawn(ctx context.Context, index, count int) (Process, error)
}

// ExecSpawner re-executes a binary as `<binary> worker --index i --count n`
// with the control channel on descriptors 3 and 4.
type ExecSpawner struct {
	Binary string

	// Args precede the worker subcommand, e.g. global flags.
	Args   []string
	Env    []string
	Logger logrus.FieldLogger
}

// NewExecSpawner spawns workers from the running executable.
func NewExecSpawner(logger logrus.FieldLogger) (*ExecSpawner, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecSpawner{Binary: self, Env: os.Environ(), Logger: logger}, nil
}

func (s *ExecSpawner) Spawn(ctx context.Context, index, count int) (Process, error) {
	toWorker, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("control pipe: %w", err)
	}
	fromWorker, fromWorkerW, err := os.Pipe()
	if err != nil {
		toWorker.Close()
		toWorkerW.Close()
		return nil, fmt.Errorf("control pipe: %w", err)
	}

	args := append(append([]string{}, s.Args...), "worker",
		"--index", strconv.Itoa(index),
		"--count", strconv.Itoa(count))
	cmd := exec.Command(s.Binary, args...)
	cmd.Env = s.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{toWorker, fromWorkerW}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{toWorker, toWorkerW, fromWorker, fromWorkerW} {
			f.Close()
		}
		return nil, fmt.Errorf("start worker %d: %w", index, err)
	}
	// The child holds its own copies.
	toWorker.Close()
	fromWorkerW.Close()

	s.Logger.Debugf("Spawned worker %d as pid %d", index, cmd.Process.Pid)
	return &execProcess{cmd: cmd, conn: NewConn(fromWorker, toWorkerW)}, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	conn *Conn
}

func (p *execProcess) PID() int    { return p.cmd.Process.Pid }
func (p *execProcess) Conn() *Conn { return p.conn }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.conn.Close()
	return err
}

func (p *execProcess) Kill() error {
	if p.cmd.ProcessState != nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

package player

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/snapetech/xtreamplay/internal/procgroup"
)

// Spec describes one child process. Stdout is always discarded. Stderr is discarded
// unless a writer is supplied; exec copies into it and Wait returns only after the copy
// finishes.
type Spec struct {
	Program string
	Args    []string
	Stderr  io.Writer
}

// Process is a started child. Wait may be called from several goroutines.
type Process interface {
	Pid() int
	Wait() error
	// Kill stops the whole process group and returns once it has exited.
	Kill() error
}

// Spawner starts processes. Spawn must not wait for the child.
type Spawner interface {
	Spawn(spec Spec) (Process, error)
}

// ExecSpawner starts real processes in their own process group.
type ExecSpawner struct {
	// KillGrace is how long Kill waits after SIGTERM before SIGKILL. Zero means 2s.
	KillGrace time.Duration
}

func (s ExecSpawner) Spawn(spec Spec) (Process, error) {
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Stdout = nil
	cmd.Stderr = spec.Stderr
	procgroup.Set(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Program, err)
	}
	grace := s.KillGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	p := &execProcess{cmd: cmd, grace: grace, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	grace time.Duration
	done  chan struct{}
	err   error
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill() error {
	return procgroup.Terminate(p.cmd, p.done, p.grace)
}

// Runner runs a short-lived command to completion and returns its output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs name with exec.CommandContext and returns combined stdout and stderr;
// several players print their help text to stderr.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	procgroup.Set(cmd)
	cmd.Cancel = func() error { return procgroup.Kill(cmd, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, err
}

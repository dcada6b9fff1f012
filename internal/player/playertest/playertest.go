// Package playertest provides a scriptable player.Spawner for tests.
package playertest

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/snapetech/xtreamplay/internal/player"
)

// Script is how one spawned process behaves.
type Script struct {
	// SpawnErr fails the Spawn call itself.
	SpawnErr error
	// Run is called on the process goroutine before any output.
	Run func()
	// Lines are written to Spec.Stderr, one per line, when a writer was supplied.
	Lines []string
	// Hold keeps the process alive until Kill.
	Hold bool
	// ExitErr is returned from Wait.
	ExitErr error
}

// Spawner records every Spec and plays back Plan. The zero value spawns processes that
// exit cleanly at once.
type Spawner struct {
	Plan func(n int, spec player.Spec) Script

	mu    sync.Mutex
	specs []player.Spec
	procs []*Process
}

// ErrKilled is what Wait returns for a process stopped by Kill.
var ErrKilled = errors.New("signal: killed")

var nextPid atomic.Int32

func (s *Spawner) Spawn(spec player.Spec) (player.Process, error) {
	s.mu.Lock()
	n := len(s.specs)
	s.specs = append(s.specs, spec)
	s.mu.Unlock()

	var sc Script
	if s.Plan != nil {
		sc = s.Plan(n, spec)
	}
	if sc.SpawnErr != nil {
		return nil, sc.SpawnErr
	}
	p := &Process{
		pid:    int(nextPid.Add(1)) + 1000,
		Spec:   spec,
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	go p.run(sc)
	return p, nil
}

// Specs returns every Spec passed to Spawn, including failed ones.
func (s *Spawner) Specs() []player.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]player.Spec(nil), s.specs...)
}

// Count returns how many spawns targeted program.
func (s *Spawner) Count(program string) int {
	n := 0
	for _, sp := range s.Specs() {
		if sp.Program == program {
			n++
		}
	}
	return n
}

// Procs returns the successfully started processes.
func (s *Spawner) Procs() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Process is a fake child.
type Process struct {
	Spec player.Spec

	pid      int
	killOnce sync.Once
	killed   chan struct{}
	done     chan struct{}
	err      error
	wasKill  atomic.Bool
}

func (p *Process) run(sc Script) {
	defer close(p.done)
	if sc.Run != nil {
		sc.Run()
	}
	if p.Spec.Stderr != nil {
		for _, l := range sc.Lines {
			select {
			case <-p.killed:
				p.err = ErrKilled
				return
			default:
			}
			if _, err := io.WriteString(p.Spec.Stderr, l+"\n"); err != nil {
				break
			}
		}
	}
	if sc.Hold {
		<-p.killed
		p.err = ErrKilled
		return
	}
	p.err = sc.ExitErr
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) Kill() error {
	p.killOnce.Do(func() {
		p.wasKill.Store(true)
		close(p.killed)
	})
	<-p.done
	return nil
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool { return p.wasKill.Load() }

// Exited reports whether the process has finished.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

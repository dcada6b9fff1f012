package player

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestHelperProcess is re-executed as a fake player by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("XTREAMPLAY_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	switch args[1] {
	case "exit":
		code, _ := strconv.Atoi(args[2])
		os.Exit(code)
	case "stderr":
		for _, line := range args[2:] {
			fmt.Fprintln(os.Stderr, line)
		}
		os.Exit(0)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func helperSpec(t *testing.T, args ...string) Spec {
	t.Helper()
	t.Setenv("XTREAMPLAY_HELPER_PROCESS", "1")
	return Spec{Program: os.Args[0], Args: append([]string{"-test.run=^TestHelperProcess$", "--"}, args...)}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestExecSpawner_exitCode(t *testing.T) {
	p, err := ExecSpawner{}.Spawn(helperSpec(t, "exit", "3"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Pid() <= 0 {
		t.Errorf("pid = %d", p.Pid())
	}
	if err := p.Wait(); err == nil {
		t.Fatal("want non-nil error for exit 3")
	}
	// Wait is repeatable.
	if err := p.Wait(); err == nil {
		t.Fatal("second Wait lost the error")
	}
}

func TestExecSpawner_stderrCaptured(t *testing.T) {
	var buf syncBuffer
	spec := helperSpec(t, "stderr", "buffering 10%", "too late to display")
	spec.Stderr = &buf
	p, err := ExecSpawner{}.Spawn(spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "buffering 10%") || !strings.Contains(out, "too late to display") {
		t.Errorf("stderr = %q", out)
	}
}

func TestExecSpawner_kill(t *testing.T) {
	p, err := ExecSpawner{KillGrace: 500 * time.Millisecond}.Spawn(helperSpec(t, "sleep"))
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := p.Wait(); err == nil {
		t.Error("killed process should report an error")
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("kill took %s", d)
	}
	if err := p.Kill(); err != nil {
		t.Errorf("second Kill: %v", err)
	}
}

func TestExecSpawner_missingBinary(t *testing.T) {
	if _, err := (ExecSpawner{}).Spawn(Spec{Program: "/nonexistent/xtreamplay-no-such-player"}); err == nil {
		t.Fatal("expected start error")
	}
}

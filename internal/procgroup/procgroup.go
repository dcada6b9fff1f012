// Package procgroup starts children in their own process group so a player and any
// helpers it forks can be stopped together.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	xlog "github.com/snapetech/xtreamplay/internal/log"
)

var terminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "xtreamplay_proc_terminate_total",
	Help: "Signals sent to player process groups, by signal and outcome.",
}, []string{"signal", "result"})

// ErrKillFailed means the group was still alive after SIGKILL and a further grace period.
var ErrKillFailed = errors.New("process group did not exit after SIGKILL")

// Terminate sends SIGTERM to the group and waits up to grace for exited to close, then
// sends SIGKILL and waits once more. The caller owns cmd.Wait and closes exited when it
// returns. Safe on a nil or unstarted cmd.
func Terminate(cmd *exec.Cmd, exited <-chan struct{}, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}
	record("SIGTERM", Kill(cmd, syscall.SIGTERM))

	select {
	case <-exited:
		return nil
	case <-time.After(grace):
	}

	logger := xlog.WithComponent("procgroup")
	logger.Debug().Int("pid", cmd.Process.Pid).Dur("grace", grace).Msg("grace exceeded, sending SIGKILL to process group")
	err := Kill(cmd, syscall.SIGKILL)
	record("SIGKILL", err)
	if err != nil {
		return err
	}
	select {
	case <-exited:
		return nil
	case <-time.After(grace):
		return ErrKillFailed
	}
}

func record(sig string, err error) {
	switch {
	case err == nil:
		terminateTotal.WithLabelValues(sig, "sent").Inc()
	case errors.Is(err, syscall.ESRCH), errors.Is(err, errProcessDone):
		terminateTotal.WithLabelValues(sig, "gone").Inc()
	default:
		terminateTotal.WithLabelValues(sig, "error").Inc()
	}
}

package player

import (
	"context"
	"runtime"
	"time"

	xlog "github.com/snapetech/xtreamplay/internal/log"
)

// ReuseChannel hands a URL to an already running player instead of starting a new one.
type ReuseChannel interface {
	// TryReuse reports whether a running instance accepted url.
	TryReuse(ctx context.Context, url string) bool
}

// NoReuse never reuses. Used on platforms without a scripting bridge.
type NoReuse struct{}

func (NoReuse) TryReuse(context.Context, string) bool { return false }

// NewReuseChannel picks the implementation for goos. run nil means ExecRunner.
func NewReuseChannel(goos string, run Runner) ReuseChannel {
	if run == nil {
		run = ExecRunner
	}
	if goos == "darwin" {
		return &macVLCReuse{run: run, timeout: 5 * time.Second}
	}
	return NoReuse{}
}

// DefaultReuseChannel is NewReuseChannel for the running OS.
func DefaultReuseChannel() ReuseChannel {
	return NewReuseChannel(runtime.GOOS, nil)
}

// macVLCReuse uses LaunchServices: if a VLC process is running, "open -a VLC <url>"
// queues the URL in that instance.
type macVLCReuse struct {
	run     Runner
	timeout time.Duration
}

func (m *macVLCReuse) TryReuse(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if _, err := m.run(ctx, "pgrep", "-x", "VLC"); err != nil {
		return false
	}
	if _, err := m.run(ctx, "open", "-a", "VLC", url); err != nil {
		logger := xlog.WithComponent("player")
		logger.Debug().Err(err).Msg("open -a VLC failed")
		return false
	}
	return true
}

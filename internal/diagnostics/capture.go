package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/snapetech/xtreamplay/internal/config"
	"github.com/snapetech/xtreamplay/internal/events"
	xlog "github.com/snapetech/xtreamplay/internal/log"
	"github.com/snapetech/xtreamplay/internal/player"
)

const (
	CaptureWindow = 8 * time.Second
	CaptureLimit  = 64 << 10
)

// cappedBuffer keeps the first limit bytes and silently drops the rest, so the child
// never blocks on a full pipe.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// Capture runs the diagnostic player against url for window (CaptureWindow when zero),
// kills it, and emits DiagnosticsCaptured with up to CaptureLimit bytes of stderr. It
// blocks; callers run it on their own goroutine.
func Capture(ctx context.Context, o Options, cfg config.PlayerConfig, url string, window time.Duration) (string, error) {
	o.defaults()
	if window <= 0 {
		window = CaptureWindow
	}
	out := &cappedBuffer{limit: CaptureLimit}
	proc, err := o.Spawner.Spawn(player.Spec{
		Program: cfg.VLCPath,
		Args:    player.DiagnosticVLCArgs(cfg, player.Classify(url), url),
		Stderr:  out,
	})
	if err != nil {
		return "", fmt.Errorf("start diagnostic capture: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(exited)
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = proc.Kill()
	<-exited

	text := out.String()
	logger := xlog.WithComponent("diagnostics")
	logger.Debug().
		Str("session", o.Session).
		Int("bytes", len(text)).
		Bool("truncated", out.Truncated()).
		Msg("startup diagnostics captured")
	o.Sink.Emit(events.Event{
		Kind:    events.DiagnosticsCaptured,
		Session: o.Session,
		Player:  string(player.VLC),
		Output:  text,
	})
	return text, ctx.Err()
}

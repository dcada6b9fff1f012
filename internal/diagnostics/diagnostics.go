// Package diagnostics runs a headless VLC next to the real player, watches its
// verbose stderr for buffering, and proposes caching bounds for the next session.
// Nothing here changes the running session or the stored config.
package diagnostics

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snapetech/xtreamplay/internal/config"
	"github.com/snapetech/xtreamplay/internal/events"
	xlog "github.com/snapetech/xtreamplay/internal/log"
	"github.com/snapetech/xtreamplay/internal/player"
)

const (
	BatchSize          = 10
	BufferingThreshold = 5
	CalmPeriod         = 60 * time.Second

	lowCPUThrottle = 120 * time.Millisecond
	throttle       = 30 * time.Millisecond
)

var markers = []string{"buffering", "too late"}

var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtreamplay_diagnostics_batches_total",
		Help: "Stderr batches analysed by the live diagnostics monitor.",
	})
	bufferingLinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtreamplay_diagnostics_buffering_lines_total",
		Help: "Diagnostic player stderr lines carrying a buffering marker.",
	})
	suggestionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtreamplay_diagnostics_suggestions_total",
		Help: "Caching suggestions emitted, by direction.",
	}, []string{"direction"})
)

// IsBufferingLine reports whether a VLC log line signals starvation.
func IsBufferingLine(line string) bool {
	l := strings.ToLower(line)
	for _, m := range markers {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

// Suggest turns the counters so far into new caching upper bounds relative to cfg, or
// nil when there is nothing to change. More than BufferingThreshold events raises
// network by 1000 and live by 500; a clean run longer than CalmPeriod lowers them by
// 500 and 250, never below zero. File caching is carried over unchanged.
func Suggest(cfg config.PlayerConfig, buffering int, elapsed time.Duration) *events.Suggestion {
	switch {
	case buffering > BufferingThreshold:
		return &events.Suggestion{
			NetworkMS: satAdd(cfg.NetworkCachingMS, 1000),
			LiveMS:    satAdd(cfg.LiveCachingMS, 500),
			FileMS:    cfg.FileCachingMS,
		}
	case buffering == 0 && elapsed > CalmPeriod:
		return &events.Suggestion{
			NetworkMS: satSub(cfg.NetworkCachingMS, 500),
			LiveMS:    satSub(cfg.LiveCachingMS, 250),
			FileMS:    cfg.FileCachingMS,
		}
	}
	return nil
}

func satAdd(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}

func satSub(a, b uint32) uint32 {
	if a < b {
		return 0
	}
	return a - b
}

// Options wires a monitor or capture to its collaborators.
type Options struct {
	Spawner player.Spawner
	Sink    events.Sink
	Session string
	// Now defaults to time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Spawner == nil {
		o.Spawner = player.ExecSpawner{}
	}
	if o.Sink == nil {
		o.Sink = events.Discard
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Handle controls a running monitor.
type Handle struct {
	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Stop asks the monitor to end. The diagnostic player is killed and a
// DiagnosticsStopped event follows. Safe to call more than once.
func (h *Handle) Stop() {
	h.once.Do(func() {
		h.stopped.Store(true)
		h.cancel()
	})
}

// Done closes after the monitor has emitted DiagnosticsStopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Start spawns the diagnostic player for url and returns at once. The monitor also
// stops when ctx ends or the player exits.
func Start(ctx context.Context, o Options, cfg config.PlayerConfig, url string) (*Handle, error) {
	o.defaults()
	st := player.Classify(url)
	pr, pw := io.Pipe()
	proc, err := o.Spawner.Spawn(player.Spec{
		Program: cfg.VLCPath,
		Args:    player.DiagnosticVLCArgs(cfg, st, url),
		Stderr:  pw,
	})
	if err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start diagnostic player: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	m := &monitor{
		opts:    o,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(throttleFor(cfg)), 1),
		logger:  xlog.WithComponent("diagnostics"),
	}

	exited := make(chan struct{})
	go func() {
		_ = proc.Wait()
		_ = pw.Close()
		close(exited)
	}()
	go func() {
		select {
		case <-ctx.Done():
			h.stopped.Store(true)
			_ = proc.Kill()
		case <-exited:
		}
	}()
	go func() {
		defer close(h.done)
		m.run(ctx, h, pr)
		cancel()
		_ = pr.Close()
		_ = proc.Kill()
		<-exited
		o.Sink.Emit(events.Event{Kind: events.DiagnosticsStopped, Session: o.Session, Player: string(player.VLC)})
	}()
	m.logger.Info().Str("session", o.Session).Int("pid", proc.Pid()).Msg("live diagnostics started")
	return h, nil
}

func throttleFor(cfg config.PlayerConfig) time.Duration {
	if cfg.LowCPUMode {
		return lowCPUThrottle
	}
	return throttle
}

type monitor struct {
	opts    Options
	cfg     config.PlayerConfig
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func (m *monitor) run(ctx context.Context, h *Handle, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	start := m.opts.Now()
	buffering := 0
	batch := make([]string, 0, BatchSize)
	for {
		if h.stopped.Load() {
			return
		}
		if !sc.Scan() {
			return
		}
		line := sc.Text()
		if IsBufferingLine(line) {
			buffering++
			bufferingLinesTotal.Inc()
		}
		batch = append(batch, line)
		if len(batch) < BatchSize {
			continue
		}

		sugg := Suggest(m.cfg, buffering, m.opts.Now().Sub(start))
		batchesTotal.Inc()
		if sugg != nil {
			dir := "lower"
			if sugg.NetworkMS > m.cfg.NetworkCachingMS {
				dir = "raise"
			}
			suggestionsTotal.WithLabelValues(dir).Inc()
		}
		m.opts.Sink.Emit(events.Event{
			Kind:       events.DiagnosticsUpdate,
			Session:    m.opts.Session,
			Player:     string(player.VLC),
			Lines:      batch,
			Suggestion: sugg,
		})
		batch = make([]string, 0, BatchSize)
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
	}
}

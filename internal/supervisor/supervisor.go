// Package supervisor launches a player for one stream URL off the caller's goroutine,
// retries early live failures under mpv, and falls back to VLC. Every outcome is
// reported as an event; nothing here returns an error to the caller.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snapetech/xtreamplay/internal/config"
	"github.com/snapetech/xtreamplay/internal/diagnostics"
	"github.com/snapetech/xtreamplay/internal/events"
	xlog "github.com/snapetech/xtreamplay/internal/log"
	"github.com/snapetech/xtreamplay/internal/player"
	"github.com/snapetech/xtreamplay/internal/probe"
	"github.com/snapetech/xtreamplay/internal/safeurl"
)

const (
	// EarlyFailureWindow separates a stream that never started from one that played
	// and then ended. Only exits inside it are retried.
	EarlyFailureWindow = 25 * time.Second
	// RetryBudget bounds the whole retry sequence from the first attempt.
	RetryBudget = 5 * time.Minute
	// MaxNetworkCachingMS is the ceiling applied to network caching for every player.
	MaxNetworkCachingMS = player.MaxNetworkCachingMS

	stderrKeep = 16 << 10
	stderrLog  = 4096
)

// ErrURLFiltered is reported when capability filtering removed the stream URL from the
// mpv argument list.
var ErrURLFiltered = errors.New("stream URL missing from filtered mpv arguments")

type State string

const (
	Idle        State = "idle"
	Launching   State = "launching"
	Running     State = "running"
	Exited      State = "exited"
	SpawnFailed State = "spawn_failed"
	Retrying    State = "retrying"
	FallingBack State = "falling_back"
	Done        State = "done"
)

// Clock is time as the retry loop sees it.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx ends, returning ctx.Err in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Prober is the subset of *probe.Prober the supervisor needs.
type Prober interface {
	VLCFlags(ctx context.Context, path string) probe.Caps
	MPVOptions(ctx context.Context, path string) probe.Caps
}

// Options wires a Supervisor. Zero fields get the real implementations.
type Options struct {
	Spawner player.Spawner
	Prober  Prober
	Reuse   player.ReuseChannel
	Sink    events.Sink
	Clock   Clock
	// CaptureWindow overrides diagnostics.CaptureWindow for diagnose_on_start.
	CaptureWindow time.Duration
}

type Supervisor struct {
	spawner       player.Spawner
	prober        Prober
	reuse         player.ReuseChannel
	sink          events.Sink
	clock         Clock
	captureWindow time.Duration
	logger        zerolog.Logger
}

func New(o Options) *Supervisor {
	s := &Supervisor{
		spawner:       o.Spawner,
		prober:        o.Prober,
		reuse:         o.Reuse,
		sink:          o.Sink,
		clock:         o.Clock,
		captureWindow: o.CaptureWindow,
		logger:        xlog.WithComponent("supervisor"),
	}
	if s.spawner == nil {
		s.spawner = player.ExecSpawner{}
	}
	if s.prober == nil {
		s.prober = probe.New(nil, 0)
	}
	if s.reuse == nil {
		s.reuse = player.DefaultReuseChannel()
	}
	if s.sink == nil {
		s.sink = events.Discard
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	return s
}

// Result summarises a finished session.
type Result struct {
	Player player.Name
	// Attempts counts mpv launches, or 1 for a direct VLC launch. A fallback VLC is
	// not counted.
	Attempts  int
	FellBack  bool
	Reused    bool
	Cancelled bool
	// Err is the last failure seen, if any.
	Err         error
	Diagnostics *diagnostics.Handle
}

// Session is one playback request. Cancel stops the mpv retry loop, kills a running
// mpv and any diagnostics player. A VLC that was already handed the stream is left alone.
type Session struct {
	ID   string
	URL  string
	Type player.StreamType

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	result Result
}

func (s *Session) Cancel() { s.cancel() }

// Done closes once the session reaches a final state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result is complete after Done is closed.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) update(fn func(*Result)) {
	s.mu.Lock()
	fn(&s.result)
	s.mu.Unlock()
}

// Start returns immediately; all probing, spawning and waiting happens on a new
// goroutine. cfg is a snapshot and is not retained past the session. The session's
// context lives until Cancel or until ctx ends, so diagnostics can outlast the launch.
func (sv *Supervisor) Start(ctx context.Context, cfg config.PlayerConfig, url string) *Session {
	cfg.Normalize()
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:     uuid.NewString(),
		URL:    url,
		Type:   player.Classify(url),
		cancel: cancel,
		done:   make(chan struct{}),
		state:  Idle,
	}
	go sv.run(ctx, s, cfg)
	return s
}

func (sv *Supervisor) emit(s *Session, e events.Event) {
	e.Session = s.ID
	sv.sink.Emit(e)
}

func (sv *Supervisor) run(ctx context.Context, s *Session, cfg config.PlayerConfig) {
	logger := sv.logger.With().Str("session", s.ID).Str("type", s.Type.String()).Logger()
	logger.Info().Str("url", safeurl.Redact(s.URL)).Bool("use_mpv", cfg.UseMPV).Msg("session start")

	defer func() {
		if ctx.Err() != nil {
			s.update(func(r *Result) { r.Cancelled = true })
		}
		s.setState(Done)
		r := s.Result()
		sv.emit(s, events.Event{Kind: events.SessionDone, Player: string(r.Player), Attempt: r.Attempts, Err: r.Err})
		logger.Info().Str("player", string(r.Player)).Int("attempts", r.Attempts).
			Bool("fallback", r.FellBack).Bool("reused", r.Reused).Bool("cancelled", r.Cancelled).
			Msg("session done")
		close(s.done)
	}()

	if cfg.UseMPV {
		sv.runMPV(ctx, s, cfg, logger)
		return
	}
	sv.launchVLC(ctx, s, cfg, true, logger)
}

// launchVLC spawns VLC detached and reaps it in the background. primary enables the
// reuse channel and diagnostics; the fallback path uses neither.
func (sv *Supervisor) launchVLC(ctx context.Context, s *Session, cfg config.PlayerConfig, primary bool, logger zerolog.Logger) {
	s.update(func(r *Result) { r.Player = player.VLC })

	if primary && cfg.ReuseVLC && sv.reuse.TryReuse(ctx, s.URL) {
		reuseTotal.Inc()
		s.update(func(r *Result) { r.Reused = true })
		sv.emit(s, events.Event{Kind: events.Reused, Player: string(player.VLC)})
		logger.Info().Msg("handed stream to running VLC")
		return
	}

	s.setState(Launching)
	pctx, cancel := probeContext(ctx, cfg)
	caps := sv.prober.VLCFlags(pctx, cfg.VLCPath)
	cancel()
	args := append(probe.FilterSupported(player.VLCArgs(cfg, s.Type), caps), s.URL)
	logger.Debug().Str("cmd", player.CommandLine(cfg.VLCPath, args)).Msg("launching vlc")

	spec := player.Spec{Program: cfg.VLCPath, Args: args}
	var stderr *tailBuffer
	if cfg.VLCVerbose {
		stderr = newTailBuffer(stderrKeep)
		spec.Stderr = stderr
	}
	proc, err := sv.spawner.Spawn(spec)
	if err != nil {
		s.setState(SpawnFailed)
		launchesTotal.WithLabelValues(string(player.VLC), "spawn_failed").Inc()
		s.update(func(r *Result) { r.Err = err })
		sv.emit(s, events.Event{Kind: events.SpawnFailed, Player: string(player.VLC), Err: err})
		logger.Warn().Err(err).Msg("vlc failed to start")
		return
	}
	launchesTotal.WithLabelValues(string(player.VLC), "started").Inc()
	if primary {
		s.update(func(r *Result) { r.Attempts = 1 })
	}
	s.setState(Running)
	sv.emit(s, events.Event{Kind: events.LaunchStarted, Player: string(player.VLC), Attempt: 1})

	started := sv.clock.Now()
	go func() {
		err := proc.Wait()
		runtime := sv.clock.Now().Sub(started)
		exitsTotal.WithLabelValues(string(player.VLC), exitReason(err, runtime)).Inc()
		sv.emit(s, events.Event{Kind: events.PlayerExited, Player: string(player.VLC), Attempt: 1, Runtime: runtime, Err: err})
		ev := logger.Debug().Err(err).Dur("runtime", runtime)
		if stderr != nil {
			ev = ev.Str("stderr", stderr.Tail(stderrLog))
		}
		ev.Msg("vlc exited")
	}()

	if !primary {
		return
	}
	dopts := diagnostics.Options{Spawner: sv.spawner, Sink: sv.sink, Session: s.ID, Now: sv.clock.Now}
	if cfg.DiagnoseOnStart {
		go func() {
			if _, err := diagnostics.Capture(ctx, dopts, cfg, s.URL, sv.captureWindow); err != nil && !errors.Is(err, context.Canceled) {
				logger.Debug().Err(err).Msg("startup diagnostics failed")
			}
		}()
	}
	if cfg.ContinuousDiagnostics && s.Type == player.Live {
		h, err := diagnostics.Start(ctx, dopts, cfg, s.URL)
		if err != nil {
			sv.emit(s, events.Event{Kind: events.Warning, Player: string(player.VLC), Err: err, Message: "live diagnostics unavailable"})
			return
		}
		s.update(func(r *Result) { r.Diagnostics = h })
	}
}

// probeContext bounds one capability probe by the session's probe_timeout.
func probeContext(ctx context.Context, cfg config.PlayerConfig) (context.Context, context.CancelFunc) {
	if cfg.ProbeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.ProbeTimeout)
}

func (sv *Supervisor) runMPV(ctx context.Context, s *Session, cfg config.PlayerConfig, logger zerolog.Logger) {
	s.update(func(r *Result) { r.Player = player.MPV })
	s.setState(Launching)

	pctx, cancel := probeContext(ctx, cfg)
	caps := sv.prober.MPVOptions(pctx, cfg.MPVPath)
	cancel()
	args := probe.FilterMPV(player.MPVArgs(cfg, s.Type, s.URL), caps)
	if !slices.Contains(args, s.URL) {
		sv.emit(s, events.Event{Kind: events.Warning, Player: string(player.MPV), Err: ErrURLFiltered})
		logger.Warn().Msg("mpv argument filter removed the URL; falling back to vlc")
		sv.fallback(ctx, s, cfg, "url_filtered", ErrURLFiltered, logger)
		return
	}

	first := sv.clock.Now()
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		s.setState(Launching)
		s.update(func(r *Result) { r.Attempts = attempt })

		spec := player.Spec{Program: cfg.MPVPath, Args: args}
		var stderr *tailBuffer
		if cfg.MPVVerbose {
			stderr = newTailBuffer(stderrKeep)
			spec.Stderr = stderr
		}
		if attempt == 1 {
			logger.Debug().Str("cmd", player.CommandLine(cfg.MPVPath, args)).Msg("launching mpv")
		}

		started := sv.clock.Now()
		proc, err := sv.spawner.Spawn(spec)
		if err != nil {
			s.setState(SpawnFailed)
			launchesTotal.WithLabelValues(string(player.MPV), "spawn_failed").Inc()
			s.update(func(r *Result) { r.Err = err })
			sv.emit(s, events.Event{Kind: events.SpawnFailed, Player: string(player.MPV), Attempt: attempt, Err: err})
			logger.Warn().Err(err).Int("attempt", attempt).Msg("mpv failed to start")
			sv.fallback(ctx, s, cfg, "spawn_failed", err, logger)
			return
		}
		launchesTotal.WithLabelValues(string(player.MPV), "started").Inc()
		s.setState(Running)
		sv.emit(s, events.Event{Kind: events.LaunchStarted, Player: string(player.MPV), Attempt: attempt})

		cancelled, err := waitOrKill(ctx, proc)
		runtime := sv.clock.Now().Sub(started)
		if cancelled {
			exitsTotal.WithLabelValues(string(player.MPV), "cancelled").Inc()
			logger.Info().Int("attempt", attempt).Msg("mpv stopped by cancel")
			return
		}
		s.setState(Exited)
		if stderr != nil {
			logger.Debug().Int("attempt", attempt).Str("stderr", stderr.Tail(stderrLog)).Msg("mpv stderr")
		}

		early := runtime < EarlyFailureWindow
		exitsTotal.WithLabelValues(string(player.MPV), exitReason(err, runtime)).Inc()
		sv.emit(s, events.Event{Kind: events.PlayerExited, Player: string(player.MPV), Attempt: attempt, Runtime: runtime, Early: early, Err: err})
		if err == nil {
			logger.Info().Dur("runtime", runtime).Msg("mpv exited normally")
			return
		}
		s.update(func(r *Result) { r.Err = err })

		if s.Type == player.Live && cfg.MPVLiveAutoRetry && early &&
			uint32(attempt) < cfg.MPVLiveRetryMax && sv.clock.Now().Sub(first) < RetryBudget {
			s.setState(Retrying)
			retriesTotal.Inc()
			delay := cfg.RetryDelay()
			sv.emit(s, events.Event{Kind: events.RetryScheduled, Player: string(player.MPV), Attempt: attempt + 1, Err: err})
			logger.Info().Err(err).Int("next_attempt", attempt+1).Dur("delay", delay).Msg("mpv failed early; retrying")
			if sv.clock.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}

		logger.Warn().Err(err).Dur("runtime", runtime).Int("attempts", attempt).Msg("mpv failed; falling back to vlc")
		sv.fallback(ctx, s, cfg, "exit_failure", fmt.Errorf("mpv attempt %d: %w", attempt, err), logger)
		return
	}
}

func (sv *Supervisor) fallback(ctx context.Context, s *Session, cfg config.PlayerConfig, cause string, err error, logger zerolog.Logger) {
	if ctx.Err() != nil {
		return
	}
	s.setState(FallingBack)
	fallbacksTotal.WithLabelValues(cause).Inc()
	s.update(func(r *Result) { r.FellBack = true })
	sv.emit(s, events.Event{Kind: events.FallbackStarted, Player: string(player.VLC), Err: err, Message: cause})
	sv.launchVLC(ctx, s, cfg, false, logger)
}

// waitOrKill waits for proc, or kills it when ctx ends first.
func waitOrKill(ctx context.Context, proc player.Process) (cancelled bool, err error) {
	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()
	select {
	case err := <-exited:
		return false, err
	case <-ctx.Done():
		_ = proc.Kill()
		<-exited
		return true, nil
	}
}

func exitReason(err error, runtime time.Duration) string {
	switch {
	case err == nil:
		return "success"
	case runtime < EarlyFailureWindow:
		return "early_failure"
	default:
		return "late_failure"
	}
}

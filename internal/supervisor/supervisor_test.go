package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/snapetech/xtreamplay/internal/config"
	"github.com/snapetech/xtreamplay/internal/events"
	"github.com/snapetech/xtreamplay/internal/player"
	"github.com/snapetech/xtreamplay/internal/player/playertest"
	"github.com/snapetech/xtreamplay/internal/probe"
)

const (
	liveURL  = "http://p.example:8080/live/u/p/123.m3u8"
	movieURL = "http://p.example:8080/movie/u/p/123.mp4"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	block  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	block := c.block
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type fakeProber struct {
	vlc, mpv probe.Caps
}

func (f fakeProber) VLCFlags(context.Context, string) probe.Caps {
	if f.vlc != nil {
		return f.vlc
	}
	return probe.Baseline(player.VLC)
}

func (f fakeProber) MPVOptions(context.Context, string) probe.Caps {
	if f.mpv != nil {
		return f.mpv
	}
	return probe.Baseline(player.MPV)
}

type fakeReuse struct{ ok bool }

func (f fakeReuse) TryReuse(context.Context, string) bool { return f.ok }

type harness struct {
	clock *fakeClock
	sp    *playertest.Spawner
	sink  *events.Channel
	sup   *Supervisor
}

// newHarness wires a supervisor whose mpv runs for mpvRuntime then exits with mpvErr.
// VLC always exits cleanly.
func newHarness(t *testing.T, mpvRuntime time.Duration, mpvErr error) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), sink: events.NewChannel(256)}
	h.sp = &playertest.Spawner{Plan: func(_ int, spec player.Spec) playertest.Script {
		if spec.Program == "mpv" {
			return playertest.Script{Run: func() { h.clock.Advance(mpvRuntime) }, ExitErr: mpvErr}
		}
		return playertest.Script{}
	}}
	h.sup = New(Options{Spawner: h.sp, Prober: fakeProber{}, Reuse: player.NoReuse{}, Sink: h.sink, Clock: h.clock})
	return h
}

func liveMPVConfig() config.PlayerConfig {
	c := config.Default()
	c.UseMPV = true
	c.MPVLiveAutoRetry = true
	c.MPVLiveRetryMax = 3
	c.MPVLiveRetryDelayMS = 2000
	return c
}

func wait(t *testing.T, s *Session) Result {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish (state %s)", s.ID, s.State())
	}
	return s.Result()
}

func countKind(evs []events.Event, k events.Kind) int {
	n := 0
	for _, e := range evs {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func TestLiveMPV_earlyFailuresRetryThenFallBack(t *testing.T) {
	h := newHarness(t, time.Second, errors.New("exit status 2"))
	retriesBefore := testutil.ToFloat64(retriesTotal)
	fallbacksBefore := testutil.ToFloat64(fallbacksTotal.WithLabelValues("exit_failure"))

	s := h.sup.Start(context.Background(), liveMPVConfig(), liveURL)
	r := wait(t, s)

	assert.Equal(t, 3, h.sp.Count("mpv"), "mpv attempts")
	assert.Equal(t, 1, h.sp.Count("vlc"), "vlc fallback launches")
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.clock.Sleeps())
	assert.Equal(t, 3, r.Attempts)
	assert.True(t, r.FellBack)
	assert.Equal(t, player.VLC, r.Player)
	assert.Error(t, r.Err)
	assert.Equal(t, Done, s.State())

	evs := h.sink.Drain()
	assert.Equal(t, 2, countKind(evs, events.RetryScheduled))
	assert.Equal(t, 1, countKind(evs, events.FallbackStarted))
	assert.Equal(t, 1, countKind(evs, events.SessionDone))
	assert.Equal(t, float64(2), testutil.ToFloat64(retriesTotal)-retriesBefore)
	assert.Equal(t, float64(1), testutil.ToFloat64(fallbacksTotal.WithLabelValues("exit_failure"))-fallbacksBefore)
}

func TestLiveMPV_lateFailureFallsBackWithoutRetry(t *testing.T) {
	h := newHarness(t, 30*time.Second, errors.New("exit status 1"))
	r := wait(t, h.sup.Start(context.Background(), liveMPVConfig(), liveURL))

	assert.Equal(t, 1, h.sp.Count("mpv"))
	assert.Equal(t, 1, h.sp.Count("vlc"))
	assert.Empty(t, h.clock.Sleeps())
	assert.Equal(t, 1, r.Attempts)
	assert.True(t, r.FellBack)

	for _, e := range h.sink.Drain() {
		if e.Kind == events.PlayerExited && e.Player == "mpv" {
			assert.False(t, e.Early)
			assert.Equal(t, 30*time.Second, e.Runtime)
		}
	}
}

func TestLiveMPV_retryBudgetBoundsAttempts(t *testing.T) {
	h := newHarness(t, 20*time.Second, errors.New("exit status 1"))
	cfg := liveMPVConfig()
	cfg.MPVLiveRetryMax = 100
	r := wait(t, h.sup.Start(context.Background(), cfg, liveURL))

	// 20s per attempt plus 2s between: attempt 14 ends at 306s, past the 5min budget.
	assert.Equal(t, 14, h.sp.Count("mpv"))
	assert.Equal(t, 14, r.Attempts)
	assert.True(t, r.FellBack)
}

func TestMPV_nonLiveFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t, time.Second, errors.New("exit status 1"))
	r := wait(t, h.sup.Start(context.Background(), liveMPVConfig(), movieURL))
	assert.Equal(t, 1, h.sp.Count("mpv"))
	assert.Equal(t, 1, h.sp.Count("vlc"))
	assert.True(t, r.FellBack)
}

func TestMPV_retryDisabled(t *testing.T) {
	h := newHarness(t, time.Second, errors.New("exit status 1"))
	cfg := liveMPVConfig()
	cfg.MPVLiveAutoRetry = false
	wait(t, h.sup.Start(context.Background(), cfg, liveURL))
	assert.Equal(t, 1, h.sp.Count("mpv"))
	assert.Equal(t, 1, h.sp.Count("vlc"))
}

func TestMPV_successIsDone(t *testing.T) {
	h := newHarness(t, 5*time.Minute, nil)
	r := wait(t, h.sup.Start(context.Background(), liveMPVConfig(), liveURL))
	assert.Equal(t, 1, h.sp.Count("mpv"))
	assert.Zero(t, h.sp.Count("vlc"))
	assert.False(t, r.FellBack)
	assert.NoError(t, r.Err)
	assert.Equal(t, player.MPV, r.Player)
}

func TestMPV_spawnErrorFallsBack(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.sp.Plan = func(_ int, spec player.Spec) playertest.Script {
		if spec.Program == "mpv" {
			return playertest.Script{SpawnErr: errors.New("exec: \"mpv\": executable file not found in $PATH")}
		}
		return playertest.Script{}
	}
	r := wait(t, h.sup.Start(context.Background(), liveMPVConfig(), liveURL))

	assert.Equal(t, 1, h.sp.Count("mpv"))
	assert.Equal(t, 1, h.sp.Count("vlc"))
	assert.True(t, r.FellBack)
	evs := h.sink.Drain()
	require.Equal(t, 1, countKind(evs, events.SpawnFailed))
	for _, e := range evs {
		if e.Kind == events.SpawnFailed {
			assert.Equal(t, "mpv", e.Player)
			assert.Contains(t, e.Err.Error(), "not found")
		}
	}
}

func TestMPV_filteredURLFallsBack(t *testing.T) {
	h := newHarness(t, 0, nil)
	odd := "-/live/u/p/1.m3u8"
	r := wait(t, h.sup.Start(context.Background(), liveMPVConfig(), odd))

	assert.Zero(t, h.sp.Count("mpv"))
	assert.Equal(t, 1, h.sp.Count("vlc"))
	assert.True(t, r.FellBack)
	var warned bool
	for _, e := range h.sink.Drain() {
		if e.Kind == events.Warning && errors.Is(e.Err, ErrURLFiltered) {
			warned = true
		}
	}
	assert.True(t, warned, "expected ErrURLFiltered warning")
}

func TestMPV_verboseCapturesStderr(t *testing.T) {
	h := newHarness(t, time.Minute, nil)
	cfg := liveMPVConfig()
	cfg.MPVVerbose = true
	wait(t, h.sup.Start(context.Background(), cfg, liveURL))
	specs := h.sp.Specs()
	require.Len(t, specs, 1)
	assert.NotNil(t, specs[0].Stderr)
	assert.Contains(t, specs[0].Args, "--msg-level=all=v")
	assert.Equal(t, liveURL, specs[0].Args[len(specs[0].Args)-1])
}

func TestVLC_verboseCapturesStderr(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.sup = New(Options{Spawner: h.sp, Prober: fakeProber{vlc: probe.NewCaps("--fullscreen", "--verbose")}, Reuse: player.NoReuse{}, Sink: h.sink, Clock: h.clock})
	cfg := config.Default()
	cfg.VLCVerbose = true
	wait(t, h.sup.Start(context.Background(), cfg, movieURL))
	specs := h.sp.Specs()
	require.Len(t, specs, 1)
	assert.NotNil(t, specs[0].Stderr)
	if diff := cmp.Diff([]string{"--fullscreen", "--verbose=2", movieURL}, specs[0].Args); diff != "" {
		t.Errorf("vlc args (-want +got):\n%s", diff)
	}
}

func TestUseVLC_neverInvokesMPV(t *testing.T) {
	h := newHarness(t, 0, errors.New("should not run"))
	cfg := config.Default()
	cfg.UseMPV = false
	cfg.MPVLiveAutoRetry = true
	for _, u := range []string{liveURL, movieURL, "http://p.example/series/u/p/7.mkv", "http://p.example/x", "-/live/x.m3u8"} {
		r := wait(t, h.sup.Start(context.Background(), cfg, u))
		assert.Equal(t, player.VLC, r.Player)
	}
	assert.Zero(t, h.sp.Count("mpv"))
	assert.Equal(t, 5, h.sp.Count("vlc"))
}

func TestVLC_argsFilteredAndURLLast(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.sup = New(Options{Spawner: h.sp, Prober: fakeProber{vlc: probe.NewCaps("--fullscreen", "--network-caching")}, Reuse: player.NoReuse{}, Sink: h.sink, Clock: h.clock})
	cfg := config.Default()
	cfg.VLCExtraArgs = "--no-video-title-show"
	wait(t, h.sup.Start(context.Background(), cfg, liveURL))

	specs := h.sp.Specs()
	require.Len(t, specs, 1)
	want := []string{"--fullscreen", "--network-caching=5000", liveURL}
	if diff := cmp.Diff(want, specs[0].Args); diff != "" {
		t.Errorf("vlc args (-want +got):\n%s", diff)
	}
	assert.Nil(t, specs[0].Stderr)
}

// hangingProber blocks until its context ends, like a player that never answers --help.
type hangingProber struct{ waited chan time.Duration }

func (p hangingProber) block(ctx context.Context) {
	start := time.Now()
	<-ctx.Done()
	p.waited <- time.Since(start)
}

func (p hangingProber) VLCFlags(ctx context.Context, _ string) probe.Caps {
	p.block(ctx)
	return probe.Baseline(player.VLC)
}

func (p hangingProber) MPVOptions(ctx context.Context, _ string) probe.Caps {
	p.block(ctx)
	return probe.Baseline(player.MPV)
}

func TestCapabilityTimeoutBoundsLaunch(t *testing.T) {
	for _, useMPV := range []bool{false, true} {
		h := newHarness(t, 0, nil)
		pr := hangingProber{waited: make(chan time.Duration, 1)}
		h.sup = New(Options{Spawner: h.sp, Prober: pr, Reuse: player.NoReuse{}, Sink: h.sink, Clock: h.clock})
		cfg := config.Default()
		cfg.UseMPV = useMPV
		cfg.ProbeTimeout = 50 * time.Millisecond

		s := h.sup.Start(context.Background(), cfg, movieURL)
		select {
		case d := <-pr.waited:
			assert.Less(t, d, 2*time.Second, "use_mpv=%t", useMPV)
		case <-time.After(3 * time.Second):
			t.Fatalf("use_mpv=%t: capability check outlived its timeout", useMPV)
		}
		wait(t, s)
	}
}

func TestVLC_reuseSkipsSpawn(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.sup = New(Options{Spawner: h.sp, Prober: fakeProber{}, Reuse: fakeReuse{ok: true}, Sink: h.sink, Clock: h.clock})
	before := testutil.ToFloat64(reuseTotal)
	r := wait(t, h.sup.Start(context.Background(), config.Default(), liveURL))

	assert.True(t, r.Reused)
	assert.Zero(t, len(h.sp.Specs()))
	assert.Equal(t, 1, countKind(h.sink.Drain(), events.Reused))
	assert.Equal(t, float64(1), testutil.ToFloat64(reuseTotal)-before)

	cfg := config.Default()
	cfg.ReuseVLC = false
	r = wait(t, h.sup.Start(context.Background(), cfg, liveURL))
	assert.False(t, r.Reused)
	assert.Equal(t, 1, h.sp.Count("vlc"))
}

func TestVLC_spawnErrorReported(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.sp.Plan = func(int, player.Spec) playertest.Script {
		return playertest.Script{SpawnErr: errors.New("permission denied")}
	}
	r := wait(t, h.sup.Start(context.Background(), config.Default(), movieURL))
	assert.Error(t, r.Err)
	assert.False(t, r.FellBack)
	assert.Equal(t, 1, countKind(h.sink.Drain(), events.SpawnFailed))
}

func TestCancel_killsRunningMPV(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.sp.Plan = func(int, player.Spec) playertest.Script { return playertest.Script{Hold: true} }
	s := h.sup.Start(context.Background(), liveMPVConfig(), liveURL)

	require.Eventually(t, func() bool { return s.State() == Running }, 2*time.Second, 5*time.Millisecond)
	s.Cancel()
	r := wait(t, s)

	assert.True(t, r.Cancelled)
	assert.False(t, r.FellBack)
	assert.Zero(t, h.sp.Count("vlc"))
	require.Len(t, h.sp.Procs(), 1)
	assert.True(t, h.sp.Procs()[0].Killed())
}

func TestCancel_duringRetryDelay(t *testing.T) {
	h := newHarness(t, time.Second, errors.New("exit status 1"))
	h.clock.block = true
	s := h.sup.Start(context.Background(), liveMPVConfig(), liveURL)

	require.Eventually(t, func() bool { return s.State() == Retrying }, 2*time.Second, 5*time.Millisecond)
	s.Cancel()
	r := wait(t, s)

	assert.True(t, r.Cancelled)
	assert.Equal(t, 1, h.sp.Count("mpv"))
	assert.Zero(t, h.sp.Count("vlc"))
}

func TestStartDoesNotBlock(t *testing.T) {
	h := newHarness(t, 0, nil)
	release := make(chan struct{})
	h.sp.Plan = func(int, player.Spec) playertest.Script {
		return playertest.Script{Run: func() { <-release }}
	}
	start := time.Now()
	s := h.sup.Start(context.Background(), liveMPVConfig(), liveURL)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.NotEmpty(t, s.ID)
	close(release)
	wait(t, s)
}

func TestVLC_liveDiagnosticsAndStartupCapture(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.sp.Plan = func(_ int, spec player.Spec) playertest.Script {
		if spec.Args[0] == "-I" {
			return playertest.Script{Lines: []string{"main: buffering"}, Hold: true}
		}
		return playertest.Script{}
	}
	h.sup = New(Options{Spawner: h.sp, Prober: fakeProber{}, Reuse: player.NoReuse{}, Sink: h.sink, Clock: h.clock, CaptureWindow: 20 * time.Millisecond})
	cfg := config.Default()
	cfg.ContinuousDiagnostics = true
	cfg.DiagnoseOnStart = true

	s := h.sup.Start(context.Background(), cfg, liveURL)
	r := wait(t, s)
	require.NotNil(t, r.Diagnostics)

	var captured bool
	deadline := time.After(5 * time.Second)
	for !captured {
		select {
		case e := <-h.sink.C():
			if e.Kind == events.DiagnosticsCaptured {
				captured = true
				assert.Contains(t, e.Output, "buffering")
			}
		case <-deadline:
			t.Fatal("no DiagnosticsCaptured event")
		}
	}

	s.Cancel()
	select {
	case <-r.Diagnostics.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("diagnostics not stopped by Cancel")
	}
	assert.Equal(t, 3, h.sp.Count("vlc"), "player, monitor and capture")
}

func TestVLC_diagnosticsOnlyForLive(t *testing.T) {
	h := newHarness(t, 0, nil)
	cfg := config.Default()
	cfg.ContinuousDiagnostics = true
	r := wait(t, h.sup.Start(context.Background(), cfg, movieURL))
	assert.Nil(t, r.Diagnostics)
	assert.Equal(t, 1, h.sp.Count("vlc"))
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world"))
	assert.Equal(t, "lo world", b.Tail(100))
	assert.Equal(t, "rld", b.Tail(3))
	_, _ = b.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", b.Tail(100))
}

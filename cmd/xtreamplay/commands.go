package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snapetech/xtreamplay/internal/config"
	"github.com/snapetech/xtreamplay/internal/diagnostics"
	"github.com/snapetech/xtreamplay/internal/events"
	"github.com/snapetech/xtreamplay/internal/history"
	xlog "github.com/snapetech/xtreamplay/internal/log"
	"github.com/snapetech/xtreamplay/internal/player"
	"github.com/snapetech/xtreamplay/internal/probe"
	"github.com/snapetech/xtreamplay/internal/safeurl"
	"github.com/snapetech/xtreamplay/internal/streamurl"
	"github.com/snapetech/xtreamplay/internal/supervisor"
)

// streamFlags selects the stream for play, args and diagnose.
type streamFlags struct {
	url  string
	kind string
	id   string
	ext  string
}

func registerStream(fs *flag.FlagSet) *streamFlags {
	s := &streamFlags{}
	fs.StringVar(&s.url, "url", "", "Stream URL (http or https)")
	fs.StringVar(&s.kind, "kind", "live", "With -id: live, movie or series")
	fs.StringVar(&s.id, "id", "", "Stream id; builds the URL from the configured address and account")
	fs.StringVar(&s.ext, "ext", "", "Container extension for movie/series (default mp4; live is always m3u8)")
	return s
}

// resolveURL returns the explicit URL, or builds one from the configured account.
func resolveURL(cfg config.PlayerConfig, s streamFlags) (string, error) {
	if s.url != "" {
		if !safeurl.IsHTTPOrHTTPS(s.url) {
			return "", fmt.Errorf("stream URL must be http or https: %s", safeurl.Redact(s.url))
		}
		return s.url, nil
	}
	if s.id == "" {
		return "", errors.New("need -url or -id")
	}
	kind, err := streamurl.ParseKind(s.kind)
	if err != nil {
		return "", err
	}
	return streamurl.Build(cfg.Address, cfg.Username, cfg.Password, kind, s.id, s.ext)
}

// streamFromLine parses one interactive input line: a URL, or "<kind> <id> [ext]".
func streamFromLine(cfg config.PlayerConfig, line string) (string, error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 1:
		return resolveURL(cfg, streamFlags{url: fields[0]})
	case 2:
		return resolveURL(cfg, streamFlags{kind: fields[0], id: fields[1]})
	case 3:
		return resolveURL(cfg, streamFlags{kind: fields[0], id: fields[1], ext: fields[2]})
	}
	return "", fmt.Errorf("expected a URL or \"<kind> <id> [ext]\", got %d fields", len(fields))
}

// applyPlayerOverride maps -player onto use_mpv. Empty keeps the config.
func applyPlayerOverride(cfg *config.PlayerConfig, name string) error {
	switch player.Name(strings.ToLower(strings.TrimSpace(name))) {
	case "":
	case player.VLC:
		cfg.UseMPV = false
	case player.MPV:
		cfg.UseMPV = true
	default:
		return fmt.Errorf("unknown player %q (want vlc or mpv)", name)
	}
	return nil
}

// applyAvailability points the config at the detected binaries and resolves the
// preference against what is installed. An explicit choice is kept as is, with a
// warning when that player was not found.
func applyAvailability(cfg config.PlayerConfig, avail player.Availability, explicit bool) config.PlayerConfig {
	if avail.VLC.Found {
		cfg.VLCPath = avail.VLC.Path
	}
	if avail.MPV.Found {
		cfg.MPVPath = avail.MPV.Path
	}
	if !explicit {
		cfg.UseMPV = supervisor.ResolvePlayer(cfg.UseMPV, avail)
		return cfg
	}
	name, found := player.VLC, avail.VLC.Found
	if cfg.UseMPV {
		name, found = player.MPV, avail.MPV.Found
	}
	if !found {
		logger := xlog.WithComponent("cli")
		logger.Warn().Str("player", string(name)).Msg("requested player not found; launching anyway")
	}
	return cfg
}

// newLaunchSupervisor is the supervisor play and interactive run sessions on. Probes
// use cfg's probe_timeout.
func newLaunchSupervisor(cfg config.PlayerConfig, sink events.Sink) *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{
		Prober: probe.New(nil, cfg.ProbeTimeout),
		Sink:   sink,
	})
}

func detectPlayers(ctx context.Context, cfg config.PlayerConfig) player.Availability {
	avail := player.Detector{}.Detect(ctx, cfg.VLCPath, cfg.MPVPath)
	if !avail.VLC.Found && !avail.MPV.Found {
		logger := xlog.WithComponent("cli")
		logger.Warn().Str("vlc", cfg.VLCPath).Str("mpv", cfg.MPVPath).Msg("no player found; launches will fail")
	}
	return avail
}

// launchCommand is the program and argv a launch of url would use. A nil prober
// skips capability filtering.
func launchCommand(ctx context.Context, cfg config.PlayerConfig, url string, prober supervisor.Prober) (string, []string) {
	st := player.Classify(url)
	if cfg.UseMPV {
		args := player.MPVArgs(cfg, st, url)
		if prober != nil {
			args = probe.FilterMPV(args, prober.MPVOptions(ctx, cfg.MPVPath))
		}
		return cfg.MPVPath, args
	}
	args := player.VLCArgs(cfg, st)
	if prober != nil {
		args = probe.FilterSupported(args, prober.VLCFlags(ctx, cfg.VLCPath))
	}
	return cfg.VLCPath, append(args, url)
}

// applySuggestion stores s as the new caching upper bounds and records it in the history.
// It reports false, saving and recording nothing, when s matches the current bounds.
// store may be nil.
func applySuggestion(ctx context.Context, holder *config.Holder, store *history.Store, session, source string, s events.Suggestion) (bool, error) {
	cur := holder.Get()
	if cur.NetworkCachingMS == s.NetworkMS && cur.LiveCachingMS == s.LiveMS && cur.FileCachingMS == s.FileMS {
		return false, nil
	}
	if _, err := holder.Update(func(c *config.PlayerConfig) {
		c.ApplySuggestion(s.NetworkMS, s.LiveMS, s.FileMS)
	}); err != nil {
		return false, fmt.Errorf("save suggestion: %w", err)
	}
	if store == nil {
		return true, nil
	}
	return true, store.Record(ctx, history.Entry{
		Session:   session,
		Source:    source,
		NetworkMS: s.NetworkMS,
		LiveMS:    s.LiveMS,
		FileMS:    s.FileMS,
	})
}

func printEvent(w io.Writer, e events.Event) {
	id := e.Session
	if len(id) > 8 {
		id = id[:8]
	}
	fmt.Fprintf(w, "%s [%s] %s\n", e.Time.Format("15:04:05"), id, e)
}

// watchSession feeds events to handle until s is finished: the session is done, its
// live diagnostics (if any) have stopped, and, with waitVLC, the VLC it started has
// exited. ctx ending cancels the session.
func watchSession(ctx context.Context, ch *events.Channel, s *supervisor.Session, waitVLC bool, handle func(events.Event)) supervisor.Result {
	vlcRunning := false
	track := func(e events.Event) {
		if e.Session == s.ID && e.Player == string(player.VLC) {
			switch e.Kind {
			case events.LaunchStarted:
				vlcRunning = true
			case events.PlayerExited:
				vlcRunning = false
			}
		}
		handle(e)
	}
	drain := func() {
		for _, e := range ch.Drain() {
			track(e)
		}
	}

	sessionDone := s.Done()
	var diagDone <-chan struct{}
	for {
		select {
		case e := <-ch.C():
			track(e)
		case <-sessionDone:
			sessionDone = nil
			drain()
			if h := s.Result().Diagnostics; h != nil {
				diagDone = h.Done()
			}
		case <-diagDone:
			diagDone = nil
		case <-ctx.Done():
			s.Cancel()
			<-s.Done()
			if h := s.Result().Diagnostics; h != nil {
				h.Stop()
				<-h.Done()
			}
			drain()
			return s.Result()
		}
		if sessionDone == nil && diagDone == nil && !(waitVLC && vlcRunning) {
			drain()
			return s.Result()
		}
	}
}

func runPlay(ctx context.Context, argv []string) error {
	fs := flag.NewFlagSet("play", flag.ExitOnError)
	g := registerGlobal(fs)
	sf := registerStream(fs)
	playerName := fs.String("player", "", "vlc or mpv for this launch (default: use_mpv from config)")
	wait := fs.Bool("wait", false, "Stay until VLC exits (VLC is otherwise left running on its own)")
	_ = fs.Parse(argv)

	holder, err := g.setup()
	if err != nil {
		return err
	}
	serveMetrics(ctx, g.metricsAddr)

	cfg := holder.Get()
	if err := applyPlayerOverride(&cfg, *playerName); err != nil {
		return err
	}
	url, err := resolveURL(cfg, *sf)
	if err != nil {
		return err
	}
	cfg = applyAvailability(cfg, detectPlayers(ctx, cfg), *playerName != "")

	sink := events.NewChannel(256)
	sv := newLaunchSupervisor(cfg, sink)
	s := sv.Start(ctx, cfg, url)
	res := watchSession(ctx, sink, s, *wait, func(e events.Event) { printEvent(os.Stdout, e) })

	if n := sink.Dropped(); n > 0 {
		logger := xlog.WithComponent("cli")
		logger.Warn().Uint64("dropped", n).Msg("events dropped")
	}
	if res.Err != nil && !res.Cancelled && !res.FellBack && !res.Reused {
		return fmt.Errorf("%s: %w", res.Player, res.Err)
	}
	return nil
}

func runInteractive(ctx context.Context, argv []string, in io.Reader) error {
	fs := flag.NewFlagSet("interactive", flag.ExitOnError)
	g := registerGlobal(fs)
	autoApply := fs.Bool("apply", false, "Save live diagnostics suggestions to the config as they arrive")
	_ = fs.Parse(argv)

	holder, err := g.setup()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveMetrics(ctx, g.metricsAddr)

	watchDone, err := holder.StartWatch(ctx)
	if err != nil {
		return err
	}
	var store *history.Store
	if *autoApply {
		if store, err = g.openHistory(); err != nil {
			return err
		}
		defer store.Close()
	}

	logger := xlog.WithComponent("cli")
	avail := detectPlayers(ctx, holder.Get())
	sink := events.NewChannel(512)
	sv := newLaunchSupervisor(holder.Get(), sink)
	policy := supervisor.NewFailoverPolicy()
	updates := holder.Subscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	var sessions []*supervisor.Session
	stopAll := func() {
		for _, s := range sessions {
			s.Cancel()
		}
		for _, s := range sessions {
			<-s.Done()
			if h := s.Result().Diagnostics; h != nil {
				h.Stop()
				<-h.Done()
			}
		}
		sessions = sessions[:0]
	}
	onEvent := func(e events.Event) {
		printEvent(os.Stdout, e)
		cur := holder.Get()
		if next, changed := policy.Observe(e, cur.UseMPV, avail); changed {
			if _, err := holder.Update(func(c *config.PlayerConfig) { c.UseMPV = next }); err != nil {
				logger.Warn().Err(err).Msg("could not save player preference")
			} else {
				logger.Info().Bool("use_mpv", next).Msg("repeated spawn failures; switched preferred player")
			}
		}
		if store != nil && e.Kind == events.DiagnosticsUpdate && e.Suggestion != nil {
			if applied, err := applySuggestion(ctx, holder, store, e.Session, "live", *e.Suggestion); err != nil {
				logger.Warn().Err(err).Msg("could not apply suggestion")
			} else if applied {
				logger.Info().Str("suggestion", e.Suggestion.String()).Msg("applied caching suggestion")
			}
		}
	}

	fmt.Fprintln(os.Stdout, "enter a stream URL or \"<kind> <id> [ext]\"; \"stop\" ends running sessions, \"quit\" exits")
	for {
		select {
		case <-ctx.Done():
			stopAll()
			for _, e := range sink.Drain() {
				onEvent(e)
			}
			<-watchDone
			return nil
		case e := <-sink.C():
			onEvent(e)
		case c := <-updates:
			logger.Debug().Bool("use_mpv", c.UseMPV).Int("profile_bias", c.ProfileBias).Msg("config updated")
		case line, ok := <-lines:
			if !ok || line == "quit" || line == "exit" {
				lines = nil
				cancel()
				continue
			}
			switch line {
			case "":
				continue
			case "stop":
				stopAll()
				continue
			}
			cfg := holder.Get()
			url, err := streamFromLine(cfg, line)
			if err != nil {
				fmt.Fprintln(os.Stdout, "error:", err)
				continue
			}
			sessions = append(sessions, sv.Start(ctx, applyAvailability(cfg, avail, false), url))
		}
	}
}

func runDetect(ctx context.Context, argv []string) error {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	g := registerGlobal(fs)
	showCaps := fs.Bool("caps", false, "Probe each found player and list the supported flags")
	_ = fs.Parse(argv)

	holder, err := g.setup()
	if err != nil {
		return err
	}
	cfg := holder.Get()
	avail := player.Detector{}.Detect(ctx, cfg.VLCPath, cfg.MPVPath)
	prober := probe.New(nil, cfg.ProbeTimeout)
	for _, in := range []player.Installed{avail.VLC, avail.MPV} {
		if !in.Found {
			fmt.Printf("%-4s missing\n", in.Name)
			continue
		}
		fmt.Printf("%-4s %s  %s\n", in.Name, in.Path, in.Version)
		if *showCaps {
			caps, err := prober.Probe(ctx, in.Name, in.Path)
			if err != nil {
				fmt.Printf("     probe failed (%v); baseline flags only\n", err)
			}
			fmt.Printf("     %d flags: %s\n", len(caps), strings.Join(caps.Sorted(), " "))
		}
	}
	effective := player.VLC
	if supervisor.ResolvePlayer(cfg.UseMPV, avail) {
		effective = player.MPV
	}
	fmt.Printf("use_mpv=%t effective=%s\n", cfg.UseMPV, effective)
	return nil
}

func runArgs(ctx context.Context, argv []string) error {
	fs := flag.NewFlagSet("args", flag.ExitOnError)
	g := registerGlobal(fs)
	sf := registerStream(fs)
	playerName := fs.String("player", "", "vlc or mpv (default: use_mpv from config)")
	doProbe := fs.Bool("probe", false, "Filter through the installed player's capabilities, as a launch does")
	diagnostic := fs.Bool("diagnostic", false, "Print the headless diagnostics VLC command instead")
	_ = fs.Parse(argv)

	holder, err := g.setup()
	if err != nil {
		return err
	}
	cfg := holder.Get()
	if err := applyPlayerOverride(&cfg, *playerName); err != nil {
		return err
	}
	url, err := resolveURL(cfg, *sf)
	if err != nil {
		return err
	}
	if *diagnostic {
		fmt.Println(player.CommandLine(cfg.VLCPath, player.DiagnosticVLCArgs(cfg, player.Classify(url), url)))
		return nil
	}
	var prober supervisor.Prober
	if *doProbe {
		prober = probe.New(nil, cfg.ProbeTimeout)
	}
	program, args := launchCommand(ctx, cfg, url, prober)
	fmt.Println(player.CommandLine(program, args))
	return nil
}

func runDiagnose(ctx context.Context, argv []string) error {
	fs := flag.NewFlagSet("diagnose", flag.ExitOnError)
	g := registerGlobal(fs)
	sf := registerStream(fs)
	once := fs.Bool("once", false, "Capture the diagnostic player's output for -window, then stop")
	window := fs.Duration("window", diagnostics.CaptureWindow, "Capture length with -once")
	apply := fs.Bool("apply", false, "Save the last suggestion to the config and the history")
	_ = fs.Parse(argv)

	holder, err := g.setup()
	if err != nil {
		return err
	}
	serveMetrics(ctx, g.metricsAddr)
	cfg := holder.Get()
	url, err := resolveURL(cfg, *sf)
	if err != nil {
		return err
	}
	if avail := detectPlayers(ctx, cfg); avail.VLC.Found {
		cfg.VLCPath = avail.VLC.Path
	}

	session := uuid.NewString()
	sink := events.NewChannel(256)
	opts := diagnostics.Options{Sink: sink, Session: session}

	var last *events.Suggestion
	if *once {
		out, err := diagnostics.Capture(ctx, opts, cfg, url, *window)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Print(out)
		buffering := countBuffering(out)
		last = diagnostics.Suggest(cfg, buffering, *window)
		fmt.Printf("captured %d bytes, %d buffering lines\n", len(out), buffering)
	} else {
		h, err := diagnostics.Start(ctx, opts, cfg, url)
		if err != nil {
			return err
		}
		fmt.Println("diagnostics running; Ctrl-C to stop")
		handle := func(e events.Event) {
			printEvent(os.Stdout, e)
			if e.Suggestion != nil {
				last = e.Suggestion
			}
		}
		interrupted := ctx.Done()
	loop:
		for {
			select {
			case e := <-sink.C():
				handle(e)
			case <-interrupted:
				interrupted = nil
				h.Stop()
			case <-h.Done():
				break loop
			}
		}
		for _, e := range sink.Drain() {
			handle(e)
		}
	}

	if last == nil {
		fmt.Println("no change suggested")
		return nil
	}
	fmt.Printf("suggested network=%dms live=%dms file=%dms\n", last.NetworkMS, last.LiveMS, last.FileMS)
	if !*apply {
		return nil
	}
	store, err := g.openHistory()
	if err != nil {
		return err
	}
	defer store.Close()
	applied, err := applySuggestion(context.WithoutCancel(ctx), holder, store, session, "diagnose", *last)
	if err != nil {
		return err
	}
	if !applied {
		fmt.Println("config already has these values")
		return nil
	}
	fmt.Println("saved to", holder.Path())
	return nil
}

func countBuffering(out string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if diagnostics.IsBufferingLine(line) {
			n++
		}
	}
	return n
}

func runHistory(ctx context.Context, argv []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	g := registerGlobal(fs)
	n := fs.Int("n", history.DefaultKeep, "How many entries to show")
	_ = fs.Parse(argv)

	if _, err := g.setup(); err != nil {
		return err
	}
	store, err := g.openHistory()
	if err != nil {
		return err
	}
	defer store.Close()
	entries, err := store.Recent(ctx, *n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no suggestions recorded")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %-8s network=%-6d live=%-6d file=%-6d %s\n",
			e.At.Local().Format(time.DateTime), e.Source, e.NetworkMS, e.LiveMS, e.FileMS, e.Session)
	}
	return nil
}

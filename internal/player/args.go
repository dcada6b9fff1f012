package player

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/snapetech/xtreamplay/internal/config"
	xlog "github.com/snapetech/xtreamplay/internal/log"
	"github.com/snapetech/xtreamplay/internal/safeurl"
)

// Name identifies a supported external player.
type Name string

const (
	VLC Name = "vlc"
	MPV Name = "mpv"
)

// CachingFor returns the interpolated values for cfg with the network cap applied.
func CachingFor(cfg config.PlayerConfig) Caching {
	c := ApplyBias(cfg.ProfileBias, cfg.NetworkCachingMS, cfg.LiveCachingMS, cfg.FileCachingMS)
	if capped, ok := CapNetwork(c.NetworkMS); ok {
		logger := xlog.WithComponent("player")
		logger.Debug().
			Uint32("requested_ms", c.NetworkMS).
			Uint32("capped_ms", capped).
			Msg("network caching capped for latency")
		c.NetworkMS = capped
	}
	return c
}

// vlcCachingFlags emits only the caching flags VLC is known to handle well. mux-caching
// and http-timeout are never emitted even when configured.
func vlcCachingFlags(cfg config.PlayerConfig, st StreamType) []string {
	c := CachingFor(cfg)
	var args []string
	if c.NetworkMS > 0 {
		args = append(args, "--network-caching="+strconv.FormatUint(uint64(c.NetworkMS), 10))
	}
	if st == Live {
		if c.LiveMS > 0 {
			args = append(args, "--live-caching="+strconv.FormatUint(uint64(c.LiveMS), 10))
		}
		if cfg.HTTPReconnect {
			args = append(args, "--http-reconnect")
		}
	} else if c.FileMS > 0 {
		args = append(args, "--file-caching="+strconv.FormatUint(uint64(c.FileMS), 10))
	}
	return args
}

// VLCArgs builds the VLC argument vector without the URL. Callers filter it against the
// probed capabilities and then append the URL.
func VLCArgs(cfg config.PlayerConfig, st StreamType) []string {
	args := []string{"--fullscreen"}
	args = append(args, vlcCachingFlags(cfg, st)...)
	if cfg.VLCVerbose {
		args = append(args, "--verbose=2")
	}
	return append(args, SplitExtra(cfg.VLCExtraArgs)...)
}

// DiagnosticVLCArgs builds a headless, verbose VLC invocation for stderr analysis,
// URL included.
func DiagnosticVLCArgs(cfg config.PlayerConfig, st StreamType, url string) []string {
	args := []string{"-I", "dummy", "--vout=dummy", "--aout=dummy", "-vvv"}
	args = append(args, vlcCachingFlags(cfg, st)...)
	return append(args, url)
}

const mpvReconnectOpts = "--stream-lavf-o=reconnect=1,reconnect_streamed=1,reconnect_delay_max=5"

// MPVArgs builds the full mpv argument vector with the URL last.
func MPVArgs(cfg config.PlayerConfig, st StreamType, url string) []string {
	c := CachingFor(cfg)

	cacheSecs := cfg.MPVCacheSecsOverride
	if cacheSecs == 0 {
		cacheSecs = max(1, c.NetworkMS/1000)
	}
	readahead := cfg.MPVReadaheadSecsOverride
	if readahead == 0 {
		readahead = max(1, c.LiveMS/1000)
	}

	args := []string{
		"--fullscreen",
		"--terminal=no",
		"--force-window=yes",
		"--pause=no",
		fmt.Sprintf("--cache-secs=%d", cacheSecs),
		fmt.Sprintf("--demuxer-readahead-secs=%d", readahead),
		"--cache=yes",
	}
	if cfg.MPVKeepOpen {
		args = append(args, "--keep-open=yes")
	}
	if st == Live {
		args = append(args, "--idle=yes")
	}
	if cfg.HTTPReconnect {
		args = append(args, mpvReconnectOpts)
	}
	if cfg.MPVVerbose {
		args = append(args, "--msg-level=all=v")
	}
	args = append(args, SplitExtra(cfg.MPVExtraArgs)...)
	return append(args, url)
}

// SplitExtra splits user-supplied extra arguments on whitespace. No quoting is honoured;
// the result goes straight to exec.
func SplitExtra(s string) []string {
	return strings.Fields(s)
}

// CommandLine renders program and args as a copy-pasteable preview with credentials in
// stream URLs redacted.
func CommandLine(program string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quoteArg(program))
	for _, a := range args {
		if safeurl.IsHTTPOrHTTPS(a) {
			a = safeurl.Redact(a)
		}
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if strings.ContainsAny(s, " \t\n'\"\\$`") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return s
}

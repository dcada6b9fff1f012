// Package probe asks a player binary which long options it understands and filters
// candidate argument lists down to those. Probing is best effort: the baseline sets are
// always safe, and a failed probe degrades to them.
package probe

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	xlog "github.com/snapetech/xtreamplay/internal/log"
	"github.com/snapetech/xtreamplay/internal/player"
)

// ErrNoCapabilities means the probe ran but no "--flag" tokens could be parsed.
var ErrNoCapabilities = errors.New("no options found in player output")

// DefaultTimeout bounds one probe when Prober.Timeout is zero.
const DefaultTimeout = 5 * time.Second

var (
	vlcBaseline = []string{"--fullscreen", "--network-caching", "--live-caching", "--file-caching", "--http-reconnect"}
	mpvBaseline = []string{
		"--fullscreen", "--terminal", "--force-window", "--pause", "--cache", "--cache-secs",
		"--demuxer-readahead-secs", "--keep-open", "--idle", "--stream-lavf-o", "--msg-level",
	}
)

// Caps is a set of long option names such as "--network-caching".
type Caps map[string]struct{}

func NewCaps(flags ...string) Caps {
	c := make(Caps, len(flags))
	for _, f := range flags {
		c[f] = struct{}{}
	}
	return c
}

func (c Caps) Has(flag string) bool {
	_, ok := c[flag]
	return ok
}

// Sorted lists the flags alphabetically.
func (c Caps) Sorted() []string {
	return slices.Sorted(maps.Keys(c))
}

// Baseline returns the always-safe set for a player.
func Baseline(name player.Name) Caps {
	if name == player.MPV {
		return NewCaps(mpvBaseline...)
	}
	return NewCaps(vlcBaseline...)
}

func helpArgs(name player.Name) []string {
	if name == player.MPV {
		return []string{"--list-options"}
	}
	return []string{"--full-help"}
}

// Prober runs and memoizes capability probes. The zero value is usable.
type Prober struct {
	Run     player.Runner
	Timeout time.Duration

	mu   sync.Mutex
	memo map[string]Caps
	sf   singleflight.Group
}

func New(run player.Runner, timeout time.Duration) *Prober {
	return &Prober{Run: run, Timeout: timeout}
}

// VLCFlags returns what the VLC binary at path accepts, or the baseline on failure.
func (p *Prober) VLCFlags(ctx context.Context, path string) Caps {
	caps, _ := p.Probe(ctx, player.VLC, path)
	return caps
}

// MPVOptions returns what the mpv binary at path accepts, or the baseline on failure.
func (p *Prober) MPVOptions(ctx context.Context, path string) Caps {
	caps, _ := p.Probe(ctx, player.MPV, path)
	return caps
}

// Probe is like VLCFlags/MPVOptions but also reports why a probe fell back to the
// baseline. The returned set is always usable and owned by the caller. Successful
// results are cached per player and path; failures are retried on the next call.
func (p *Prober) Probe(ctx context.Context, name player.Name, path string) (Caps, error) {
	key := string(name) + "\x00" + path

	p.mu.Lock()
	if c, ok := p.memo[key]; ok {
		p.mu.Unlock()
		return maps.Clone(c), nil
	}
	p.mu.Unlock()

	v, err, _ := p.sf.Do(key, func() (any, error) {
		caps, err := p.probeOnce(ctx, name, path)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.memo == nil {
			p.memo = make(map[string]Caps)
		}
		p.memo[key] = caps
		p.mu.Unlock()
		return caps, nil
	})
	if err != nil {
		logger := xlog.WithComponent("probe")
		logger.Debug().Str("player", string(name)).Str("path", path).Err(err).Msg("capability probe failed; using baseline")
		return Baseline(name), err
	}
	return maps.Clone(v.(Caps)), nil
}

func (p *Prober) probeOnce(ctx context.Context, name player.Name, path string) (Caps, error) {
	run := p.Run
	if run == nil {
		run = player.ExecRunner
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := run(ctx, path, helpArgs(name)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("probe %s: %w", path, ctx.Err())
		}
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	found := Parse(string(out))
	if len(found) == 0 {
		return nil, fmt.Errorf("probe %s: %w", path, ErrNoCapabilities)
	}
	caps := Baseline(name)
	maps.Copy(caps, found)
	return caps, nil
}

// Parse extracts the first "--flag" token of each line, cut at "=" and stripped of a
// trailing comma as in VLC's "-f, --fullscreen, --no-fullscreen" lines.
func Parse(help string) Caps {
	caps := Caps{}
	for _, line := range strings.Split(help, "\n") {
		for _, tok := range strings.Fields(line) {
			if !strings.HasPrefix(tok, "--") {
				continue
			}
			flag, _, _ := strings.Cut(tok, "=")
			flag = strings.TrimRight(flag, ",")
			if len(flag) > 2 {
				caps[flag] = struct{}{}
			}
			break
		}
	}
	return caps
}

func flagName(arg string) string {
	name, _, _ := strings.Cut(arg, "=")
	return name
}

// FilterSupported keeps "--flag" and "--flag=value" arguments whose flag is in caps and
// drops everything else, preserving order. Used for VLC, whose URL is appended after.
func FilterSupported(args []string, caps Caps) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if strings.HasPrefix(a, "--") && caps.Has(flagName(a)) {
			out = append(out, a)
		}
	}
	return out
}

// FilterMPV is FilterSupported plus: bare tokens (the URL) are always kept, and
// "--no-x" is kept when "--x" is supported.
func FilterMPV(args []string, caps Caps) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			out = append(out, a)
			continue
		}
		if !strings.HasPrefix(a, "--") {
			continue
		}
		name := flagName(a)
		if caps.Has(name) {
			out = append(out, a)
			continue
		}
		if base, ok := strings.CutPrefix(name, "--no-"); ok && caps.Has("--"+base) {
			out = append(out, a)
		}
	}
	return out
}

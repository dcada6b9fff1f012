package player

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	xlog "github.com/snapetech/xtreamplay/internal/log"
)

const darwinVLCBundle = "/Applications/VLC.app/Contents/MacOS/VLC"

// Installed describes one detected player.
type Installed struct {
	Name    Name
	Found   bool
	Path    string
	Version string
}

// Availability is what Detect found on this machine.
type Availability struct {
	VLC Installed
	MPV Installed
}

// Detector locates players by running "<bin> --version", falling back to a PATH lookup.
// Zero fields are replaced by the real implementations.
type Detector struct {
	Run      Runner
	LookPath func(string) (string, error)
	GOOS     string
	Timeout  time.Duration
}

// Detect checks both players concurrently.
func (d Detector) Detect(ctx context.Context, vlcPath, mpvPath string) Availability {
	if d.Run == nil {
		d.Run = ExecRunner
	}
	if d.LookPath == nil {
		d.LookPath = exec.LookPath
	}
	if d.GOOS == "" {
		d.GOOS = runtime.GOOS
	}
	if d.Timeout <= 0 {
		d.Timeout = 5 * time.Second
	}

	vlcCandidates := []string{vlcPath}
	if d.GOOS == "darwin" && vlcPath != darwinVLCBundle {
		vlcCandidates = append(vlcCandidates, darwinVLCBundle)
	}

	var a Availability
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.VLC = d.detectOne(gctx, VLC, vlcCandidates)
		return nil
	})
	g.Go(func() error {
		a.MPV = d.detectOne(gctx, MPV, []string{mpvPath})
		return nil
	})
	_ = g.Wait()
	return a
}

func (d Detector) detectOne(ctx context.Context, name Name, candidates []string) Installed {
	logger := xlog.WithComponent("player")
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, d.Timeout)
		out, err := d.Run(rctx, c, "--version")
		cancel()
		if err == nil {
			return Installed{Name: name, Found: true, Path: c, Version: firstLine(out)}
		}
		if p, lerr := d.LookPath(c); lerr == nil {
			return Installed{Name: name, Found: true, Path: p}
		}
		logger.Debug().Str("player", string(name)).Str("candidate", c).Err(err).Msg("player not found")
	}
	return Installed{Name: name}
}

func firstLine(b []byte) string {
	for _, line := range bytes.Split(b, []byte("\n")) {
		if s := strings.TrimSpace(string(line)); s != "" {
			return s
		}
	}
	return ""
}

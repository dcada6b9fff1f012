// Command xtreamplay launches Xtream-Codes streams in an external player (VLC or mpv).
//
//	play         Launch one stream: -url, or -kind/-id/-ext with the configured account
//	interactive  Read stream URLs from stdin, one per line; config edits apply live
//	detect       Report installed players, the effective choice, and probed capabilities
//	args         Print the command line a launch would use
//	diagnose     Run a headless VLC, count buffering and print a caching suggestion
//	history      List applied caching suggestions
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/xtreamplay/internal/config"
	"github.com/snapetech/xtreamplay/internal/history"
	xlog "github.com/snapetech/xtreamplay/internal/log"
)

var version = "dev"

// globalFlags are registered on every subcommand.
type globalFlags struct {
	configPath  string
	envFile     string
	historyPath string
	logLevel    string
	logJSON     bool
	metricsAddr string
}

func registerGlobal(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{}
	fs.StringVar(&g.configPath, "config", "", "Config YAML path (default: XTREAMPLAY_CONFIG or <user config dir>/xtreamplay/config.yaml)")
	fs.StringVar(&g.envFile, "env-file", ".env", "Read KEY=value overrides from this file before the environment")
	fs.StringVar(&g.historyPath, "history", "", "Suggestion history database (default: <user config dir>/xtreamplay/history.db)")
	fs.StringVar(&g.logLevel, "log-level", "", "debug, info, warn, error (default: XTREAMPLAY_LOG_LEVEL or info)")
	fs.BoolVar(&g.logJSON, "log-json", false, "Log JSON lines instead of console output")
	fs.StringVar(&g.metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	return g
}

// resolveConfigPath applies the -config / XTREAMPLAY_CONFIG / default order.
func resolveConfigPath(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if v := os.Getenv("XTREAMPLAY_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath()
}

// setup loads .env, configures logging, and returns a holder over the loaded config.
func (g *globalFlags) setup() (*config.Holder, error) {
	if _, err := config.LoadEnvFile(g.envFile); err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	xlog.Configure(xlog.Config{Level: g.logLevel, Console: !g.logJSON})
	path := resolveConfigPath(g.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return config.NewHolder(path, cfg), nil
}

func (g *globalFlags) openHistory() (*history.Store, error) {
	path := g.historyPath
	if path == "" {
		path = history.DefaultPath()
	}
	return history.Open(path)
}

// serveMetrics exposes promhttp on addr until ctx ends. Empty addr is a no-op.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	logger := xlog.WithComponent("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <play|interactive|detect|args|diagnose|history|version> [flags]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  play         Launch one stream (-url, or -kind/-id/-ext with the configured account)\n")
	fmt.Fprintf(os.Stderr, "  interactive  Read stream URLs from stdin; config file edits apply to the next launch\n")
	fmt.Fprintf(os.Stderr, "  detect       Report installed players and probed capabilities\n")
	fmt.Fprintf(os.Stderr, "  args         Print the command line a launch would use\n")
	fmt.Fprintf(os.Stderr, "  diagnose     Run a headless VLC and suggest caching values (-apply to save)\n")
	fmt.Fprintf(os.Stderr, "  history      List applied caching suggestions\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "play":
		err = runPlay(ctx, os.Args[2:])
	case "interactive":
		err = runInteractive(ctx, os.Args[2:], os.Stdin)
	case "detect":
		err = runDetect(ctx, os.Args[2:])
	case "args":
		err = runArgs(ctx, os.Args[2:])
	case "diagnose":
		err = runDiagnose(ctx, os.Args[2:])
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "version", "-version", "--version":
		fmt.Println("xtreamplay", version)
	case "-h", "-help", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		logger := xlog.WithComponent("cli")
		logger.Error().Err(err).Str("command", os.Args[1]).Msg("command failed")
		stop()
		os.Exit(1)
	}
}

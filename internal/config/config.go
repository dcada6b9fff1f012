package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PlayerConfig holds the server credentials and every knob the player launcher reads.
// The caller owns it; the launcher only ever receives a copy for one session.
type PlayerConfig struct {
	// Provider (used only to build stream URLs)
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Player selection
	UseMPV   bool   `yaml:"use_mpv"`
	ReuseVLC bool   `yaml:"reuse_vlc"` // macOS: hand the URL to a running VLC instead of spawning
	VLCPath  string `yaml:"vlc_path"`  // binary name or path; looked up on PATH
	MPVPath  string `yaml:"mpv_path"`

	VLCExtraArgs string `yaml:"vlc_extra_args"` // whitespace-split, appended verbatim
	MPVExtraArgs string `yaml:"mpv_extra_args"`

	// Caching upper bounds in ms. ProfileBias interpolates between fixed floors and these.
	NetworkCachingMS uint32 `yaml:"network_caching_ms"`
	LiveCachingMS    uint32 `yaml:"live_caching_ms"`
	FileCachingMS    uint32 `yaml:"file_caching_ms"`
	// MuxCachingMS and HTTPTimeoutMS are kept for config compatibility but never emitted:
	// --mux-caching and --http-timeout made VLC unstable on several providers.
	MuxCachingMS  uint32 `yaml:"mux_caching_ms"`
	HTTPTimeoutMS uint32 `yaml:"http_timeout_ms"`
	ProfileBias   int    `yaml:"profile_bias"` // 0 = lowest latency, 100 = most stable

	HTTPReconnect         bool `yaml:"http_reconnect"`
	VLCVerbose            bool `yaml:"vlc_verbose"`
	DiagnoseOnStart       bool `yaml:"diagnose_on_start"`
	ContinuousDiagnostics bool `yaml:"continuous_diagnostics"`
	LowCPUMode            bool `yaml:"low_cpu_mode"`

	// mpv
	MPVCacheSecsOverride     uint32 `yaml:"mpv_cache_secs_override"`     // 0 = derive from bias
	MPVReadaheadSecsOverride uint32 `yaml:"mpv_readahead_secs_override"` // 0 = derive from bias
	MPVKeepOpen              bool   `yaml:"mpv_keep_open"`
	MPVLiveAutoRetry         bool   `yaml:"mpv_live_auto_retry"`
	MPVLiveRetryMax          uint32 `yaml:"mpv_live_retry_max"`
	MPVLiveRetryDelayMS      uint32 `yaml:"mpv_live_retry_delay_ms"`
	MPVVerbose               bool   `yaml:"mpv_verbose"`

	// ProbeTimeout bounds each capability probe (player --help style invocation).
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// Default returns the settings a fresh install starts with.
func Default() PlayerConfig {
	return PlayerConfig{
		ReuseVLC:            true,
		VLCPath:             "vlc",
		MPVPath:             "mpv",
		NetworkCachingMS:    8000,
		LiveCachingMS:       6000,
		FileCachingMS:       5000,
		MuxCachingMS:        3000,
		HTTPTimeoutMS:       10000,
		ProfileBias:         50,
		HTTPReconnect:       true,
		LowCPUMode:          true,
		MPVLiveRetryMax:     3,
		MPVLiveRetryDelayMS: 2000,
		ProbeTimeout:        5 * time.Second,
	}
}

// Normalize clamps ProfileBias to [0,100] and fills empty binary names and timeouts.
func (c *PlayerConfig) Normalize() {
	if c.ProfileBias < 0 {
		c.ProfileBias = 0
	}
	if c.ProfileBias > 100 {
		c.ProfileBias = 100
	}
	c.VLCPath = strings.TrimSpace(c.VLCPath)
	if c.VLCPath == "" {
		c.VLCPath = "vlc"
	}
	c.MPVPath = strings.TrimSpace(c.MPVPath)
	if c.MPVPath == "" {
		c.MPVPath = "mpv"
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// RetryDelay is MPVLiveRetryDelayMS as a duration.
func (c PlayerConfig) RetryDelay() time.Duration {
	return time.Duration(c.MPVLiveRetryDelayMS) * time.Millisecond
}

// ApplySuggestion stores a diagnostics suggestion as the new caching upper bounds.
func (c *PlayerConfig) ApplySuggestion(networkMS, liveMS, fileMS uint32) {
	c.NetworkCachingMS = networkMS
	c.LiveCachingMS = liveMS
	c.FileCachingMS = fileMS
}

// DefaultPath is <user config dir>/xtreamplay/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "xtreamplay", "config.yaml")
}

// Load builds a config from defaults, then the YAML file at path (a missing file is
// not an error), then XTREAMPLAY_* environment overrides. Call LoadEnvFile(".env") first
// to take overrides from a .env file.
func Load(path string) (PlayerConfig, error) {
	c := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return c, fmt.Errorf("read config: %w", err)
		default:
			if err := decodeYAML(data, &c); err != nil {
				return c, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	c.applyEnv()
	c.Normalize()
	return c, nil
}

func decodeYAML(data []byte, c *PlayerConfig) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(c)
}

func (c *PlayerConfig) applyEnv() {
	c.Address = getEnv("XTREAMPLAY_ADDRESS", c.Address)
	c.Username = getEnv("XTREAMPLAY_USERNAME", c.Username)
	c.Password = getEnv("XTREAMPLAY_PASSWORD", c.Password)
	c.UseMPV = getEnvBool("XTREAMPLAY_USE_MPV", c.UseMPV)
	c.ReuseVLC = getEnvBool("XTREAMPLAY_REUSE_VLC", c.ReuseVLC)
	c.VLCPath = getEnv("XTREAMPLAY_VLC_PATH", c.VLCPath)
	c.MPVPath = getEnv("XTREAMPLAY_MPV_PATH", c.MPVPath)
	c.VLCExtraArgs = getEnv("XTREAMPLAY_VLC_EXTRA_ARGS", c.VLCExtraArgs)
	c.MPVExtraArgs = getEnv("XTREAMPLAY_MPV_EXTRA_ARGS", c.MPVExtraArgs)
	c.NetworkCachingMS = getEnvUint32("XTREAMPLAY_NETWORK_CACHING_MS", c.NetworkCachingMS)
	c.LiveCachingMS = getEnvUint32("XTREAMPLAY_LIVE_CACHING_MS", c.LiveCachingMS)
	c.FileCachingMS = getEnvUint32("XTREAMPLAY_FILE_CACHING_MS", c.FileCachingMS)
	c.MuxCachingMS = getEnvUint32("XTREAMPLAY_MUX_CACHING_MS", c.MuxCachingMS)
	c.HTTPTimeoutMS = getEnvUint32("XTREAMPLAY_HTTP_TIMEOUT_MS", c.HTTPTimeoutMS)
	c.ProfileBias = getEnvInt("XTREAMPLAY_PROFILE_BIAS", c.ProfileBias)
	c.HTTPReconnect = getEnvBool("XTREAMPLAY_HTTP_RECONNECT", c.HTTPReconnect)
	c.VLCVerbose = getEnvBool("XTREAMPLAY_VLC_VERBOSE", c.VLCVerbose)
	c.DiagnoseOnStart = getEnvBool("XTREAMPLAY_DIAGNOSE_ON_START", c.DiagnoseOnStart)
	c.ContinuousDiagnostics = getEnvBool("XTREAMPLAY_CONTINUOUS_DIAGNOSTICS", c.ContinuousDiagnostics)
	c.LowCPUMode = getEnvBool("XTREAMPLAY_LOW_CPU_MODE", c.LowCPUMode)
	c.MPVCacheSecsOverride = getEnvUint32("XTREAMPLAY_MPV_CACHE_SECS_OVERRIDE", c.MPVCacheSecsOverride)
	c.MPVReadaheadSecsOverride = getEnvUint32("XTREAMPLAY_MPV_READAHEAD_SECS_OVERRIDE", c.MPVReadaheadSecsOverride)
	c.MPVKeepOpen = getEnvBool("XTREAMPLAY_MPV_KEEP_OPEN", c.MPVKeepOpen)
	c.MPVLiveAutoRetry = getEnvBool("XTREAMPLAY_MPV_LIVE_AUTO_RETRY", c.MPVLiveAutoRetry)
	c.MPVLiveRetryMax = getEnvUint32("XTREAMPLAY_MPV_LIVE_RETRY_MAX", c.MPVLiveRetryMax)
	c.MPVLiveRetryDelayMS = getEnvUint32("XTREAMPLAY_MPV_LIVE_RETRY_DELAY_MS", c.MPVLiveRetryDelayMS)
	c.MPVVerbose = getEnvBool("XTREAMPLAY_MPV_VERBOSE", c.MPVVerbose)
	c.ProbeTimeout = getEnvDuration("XTREAMPLAY_PROBE_TIMEOUT", c.ProbeTimeout)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// getEnvUint32 ignores negative or malformed values so caching bounds stay non-negative.
func getEnvUint32(key string, defaultVal uint32) uint32 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return defaultVal
	}
	return uint32(n)
}

func getEnvBool(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

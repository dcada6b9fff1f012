package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	launchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtreamplay_player_launches_total",
		Help: "Player launch attempts, by player and result (started, spawn_failed).",
	}, []string{"player", "result"})

	exitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtreamplay_player_exits_total",
		Help: "Supervised player exits, by player and reason.",
	}, []string{"player", "reason"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtreamplay_mpv_live_retries_total",
		Help: "mpv relaunches after an early live failure.",
	})

	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xtreamplay_vlc_fallbacks_total",
		Help: "Sessions that fell back from mpv to VLC, by cause.",
	}, []string{"cause"})

	reuseTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xtreamplay_vlc_reuse_total",
		Help: "URLs handed to an already running VLC instead of spawning.",
	})
)

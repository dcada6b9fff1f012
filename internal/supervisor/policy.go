package supervisor

import (
	"sync"

	"github.com/snapetech/xtreamplay/internal/events"
	"github.com/snapetech/xtreamplay/internal/player"
)

// DefaultFailoverThreshold is how many spawn failures of one player flip the preference.
const DefaultFailoverThreshold = 3

// FailoverPolicy watches SpawnFailed events across sessions and decides when the
// preferred player should change. It only advises; the caller owns the config.
type FailoverPolicy struct {
	Threshold int

	mu       sync.Mutex
	failures map[player.Name]int
}

func NewFailoverPolicy() *FailoverPolicy {
	return &FailoverPolicy{Threshold: DefaultFailoverThreshold}
}

// Observe counts e if it is a spawn failure and returns the use_mpv value the caller
// should adopt. changed is true only when that differs from useMPV. A switch is only
// proposed towards a player that is installed.
func (p *FailoverPolicy) Observe(e events.Event, useMPV bool, avail player.Availability) (next bool, changed bool) {
	if e.Kind != events.SpawnFailed {
		return useMPV, false
	}
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultFailoverThreshold
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures == nil {
		p.failures = make(map[player.Name]int)
	}
	name := player.Name(e.Player)
	p.failures[name]++

	switch {
	case useMPV && p.failures[player.MPV] >= threshold && avail.VLC.Found:
		p.failures[player.MPV] = 0
		return false, true
	case !useMPV && p.failures[player.VLC] >= threshold && avail.MPV.Found:
		p.failures[player.VLC] = 0
		return true, true
	}
	return useMPV, false
}

// Failures returns the current count for name.
func (p *FailoverPolicy) Failures(name player.Name) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[name]
}

// ResolvePlayer applies what is installed to a configured preference: mpv is dropped
// when missing, and chosen when it is the only player present.
func ResolvePlayer(useMPV bool, avail player.Availability) bool {
	if useMPV && !avail.MPV.Found {
		return false
	}
	if !avail.VLC.Found && avail.MPV.Found {
		return true
	}
	return useMPV
}

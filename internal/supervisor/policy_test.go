package supervisor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snapetech/xtreamplay/internal/events"
	"github.com/snapetech/xtreamplay/internal/player"
)

func availability(vlc, mpv bool) player.Availability {
	return player.Availability{
		VLC: player.Installed{Name: player.VLC, Found: vlc},
		MPV: player.Installed{Name: player.MPV, Found: mpv},
	}
}

func spawnFailed(name player.Name) events.Event {
	return events.Event{Kind: events.SpawnFailed, Player: string(name), Err: errors.New("exec: not found")}
}

func TestFailoverPolicy_switchesAfterThreshold(t *testing.T) {
	p := NewFailoverPolicy()
	both := availability(true, true)

	for i := 1; i < DefaultFailoverThreshold; i++ {
		next, changed := p.Observe(spawnFailed(player.MPV), true, both)
		assert.True(t, next)
		assert.False(t, changed, "failure %d", i)
	}
	next, changed := p.Observe(spawnFailed(player.MPV), true, both)
	assert.False(t, next)
	assert.True(t, changed)
	assert.Zero(t, p.Failures(player.MPV), "count resets after a switch")
}

func TestFailoverPolicy_ignoresOtherEvents(t *testing.T) {
	p := &FailoverPolicy{Threshold: 1}
	next, changed := p.Observe(events.Event{Kind: events.PlayerExited, Player: string(player.MPV), Err: errors.New("exit 1")}, true, availability(true, true))
	assert.True(t, next)
	assert.False(t, changed)
	assert.Zero(t, p.Failures(player.MPV))
}

func TestFailoverPolicy_needsTargetInstalled(t *testing.T) {
	p := &FailoverPolicy{Threshold: 2}
	vlcOnly := availability(true, false)

	for i := 0; i < 4; i++ {
		next, changed := p.Observe(spawnFailed(player.VLC), false, vlcOnly)
		assert.False(t, next)
		assert.False(t, changed)
	}
	assert.Equal(t, 4, p.Failures(player.VLC))

	next, changed := p.Observe(spawnFailed(player.VLC), false, availability(true, true))
	assert.True(t, next)
	assert.True(t, changed)
}

func TestFailoverPolicy_countsPerPlayer(t *testing.T) {
	p := &FailoverPolicy{Threshold: 2}
	both := availability(true, true)

	// A fallback VLC failing does not count against mpv.
	_, changed := p.Observe(spawnFailed(player.VLC), true, both)
	assert.False(t, changed)
	_, changed = p.Observe(spawnFailed(player.MPV), true, both)
	assert.False(t, changed)
	assert.Equal(t, 1, p.Failures(player.VLC))
	assert.Equal(t, 1, p.Failures(player.MPV))

	next, changed := p.Observe(spawnFailed(player.MPV), true, both)
	assert.False(t, next)
	assert.True(t, changed)
}

func TestResolvePlayer(t *testing.T) {
	tests := []struct {
		name     string
		useMPV   bool
		vlc, mpv bool
		want     bool
	}{
		{"vlc preferred both present", false, true, true, false},
		{"mpv preferred both present", true, true, true, true},
		{"mpv preferred but missing", true, true, false, false},
		{"vlc preferred but only mpv", false, false, true, true},
		{"nothing installed keeps vlc", false, false, false, false},
		{"nothing installed drops mpv", true, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolvePlayer(tt.useMPV, availability(tt.vlc, tt.mpv)))
		})
	}
}

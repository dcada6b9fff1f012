// Package events carries background launch results back to whoever drives the UI or CLI.
// Producers get a Sink at construction time; nothing here is process-global.
package events

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type Kind string

const (
	LaunchStarted       Kind = "launch_started"
	SpawnFailed         Kind = "spawn_failed"
	PlayerExited        Kind = "player_exited"
	RetryScheduled      Kind = "retry_scheduled"
	FallbackStarted     Kind = "fallback_started"
	Reused              Kind = "reused"
	SessionDone         Kind = "session_done"
	DiagnosticsUpdate   Kind = "diagnostics_update"
	DiagnosticsCaptured Kind = "diagnostics_captured"
	DiagnosticsStopped  Kind = "diagnostics_stopped"
	Warning             Kind = "warning"
)

// Suggestion is a proposed set of caching upper bounds for the next session.
type Suggestion struct {
	NetworkMS uint32
	LiveMS    uint32
	FileMS    uint32
}

func (s Suggestion) String() string {
	return fmt.Sprintf("network=%dms live=%dms file=%dms", s.NetworkMS, s.LiveMS, s.FileMS)
}

// Event is one tagged result. Only the fields relevant to Kind are set.
type Event struct {
	Kind    Kind
	Session string
	Time    time.Time

	Player  string
	Attempt int
	Runtime time.Duration
	Early   bool
	Err     error
	Message string

	Lines      []string
	Suggestion *Suggestion
	Output     string
}

func (e Event) String() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Player != "" {
		fmt.Fprintf(&b, " player=%s", e.Player)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.Runtime > 0 {
		fmt.Fprintf(&b, " runtime=%s", e.Runtime.Round(time.Millisecond))
	}
	if e.Early {
		b.WriteString(" early=true")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " err=%q", e.Err.Error())
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " msg=%q", e.Message)
	}
	if len(e.Lines) > 0 {
		fmt.Fprintf(&b, " lines=%d", len(e.Lines))
	}
	if e.Suggestion != nil {
		fmt.Fprintf(&b, " suggest=[%s]", e.Suggestion)
	}
	if e.Output != "" {
		fmt.Fprintf(&b, " output=%dB", len(e.Output))
	}
	return b.String()
}

// Sink receives events. Emit must not block and must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) {})

// Channel is a buffered multi-producer sink. When the buffer is full new events are
// dropped and counted rather than blocking the producer.
type Channel struct {
	ch      chan Event
	dropped atomic.Uint64
}

func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 64
	}
	return &Channel{ch: make(chan Event, size)}
}

func (c *Channel) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// C exposes the receive side for select loops.
func (c *Channel) C() <-chan Event { return c.ch }

// Drain returns everything currently buffered without waiting.
func (c *Channel) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-c.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }

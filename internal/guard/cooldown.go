// Package guard holds the cooldown rules that keep repeated reads from the
// same reader from inflating counts. The decision is pure; the stores apply
// it inside their atomic increment so check and write cannot interleave.
package guard

import (
	"math"
	"time"
)

// DefaultWindow is the cooldown applied when none is configured.
const DefaultWindow = 30 * time.Minute

// Cooldown decides whether a view at a given time may be counted, given the
// time of the last accepted view. A zero or negative window disables it.
type Cooldown struct {
	window time.Duration
}

// New returns a Cooldown with the given window.
func New(window time.Duration) Cooldown {
	return Cooldown{window: window}
}

// Window returns the configured window.
func (c Cooldown) Window() time.Duration { return c.window }

// Disabled reports whether every view is accepted.
func (c Cooldown) Disabled() bool { return c.window <= 0 }

// ShouldAccept reports whether a view at now is counted. lastReadAt is unix
// milliseconds of the last accepted view; nil always accepts. A view exactly
// one window after the last one is accepted.
func (c Cooldown) ShouldAccept(lastReadAt *int64, now time.Time) bool {
	if c.Disabled() || lastReadAt == nil {
		return true
	}
	return now.UnixMilli()-*lastReadAt >= c.window.Milliseconds()
}

// Cutoff returns the newest last-read time, in unix milliseconds, that still
// lets a view at now through. Stores compare against it inside their
// conditional update. A disabled guard returns math.MaxInt64.
func (c Cooldown) Cutoff(now time.Time) int64 {
	if c.Disabled() {
		return math.MaxInt64
	}
	return now.UnixMilli() - c.window.Milliseconds()
}

// Remaining returns how long until a view would be accepted again, or 0.
func (c Cooldown) Remaining(lastReadAt *int64, now time.Time) time.Duration {
	if c.ShouldAccept(lastReadAt, now) {
		return 0
	}
	left := c.window.Milliseconds() - (now.UnixMilli() - *lastReadAt)
	return time.Duration(left) * time.Millisecond
}

// Within reports whether t lies inside the window ending at now. It is the
// client-side form of the same rule, working on wall-clock marks.
func (c Cooldown) Within(t, now time.Time) bool {
	if c.Disabled() || t.IsZero() {
		return false
	}
	return now.Sub(t) < c.window
}

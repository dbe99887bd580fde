package broadcast

import (
	"sync"
	"time"
)

// channel owns one channel's sequence counter, retained events and live
// subscribers. Everything is guarded by mu.
type channel struct {
	name string
	kind ChannelKind

	mu         sync.Mutex
	lastSeq    uint64
	events     []Event // ascending, contiguous IDs
	subs       map[*Subscription]struct{}
	lastActive time.Time
}

func newChannel(name string, kind ChannelKind, now time.Time) *channel {
	return &channel{
		name:       name,
		kind:       kind,
		subs:       make(map[*Subscription]struct{}),
		lastActive: now,
	}
}

// evictLocked drops events older than lifetime and trims to maxLen.
func (c *channel) evictLocked(now time.Time, lifetime time.Duration, maxLen int) {
	cutoff := now.Add(-lifetime)
	drop := 0
	for drop < len(c.events) && c.events[drop].CreatedAt.Before(cutoff) {
		drop++
	}
	if over := len(c.events) - drop - maxLen; over > 0 {
		drop += over
	}
	if drop == 0 {
		return
	}
	clear(c.events[:drop])
	c.events = c.events[drop:]
	if len(c.events) == 0 {
		c.events = nil
	}
}

// floorLocked is the oldest replayable sequence. With an empty buffer it is
// the next sequence to be assigned.
func (c *channel) floorLocked() uint64 {
	if len(c.events) > 0 {
		return c.events[0].ID
	}
	return c.lastSeq + 1
}

// replayLocked returns the events after `after`, or ok=false when that point
// is below the floor or beyond the last assigned sequence.
func (c *channel) replayLocked(after uint64) ([]Event, bool) {
	floor := c.floorLocked()
	if after+1 < floor || after > c.lastSeq {
		return nil, false
	}
	start := int(after + 1 - floor)
	if start >= len(c.events) {
		return nil, true
	}
	out := make([]Event, len(c.events)-start)
	copy(out, c.events[start:])
	return out, true
}

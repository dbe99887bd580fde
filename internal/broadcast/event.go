package broadcast

import (
	"encoding/json"
	"time"
)

const (
	EventPing          = "ping"
	EventResumeGap     = "resume_gap"
	EventTradeExecuted = "trade.executed"
	EventTradeUpdated  = "trade.updated"
)

// Event is an immutable fact on a channel. ID is the per-channel sequence;
// ping events carry none.
type Event struct {
	ID        uint64          `json:"id,omitempty"`
	Channel   string          `json:"channel"`
	Type      string          `json:"event"`
	Payload   json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ResumeGap is the payload of a resume_gap event. The requested point is no
// longer replayable; the client should fetch full state and continue from
// Latest.
type ResumeGap struct {
	Requested uint64 `json:"requested"`
	Oldest    uint64 `json:"oldest_available"`
	Latest    uint64 `json:"latest"`
}

func pingEvent(channel string, at time.Time) Event {
	return Event{Channel: channel, Type: EventPing, CreatedAt: at}
}

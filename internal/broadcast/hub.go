// Package broadcast fans domain changes out to long-lived client
// connections. Each channel keeps a short, time-bounded history so clients
// can resume from the last sequence they saw.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/pkg/logger"
	"github.com/GoPolymarket/tradefeed/internal/pkg/metrics"
	"github.com/google/uuid"
)

var ErrInvalidChannel = errors.New("broadcast: invalid channel name")

type Hub struct {
	cfg      Config
	authz    Authorizer
	registry *Registry
	now      func() time.Time

	mu       sync.RWMutex
	channels map[string]*channel
	closed   bool

	stop      chan struct{}
	stopOnce  sync.Once
	janitorWG sync.WaitGroup
}

func NewHub(cfg Config, authz Authorizer, registry *Registry) *Hub {
	if authz == nil {
		authz = NewChannelAuthorizer()
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Hub{
		cfg:      cfg.normalized(),
		authz:    authz,
		registry: registry,
		now:      time.Now,
		channels: make(map[string]*channel),
		stop:     make(chan struct{}),
	}
}

// Retry is the reconnect delay clients are told to wait.
func (h *Hub) Retry() time.Duration {
	return h.cfg.Retry
}

// Start runs the eviction janitor until ctx is done or the hub is closed.
func (h *Hub) Start(ctx context.Context) {
	h.janitorWG.Add(1)
	go func() {
		defer h.janitorWG.Done()
		ticker := time.NewTicker(h.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.sweep()
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			}
		}
	}()
}

// Close ends every subscription with ErrHubClosed and rejects further
// publishes and subscribes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	channels := h.channels
	h.channels = make(map[string]*channel)
	h.mu.Unlock()

	h.stopOnce.Do(func() { close(h.stop) })
	h.janitorWG.Wait()

	for _, ch := range channels {
		ch.mu.Lock()
		subs := ch.subs
		ch.subs = make(map[*Subscription]struct{})
		ch.mu.Unlock()
		for sub := range subs {
			sub.terminate(ErrHubClosed, "shutdown")
		}
	}
}

// Publish appends an event to channel and hands it to every live
// subscriber without blocking. A subscriber whose queue is full is
// disconnected with ErrSlowConsumer.
func (h *Hub) Publish(channelName, eventType string, payload any) (Event, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Event{}, err
	}
	if err := h.registry.Validate(eventType, raw); err != nil {
		return Event{}, err
	}
	ch, err := h.channel(channelName)
	if err != nil {
		return Event{}, err
	}

	now := h.now()
	var slow []*Subscription

	ch.mu.Lock()
	ch.lastSeq++
	ev := Event{
		ID:        ch.lastSeq,
		Channel:   channelName,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: now,
	}
	ch.evictLocked(now, h.cfg.ResumeLifetime, h.cfg.BufferSize-1)
	ch.events = append(ch.events, ev)
	ch.lastActive = now
	for sub := range ch.subs {
		select {
		case sub.queue <- ev:
		default:
			delete(ch.subs, sub)
			slow = append(slow, sub)
		}
	}
	ch.mu.Unlock()

	for _, sub := range slow {
		logger.Warn("disconnecting slow subscriber", "channel", channelName, "subscription", sub.ID)
		sub.terminate(ErrSlowConsumer, "slow_consumer")
	}
	metrics.HubEvents.WithLabelValues(ch.kind.String(), eventType).Inc()
	return ev, nil
}

// Subscribe authorizes identity for channelName and attaches a subscription.
// With lastEventID set, every retained event after it is replayed first; if
// that point is no longer retained a resume_gap event is delivered instead
// and nothing is replayed. The subscription closes when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, identity Identity, channelName string, lastEventID *uint64) (*Subscription, error) {
	if err := h.authz.Authorize(identity, channelName); err != nil {
		return nil, err
	}
	ch, err := h.channel(channelName)
	if err != nil {
		return nil, err
	}

	now := h.now()
	sub := &Subscription{
		ID:       uuid.NewString(),
		Channel:  channelName,
		Identity: identity,
		hub:      h,
		ch:       ch,
		queue:    make(chan Event, h.cfg.QueueSize),
		done:     make(chan struct{}),
	}
	sub.lastActivity.Store(now.UnixNano())
	metrics.HubSubscribers.Inc()
	context.AfterFunc(ctx, sub.Close)

	ch.mu.Lock()
	ch.evictLocked(now, h.cfg.ResumeLifetime, h.cfg.BufferSize)
	if lastEventID != nil {
		replay, ok := ch.replayLocked(*lastEventID)
		if ok {
			sub.pending = replay
		} else {
			sub.gap = h.gapEvent(ch, *lastEventID, now)
		}
	}
	select {
	case <-sub.done:
		// ctx ended before we attached
	default:
		ch.subs[sub] = struct{}{}
	}
	ch.lastActive = now
	ch.mu.Unlock()

	// Close may have swapped the channel map before we attached.
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		ch.mu.Lock()
		delete(ch.subs, sub)
		ch.mu.Unlock()
		sub.terminate(ErrHubClosed, "shutdown")
		return nil, ErrHubClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sub, nil
}

// LastSequence returns the last sequence assigned on a channel.
func (h *Hub) LastSequence(channelName string) uint64 {
	h.mu.RLock()
	ch := h.channels[channelName]
	h.mu.RUnlock()
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lastSeq
}

func (h *Hub) gapEvent(ch *channel, requested uint64, now time.Time) *Event {
	gap := ResumeGap{Requested: requested, Oldest: ch.floorLocked(), Latest: ch.lastSeq}
	if len(ch.events) == 0 {
		gap.Oldest = 0
	}
	raw, _ := json.Marshal(gap)
	metrics.HubResumeGaps.Inc()
	// The gap event carries the sequence live delivery continues from, so a
	// client that stores it resumes from there after its full refresh.
	return &Event{ID: ch.lastSeq, Channel: ch.name, Type: EventResumeGap, Payload: raw, CreatedAt: now}
}

func (h *Hub) channel(name string) (*channel, error) {
	parsed, ok := ParseChannel(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}

	h.mu.RLock()
	ch, ok := h.channels[name]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil, ErrHubClosed
	}
	if ok {
		return ch, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if ch, ok = h.channels[name]; ok {
		return ch, nil
	}
	ch = newChannel(name, parsed.Kind, h.now())
	h.channels[name] = ch
	return ch, nil
}

// sweep evicts expired events everywhere and forgets channels that never
// carried an event and have no subscribers. Channels with history keep their
// sequence counter so ids are never reused.
func (h *Hub) sweep() {
	now := h.now()
	h.mu.RLock()
	channels := make([]*channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.RUnlock()

	var idle []*channel
	for _, ch := range channels {
		ch.mu.Lock()
		ch.evictLocked(now, h.cfg.ResumeLifetime, h.cfg.BufferSize)
		if ch.lastSeq == 0 && len(ch.subs) == 0 && now.Sub(ch.lastActive) > h.cfg.ResumeLifetime {
			idle = append(idle, ch)
		}
		ch.mu.Unlock()
	}
	if len(idle) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range idle {
		ch.mu.Lock()
		if ch.lastSeq == 0 && len(ch.subs) == 0 && h.channels[ch.name] == ch {
			delete(h.channels, ch.name)
		}
		ch.mu.Unlock()
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	case json.RawMessage:
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		return append(json.RawMessage(nil), p...), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return raw, nil
	}
}

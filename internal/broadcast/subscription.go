package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/pkg/metrics"
)

var (
	ErrSlowConsumer       = errors.New("broadcast: subscriber queue overflow")
	ErrSubscriptionClosed = errors.New("broadcast: subscription closed")
	ErrHubClosed          = errors.New("broadcast: hub closed")
)

// Subscription is one client's view of a channel. Next must be called from a
// single goroutine; Close may be called from any.
type Subscription struct {
	ID       string
	Channel  string
	Identity Identity

	hub *Hub
	ch  *channel

	gap     *Event
	pending []Event
	queue   chan Event

	lastActivity atomic.Int64 // unix nanos of the last delivered event

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Next blocks until the next event is available. Order: the resume_gap
// control event, then replayed events, then live events. A ping is returned
// when nothing was delivered for the ping interval.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case <-s.done:
		return Event{}, s.err
	default:
	}

	if s.gap != nil {
		e := *s.gap
		s.gap = nil
		s.touch()
		return e, nil
	}
	if len(s.pending) > 0 {
		e := s.pending[0]
		s.pending[0] = Event{}
		s.pending = s.pending[1:]
		s.touch()
		return e, nil
	}

	var pingC <-chan time.Time
	if s.hub.cfg.PingEnable {
		wait := s.hub.cfg.PingInterval - s.hub.now().Sub(time.Unix(0, s.lastActivity.Load()))
		if wait <= 0 {
			s.touch()
			return pingEvent(s.Channel, s.hub.now()), nil
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		pingC = timer.C
	}

	select {
	case e := <-s.queue:
		s.touch()
		return e, nil
	case <-pingC:
		s.touch()
		return pingEvent(s.Channel, s.hub.now()), nil
	case <-s.done:
		return Event{}, s.err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended; nil while it is live.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close detaches the subscription from its channel. It is idempotent.
func (s *Subscription) Close() {
	s.ch.mu.Lock()
	delete(s.ch.subs, s)
	s.ch.mu.Unlock()
	s.terminate(ErrSubscriptionClosed, "client")
}

func (s *Subscription) touch() {
	s.lastActivity.Store(s.hub.now().UnixNano())
}

// terminate must be called after s has been removed from its channel.
func (s *Subscription) terminate(err error, reason string) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		metrics.HubSubscribers.Dec()
		metrics.HubDisconnects.WithLabelValues(reason).Inc()
	})
}

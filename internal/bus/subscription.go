package bus

import (
	"context"
	"sync"

	"github.com/driftwire/driftwire/internal/envelope"
)

// Subscription is a live attachment to one stream key. Events arrive in seq
// order on Events; when the channel closes, Err reports why: nil for a normal
// close, REPLAY_MISS when the subscriber lagged past its delivery budget.
type Subscription struct {
	key envelope.StreamKey
	ch  chan envelope.StreamEvent

	mu       sync.Mutex
	finished bool
	err      error

	detach    func()
	stopWatch func() bool
}

func newSubscription(key envelope.StreamKey, capacity int) *Subscription {
	return &Subscription{
		key: key,
		ch:  make(chan envelope.StreamEvent, capacity),
	}
}

// Key returns the stream key this subscription is attached to.
func (s *Subscription) Key() envelope.StreamKey {
	return s.key
}

// Events is the ordered delivery channel. It closes when the subscription
// ends; check Err afterwards.
func (s *Subscription) Events() <-chan envelope.StreamEvent {
	return s.ch
}

// Err reports why the subscription ended. Valid after Events is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the subscription. Safe to call more than once and
// idempotent with a bus-side disconnect.
func (s *Subscription) Close() {
	if s.detach != nil {
		s.detach()
	}
	s.mu.Lock()
	stop := s.stopWatch
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.finish(nil)
}

// watch ties the subscription lifetime to ctx: cancellation releases it.
func (s *Subscription) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		stop()
		return
	}
	s.stopWatch = stop
	s.mu.Unlock()
}

// deliver enqueues an event without blocking. It reports false when the
// subscriber has no budget left or has already finished.
func (s *Subscription) deliver(evt envelope.StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

// finish ends delivery with the given terminal error.
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.ch)
}

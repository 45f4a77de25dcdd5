// Package bus implements the per-stream-key event queue at the center of the
// sync core: ordered seq assignment, subscriber fan-out, bounded replay
// buffering, and the backpressure drop policy.
package bus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/driftwire/driftwire/internal/envelope"
	apperrors "github.com/driftwire/driftwire/internal/platform/errors"
	"github.com/driftwire/driftwire/internal/routing"
)

const (
	defaultBufferLen        = 1024
	defaultBufferAge        = 10 * time.Minute
	defaultSubscriberBuffer = 256
)

// SnapshotRefProvider supplies the full-resync reference returned with a
// REPLAY_MISS. Implemented by the persistence collaborator.
type SnapshotRefProvider interface {
	SnapshotRef(ctx context.Context, tenantID, resourceID string) (string, error)
}

// Options tunes buffering and delivery behavior.
type Options struct {
	// BufferLen caps the replay buffer per stream key.
	BufferLen int
	// BufferAge caps how long events stay replayable.
	BufferAge time.Duration
	// SubscriberBuffer caps each subscription's delivery channel. A
	// subscriber that falls further behind than this is disconnected with a
	// replay miss rather than allowed to block the admission path.
	SubscriberBuffer int
	// Snapshots resolves snapshot references for replay misses. Optional.
	Snapshots SnapshotRefProvider
}

// Bus owns one ordered, bounded, replayable queue per stream key.
//
// Admission to a given key is strictly serialized under that key's mutex, so
// seq assignment is race-free while distinct keys proceed fully in parallel.
type Bus struct {
	validator *routing.Validator
	opts      Options

	mu      sync.Mutex
	streams map[envelope.StreamKey]*stream
	closed  bool
}

type stream struct {
	mu      sync.Mutex
	key     envelope.StreamKey
	lastSeq uint64
	// missFloor is the lowest cursor still recoverable from the buffer.
	// It advances only when a truth-priority event is discarded; losing
	// gestures is the documented drop policy, losing truth forces resync.
	missFloor uint64
	buffer    []envelope.StreamEvent
	subs      map[*Subscription]struct{}
}

// New creates a Bus gated by the given routing validator.
func New(validator *routing.Validator, opts Options) *Bus {
	if opts.BufferLen <= 0 {
		opts.BufferLen = defaultBufferLen
	}
	if opts.BufferAge <= 0 {
		opts.BufferAge = defaultBufferAge
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Bus{
		validator: validator,
		opts:      opts,
		streams:   make(map[envelope.StreamKey]*stream),
	}
}

func (b *Bus) stream(key envelope.StreamKey) (*stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, apperrors.New(apperrors.CodeSubscriptionClosed, "bus is closed")
	}
	st, ok := b.streams[key]
	if !ok {
		st = &stream{
			key:       key,
			missFloor: 1,
			subs:      make(map[*Subscription]struct{}),
		}
		b.streams[key] = st
	}
	return st, nil
}

// Publish admits an event to the stream key's queue, assigns its seq, and
// fans it out to current subscribers. Either the event gets a seq and is
// enqueued in the replay buffer, or an error is returned and nothing is
// emitted.
func (b *Bus) Publish(ctx context.Context, key envelope.StreamKey, evt envelope.StreamEvent) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := evt.Validate(); err != nil {
		return 0, err
	}
	if b.validator != nil {
		if err := b.validator.Validate(evt.Routing); err != nil {
			return 0, err
		}
	}

	st, err := b.stream(key)
	if err != nil {
		return 0, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.lastSeq++
	evt.Seq = st.lastSeq
	st.buffer = append(st.buffer, evt)
	st.trim(b.opts, time.Now())

	for sub := range st.subs {
		if !sub.deliver(evt) {
			// The subscriber overflowed its delivery budget. Detach it so a
			// slow consumer never blocks admission; it will observe a replay
			// miss and resubscribe from its cursor.
			delete(st.subs, sub)
			sub.finish(laggedErr(st.key))
		}
	}
	return evt.Seq, nil
}

// Subscribe attaches to a stream key from a resume cursor. Buffered events
// after the cursor are delivered before any newly published event, with no
// duplicates and no reordering. A cursor older than the retained window
// fails with REPLAY_MISS carrying a snapshot reference.
func (b *Bus) Subscribe(ctx context.Context, key envelope.StreamKey, fromSeq uint64) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st, err := b.stream(key)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if fromSeq+1 < st.missFloor {
		floor := st.missFloor
		st.mu.Unlock()
		return nil, b.replayMiss(ctx, key, fromSeq, floor)
	}

	var backfill []envelope.StreamEvent
	for _, evt := range st.buffer {
		if evt.Seq > fromSeq {
			backfill = append(backfill, evt)
		}
	}

	sub := newSubscription(key, len(backfill)+b.opts.SubscriberBuffer)
	sub.detach = func() {
		st.mu.Lock()
		delete(st.subs, sub)
		st.mu.Unlock()
	}
	for _, evt := range backfill {
		sub.deliver(evt)
	}
	st.subs[sub] = struct{}{}
	st.mu.Unlock()

	sub.watch(ctx)
	return sub, nil
}

// LastSeq reports the highest seq assigned on a stream key so far.
func (b *Bus) LastSeq(key envelope.StreamKey) uint64 {
	b.mu.Lock()
	st, ok := b.streams[key]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastSeq
}

// Close detaches every subscriber and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	streams := make([]*stream, 0, len(b.streams))
	for _, st := range b.streams {
		streams = append(streams, st)
	}
	b.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		for sub := range st.subs {
			delete(st.subs, sub)
			sub.finish(nil)
		}
		st.mu.Unlock()
	}
}

func (b *Bus) replayMiss(ctx context.Context, key envelope.StreamKey, fromSeq, floor uint64) error {
	metadata := map[string]string{
		"stream_key":     key.String(),
		"requested_seq":  strconv.FormatUint(fromSeq, 10),
		"retained_floor": strconv.FormatUint(floor, 10),
	}
	if b.opts.Snapshots != nil {
		if ref, err := b.opts.Snapshots.SnapshotRef(ctx, key.TenantID, key.ResourceID); err == nil && ref != "" {
			metadata["snapshot_ref"] = ref
		}
	}
	return apperrors.WithMetadata(apperrors.CodeReplayMiss,
		"resume cursor is older than the retained buffer window", metadata)
}

func laggedErr(key envelope.StreamKey) error {
	return apperrors.WithMetadata(apperrors.CodeReplayMiss,
		"subscriber fell behind live delivery", map[string]string{
			"stream_key": key.String(),
		})
}

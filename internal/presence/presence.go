// Package presence maintains "who is doing what, where" per stream key.
// Presence is not privileged state: every change is published as an ordinary
// gesture-priority event through the Event Bus and is subject to the same
// drop policy as any other gesture. The tracker's own map is just a fold of
// the most recent presence event per actor, kept for snapshot reads.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/driftwire/driftwire/internal/bus"
	"github.com/driftwire/driftwire/internal/envelope"
	apperrors "github.com/driftwire/driftwire/internal/platform/errors"
	"github.com/driftwire/driftwire/internal/platform/timeouts"
)

// Record is the ephemeral per-actor state for one stream key. Overwritten on
// each heartbeat; expired lazily when no heartbeat arrives within the TTL.
type Record struct {
	ActorID   string          `json:"actor_id"`
	ActorType string          `json:"actor_type"`
	Status    string          `json:"status"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	LastSeen  time.Time       `json:"last_seen"`
}

// Tracker folds presence events into a per-stream-key actor map and publishes
// each change onto the bus. Safe for concurrent use.
type Tracker struct {
	bus *bus.Bus
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	streams map[envelope.StreamKey]map[string]Record
}

// Options tunes the tracker.
type Options struct {
	// TTL is the heartbeat window after which a record is considered stale.
	TTL time.Duration
	// Now overrides the clock for tests.
	Now func() time.Time
}

// New creates a Tracker publishing through eventBus.
func New(eventBus *bus.Bus, opts Options) *Tracker {
	if opts.TTL <= 0 {
		opts.TTL = timeouts.PresenceTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		bus:     eventBus,
		ttl:     opts.TTL,
		now:     opts.Now,
		streams: make(map[envelope.StreamKey]map[string]Record),
	}
}

// Join records an actor's arrival on the routing target's presence channel
// and publishes a presence.join event.
func (t *Tracker) Join(ctx context.Context, keys envelope.RoutingKeys, cursor json.RawMessage) error {
	return t.publish(ctx, envelope.TypePresenceJoin, keys, cursor)
}

// Heartbeat refreshes an actor's record and publishes a presence.heartbeat
// event. The cursor is the actor's last-observed position or gesture.
func (t *Tracker) Heartbeat(ctx context.Context, keys envelope.RoutingKeys, cursor json.RawMessage) error {
	return t.publish(ctx, envelope.TypePresenceHeartbeat, keys, cursor)
}

// Leave removes an actor's record and publishes a presence.leave event.
// Idempotent: leaving twice publishes twice but the fold is unchanged.
func (t *Tracker) Leave(ctx context.Context, keys envelope.RoutingKeys) error {
	return t.publish(ctx, envelope.TypePresenceLeave, keys, nil)
}

func (t *Tracker) publish(ctx context.Context, eventType string, keys envelope.RoutingKeys, cursor json.RawMessage) error {
	if keys.ActorID == "" {
		return apperrors.New(apperrors.CodeValidation, "presence requires routing.actor_id")
	}
	now := t.now()
	record := Record{
		ActorID:   keys.ActorID,
		ActorType: keys.ActorType,
		Status:    statusFor(eventType),
		Cursor:    cursor,
		LastSeen:  now,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "encode presence record", err)
	}
	evt, err := envelope.NewEvent(ctx, eventType, keys, data, envelope.Meta{
		Schema:   "driftwire.presence.v1",
		Priority: envelope.PriorityGesture,
		Persist:  envelope.PersistNever,
	})
	if err != nil {
		return err
	}
	key, err := envelope.KeyFor(keys, envelope.ChannelPresence)
	if err != nil {
		return err
	}

	// Publish first: the fold must only reflect events that made it onto
	// the stream. A routing denial leaves no trace here.
	if _, err := t.bus.Publish(ctx, key, evt); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if eventType == envelope.TypePresenceLeave {
		if actors, ok := t.streams[key]; ok {
			delete(actors, keys.ActorID)
			if len(actors) == 0 {
				delete(t.streams, key)
			}
		}
		return nil
	}
	actors, ok := t.streams[key]
	if !ok {
		actors = make(map[string]Record)
		t.streams[key] = actors
	}
	actors[keys.ActorID] = record
	return nil
}

// Snapshot returns the current actors for a stream key, most recently seen
// first. Stale records are evicted here, on read, never on a request path of
// their own.
func (t *Tracker) Snapshot(key envelope.StreamKey) []Record {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	actors, ok := t.streams[key]
	if !ok {
		return nil
	}
	records := make([]Record, 0, len(actors))
	for actorID, record := range actors {
		if now.Sub(record.LastSeen) >= t.ttl {
			delete(actors, actorID)
			continue
		}
		records = append(records, record)
	}
	if len(actors) == 0 {
		delete(t.streams, key)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastSeen.Equal(records[j].LastSeen) {
			return records[i].ActorID < records[j].ActorID
		}
		return records[i].LastSeen.After(records[j].LastSeen)
	})
	return records
}

// Fold applies a presence event received off the bus to the local map. This
// lets read replicas of the tracker converge from the stream alone.
func (t *Tracker) Fold(evt envelope.StreamEvent) {
	key, err := envelope.KeyFor(evt.Routing, envelope.ChannelPresence)
	if err != nil {
		return
	}
	var record Record
	if evt.Type != envelope.TypePresenceLeave {
		if err := json.Unmarshal(evt.Data, &record); err != nil {
			return
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch evt.Type {
	case envelope.TypePresenceJoin, envelope.TypePresenceHeartbeat:
		actors, ok := t.streams[key]
		if !ok {
			actors = make(map[string]Record)
			t.streams[key] = actors
		}
		// Out-of-order delivery cannot regress a fresher record.
		if prior, ok := actors[record.ActorID]; ok && prior.LastSeen.After(record.LastSeen) {
			return
		}
		actors[record.ActorID] = record
	case envelope.TypePresenceLeave:
		if actors, ok := t.streams[key]; ok {
			delete(actors, evt.Routing.ActorID)
			if len(actors) == 0 {
				delete(t.streams, key)
			}
		}
	}
}

func statusFor(eventType string) string {
	switch eventType {
	case envelope.TypePresenceJoin:
		return "joined"
	case envelope.TypePresenceLeave:
		return "left"
	default:
		return "active"
	}
}

// Package envelope defines the canonical wire envelopes for the sync core:
// the StreamEvent delivered to subscribers and the CommandEnvelope submitted
// by actors. Both transports speak exactly these shapes.
package envelope

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/driftwire/driftwire/internal/platform/errors"
	"github.com/driftwire/driftwire/internal/platform/id"
)

// Version is the envelope schema version stamped into the v field.
const Version = 1

// Priority classifies an event for the backpressure drop policy.
type Priority string

const (
	// PriorityTruth marks authoritative state transitions. Never dropped.
	PriorityTruth Priority = "truth"
	// PriorityGesture marks ephemeral low-value events. Dropped first.
	PriorityGesture Priority = "gesture"
	// PriorityInfo marks informational events dropped after gestures.
	PriorityInfo Priority = "info"
)

// PersistClass declares how the persistence collaborator should treat an event.
type PersistClass string

const (
	PersistAlways  PersistClass = "always"
	PersistSampled PersistClass = "sampled"
	PersistNever   PersistClass = "never"
)

// Channel is the delivery channel kind component of a stream key.
type Channel string

const (
	ChannelChat     Channel = "chat"
	ChannelPresence Channel = "presence"
	ChannelCommit   Channel = "commit"
	ChannelArtifact Channel = "artifact"
)

// ParseChannel validates a wire-supplied channel name.
func ParseChannel(value string) (Channel, error) {
	switch channel := Channel(value); channel {
	case ChannelChat, ChannelPresence, ChannelCommit, ChannelArtifact:
		return channel, nil
	default:
		return "", apperrors.WithMetadata(apperrors.CodeValidation,
			"unknown channel", map[string]string{"channel": value})
	}
}

// Event types forming the closed ingress set. Unknown types are rejected
// rather than passed through.
const (
	TypeCommit            = "sync.commit"
	TypeArtifact          = "sync.artifact"
	TypeChatMessage       = "chat.message"
	TypePresenceJoin      = "presence.join"
	TypePresenceHeartbeat = "presence.heartbeat"
	TypePresenceLeave     = "presence.leave"
)

var knownEventTypes = map[string]struct{}{
	TypeCommit:            {},
	TypeArtifact:          {},
	TypeChatMessage:       {},
	TypePresenceJoin:      {},
	TypePresenceHeartbeat: {},
	TypePresenceLeave:     {},
}

// Operation kinds forming the closed command op set.
const (
	OpSet    = "set"
	OpInsert = "insert"
	OpDelete = "delete"
	OpMove   = "move"
	OpAppend = "append"
)

var knownOpKinds = map[string]struct{}{
	OpSet:    {},
	OpInsert: {},
	OpDelete: {},
	OpMove:   {},
	OpAppend: {},
}

// IDSet carries the request correlation identifiers attached to an event.
type IDSet struct {
	RequestID     string `json:"request_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	StepID        string `json:"step_id,omitempty"`
}

// Meta declares persistence class and priority for an event.
type Meta struct {
	Schema   string       `json:"schema,omitempty"`
	Priority Priority     `json:"priority"`
	Persist  PersistClass `json:"persist"`
}

// StreamEvent is the canonical event envelope.
//
// Seq is assigned by the Event Bus on admission, strictly increasing per
// stream key. EventID is globally unique and immutable once assigned.
type StreamEvent struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TS      time.Time       `json:"ts"`
	Seq     uint64          `json:"seq"`
	EventID string          `json:"event_id"`
	TraceID string          `json:"trace_id,omitempty"`
	SpanID  string          `json:"span_id,omitempty"`
	IDs     IDSet           `json:"ids"`
	Routing RoutingKeys     `json:"routing"`
	Data    json.RawMessage `json:"data"`
	Meta    Meta            `json:"meta"`
}

// Actor identifies the submitting principal of a command.
type Actor struct {
	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type"`
}

// Intent records why a command was issued, for audit trails downstream.
type Intent struct {
	Label  string `json:"label,omitempty"`
	Why    string `json:"why,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// Op is a single opaque operation inside a command. The op discriminator is
// validated against the closed kind set at ingress; the value is interpreted
// only by the domain-owning collaborator.
type Op struct {
	Kind  string          `json:"op"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// CommandEnvelope is a mutating command against a shared resource.
type CommandEnvelope struct {
	V              int         `json:"v"`
	CommandID      string      `json:"command_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	BaseRev        uint64      `json:"base_rev"`
	Routing        RoutingKeys `json:"routing"`
	Actor          Actor       `json:"actor"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
	Intent         Intent      `json:"intent"`
	Ops            []Op        `json:"ops"`
}

// NewEvent builds an unsequenced StreamEvent of the given type. The event id
// is assigned here; seq is assigned later by the Event Bus. Trace and span
// identifiers are stamped from the active span in ctx when one is recording.
func NewEvent(ctx context.Context, eventType string, routing RoutingKeys, data json.RawMessage, meta Meta) (StreamEvent, error) {
	if _, ok := knownEventTypes[eventType]; !ok {
		return StreamEvent{}, apperrors.WithMetadata(apperrors.CodeUnknownEventType,
			"unknown event type", map[string]string{"type": eventType})
	}
	eventID, err := id.NewWithPrefix("evt_")
	if err != nil {
		return StreamEvent{}, err
	}

	evt := StreamEvent{
		V:       Version,
		Type:    eventType,
		TS:      time.Now().UTC(),
		EventID: eventID,
		Routing: routing,
		Data:    data,
		Meta:    meta,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt.TraceID = sc.TraceID().String()
		evt.SpanID = sc.SpanID().String()
	}
	if evt.Meta.Priority == "" {
		evt.Meta.Priority = PriorityInfo
	}
	if evt.Meta.Persist == "" {
		evt.Meta.Persist = PersistNever
	}
	return evt, nil
}

// Validate checks the event against the closed ingress contract.
func (e StreamEvent) Validate() error {
	if e.V != Version {
		return apperrors.New(apperrors.CodeEnvelopeVersion, "unsupported envelope version")
	}
	if _, ok := knownEventTypes[e.Type]; !ok {
		return apperrors.WithMetadata(apperrors.CodeUnknownEventType,
			"unknown event type", map[string]string{"type": e.Type})
	}
	if e.EventID == "" {
		return apperrors.New(apperrors.CodeValidation, "event_id is required")
	}
	switch e.Meta.Priority {
	case PriorityTruth, PriorityGesture, PriorityInfo:
	default:
		return apperrors.New(apperrors.CodeValidation, "meta.priority must be truth, gesture, or info")
	}
	switch e.Meta.Persist {
	case PersistAlways, PersistSampled, PersistNever:
	default:
		return apperrors.New(apperrors.CodeValidation, "meta.persist must be always, sampled, or never")
	}
	return e.Routing.Validate()
}

// Validate checks the command for structural completeness before the
// Command Engine touches any revision state.
func (c CommandEnvelope) Validate() error {
	if c.V != Version {
		return apperrors.New(apperrors.CodeEnvelopeVersion, "unsupported envelope version")
	}
	if c.CommandID == "" {
		return apperrors.New(apperrors.CodeValidation, "command_id is required")
	}
	if c.IdempotencyKey == "" {
		return apperrors.New(apperrors.CodeValidation, "idempotency_key is required")
	}
	if c.Actor.ActorID == "" {
		return apperrors.New(apperrors.CodeValidation, "actor.actor_id is required")
	}
	if len(c.Ops) == 0 {
		return apperrors.New(apperrors.CodeValidation, "ops must not be empty")
	}
	for i, op := range c.Ops {
		if _, ok := knownOpKinds[op.Kind]; !ok {
			return apperrors.WithMetadata(apperrors.CodeUnknownOperation,
				"unknown operation kind", map[string]string{
					"op":    op.Kind,
					"index": strconv.Itoa(i),
				})
		}
	}
	return c.Routing.Validate()
}

// DecodeEvent parses and validates a StreamEvent from wire bytes.
func DecodeEvent(raw []byte) (StreamEvent, error) {
	var evt StreamEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return StreamEvent{}, apperrors.Wrap(apperrors.CodeValidation, "decode stream event", err)
	}
	if err := evt.Validate(); err != nil {
		return StreamEvent{}, err
	}
	return evt, nil
}

// DecodeCommand parses and validates a CommandEnvelope from wire bytes.
func DecodeCommand(raw []byte) (CommandEnvelope, error) {
	var cmd CommandEnvelope
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return CommandEnvelope{}, apperrors.Wrap(apperrors.CodeValidation, "decode command envelope", err)
	}
	if err := cmd.Validate(); err != nil {
		return CommandEnvelope{}, err
	}
	return cmd, nil
}

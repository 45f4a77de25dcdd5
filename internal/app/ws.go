package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/driftwire/driftwire/internal/bus"
	"github.com/driftwire/driftwire/internal/envelope"
	apperrors "github.com/driftwire/driftwire/internal/platform/errors"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

type subscribePayload struct {
	Channel string               `json:"channel"`
	Routing envelope.RoutingKeys `json:"routing"`
	LastSeq uint64               `json:"last_seq,omitempty"`
}

type subscribedPayload struct {
	StreamKey  string `json:"stream_key"`
	LastSeq    uint64 `json:"last_seq"`
	ServerTime string `json:"server_time"`
}

type eventPayload struct {
	Event envelope.StreamEvent `json:"event"`
}

type publishPayload struct {
	Type    string               `json:"type"`
	Routing envelope.RoutingKeys `json:"routing"`
	Data    json.RawMessage      `json:"data"`
	Meta    envelope.Meta        `json:"meta"`
}

type heartbeatPayload struct {
	Routing envelope.RoutingKeys `json:"routing"`
	Cursor  json.RawMessage      `json:"cursor,omitempty"`
}

type presenceQueryPayload struct {
	Routing envelope.RoutingKeys `json:"routing"`
}

type presenceSnapshotPayload struct {
	StreamKey string           `json:"stream_key"`
	Actors    []presenceRecord `json:"actors"`
}

type presenceRecord struct {
	ActorID   string          `json:"actor_id"`
	ActorType string          `json:"actor_type"`
	Status    string          `json:"status"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	LastSeen  string          `json:"last_seen"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status   string `json:"status"`
	HeadRev  uint64 `json:"head_rev,omitempty"`
	CommitID string `json:"commit_id,omitempty"`
	EventID  string `json:"event_id,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
}

// wsPeer serializes frame writes onto one connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsSession is one connection's working set: verified identity, the live
// subscriptions keyed by stream, and the resources this actor is present on.
type wsSession struct {
	core *core
	peer *wsPeer
	// id is the zero value when transport auth is disabled.
	id identity

	mu      sync.Mutex
	cancel  context.CancelFunc
	subs    map[envelope.StreamKey]*bus.Subscription
	joined  map[string]envelope.RoutingKeys
	closing bool
}

func newWSSession(c *core, peer *wsPeer, id identity, cancel context.CancelFunc) *wsSession {
	return &wsSession{
		core:   c,
		peer:   peer,
		id:     id,
		cancel: cancel,
		subs:   make(map[envelope.StreamKey]*bus.Subscription),
		joined: make(map[string]envelope.RoutingKeys),
	}
}

// stampIdentity overwrites caller-supplied identity fields with the verified
// ones. A caller can never speak for another actor, and a token scoped to one
// tenant can never route into another.
func (s *wsSession) stampIdentity(keys *envelope.RoutingKeys) error {
	if s.id == (identity{}) {
		return nil
	}
	if keys.TenantID != "" && keys.TenantID != s.id.TenantID {
		return apperrors.WithMetadata(apperrors.CodeRoutingDenied,
			"token is not scoped to the requested tenant",
			map[string]string{"tenant_id": keys.TenantID})
	}
	keys.TenantID = s.id.TenantID
	if keys.Env == "" {
		keys.Env = s.id.Env
	}
	keys.ActorID = s.id.ActorID
	keys.ActorType = s.id.ActorType
	return nil
}

func (s *wsSession) trackSubscription(key envelope.StreamKey, sub *bus.Subscription) *bus.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return sub // caller closes it
	}
	previous := s.subs[key]
	s.subs[key] = sub
	if previous != nil {
		return previous
	}
	return nil
}

func (s *wsSession) trackJoin(keys envelope.RoutingKeys) {
	resource := keys.PrimaryResource()
	s.mu.Lock()
	s.joined[resource] = keys
	s.mu.Unlock()
}

func (s *wsSession) teardown(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	subs := make([]*bus.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	joined := make([]envelope.RoutingKeys, 0, len(s.joined))
	for _, keys := range s.joined {
		joined = append(joined, keys)
	}
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		sub.Close()
	}
	for _, keys := range joined {
		if err := s.core.presence.Leave(ctx, keys); err != nil {
			log.Printf("sync: presence leave on disconnect actor=%q: %v", keys.ActorID, err)
		}
	}
}

type wsIdentityContextKey struct{}

func newWSHandler(c *core, auth authorizer) http.Handler {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, c)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if auth != nil {
			accessToken := accessTokenFromRequest(r)
			if accessToken == "" {
				log.Printf("sync: websocket unauthorized: missing token for host=%q remote=%s", r.Host, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			id, err := auth.Authenticate(r.Context(), accessToken)
			if err != nil {
				log.Printf("sync: websocket unauthorized: token rejected for host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), wsIdentityContextKey{}, id))
		}

		wsHandler.ServeHTTP(w, r)
	})
}

func handleWSConn(conn *websocket.Conn, c *core) {
	defer func() {
		_ = conn.Close()
	}()

	baseCtx := context.Background()
	var id identity
	if request := conn.Request(); request != nil {
		baseCtx = request.Context()
		if resolved, ok := request.Context().Value(wsIdentityContextKey{}).(identity); ok {
			id = resolved
		}
	}
	ctx, cancel := context.WithCancel(baseCtx)

	// The library enforces the cap before buffering, so an oversized frame
	// never occupies more than one frame header of memory.
	conn.MaxPayloadBytes = maxFramePayloadBytes
	peer := newWSPeer(json.NewEncoder(conn))
	session := newWSSession(c, peer, id, cancel)
	defer session.teardown(context.WithoutCancel(ctx))

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				// The oversized frame is discarded on the next receive.
				decodeErrors++
				_ = writeWSError(peer, "", wsError{Code: string(apperrors.CodeInvalidArgument), Message: "payload too large"})
				if decodeErrors >= maxDecodeErrorsPerConn {
					return
				}
				continue
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			decodeErrors++
			_ = writeWSError(peer, "", wsError{Code: string(apperrors.CodeInvalidArgument), Message: "invalid frame payload"})
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, wsError{Code: string(apperrors.CodeRateLimited), Message: "rate limit exceeded", Retryable: true})
			return
		}

		switch frame.Type {
		case "sync.subscribe":
			handleSubscribeFrame(ctx, session, frame)
		case "sync.command":
			handleCommandFrame(ctx, session, frame)
		case "sync.publish":
			handlePublishFrame(ctx, session, frame)
		case "sync.presence.heartbeat":
			handleHeartbeatFrame(ctx, session, frame)
		case "sync.presence":
			handlePresenceQueryFrame(session, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, wsError{Code: string(apperrors.CodeInvalidArgument), Message: "unsupported frame type"})
		}
	}
}

func handleSubscribeFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload subscribePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, wsError{Code: string(apperrors.CodeInvalidArgument), Message: "invalid subscribe payload"})
		return
	}
	if err := session.stampIdentity(&payload.Routing); err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}
	channel, err := envelope.ParseChannel(payload.Channel)
	if err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}
	// Subscriptions pass the same routing gate as publishes: a guessable
	// stream key never grants a feed.
	if err := session.core.validator.Validate(payload.Routing); err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}

	key, err := envelope.KeyFor(payload.Routing, channel)
	if err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}

	sub, err := session.core.bus.Subscribe(ctx, key, payload.LastSeq)
	if err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}
	if previous := session.trackSubscription(key, sub); previous != nil {
		previous.Close()
	}

	session.trackJoin(payload.Routing)
	if err := session.core.presence.Join(ctx, payload.Routing, nil); err != nil {
		log.Printf("sync: presence join actor=%q resource=%q: %v", payload.Routing.ActorID, payload.Routing.PrimaryResource(), err)
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "sync.subscribed",
		RequestID: frame.RequestID,
		Payload: mustJSON(subscribedPayload{
			StreamKey:  key.String(),
			LastSeq:    session.core.bus.LastSeq(key),
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		}),
	})

	go pumpSubscription(session, key, sub)
}

// pumpSubscription forwards one stream's events to the peer. Each
// subscription pumps independently so one congested stream never stalls the
// others sharing the connection.
func pumpSubscription(session *wsSession, key envelope.StreamKey, sub *bus.Subscription) {
	for evt := range sub.Events() {
		if err := session.peer.writeFrame(wsFrame{
			Type:    "sync.event",
			Payload: mustJSON(eventPayload{Event: evt}),
		}); err != nil {
			sub.Close()
			return
		}
	}
	if err := sub.Err(); err != nil {
		writeWSDomainError(session.peer, "", err)
	}
}

func handleCommandFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	cmd, err := envelope.DecodeCommand(frame.Payload)
	if err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}
	if err := session.stampIdentity(&cmd.Routing); err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}
	if session.id != (identity{}) {
		cmd.Actor = envelope.Actor{ActorID: session.id.ActorID, ActorType: session.id.ActorType}
	}

	outcome, err := session.core.engine.Apply(ctx, cmd)
	if err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}

	status := "ok"
	if outcome.Replayed {
		// Replay is not an error, so the code travels in the ack status
		// rather than an error frame.
		status = string(apperrors.CodeIdempotentReplay)
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      "sync.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{Result: ackResult{
			Status:   status,
			HeadRev:  outcome.HeadRev,
			CommitID: outcome.CommitID,
			EventID:  outcome.EventID,
			Seq:      outcome.Seq,
		}}),
	})
}

func handlePublishFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload publishPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, wsError{Code: string(apperrors.CodeInvalidArgument), Message: "invalid publish payload"})
		return
	}
	channel, ok := publishChannelFor(payload.Type)
	if !ok {
		_ = writeWSError(session.peer, frame.RequestID, wsError{
			Code:    string(apperrors.CodeUnknownEventType),
			Message: "event type cannot be published directly",
			Details: map[string]string{"type": payload.Type},
		})
		return
	}
	if err := session.stampIdentity(&payload.Routing); err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}

	evt, err := envelope.NewEvent(ctx, payload.Type, payload.Routing, payload.Data, payload.Meta)
	if err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}
	key, err := envelope.KeyFor(payload.Routing, channel)
	if err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}
	seq, err := session.core.bus.Publish(ctx, key, evt)
	if err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      "sync.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{Result: ackResult{
			Status:  "ok",
			EventID: evt.EventID,
			Seq:     seq,
		}}),
	})
}

// publishChannelFor maps directly-publishable event types to their channel.
// Commits only enter the bus through the Command Engine, and presence only
// through the Tracker.
func publishChannelFor(eventType string) (envelope.Channel, bool) {
	switch eventType {
	case envelope.TypeChatMessage:
		return envelope.ChannelChat, true
	case envelope.TypeArtifact:
		return envelope.ChannelArtifact, true
	default:
		return "", false
	}
}

func handleHeartbeatFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload heartbeatPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, wsError{Code: string(apperrors.CodeInvalidArgument), Message: "invalid heartbeat payload"})
		return
	}
	if err := session.stampIdentity(&payload.Routing); err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}
	session.trackJoin(payload.Routing)
	if err := session.core.presence.Heartbeat(ctx, payload.Routing, payload.Cursor); err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      "sync.ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok"}}),
	})
}

func handlePresenceQueryFrame(session *wsSession, frame wsFrame) {
	var payload presenceQueryPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, wsError{Code: string(apperrors.CodeInvalidArgument), Message: "invalid presence payload"})
		return
	}
	if err := session.stampIdentity(&payload.Routing); err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}
	key, err := envelope.KeyFor(payload.Routing, envelope.ChannelPresence)
	if err != nil {
		writeWSDomainError(session.peer, frame.RequestID, err)
		return
	}

	records := session.core.presence.Snapshot(key)
	actors := make([]presenceRecord, 0, len(records))
	for _, record := range records {
		actors = append(actors, presenceRecord{
			ActorID:   record.ActorID,
			ActorType: record.ActorType,
			Status:    record.Status,
			Cursor:    record.Cursor,
			LastSeen:  record.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      "sync.presence",
		RequestID: frame.RequestID,
		Payload:   mustJSON(presenceSnapshotPayload{StreamKey: key.String(), Actors: actors}),
	})
}

func writeWSDomainError(peer *wsPeer, requestID string, err error) {
	code := apperrors.CodeOf(err)
	_ = writeWSError(peer, requestID, wsError{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: code.Retryable(),
		Details:   apperrors.MetadataOf(err),
	})
}

func writeWSError(peer *wsPeer, requestID string, wserr wsError) error {
	return peer.writeFrame(wsFrame{
		Type:      "sync.error",
		RequestID: requestID,
		Payload:   mustJSON(wsErrorEnvelope{Error: wserr}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("sync: marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/driftwire/driftwire/internal/envelope"
	apperrors "github.com/driftwire/driftwire/internal/platform/errors"
)

const sseHeartbeatInterval = 25 * time.Second

// newSSEHandler serves a one-way event feed for a single channel kind.
// Routing arrives as query parameters, the resume cursor as the standard
// Last-Event-ID header (query fallback for clients that cannot set headers),
// and events carry `id: <seq>` so the browser's EventSource reconnect
// resumes from the right place on its own.
func newSSEHandler(c *core, auth authorizer, channel envelope.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		keys := routingFromQuery(r)
		if auth != nil {
			accessToken := accessTokenFromRequest(r)
			if accessToken == "" {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			id, err := auth.Authenticate(r.Context(), accessToken)
			if err != nil {
				log.Printf("sync: sse unauthorized: token rejected for remote=%s err=%v", r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if keys.TenantID != "" && keys.TenantID != id.TenantID {
				http.Error(w, "token is not scoped to the requested tenant", http.StatusForbidden)
				return
			}
			keys.TenantID = id.TenantID
			if keys.Env == "" {
				keys.Env = id.Env
			}
			keys.ActorID = id.ActorID
			keys.ActorType = id.ActorType
		}

		if err := c.validator.Validate(keys); err != nil {
			writeHTTPDomainError(w, err)
			return
		}
		key, err := envelope.KeyFor(keys, channel)
		if err != nil {
			writeHTTPDomainError(w, err)
			return
		}

		fromSeq, err := resumeCursor(r)
		if err != nil {
			writeHTTPDomainError(w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub, err := c.bus.Subscribe(r.Context(), key, fromSeq)
		if err != nil {
			// The cursor fell outside the retained window. Streaming has
			// begun from the client's point of view, so the miss travels as
			// an in-band error event with the snapshot reference.
			writeSSEErrorEvent(w, flusher, err)
			return
		}
		defer sub.Close()

		flusher.Flush()

		ticker := time.NewTicker(sseHeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				// Comment heartbeat so proxies keep the connection alive.
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case evt, open := <-sub.Events():
				if !open {
					if err := sub.Err(); err != nil {
						writeSSEErrorEvent(w, flusher, err)
					}
					return
				}
				data, err := json.Marshal(evt)
				if err != nil {
					log.Printf("sync: marshal sse event: %v", err)
					continue
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data)
				flusher.Flush()
			}
		}
	}
}

func routingFromQuery(r *http.Request) envelope.RoutingKeys {
	query := r.URL.Query()
	get := func(name string) string {
		return strings.TrimSpace(query.Get(name))
	}
	return envelope.RoutingKeys{
		TenantID:    get("tenant_id"),
		Env:         get("env"),
		WorkspaceID: get("workspace_id"),
		ProjectID:   get("project_id"),
		SurfaceID:   get("surface_id"),
		CanvasID:    get("canvas_id"),
		ThreadID:    get("thread_id"),
		SessionID:   get("session_id"),
		ActorID:     get("actor_id"),
		ActorType:   get("actor_type"),
	}
}

func resumeCursor(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("last_event_id"))
	}
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperrors.WithMetadata(apperrors.CodeInvalidArgument,
			"last event id must be a sequence number", map[string]string{"last_event_id": raw})
	}
	return cursor, nil
}

func writeHTTPDomainError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(wsErrorEnvelope{Error: wsError{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: code.Retryable(),
		Details:   apperrors.MetadataOf(err),
	}})
}

func writeSSEErrorEvent(w http.ResponseWriter, flusher http.Flusher, err error) {
	code := apperrors.CodeOf(err)
	data, marshalErr := json.Marshal(wsErrorEnvelope{Error: wsError{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: code.Retryable(),
		Details:   apperrors.MetadataOf(err),
	}})
	if marshalErr != nil {
		log.Printf("sync: marshal sse error event: %v", marshalErr)
		return
	}
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	flusher.Flush()
}

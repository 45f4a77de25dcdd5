package envelope

import (
	"strings"

	apperrors "github.com/driftwire/driftwire/internal/platform/errors"
)

// RoutingKeys is the full identifier set attached to every event and command:
// tenant, environment, the resource chain, and the acting principal. Every
// identifier in a routing set must belong to the same tenant; the Routing
// Validator enforces that before any other processing.
type RoutingKeys struct {
	TenantID    string `json:"tenant_id"`
	Env         string `json:"env"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	SurfaceID   string `json:"surface_id,omitempty"`
	CanvasID    string `json:"canvas_id,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ActorID     string `json:"actor_id"`
	ActorType   string `json:"actor_type,omitempty"`
}

// ResourceIDs returns the non-empty resource identifiers in the routing
// chain, outermost first.
func (r RoutingKeys) ResourceIDs() []string {
	chain := []string{r.WorkspaceID, r.ProjectID, r.SurfaceID, r.CanvasID, r.ThreadID}
	ids := make([]string, 0, len(chain))
	for _, value := range chain {
		if strings.TrimSpace(value) != "" {
			ids = append(ids, value)
		}
	}
	return ids
}

// PrimaryResource returns the innermost resource identifier, which scopes
// revision state and stream keys. Empty when the chain is empty.
func (r RoutingKeys) PrimaryResource() string {
	ids := r.ResourceIDs()
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

// Validate checks structural completeness. Tenant ownership of the resource
// chain is the Routing Validator's job, not this method's.
func (r RoutingKeys) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return apperrors.New(apperrors.CodeRoutingIncomplete, "routing.tenant_id is required")
	}
	if strings.TrimSpace(r.Env) == "" {
		return apperrors.New(apperrors.CodeRoutingIncomplete, "routing.env is required")
	}
	if len(r.ResourceIDs()) == 0 {
		return apperrors.New(apperrors.CodeRoutingIncomplete, "routing requires at least one resource id")
	}
	return nil
}

// StreamKey scopes ordering and buffering: one ordered queue exists per key.
type StreamKey struct {
	TenantID   string
	Env        string
	ResourceID string
	Channel    Channel
}

// KeyFor derives the stream key for the routing set on the given channel.
func KeyFor(r RoutingKeys, channel Channel) (StreamKey, error) {
	resource := r.PrimaryResource()
	if resource == "" {
		return StreamKey{}, apperrors.New(apperrors.CodeRoutingIncomplete, "routing requires at least one resource id")
	}
	return StreamKey{
		TenantID:   r.TenantID,
		Env:        r.Env,
		ResourceID: resource,
		Channel:    channel,
	}, nil
}

// String renders the key in tenant/env/resource/channel form for logs and maps.
func (k StreamKey) String() string {
	return k.TenantID + "/" + k.Env + "/" + k.ResourceID + "/" + string(k.Channel)
}

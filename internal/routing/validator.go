package routing

import (
	"github.com/driftwire/driftwire/internal/envelope"
	apperrors "github.com/driftwire/driftwire/internal/platform/errors"
)

// Validator checks routing sets for internal consistency against the
// ownership registry. A denial is terminal and never retried by the core.
type Validator struct {
	registry *Registry
}

// NewValidator creates a validator backed by the given registry.
func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate approves or denies a routing set.
//
// Every resource identifier must be registered and owned by the claimed
// tenant. A syntactically well-formed but unregistered id, or one registered
// to a different tenant, is always denied: guessable IDs never grant access,
// independent of the caller's credentials.
func (v *Validator) Validate(keys envelope.RoutingKeys) error {
	if err := keys.Validate(); err != nil {
		return err
	}
	if v == nil || v.registry == nil {
		return apperrors.New(apperrors.CodeRoutingDenied, "ownership registry is not configured")
	}

	for _, resourceID := range keys.ResourceIDs() {
		owner, registered := v.registry.Owner(resourceID)
		if !registered {
			return apperrors.WithMetadata(apperrors.CodeRoutingDenied,
				"resource is not registered", map[string]string{
					"resource_id": resourceID,
				})
		}
		if owner != keys.TenantID {
			// Do not leak the actual owner to the caller.
			return apperrors.WithMetadata(apperrors.CodeRoutingDenied,
				"resource does not belong to the claimed tenant", map[string]string{
					"resource_id": resourceID,
				})
		}
	}
	return nil
}

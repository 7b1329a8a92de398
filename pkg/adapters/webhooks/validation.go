package webhooks

import (
	"fmt"
	"os"

	"gitopsdelivery/pkg/api/v1alpha1"
)

const (
	// immutableOwnerEnv toggles immutability enforcement for the owner on
	// updates. Changing the owner orphans every resource stamped with the old one.
	immutableOwnerEnv = "ENFORCE_OWNER_IMMUTABILITY"
	// requireSelfHealEnv rejects applications that turn self-heal off.
	requireSelfHealEnv = "REQUIRE_SELF_HEAL"
)

// ValidateApplication evaluates the new spec against validation rules and
// optional policy guardrails. The old spec should be provided for update
// operations; pass nil on create.
func ValidateApplication(newSpec, oldSpec *v1alpha1.ApplicationSpec) error {
	if newSpec == nil {
		return fmt.Errorf("application spec is required")
	}
	if err := newSpec.Validate(); err != nil {
		return err
	}

	if parseBoolEnv(os.Getenv(requireSelfHealEnv)) {
		if newSpec.SyncPolicy.SelfHeal != nil && !*newSpec.SyncPolicy.SelfHeal {
			return fmt.Errorf("syncPolicy.selfHeal cannot be disabled when %s is enabled", requireSelfHealEnv)
		}
	}

	if parseBoolEnv(os.Getenv(immutableOwnerEnv)) && oldSpec != nil {
		if oldSpec.Owner != newSpec.Owner {
			return fmt.Errorf("owner is immutable when %s is enabled", immutableOwnerEnv)
		}
	}

	return nil
}

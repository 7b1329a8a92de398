package webhooks

import (
	"gitopsdelivery/pkg/api/v1alpha1"
)

// DefaultApplication applies server-side style defaults to the incoming
// Application spec. The webhook deals strictly with the spec portion of
// the resource because status is managed by the controllers.
func DefaultApplication(spec *v1alpha1.ApplicationSpec) {
	if spec == nil {
		return
	}
	spec.Default()
}

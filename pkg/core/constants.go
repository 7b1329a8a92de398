package core

// Ownership and bookkeeping metadata keys
const (
	OwnerLabel = "delivery.platform.example.com/owner"
	TrackLabel = "delivery.platform.example.com/track"

	RevisionAnnotation         = "delivery.platform.example.com/revision"
	SpecHashAnnotation         = "delivery.platform.example.com/spec-hash"
	DependsOnAnnotation        = "delivery.platform.example.com/depends-on"
	ReleaseTemplateAnnotation  = "delivery.platform.example.com/release-template"
	ReleaseVersionAnnotation   = "delivery.platform.example.com/release-version"
	DeliveryOwnerSuffix        = ".delivery"
	DefaultWeightsField        = "spec.weights"
	ReplicasField              = "spec.replicas"
	DefaultRouteKind           = "Route"
	DefaultHistoryWindow       = 10
	DefaultMinReplicaChange    = 0.10
	DefaultOperatorBindAddress = ":8090"
)

// Condition types
const (
	CondReady       = "Ready"
	CondProgressing = "Progressing"
	CondDegraded    = "Degraded"
)

// Rollout strategy enums
const (
	StrategyBlueGreen = "blueGreen"
	StrategyCanary    = "canary"
)

// DeliveryOwner returns the owner identity used for release-track resources of an instance.
func DeliveryOwner(owner string) string { return owner + DeliveryOwnerSuffix }

package v1alpha1

import (
	"fmt"
	"text/template"

	"k8s.io/apimachinery/pkg/runtime"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"gitopsdelivery/pkg/core"
)

var _ webhook.Defaulter = &Application{}
var _ webhook.Validator = &Application{}
var _ runtime.Object = &Application{}
var _ runtime.Object = &ApplicationList{}

// Default implements webhook.Defaulter.
func (application *Application) Default() { application.Spec.Default() }

// SetupWebhookWithManager registers the webhook with the provided manager.
func (application *Application) SetupWebhookWithManager(manager ctrl.Manager) error {
	return ctrl.NewWebhookManagedBy(manager).
		For(application).
		Complete()
}

// ValidateCreate implements webhook.Validator.
func (application *Application) ValidateCreate() (admission.Warnings, error) {
	return application.Spec.Warnings(), application.Spec.Validate()
}

// ValidateUpdate implements webhook.Validator.
func (application *Application) ValidateUpdate(runtime.Object) (admission.Warnings, error) {
	return application.Spec.Warnings(), application.Spec.Validate()
}

// ValidateDelete implements webhook.Validator.
func (application *Application) ValidateDelete() (admission.Warnings, error) {
	return nil, nil
}

// Default fills every optional field with the controller defaults. Bake period and canary
// steps are left alone.
func (spec *ApplicationSpec) Default() {
	sync := spec.SyncPolicy.Policy()
	core.DefaultSyncPolicy(&sync)
	spec.SyncPolicy = syncPolicySpec(sync)

	if spec.Rollout != nil {
		rollout := spec.Rollout.Policy()
		core.DefaultRolloutPolicy(&rollout)
		*spec.Rollout = rolloutSpec(rollout)
	}

	for index := range spec.Autoscale {
		policy := spec.Autoscale[index].Policy()
		core.DefaultAutoscalePolicy(&policy)
		spec.Autoscale[index] = autoscaleSpec(policy)
	}

	if spec.Metrics != nil {
		if spec.Metrics.Interval.Duration == 0 {
			spec.Metrics.Interval.Duration = spec.SyncPolicy.Interval.Duration
		}
		if spec.Metrics.Timeout.Duration == 0 {
			spec.Metrics.Timeout.Duration = spec.SyncPolicy.Timeout.Duration
		}
	}

	if spec.History == nil {
		spec.History = &HistorySpec{}
	}
	if spec.History.Window == 0 {
		spec.History.Window = core.DefaultHistoryWindow
	}
}

// Validate checks a defaulted spec and reports every problem found.
func (spec *ApplicationSpec) Validate() error {
	var errs []error

	if spec.Owner == "" {
		errs = append(errs, fmt.Errorf("owner is required"))
	}
	if spec.Source.Namespace == "" || spec.Source.Name == "" {
		errs = append(errs, fmt.Errorf("source namespace and name are required"))
	}

	sync := spec.SyncPolicy.Policy()
	if err := core.ValidateSyncPolicy(&sync); err != nil {
		errs = append(errs, err)
	}

	if spec.Rollout != nil {
		rollout := spec.Rollout.Policy()
		if err := core.ValidateRolloutPolicy(&rollout); err != nil {
			errs = append(errs, err)
		}
	}

	seen := map[core.ResourceKey]bool{}
	for _, autoscale := range spec.Autoscale {
		policy := autoscale.Policy()
		if err := core.ValidateAutoscalePolicy(&policy); err != nil {
			errs = append(errs, err)
			continue
		}
		if !core.IsScalable(policy.Target.Kind) {
			errs = append(errs, fmt.Errorf("%s: kind %s cannot be scaled", policy.Target, policy.Target.Kind))
		}
		if seen[policy.Target] {
			errs = append(errs, fmt.Errorf("%s: declared more than once in autoscale", policy.Target))
		}
		seen[policy.Target] = true

		if spec.Metrics == nil {
			continue
		}
		for metric := range policy.MetricTargets {
			if _, ok := spec.Metrics.Queries[metric]; !ok {
				errs = append(errs, fmt.Errorf("%s: no metrics query for %s", policy.Target, metric))
			}
		}
	}

	if len(spec.Autoscale) > 0 && spec.Metrics == nil {
		errs = append(errs, fmt.Errorf("metrics is required when autoscale targets are declared"))
	}
	if spec.Metrics != nil {
		if spec.Metrics.Address == "" {
			errs = append(errs, fmt.Errorf("metrics.address is required"))
		}
		for name, query := range spec.Metrics.Queries {
			if _, err := template.New(name).Parse(query); err != nil {
				errs = append(errs, fmt.Errorf("metrics.queries.%s: %w", name, err))
			}
		}
	}

	if spec.History != nil && spec.History.Window < 1 {
		errs = append(errs, fmt.Errorf("history.window must be >= 1"))
	}

	return utilerrors.NewAggregate(errs)
}

// Warnings reports accepted settings worth surfacing to the author.
func (spec *ApplicationSpec) Warnings() admission.Warnings {
	var warnings admission.Warnings
	if spec.SyncPolicy.SelfHeal != nil && !*spec.SyncPolicy.SelfHeal {
		warnings = append(warnings, "selfHeal is disabled: drift is reported but not repaired")
	}
	if spec.SyncPolicy.Prune != nil && !*spec.SyncPolicy.Prune {
		warnings = append(warnings, "prune is disabled: resources removed from the source are kept")
	}
	if spec.Rollout != nil {
		for _, autoscale := range spec.Autoscale {
			if autoscale.Target.Kind == spec.Rollout.Route.Kind && autoscale.Target.Name == spec.Rollout.Route.Name {
				warnings = append(warnings, fmt.Sprintf("%s is both the rollout route and an autoscale target", autoscale.Target))
			}
		}
	}
	return warnings
}

// DeepCopyInto copies the receiver into out.
func (application *Application) DeepCopyInto(out *Application) {
	if application == nil || out == nil {
		return
	}
	*out = *application
	application.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	out.Spec = deepCopySpec(&application.Spec)
	out.Status = deepCopyStatus(&application.Status)
}

// DeepCopy creates a new deep copy of the receiver.
func (application *Application) DeepCopy() *Application {
	if application == nil {
		return nil
	}

	out := new(Application)

	application.DeepCopyInto(out)
	return out
}

// DeepCopyObject returns a deep copy as a runtime.Object.
func (application *Application) DeepCopyObject() runtime.Object {
	if application == nil {
		return nil
	}

	return application.DeepCopy()
}

// DeepCopyInto copies the receiver into out.
func (applicationList *ApplicationList) DeepCopyInto(out *ApplicationList) {
	if applicationList == nil || out == nil {
		return
	}
	*out = *applicationList
	applicationList.ListMeta.DeepCopyInto(&out.ListMeta)

	if applicationList.Items != nil {
		out.Items = make([]Application, len(applicationList.Items))

		for index := range applicationList.Items {
			applicationList.Items[index].DeepCopyInto(&out.Items[index])
		}
	}
}

// DeepCopy creates a new deep copy of the list.
func (applicationList *ApplicationList) DeepCopy() *ApplicationList {
	if applicationList == nil {
		return nil
	}

	out := new(ApplicationList)

	applicationList.DeepCopyInto(out)
	return out
}

// DeepCopyObject returns a deep copy of the list as a runtime.Object.
func (applicationList *ApplicationList) DeepCopyObject() runtime.Object {
	if applicationList == nil {
		return nil
	}

	return applicationList.DeepCopy()
}

func deepCopySpec(source *ApplicationSpec) ApplicationSpec {
	if source == nil {
		return ApplicationSpec{}
	}
	copiedSpec := *source

	if source.SyncPolicy.SelfHeal != nil {
		selfHeal := *source.SyncPolicy.SelfHeal
		copiedSpec.SyncPolicy.SelfHeal = &selfHeal
	}
	if source.SyncPolicy.Prune != nil {
		prune := *source.SyncPolicy.Prune
		copiedSpec.SyncPolicy.Prune = &prune
	}

	if source.Rollout != nil {
		rollout := *source.Rollout
		rollout.Steps = append([]CanaryStepSpec(nil), source.Rollout.Steps...)
		copiedSpec.Rollout = &rollout
	}

	if source.Autoscale != nil {
		copiedSpec.Autoscale = make([]AutoscaleSpec, len(source.Autoscale))
		for index, autoscale := range source.Autoscale {
			copiedSpec.Autoscale[index] = autoscaleSpec(autoscale.Policy())
		}
	}

	if source.Metrics != nil {
		metrics := *source.Metrics
		if source.Metrics.Queries != nil {
			metrics.Queries = make(map[string]string, len(source.Metrics.Queries))
			for name, query := range source.Metrics.Queries {
				metrics.Queries[name] = query
			}
		}
		copiedSpec.Metrics = &metrics
	}

	if source.History != nil {
		history := *source.History
		copiedSpec.History = &history
	}

	return copiedSpec
}

func deepCopyStatus(source *ApplicationStatus) ApplicationStatus {
	if source == nil {
		return ApplicationStatus{}
	}
	copiedStatus := *source

	if source.Sync.Conditions != nil {
		copiedStatus.Sync.Conditions = append([]core.Condition(nil), source.Sync.Conditions...)
	}

	if source.Sync.OutOfSync != nil {
		copiedStatus.Sync.OutOfSync = append([]core.OutOfSyncItem(nil), source.Sync.OutOfSync...)
	}

	if source.Autoscale != nil {
		copiedStatus.Autoscale = append([]core.AutoscaleDecision(nil), source.Autoscale...)
	}

	return copiedStatus
}

// Package sourcewatch queues a drift cycle as soon as the desired-state ConfigMap changes, so
// source updates do not wait for the next sync interval.
package sourcewatch

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"gitopsdelivery/pkg/controllers/drift"
)

// Triggerer queues drift cycles.
type Triggerer interface {
	Trigger(reason drift.Trigger)
}

// SourceController reconciles the source ConfigMap into drift triggers.
type SourceController struct {
	client.Reader
	source        types.NamespacedName
	loop          Triggerer
	logger        logr.Logger
	eventRecorder record.EventRecorder

	mutex    sync.Mutex
	lastSeen string
}

var _ reconcile.Reconciler = &SourceController{}

// NewController constructs a SourceController for the ConfigMap source.
func NewController(reader client.Reader, source types.NamespacedName, loop Triggerer, recorder record.EventRecorder, logger logr.Logger) *SourceController {
	return &SourceController{
		Reader:        reader,
		source:        source,
		loop:          loop,
		logger:        logger,
		eventRecorder: recorder,
	}
}

// Reconcile queues a cycle when the source resourceVersion moves.
func (controller *SourceController) Reconcile(requestContext context.Context, reconcileRequest ctrl.Request) (ctrl.Result, error) {
	if reconcileRequest.NamespacedName != controller.source {
		return ctrl.Result{}, nil
	}
	requestLogger := controller.logger.WithValues("source", reconcileRequest.NamespacedName)

	var configMap corev1.ConfigMap
	if err := controller.Get(requestContext, reconcileRequest.NamespacedName, &configMap); err != nil {
		if apierrors.IsNotFound(err) {
			requestLogger.Info("source ConfigMap not found")
			return ctrl.Result{}, nil
		}

		return ctrl.Result{}, err
	}

	controller.mutex.Lock()
	changed := configMap.ResourceVersion != controller.lastSeen
	previous := controller.lastSeen
	controller.lastSeen = configMap.ResourceVersion
	controller.mutex.Unlock()

	if !changed {
		return ctrl.Result{}, nil
	}

	// The first observation happens at startup; the drift loop runs its own initial cycle.
	if previous == "" {
		return ctrl.Result{}, nil
	}

	requestLogger.Info("source changed", "resourceVersion", configMap.ResourceVersion)
	controller.loop.Trigger(drift.TriggerWebhook)
	if controller.eventRecorder != nil {
		controller.eventRecorder.Eventf(&configMap, corev1.EventTypeNormal, "SourceChanged", "desired state changed at resourceVersion %s", configMap.ResourceVersion)
	}

	return ctrl.Result{}, nil
}

// SetupWithManager registers a SourceController watching source with the provided manager.
func SetupWithManager(manager ctrl.Manager, source types.NamespacedName, loop Triggerer) error {
	reconciler := NewController(
		manager.GetClient(),
		source,
		loop,
		manager.GetEventRecorderFor("gitopsdelivery-source"),
		ctrl.Log.WithName("controllers").WithName("SourceWatch"),
	)
	return ctrl.NewControllerManagedBy(manager).
		Named("sourcewatch").
		WithOptions(controller.Options{MaxConcurrentReconciles: 1}).
		For(&corev1.ConfigMap{}, builder.WithPredicates(predicate.NewPredicateFuncs(func(object client.Object) bool {
			return object.GetNamespace() == source.Namespace && object.GetName() == source.Name
		}))).
		Complete(reconciler)
}

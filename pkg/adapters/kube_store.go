package adapters

import (
	"context"
	"fmt"
	"sort"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"gitopsdelivery/pkg/core"
)

// DefaultStoreTimeout bounds every call made against the cluster API.
const DefaultStoreTimeout = 10 * time.Second

// Kinds maps resource kinds to the group/version used to address them.
type Kinds map[string]schema.GroupVersionKind

// DefaultKinds returns the kinds the controller manages out of the box.
func DefaultKinds() Kinds {
	kinds := Kinds{}
	for _, gvk := range []schema.GroupVersionKind{
		{Version: "v1", Kind: "Namespace"},
		{Version: "v1", Kind: "ConfigMap"},
		{Version: "v1", Kind: "Secret"},
		{Version: "v1", Kind: "ServiceAccount"},
		{Version: "v1", Kind: "Service"},
		{Version: "v1", Kind: "PersistentVolumeClaim"},
		{Group: "apps", Version: "v1", Kind: "Deployment"},
		{Group: "apps", Version: "v1", Kind: "StatefulSet"},
		{Group: "apps", Version: "v1", Kind: "DaemonSet"},
		{Group: "batch", Version: "v1", Kind: "Job"},
		{Group: "batch", Version: "v1", Kind: "CronJob"},
		{Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "Role"},
		{Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "RoleBinding"},
		{Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "ClusterRole"},
		{Group: "networking.k8s.io", Version: "v1", Kind: "Ingress"},
		{Group: "networking.k8s.io", Version: "v1", Kind: "NetworkPolicy"},
		{Group: "autoscaling", Version: "v2", Kind: "HorizontalPodAutoscaler"},
		{Group: "apiextensions.k8s.io", Version: "v1", Kind: "CustomResourceDefinition"},
		{Group: "delivery.platform.example.com", Version: "v1alpha1", Kind: core.DefaultRouteKind},
	} {
		kinds[gvk.Kind] = gvk
	}
	return kinds
}

// Lookup returns the GroupVersionKind registered for kind.
func (k Kinds) Lookup(kind string) (schema.GroupVersionKind, error) {
	gvk, ok := k[kind]
	if !ok {
		return schema.GroupVersionKind{}, fmt.Errorf("%w: kind %s is not registered", core.ErrValidationRejected, kind)
	}
	return gvk, nil
}

// Sorted returns the registered kinds in name order.
func (k Kinds) Sorted() []string {
	names := make([]string, 0, len(k))
	for name := range k {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KubeStore implements LiveStore over a controller-runtime client using unstructured objects.
type KubeStore struct {
	client  client.Client
	reader  client.Reader
	kinds   Kinds
	timeout time.Duration
	clock   clock.PassiveClock
}

// KubeStoreOption customizes a KubeStore.
type KubeStoreOption func(*KubeStore)

// WithAPIReader routes reads through an uncached reader such as mgr.GetAPIReader().
func WithAPIReader(reader client.Reader) KubeStoreOption {
	return func(store *KubeStore) { store.reader = reader }
}

// WithKinds replaces the kind registry.
func WithKinds(kinds Kinds) KubeStoreOption {
	return func(store *KubeStore) { store.kinds = kinds }
}

// WithStoreTimeout overrides DefaultStoreTimeout.
func WithStoreTimeout(timeout time.Duration) KubeStoreOption {
	return func(store *KubeStore) {
		if timeout > 0 {
			store.timeout = timeout
		}
	}
}

// WithStoreClock overrides the clock used for ObservedAt stamps.
func WithStoreClock(clk clock.PassiveClock) KubeStoreOption {
	return func(store *KubeStore) { store.clock = clk }
}

// NewKubeStore returns a LiveStore backed by a controller-runtime client.Client.
func NewKubeStore(kubeClient client.Client, opts ...KubeStoreOption) *KubeStore {
	store := &KubeStore{
		client:  kubeClient,
		reader:  kubeClient,
		kinds:   DefaultKinds(),
		timeout: DefaultStoreTimeout,
		clock:   clock.RealClock{},
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// FetchLive reads every key and reports per-key failures in the snapshot.
func (store *KubeStore) FetchLive(ctx context.Context, keys []core.ResourceKey) (LiveSnapshot, error) {
	snapshot := NewLiveSnapshot()
	unreachable := 0

	for _, key := range keys {
		object, err := store.get(ctx, key)
		if err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			if core.ClassifyError(err) == core.ErrorCategoryTransient {
				unreachable++
			}
			snapshot.Errors[key] = err
			continue
		}
		snapshot.Resources[key] = store.toLiveResource(key, object)
	}

	if len(keys) > 0 && unreachable == len(keys) {
		return snapshot, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, snapshot.Errors[keys[0]])
	}

	return snapshot, nil
}

// ListOwned lists every registered kind by ownership label.
func (store *KubeStore) ListOwned(ctx context.Context, owner string) ([]core.LiveResource, error) {
	var owned []core.LiveResource

	for _, kind := range store.kinds.Sorted() {
		gvk := store.kinds[kind]

		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(kind + "List"))

		requestContext, cancel := context.WithTimeout(ctx, store.timeout)
		err := store.reader.List(requestContext, list, client.MatchingLabels{core.OwnerLabel: owner})
		cancel()
		if err != nil {
			if meta.IsNoMatchError(err) || apierrors.IsNotFound(err) {
				continue
			}
			if core.ClassifyError(err) == core.ErrorCategoryTransient {
				return nil, fmt.Errorf("%w: list %s: %v", core.ErrStoreUnavailable, kind, err)
			}
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}

		for index := range list.Items {
			item := &list.Items[index]
			key := core.ResourceKey{Kind: kind, Namespace: item.GetNamespace(), Name: item.GetName()}
			owned = append(owned, store.toLiveResource(key, item))
		}
	}

	sort.Slice(owned, func(i, j int) bool { return owned[i].Key.Less(owned[j].Key) })

	return owned, nil
}

// Write creates the resource when expectedVersion is empty, otherwise replaces it conditionally.
func (store *KubeStore) Write(ctx context.Context, key core.ResourceKey, spec core.ResourceSpec, expectedVersion string) (string, error) {
	object, err := store.toUnstructured(key, spec)
	if err != nil {
		return "", err
	}

	requestContext, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()

	if expectedVersion == "" {
		object.SetResourceVersion("")
		if err := store.client.Create(requestContext, object); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return "", fmt.Errorf("%w: %s already exists", core.ErrConflict, key)
			}
			return "", translateWriteError(key, err)
		}
		return object.GetResourceVersion(), nil
	}

	object.SetResourceVersion(expectedVersion)
	if err := store.client.Update(requestContext, object); err != nil {
		if apierrors.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s was deleted", core.ErrConflict, key)
		}
		return "", translateWriteError(key, err)
	}

	return object.GetResourceVersion(), nil
}

// Delete removes the resource when its version matches expectedVersion; a missing resource is success.
func (store *KubeStore) Delete(ctx context.Context, key core.ResourceKey, expectedVersion string) error {
	gvk, err := store.kinds.Lookup(key.Kind)
	if err != nil {
		return err
	}

	object := &unstructured.Unstructured{}
	object.SetGroupVersionKind(gvk)
	object.SetNamespace(key.Namespace)
	object.SetName(key.Name)

	requestContext, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()

	var opts []client.DeleteOption
	if expectedVersion != "" {
		opts = append(opts, client.Preconditions{ResourceVersion: ptr.To(expectedVersion)})
	}
	opts = append(opts, client.PropagationPolicy("Background"))

	if err := store.client.Delete(requestContext, object, opts...); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return translateWriteError(key, err)
	}

	return nil
}

func (store *KubeStore) get(ctx context.Context, key core.ResourceKey) (*unstructured.Unstructured, error) {
	gvk, err := store.kinds.Lookup(key.Kind)
	if err != nil {
		return nil, err
	}

	object := &unstructured.Unstructured{}
	object.SetGroupVersionKind(gvk)

	requestContext, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()

	if err := store.reader.Get(requestContext, types.NamespacedName{Namespace: key.Namespace, Name: key.Name}, object); err != nil {
		return nil, err
	}

	return object, nil
}

func (store *KubeStore) toUnstructured(key core.ResourceKey, spec core.ResourceSpec) (*unstructured.Unstructured, error) {
	gvk, err := store.kinds.Lookup(key.Kind)
	if err != nil {
		return nil, err
	}

	body := spec.DeepCopy()
	if body == nil {
		body = core.ResourceSpec{}
	}
	delete(body, "status")

	object := &unstructured.Unstructured{Object: body}
	object.SetGroupVersionKind(gvk)
	object.SetNamespace(key.Namespace)
	object.SetName(key.Name)

	return object, nil
}

func (store *KubeStore) toLiveResource(key core.ResourceKey, object *unstructured.Unstructured) core.LiveResource {
	content := object.DeepCopy().Object

	var status map[string]interface{}
	if raw, ok := content["status"].(map[string]interface{}); ok {
		status = raw
	}
	delete(content, "status")

	return core.LiveResource{
		Key:        key,
		Spec:       core.ResourceSpec(content).DeepCopy(),
		Status:     status,
		Labels:     copyStringMap(object.GetLabels()),
		Version:    object.GetResourceVersion(),
		Generation: object.GetGeneration(),
		ObservedAt: store.clock.Now(),
	}
}

// translateWriteError maps API rejections onto the controller's error taxonomy.
func translateWriteError(key core.ResourceKey, err error) error {
	switch core.ClassifyError(err) {
	case core.ErrorCategoryConflict:
		return fmt.Errorf("%w: %s: %v", core.ErrConflict, key, err)
	case core.ErrorCategoryValidation:
		return fmt.Errorf("%w: %s: %v", core.ErrValidationRejected, key, err)
	default:
		return fmt.Errorf("%s: %w", key, err)
	}
}

// copyStringMap duplicates a map so callers can mutate the returned value safely.
func copyStringMap(source map[string]string) map[string]string {
	if len(source) == 0 {
		return nil
	}

	copied := make(map[string]string, len(source))

	for key, value := range source {
		copied[key] = value
	}

	return copied
}

package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/adapters/memory"
	"gitopsdelivery/pkg/core"
	"gitopsdelivery/pkg/diff"
)

const owner = "shop"

type captureSleeper struct {
	mutex  sync.Mutex
	delays []time.Duration
}

func (s *captureSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func testBackoff(sleeper core.Sleeper) core.BackoffStrategy {
	backoff := core.DefaultBackoff()
	backoff.Sleeper = sleeper
	return backoff
}

func key(kind, namespace, name string) core.ResourceKey {
	return core.ResourceKey{Kind: kind, Namespace: namespace, Name: name}
}

func body(fields map[string]interface{}) core.ResourceSpec {
	spec := core.ResourceSpec{}
	for path, value := range fields {
		_ = spec.SetField(core.ParseFieldPath(path), value)
	}
	return diff.Stamp(spec, map[string]string{core.OwnerLabel: owner})
}

func withConfigMapEnv(spec core.ResourceSpec, configMap string) core.ResourceSpec {
	_ = spec.SetField(core.ParseFieldPath("spec.template.spec.containers"), []interface{}{
		map[string]interface{}{
			"name":    "app",
			"envFrom": []interface{}{map[string]interface{}{"configMapRef": map[string]interface{}{"name": configMap}}},
		},
	})
	return spec
}

func diffAll(t *testing.T, differ *diff.Differ, store *memory.Store, desired map[core.ResourceKey]core.ResourceSpec) []core.Delta {
	t.Helper()
	state := core.NewDesiredState("r1", desired)
	live, err := store.FetchLive(context.Background(), state.Keys())
	if err != nil {
		t.Fatalf("fetch live: %v", err)
	}
	owned, err := store.ListOwned(context.Background(), owner)
	if err != nil {
		t.Fatalf("list owned: %v", err)
	}
	return differ.Diff(state, live, owned).Deltas
}

func TestOrderAscendsTiersAndDescendsForDeletes(t *testing.T) {
	deltas := []core.Delta{
		{Key: key("ConfigMap", "shop", "old"), Type: core.DeltaDelete},
		{Key: key("ConfigMap", "shop", "settings"), Type: core.DeltaCreate},
		{Key: key("Deployment", "shop", "old"), Type: core.DeltaDelete},
		{Key: key("Deployment", "shop", "web"), Type: core.DeltaUpdate},
		{Key: key("Namespace", "", "shop"), Type: core.DeltaCreate},
		{Key: key("Service", "shop", "web"), Type: core.DeltaCreate},
		{Key: key("Widget", "shop", "w"), Type: core.DeltaNoOp},
	}

	var got []string
	for _, delta := range Order(deltas) {
		got = append(got, string(delta.Type)+" "+delta.Key.String())
	}
	want := []string{
		"Create Namespace/shop",
		"Create ConfigMap/shop/settings",
		"Update Deployment/shop/web",
		"Create Service/shop/web",
		"Delete Deployment/shop/old",
		"Delete ConfigMap/shop/old",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestApplyConvergesAndIsIdempotent(t *testing.T) {
	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	executor := New(store, differ, WithBackoff(testBackoff(&captureSleeper{})))

	desired := map[core.ResourceKey]core.ResourceSpec{
		key("Namespace", "", "shop"):       body(nil),
		key("ConfigMap", "shop", "config"): body(map[string]interface{}{"data.mode": "fast"}),
		key("Deployment", "shop", "web"):   body(map[string]interface{}{"spec.replicas": 2}),
	}

	report := executor.Apply(context.Background(), diffAll(t, differ, store, desired), ApplyOptions{})
	if !report.Succeeded() || report.Err != nil {
		t.Fatalf("expected full success, got %+v", report)
	}
	if len(store.Writes()) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(store.Writes()))
	}

	if remaining := diffAll(t, differ, store, desired); len(remaining) != 0 {
		t.Fatalf("expected convergence, got %+v", remaining)
	}
}

func TestApplyPartialFailureSkipsDependents(t *testing.T) {
	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	sleeper := &captureSleeper{}
	executor := New(store, differ, WithBackoff(testBackoff(sleeper)))

	independent := key("ConfigMap", "billing", "settings")
	broken := key("ConfigMap", "shop", "settings")
	dependent := key("Deployment", "shop", "web")

	invalid := apierrors.NewInvalid(schema.GroupKind{Kind: "ConfigMap"}, "settings", nil)
	store.FailWrites(broken, invalid)

	desired := map[core.ResourceKey]core.ResourceSpec{
		independent: body(map[string]interface{}{"data.mode": "fast"}),
		broken:      body(map[string]interface{}{"data.mode": "broken"}),
		dependent:   withConfigMapEnv(body(map[string]interface{}{"spec.replicas": 2}), "settings"),
	}

	var streamed []core.ResourceKey
	report := executor.Apply(context.Background(), diffAll(t, differ, store, desired), ApplyOptions{
		OnResult: func(result core.SyncResult) { streamed = append(streamed, result.Key) },
	})

	if !report.Partial() {
		t.Fatalf("expected partial success")
	}
	if result, _ := report.Result(independent); result.Outcome != core.OutcomeApplied {
		t.Fatalf("independent delta must apply, got %+v", result)
	}
	failed, _ := report.Result(broken)
	if failed.Outcome != core.OutcomeFailed || failed.Reason != core.ReasonValidationRejected || failed.Attempts != 1 {
		t.Fatalf("validation failure must not retry, got %+v", failed)
	}
	if result, _ := report.Result(dependent); result.Outcome != core.OutcomeSkipped || result.Reason != core.ReasonDependencyFailed {
		t.Fatalf("dependent delta must be skipped, got %+v", result)
	}
	if len(sleeper.delays) != 0 {
		t.Fatalf("expected no backoff sleeps, got %v", sleeper.delays)
	}
	if report.Err == nil {
		t.Fatalf("expected aggregated error")
	}
	if len(streamed) != 3 {
		t.Fatalf("expected results streamed per delta, got %v", streamed)
	}

	// The next cycle only has the skipped delta left once the broken resource is fixed.
	desired[broken] = body(map[string]interface{}{"data.mode": "fixed"})
	report = executor.Apply(context.Background(), diffAll(t, differ, store, desired), ApplyOptions{})
	if !report.Succeeded() || len(report.Results) != 2 {
		t.Fatalf("expected the fixed and the skipped delta to apply, got %+v", report.Results)
	}
}

func TestApplyUnrelatedFailureLeavesSiblingsApplied(t *testing.T) {
	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	executor := New(store, differ, WithBackoff(testBackoff(&captureSleeper{})))

	unrelated := key("ConfigMap", "shop", "reports")
	settings := key("ConfigMap", "shop", "settings")
	web := key("Deployment", "shop", "web")
	store.FailWrites(unrelated, core.ErrValidationRejected)

	report := executor.Apply(context.Background(), diffAll(t, differ, store, map[core.ResourceKey]core.ResourceSpec{
		unrelated: body(map[string]interface{}{"data.mode": "broken"}),
		settings:  body(map[string]interface{}{"data.mode": "fast"}),
		web:       withConfigMapEnv(body(map[string]interface{}{"spec.replicas": 2}), "settings"),
	}), ApplyOptions{})

	if result, _ := report.Result(unrelated); result.Outcome != core.OutcomeFailed {
		t.Fatalf("expected the unrelated ConfigMap to fail, got %+v", result)
	}
	if result, _ := report.Result(web); result.Outcome != core.OutcomeApplied {
		t.Fatalf("a workload that does not reference the failed ConfigMap must apply, got %+v", result)
	}
}

func TestApplyBlockedPrerequisiteSkipsDependents(t *testing.T) {
	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	executor := New(store, differ, WithBackoff(testBackoff(&captureSleeper{})))

	settings := key("ConfigMap", "shop", "settings")
	web := key("Deployment", "shop", "web")
	api := key("Deployment", "shop", "api")

	deltas := diffAll(t, differ, store, map[core.ResourceKey]core.ResourceSpec{
		web: withConfigMapEnv(body(map[string]interface{}{"spec.replicas": 2}), "settings"),
		api: body(map[string]interface{}{"spec.replicas": 1}),
	})
	report := executor.Apply(context.Background(), deltas, ApplyOptions{Blocked: []core.ResourceKey{settings}})

	result, _ := report.Result(web)
	if result.Outcome != core.OutcomeSkipped || result.Reason != core.ReasonDependencyFailed {
		t.Fatalf("expected dependent of a held prerequisite to be skipped, got %+v", result)
	}
	if result, _ := report.Result(api); result.Outcome != core.OutcomeApplied {
		t.Fatalf("expected independent workload to apply, got %+v", result)
	}
	if _, exists := store.Get(web); exists {
		t.Fatalf("skipped dependent must not be written")
	}
}

func TestReferences(t *testing.T) {
	pod := map[string]interface{}{
		"serviceAccountName": "runner",
		"imagePullSecrets":   []interface{}{map[string]interface{}{"name": "registry"}},
		"volumes": []interface{}{
			map[string]interface{}{"name": "conf", "configMap": map[string]interface{}{"name": "conf"}},
			map[string]interface{}{"name": "data", "persistentVolumeClaim": map[string]interface{}{"claimName": "data"}},
		},
		"containers": []interface{}{map[string]interface{}{
			"name": "app",
			"env": []interface{}{map[string]interface{}{
				"name":      "TOKEN",
				"valueFrom": map[string]interface{}{"secretKeyRef": map[string]interface{}{"name": "token", "key": "t"}},
			}},
		}},
	}

	tests := []struct {
		name string
		key  core.ResourceKey
		spec core.ResourceSpec
		want []core.ResourceKey
	}{
		{
			name: "deployment pod template",
			key:  key("Deployment", "shop", "web"),
			spec: core.ResourceSpec{"spec": map[string]interface{}{"template": map[string]interface{}{"spec": pod}}},
			want: []core.ResourceKey{
				key("ServiceAccount", "shop", "runner"),
				key("Secret", "shop", "registry"),
				key("ConfigMap", "shop", "conf"),
				key("PersistentVolumeClaim", "shop", "data"),
				key("Secret", "shop", "token"),
			},
		},
		{
			name: "cronjob pod template",
			key:  key("CronJob", "shop", "report"),
			spec: core.ResourceSpec{"spec": map[string]interface{}{"jobTemplate": map[string]interface{}{"spec": map[string]interface{}{"template": map[string]interface{}{"spec": map[string]interface{}{"serviceAccountName": "runner"}}}}}},
			want: []core.ResourceKey{key("ServiceAccount", "shop", "runner")},
		},
		{
			name: "role binding",
			key:  key("RoleBinding", "shop", "runner"),
			spec: core.ResourceSpec{
				"roleRef":  map[string]interface{}{"kind": "Role", "name": "reader"},
				"subjects": []interface{}{map[string]interface{}{"kind": "ServiceAccount", "name": "runner"}},
			},
			want: []core.ResourceKey{key("Role", "shop", "reader"), key("ServiceAccount", "shop", "runner")},
		},
		{
			name: "ingress backends",
			key:  key("Ingress", "shop", "web"),
			spec: core.ResourceSpec{"spec": map[string]interface{}{"rules": []interface{}{map[string]interface{}{
				"http": map[string]interface{}{"paths": []interface{}{map[string]interface{}{
					"backend": map[string]interface{}{"service": map[string]interface{}{"name": "web"}},
				}}},
			}}}},
			want: []core.ResourceKey{key("Service", "shop", "web")},
		},
		{
			name: "autoscaler target",
			key:  key("HorizontalPodAutoscaler", "shop", "web"),
			spec: core.ResourceSpec{"spec": map[string]interface{}{"scaleTargetRef": map[string]interface{}{"kind": "Deployment", "name": "web"}}},
			want: []core.ResourceKey{key("Deployment", "shop", "web")},
		},
		{
			name: "service references nothing",
			key:  key("Service", "shop", "web"),
			spec: core.ResourceSpec{"spec": map[string]interface{}{"selector": map[string]interface{}{"app": "web"}}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, References(tc.key, tc.spec)); diff != "" {
				t.Fatalf("references mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyExplicitDependency(t *testing.T) {
	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	executor := New(store, differ, WithBackoff(testBackoff(&captureSleeper{})))

	db := key("StatefulSet", "data", "db")
	api := key("Deployment", "shop", "api")
	store.FailWrites(db, apierrors.NewForbidden(schema.GroupResource{Resource: "statefulsets"}, "db", errors.New("denied")))

	apiSpec := body(map[string]interface{}{"spec.replicas": 1})
	_ = apiSpec.SetField(core.FieldPath{"metadata", "annotations", core.DependsOnAnnotation}, db.String())

	report := executor.Apply(context.Background(), diffAll(t, differ, store, map[core.ResourceKey]core.ResourceSpec{
		db:  body(map[string]interface{}{"spec.replicas": 1}),
		api: apiSpec,
	}), ApplyOptions{})

	if result, _ := report.Result(db); result.Reason != core.ReasonPermissionDenied {
		t.Fatalf("expected permission denied, got %+v", result)
	}
	if result, _ := report.Result(api); result.Outcome != core.OutcomeSkipped {
		t.Fatalf("expected annotated dependent to be skipped, got %+v", result)
	}
}

func TestApplyRetriesTransientFailures(t *testing.T) {
	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	sleeper := &captureSleeper{}
	executor := New(store, differ, WithBackoff(testBackoff(sleeper)))

	web := key("Deployment", "shop", "web")
	store.FailWrites(web, apierrors.NewTooManyRequests("slow down", 1), apierrors.NewTimeoutError("timeout", 1))

	report := executor.Apply(context.Background(), diffAll(t, differ, store, map[core.ResourceKey]core.ResourceSpec{
		web: body(map[string]interface{}{"spec.replicas": 2}),
	}), ApplyOptions{})

	result, _ := report.Result(web)
	if result.Outcome != core.OutcomeApplied || result.Attempts != 3 {
		t.Fatalf("expected success on third attempt, got %+v", result)
	}
	if diff := cmp.Diff([]time.Duration{5 * time.Second, 10 * time.Second}, sleeper.delays); diff != "" {
		t.Fatalf("unexpected backoff delays:\n%s", diff)
	}
}

func TestApplyExhaustsRetries(t *testing.T) {
	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	executor := New(store, differ, WithBackoff(testBackoff(&captureSleeper{})))

	web := key("Deployment", "shop", "web")
	for i := 0; i < 5; i++ {
		store.FailWrites(web, apierrors.NewServiceUnavailable("down"))
	}

	report := executor.Apply(context.Background(), diffAll(t, differ, store, map[core.ResourceKey]core.ResourceSpec{
		web: body(map[string]interface{}{"spec.replicas": 2}),
	}), ApplyOptions{})

	result, _ := report.Result(web)
	if result.Outcome != core.OutcomeFailed || result.Reason != core.ReasonRetriesExhausted || result.Attempts != 5 {
		t.Fatalf("expected retries exhausted after 5 attempts, got %+v", result)
	}
}

func TestApplyRejectsOversizedObjects(t *testing.T) {
	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	executor := New(store, differ, WithBackoff(testBackoff(&captureSleeper{})))

	bundle := key("ConfigMap", "shop", "bundle")
	report := executor.Apply(context.Background(), diffAll(t, differ, store, map[core.ResourceKey]core.ResourceSpec{
		bundle: body(map[string]interface{}{"data.blob": strings.Repeat("x", core.ObjectSizeLimitBytes)}),
	}), ApplyOptions{})

	result, _ := report.Result(bundle)
	if result.Outcome != core.OutcomeFailed || result.Reason != core.ReasonValidationRejected {
		t.Fatalf("expected validation rejection, got %+v", result)
	}
	if !errors.Is(result.Err, core.ErrValidationRejected) {
		t.Fatalf("expected ErrValidationRejected, got %v", result.Err)
	}
	if len(store.Writes()) != 0 {
		t.Fatalf("expected no writes, got %d", len(store.Writes()))
	}
}

func TestApplyStaleWriteRediffs(t *testing.T) {
	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	executor := New(store, differ, WithBackoff(testBackoff(&captureSleeper{})))

	web := key("Deployment", "shop", "web")
	store.Seed(web, body(map[string]interface{}{"spec.replicas": 2, "spec.paused": false}))

	deltas := diffAll(t, differ, store, map[core.ResourceKey]core.ResourceSpec{
		web: body(map[string]interface{}{"spec.replicas": 4, "spec.paused": false}),
	})

	// Another writer changes an unrelated field after the diff was computed.
	store.Seed(web, body(map[string]interface{}{"spec.replicas": 2, "spec.paused": true}))

	report := executor.Apply(context.Background(), deltas, ApplyOptions{})
	if !report.Succeeded() {
		t.Fatalf("expected success after rediff, got %+v", report.Results)
	}
	resource, _ := store.Get(web)
	if replicas, _ := resource.Spec.Field(core.ParseFieldPath("spec.replicas")); replicas != int64(4) {
		t.Fatalf("expected replicas 4, got %v", replicas)
	}
	if paused, _ := resource.Spec.Field(core.ParseFieldPath("spec.paused")); paused != true {
		t.Fatalf("rediff must not overwrite the concurrent change, got %v", paused)
	}
}

func TestApplyAlreadyInSyncAfterRace(t *testing.T) {
	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	executor := New(store, differ, WithBackoff(testBackoff(&captureSleeper{})))

	web := key("Deployment", "shop", "web")
	store.Seed(web, body(map[string]interface{}{"spec.replicas": 2}))
	deltas := diffAll(t, differ, store, map[core.ResourceKey]core.ResourceSpec{
		web: body(map[string]interface{}{"spec.replicas": 4}),
	})
	store.Seed(web, body(map[string]interface{}{"spec.replicas": 4}))
	store.ResetWrites()

	report := executor.Apply(context.Background(), deltas, ApplyOptions{})
	result, _ := report.Result(web)
	if result.Outcome != core.OutcomeApplied || result.Reason != core.ReasonAlreadyInSync {
		t.Fatalf("expected AlreadyInSync, got %+v", result)
	}
	if len(store.Writes()) != 0 {
		t.Fatalf("expected no write, got %d", len(store.Writes()))
	}
}

func TestApplyConflictOnWriteIsRetried(t *testing.T) {
	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	executor := New(store, differ, WithBackoff(testBackoff(&captureSleeper{})))

	web := key("Deployment", "shop", "web")
	store.Seed(web, body(map[string]interface{}{"spec.replicas": 2}))
	deltas := diffAll(t, differ, store, map[core.ResourceKey]core.ResourceSpec{
		web: body(map[string]interface{}{"spec.replicas": 4}),
	})

	raced := false
	store.BeforeWrite = func(k core.ResourceKey) {
		if !raced {
			raced = true
			store.Seed(k, body(map[string]interface{}{"spec.replicas": 3}))
		}
	}

	report := executor.Apply(context.Background(), deltas, ApplyOptions{})
	result, _ := report.Result(web)
	if result.Outcome != core.OutcomeApplied || result.Attempts != 2 {
		t.Fatalf("expected success after one conflict, got %+v", result)
	}
	resource, _ := store.Get(web)
	if replicas, _ := resource.Spec.Field(core.ParseFieldPath("spec.replicas")); replicas != int64(4) {
		t.Fatalf("expected replicas 4, got %v", replicas)
	}
}

func TestApplyCancellationSkipsRemaining(t *testing.T) {
	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	executor := New(store, differ, WithBackoff(testBackoff(&captureSleeper{})))

	ctx, cancel := context.WithCancel(context.Background())
	first := key("ConfigMap", "a", "one")
	second := key("ConfigMap", "b", "two")

	deltas := diffAll(t, differ, store, map[core.ResourceKey]core.ResourceSpec{
		first:  body(map[string]interface{}{"data.k": "v"}),
		second: body(map[string]interface{}{"data.k": "v"}),
	})

	report := executor.Apply(ctx, deltas, ApplyOptions{OnResult: func(core.SyncResult) { cancel() }})

	if result, _ := report.Result(first); result.Outcome != core.OutcomeApplied {
		t.Fatalf("first delta must stay applied, got %+v", result)
	}
	if result, _ := report.Result(second); result.Outcome != core.OutcomeSkipped || result.Reason != core.ReasonCanceled {
		t.Fatalf("remaining delta must be skipped as canceled, got %+v", result)
	}
	if _, exists := store.Get(second); exists {
		t.Fatalf("canceled delta must not be written")
	}
}

type cancelingSleeper struct {
	cancel context.CancelFunc
}

func (s cancelingSleeper) Sleep(ctx context.Context, _ time.Duration) error {
	s.cancel()
	return ctx.Err()
}

func TestApplyCancellationDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewStore(nil)
	differ := diff.New(diff.Options{Owner: owner})
	executor := New(store, differ, WithBackoff(testBackoff(cancelingSleeper{cancel: cancel})))

	web := key("Deployment", "shop", "web")
	later := key("Service", "shop", "web")
	store.FailWrites(web, apierrors.NewServiceUnavailable("down"))

	report := executor.Apply(ctx, diffAll(t, differ, store, map[core.ResourceKey]core.ResourceSpec{
		web:   body(map[string]interface{}{"spec.replicas": 2}),
		later: body(map[string]interface{}{"spec.type": "ClusterIP"}),
	}), ApplyOptions{})

	for _, k := range []core.ResourceKey{web, later} {
		result, _ := report.Result(k)
		if result.Outcome != core.OutcomeSkipped || result.Reason != core.ReasonCanceled {
			t.Fatalf("expected %s skipped as canceled, got %+v", k, result)
		}
	}
	if len(store.Writes()) != 0 {
		t.Fatalf("expected no writes after cancellation, got %d", len(store.Writes()))
	}
}

func TestKeyLockerSerializesPerKey(t *testing.T) {
	locker := NewKeyLocker()
	web := key("Deployment", "shop", "web")

	unlock, err := locker.Lock(context.Background(), web)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	other, err := locker.Lock(context.Background(), key("Service", "shop", "web"))
	if err != nil {
		t.Fatalf("independent key must not block: %v", err)
	}
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, web); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second lock to wait, got %v", err)
	}

	unlock()
	again, err := locker.Lock(context.Background(), web)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}

var _ adapters.LiveStore = (*memory.Store)(nil)

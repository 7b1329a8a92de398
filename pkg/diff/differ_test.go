package diff

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/core"
)

const owner = "shop"

var (
	webKey   = core.ResourceKey{Kind: "Deployment", Namespace: "shop", Name: "web"}
	svcKey   = core.ResourceKey{Kind: "Service", Namespace: "shop", Name: "web"}
	routeKey = core.ResourceKey{Kind: core.DefaultRouteKind, Namespace: "shop", Name: "web"}
	cfgKey   = core.ResourceKey{Kind: "ConfigMap", Namespace: "shop", Name: "settings"}
)

func deployment(replicas int, image string) core.ResourceSpec {
	return core.ResourceSpec{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]interface{}{"name": "web", "namespace": "shop"},
		"spec": map[string]interface{}{
			"replicas": replicas,
			"template": map[string]interface{}{
				"spec": map[string]interface{}{
					"containers": []interface{}{map[string]interface{}{"name": "web", "image": image}},
				},
			},
		},
	}
}

func live(key core.ResourceKey, spec core.ResourceSpec, version string, labelOwner string) core.LiveResource {
	body := Stamp(spec, map[string]string{core.OwnerLabel: labelOwner})
	return core.LiveResource{Key: key, Spec: body, Labels: body.Labels(), Version: version}
}

func snapshotOf(resources ...core.LiveResource) adapters.LiveSnapshot {
	snapshot := adapters.NewLiveSnapshot()
	for _, resource := range resources {
		snapshot.Resources[resource.Key] = resource
	}
	return snapshot
}

func TestDiffClassifiesCreateUpdateDeleteAndNoOp(t *testing.T) {
	differ := New(Options{Owner: owner})
	desired := core.NewDesiredState("r2", map[core.ResourceKey]core.ResourceSpec{
		webKey: deployment(4, "web:v1"),
		svcKey: {"spec": map[string]interface{}{"ports": []interface{}{map[string]interface{}{"port": 80}}}},
		cfgKey: {"data": map[string]interface{}{"mode": "fast"}},
	})

	liveWeb := live(webKey, deployment(2, "web:v1"), "7", owner)
	liveSvc := live(svcKey, core.ResourceSpec{"spec": map[string]interface{}{
		"ports": []interface{}{map[string]interface{}{"port": int64(80), "protocol": "TCP"}},
	}}, "3", owner)
	stale := live(core.ResourceKey{Kind: "ConfigMap", Namespace: "shop", Name: "old"}, core.ResourceSpec{}, "5", owner)

	result := differ.Diff(desired, snapshotOf(liveWeb, liveSvc), []core.LiveResource{liveWeb, liveSvc, stale})

	var got []string
	for _, delta := range result.Deltas {
		got = append(got, string(delta.Type)+" "+delta.Key.String())
	}
	want := []string{
		"Delete ConfigMap/shop/old",
		"Create ConfigMap/shop/settings",
		"Update Deployment/shop/web",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected deltas (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]core.ResourceKey{svcKey}, result.InSync); diff != "" {
		t.Fatalf("service with defaulted list fields must be in sync:\n%s", diff)
	}

	update := result.Deltas[2]
	if diff := cmp.Diff([]string{"spec.replicas"}, update.FieldNames()); diff != "" {
		t.Fatalf("unexpected changed fields:\n%s", diff)
	}
	if update.FromVersion != "7" {
		t.Fatalf("expected from version 7, got %s", update.FromVersion)
	}
	if replicas, _ := update.ToSpec.Field(core.ParseFieldPath("spec.replicas")); replicas != int64(4) {
		t.Fatalf("expected merged replicas 4, got %v", replicas)
	}

	create := result.Deltas[1]
	if create.ToSpec.Labels()[core.OwnerLabel] != owner {
		t.Fatalf("created resources must carry the ownership label")
	}
}

func TestDiffIsIdempotentAndDeterministic(t *testing.T) {
	differ := New(Options{Owner: owner})
	desired := core.NewDesiredState("r1", map[core.ResourceKey]core.ResourceSpec{
		webKey: deployment(2, "web:v1"),
		cfgKey: {"data": map[string]interface{}{"mode": "fast"}},
	})

	first := differ.Diff(desired, adapters.NewLiveSnapshot(), nil)
	second := differ.Diff(desired, adapters.NewLiveSnapshot(), nil)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("diff must be deterministic:\n%s", diff)
	}

	var converged []core.LiveResource
	for index, delta := range first.Deltas {
		converged = append(converged, core.LiveResource{
			Key:     delta.Key,
			Spec:    delta.ToSpec,
			Labels:  delta.ToSpec.Labels(),
			Version: string(rune('1' + index)),
		})
	}
	after := differ.Diff(desired, snapshotOf(converged...), converged)
	if !after.Empty() {
		t.Fatalf("expected no deltas after applying, got %+v", after.Deltas)
	}
}

func TestDiffFieldScoping(t *testing.T) {
	differ := New(Options{Owner: owner, Autoscaled: map[core.ResourceKey]bool{webKey: true}})

	routeSpec := core.ResourceSpec{"spec": map[string]interface{}{
		"host":    "shop.example.com",
		"weights": map[string]interface{}{"blue": 100, "green": 0},
	}}
	desired := core.NewDesiredState("r1", map[core.ResourceKey]core.ResourceSpec{
		webKey:   deployment(2, "web:v1"),
		routeKey: routeSpec,
	})

	liveRoute := live(routeKey, core.ResourceSpec{"spec": map[string]interface{}{
		"host":    "shop.example.com",
		"weights": map[string]interface{}{"blue": 0, "green": 100},
	}}, "4", owner)
	liveWeb := live(webKey, deployment(6, "web:v1"), "9", owner)

	result := differ.Diff(desired, snapshotOf(liveRoute, liveWeb), nil)
	if !result.Empty() {
		t.Fatalf("autoscaled replicas and route weights must not drift, got %+v", result.Deltas)
	}

	desired = core.NewDesiredState("r2", map[core.ResourceKey]core.ResourceSpec{webKey: deployment(2, "web:v2")})
	result = differ.Diff(desired, snapshotOf(liveWeb), nil)
	if len(result.Deltas) != 1 {
		t.Fatalf("expected one delta, got %d", len(result.Deltas))
	}
	merged := result.Deltas[0].ToSpec
	if replicas, _ := merged.Field(core.ParseFieldPath("spec.replicas")); replicas != int64(6) {
		t.Fatalf("image update must keep autoscaler replicas, got %v", replicas)
	}
	if diff := cmp.Diff([]string{"spec.template.spec.containers"}, result.Deltas[0].FieldNames()); diff != "" {
		t.Fatalf("unexpected fields:\n%s", diff)
	}
}

func TestDiffOwnershipSafety(t *testing.T) {
	differ := New(Options{Owner: owner})
	desired := core.NewDesiredState("r1", map[core.ResourceKey]core.ResourceSpec{webKey: deployment(2, "web:v1")})

	foreign := live(webKey, deployment(1, "other"), "2", "someone-else")
	track := live(core.ResourceKey{Kind: "Deployment", Namespace: "shop", Name: "web-green"}, deployment(1, "web:v2"), "3", core.DeliveryOwner(owner))

	result := differ.Diff(desired, snapshotOf(foreign), []core.LiveResource{foreign, track})
	if !result.Empty() {
		t.Fatalf("differ must not touch unowned resources, got %+v", result.Deltas)
	}
	if len(result.Warnings) != 1 || !errors.Is(result.Warnings[0].Err, core.ErrOwnershipViolation) {
		t.Fatalf("expected ownership warning, got %+v", result.Warnings)
	}
}

func TestDiffSkipsUnreadableKeys(t *testing.T) {
	differ := New(Options{Owner: owner})
	desired := core.NewDesiredState("r1", map[core.ResourceKey]core.ResourceSpec{webKey: deployment(2, "web:v1")})
	snapshot := adapters.NewLiveSnapshot()
	snapshot.Errors[webKey] = errors.New("forbidden")

	result := differ.Diff(desired, snapshot, nil)
	if !result.Empty() || len(result.Unreadable) != 1 {
		t.Fatalf("expected unreadable key without delta, got %+v", result)
	}
}

func TestDiffFieldsWritesWholeWeightsMap(t *testing.T) {
	differ := New(Options{Owner: owner})
	current := live(routeKey, core.ResourceSpec{"spec": map[string]interface{}{
		"host":    "shop.example.com",
		"weights": map[string]interface{}{"blue": 100, "green": 0},
	}}, "11", owner)

	target := core.ResourceSpec{}
	_ = target.SetField(core.ParseFieldPath("spec.weights"), map[string]interface{}{"blue": 0, "green": 100})

	delta, err := differ.DiffFields(routeKey, target, &current, []core.FieldPath{core.ParseFieldPath("spec.weights")})
	if err != nil {
		t.Fatalf("diff fields: %v", err)
	}
	if delta.Type != core.DeltaUpdate || len(delta.Fields) != 1 {
		t.Fatalf("expected a single-field update, got %+v", delta)
	}
	weights, _ := delta.ToSpec.Field(core.ParseFieldPath("spec.weights"))
	if diff := cmp.Diff(map[string]interface{}{"blue": int64(0), "green": int64(100)}, weights); diff != "" {
		t.Fatalf("unexpected weights:\n%s", diff)
	}
	if host, _ := delta.ToSpec.Field(core.ParseFieldPath("spec.host")); host != "shop.example.com" {
		t.Fatalf("targeted delta must keep other fields, got %v", host)
	}

	if _, err := differ.DiffFields(routeKey, target, nil, []core.FieldPath{core.ParseFieldPath("spec.weights")}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found for missing resource, got %v", err)
	}
}

func TestRediff(t *testing.T) {
	differ := New(Options{Owner: owner})
	current := live(webKey, deployment(2, "web:v1"), "5", owner)
	delta := differ.DiffResource(webKey, deployment(4, "web:v1"), &current)

	raced := live(webKey, deployment(4, "web:v1"), "6", owner)
	rediffed, err := differ.Rediff(delta, &raced)
	if err != nil || rediffed.Type != core.DeltaNoOp {
		t.Fatalf("expected NoOp when the change already landed, got %+v %v", rediffed, err)
	}

	other := live(webKey, deployment(3, "web:v1"), "7", owner)
	rediffed, err = differ.Rediff(delta, &other)
	if err != nil || rediffed.Type != core.DeltaUpdate || rediffed.FromVersion != "7" {
		t.Fatalf("expected update against the fresh version, got %+v %v", rediffed, err)
	}

	rediffed, err = differ.Rediff(delta, nil)
	if err != nil || rediffed.Type != core.DeltaCreate {
		t.Fatalf("expected create when the resource vanished, got %+v %v", rediffed, err)
	}

	deleteDelta := core.Delta{Key: webKey, Type: core.DeltaDelete, FromVersion: "5"}
	if rediffed, _ := differ.Rediff(deleteDelta, nil); rediffed.Type != core.DeltaNoOp {
		t.Fatalf("expected NoOp for already deleted resource")
	}

	create := differ.DiffResource(webKey, deployment(2, "web:v1"), nil)
	foreign := live(webKey, deployment(2, "web:v1"), "1", "someone-else")
	if _, err := differ.Rediff(create, &foreign); !errors.Is(err, core.ErrOwnershipViolation) {
		t.Fatalf("expected ownership violation, got %v", err)
	}
}

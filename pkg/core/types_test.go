package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseResourceKey(t *testing.T) {
	cases := []struct {
		in      string
		want    ResourceKey
		wantErr bool
	}{
		{in: "Deployment/shop/web", want: ResourceKey{Kind: "Deployment", Namespace: "shop", Name: "web"}},
		{in: "Namespace/shop", want: ResourceKey{Kind: "Namespace", Name: "shop"}},
		{in: "Deployment//web", wantErr: true},
		{in: "web", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseResourceKey(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: wantErr=%v got %v", tc.in, tc.wantErr, err)
		}
		if err == nil && got != tc.want {
			t.Fatalf("%s: want %v got %v", tc.in, tc.want, got)
		}
		if err == nil && got.String() != tc.in {
			t.Fatalf("round trip mismatch: %s vs %s", got.String(), tc.in)
		}
	}
}

func TestSortKeysOrdersByKindNamespaceName(t *testing.T) {
	keys := []ResourceKey{
		{Kind: "Service", Namespace: "a", Name: "x"},
		{Kind: "Deployment", Namespace: "b", Name: "a"},
		{Kind: "Deployment", Namespace: "a", Name: "z"},
		{Kind: "Deployment", Namespace: "a", Name: "b"},
	}
	SortKeys(keys)
	want := []ResourceKey{
		{Kind: "Deployment", Namespace: "a", Name: "b"},
		{Kind: "Deployment", Namespace: "a", Name: "z"},
		{Kind: "Deployment", Namespace: "b", Name: "a"},
		{Kind: "Service", Namespace: "a", Name: "x"},
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestDesiredStateIsImmutable(t *testing.T) {
	key := ResourceKey{Kind: "Deployment", Namespace: "shop", Name: "web"}
	input := map[ResourceKey]ResourceSpec{key: {"spec": map[string]interface{}{"replicas": 2}}}
	snapshot := NewDesiredState("abc123", input)

	input[key]["spec"].(map[string]interface{})["replicas"] = 9
	spec, ok := snapshot.Spec(key)
	if !ok {
		t.Fatalf("expected key in snapshot")
	}
	if got, _ := spec.Field(ParseFieldPath("spec.replicas")); got != int64(2) {
		t.Fatalf("snapshot leaked input mutation: %v", got)
	}

	if err := spec.SetField(ParseFieldPath("spec.replicas"), 5); err != nil {
		t.Fatalf("set field: %v", err)
	}
	again, _ := snapshot.Spec(key)
	if got, _ := again.Field(ParseFieldPath("spec.replicas")); got != int64(2) {
		t.Fatalf("snapshot leaked accessor mutation: %v", got)
	}
	if snapshot.Revision() != "abc123" || snapshot.Len() != 1 {
		t.Fatalf("unexpected snapshot metadata")
	}
}

func TestResourceSpecFieldHelpers(t *testing.T) {
	spec := ResourceSpec{"metadata": map[string]interface{}{"annotations": map[string]interface{}{ReleaseTemplateAnnotation: "true"}}}
	if !IsReleaseTemplate(spec) {
		t.Fatalf("expected release template")
	}
	if err := spec.SetField(ParseFieldPath("spec.weights"), map[string]interface{}{"blue": 100}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, ok := spec.Field(ParseFieldPath("spec.weights.blue")); !ok || got != int64(100) {
		t.Fatalf("unexpected weight %v", got)
	}
	spec.RemoveField(ParseFieldPath("spec.weights"))
	if _, ok := spec.Field(ParseFieldPath("spec.weights")); ok {
		t.Fatalf("expected field removed")
	}
}

func TestFieldPathHasPrefix(t *testing.T) {
	if !ParseFieldPath("spec.replicas").HasPrefix(ParseFieldPath("spec")) {
		t.Fatalf("expected prefix match")
	}
	if ParseFieldPath("spec").HasPrefix(ParseFieldPath("spec.replicas")) {
		t.Fatalf("longer prefix must not match")
	}
}

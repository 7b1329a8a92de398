package webhooks

import (
	"testing"

	"gitopsdelivery/pkg/api/v1alpha1"
)

func defaultedSpec(owner string) *v1alpha1.ApplicationSpec {
	spec := &v1alpha1.ApplicationSpec{
		Owner:  owner,
		Source: v1alpha1.SourceRef{Namespace: "shop", Name: "manifests"},
	}
	DefaultApplication(spec)
	return spec
}

func TestValidateApplicationPassesByDefault(t *testing.T) {
	if err := ValidateApplication(defaultedSpec("checkout"), nil); err != nil {
		t.Fatalf("expected validation to pass, got %v", err)
	}
}

func TestValidateApplicationRejectsMissingSource(t *testing.T) {
	spec := defaultedSpec("checkout")
	spec.Source.Name = ""

	if err := ValidateApplication(spec, nil); err == nil {
		t.Fatalf("expected validation error for missing source")
	}
	if err := ValidateApplication(nil, nil); err == nil {
		t.Fatalf("expected validation error for nil spec")
	}
}

func TestValidateApplicationSelfHealGuard(t *testing.T) {
	t.Setenv(requireSelfHealEnv, "true")
	spec := defaultedSpec("checkout")
	disabled := false
	spec.SyncPolicy.SelfHeal = &disabled

	if err := ValidateApplication(spec, nil); err == nil {
		t.Fatalf("expected guardrail to reject disabled self-heal")
	}

	enabled := true
	spec.SyncPolicy.SelfHeal = &enabled
	if err := ValidateApplication(spec, nil); err != nil {
		t.Fatalf("expected self-heal enabled to pass, got %v", err)
	}
}

func TestValidateApplicationOwnerImmutability(t *testing.T) {
	t.Setenv(immutableOwnerEnv, "1")
	oldSpec := defaultedSpec("checkout")
	newSpec := defaultedSpec("checkout-v2")

	if err := ValidateApplication(newSpec, oldSpec); err == nil {
		t.Fatalf("expected immutability guard to reject change")
	}

	newSpec.Owner = "checkout"
	if err := ValidateApplication(newSpec, oldSpec); err != nil {
		t.Fatalf("expected immutability guard to allow unchanged owner, got %v", err)
	}
}

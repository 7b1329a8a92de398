package core_test

import (
	core "gitopsdelivery/pkg/core"
	"testing"
)

func TestConstantsStability(t *testing.T) {
	if core.OwnerLabel != "delivery.platform.example.com/owner" {
		t.Fatalf("OwnerLabel changed: %s", core.OwnerLabel)
	}
	if core.TrackLabel != "delivery.platform.example.com/track" {
		t.Fatalf("TrackLabel changed: %s", core.TrackLabel)
	}
	if core.RevisionAnnotation != "delivery.platform.example.com/revision" {
		t.Fatalf("RevisionAnnotation changed: %s", core.RevisionAnnotation)
	}
	if core.DependsOnAnnotation != "delivery.platform.example.com/depends-on" {
		t.Fatalf("DependsOnAnnotation changed: %s", core.DependsOnAnnotation)
	}
}

func TestDeliveryOwner(t *testing.T) {
	if got := core.DeliveryOwner("shop"); got != "shop.delivery" {
		t.Fatalf("unexpected delivery owner %q", got)
	}
}

package webhooks

import "testing"

func TestParseBoolEnv(t *testing.T) {
	truthy := []string{"1", "true", "TRUE", " yes ", "On"}
	for _, v := range truthy {
		if !parseBoolEnv(v) {
			t.Fatalf("expected %q to be truthy", v)
		}
	}

	falsy := []string{"0", "false", "", "no", "off", "maybe"}
	for _, v := range falsy {
		if parseBoolEnv(v) {
			t.Fatalf("expected %q to be falsy", v)
		}
	}
}

func TestEnabledFromEnv(t *testing.T) {
	const name = "GITOPSDELIVERY_TEST_TOGGLE"

	if !EnabledFromEnv(name, true) {
		t.Fatalf("expected fallback when unset")
	}
	t.Setenv(name, " ")
	if EnabledFromEnv(name, false) {
		t.Fatalf("expected fallback when blank")
	}
	t.Setenv(name, "off")
	if EnabledFromEnv(name, true) {
		t.Fatalf("expected explicit off to win over fallback")
	}
}

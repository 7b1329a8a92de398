package v1alpha1

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Decode parses an Application document in YAML or JSON, applies defaults and validates it.
// Unknown fields are rejected.
func Decode(document []byte) (*Application, error) {
	application := &Application{}
	if err := yaml.UnmarshalStrict(document, application); err != nil {
		return nil, fmt.Errorf("decode application: %w", err)
	}
	if application.Kind != "" && application.Kind != "Application" {
		return nil, fmt.Errorf("decode application: unexpected kind %q", application.Kind)
	}
	if application.APIVersion != "" && application.APIVersion != GroupVersion.String() {
		return nil, fmt.Errorf("decode application: unexpected apiVersion %q", application.APIVersion)
	}

	application.Default()
	if err := application.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("application %s: %w", application.Name, err)
	}
	return application, nil
}

// LoadFile reads and decodes the Application document at path.
func LoadFile(path string) (*Application, error) {
	document, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read application: %w", err)
	}
	return Decode(document)
}

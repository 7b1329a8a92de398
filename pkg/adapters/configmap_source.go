package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	"gitopsdelivery/pkg/core"
)

// ConfigMapSource reads desired resources from the data entries of a ConfigMap. Each entry holds
// one already-rendered resource document in JSON or YAML form.
type ConfigMapSource struct {
	reader  client.Reader
	key     types.NamespacedName
	timeout time.Duration
}

// NewConfigMapSource returns a DesiredSource reading the ConfigMap namespace/name.
func NewConfigMapSource(reader client.Reader, namespace, name string, timeout time.Duration) *ConfigMapSource {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &ConfigMapSource{reader: reader, key: types.NamespacedName{Namespace: namespace, Name: name}, timeout: timeout}
}

// FetchDesired returns the declared resources at the ConfigMap's current revision.
func (source *ConfigMapSource) FetchDesired(ctx context.Context) (core.DesiredState, error) {
	requestContext, cancel := context.WithTimeout(ctx, source.timeout)
	defer cancel()

	var configMap corev1.ConfigMap

	if err := source.reader.Get(requestContext, source.key, &configMap); err != nil {
		return core.DesiredState{}, fmt.Errorf("%w: get %s: %v", core.ErrSourceUnavailable, source.key, err)
	}

	revision := configMap.Annotations[core.RevisionAnnotation]
	if revision == "" {
		revision = configMap.ResourceVersion
	}

	entries := make([]string, 0, len(configMap.Data))
	for entry := range configMap.Data {
		entries = append(entries, entry)
	}
	sort.Strings(entries)

	resources := make(map[core.ResourceKey]core.ResourceSpec, len(entries))

	for _, entry := range entries {
		key, spec, err := DecodeResource([]byte(configMap.Data[entry]))
		if err != nil {
			return core.DesiredState{}, fmt.Errorf("%w: source entry %s: %v", core.ErrValidationRejected, entry, err)
		}
		if _, duplicate := resources[key]; duplicate {
			return core.DesiredState{}, fmt.Errorf("%w: source entry %s: duplicate resource %s", core.ErrValidationRejected, entry, key)
		}
		resources[key] = spec
	}

	return core.NewDesiredState(revision, resources), nil
}

// DecodeResource turns a single JSON or YAML resource document into its key and body.
func DecodeResource(document []byte) (core.ResourceKey, core.ResourceSpec, error) {
	raw, err := yaml.YAMLToJSON(document)
	if err != nil {
		return core.ResourceKey{}, nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var body map[string]interface{}
	if err := decoder.Decode(&body); err != nil {
		return core.ResourceKey{}, nil, err
	}

	spec := core.ResourceSpec(body).DeepCopy()

	kind, _ := spec["kind"].(string)
	name, _ := spec.Field(core.FieldPath{"metadata", "name"})
	namespace, _ := spec.Field(core.FieldPath{"metadata", "namespace"})

	nameValue, _ := name.(string)
	namespaceValue, _ := namespace.(string)

	if kind == "" || nameValue == "" {
		return core.ResourceKey{}, nil, fmt.Errorf("document must declare kind and metadata.name")
	}

	return core.ResourceKey{Kind: kind, Namespace: namespaceValue, Name: nameValue}, spec, nil
}

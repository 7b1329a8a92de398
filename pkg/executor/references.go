package executor

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"gitopsdelivery/pkg/core"
)

// References returns the objects spec names by reference: ConfigMaps, Secrets, service accounts
// and claims used by a pod template, the Role a RoleBinding binds, the Services an Ingress routes
// to, and the target of a HorizontalPodAutoscaler. Referenced objects are assumed to live in the
// referencing object's namespace.
func References(key core.ResourceKey, spec core.ResourceSpec) []core.ResourceKey {
	if spec == nil {
		return nil
	}
	refs := referenceSet{namespace: key.Namespace, seen: map[core.ResourceKey]bool{}}

	switch key.Kind {
	case "RoleBinding":
		refs.roleBinding(spec)
	case "Ingress":
		refs.ingress(spec)
	case "HorizontalPodAutoscaler":
		kind, _ := stringAt(spec, "spec", "scaleTargetRef", "kind")
		refs.add(kind, stringValue(spec, "spec", "scaleTargetRef", "name"))
	case "CronJob":
		refs.podSpec(mapAt(spec, "spec", "jobTemplate", "spec", "template", "spec"))
	case "Pod":
		refs.podSpec(mapAt(spec, "spec"))
	default:
		refs.podSpec(mapAt(spec, "spec", "template", "spec"))
	}
	return refs.keys
}

type referenceSet struct {
	namespace string
	seen      map[core.ResourceKey]bool
	keys      []core.ResourceKey
}

func (r *referenceSet) add(kind, name string) {
	if kind == "" || name == "" {
		return
	}
	key := core.ResourceKey{Kind: kind, Namespace: r.namespace, Name: name}
	if r.seen[key] {
		return
	}
	r.seen[key] = true
	r.keys = append(r.keys, key)
}

func (r *referenceSet) podSpec(pod map[string]interface{}) {
	if pod == nil {
		return
	}
	r.add("ServiceAccount", stringValue(pod, "serviceAccountName"))
	for _, secret := range listAt(pod, "imagePullSecrets") {
		r.add("Secret", stringValue(secret, "name"))
	}

	for _, volume := range listAt(pod, "volumes") {
		r.add("ConfigMap", stringValue(volume, "configMap", "name"))
		r.add("Secret", stringValue(volume, "secret", "secretName"))
		r.add("PersistentVolumeClaim", stringValue(volume, "persistentVolumeClaim", "claimName"))
		for _, source := range listAt(volume, "projected", "sources") {
			r.add("ConfigMap", stringValue(source, "configMap", "name"))
			r.add("Secret", stringValue(source, "secret", "name"))
		}
	}

	containers := append(listAt(pod, "initContainers"), listAt(pod, "containers")...)
	for _, container := range containers {
		for _, from := range listAt(container, "envFrom") {
			r.add("ConfigMap", stringValue(from, "configMapRef", "name"))
			r.add("Secret", stringValue(from, "secretRef", "name"))
		}
		for _, env := range listAt(container, "env") {
			r.add("ConfigMap", stringValue(env, "valueFrom", "configMapKeyRef", "name"))
			r.add("Secret", stringValue(env, "valueFrom", "secretKeyRef", "name"))
		}
	}
}

func (r *referenceSet) roleBinding(spec map[string]interface{}) {
	if kind := stringValue(spec, "roleRef", "kind"); kind == "Role" {
		r.add("Role", stringValue(spec, "roleRef", "name"))
	}
	for _, subject := range listAt(spec, "subjects") {
		if stringValue(subject, "kind") != "ServiceAccount" {
			continue
		}
		if namespace := stringValue(subject, "namespace"); namespace != "" && namespace != r.namespace {
			continue
		}
		r.add("ServiceAccount", stringValue(subject, "name"))
	}
}

func (r *referenceSet) ingress(spec map[string]interface{}) {
	r.add("Service", stringValue(spec, "spec", "defaultBackend", "service", "name"))
	for _, rule := range listAt(spec, "spec", "rules") {
		for _, path := range listAt(rule, "http", "paths") {
			r.add("Service", stringValue(path, "backend", "service", "name"))
		}
	}
	for _, tls := range listAt(spec, "spec", "tls") {
		r.add("Secret", stringValue(tls, "secretName"))
	}
}

func stringAt(object map[string]interface{}, path ...string) (string, bool) {
	text, found, err := unstructured.NestedString(object, path...)
	return text, found && err == nil
}

func stringValue(object map[string]interface{}, path ...string) string {
	text, _ := stringAt(object, path...)
	return text
}

func mapAt(object map[string]interface{}, path ...string) map[string]interface{} {
	value, found, err := unstructured.NestedFieldNoCopy(object, path...)
	if !found || err != nil {
		return nil
	}
	typed, _ := value.(map[string]interface{})
	return typed
}

func listAt(object map[string]interface{}, path ...string) []map[string]interface{} {
	value, found, err := unstructured.NestedFieldNoCopy(object, path...)
	if !found || err != nil {
		return nil
	}
	items, _ := value.([]interface{})
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if typed, ok := item.(map[string]interface{}); ok {
			out = append(out, typed)
		}
	}
	return out
}

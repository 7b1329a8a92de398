package core

// Workload kinds run pods and report rollout progress through replica counters.
var workloadKinds = map[string]bool{
	"Deployment":  true,
	"StatefulSet": true,
	"ReplicaSet":  true,
	"DaemonSet":   true,
}

// IsWorkload reports whether kind is a replica-managing workload.
func IsWorkload(kind string) bool { return workloadKinds[kind] }

// IsScalable reports whether kind exposes spec.replicas.
func IsScalable(kind string) bool { return IsWorkload(kind) && kind != "DaemonSet" }

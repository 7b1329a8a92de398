package core

import "encoding/json"

const (
	// ObjectSizeLimitBytes approximates the maximum object size accepted by the API server.
	ObjectSizeLimitBytes = 1572864 // 1.5MiB
	// ObjectSizeWarnThresholdBytes raises a warning when above ~90% of the limit.
	ObjectSizeWarnThresholdBytes = ObjectSizeLimitBytes * 9 / 10
)

// SizeCheckResult captures the outcome of validating a spec payload size.
type SizeCheckResult struct {
	Bytes int
	Warn  bool
	Block bool
}

// CheckSpecSize computes the serialized size of spec to guard against oversized writes.
func CheckSpecSize(spec ResourceSpec) SizeCheckResult {
	raw, err := json.Marshal(spec.DeepCopy())
	if err != nil {
		return SizeCheckResult{Block: true}
	}
	res := SizeCheckResult{Bytes: len(raw)}
	if res.Bytes > ObjectSizeLimitBytes {
		res.Block = true
	} else if res.Bytes > ObjectSizeWarnThresholdBytes {
		res.Warn = true
	}
	return res
}

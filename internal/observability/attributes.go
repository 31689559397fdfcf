// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrCode    = "code"
	attrModel   = "model"
	attrStatus  = "status"
	attrPhase   = "phase"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/abc123 -> /v1/jobs/{jobId}
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusCodeAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrCode, group)
}

func modelAttr(modelName string) attribute.KeyValue {
	return attribute.String(attrModel, modelName)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrStatus, status)
}

func phaseAttr(phase string) attribute.KeyValue {
	return attribute.String(attrPhase, phase)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces dynamic path segments with placeholders. Known
// sub-resources keep their suffix so /results polls stay distinguishable
// from plain job reads.
func normalizePath(path string) string {
	for _, p := range []struct{ prefix, placeholder string }{
		{"/v1/jobs/", "/v1/jobs/{jobId}"},
		{"/v1/models/", "/v1/models/{name}"},
	} {
		rest, ok := strings.CutPrefix(path, p.prefix)
		if !ok || rest == "" {
			continue
		}
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return p.placeholder + rest[idx:]
		}
		return p.placeholder
	}
	return path
}

// WithModel returns a metric option with the model attribute.
func WithModel(modelName string) metric.MeasurementOption {
	return metric.WithAttributes(modelAttr(modelName))
}

// WithPhase returns a metric option with the phase attribute.
func WithPhase(phase string) metric.MeasurementOption {
	return metric.WithAttributes(phaseAttr(phase))
}

// WithStatus returns a metric option with the job status attribute.
func WithStatus(status string) metric.MeasurementOption {
	return metric.WithAttributes(jobStatusAttr(status))
}

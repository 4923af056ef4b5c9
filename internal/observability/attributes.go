// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrJobType = "job_type"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/abc123 -> /v1/jobs/{jobId}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func jobTypeAttr(jobType string) attribute.KeyValue {
	return attribute.String(attrJobType, jobType)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	if rest, ok := strings.CutPrefix(path, "/v1/jobs/"); ok && rest != "" {
		if strings.HasSuffix(rest, "/stream") {
			return "/v1/jobs/{jobId}/stream"
		}
		if strings.HasSuffix(rest, "/retry") {
			return "/v1/jobs/{jobId}/retry"
		}
		if strings.HasSuffix(rest, "/cancel") {
			return "/v1/jobs/{jobId}/cancel"
		}
		return "/v1/jobs/{jobId}"
	}
	if rest, ok := strings.CutPrefix(path, "/v1/apps/"); ok && rest != "" {
		if strings.HasSuffix(rest, "/logs") {
			return "/v1/apps/{owner}/{appname}/logs"
		}
		if idx := strings.LastIndexByte(rest, '/'); idx > 0 {
			switch rest[idx+1:] {
			case "start", "stop", "deploy", "env":
				return "/v1/apps/{owner}/{appname}/" + rest[idx+1:]
			}
		}
		return "/v1/apps/{owner}/{appname}"
	}
	return path
}

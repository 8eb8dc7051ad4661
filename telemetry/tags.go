// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for request tags holder.
const requestTagsKey contextKey = "request_tags"

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	// Operation is "fetch", "store", "health" and so on.
	Operation   string
	CacheResult CacheResult
	// Encoding is the envelope encoding, empty for non-protocol requests.
	Encoding string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from ctx, or nil.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetOperation sets the operation tag for metrics and logging.
func SetOperation(r *http.Request, operation string) {
	if tags := GetTags(r); tags != nil {
		tags.Operation = operation
	}
}

// SetEncoding sets the envelope encoding for logging.
func SetEncoding(r *http.Request, encoding string) {
	if tags := GetTags(r); tags != nil {
		tags.Encoding = encoding
	}
}

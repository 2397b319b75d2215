package api

import (
	"context"
	"fmt"
	"net/http"
)

// Connectors are injected into step closures; the engine never sees them.
// Each integration implements only the capabilities it supports.

// Request is a connector-neutral outbound call.
type Request struct {
	Operation string
	Resource  string
	Params    map[string]string
	Body      any
}

// Response is the result of an Invoker call.
type Response struct {
	StatusCode int
	Body       any
}

// Invoker performs a single request against an integration.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Getter fetches a single object by id.
type Getter interface {
	Get(ctx context.Context, objectType, id string) (map[string]any, error)
}

// BulkUpserter creates or updates many objects in one call and returns
// their ids in input order.
type BulkUpserter interface {
	BulkUpsert(ctx context.Context, objectType string, records []map[string]any) ([]string, error)
}

// ClassifyHTTPStatus turns a non-2xx status code into a classified error:
// 408, 429 and 5xx are transient, every other 4xx is permanent. It returns
// nil for 1xx-3xx codes.
func ClassifyHTTPStatus(code int) error {
	if code < 400 {
		return nil
	}
	err := fmt.Errorf("http %d %s", code, http.StatusText(code))
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return Transient(err)
	default:
		return Permanent(err)
	}
}
